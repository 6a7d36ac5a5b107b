// Package cli provides the command-line interface of the order management
// core.
package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"zerodha-oms/internal/config"
	"zerodha-oms/internal/logging"
	"zerodha-oms/internal/store"
	"zerodha-oms/pkg/utils"
)

// Version information
const (
	Version   = "0.3.0"
	BuildDate = "2026-10-01"
)

// App holds the application dependencies.
type App struct {
	Config    *config.Config
	ConfigDir string
	Logger    zerolog.Logger
	Stdin     io.Reader
}

// openStore opens the configured journal.
func (a *App) openStore() (*store.SQLiteStore, error) {
	st, err := store.NewSQLiteStore(a.Config.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("opening journal %s: %w", a.Config.Store.Path, err)
	}
	return st, nil
}

// NewRootCmd creates the root command. Configuration is loaded from the
// --config directory before any subcommand runs.
func NewRootCmd(logger zerolog.Logger) *cobra.Command {
	return newRootCmd(&App{Logger: logger, Stdin: os.Stdin})
}

func newRootCmd(app *App) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "oms",
		Short: "Order management core for Zerodha Kite",
		Long: `oms turns strategy signals into broker orders for many users at once.

Every signal passes a pre-trade risk gate, capital is blocked before the order
is sent, fills update positions and P&L, and every state change is journaled
to sqlite so the process can be restarted without losing track of capital.

Use 'oms serve' to run the engine and 'oms status' to inspect the journal.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if app.Config == nil {
				dir, _ := cmd.Flags().GetString("config")
				cfg, err := config.Load(dir)
				if err != nil {
					return err
				}
				app.Config = cfg
				app.ConfigDir = dir
				app.Logger = logging.NewLoggerWithConfig(cfg.Log)
			}

			debug, _ := cmd.Flags().GetBool("debug")
			if debug {
				logging.SetDebugLevel()
				app.Logger = app.Logger.Level(zerolog.DebugLevel)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/zerodha-oms)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
	rootCmd.AddCommand(newLoginCmd(app))
	rootCmd.AddCommand(newServeCmd(app))
	rootCmd.AddCommand(newStatusCmd(app))
	rootCmd.AddCommand(newReportCmd(app))
	rootCmd.AddCommand(newReplayCmd(app))
	rootCmd.AddCommand(newLimitsCmd(app))

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
				return
			}
			output.Printf("zerodha-oms v%s\n", Version)
			output.Dim("Build date: %s", BuildDate)
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(configView(app.Config))
			}
			showConfig(output, app.Config)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration directory path",
		Run: func(cmd *cobra.Command, args []string) {
			dir := app.ConfigDir
			if dir == "" {
				dir = config.DefaultConfigDir()
			}
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{"path": dir})
				return
			}
			output.Println(dir)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration files",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.Config.Validate(); err != nil {
				output.Error("Configuration validation failed: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]bool{"valid": true})
			}
			output.Success("✓ Configuration is valid")
			return nil
		},
	})

	return cmd
}

// configView is the JSON form of the configuration, without credentials.
func configView(cfg *config.Config) map[string]interface{} {
	return map[string]interface{}{
		"engine":         cfg.Engine,
		"broker":         cfg.Broker,
		"store":          cfg.Store,
		"api":            cfg.API,
		"charges":        cfg.Charges,
		"accounts":       cfg.Accounts,
		"limits_version": cfg.LimitsVersion,
	}
}

func showConfig(output *Output, cfg *config.Config) {
	output.Bold("Broker")
	output.Printf("  Mode:            %s\n", cfg.Broker.Mode)
	output.Printf("  Exchange:        %s\n", cfg.Broker.Exchange)
	output.Printf("  Product:         %s\n", cfg.Broker.Product)
	output.Printf("  Kite API key:    %s\n", maskSecret(cfg.Credentials.Kite.APIKey))
	output.Println()

	output.Bold("Engine")
	output.Printf("  Workers:         %d\n", cfg.Engine.Workers)
	output.Printf("  Tick shards:     %d\n", cfg.Engine.TickShards)
	output.Printf("  Broker timeout:  %s\n", cfg.Engine.BrokerTimeout)
	output.Printf("  Max attempts:    %d\n", cfg.Engine.MaxRetries)
	output.Printf("  Backoff:         %s .. %s\n", cfg.Engine.BackoffInitial, cfg.Engine.BackoffMax)
	output.Println()

	output.Bold("Journal")
	output.Printf("  Path:            %s\n", cfg.Store.Path)
	output.Println()

	output.Bold("Query API")
	output.Printf("  Enabled:         %v\n", cfg.API.Enabled)
	output.Printf("  Listen:          %s\n", cfg.API.Listen)
	output.Println()

	output.Bold("Accounts")
	if len(cfg.Accounts) == 0 {
		output.Dim("  none configured")
	}
	for _, a := range cfg.Accounts {
		output.Printf("  %-16s %s\n", a.UserID, utils.FormatIndianCurrency(a.OpeningCapital))
	}
}

func maskSecret(s string) string {
	if s == "" {
		return "(not set)"
	}
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + "****" + s[len(s)-2:]
}
