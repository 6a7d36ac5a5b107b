package cli

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"zerodha-oms/internal/broker"
	"zerodha-oms/pkg/utils"
)

func newLoginCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in to Kite Connect and save the session",
		Long: `Log in to Kite Connect.

Opens the Kite login page. After logging in you are redirected to a URL
carrying a request_token; paste it here (or pass it with --token) and the
resulting access token is saved for 'oms serve'.`,
		Example: `  oms login
  oms login --token=<request_token>`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()

			creds := app.Config.Credentials.Kite
			if creds.APIKey == "" || creds.APISecret == "" {
				output.Error("Kite api_key and api_secret must be set in credentials.toml")
				return fmt.Errorf("kite credentials not configured")
			}
			zb := broker.NewZerodhaBroker(broker.ZerodhaConfig{
				APIKey:    creds.APIKey,
				APISecret: creds.APISecret,
			}, app.Logger)

			token, _ := cmd.Flags().GetString("token")
			if token == "" {
				loginURL := zb.LoginURL()
				output.Info("Opening Kite login page...")
				output.Bold("Login URL:")
				output.Println(loginURL)
				output.Println()
				if err := openURL(loginURL); err != nil {
					output.Warning("Could not open browser automatically")
				}

				output.Dim("After logging in you'll land on  https://<redirect>/?request_token=XXXXXX&status=success")
				output.Bold("Paste the request_token value here:")
				output.Printf("> ")
				line, _ := bufio.NewReader(app.Stdin).ReadString('\n')
				token = strings.TrimSpace(line)
			}
			if token == "" {
				output.Error("No token provided")
				return fmt.Errorf("no token provided")
			}

			if err := zb.CompleteLogin(ctx, token); err != nil {
				output.Error("Login failed: %v", err)
				return err
			}
			output.Success("✓ Login successful")
			output.Printf("  Session expires: %s\n", sessionExpiry(time.Now()).Format("02 Jan 2006, 03:04 PM"))
			return nil
		},
	}

	cmd.Flags().String("token", "", "request token from the redirect URL")
	return cmd
}

// sessionExpiry is when a Kite access token issued at now stops working:
// 06:00 IST the following morning.
func sessionExpiry(now time.Time) time.Time {
	now = now.In(utils.IndiaLocation)
	expiry := time.Date(now.Year(), now.Month(), now.Day(), 6, 0, 0, 0, utils.IndiaLocation)
	if !now.Before(expiry) {
		expiry = expiry.AddDate(0, 0, 1)
	}
	return expiry
}

func openURL(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "linux":
		cmd = exec.Command("xdg-open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		return fmt.Errorf("unsupported platform")
	}
	return cmd.Start()
}
