package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"zerodha-oms/internal/api"
	"zerodha-oms/internal/broker"
	"zerodha-oms/internal/config"
	"zerodha-oms/internal/engine"
	"zerodha-oms/internal/execution"
	"zerodha-oms/internal/metrics"
	"zerodha-oms/internal/models"
	"zerodha-oms/internal/orders"
	"zerodha-oms/internal/store"
	"zerodha-oms/pkg/utils"
)

// Kite allows 10 order requests per second per API key.
const kiteOrderRate = 10

type serveOptions struct {
	feed        string
	symbols     []string
	expiryEvery time.Duration
	pollEvery   time.Duration
	paperFill   time.Duration
	slippageBps float64
}

func newServeCmd(app *App) *cobra.Command {
	opts := serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the order engine",
		Long: `Run the order engine until interrupted.

State is restored from the journal first, stale accounts are rolled to the
current trade date and orders that were queued at shutdown are dispatched.
Signals and price ticks are read as JSON lines from --feed ("-" for stdin);
with Kite credentials and --symbols, live ticks are streamed as well.`,
		Example: `  oms serve --feed signals.jsonl
  strategy-runner | oms serve --feed -
  oms serve --symbols INFY,TCS,RELIANCE`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), app, opts)
		},
	}

	cmd.Flags().StringVar(&opts.feed, "feed", "", `JSON-lines signal and tick feed ("-" for stdin)`)
	cmd.Flags().StringSliceVar(&opts.symbols, "symbols", nil, "symbols to stream from the Kite ticker")
	cmd.Flags().DurationVar(&opts.expiryEvery, "expiry-interval", time.Second, "how often working orders are checked for expiry")
	cmd.Flags().DurationVar(&opts.pollEvery, "poll-interval", 30*time.Second, "live order book reconciliation interval (0 disables)")
	cmd.Flags().DurationVar(&opts.paperFill, "paper-fill-delay", 50*time.Millisecond, "simulated exchange latency in paper mode")
	cmd.Flags().Float64Var(&opts.slippageBps, "paper-slippage-bps", 2, "slippage applied to paper market fills")
	return cmd
}

// engineConfig maps the [engine], [broker] and [charges] sections onto the
// engine's tunables.
func engineConfig(cfg *config.Config) engine.Config {
	ec := engine.DefaultConfig()
	ec.Workers = cfg.Engine.Workers
	ec.SignalQueue = cfg.Engine.SignalQueue
	ec.TickShards = cfg.Engine.TickShards
	ec.TickQueue = cfg.Engine.TickQueue
	ec.Dispatch = orders.DispatchConfig{
		MaxAttempts:    cfg.Engine.MaxRetries,
		Timeout:        cfg.Engine.BrokerTimeout,
		BackoffInitial: cfg.Engine.BackoffInitial,
		BackoffMax:     cfg.Engine.BackoffMax,
	}
	ec.Charges = execution.Schedule(cfg.Charges)
	ec.Exchange = models.Exchange(strings.ToUpper(cfg.Broker.Exchange))
	ec.Product = models.ProductType(strings.ToUpper(cfg.Broker.Product))
	ec.OrderTTL = cfg.Engine.OrderTTL
	ec.RejectionLogSize = cfg.Engine.RejectionLogSize
	return ec
}

// venue is the broker side of a running engine.
type venue struct {
	client broker.Reporter
	paper  *broker.PaperBroker
	kite   *broker.ZerodhaBroker // set whenever Kite credentials are usable
}

func newVenue(cfg *config.Config, opts serveOptions, logger zerolog.Logger) (*venue, error) {
	v := &venue{}
	creds := cfg.Credentials.Kite
	if creds.APIKey != "" {
		v.kite = broker.NewZerodhaBroker(broker.ZerodhaConfig{
			APIKey:      creds.APIKey,
			APISecret:   creds.APISecret,
			AccessToken: creds.AccessToken,
		}, logger)
		if !v.kite.IsAuthenticated() {
			v.kite = nil
		}
	}

	if cfg.IsPaperMode() {
		v.paper = broker.NewPaperBroker(broker.PaperConfig{
			AutoFill:    true,
			FillDelay:   opts.paperFill,
			SlippageBps: opts.slippageBps,
		})
		v.client = v.paper
		return v, nil
	}

	if v.kite == nil {
		return nil, fmt.Errorf("live mode needs a Kite session; run 'oms login' first")
	}
	v.client = broker.NewLimited(v.kite, broker.NewRateLimiter(kiteOrderRate, kiteOrderRate))
	return v, nil
}

func runServe(ctx context.Context, app *App, opts serveOptions) error {
	cfg := app.Config
	logger := app.Logger

	st, err := app.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	v, err := newVenue(cfg, opts, logger)
	if err != nil {
		return err
	}

	e := engine.New(engineConfig(cfg), v.client, st, cfg.LimitsFor, logger, engine.WithMetrics(m))
	v.client.SetCallbacks(e)

	if err := startEngine(ctx, e, st, cfg, time.Now(), logger); err != nil {
		return err
	}

	cfg.Watch(func(next *config.Config) {
		e.UpdateLimits(next.LimitsFor)
		openAccounts(e, next, time.Now(), logger)
		logger.Info().Int("limits_version", next.LimitsVersion).Msg("Risk limits reloaded")
	}, func(err error) {
		logger.Warn().Err(err).Msg("Ignoring invalid config reload")
	})

	signals := make(chan models.Signal, cfg.Engine.SignalQueue)
	prices := make(chan models.PriceUpdate, cfg.Engine.TickQueue)
	var onTick func(models.PriceUpdate)
	if v.paper != nil {
		onTick = v.paper.UpdatePrice
	}

	var feed io.Reader
	if opts.feed != "" {
		r, closeFeed, err := openFeed(opts.feed, app.Stdin)
		if err != nil {
			return err
		}
		defer closeFeed()
		feed = r
	}

	if v.kite != nil && len(opts.symbols) > 0 {
		ticker, err := startTicker(ctx, cfg, v, opts.symbols, prices, onTick, logger)
		if err != nil {
			return err
		}
		defer ticker.Disconnect()
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return e.Run(ctx, signals, prices, opts.expiryEvery)
	})

	g.Go(func() error {
		rollDays(ctx, e, time.Minute, logger)
		return nil
	})

	if feed != nil {
		fr := &feedReader{signals: signals, prices: prices, onTick: onTick, logger: logger, now: time.Now}
		g.Go(func() error {
			err := fr.run(ctx, feed)
			logger.Info().Str("feed", opts.feed).Msg("Feed finished")
			return err
		})
	}

	if v.kite != nil && v.paper == nil && opts.pollEvery > 0 {
		g.Go(func() error {
			t := time.NewTicker(opts.pollEvery)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-t.C:
					if err := v.kite.Poll(ctx); err != nil {
						logger.Warn().Err(err).Msg("Order book reconciliation failed")
					}
				}
			}
		})
	}

	if cfg.API.Enabled {
		srv := api.NewServer(e, m.Handler(), logger)
		g.Go(func() error {
			return srv.ListenAndServe(ctx, cfg.API.Listen)
		})
	}

	logger.Info().Str("mode", cfg.Broker.Mode).Str("journal", cfg.Store.Path).Msg("Engine running")
	err = g.Wait()
	logger.Info().Int("pending_reports", e.PendingReports()).Msg("Engine stopped")
	return err
}

// startEngine restores journaled state, rolls accounts left on an earlier
// trade date, opens configured accounts and resumes queued orders.
func startEngine(ctx context.Context, e *engine.Engine, st *store.SQLiteStore, cfg *config.Config, now time.Time, logger zerolog.Logger) error {
	if err := e.Restore(ctx, st); err != nil {
		return fmt.Errorf("restoring from journal: %w", err)
	}
	if err := e.RollDay(ctx, now); err != nil {
		return fmt.Errorf("rolling trade date: %w", err)
	}
	openAccounts(e, cfg, now, logger)
	e.Resume(ctx)
	return nil
}

func openAccounts(e *engine.Engine, cfg *config.Config, now time.Time, logger zerolog.Logger) {
	for user, opening := range cfg.OpeningCapital() {
		if err := e.OpenAccount(user, opening, now); err != nil {
			logger.Error().Err(err).Str("user_id", user).Msg("Opening capital account")
		}
	}
}

// rollDays rolls the engine to the new trade date shortly after midnight
// IST.
func rollDays(ctx context.Context, e *engine.Engine, every time.Duration, logger zerolog.Logger) {
	current := models.TradeDate(time.Now(), utils.IndiaLocation)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			today := models.TradeDate(now, utils.IndiaLocation)
			if !today.After(current) {
				continue
			}
			if err := e.RollDay(ctx, now); err != nil {
				logger.Error().Err(err).Msg("Day rollover failed")
				continue
			}
			current = today
		}
	}
}

func openFeed(path string, stdin io.Reader) (io.Reader, func(), error) {
	if path == "-" {
		return stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening feed: %w", err)
	}
	return f, func() { f.Close() }, nil
}

func startTicker(ctx context.Context, cfg *config.Config, v *venue, symbols []string, prices chan<- models.PriceUpdate, onTick func(models.PriceUpdate), logger zerolog.Logger) (*broker.ZerodhaTicker, error) {
	for i, s := range symbols {
		symbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	tokens, err := v.kite.InstrumentTokens(ctx, models.Exchange(strings.ToUpper(cfg.Broker.Exchange)), symbols)
	if err != nil {
		return nil, err
	}
	if len(tokens) < len(symbols) {
		logger.Warn().Int("requested", len(symbols)).Int("resolved", len(tokens)).Msg("Some symbols have no instrument token")
	}

	ticker := broker.NewZerodhaTicker(broker.ZerodhaTickerConfig{
		APIKey:      cfg.Credentials.Kite.APIKey,
		AccessToken: v.kite.AccessToken(),
		MaxRetries:  50,
		MaxDelay:    time.Minute,
	}, logger)
	ticker.RegisterSymbols(tokens)
	ticker.OnPrice(func(u models.PriceUpdate) {
		if onTick != nil {
			onTick(u)
		}
		select {
		case prices <- u:
		default:
			logger.Warn().Str("symbol", u.Symbol).Msg("Tick queue full, dropping tick")
		}
	})
	if v.paper == nil {
		ticker.OnOrderUpdate(v.kite.HandleOrderUpdate)
	}
	ticker.OnError(func(err error) {
		logger.Error().Err(err).Msg("Ticker error")
	})

	if err := ticker.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connecting ticker: %w", err)
	}
	subscribed := make([]string, 0, len(tokens))
	for s := range tokens {
		subscribed = append(subscribed, s)
	}
	if err := ticker.Subscribe(subscribed); err != nil {
		ticker.Disconnect()
		return nil, fmt.Errorf("subscribing: %w", err)
	}
	logger.Info().Strs("symbols", subscribed).Msg("Streaming ticks")
	return ticker, nil
}
