package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zerodha-oms/internal/api"
	"zerodha-oms/internal/broker"
	"zerodha-oms/internal/config"
	"zerodha-oms/internal/engine"
	"zerodha-oms/internal/models"
	"zerodha-oms/internal/store"
	"zerodha-oms/pkg/utils"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, utils.IndiaLocation)

const testConfig = `
[broker]
mode = "paper"

[api]
enabled = false

[risk.default]
max_positions = 5
max_position_size = 100000.0
max_single_exposure = 0.2

[[risk.users]]
user_id = "u2"
max_positions = 2
auto_size = true

[strategies.momentum]
min_quality_score = 7.0
cooldown_minutes = 10

[[accounts]]
user_id = "u1"
opening_capital = 100000.0

[[accounts]]
user_id = "u2"
opening_capital = 50000.0
`

func newTestApp(t *testing.T) *App {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(testConfig), 0o644))
	cfg, err := config.Load(dir)
	require.NoError(t, err)
	return &App{Config: cfg, ConfigDir: dir, Logger: zerolog.Nop(), Stdin: strings.NewReader("")}
}

func run(t *testing.T, app *App, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	root := newRootCmd(app)
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return buf.String(), err
}

// seedJournal trades u1 through an engine journaling to the app's store:
// INFY bought and filled, TCS bought and left working.
func seedJournal(t *testing.T, app *App) {
	t.Helper()
	st, err := store.NewSQLiteStore(app.Config.Store.Path)
	require.NoError(t, err)
	defer st.Close()

	clock := t0
	now := func() time.Time { return clock }
	paper := broker.NewPaperBroker(broker.PaperConfig{})
	e := engine.New(engineConfig(app.Config), paper, st, app.Config.LimitsFor, zerolog.Nop(), engine.WithClock(now))
	paper.SetCallbacks(e)
	require.NoError(t, e.OpenAccount("u1", 100000, t0))

	ctx := context.Background()
	infy, err := e.SubmitSignal(ctx, models.Signal{
		ID: "s-1", UserID: "u1", Strategy: "momentum", Symbol: "INFY", Action: models.OrderSideBuy,
		Quantity: 10, QualityScore: 8, Price: 200, CreatedAt: t0,
	})
	require.NoError(t, err)
	bid, ok := paper.BrokerID(infy.ID)
	require.True(t, ok)
	clock = clock.Add(time.Second)
	e.OnFill(models.Fill{BrokerOrderID: bid, Quantity: 10, Price: 200, Timestamp: clock})

	_, err = e.SubmitSignal(ctx, models.Signal{
		ID: "s-2", UserID: "u1", Strategy: "momentum", Symbol: "TCS", Action: models.OrderSideBuy,
		Quantity: 5, QualityScore: 8, Price: 3000, CreatedAt: clock,
	})
	require.NoError(t, err)
}

func TestVersionJSON(t *testing.T) {
	out, err := run(t, newTestApp(t), "version", "--json")
	require.NoError(t, err)
	var v map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.Equal(t, Version, v["version"])
}

func TestConfigValidateAndPath(t *testing.T) {
	app := newTestApp(t)
	out, err := run(t, app, "config", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration is valid")

	out, err = run(t, app, "config", "path")
	require.NoError(t, err)
	assert.Equal(t, app.ConfigDir, strings.TrimSpace(out))
}

func TestConfigShowHidesCredentials(t *testing.T) {
	app := newTestApp(t)
	app.Config.Credentials.Kite.APIKey = "abcdef123456"
	out, err := run(t, app, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "ab****56")
	assert.NotContains(t, out, "abcdef123456")

	out, err = run(t, app, "config", "show", "--json")
	require.NoError(t, err)
	assert.NotContains(t, out, "abcdef123456")
}

func TestLimitsMergesUserOverrides(t *testing.T) {
	out, err := run(t, newTestApp(t), "limits", "--json")
	require.NoError(t, err)

	var views []limitsView
	require.NoError(t, json.Unmarshal([]byte(out), &views))
	require.Len(t, views, 2)
	assert.Equal(t, "u1", views[0].UserID)
	assert.Equal(t, 5, views[0].MaxPositions)
	assert.False(t, views[0].AutoSize)
	assert.Equal(t, "u2", views[1].UserID)
	assert.Equal(t, 2, views[1].MaxPositions)
	assert.True(t, views[1].AutoSize)
	assert.InDelta(t, 100000, views[1].MaxPositionSize, 1e-9)
	assert.InDelta(t, 7, views[1].Strategies["momentum"].MinQualityScore, 1e-9)
}

func TestLimitsTextOutput(t *testing.T) {
	out, err := run(t, newTestApp(t), "limits", "u2")
	require.NoError(t, err)
	assert.Contains(t, out, "u2  (limits v1)")
	assert.Contains(t, out, "2 max")
	assert.Contains(t, out, "momentum")
}

func TestStatusFromJournal(t *testing.T) {
	app := newTestApp(t)
	seedJournal(t, app)

	out, err := run(t, app, "status", "--json")
	require.NoError(t, err)
	var report struct {
		Capital   []api.CapitalView  `json:"capital"`
		Positions []api.PositionView `json:"positions"`
		Orders    []api.OrderView    `json:"working_orders"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report))

	require.Len(t, report.Capital, 1)
	c := report.Capital[0]
	assert.Equal(t, "u1", c.UserID)
	assert.InDelta(t, 2000+15000, c.BlockedCapital, 1e-6)
	assert.InDelta(t, c.OpeningCapital+c.RealizedToday, c.AvailableCapital+c.BlockedCapital, 1e-6)

	require.Len(t, report.Positions, 1)
	assert.Equal(t, "INFY", report.Positions[0].Symbol)
	assert.Equal(t, 10, report.Positions[0].Quantity)

	require.Len(t, report.Orders, 1)
	assert.Equal(t, "TCS", report.Orders[0].Symbol)

	text, err := run(t, app, "status", "--user", "u1")
	require.NoError(t, err)
	assert.Contains(t, text, "Working orders")
	assert.Contains(t, text, "TCS")

	_, err = run(t, app, "status", "--user", "ghost")
	assert.Error(t, err)
}

func TestReplayMatchesJournal(t *testing.T) {
	app := newTestApp(t)
	seedJournal(t, app)

	out, err := run(t, app, "replay")
	require.NoError(t, err)
	assert.Contains(t, out, "1 open positions match the journal")
}

func TestReplayReportsTamperedPosition(t *testing.T) {
	app := newTestApp(t)
	seedJournal(t, app)

	st, err := store.NewSQLiteStore(app.Config.Store.Path)
	require.NoError(t, err)
	positions, err := st.LoadPositions(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	p := positions[0]
	p.Quantity = 7
	require.NoError(t, st.RecordPosition(p, models.PositionEvent{PositionID: p.ID, Kind: models.PositionEventReduce, Quantity: -3, Timestamp: t0}))
	require.NoError(t, st.Close())

	out, err := run(t, app, "replay", "--json")
	require.Error(t, err)
	var res replayResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Len(t, res.Diffs, 1)
	assert.Contains(t, res.Diffs[0], "journal 7")
	assert.Contains(t, res.Diffs[0], "replay 10")
}

func TestReportComputesUnrolledDay(t *testing.T) {
	app := newTestApp(t)
	seedJournal(t, app)

	out, err := run(t, app, "report", "--date", "2026-03-02", "--json")
	require.NoError(t, err)
	var views []api.SummaryView
	require.NoError(t, json.Unmarshal([]byte(out), &views))
	require.Len(t, views, 1)
	assert.Equal(t, "u1", views[0].UserID)
	assert.Equal(t, "2026-03-02", views[0].TradeDate)
	assert.Equal(t, 1, views[0].Executions)
	assert.Equal(t, 0, views[0].Trades)

	_, err = run(t, app, "report", "--date", "02/03/2026")
	assert.Error(t, err)
}

func TestReportPrefersStoredSummary(t *testing.T) {
	app := newTestApp(t)
	st, err := store.NewSQLiteStore(app.Config.Store.Path)
	require.NoError(t, err)
	require.NoError(t, st.SaveDailySummary(models.DailySummary{
		UserID: "u1", TradeDate: time.Date(2026, 3, 2, 0, 0, 0, 0, utils.IndiaLocation),
		Trades: 4, Wins: 3, Losses: 1, RealizedPnL: 1250, ProfitFactor: 2.5, GeneratedAt: t0,
	}))
	require.NoError(t, st.Close())

	out, err := run(t, app, "report", "--user", "u1", "--date", "2026-03-02")
	require.NoError(t, err)
	assert.Contains(t, out, "u1  02-Mar-2026")
	assert.Contains(t, out, "+₹1,250.00")
	assert.Contains(t, out, "2.50")
}

func TestEngineConfigFromSettings(t *testing.T) {
	app := newTestApp(t)
	app.Config.Engine.MaxRetries = 4
	app.Config.Broker.Exchange = "bse"

	ec := engineConfig(app.Config)
	assert.Equal(t, 4, ec.Dispatch.MaxAttempts)
	assert.Equal(t, app.Config.Engine.BrokerTimeout, ec.Dispatch.Timeout)
	assert.Equal(t, models.Exchange("BSE"), ec.Exchange)
	assert.Equal(t, models.ProductMIS, ec.Product)
	assert.InDelta(t, app.Config.Charges.GSTPct, ec.Charges.GSTPct, 1e-9)
	assert.Equal(t, app.Config.Engine.Workers, ec.Workers)
}

func TestNewVenueModes(t *testing.T) {
	app := newTestApp(t)
	v, err := newVenue(app.Config, serveOptions{}, zerolog.Nop())
	require.NoError(t, err)
	assert.NotNil(t, v.paper)
	assert.Same(t, v.paper, v.client)
	assert.Nil(t, v.kite)

	app.Config.Broker.Mode = "live"
	_, err = newVenue(app.Config, serveOptions{}, zerolog.Nop())
	assert.Error(t, err)
}

func TestStartEngineOpensConfiguredAccounts(t *testing.T) {
	app := newTestApp(t)
	seedJournal(t, app)

	st, err := store.NewSQLiteStore(app.Config.Store.Path)
	require.NoError(t, err)
	defer st.Close()

	now := t0.Add(time.Hour)
	paper := broker.NewPaperBroker(broker.PaperConfig{})
	e := engine.New(engineConfig(app.Config), paper, st, app.Config.LimitsFor, zerolog.Nop(), engine.WithClock(func() time.Time { return now }))
	paper.SetCallbacks(e)
	require.NoError(t, startEngine(context.Background(), e, st, app.Config, now, zerolog.Nop()))

	u1, err := e.Capital("u1")
	require.NoError(t, err)
	assert.InDelta(t, 17000, u1.BlockedCapital, 1e-6)
	u2, err := e.Capital("u2")
	require.NoError(t, err)
	assert.InDelta(t, 50000, u2.AvailableCapital, 1e-6)
	assert.Len(t, e.OpenPositions("u1"), 1)
}

func TestSessionExpiry(t *testing.T) {
	morning := time.Date(2026, 3, 2, 5, 0, 0, 0, utils.IndiaLocation)
	assert.Equal(t, time.Date(2026, 3, 2, 6, 0, 0, 0, utils.IndiaLocation), sessionExpiry(morning))
	assert.Equal(t, time.Date(2026, 3, 3, 6, 0, 0, 0, utils.IndiaLocation), sessionExpiry(t0))
}

func TestLoginWithoutCredentialsFails(t *testing.T) {
	_, err := run(t, newTestApp(t), "login", "--token", "abc")
	assert.Error(t, err)
}
