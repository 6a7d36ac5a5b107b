package cli

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zerodha-oms/internal/models"
)

func TestFeedRoutesSignalsAndTicks(t *testing.T) {
	input := strings.Join([]string{
		`# morning session`,
		`{"type":"tick","symbol":"infy","ltp":1500.5}`,
		`{"type":"signal","id":"s-1","user_id":"u1","strategy":"momentum","symbol":"infy","action":"buy","quantity":10,"quality_score":8,"stop_loss_pct":2,"override":true,"override_by":"desk"}`,
		`not json`,
		`{"type":"heartbeat"}`,
		``,
		`{"type":"tick","symbol":"TCS","ltp":3000,"timestamp":"2026-03-02T10:00:05+05:30"}`,
	}, "\n")

	signals := make(chan models.Signal, 4)
	prices := make(chan models.PriceUpdate, 4)
	var seen []string
	fr := &feedReader{
		signals: signals,
		prices:  prices,
		onTick:  func(u models.PriceUpdate) { seen = append(seen, u.Symbol) },
		logger:  zerolog.Nop(),
		now:     func() time.Time { return t0 },
	}
	require.NoError(t, fr.run(context.Background(), strings.NewReader(input)))
	close(signals)
	close(prices)

	var sigs []models.Signal
	for s := range signals {
		sigs = append(sigs, s)
	}
	require.Len(t, sigs, 1)
	s := sigs[0]
	assert.Equal(t, "INFY", s.Symbol)
	assert.Equal(t, models.OrderSideBuy, s.Action)
	assert.Equal(t, 10, s.Quantity)
	assert.True(t, s.Override)
	assert.Equal(t, "desk", s.OverrideBy)
	assert.Equal(t, t0, s.CreatedAt)

	var ticks []models.PriceUpdate
	for u := range prices {
		ticks = append(ticks, u)
	}
	require.Len(t, ticks, 2)
	assert.Equal(t, "INFY", ticks[0].Symbol)
	assert.Equal(t, t0, ticks[0].Timestamp)
	assert.True(t, ticks[1].Timestamp.Equal(t0.Add(5*time.Second)))
	assert.Equal(t, []string{"INFY", "TCS"}, seen)
}

func TestFeedStopsWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fr := &feedReader{
		signals: make(chan models.Signal),
		prices:  make(chan models.PriceUpdate),
		logger:  zerolog.Nop(),
		now:     time.Now,
	}
	err := fr.run(ctx, strings.NewReader(`{"type":"signal","id":"s-1"}`+"\n"))
	assert.NoError(t, err)
}
