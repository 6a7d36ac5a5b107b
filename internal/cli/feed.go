package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"zerodha-oms/internal/models"
)

// feedMessage is one line of a serve feed: a strategy signal or a price
// tick, as JSON.
//
//	{"type":"signal","id":"s-1","user_id":"AB1234","strategy":"momentum","symbol":"INFY","action":"BUY","quantity":10,"quality_score":8}
//	{"type":"tick","symbol":"INFY","ltp":1520.5}
type feedMessage struct {
	Type string `json:"type"`

	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Strategy     string    `json:"strategy"`
	Symbol       string    `json:"symbol"`
	Action       string    `json:"action"`
	Quantity     int       `json:"quantity"`
	QualityScore float64   `json:"quality_score"`
	Confidence   float64   `json:"confidence"`
	StopLossPct  float64   `json:"stop_loss_pct"`
	TargetPct    float64   `json:"target_pct"`
	Price        float64   `json:"price"`
	ValidUntil   time.Time `json:"valid_until"`
	Override     bool      `json:"override"`
	OverrideBy   string    `json:"override_by"`

	LTP       float64   `json:"ltp"`
	Timestamp time.Time `json:"timestamp"`
}

func (m feedMessage) signal(now time.Time) models.Signal {
	created := m.Timestamp
	if created.IsZero() {
		created = now
	}
	return models.Signal{
		ID:           m.ID,
		UserID:       m.UserID,
		Strategy:     m.Strategy,
		Symbol:       strings.ToUpper(m.Symbol),
		Action:       models.OrderSide(strings.ToUpper(m.Action)),
		Quantity:     m.Quantity,
		QualityScore: m.QualityScore,
		Confidence:   m.Confidence,
		StopLossPct:  m.StopLossPct,
		TargetPct:    m.TargetPct,
		Price:        m.Price,
		ValidUntil:   m.ValidUntil,
		CreatedAt:    created,
		Override:     m.Override,
		OverrideBy:   m.OverrideBy,
	}
}

func (m feedMessage) tick(now time.Time) models.PriceUpdate {
	ts := m.Timestamp
	if ts.IsZero() {
		ts = now
	}
	return models.PriceUpdate{Symbol: strings.ToUpper(m.Symbol), LTP: m.LTP, Timestamp: ts}
}

// feedReader decodes a JSON-lines feed into the engine's input channels.
type feedReader struct {
	signals chan<- models.Signal
	prices  chan<- models.PriceUpdate
	// onTick, when set, sees every tick before the engine does.
	onTick func(models.PriceUpdate)
	logger zerolog.Logger
	now    func() time.Time
}

// run reads r until EOF or ctx ends. Malformed lines are logged and skipped.
func (f *feedReader) run(ctx context.Context, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		var msg feedMessage
		if err := json.Unmarshal([]byte(text), &msg); err != nil {
			f.logger.Warn().Err(err).Int("line", line).Msg("Skipping malformed feed line")
			continue
		}

		switch strings.ToLower(msg.Type) {
		case "signal":
			select {
			case f.signals <- msg.signal(f.now()):
			case <-ctx.Done():
				return nil
			}
		case "tick":
			u := msg.tick(f.now())
			if f.onTick != nil {
				f.onTick(u)
			}
			select {
			case f.prices <- u:
			case <-ctx.Done():
				return nil
			}
		default:
			f.logger.Warn().Str("type", msg.Type).Int("line", line).Msg("Skipping feed line of unknown type")
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading feed: %w", err)
	}
	return nil
}
