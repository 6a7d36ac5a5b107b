package engine

import (
	"fmt"
	"math"
	"sort"
	"time"

	"zerodha-oms/internal/ledger"
	"zerodha-oms/internal/models"
)

// PositionDiff is a mismatch between a journaled position and the one
// rebuilt from executions.
type PositionDiff struct {
	UserID      string
	Symbol      string
	Journaled   int
	Replayed    int
	JournalAvg  float64
	ReplayedAvg float64
}

func (d PositionDiff) String() string {
	return fmt.Sprintf("%s %s: journal %d @ %.2f, replay %d @ %.2f",
		d.UserID, d.Symbol, d.Journaled, d.JournalAvg, d.Replayed, d.ReplayedAvg)
}

// ReplayPositions folds executions, in time and sequence order, through an
// empty ledger using the order each belongs to for its side and exit
// settings.
func ReplayPositions(ords []*models.Order, execs []models.Execution) (*ledger.Ledger, error) {
	byID := make(map[string]*models.Order, len(ords))
	for _, o := range ords {
		byID[o.ID] = o
	}

	sorted := append([]models.Execution(nil), execs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].Timestamp.Equal(sorted[j].Timestamp) {
			return sorted[i].Timestamp.Before(sorted[j].Timestamp)
		}
		if sorted[i].OrderID == sorted[j].OrderID {
			return sorted[i].Sequence < sorted[j].Sequence
		}
		return sorted[i].OrderID < sorted[j].OrderID
	})

	var last time.Time
	l := ledger.New(func() time.Time { return last })
	for _, ex := range sorted {
		o, ok := byID[ex.OrderID]
		if !ok {
			return nil, fmt.Errorf("execution %s references unknown order %s", ex.ID, ex.OrderID)
		}
		last = ex.Timestamp
		_, err := l.ApplyExecution(models.PositionDelta{
			UserID:          ex.UserID,
			Symbol:          ex.Symbol,
			OrderID:         ex.OrderID,
			ExecutionID:     ex.ID,
			Strategy:        o.Strategy,
			SignedQty:       ex.Quantity * ex.Side.Sign(),
			Price:           ex.Price,
			Fees:            ex.Fees,
			Margin:          ex.Margin,
			StopLossPct:     o.StopLossPct,
			TargetPct:       o.TargetPct,
			TrailingStopPct: o.TrailingStopPct,
			Timestamp:       ex.Timestamp,
		})
		if err != nil {
			return nil, fmt.Errorf("replaying execution %s: %w", ex.ID, err)
		}
	}
	return l, nil
}

// DiffPositions compares the journal's active positions against a replayed
// ledger for the given users. Rows match on user and symbol.
func DiffPositions(journaled []*models.Position, replayed *ledger.Ledger, users []string) []PositionDiff {
	type key struct{ user, symbol string }
	want := make(map[key]*models.Position)
	for _, p := range journaled {
		if p.Active() {
			want[key{p.UserID, p.Symbol}] = p
		}
	}

	var diffs []PositionDiff
	seen := make(map[key]bool)
	for _, user := range users {
		for _, got := range replayed.OpenPositions(user) {
			k := key{got.UserID, got.Symbol}
			seen[k] = true
			j := want[k]
			if j != nil && j.Quantity == got.Quantity && math.Abs(j.AverageEntryPrice-got.AverageEntryPrice) < 1e-6 {
				continue
			}
			d := PositionDiff{UserID: got.UserID, Symbol: got.Symbol, Replayed: got.Quantity, ReplayedAvg: got.AverageEntryPrice}
			if j != nil {
				d.Journaled, d.JournalAvg = j.Quantity, j.AverageEntryPrice
			}
			diffs = append(diffs, d)
		}
	}
	for k, j := range want {
		if !seen[k] {
			diffs = append(diffs, PositionDiff{UserID: j.UserID, Symbol: j.Symbol, Journaled: j.Quantity, JournalAvg: j.AverageEntryPrice})
		}
	}
	sort.Slice(diffs, func(i, j int) bool {
		if diffs[i].UserID != diffs[j].UserID {
			return diffs[i].UserID < diffs[j].UserID
		}
		return diffs[i].Symbol < diffs[j].Symbol
	})
	return diffs
}
