package execution

import (
	"sort"
	"sync"
	"time"
)

// QualityStats summarises execution quality for one symbol. Slippage is
// positive when adverse; AvgSlippage is per unit, quantity weighted.
type QualityStats struct {
	Symbol         string
	Executions     int64
	Rejections     int64
	TotalSlippage  float64
	AvgSlippage    float64
	AvgSlippagePct float64
	MaxSlippage    float64
	AvgLatency     time.Duration
	MaxLatency     time.Duration
}

type symbolQuality struct {
	executions   int64
	quantity     int64
	rejections   int64
	slippage     float64
	slippagePct  float64
	maxSlippage  float64
	latencies    int64
	totalLatency time.Duration
	maxLatency   time.Duration
}

// QualityTracker aggregates slippage and latency per symbol.
type QualityTracker struct {
	mu      sync.RWMutex
	symbols map[string]*symbolQuality
}

// NewQualityTracker creates an empty tracker.
func NewQualityTracker() *QualityTracker {
	return &QualityTracker{symbols: make(map[string]*symbolQuality)}
}

func (t *QualityTracker) entry(symbol string) *symbolQuality {
	q, ok := t.symbols[symbol]
	if !ok {
		q = &symbolQuality{}
		t.symbols[symbol] = q
	}
	return q
}

// RecordExecution adds one fill with its per-unit adverse slippage against
// the reference price.
func (t *QualityTracker) RecordExecution(symbol string, qty int, slippage, reference float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	q := t.entry(symbol)
	q.executions++
	q.quantity += int64(qty)
	q.slippage += slippage * float64(qty)
	if reference > 0 {
		q.slippagePct += slippage / reference * 100
	}
	if slippage > q.maxSlippage {
		q.maxSlippage = slippage
	}
}

// RecordLatency adds one broker acknowledgement latency.
func (t *QualityTracker) RecordLatency(symbol string, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	q := t.entry(symbol)
	q.latencies++
	q.totalLatency += d
	if d > q.maxLatency {
		q.maxLatency = d
	}
}

// RecordRejection counts one broker rejection.
func (t *QualityTracker) RecordRejection(symbol string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entry(symbol).rejections++
}

// Stats returns the stats for symbol.
func (t *QualityTracker) Stats(symbol string) QualityStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	q, ok := t.symbols[symbol]
	if !ok {
		return QualityStats{Symbol: symbol}
	}
	return q.stats(symbol)
}

// All returns stats for every symbol, sorted by symbol.
func (t *QualityTracker) All() []QualityStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]QualityStats, 0, len(t.symbols))
	for sym, q := range t.symbols {
		out = append(out, q.stats(sym))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (q *symbolQuality) stats(symbol string) QualityStats {
	s := QualityStats{
		Symbol:        symbol,
		Executions:    q.executions,
		Rejections:    q.rejections,
		TotalSlippage: q.slippage,
		MaxSlippage:   q.maxSlippage,
		MaxLatency:    q.maxLatency,
	}
	if q.executions > 0 {
		s.AvgSlippagePct = q.slippagePct / float64(q.executions)
	}
	if q.quantity > 0 {
		s.AvgSlippage = q.slippage / float64(q.quantity)
	}
	if q.latencies > 0 {
		s.AvgLatency = q.totalLatency / time.Duration(q.latencies)
	}
	return s
}
