// Package metrics exposes engine counters and gauges to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "oms"

// Metrics holds the engine's collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	Signals        *prometheus.CounterVec
	Rejections     *prometheus.CounterVec
	Transitions    *prometheus.CounterVec
	Executions     *prometheus.CounterVec
	BrokerLatency  *prometheus.HistogramVec
	Ticks          prometheus.Counter
	ExitSignals    *prometheus.CounterVec
	OpenPositions  *prometheus.GaugeVec
	BlockedCapital *prometheus.GaugeVec
	DailyPnL       *prometheus.GaugeVec
	HardStops      *prometheus.GaugeVec
	HaltedUsers    prometheus.Gauge
}

// New registers the collectors on reg. When reg is nil a private registry is
// used.
func New(reg prometheus.Registerer) *Metrics {
	var gatherer prometheus.Gatherer
	if reg == nil {
		r := prometheus.NewRegistry()
		reg, gatherer = r, r
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	} else {
		gatherer = prometheus.DefaultGatherer
	}

	m := &Metrics{
		gatherer: gatherer,
		Signals: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "signals_total", Help: "Signals consumed, by outcome"},
			[]string{"outcome"},
		),
		Rejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "risk_rejections_total", Help: "Risk rejections by reason"},
			[]string{"reason"},
		),
		Transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "order_transitions_total", Help: "Order state transitions by target state"},
			[]string{"state"},
		),
		Executions: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "executions_total", Help: "Executions applied"},
			[]string{"symbol", "side"},
		),
		BrokerLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "broker_call_seconds",
				Help:      "Broker call latency",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"op", "result"},
		),
		Ticks: prometheus.NewCounter(
			prometheus.CounterOpts{Namespace: namespace, Name: "ticks_total", Help: "Price updates applied"},
		),
		ExitSignals: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "exit_signals_total", Help: "Exit signals emitted by the ledger"},
			[]string{"reason"},
		),
		OpenPositions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Namespace: namespace, Name: "open_positions", Help: "Active positions per user"},
			[]string{"user"},
		),
		BlockedCapital: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Namespace: namespace, Name: "blocked_capital", Help: "Capital blocked per user"},
			[]string{"user"},
		),
		DailyPnL: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Namespace: namespace, Name: "daily_pnl", Help: "Realized P&L net of charges for the trade date"},
			[]string{"user"},
		),
		HardStops: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Namespace: namespace, Name: "hard_stop", Help: "1 when the user's hard stop is set"},
			[]string{"user"},
		),
		HaltedUsers: prometheus.NewGauge(
			prometheus.GaugeOpts{Namespace: namespace, Name: "halted_partitions", Help: "Users halted by journal failures"},
		),
	}

	reg.MustRegister(
		m.Signals, m.Rejections, m.Transitions, m.Executions, m.BrokerLatency,
		m.Ticks, m.ExitSignals, m.OpenPositions, m.BlockedCapital, m.DailyPnL,
		m.HardStops, m.HaltedUsers,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) Signal(outcome string) {
	if m != nil {
		m.Signals.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Rejection(reason string) {
	if m != nil {
		m.Rejections.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) Transition(state string) {
	if m != nil {
		m.Transitions.WithLabelValues(state).Inc()
	}
}

func (m *Metrics) Execution(symbol, side string) {
	if m != nil {
		m.Executions.WithLabelValues(symbol, side).Inc()
	}
}

// BrokerCall observes one broker round trip.
func (m *Metrics) BrokerCall(op string, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.BrokerLatency.WithLabelValues(op, result).Observe(d.Seconds())
}

func (m *Metrics) Tick() {
	if m != nil {
		m.Ticks.Inc()
	}
}

func (m *Metrics) ExitSignal(reason string) {
	if m != nil {
		m.ExitSignals.WithLabelValues(reason).Inc()
	}
}

// Account publishes a user's capital and position gauges.
func (m *Metrics) Account(user string, openPositions int, blocked, dailyPnL float64, hardStop bool) {
	if m == nil {
		return
	}
	m.OpenPositions.WithLabelValues(user).Set(float64(openPositions))
	m.BlockedCapital.WithLabelValues(user).Set(blocked)
	m.DailyPnL.WithLabelValues(user).Set(dailyPnL)
	stop := 0.0
	if hardStop {
		stop = 1
	}
	m.HardStops.WithLabelValues(user).Set(stop)
}

func (m *Metrics) Halted(n int) {
	if m != nil {
		m.HaltedUsers.Set(float64(n))
	}
}
