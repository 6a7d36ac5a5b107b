package broker

import (
	"sync"
	"time"

	kiteconnect "github.com/zerodha/gokiteconnect/v4"

	"zerodha-oms/internal/models"
)

// Kite order statuses the translator acts on.
const (
	kiteComplete  = "COMPLETE"
	kiteCancelled = "CANCELLED"
	kiteRejected  = "REJECTED"
)

// ReportKind names a venue report.
type ReportKind int

const (
	ReportFill ReportKind = iota
	ReportReject
	ReportCancel
)

// Report is one fill, rejection or cancel derived from an order update.
type Report struct {
	Kind          ReportKind
	BrokerOrderID string
	Fill          models.Fill
	Code          string
	Message       string
}

// Deliver hands the report to cb.
func (r Report) Deliver(cb Callbacks) {
	switch r.Kind {
	case ReportFill:
		cb.OnFill(r.Fill)
	case ReportReject:
		cb.OnReject(r.BrokerOrderID, r.Code, r.Message)
	case ReportCancel:
		cb.OnCancel(r.BrokerOrderID)
	}
}

type seenOrder struct {
	filled   int
	avg      float64
	terminal bool
}

// UpdateTranslator converts Kite order updates, which carry cumulative
// filled quantity and average price, into incremental fills. Replayed or
// out-of-date updates produce nothing.
type UpdateTranslator struct {
	mu   sync.Mutex
	seen map[string]*seenOrder
}

// NewUpdateTranslator creates an empty translator.
func NewUpdateTranslator() *UpdateTranslator {
	return &UpdateTranslator{seen: make(map[string]*seenOrder)}
}

// Translate returns the reports o adds to what was already seen.
func (u *UpdateTranslator) Translate(o kiteconnect.Order) []Report {
	u.mu.Lock()
	defer u.mu.Unlock()

	s, ok := u.seen[o.OrderID]
	if !ok {
		s = &seenOrder{}
		u.seen[o.OrderID] = s
	}
	if s.terminal {
		return nil
	}

	var reports []Report
	filled := int(o.FilledQuantity)
	if filled > s.filled && o.AveragePrice > 0 {
		qty := filled - s.filled
		price := (o.AveragePrice*float64(filled) - s.avg*float64(s.filled)) / float64(qty)
		ts := o.OrderTimestamp.Time
		if ts.IsZero() {
			ts = time.Now()
		}
		reports = append(reports, Report{
			Kind:          ReportFill,
			BrokerOrderID: o.OrderID,
			Fill: models.Fill{
				BrokerOrderID: o.OrderID,
				Quantity:      qty,
				Price:         roundToTick(price),
				Timestamp:     ts,
			},
		})
		s.filled = filled
		s.avg = o.AveragePrice
	}

	switch o.Status {
	case kiteComplete:
		s.terminal = true
	case kiteCancelled:
		s.terminal = true
		reports = append(reports, Report{Kind: ReportCancel, BrokerOrderID: o.OrderID})
	case kiteRejected:
		s.terminal = true
		reports = append(reports, Report{
			Kind:          ReportReject,
			BrokerOrderID: o.OrderID,
			Code:          kiteRejected,
			Message:       o.StatusMessage,
		})
	}
	return reports
}

// Forget drops the state kept for brokerOrderID.
func (u *UpdateTranslator) Forget(brokerOrderID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.seen, brokerOrderID)
}
