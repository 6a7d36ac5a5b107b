package execution

import (
	"github.com/shopspring/decimal"

	"zerodha-oms/internal/models"
)

// Schedule is a per-execution charge schedule. Percentages are of turnover.
type Schedule struct {
	BrokeragePct    float64
	BrokerageCap    float64
	STTSellPct      float64
	ExchangeTxnPct  float64
	GSTPct          float64
	SEBIPerCrore    float64
	StampDutyBuyPct float64
}

// Charges is the breakdown of fees for one execution, in rupees.
type Charges struct {
	Brokerage   float64
	STT         float64
	ExchangeTxn float64
	SEBI        float64
	GST         float64
	StampDuty   float64
	Total       float64
}

var (
	hundred = decimal.NewFromInt(100)
	crore   = decimal.NewFromInt(10_000_000)
)

func pct(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v).Div(hundred)
}

// Compute returns the charges for qty units at price on side. Each component
// and the total are rounded to paise.
func (s Schedule) Compute(side models.OrderSide, qty int, price float64) Charges {
	turnover := decimal.NewFromInt(int64(qty)).Mul(decimal.NewFromFloat(price))

	brokerage := turnover.Mul(pct(s.BrokeragePct))
	if s.BrokerageCap > 0 {
		brokerage = decimal.Min(brokerage, decimal.NewFromFloat(s.BrokerageCap))
	}

	stt := decimal.Zero
	stamp := decimal.Zero
	if side == models.OrderSideSell {
		stt = turnover.Mul(pct(s.STTSellPct))
	} else {
		stamp = turnover.Mul(pct(s.StampDutyBuyPct))
	}

	txn := turnover.Mul(pct(s.ExchangeTxnPct))
	sebi := turnover.Mul(decimal.NewFromFloat(s.SEBIPerCrore)).Div(crore)
	gst := brokerage.Add(txn).Add(sebi).Mul(pct(s.GSTPct))

	total := brokerage.Add(stt).Add(txn).Add(sebi).Add(gst).Add(stamp)

	return Charges{
		Brokerage:   paise(brokerage),
		STT:         paise(stt),
		ExchangeTxn: paise(txn),
		SEBI:        paise(sebi),
		GST:         paise(gst),
		StampDuty:   paise(stamp),
		Total:       paise(total),
	}
}

func paise(d decimal.Decimal) float64 {
	f, _ := d.Round(2).Float64()
	return f
}
