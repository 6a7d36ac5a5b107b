package broker

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	kiteconnect "github.com/zerodha/gokiteconnect/v4"
	kitemodels "github.com/zerodha/gokiteconnect/v4/models"

	"zerodha-oms/internal/errors"
	"zerodha-oms/internal/models"
)

type recorder struct {
	mu      sync.Mutex
	fills   []models.Fill
	rejects []string
	cancels []string
	got     chan struct{}
}

func newRecorder() *recorder {
	return &recorder{got: make(chan struct{}, 16)}
}

func (r *recorder) OnFill(f models.Fill) {
	r.mu.Lock()
	r.fills = append(r.fills, f)
	r.mu.Unlock()
	r.got <- struct{}{}
}

func (r *recorder) OnReject(id, code, msg string) {
	r.mu.Lock()
	r.rejects = append(r.rejects, id+" "+code+": "+msg)
	r.mu.Unlock()
	r.got <- struct{}{}
}

func (r *recorder) OnCancel(id string) {
	r.mu.Lock()
	r.cancels = append(r.cancels, id)
	r.mu.Unlock()
	r.got <- struct{}{}
}

func (r *recorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.got:
	case <-time.After(2 * time.Second):
		t.Fatal("no report delivered")
	}
}

func testOrder(id string) *models.Order {
	return &models.Order{
		ID:       id,
		Symbol:   "INFY",
		Exchange: models.NSE,
		Side:     models.OrderSideBuy,
		Type:     models.OrderTypeMarket,
		Product:  models.ProductMIS,
		Quantity: 10,
	}
}

func TestPaperBroker_DedupesByOrderID(t *testing.T) {
	p := NewPaperBroker(PaperConfig{})
	ctx := context.Background()

	first, err := p.PlaceOrder(ctx, testOrder("ord-1"))
	require.NoError(t, err)
	again, err := p.PlaceOrder(ctx, testOrder("ord-1"))
	require.NoError(t, err)
	other, err := p.PlaceOrder(ctx, testOrder("ord-2"))
	require.NoError(t, err)

	assert.Equal(t, "PAPER-000001", first)
	assert.Equal(t, first, again)
	assert.Equal(t, "PAPER-000002", other)
	assert.Equal(t, 3, p.PlaceCalls())
}

func TestPaperBroker_ScriptedFailures(t *testing.T) {
	p := NewPaperBroker(PaperConfig{})
	ctx := context.Background()
	transient := errors.NewTransientBrokerError("place", stderrors.New("connection reset"))
	p.FailNext(transient, errors.NewBrokerRejection("OrderException", "margin shortfall"))

	_, err := p.PlaceOrder(ctx, testOrder("a"))
	assert.True(t, errors.IsRetryable(err))

	_, err = p.PlaceOrder(ctx, testOrder("a"))
	var rej *errors.BrokerRejection
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, "OrderException", rej.Code)

	bid, err := p.PlaceOrder(ctx, testOrder("a"))
	require.NoError(t, err)
	assert.NotEmpty(t, bid)
}

func TestPaperBroker_LatencyHonoursContext(t *testing.T) {
	p := NewPaperBroker(PaperConfig{})
	p.SetLatency(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := p.PlaceOrder(ctx, testOrder("slow"))
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err))
	_, placed := p.BrokerID("slow")
	assert.False(t, placed)
}

func TestPaperBroker_ExplicitReports(t *testing.T) {
	p := NewPaperBroker(PaperConfig{})
	rec := newRecorder()
	p.SetCallbacks(rec)
	ctx := context.Background()

	bid, err := p.PlaceOrder(ctx, testOrder("f"))
	require.NoError(t, err)
	require.NoError(t, p.Fill(bid, 4, 100))
	require.NoError(t, p.Fill(bid, 6, 101))
	assert.Error(t, p.Fill(bid, 1, 101), "complete order takes no more fills")

	require.Len(t, rec.fills, 2)
	assert.Equal(t, 4, rec.fills[0].Quantity)
	assert.Equal(t, bid, rec.fills[1].BrokerOrderID)

	rid, _ := p.PlaceOrder(ctx, testOrder("r"))
	require.NoError(t, p.Reject(rid, "OrderException", "RMS blocked"))
	assert.Equal(t, []string{rid + " OrderException: RMS blocked"}, rec.rejects)

	cid, _ := p.PlaceOrder(ctx, testOrder("c"))
	require.NoError(t, p.CancelOrder(ctx, cid))
	assert.Empty(t, rec.cancels, "manual mode waits for confirmation")
	require.NoError(t, p.ConfirmCancel(cid))
	assert.Equal(t, []string{cid}, rec.cancels)
	assert.Equal(t, []string{cid}, p.Cancels())

	err = p.CancelOrder(ctx, bid)
	var rej *errors.BrokerRejection
	assert.True(t, errors.As(err, &rej), "cancel of a complete order is rejected")
}

func TestPaperBroker_AutoFill(t *testing.T) {
	p := NewPaperBroker(PaperConfig{AutoFill: true, SlippageBps: 10})
	rec := newRecorder()
	p.SetCallbacks(rec)
	ctx := context.Background()

	p.UpdatePrice(models.PriceUpdate{Symbol: "INFY", LTP: 1500, Timestamp: time.Now()})
	bid, err := p.PlaceOrder(ctx, testOrder("m"))
	require.NoError(t, err)
	rec.wait(t)

	rec.mu.Lock()
	require.Len(t, rec.fills, 1)
	assert.Equal(t, bid, rec.fills[0].BrokerOrderID)
	assert.Equal(t, 10, rec.fills[0].Quantity)
	assert.InDelta(t, 1501.5, rec.fills[0].Price, 1e-9)
	rec.mu.Unlock()

	limit := testOrder("l")
	limit.Type = models.OrderTypeLimit
	limit.Price = 1490
	lid, err := p.PlaceOrder(ctx, limit)
	require.NoError(t, err)

	p.UpdatePrice(models.PriceUpdate{Symbol: "INFY", LTP: 1495})
	po, _ := p.Order(lid)
	assert.Equal(t, PaperOpen, po.Status)

	p.UpdatePrice(models.PriceUpdate{Symbol: "INFY", LTP: 1489})
	rec.wait(t)
	rec.mu.Lock()
	require.Len(t, rec.fills, 2)
	assert.Equal(t, 1490.0, rec.fills[1].Price)
	rec.mu.Unlock()
}

func kiteOrder(id, status string, filled, avg float64) kiteconnect.Order {
	return kiteconnect.Order{
		OrderID:        id,
		Status:         status,
		Quantity:       100,
		FilledQuantity: filled,
		AveragePrice:   avg,
		OrderTimestamp: kitemodels.Time{Time: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)},
	}
}

func TestUpdateTranslator_IncrementalFills(t *testing.T) {
	u := NewUpdateTranslator()

	assert.Empty(t, u.Translate(kiteOrder("B1", "OPEN", 0, 0)))

	r := u.Translate(kiteOrder("B1", "OPEN", 40, 100))
	require.Len(t, r, 1)
	assert.Equal(t, ReportFill, r[0].Kind)
	assert.Equal(t, 40, r[0].Fill.Quantity)
	assert.InDelta(t, 100, r[0].Fill.Price, 1e-9)

	assert.Empty(t, u.Translate(kiteOrder("B1", "OPEN", 40, 100)), "replayed update")

	// 40@100 then 60@101 averages to 100.6.
	r = u.Translate(kiteOrder("B1", "COMPLETE", 100, 100.6))
	require.Len(t, r, 1)
	assert.Equal(t, 60, r[0].Fill.Quantity)
	assert.InDelta(t, 101, r[0].Fill.Price, 1e-9)

	assert.Empty(t, u.Translate(kiteOrder("B1", "COMPLETE", 100, 100.6)))
}

func TestUpdateTranslator_CancelAndReject(t *testing.T) {
	u := NewUpdateTranslator()

	r := u.Translate(kiteOrder("B2", "CANCELLED", 30, 50))
	require.Len(t, r, 2)
	assert.Equal(t, ReportFill, r[0].Kind)
	assert.Equal(t, ReportCancel, r[1].Kind)
	assert.Empty(t, u.Translate(kiteOrder("B2", "CANCELLED", 30, 50)))

	rej := kiteOrder("B3", "REJECTED", 0, 0)
	rej.StatusMessage = "Insufficient funds"
	r = u.Translate(rej)
	require.Len(t, r, 1)
	assert.Equal(t, ReportReject, r[0].Kind)
	assert.Equal(t, "Insufficient funds", r[0].Message)

	rec := newRecorder()
	r[0].Deliver(rec)
	assert.Equal(t, []string{"B3 REJECTED: Insufficient funds"}, rec.rejects)
}

func TestOrderTag(t *testing.T) {
	assert.Equal(t, "3f2a9c1e4b7d4e0f9a1c", OrderTag("3f2a9c1e-4b7d-4e0f-9a1c-5d6e7f8a9b0c"))
	assert.Equal(t, "short", OrderTag("short"))
}

func TestClassify(t *testing.T) {
	assert.Nil(t, classify("place", nil))

	network := kiteconnect.Error{Code: 0, ErrorType: kiteconnect.NetworkError, Message: "timeout"}
	assert.True(t, errors.IsRetryable(classify("place", network)))

	server := kiteconnect.Error{Code: 503, ErrorType: kiteconnect.GeneralError, Message: "unavailable"}
	assert.True(t, errors.IsRetryable(classify("place", server)))

	input := kiteconnect.Error{Code: 400, ErrorType: kiteconnect.InputError, Message: "invalid price"}
	err := classify("place", input)
	var rej *errors.BrokerRejection
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, kiteconnect.InputError, rej.Code)
	assert.Equal(t, "invalid price", rej.Message)

	assert.True(t, errors.IsRetryable(classify("place", stderrors.New("dial tcp: i/o timeout"))))
}

// Feature: zerodha-oms, Property 5: Cumulative broker updates translate into
// incremental fills whose quantities sum to the final filled quantity and
// whose notional matches the final average price.
func TestProperty_UpdateTranslationConservesFills(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("incremental fills conserve quantity and notional", prop.ForAll(
		func(steps []int, prices []float64) bool {
			u := NewUpdateTranslator()
			filled, notional := 0, 0.0
			sumQty, sumNotional := 0, 0.0
			for i, q := range steps {
				price := prices[i%len(prices)]
				filled += q
				notional += float64(q) * price
				avg := notional / float64(filled)
				for _, r := range u.Translate(kiteOrder("P", "OPEN", float64(filled), avg)) {
					sumQty += r.Fill.Quantity
					sumNotional += float64(r.Fill.Quantity) * r.Fill.Price
				}
			}
			return sumQty == filled && abs(sumNotional-notional) < 0.05*float64(filled)
		},
		gen.SliceOfN(5, gen.IntRange(1, 50)),
		gen.SliceOfN(3, gen.Float64Range(10, 5000).Map(roundToTick)),
	))

	properties.TestingRun(t)
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func TestRateLimiter_RefillsOverTime(t *testing.T) {
	clock := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	l := NewRateLimiter(10, 2)
	l.now = func() time.Time { return clock }
	l.lastUpdate = clock

	assert.True(t, l.Allow())
	assert.True(t, l.Allow())
	assert.False(t, l.Allow())

	clock = clock.Add(100 * time.Millisecond)
	assert.True(t, l.Allow())
	assert.False(t, l.Allow())
}

func TestLimited_DeadlineIsTransient(t *testing.T) {
	p := NewPaperBroker(PaperConfig{})
	limiter := NewRateLimiter(0.001, 1)
	c := NewLimited(p, limiter)

	_, err := c.PlaceOrder(context.Background(), testOrder("ord-1"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = c.PlaceOrder(ctx, testOrder("ord-2"))
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err))
	assert.Equal(t, 1, p.PlaceCalls())
}
