package utils

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFlaky = errors.New("flaky")

func fastRetry(max int) RetryConfig {
	return RetryConfig{
		MaxAttempts:   max,
		InitialDelay:  time.Millisecond,
		MaxDelay:      4 * time.Millisecond,
		BackoffFactor: 2,
	}
}

func TestRetryStopsAtMaxAttempts(t *testing.T) {
	calls := 0
	var retried []int
	cfg := fastRetry(3)
	cfg.OnRetry = func(attempt int, err error, _ time.Duration) {
		retried = append(retried, attempt)
	}

	err := Retry(context.Background(), cfg, func(attempt int) error {
		calls++
		return errFlaky
	})

	require.ErrorIs(t, err, errFlaky)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestRetrySucceedsOnSecondAttempt(t *testing.T) {
	got, err := RetryWithResult(context.Background(), fastRetry(3), func(attempt int) (string, error) {
		if attempt < 2 {
			return "", errFlaky
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
}

func TestRetryNonRetryableReturnsImmediately(t *testing.T) {
	permanent := errors.New("rejected")
	calls := 0
	cfg := fastRetry(5)
	cfg.Retryable = func(err error) bool { return !errors.Is(err, permanent) }

	err := Retry(context.Background(), cfg, func(int) error {
		calls++
		return permanent
	})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestRetryHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := fastRetry(5)
	cfg.InitialDelay = time.Hour
	cfg.MaxDelay = time.Hour

	calls := 0
	err := Retry(ctx, cfg, func(int) error {
		calls++
		return errFlaky
	})
	assert.ErrorIs(t, err, errFlaky)
	assert.Equal(t, 1, calls)
}

func TestCalculateBackoff(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, CalculateBackoff(0, 100*time.Millisecond, time.Second, 2))
	assert.Equal(t, 400*time.Millisecond, CalculateBackoff(2, 100*time.Millisecond, time.Second, 2))
	assert.Equal(t, time.Second, CalculateBackoff(10, 100*time.Millisecond, time.Second, 2))
}

func TestInTradingWindow(t *testing.T) {
	// Wednesday
	at := func(h, m int) time.Time {
		return time.Date(2024, 3, 13, h, m, 0, 0, IndiaLocation)
	}

	ok, err := InTradingWindow(at(9, 15), "09:15", "15:30")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = InTradingWindow(at(15, 30), "09:15", "15:30")
	assert.False(t, ok)

	ok, _ = InTradingWindow(at(9, 14), "", "")
	assert.False(t, ok)

	saturday := time.Date(2024, 3, 16, 11, 0, 0, 0, IndiaLocation)
	ok, _ = InTradingWindow(saturday, "09:15", "15:30")
	assert.False(t, ok)

	_, err = InTradingWindow(at(10, 0), "9am", "15:30")
	assert.Error(t, err)
}

func TestSessionEnd(t *testing.T) {
	now := time.Date(2024, 3, 13, 4, 0, 0, 0, time.UTC) // 09:30 IST
	end := SessionEnd(now, "15:20")
	assert.Equal(t, 15, end.Hour())
	assert.Equal(t, 20, end.Minute())
	assert.Equal(t, 13, end.Day())
}

func TestFormatting(t *testing.T) {
	assert.Equal(t, "₹12,34,567.50", FormatIndianCurrency(1234567.5))
	assert.Equal(t, "-₹999.00", FormatIndianCurrency(-999))
	assert.Equal(t, "+₹200.00", FormatPnL(200))
	assert.Equal(t, "+2.50%", FormatPercent(0.025))
	assert.Equal(t, "-1,00,000", FormatQuantity(-100000))
	assert.Equal(t, "∞", FormatRatio(math.Inf(1)))
	assert.Equal(t, "1.50", FormatRatio(1.5))
}
