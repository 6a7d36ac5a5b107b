// Package utils holds helpers shared by the engine and the CLI: retry with
// backoff, IST market clock and rupee formatting.
package utils

import (
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// FormatIndianCurrency renders a rupee amount to the paisa with lakh/crore
// grouping, e.g. ₹12,34,567.50.
func FormatIndianCurrency(amount float64) string {
	d := decimal.NewFromFloat(math.Abs(amount)).Round(2)
	whole, paise, _ := strings.Cut(d.StringFixed(2), ".")

	var b strings.Builder
	if amount < 0 {
		b.WriteByte('-')
	}
	b.WriteString("₹")
	b.WriteString(groupIndian(whole))
	b.WriteByte('.')
	b.WriteString(paise)
	return b.String()
}

// groupIndian inserts separators into a run of digits: the last three
// digits form one group, everything before it is grouped in pairs.
func groupIndian(digits string) string {
	if len(digits) <= 3 {
		return digits
	}
	head, tail := digits[:len(digits)-3], digits[len(digits)-3:]

	groups := make([]string, 0, len(head)/2+2)
	if len(head)%2 == 1 {
		groups = append(groups, head[:1])
		head = head[1:]
	}
	for ; len(head) > 0; head = head[2:] {
		groups = append(groups, head[:2])
	}
	return strings.Join(append(groups, tail), ",")
}

// FormatPercent renders a fraction as a signed percentage: 0.025 is +2.50%.
func FormatPercent(fraction float64) string {
	s := strconv.FormatFloat(fraction*100, 'f', 2, 64)
	if fraction > 0 {
		s = "+" + s
	}
	return s + "%"
}

// FormatPnL is FormatIndianCurrency with an explicit + on profits.
func FormatPnL(pnl float64) string {
	if pnl > 0 {
		return "+" + FormatIndianCurrency(pnl)
	}
	return FormatIndianCurrency(pnl)
}

// FormatQuantity groups a share count the same way as rupees.
func FormatQuantity(qty int) string {
	s := groupIndian(strconv.Itoa(abs(qty)))
	if qty < 0 {
		return "-" + s
	}
	return s
}

// FormatRatio renders ratios such as the profit factor. A book with no
// losing trades has an infinite factor, shown as ∞.
func FormatRatio(v float64) string {
	switch {
	case math.IsInf(v, 1):
		return "∞"
	case math.IsNaN(v):
		return "-"
	}
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
