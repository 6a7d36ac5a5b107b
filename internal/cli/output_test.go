package cli

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func plainOutput() (*Output, *bytes.Buffer) {
	var buf bytes.Buffer
	return &Output{writer: &buf}, &buf
}

func TestTableAlignsColumns(t *testing.T) {
	out, buf := plainOutput()
	table := NewTable(out, "SYMBOL", "QTY")
	table.AddRow("INFY", "10")
	table.AddRow("RELIANCE", "1,000")
	table.Render()

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	assert.Equal(t, []string{
		"SYMBOL    QTY",
		"───────────────",
		"INFY      10",
		"RELIANCE  1,000",
	}, lines)
	assert.Equal(t, 2, table.Len())
}

func TestVisibleLenIgnoresColour(t *testing.T) {
	out := &Output{colorEnabled: true}
	assert.Equal(t, 4, visibleLen(out.Green("FILL")))
	assert.Equal(t, 5, visibleLen("₹1.00"))
}

func TestFormatPnLSigns(t *testing.T) {
	out, _ := plainOutput()
	assert.Equal(t, "+₹1,250.00", out.FormatPnL(1250))
	assert.Equal(t, "-₹75.50", out.FormatPnL(-75.5))
	assert.Equal(t, "₹0.00", out.FormatPnL(0))
	assert.Equal(t, "+2.50%", out.FormatPercent(0.025))
}

func TestBoxPlain(t *testing.T) {
	out, buf := plainOutput()
	out.Box("u1", []string{"Trades 3"})
	assert.Equal(t, "┌──────────┐\n│ u1       │\n├──────────┤\n│ Trades 3 │\n└──────────┘\n", buf.String())
}
