// Package orders owns the order lifecycle: creation after risk acceptance,
// idempotent dispatch with bounded retry, fills, cancels and expiry.
package orders

import (
	"fmt"
	"sort"

	"zerodha-oms/internal/errors"
	"zerodha-oms/internal/models"
)

type transition struct {
	from models.OrderState
	to   models.OrderState
}

var legalTransitions = map[transition]bool{
	{models.OrderCreated, models.OrderQueued}:    true,
	{models.OrderCreated, models.OrderCancelled}: true,

	{models.OrderQueued, models.OrderSent}:      true,
	{models.OrderQueued, models.OrderCancelled}: true,

	{models.OrderSent, models.OrderPlaced}:          true,
	{models.OrderSent, models.OrderRejected}:        true,
	{models.OrderSent, models.OrderCancelled}:       true,
	{models.OrderSent, models.OrderPartiallyFilled}: true,
	{models.OrderSent, models.OrderFilled}:          true,

	{models.OrderPlaced, models.OrderPartiallyFilled}: true,
	{models.OrderPlaced, models.OrderFilled}:          true,
	{models.OrderPlaced, models.OrderCancelled}:       true,
	{models.OrderPlaced, models.OrderRejected}:        true,

	// Repeated partial fills
	{models.OrderPartiallyFilled, models.OrderPartiallyFilled}: true,
	{models.OrderPartiallyFilled, models.OrderFilled}:          true,
	{models.OrderPartiallyFilled, models.OrderCancelled}:       true,
}

// ValidateTransition returns ErrIllegalTransition unless from -> to is in
// the transition table. Terminal states have no outgoing transitions.
func ValidateTransition(from, to models.OrderState) error {
	if legalTransitions[transition{from, to}] {
		return nil
	}
	return fmt.Errorf("%s -> %s: %w", from, to, errors.ErrIllegalTransition)
}

// IsTerminal reports whether s accepts no further transitions.
func IsTerminal(s models.OrderState) bool {
	return s.Terminal()
}

// CanCancel reports whether a cancel may still be requested in s.
func CanCancel(s models.OrderState) bool {
	return legalTransitions[transition{s, models.OrderCancelled}]
}

// AllowedTransitions returns the states reachable from s, sorted.
func AllowedTransitions(s models.OrderState) []models.OrderState {
	var out []models.OrderState
	for t := range legalTransitions {
		if t.from == s {
			out = append(out, t.to)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Working reports whether the order still holds or may still take
// quantity at the broker.
func Working(s models.OrderState) bool {
	return !s.Terminal()
}
