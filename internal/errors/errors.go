// Package errors provides custom error types for domain-specific errors.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Standard sentinel errors
var (
	ErrInvalidSignal       = errors.New("invalid signal")
	ErrInvalidOrder        = errors.New("invalid order")
	ErrDuplicateSignal     = errors.New("signal already consumed")
	ErrUnknownOrder        = errors.New("unknown order")
	ErrUnknownUser         = errors.New("unknown user")
	ErrIllegalTransition   = errors.New("illegal order state transition")
	ErrOrderHalted         = errors.New("order halted")
	ErrOrderTerminal       = errors.New("order is in a terminal state")
	ErrInsufficientCapital = errors.New("insufficient capital")
	ErrCapitalInvariant    = errors.New("capital invariant violated")
	ErrOverfill            = errors.New("execution exceeds remaining quantity")
	ErrRiskRejected        = errors.New("rejected by risk gate")
	ErrBrokerRejected      = errors.New("order rejected by broker")
	ErrBrokerUnreachable   = errors.New("broker unreachable")
	ErrTimeout             = errors.New("operation timed out")
	ErrConnectionFailed    = errors.New("connection failed")
	ErrPartitionHalted     = errors.New("user partition halted")
	ErrConfigInvalid       = errors.New("invalid configuration")
	ErrDatabaseError       = errors.New("database error")
)

// ValidationError represents a malformed signal or order. Never retried.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s (%v): %s", e.Field, e.Value, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidSignal
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// RiskRejection is a policy decision, not a failure. It always carries a
// reason code.
type RiskRejection struct {
	SignalID string
	Reason   string
	Message  string
}

func (e *RiskRejection) Error() string {
	return fmt.Sprintf("risk rejection [%s] signal %s: %s", e.Reason, e.SignalID, e.Message)
}

func (e *RiskRejection) Unwrap() error {
	return ErrRiskRejected
}

// NewRiskRejection creates a new RiskRejection.
func NewRiskRejection(signalID, reason, message string) *RiskRejection {
	return &RiskRejection{
		SignalID: signalID,
		Reason:   reason,
		Message:  message,
	}
}

// TransientBrokerError represents a timeout or network failure talking to
// the broker. It is retried with the same idempotency key.
type TransientBrokerError struct {
	Op  string
	Err error
}

func (e *TransientBrokerError) Error() string {
	return fmt.Sprintf("transient broker error [%s]: %v", e.Op, e.Err)
}

func (e *TransientBrokerError) Unwrap() error {
	return e.Err
}

// NewTransientBrokerError creates a new TransientBrokerError.
func NewTransientBrokerError(op string, err error) *TransientBrokerError {
	return &TransientBrokerError{Op: op, Err: err}
}

// BrokerRejection is an authoritative broker-side rejection. Terminal.
type BrokerRejection struct {
	Code    string
	Message string
}

func (e *BrokerRejection) Error() string {
	return fmt.Sprintf("broker rejection [%s]: %s", e.Code, e.Message)
}

func (e *BrokerRejection) Unwrap() error {
	return ErrBrokerRejected
}

// NewBrokerRejection creates a new BrokerRejection.
func NewBrokerRejection(code, message string) *BrokerRejection {
	return &BrokerRejection{Code: code, Message: message}
}

// OverfillError reports an execution larger than the order's remaining
// quantity. Processing of the order halts.
type OverfillError struct {
	OrderID   string
	Quantity  int
	Remaining int
}

func (e *OverfillError) Error() string {
	return fmt.Sprintf("overfill on order %s: execution %d > remaining %d", e.OrderID, e.Quantity, e.Remaining)
}

func (e *OverfillError) Unwrap() error {
	return ErrOverfill
}

// NewOverfillError creates a new OverfillError.
func NewOverfillError(orderID string, qty, remaining int) *OverfillError {
	return &OverfillError{OrderID: orderID, Quantity: qty, Remaining: remaining}
}

// InsufficientCapitalError blocks order creation.
type InsufficientCapitalError struct {
	UserID    string
	Requested float64
	Available float64
}

func (e *InsufficientCapitalError) Error() string {
	return fmt.Sprintf("insufficient capital for %s: requested %.2f, available %.2f", e.UserID, e.Requested, e.Available)
}

func (e *InsufficientCapitalError) Unwrap() error {
	return ErrInsufficientCapital
}

// NewInsufficientCapitalError creates a new InsufficientCapitalError.
func NewInsufficientCapitalError(userID string, requested, available float64) *InsufficientCapitalError {
	return &InsufficientCapitalError{UserID: userID, Requested: requested, Available: available}
}

// OrderError represents an error related to order operations.
type OrderError struct {
	OrderID string
	Symbol  string
	Action  string
	Reason  string
	Err     error
}

func (e *OrderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("order error [%s] %s %s: %s: %v", e.OrderID, e.Action, e.Symbol, e.Reason, e.Err)
	}
	return fmt.Sprintf("order error [%s] %s %s: %s", e.OrderID, e.Action, e.Symbol, e.Reason)
}

func (e *OrderError) Unwrap() error {
	return e.Err
}

// NewOrderError creates a new OrderError.
func NewOrderError(orderID, symbol, action, reason string, err error) *OrderError {
	return &OrderError{
		OrderID: orderID,
		Symbol:  symbol,
		Action:  action,
		Reason:  reason,
		Err:     err,
	}
}

// IsRetryable reports whether err is worth another dispatch attempt.
// Broker rejections and validation failures are never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var rej *BrokerRejection
	if errors.As(err, &rej) {
		return false
	}
	var verr *ValidationError
	if errors.As(err, &verr) {
		return false
	}
	var terr *TransientBrokerError
	if errors.As(err, &terr) {
		return true
	}
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
