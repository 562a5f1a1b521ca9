// Package errors provides custom error types for domain-specific errors.
package errors

import (
	"errors"
	"fmt"
)

// Standard sentinel errors
var (
	ErrConnection           = errors.New("connection failed")
	ErrAuthRejected         = errors.New("client id rejected by broker")
	ErrTimeout              = errors.New("operation timed out")
	ErrNotConnected         = errors.New("not connected")
	ErrUnknownSymbol        = errors.New("unknown symbol")
	ErrNoOptionsAvailable   = errors.New("no listed options for symbol")
	ErrValidationTimeout    = errors.New("symbol validation timed out")
	ErrInvalidRiskParameter = errors.New("invalid risk parameter")
	ErrMarketClosed         = errors.New("market is closed")
	ErrOrderRejected        = errors.New("order rejected")
	ErrOrderNotFound        = errors.New("order not found")
	ErrPositionNotFound     = errors.New("position not found")
	ErrNoQuote              = errors.New("no quote available")
	ErrEngineClosed         = errors.New("engine is shut down")
	ErrConfigInvalid        = errors.New("invalid configuration")
)

// BrokerError represents an error reported by the broker gateway.
type BrokerError struct {
	Code    int
	Message string
	Err     error
}

func (e *BrokerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("broker error [%d]: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("broker error [%d]: %s", e.Code, e.Message)
}

func (e *BrokerError) Unwrap() error {
	return e.Err
}

// NewBrokerError creates a new BrokerError.
func NewBrokerError(code int, message string, err error) *BrokerError {
	return &BrokerError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// OrderError represents a failure of one leg of a bracket group. It names
// the failed leg and the group's resulting terminal state so a partially
// placed bracket is never ambiguous to the caller.
type OrderError struct {
	GroupID    string
	Leg        string
	Symbol     string
	GroupState string
	Reason     string
	Err        error
}

func (e *OrderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("order error [%s] %s leg %s: %s (group %s): %v",
			e.GroupID, e.Leg, e.Symbol, e.Reason, e.GroupState, e.Err)
	}
	return fmt.Sprintf("order error [%s] %s leg %s: %s (group %s)",
		e.GroupID, e.Leg, e.Symbol, e.Reason, e.GroupState)
}

func (e *OrderError) Unwrap() error {
	return e.Err
}

// NewOrderError creates a new OrderError.
func NewOrderError(groupID, leg, symbol, groupState, reason string, err error) *OrderError {
	return &OrderError{
		GroupID:    groupID,
		Leg:        leg,
		Symbol:     symbol,
		GroupState: groupState,
		Reason:     reason,
		Err:        err,
	}
}

// ValidationError represents a watchlist validation failure.
type ValidationError struct {
	Symbol  string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("validation error [%s]: %s: %v", e.Symbol, e.Message, e.Err)
	}
	return fmt.Sprintf("validation error [%s]: %s", e.Symbol, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError creates a new ValidationError.
func NewValidationError(symbol, message string, err error) *ValidationError {
	return &ValidationError{
		Symbol:  symbol,
		Message: message,
		Err:     err,
	}
}

// Retryable reports whether an error is transient and safe to retry with
// backoff. Broker-side rejections and user input errors are not.
func Retryable(err error) bool {
	return errors.Is(err, ErrConnection) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrNotConnected)
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
