// Package watchlist validates ticker symbols against the broker and tracks
// the set of tickers the trader is watching.
package watchlist

import (
	"context"
	"time"

	"ibkr-trader/internal/conn"
	"ibkr-trader/internal/errors"
	"ibkr-trader/internal/models"
)

// DefaultValidationTimeout bounds the one-shot broker query.
const DefaultValidationTimeout = 10 * time.Second

// Validator checks that a ticker is tradable and has a listed option chain
// before it may be added to any tracked list.
type Validator struct {
	cm      *conn.Manager
	timeout time.Duration
}

// NewValidator creates a validator with the given query timeout; zero
// means DefaultValidationTimeout.
func NewValidator(cm *conn.Manager, timeout time.Duration) *Validator {
	if timeout <= 0 {
		timeout = DefaultValidationTimeout
	}
	return &Validator{cm: cm, timeout: timeout}
}

// Validate runs the one-shot broker query. Failures: ErrUnknownSymbol when
// the broker has no contract for the ticker, ErrNoOptionsAvailable when it
// has no listed option chain, ErrValidationTimeout when the bounded query
// window elapses.
func (v *Validator) Validate(ctx context.Context, symbol string) error {
	if !v.cm.IsConnected() {
		return errors.ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	gw := v.cm.Gateway()

	if _, err := gw.ContractDetails(ctx, models.Stock(symbol)); err != nil {
		return v.classify(symbol, err)
	}
	if _, err := gw.OptionParameters(ctx, symbol); err != nil {
		return v.classify(symbol, err)
	}
	return nil
}

func (v *Validator) classify(symbol string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, errors.ErrTimeout):
		return errors.NewValidationError(symbol, "broker query timed out", errors.ErrValidationTimeout)
	case errors.Is(err, errors.ErrUnknownSymbol):
		return errors.NewValidationError(symbol, "no contract found", errors.ErrUnknownSymbol)
	case errors.Is(err, errors.ErrNoOptionsAvailable):
		return errors.NewValidationError(symbol, "no listed options", errors.ErrNoOptionsAvailable)
	default:
		return errors.Wrapf(err, "validating %s", symbol)
	}
}
