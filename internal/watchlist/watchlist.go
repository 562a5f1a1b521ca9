package watchlist

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ibkr-trader/internal/conn"
	"ibkr-trader/internal/errors"
	"ibkr-trader/internal/marketdata"
	"ibkr-trader/internal/models"
)

// chainWindow is the number of strikes shown around the spot price.
const chainWindow = 12

// Watchlist is the set of validated tickers with live quote subscriptions.
// A ticker enters the list only after validation succeeds.
type Watchlist struct {
	cm        *conn.Manager
	validator *Validator
	feed      *marketdata.Feed
	logger    zerolog.Logger

	mu      sync.RWMutex
	tickers map[string]models.Contract
}

// New creates an empty watchlist.
func New(cm *conn.Manager, validator *Validator, feed *marketdata.Feed, logger zerolog.Logger) *Watchlist {
	return &Watchlist{
		cm:        cm,
		validator: validator,
		feed:      feed,
		logger:    logger.With().Str("component", "watchlist").Logger(),
		tickers:   make(map[string]models.Contract),
	}
}

// Add validates the ticker and, on success, subscribes its quote stream
// and tracks it. On any validation failure the ticker is not tracked.
func (w *Watchlist) Add(ctx context.Context, symbol string) error {
	w.mu.RLock()
	_, exists := w.tickers[symbol]
	w.mu.RUnlock()
	if exists {
		return nil
	}

	if err := w.validator.Validate(ctx, symbol); err != nil {
		return err
	}

	contract := models.Stock(symbol)
	if err := w.feed.Subscribe(contract); err != nil {
		return errors.Wrapf(err, "subscribing %s", symbol)
	}

	w.mu.Lock()
	w.tickers[symbol] = contract
	w.mu.Unlock()

	w.logger.Info().Str("symbol", symbol).Msg("Ticker added")
	return nil
}

// Validate checks a ticker without tracking it.
func (w *Watchlist) Validate(ctx context.Context, symbol string) error {
	return w.validator.Validate(ctx, symbol)
}

// Remove drops the ticker and its quote subscription.
func (w *Watchlist) Remove(symbol string) error {
	w.mu.Lock()
	contract, ok := w.tickers[symbol]
	delete(w.tickers, symbol)
	w.mu.Unlock()
	if !ok {
		return nil
	}

	if err := w.feed.Unsubscribe(contract); err != nil {
		return err
	}
	w.logger.Info().Str("symbol", symbol).Msg("Ticker removed")
	return nil
}

// Contains reports whether the ticker is tracked.
func (w *Watchlist) Contains(symbol string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.tickers[symbol]
	return ok
}

// Symbols returns the tracked tickers in sorted order.
func (w *Watchlist) Symbols() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]string, 0, len(w.tickers))
	for s := range w.tickers {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Resubscribe reissues quote subscriptions for every tracked ticker. The
// feed drops subscriptions on disconnect and makes no resubscription
// guarantee, so callers invoke this after the session returns to
// Connected.
func (w *Watchlist) Resubscribe() error {
	w.mu.RLock()
	contracts := make([]models.Contract, 0, len(w.tickers))
	for _, c := range w.tickers {
		contracts = append(contracts, c)
	}
	w.mu.RUnlock()

	for _, c := range contracts {
		if err := w.feed.Subscribe(c); err != nil {
			return errors.Wrapf(err, "resubscribing %s", c.Symbol)
		}
	}
	return nil
}

// OptionChain returns a strike-windowed chain for the nearest expiry at or
// after today: chainWindow strikes centred on the spot price, descending,
// with live call/put quotes.
func (w *Watchlist) OptionChain(ctx context.Context, symbol string) (*models.OptionChain, error) {
	if !w.cm.IsConnected() {
		return nil, errors.ErrNotConnected
	}
	gw := w.cm.Gateway()

	params, err := gw.OptionParameters(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if len(params.Expirations) == 0 || len(params.Strikes) == 0 {
		return nil, errors.Wrapf(errors.ErrNoOptionsAvailable, "%s chain is empty", symbol)
	}

	spotQuote, err := gw.SnapshotQuote(ctx, models.Stock(symbol))
	if err != nil {
		return nil, errors.Wrapf(err, "spot price for %s", symbol)
	}
	spot := spotQuote.MarketPrice()
	if spot <= 0 {
		return nil, errors.Wrapf(errors.ErrNoQuote, "no usable spot price for %s", symbol)
	}

	expiry := nearestExpiry(params.Expirations)
	strikes := windowStrikes(params.Strikes, spot, chainWindow)

	chain := &models.OptionChain{
		Symbol:    symbol,
		SpotPrice: spot,
		Expiry:    expiry,
		Strikes:   make([]models.OptionStrike, 0, len(strikes)),
	}
	for _, strike := range strikes {
		row := models.OptionStrike{Strike: strike}
		if q, err := gw.SnapshotQuote(ctx, models.Option(symbol, expiry, strike, models.RightCall)); err == nil {
			row.Call = &models.OptionQuote{Bid: q.Bid, Ask: q.Ask, Last: q.Last}
		}
		if q, err := gw.SnapshotQuote(ctx, models.Option(symbol, expiry, strike, models.RightPut)); err == nil {
			row.Put = &models.OptionQuote{Bid: q.Bid, Ask: q.Ask, Last: q.Last}
		}
		chain.Strikes = append(chain.Strikes, row)
	}
	return chain, nil
}

// nearestExpiry returns the first expiry at or after today, falling back
// to the earliest listed one.
func nearestExpiry(expirations []string) string {
	today := time.Now().Format("20060102")
	for _, exp := range expirations {
		if exp >= today {
			return exp
		}
	}
	return expirations[0]
}

// windowStrikes picks n strikes centred on the strike closest to spot and
// returns them in descending order.
func windowStrikes(all []float64, spot float64, n int) []float64 {
	strikes := make([]float64, len(all))
	copy(strikes, all)
	sort.Float64s(strikes)

	closest := 0
	for i, s := range strikes {
		if abs(s-spot) < abs(strikes[closest]-spot) {
			closest = i
		}
	}

	start := closest - n/2
	if start < 0 {
		start = 0
	}
	end := start + n
	if end > len(strikes) {
		end = len(strikes)
		if end-n > 0 {
			start = end - n
		} else {
			start = 0
		}
	}

	out := make([]float64, end-start)
	copy(out, strikes[start:end])
	sort.Sort(sort.Reverse(sort.Float64Slice(out)))
	return out
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
