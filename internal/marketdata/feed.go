// Package marketdata subscribes to live quotes over an established session
// and caches the latest tick per ticker. Consumers never block waiting for
// a tick: they read the cached value, which carries an explicit unknown
// state until the feed has delivered one.
package marketdata

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ibkr-trader/internal/conn"
	"ibkr-trader/internal/errors"
	"ibkr-trader/internal/models"
)

// FeedConfig holds configuration for the feed.
type FeedConfig struct {
	// BufferSize is the size of the inbound tick channel buffer.
	BufferSize int
}

// DefaultFeedConfig returns the default feed configuration.
func DefaultFeedConfig() FeedConfig {
	return FeedConfig{BufferSize: 1000}
}

// TickerSubscription tracks one subscribed ticker and its cached quote.
type TickerSubscription struct {
	Contract  models.Contract
	LastQuote models.Quote
	CreatedAt time.Time
}

// Feed owns all market data subscriptions. Subscriptions are torn down
// when the session leaves Connected and are not re-established implicitly:
// callers reissue them after a reconnect.
type Feed struct {
	cfg    FeedConfig
	cm     *conn.Manager
	logger zerolog.Logger

	mu        sync.RWMutex
	subs      map[string]*TickerSubscription
	consumers []func(models.Quote)

	tickChan chan models.Tick
	done     chan struct{}
	started  bool
	stopOnce sync.Once

	ticksDropped uint64
}

// NewFeed creates a feed bound to the connection manager's gateway.
func NewFeed(cfg FeedConfig, cm *conn.Manager, logger zerolog.Logger) *Feed {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultFeedConfig().BufferSize
	}
	f := &Feed{
		cfg:      cfg,
		cm:       cm,
		logger:   logger.With().Str("component", "marketdata").Logger(),
		subs:     make(map[string]*TickerSubscription),
		tickChan: make(chan models.Tick, cfg.BufferSize),
		done:     make(chan struct{}),
	}
	cm.Gateway().OnTick(f.publish)
	cm.OnStateChange(f.handleConnState)
	return f
}

// Start begins the dispatch loop.
func (f *Feed) Start() {
	f.mu.Lock()
	if f.started {
		f.mu.Unlock()
		return
	}
	f.started = true
	f.mu.Unlock()
	go f.dispatchLoop()
}

// Close stops the dispatch loop and discards all subscriptions.
func (f *Feed) Close() {
	f.stopOnce.Do(func() {
		close(f.done)
	})
	f.mu.Lock()
	f.subs = make(map[string]*TickerSubscription)
	f.mu.Unlock()
}

// Subscribe registers interest in a ticker and starts streaming ticks.
func (f *Feed) Subscribe(c models.Contract) error {
	if !f.cm.IsConnected() {
		return errors.ErrNotConnected
	}
	key := c.LocalSymbol()

	f.mu.Lock()
	if _, ok := f.subs[key]; ok {
		f.mu.Unlock()
		return nil
	}
	f.subs[key] = &TickerSubscription{
		Contract:  c,
		LastQuote: models.Quote{Symbol: key},
		CreatedAt: time.Now(),
	}
	f.mu.Unlock()

	if err := f.cm.Gateway().RequestMarketData(c); err != nil {
		f.mu.Lock()
		delete(f.subs, key)
		f.mu.Unlock()
		return errors.Wrapf(err, "subscribe %s", key)
	}
	f.logger.Debug().Str("symbol", key).Msg("Subscribed")
	return nil
}

// Unsubscribe stops streaming and discards the cached quote.
func (f *Feed) Unsubscribe(c models.Contract) error {
	key := c.LocalSymbol()

	f.mu.Lock()
	_, ok := f.subs[key]
	delete(f.subs, key)
	f.mu.Unlock()
	if !ok {
		return nil
	}

	if f.cm.IsConnected() {
		if err := f.cm.Gateway().CancelMarketData(c); err != nil {
			return errors.Wrapf(err, "unsubscribe %s", key)
		}
	}
	f.logger.Debug().Str("symbol", key).Msg("Unsubscribed")
	return nil
}

// Quote returns the cached quote for a subscribed ticker. The quote's
// Known flag is false until the first tick arrives; callers must check it
// before computing off the prices.
func (f *Feed) Quote(symbol string) (models.Quote, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	sub, ok := f.subs[symbol]
	if !ok {
		return models.Quote{}, errors.Wrapf(errors.ErrNoQuote, "%s not subscribed", symbol)
	}
	return sub.LastQuote, nil
}

// Subscriptions returns the symbols with active subscriptions.
func (f *Feed) Subscriptions() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.subs))
	for key := range f.subs {
		out = append(out, key)
	}
	return out
}

// RegisterConsumer adds a quote-update consumer. Each update is delivered
// on its own goroutine so a slow consumer cannot stall the inbound path.
func (f *Feed) RegisterConsumer(fn func(models.Quote)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.consumers = append(f.consumers, fn)
}

// publish is the gateway tick callback. Non-blocking: a full buffer drops
// the tick rather than stalling the broker read loop.
func (f *Feed) publish(tick models.Tick) {
	select {
	case f.tickChan <- tick:
	default:
		f.mu.Lock()
		f.ticksDropped++
		f.mu.Unlock()
	}
}

func (f *Feed) dispatchLoop() {
	for {
		select {
		case <-f.done:
			return
		case tick := <-f.tickChan:
			f.apply(tick)
		}
	}
}

func (f *Feed) apply(tick models.Tick) {
	f.mu.Lock()
	sub, ok := f.subs[tick.Symbol]
	if !ok {
		f.mu.Unlock()
		return
	}
	q := models.Quote{
		Symbol:    tick.Symbol,
		Bid:       tick.Bid,
		Ask:       tick.Ask,
		Last:      tick.Last,
		Close:     tick.Close,
		Timestamp: tick.Timestamp,
		Known:     true,
	}
	sub.LastQuote = q
	consumers := make([]func(models.Quote), len(f.consumers))
	copy(consumers, f.consumers)
	f.mu.Unlock()

	for _, fn := range consumers {
		go fn(q)
	}
}

// handleConnState tears down subscription bookkeeping when the session is
// no longer Connected. No gateway calls here: the socket is already gone,
// and re-subscription after reconnect is the caller's responsibility.
func (f *Feed) handleConnState(s models.ConnState) {
	if s == models.ConnConnected {
		return
	}
	f.mu.Lock()
	n := len(f.subs)
	f.subs = make(map[string]*TickerSubscription)
	f.mu.Unlock()
	if n > 0 {
		f.logger.Info().Int("count", n).Str("state", string(s)).Msg("Subscriptions dropped")
	}
}
