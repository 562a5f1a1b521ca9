// Package portfolio maintains a periodically refreshed account snapshot.
// The snapshot is advisory: order submission never waits on it.
package portfolio

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ibkr-trader/internal/conn"
	"ibkr-trader/internal/errors"
	"ibkr-trader/internal/gateway"
	"ibkr-trader/internal/models"
)

// Config holds tracker tunables.
type Config struct {
	RefreshInterval time.Duration
	// StaleAfter marks the snapshot stale once it has not been refreshed
	// for this long.
	StaleAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.RefreshInterval == 0 {
		c.RefreshInterval = 30 * time.Second
	}
	if c.StaleAfter == 0 {
		c.StaleAfter = 3 * c.RefreshInterval
	}
	return c
}

// Tracker refreshes account values and positions on an interval and serves
// the latest snapshot to readers.
type Tracker struct {
	cfg    Config
	cm     *conn.Manager
	logger zerolog.Logger

	mu        sync.RWMutex
	snap      models.AccountSnapshot
	listeners []func(models.AccountSnapshot)

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	now func() time.Time
}

// NewTracker creates a portfolio tracker.
func NewTracker(cfg Config, cm *conn.Manager, logger zerolog.Logger) *Tracker {
	return &Tracker{
		cfg:    cfg.withDefaults(),
		cm:     cm,
		logger: logger.With().Str("component", "portfolio").Logger(),
		done:   make(chan struct{}),
		now:    time.Now,
	}
}

// Start launches the refresh loop.
func (t *Tracker) Start() {
	t.wg.Add(1)
	go t.refreshLoop()
}

// Close stops the refresh loop.
func (t *Tracker) Close() {
	t.closeOnce.Do(func() {
		close(t.done)
	})
	t.wg.Wait()
}

// OnUpdate registers a listener for snapshot refreshes.
func (t *Tracker) OnUpdate(fn func(models.AccountSnapshot)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
}

// Snapshot returns the latest account view. A snapshot that has outlived
// the staleness window, or that was never populated, is flagged Stale and
// served as-is rather than blocking the caller on a broker round trip.
func (t *Tracker) Snapshot() models.AccountSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	snap := t.snap
	if snap.UpdatedAt.IsZero() || t.now().Sub(snap.UpdatedAt) > t.cfg.StaleAfter {
		snap.Stale = true
	}
	snap.Positions = append([]models.Position(nil), t.snap.Positions...)
	return snap
}

// Refresh fetches account values and positions once. On failure the last
// snapshot is kept and ages into staleness.
func (t *Tracker) Refresh(ctx context.Context) error {
	if !t.cm.IsConnected() {
		return errors.Wrap(errors.ErrNotConnected, "account refresh")
	}
	gw := t.cm.Gateway()

	values, err := gw.AccountValues(ctx)
	if err != nil {
		return errors.Wrap(err, "account values")
	}
	positions, err := gw.Positions(ctx)
	if err != nil {
		return errors.Wrap(err, "positions")
	}

	snap := buildSnapshot(values, positions, t.now())

	t.mu.Lock()
	t.snap = snap
	listeners := make([]func(models.AccountSnapshot), len(t.listeners))
	copy(listeners, t.listeners)
	t.mu.Unlock()

	t.logger.Debug().
		Float64("net_liquidation", snap.NetLiquidation).
		Float64("daily_pnl", snap.DailyPnL).
		Int("positions", len(snap.Positions)).
		Msg("Account refreshed")

	go func() {
		for _, fn := range listeners {
			fn(snap)
		}
	}()
	return nil
}

func (t *Tracker) refreshLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), t.cfg.RefreshInterval)
			err := t.Refresh(ctx)
			cancel()
			if err != nil && !errors.Is(err, errors.ErrNotConnected) {
				t.logger.Warn().Err(err).Msg("Account refresh failed")
			}
		}
	}
}

func buildSnapshot(values []gateway.AccountValue, positions []models.Position, at time.Time) models.AccountSnapshot {
	snap := models.AccountSnapshot{UpdatedAt: at}

	var haveDaily bool
	for _, v := range values {
		f, err := strconv.ParseFloat(v.Value, 64)
		if err != nil {
			continue
		}
		switch v.Tag {
		case gateway.TagCash:
			snap.Cash = f
		case gateway.TagNetLiquidation:
			snap.NetLiquidation = f
		case gateway.TagRealizedPnL:
			snap.RealizedPnL = f
		case gateway.TagUnrealizedPnL:
			snap.UnrealizedPnL = f
		case gateway.TagDailyPnL:
			snap.DailyPnL = f
			haveDaily = true
		}
	}
	// Some account types never stream a daily P&L tag; realized plus
	// unrealized stands in for it.
	if !haveDaily {
		snap.DailyPnL = snap.RealizedPnL + snap.UnrealizedPnL
	}

	snap.Positions = make([]models.Position, len(positions))
	for i, p := range positions {
		snap.Positions[i] = normalize(p)
	}
	return snap
}

// normalize converts an option's per-contract average cost to a per-share
// price comparable with quoted premiums.
func normalize(p models.Position) models.Position {
	if p.Contract.SecType == models.SecTypeOption && p.Contract.Multiplier > 0 {
		p.AvgCost /= float64(p.Contract.Multiplier)
	}
	return p
}
