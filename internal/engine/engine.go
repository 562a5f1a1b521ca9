// Package engine owns the bracket order lifecycle: entry submission, risk
// leg derivation from the actual fill, one-cancels-other handling, and
// reconciliation against the broker after a reconnect.
package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ibkr-trader/internal/conn"
	"ibkr-trader/internal/errors"
	"ibkr-trader/internal/gateway"
	"ibkr-trader/internal/logging"
	"ibkr-trader/internal/models"
	"ibkr-trader/internal/risk"
	"ibkr-trader/pkg/utils"
)

// Config holds order engine tunables.
type Config struct {
	// MaxSubmitRetries bounds resubmission attempts after a connection-class
	// failure. Broker rejections are never retried.
	MaxSubmitRetries int
	RetryDelay       time.Duration
	MaxRetryDelay    time.Duration
	TIF              string
	OutsideRTH       bool
	// ClosedRetention is how long terminal groups stay queryable in memory
	// before eviction. The journal keeps their history.
	ClosedRetention time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxSubmitRetries == 0 {
		c.MaxSubmitRetries = 3
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 500 * time.Millisecond
	}
	if c.MaxRetryDelay == 0 {
		c.MaxRetryDelay = 5 * time.Second
	}
	if c.TIF == "" {
		c.TIF = "GTC"
	}
	if c.ClosedRetention == 0 {
		c.ClosedRetention = time.Hour
	}
	return c
}

// Journal persists order lifecycle transitions. Persistence failures are
// logged and never block trading.
type Journal interface {
	RecordGroup(b models.BracketOrder) error
	RecordFill(groupID string, kind models.LegKind, ex gateway.Execution) error
}

type nopJournal struct{}

func (nopJournal) RecordGroup(models.BracketOrder) error                      { return nil }
func (nopJournal) RecordFill(string, models.LegKind, gateway.Execution) error { return nil }

// PlaceRequest describes one bracket order submission.
type PlaceRequest struct {
	Contract   models.Contract
	Side       models.OrderSide
	Quantity   int
	LimitPrice float64 // 0 submits a market entry
	Risk       models.RiskProfile
}

// group pairs a bracket order with its own lock. All mutation of the order
// happens under g.mu so concurrent groups never contend with each other.
type group struct {
	mu           sync.Mutex
	b            *models.BracketOrder
	ocoCancelled bool
}

// Engine is the bracket order state machine.
type Engine struct {
	cfg      Config
	cm       *conn.Manager
	calendar *MarketCalendar
	journal  Journal
	logger   zerolog.Logger

	mu         sync.RWMutex
	groups     map[string]*group
	byBrokerID map[int64]string
	listeners  []func(models.BracketOrder)

	statusCh chan gateway.OrderStatus
	execCh   chan gateway.Execution

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	// lifeMu guards closed so no goroutine joins the waitgroup after
	// Close has started waiting on it.
	lifeMu sync.Mutex
	closed bool

	now func() time.Time
}

// NewEngine creates the order engine. A nil calendar uses the default US
// market hours; a nil journal disables persistence.
func NewEngine(cfg Config, cm *conn.Manager, calendar *MarketCalendar, journal Journal, logger zerolog.Logger) *Engine {
	if calendar == nil {
		calendar = NewMarketCalendar()
	}
	if journal == nil {
		journal = nopJournal{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:        cfg.withDefaults(),
		cm:         cm,
		calendar:   calendar,
		journal:    journal,
		logger:     logger.With().Str("component", "engine").Logger(),
		groups:     make(map[string]*group),
		byBrokerID: make(map[int64]string),
		statusCh:   make(chan gateway.OrderStatus, 256),
		execCh:     make(chan gateway.Execution, 256),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		now:        time.Now,
	}

	gw := cm.Gateway()
	gw.OnOrderStatus(func(ev gateway.OrderStatus) {
		select {
		case e.statusCh <- ev:
		case <-e.done:
		}
	})
	gw.OnExecution(func(ex gateway.Execution) {
		select {
		case e.execCh <- ex:
		case <-e.done:
		}
	})
	cm.OnStateChange(e.handleConnState)
	return e
}

// Start launches the status dispatch loop.
func (e *Engine) Start() {
	e.goTracked(e.dispatchLoop)
}

// Close stops the engine. In-flight submissions are abandoned; broker-side
// orders are left standing for reconciliation on the next session.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.lifeMu.Lock()
		e.closed = true
		e.lifeMu.Unlock()
		e.cancel()
		close(e.done)
	})
	e.wg.Wait()
}

// goTracked runs fn on a waitgroup-tracked goroutine. New work is refused
// once Close has begun, so the waitgroup never grows after Wait.
func (e *Engine) goTracked(fn func()) bool {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	if e.closed {
		return false
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
	return true
}

// OnOrderUpdate registers a listener for order state transitions. Listeners
// receive a snapshot copy and run off the transitioning goroutine.
func (e *Engine) OnOrderUpdate(fn func(models.BracketOrder)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, fn)
}

// PlaceBracketOrder validates and accepts a bracket order. Validation and
// the market-hours gate run before any broker interaction; the entry is
// submitted asynchronously and progress is observed through order updates.
func (e *Engine) PlaceBracketOrder(ctx context.Context, req PlaceRequest) (models.BracketOrder, error) {
	select {
	case <-e.done:
		return models.BracketOrder{}, errors.ErrEngineClosed
	default:
	}

	if req.Quantity <= 0 {
		return models.BracketOrder{}, errors.Wrapf(errors.ErrOrderRejected, "quantity %d", req.Quantity)
	}
	if err := risk.ValidateProfile(req.Risk); err != nil {
		return models.BracketOrder{}, err
	}
	if !e.calendar.IsOpenAt(e.now()) {
		return models.BracketOrder{}, errors.Wrapf(errors.ErrMarketClosed, "order for %s", req.Contract.LocalSymbol())
	}
	if !e.cm.IsConnected() {
		return models.BracketOrder{}, errors.Wrapf(errors.ErrNotConnected, "order for %s", req.Contract.LocalSymbol())
	}

	groupID := uuid.NewString()
	oca := ""
	if req.Risk.HasStopLoss() && req.Risk.HasTakeProfit() {
		oca = "oca-" + groupID[:8]
	}

	entryType := models.OrderTypeLimit
	if req.LimitPrice == 0 {
		entryType = models.OrderTypeMarket
	}
	b := &models.BracketOrder{
		GroupID:  groupID,
		OCAGroup: oca,
		Contract: req.Contract,
		Risk:     req.Risk,
		Entry: &models.OrderLeg{
			Kind:       models.LegEntry,
			Side:       req.Side,
			Type:       entryType,
			Quantity:   req.Quantity,
			LimitPrice: req.LimitPrice,
			Status:     models.LegPending,
			UpdatedAt:  e.now(),
		},
		Status:    models.GroupAwaitingEntry,
		CreatedAt: e.now(),
	}
	g := &group{b: b}

	e.mu.Lock()
	e.groups[groupID] = g
	e.mu.Unlock()

	snap := snapshot(b)
	e.record(snap)
	e.notify(snap)

	if !e.goTracked(func() { e.submitEntry(g) }) {
		g.mu.Lock()
		b.Entry.Status = models.LegCancelled
		b.Entry.Reason = "engine closed"
		b.Entry.UpdatedAt = e.now()
		e.closeGroupLocked(b, models.GroupCancelled)
		g.mu.Unlock()
		return models.BracketOrder{}, errors.ErrEngineClosed
	}

	return snap, nil
}

// Order returns a snapshot of one bracket group.
func (e *Engine) Order(groupID string) (models.BracketOrder, error) {
	g := e.lookup(groupID)
	if g == nil {
		return models.BracketOrder{}, errors.Wrapf(errors.ErrOrderNotFound, "group %s", groupID)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return snapshot(g.b), nil
}

// Orders returns snapshots of all tracked groups, oldest first.
func (e *Engine) Orders() []models.BracketOrder {
	e.mu.RLock()
	all := make([]*group, 0, len(e.groups))
	for _, g := range e.groups {
		all = append(all, g)
	}
	e.mu.RUnlock()

	out := make([]models.BracketOrder, 0, len(all))
	for _, g := range all {
		g.mu.Lock()
		out = append(out, snapshot(g.b))
		g.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// CancelGroup cancels a bracket group as a unit: every submitted leg is
// cancelled at the broker, every pending leg locally. Terminal groups are
// left untouched.
func (e *Engine) CancelGroup(ctx context.Context, groupID string) error {
	g := e.lookup(groupID)
	if g == nil {
		return errors.Wrapf(errors.ErrOrderNotFound, "group %s", groupID)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	b := g.b
	if b.Status.Terminal() {
		return nil
	}

	gw := e.cm.Gateway()
	var firstErr error
	changed := false
	for _, leg := range b.Legs() {
		switch leg.Status {
		case models.LegSubmitted:
			if err := gw.CancelOrder(ctx, leg.BrokerID); err != nil && firstErr == nil {
				firstErr = err
			}
		case models.LegPending:
			leg.Status = models.LegCancelled
			leg.Reason = "cancelled before submission"
			leg.UpdatedAt = e.now()
			changed = true
		}
	}

	// A group whose entry never reached the broker terminates here; one
	// with live broker legs terminates when their cancel confirmations
	// arrive as status events.
	if b.Entry.Status == models.LegCancelled && b.Status == models.GroupAwaitingEntry {
		e.closeGroupLocked(b, models.GroupCancelled)
		changed = true
	}
	if changed {
		snap := snapshot(b)
		e.record(snap)
		e.notify(snap)
	}
	return firstErr
}

// ClosePosition flattens one position with a market order. Subject to the
// same market-hours gate as submissions.
func (e *Engine) ClosePosition(ctx context.Context, symbol string) error {
	if !e.calendar.IsOpenAt(e.now()) {
		return errors.Wrapf(errors.ErrMarketClosed, "close %s", symbol)
	}
	if !e.cm.IsConnected() {
		return errors.Wrapf(errors.ErrNotConnected, "close %s", symbol)
	}

	gw := e.cm.Gateway()
	positions, err := gw.Positions(ctx)
	if err != nil {
		return err
	}
	for _, p := range positions {
		if p.Contract.Symbol != symbol && p.Contract.LocalSymbol() != symbol {
			continue
		}
		if p.Quantity == 0 {
			continue
		}
		return e.flatten(ctx, p)
	}
	return errors.Wrapf(errors.ErrPositionNotFound, "%s", symbol)
}

// CloseAllPositions flattens every open position and returns the number of
// close orders submitted.
func (e *Engine) CloseAllPositions(ctx context.Context) (int, error) {
	if !e.calendar.IsOpenAt(e.now()) {
		return 0, errors.Wrapf(errors.ErrMarketClosed, "close all")
	}
	if !e.cm.IsConnected() {
		return 0, errors.Wrapf(errors.ErrNotConnected, "close all")
	}

	gw := e.cm.Gateway()
	positions, err := gw.Positions(ctx)
	if err != nil {
		return 0, err
	}
	closed := 0
	for _, p := range positions {
		if p.Quantity == 0 {
			continue
		}
		if err := e.flatten(ctx, p); err != nil {
			return closed, err
		}
		closed++
	}
	return closed, nil
}

func (e *Engine) flatten(ctx context.Context, p models.Position) error {
	side := models.OrderSideSell
	qty := int(p.Quantity)
	if qty < 0 {
		side = models.OrderSideBuy
		qty = -qty
	}
	gw := e.cm.Gateway()
	o := gateway.Order{
		ID:       gw.NextOrderID(),
		Contract: p.Contract,
		Side:     side,
		Type:     models.OrderTypeMarket,
		Quantity: qty,
		TIF:      e.cfg.TIF,
	}
	e.logger.Info().Str("symbol", p.Contract.LocalSymbol()).Int("qty", qty).Msg("Closing position")
	return gw.PlaceOrder(ctx, o)
}

// Reconcile replays the broker's open-order snapshot over local state. The
// broker is authoritative: fills and cancels that happened while the
// session was down are applied as if their status events had arrived.
func (e *Engine) Reconcile(ctx context.Context) error {
	gw := e.cm.Gateway()
	open, err := gw.OpenOrders(ctx)
	if err != nil {
		return errors.Wrap(err, "open orders")
	}

	byID := make(map[int64]gateway.OpenOrder, len(open))
	for _, oo := range open {
		byID[oo.Order.ID] = oo
	}

	e.mu.RLock()
	all := make([]*group, 0, len(e.groups))
	for _, g := range e.groups {
		all = append(all, g)
	}
	e.mu.RUnlock()

	reconciled := 0
	for _, g := range all {
		g.mu.Lock()
		for _, leg := range g.b.Legs() {
			// A pending leg with an id assigned is still owned by its
			// submit goroutine; the snapshot cannot say anything about
			// it yet.
			if leg.BrokerID == 0 || leg.Status == models.LegPending || leg.Status.Terminal() {
				continue
			}
			oo, known := byID[leg.BrokerID]
			if !known {
				// The broker no longer tracks this order. Treat it as
				// cancelled rather than guessing at a fill.
				e.applyStatusLocked(g, gateway.OrderStatus{
					OrderID: leg.BrokerID,
					Status:  models.LegCancelled,
					Reason:  "not present at reconnect",
				})
				reconciled++
				continue
			}
			if oo.Status != leg.Status {
				e.applyStatusLocked(g, gateway.OrderStatus{
					OrderID:      oo.Order.ID,
					Status:       oo.Status,
					FilledQty:    oo.FilledQty,
					AvgFillPrice: oo.AvgFillPrice,
					Reason:       "reconciled at reconnect",
				})
				reconciled++
			}
		}
		g.mu.Unlock()
	}

	e.logger.Info().Int("orders", reconciled).Msg("Reconciled with broker")
	return nil
}

func (e *Engine) lookup(groupID string) *group {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.groups[groupID]
}

func (e *Engine) lookupByBrokerID(id int64) *group {
	e.mu.RLock()
	defer e.mu.RUnlock()
	groupID, ok := e.byBrokerID[id]
	if !ok {
		return nil
	}
	return e.groups[groupID]
}

func (e *Engine) handleConnState(s models.ConnState) {
	if s != models.ConnConnected {
		return
	}
	e.goTracked(func() {
		ctx, cancel := context.WithTimeout(e.ctx, 30*time.Second)
		defer cancel()
		if err := e.Reconcile(ctx); err != nil {
			e.logger.Error().Err(err).Msg("Reconciliation failed")
		}
	})
}

func (e *Engine) dispatchLoop() {
	sweep := time.NewTicker(e.cfg.ClosedRetention)
	defer sweep.Stop()
	for {
		select {
		case <-e.done:
			return
		case ev := <-e.statusCh:
			e.applyStatus(ev)
		case ex := <-e.execCh:
			e.applyExecution(ex)
		case <-sweep.C:
			e.evictClosed()
		}
	}
}

// evictClosed drops groups that have been terminal for longer than the
// retention window, along with their broker id mappings. The journal keeps
// their history.
func (e *Engine) evictClosed() {
	cutoff := e.now().Add(-e.cfg.ClosedRetention)

	e.mu.RLock()
	all := make(map[string]*group, len(e.groups))
	for id, g := range e.groups {
		all[id] = g
	}
	e.mu.RUnlock()

	for id, g := range all {
		g.mu.Lock()
		expired := g.b.Status.Terminal() && g.b.ClosedAt.Before(cutoff)
		var brokerIDs []int64
		if expired {
			for _, leg := range g.b.Legs() {
				if leg.BrokerID != 0 {
					brokerIDs = append(brokerIDs, leg.BrokerID)
				}
			}
		}
		g.mu.Unlock()
		if !expired {
			continue
		}

		e.mu.Lock()
		delete(e.groups, id)
		for _, bid := range brokerIDs {
			delete(e.byBrokerID, bid)
		}
		e.mu.Unlock()
		e.logger.Debug().Str("group_id", id).Msg("Evicted closed group")
	}
}

func (e *Engine) submitEntry(g *group) {
	gw := e.cm.Gateway()

	g.mu.Lock()
	b := g.b
	if b.Entry.Status != models.LegPending {
		g.mu.Unlock()
		return
	}
	id := gw.NextOrderID()
	b.Entry.BrokerID = id
	order := e.brokerOrder(b, b.Entry)
	g.mu.Unlock()

	e.mu.Lock()
	e.byBrokerID[id] = b.GroupID
	e.mu.Unlock()

	err := e.placeWithRetry(order)

	g.mu.Lock()
	defer g.mu.Unlock()
	if err != nil {
		b.Entry.Status = models.LegRejected
		b.Entry.Reason = err.Error()
		b.Entry.UpdatedAt = e.now()
		e.closeGroupLocked(b, models.GroupRejected)
		snap := snapshot(b)
		e.record(snap)
		e.notify(snap)
		e.logger.Error().Err(errors.NewOrderError(
			b.GroupID, string(models.LegEntry), b.Contract.LocalSymbol(),
			string(b.Status), b.Entry.Reason, err,
		)).Msg("Entry submission failed")
		return
	}
	switch b.Entry.Status {
	case models.LegPending:
		b.Entry.Status = models.LegSubmitted
		b.Entry.UpdatedAt = e.now()
		logging.LogOrder(e.logger, b.GroupID, string(models.LegEntry),
			b.Contract.LocalSymbol(), string(b.Entry.Status))
		snap := snapshot(b)
		e.record(snap)
		e.notify(snap)
	case models.LegCancelled:
		// The group was cancelled while the place was in flight, so the
		// order reached the broker under an already-cancelled leg. Revoke
		// it at the broker too.
		e.cancelBrokerOrder(b.Entry.BrokerID)
	}
}

func (e *Engine) applyStatus(ev gateway.OrderStatus) {
	g := e.lookupByBrokerID(ev.OrderID)
	if g == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	e.applyStatusLocked(g, ev)
}

// applyStatusLocked advances the group state machine. Repeated terminal
// events for the same broker id are dropped, so the one-cancels-other
// cancel fires at most once per group.
func (e *Engine) applyStatusLocked(g *group, ev gateway.OrderStatus) {
	b := g.b
	leg := b.LegByBrokerID(ev.OrderID)
	if leg == nil || leg.Status.Terminal() || leg.Status == ev.Status {
		return
	}

	leg.Status = ev.Status
	leg.UpdatedAt = e.now()
	if ev.FilledQty > 0 {
		leg.FilledQty = ev.FilledQty
	}
	if ev.AvgFillPrice > 0 {
		leg.FillPrice = ev.AvgFillPrice
	}
	if ev.Reason != "" {
		leg.Reason = ev.Reason
	}
	logging.LogOrder(e.logger, b.GroupID, string(leg.Kind), b.Contract.LocalSymbol(), string(leg.Status))

	switch leg.Kind {
	case models.LegEntry:
		switch ev.Status {
		case models.LegFilled:
			e.onEntryFilledLocked(g)
		case models.LegCancelled:
			e.cancelRiskLegsLocked(b)
			e.closeGroupLocked(b, models.GroupCancelled)
		case models.LegRejected:
			e.cancelRiskLegsLocked(b)
			e.closeGroupLocked(b, models.GroupRejected)
		}
	case models.LegStopLoss, models.LegTakeProfit:
		if ev.Status == models.LegFilled {
			e.cancelSiblingLocked(g, leg)
		}
		e.maybeCloseLocked(b)
	}

	snap := snapshot(b)
	e.record(snap)
	e.notify(snap)
}

// onEntryFilledLocked derives the risk legs from the actual fill price and
// hands their submission to a goroutine so the dispatch loop never blocks
// on the broker.
func (e *Engine) onEntryFilledLocked(g *group) {
	b := g.b
	b.Status = models.GroupEntryFilled
	logging.LogFill(e.logger, b.GroupID, string(models.LegEntry),
		b.Contract.LocalSymbol(), b.Entry.FilledQty, b.Entry.FillPrice)

	levels, err := risk.ComputeLevels(b.Entry.FillPrice, b.Risk)
	if err != nil {
		e.logger.Error().Err(err).Str("group_id", b.GroupID).Msg("Risk levels unavailable")
		e.maybeCloseLocked(b)
		return
	}

	side := b.Entry.Side.Opposite()
	if levels.StopLoss != nil {
		b.Stop = &models.OrderLeg{
			Kind:      models.LegStopLoss,
			Side:      side,
			Type:      models.OrderTypeStop,
			Quantity:  b.Entry.FilledQty,
			StopPrice: *levels.StopLoss,
			Status:    models.LegPending,
			UpdatedAt: e.now(),
		}
	}
	if levels.TakeProfit != nil {
		b.Take = &models.OrderLeg{
			Kind:       models.LegTakeProfit,
			Side:       side,
			Type:       models.OrderTypeLimit,
			Quantity:   b.Entry.FilledQty,
			LimitPrice: *levels.TakeProfit,
			Status:     models.LegPending,
			UpdatedAt:  e.now(),
		}
	}
	if b.Stop == nil && b.Take == nil {
		e.maybeCloseLocked(b)
		return
	}

	gw := e.cm.Gateway()
	orders := make([]gateway.Order, 0, 2)
	for _, leg := range []*models.OrderLeg{b.Stop, b.Take} {
		if leg == nil {
			continue
		}
		id := gw.NextOrderID()
		leg.BrokerID = id
		orders = append(orders, e.brokerOrder(b, leg))
	}
	b.Status = models.GroupBracketActive

	e.mu.Lock()
	for _, o := range orders {
		e.byBrokerID[o.ID] = b.GroupID
	}
	e.mu.Unlock()

	e.goTracked(func() { e.submitRiskLegs(g, orders) })
}

func (e *Engine) submitRiskLegs(g *group, orders []gateway.Order) {
	for _, o := range orders {
		err := e.placeWithRetry(o)

		g.mu.Lock()
		b := g.b
		leg := b.LegByBrokerID(o.ID)
		if leg == nil {
			g.mu.Unlock()
			continue
		}
		if err != nil {
			leg.Status = models.LegRejected
			leg.Reason = err.Error()
			leg.UpdatedAt = e.now()
			e.logger.Error().Err(errors.NewOrderError(
				b.GroupID, string(leg.Kind), b.Contract.LocalSymbol(),
				string(b.Status), leg.Reason, err,
			)).Msg("Risk leg submission failed")
			e.maybeCloseLocked(b)
		} else if leg.Status == models.LegPending {
			leg.Status = models.LegSubmitted
			leg.UpdatedAt = e.now()
		} else if leg.Status == models.LegCancelled {
			// Cancelled while the place was in flight; revoke the order
			// at the broker too.
			e.cancelBrokerOrder(o.ID)
		}
		snap := snapshot(b)
		g.mu.Unlock()
		e.record(snap)
		e.notify(snap)
	}
}

// cancelSiblingLocked issues the one-cancels-other cancel for the other
// risk leg, at most once per group.
func (e *Engine) cancelSiblingLocked(g *group, filled *models.OrderLeg) {
	b := g.b
	var sibling *models.OrderLeg
	switch filled.Kind {
	case models.LegStopLoss:
		sibling = b.Take
	case models.LegTakeProfit:
		sibling = b.Stop
	}
	if sibling == nil || sibling.Status.Terminal() || g.ocoCancelled {
		return
	}
	g.ocoCancelled = true
	e.cancelBrokerOrder(sibling.BrokerID)
}

// cancelBrokerOrder issues an asynchronous cancel for one broker order.
// During shutdown the cancel is skipped and the order stands for
// reconciliation on the next session.
func (e *Engine) cancelBrokerOrder(id int64) {
	e.goTracked(func() {
		ctx, cancel := context.WithTimeout(e.ctx, 10*time.Second)
		defer cancel()
		if err := e.cm.Gateway().CancelOrder(ctx, id); err != nil {
			e.logger.Error().Err(err).Int64("order_id", id).Msg("Order cancel failed")
		}
	})
}

// cancelRiskLegsLocked cancels any risk legs already at the broker. Risk
// legs follow the entry fill, so normally there are none to cancel here.
func (e *Engine) cancelRiskLegsLocked(b *models.BracketOrder) {
	for _, leg := range []*models.OrderLeg{b.Stop, b.Take} {
		if leg == nil {
			continue
		}
		switch leg.Status {
		case models.LegSubmitted:
			e.cancelBrokerOrder(leg.BrokerID)
		case models.LegPending:
			leg.Status = models.LegCancelled
			leg.UpdatedAt = e.now()
		}
	}
}

// maybeCloseLocked closes the group once the entry is filled and every
// existing risk leg is terminal.
func (e *Engine) maybeCloseLocked(b *models.BracketOrder) {
	if b.Status.Terminal() || b.Entry.Status != models.LegFilled {
		return
	}
	for _, leg := range []*models.OrderLeg{b.Stop, b.Take} {
		if leg != nil && !leg.Status.Terminal() {
			return
		}
	}
	e.closeGroupLocked(b, models.GroupClosed)
}

func (e *Engine) closeGroupLocked(b *models.BracketOrder, status models.GroupStatus) {
	if b.Status.Terminal() {
		return
	}
	b.Status = status
	b.ClosedAt = e.now()
}

func (e *Engine) applyExecution(ex gateway.Execution) {
	g := e.lookupByBrokerID(ex.OrderID)
	if g == nil {
		return
	}
	g.mu.Lock()
	b := g.b
	leg := b.LegByBrokerID(ex.OrderID)
	var kind models.LegKind
	if leg != nil {
		kind = leg.Kind
	}
	groupID := b.GroupID
	g.mu.Unlock()

	if err := e.journal.RecordFill(groupID, kind, ex); err != nil {
		e.logger.Warn().Err(err).Str("group_id", groupID).Msg("Fill journal write failed")
	}
	logging.LogFill(e.logger, groupID, string(kind), ex.Symbol, ex.Shares, ex.Price)
}

func (e *Engine) brokerOrder(b *models.BracketOrder, leg *models.OrderLeg) gateway.Order {
	o := gateway.Order{
		ID:         leg.BrokerID,
		Contract:   b.Contract,
		Side:       leg.Side,
		Type:       leg.Type,
		Quantity:   leg.Quantity,
		LimitPrice: leg.LimitPrice,
		StopPrice:  leg.StopPrice,
		TIF:        e.cfg.TIF,
		OutsideRTH: e.cfg.OutsideRTH,
	}
	if leg.Kind != models.LegEntry {
		o.OCAGroup = b.OCAGroup
	}
	return o
}

// placeWithRetry submits one broker order, retrying connection-class
// failures with backoff. Broker rejections abort on the first attempt.
func (e *Engine) placeWithRetry(o gateway.Order) error {
	cfg := utils.RetryConfig{
		MaxAttempts:   e.cfg.MaxSubmitRetries,
		InitialDelay:  e.cfg.RetryDelay,
		MaxDelay:      e.cfg.MaxRetryDelay,
		BackoffFactor: 2.0,
		Retryable:     errors.Retryable,
	}
	return utils.Retry(e.ctx, cfg, func() error {
		ctx, cancel := context.WithTimeout(e.ctx, 10*time.Second)
		defer cancel()
		return e.cm.Gateway().PlaceOrder(ctx, o)
	})
}

func (e *Engine) record(snap models.BracketOrder) {
	if err := e.journal.RecordGroup(snap); err != nil {
		e.logger.Warn().Err(err).Str("group_id", snap.GroupID).Msg("Order journal write failed")
	}
}

func (e *Engine) notify(snap models.BracketOrder) {
	e.mu.RLock()
	listeners := make([]func(models.BracketOrder), len(e.listeners))
	copy(listeners, e.listeners)
	e.mu.RUnlock()

	go func() {
		for _, fn := range listeners {
			fn(snap)
		}
	}()
}

// snapshot deep-copies a bracket order so callers never share leg pointers
// with the engine.
func snapshot(b *models.BracketOrder) models.BracketOrder {
	out := *b
	copyLeg := func(l *models.OrderLeg) *models.OrderLeg {
		if l == nil {
			return nil
		}
		c := *l
		return &c
	}
	out.Entry = copyLeg(b.Entry)
	out.Stop = copyLeg(b.Stop)
	out.Take = copyLeg(b.Take)
	if b.Risk.StopLossPct != nil {
		v := *b.Risk.StopLossPct
		out.Risk.StopLossPct = &v
	}
	if b.Risk.TakeProfitPct != nil {
		v := *b.Risk.TakeProfitPct
		out.Risk.TakeProfitPct = &v
	}
	return out
}
