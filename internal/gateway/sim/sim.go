// Package sim provides an in-memory Gateway implementation for paper
// trading and tests. It mirrors the broker's asynchronous behavior: order
// acknowledgements, fills, and ticks arrive via the same push callbacks a
// live session would use.
package sim

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"ibkr-trader/internal/errors"
	"ibkr-trader/internal/gateway"
	"ibkr-trader/internal/models"
)

// symbolInfo is the reference data the sim knows about one underlying.
type symbolInfo struct {
	hasOptions bool
	params     *models.OptionParameters
}

// Gateway is a scriptable in-memory broker. Test helpers (AddSymbol,
// SetQuote, FillOrder, ...) stand in for the market.
type Gateway struct {
	mu sync.RWMutex

	connected  bool
	usedIDs    map[int]bool // client ids already attached to a session
	dialDelay  time.Duration
	pingErr    error
	dialErr    error
	autoFill   bool
	session    models.Session
	nextID     atomic.Int64
	symbols    map[string]symbolInfo
	quotes     map[string]models.Quote
	subscribed map[string]models.Contract
	orders     map[int64]*simOrder
	account    map[string]gateway.AccountValue
	positions  []models.Position

	placeCalls atomic.Int64

	onTick        func(models.Tick)
	onOrderStatus func(gateway.OrderStatus)
	onExecution   func(gateway.Execution)
	onError       func(error)
	onDisconnect  func()
}

type simOrder struct {
	order        gateway.Order
	status       models.LegStatus
	filledQty    int
	avgFillPrice float64
	reason       string
}

// New creates a new sim gateway with market-order auto-fill disabled.
func New() *Gateway {
	g := &Gateway{
		usedIDs:    make(map[int]bool),
		symbols:    make(map[string]symbolInfo),
		quotes:     make(map[string]models.Quote),
		subscribed: make(map[string]models.Contract),
		orders:     make(map[int64]*simOrder),
		account:    make(map[string]gateway.AccountValue),
	}
	g.nextID.Store(1)
	return g
}

// Dial simulates opening the broker socket.
func (g *Gateway) Dial(ctx context.Context, host string, port, clientID int) error {
	g.mu.Lock()
	if g.dialErr != nil {
		err := g.dialErr
		g.mu.Unlock()
		return err
	}
	if g.usedIDs[clientID] {
		g.mu.Unlock()
		return errors.ErrAuthRejected
	}
	delay := g.dialDelay
	g.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return errors.ErrTimeout
		case <-time.After(delay):
		}
	}

	g.mu.Lock()
	g.connected = true
	g.usedIDs[clientID] = true
	g.session = models.Session{Host: host, Port: port, ClientID: clientID, State: models.ConnConnected}
	g.mu.Unlock()
	return nil
}

// Close releases the session and drops all subscriptions.
func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.connected = false
	delete(g.usedIDs, g.session.ClientID)
	g.subscribed = make(map[string]models.Contract)
	return nil
}

// Ping reports the health of the simulated socket.
func (g *Gateway) Ping(ctx context.Context) error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.pingErr != nil {
		return g.pingErr
	}
	if !g.connected {
		return errors.ErrNotConnected
	}
	return nil
}

// RequestMarketData starts streaming ticks for the contract.
func (g *Gateway) RequestMarketData(c models.Contract) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.connected {
		return errors.ErrNotConnected
	}
	g.subscribed[c.LocalSymbol()] = c
	return nil
}

// CancelMarketData stops streaming ticks for the contract.
func (g *Gateway) CancelMarketData(c models.Contract) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.subscribed, c.LocalSymbol())
	return nil
}

// SnapshotQuote returns the scripted quote for the contract.
func (g *Gateway) SnapshotQuote(ctx context.Context, c models.Contract) (models.Quote, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.connected {
		return models.Quote{}, errors.ErrNotConnected
	}
	q, ok := g.quotes[c.LocalSymbol()]
	if !ok {
		return models.Quote{}, errors.ErrNoQuote
	}
	return q, nil
}

// ContractDetails qualifies a contract against the scripted symbol table.
func (g *Gateway) ContractDetails(ctx context.Context, c models.Contract) (models.Contract, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.connected {
		return models.Contract{}, errors.ErrNotConnected
	}
	if _, ok := g.symbols[c.Symbol]; !ok {
		return models.Contract{}, errors.ErrUnknownSymbol
	}
	return c, nil
}

// OptionParameters returns the scripted option chain parameters.
func (g *Gateway) OptionParameters(ctx context.Context, symbol string) (*models.OptionParameters, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.connected {
		return nil, errors.ErrNotConnected
	}
	info, ok := g.symbols[symbol]
	if !ok {
		return nil, errors.ErrUnknownSymbol
	}
	if !info.hasOptions || info.params == nil {
		return nil, errors.ErrNoOptionsAvailable
	}
	return info.params, nil
}

// NextOrderID returns the next broker order id.
func (g *Gateway) NextOrderID() int64 {
	return g.nextID.Add(1) - 1
}

// PlaceOrder accepts an order and acknowledges it as Submitted. Market
// orders fill immediately at the scripted quote when auto-fill is on.
func (g *Gateway) PlaceOrder(ctx context.Context, o gateway.Order) error {
	g.mu.Lock()
	if !g.connected {
		g.mu.Unlock()
		return errors.ErrNotConnected
	}
	g.placeCalls.Add(1)
	g.orders[o.ID] = &simOrder{order: o, status: models.LegSubmitted}
	autoFill := g.autoFill
	var fillPrice float64
	if autoFill && o.Type == models.OrderTypeMarket {
		if q, ok := g.quotes[o.Contract.LocalSymbol()]; ok {
			fillPrice = q.MarketPrice()
		}
	}
	g.mu.Unlock()

	g.emitStatus(o.ID)
	if autoFill && o.Type == models.OrderTypeMarket && fillPrice > 0 {
		g.FillOrder(o.ID, fillPrice)
	}
	return nil
}

// CancelOrder acknowledges a cancel for a non-terminal order.
func (g *Gateway) CancelOrder(ctx context.Context, orderID int64) error {
	g.mu.Lock()
	if !g.connected {
		g.mu.Unlock()
		return errors.ErrNotConnected
	}
	so, ok := g.orders[orderID]
	if !ok {
		g.mu.Unlock()
		return errors.ErrOrderNotFound
	}
	if so.status.Terminal() {
		g.mu.Unlock()
		return nil
	}
	so.status = models.LegCancelled
	g.mu.Unlock()

	g.emitStatus(orderID)
	return nil
}

// OpenOrders returns the broker-side view of every known order.
func (g *Gateway) OpenOrders(ctx context.Context) ([]gateway.OpenOrder, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.connected {
		return nil, errors.ErrNotConnected
	}
	out := make([]gateway.OpenOrder, 0, len(g.orders))
	for _, so := range g.orders {
		out = append(out, gateway.OpenOrder{
			Order:        so.order,
			Status:       so.status,
			FilledQty:    so.filledQty,
			AvgFillPrice: so.avgFillPrice,
		})
	}
	return out, nil
}

// AccountValues returns the scripted account tags.
func (g *Gateway) AccountValues(ctx context.Context) ([]gateway.AccountValue, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.connected {
		return nil, errors.ErrNotConnected
	}
	out := make([]gateway.AccountValue, 0, len(g.account))
	for _, av := range g.account {
		out = append(out, av)
	}
	return out, nil
}

// Positions returns the scripted position list.
func (g *Gateway) Positions(ctx context.Context) ([]models.Position, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.connected {
		return nil, errors.ErrNotConnected
	}
	out := make([]models.Position, len(g.positions))
	copy(out, g.positions)
	return out, nil
}

// OnTick sets the tick handler.
func (g *Gateway) OnTick(handler func(models.Tick)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onTick = handler
}

// OnOrderStatus sets the order status handler.
func (g *Gateway) OnOrderStatus(handler func(gateway.OrderStatus)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onOrderStatus = handler
}

// OnExecution sets the execution handler.
func (g *Gateway) OnExecution(handler func(gateway.Execution)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onExecution = handler
}

// OnError sets the error handler.
func (g *Gateway) OnError(handler func(error)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onError = handler
}

// OnDisconnect sets the disconnect handler.
func (g *Gateway) OnDisconnect(handler func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onDisconnect = handler
}

// --- scripting controls ---

// AddSymbol registers an underlying. With hasOptions, a default strike
// ladder around the given spot is generated.
func (g *Gateway) AddSymbol(symbol string, hasOptions bool, spot float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	info := symbolInfo{hasOptions: hasOptions}
	if hasOptions {
		strikes := make([]float64, 0, 20)
		for i := -10; i < 10; i++ {
			s := spot + float64(i)
			if s > 0 {
				strikes = append(strikes, s)
			}
		}
		info.params = &models.OptionParameters{
			Symbol:      symbol,
			Exchange:    "SMART",
			Multiplier:  100,
			Expirations: []string{time.Now().AddDate(0, 0, 7).Format("20060102"), time.Now().AddDate(0, 0, 37).Format("20060102")},
			Strikes:     strikes,
		}
	}
	g.symbols[symbol] = info
}

// SetQuote scripts a quote and pushes a tick to subscribers.
func (g *Gateway) SetQuote(c models.Contract, bid, ask, last float64) {
	key := c.LocalSymbol()
	now := time.Now()
	g.mu.Lock()
	g.quotes[key] = models.Quote{
		Symbol: key, Bid: bid, Ask: ask, Last: last, Timestamp: now, Known: true,
	}
	_, subscribed := g.subscribed[key]
	handler := g.onTick
	g.mu.Unlock()

	if subscribed && handler != nil {
		handler(models.Tick{Symbol: key, Bid: bid, Ask: ask, Last: last, Timestamp: now})
	}
}

// SetAutoFill toggles immediate fills for market orders.
func (g *Gateway) SetAutoFill(on bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.autoFill = on
}

// SetAccountValue scripts an account tag.
func (g *Gateway) SetAccountValue(tag, value string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.account[tag] = gateway.AccountValue{Tag: tag, Value: value, Currency: "USD"}
}

// SetPositions scripts the position list.
func (g *Gateway) SetPositions(positions []models.Position) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.positions = positions
}

// FillOrder fills an order completely at the given price, emitting an
// execution followed by a Filled status, as the live API does.
func (g *Gateway) FillOrder(orderID int64, price float64) {
	g.mu.Lock()
	so, ok := g.orders[orderID]
	if !ok || so.status.Terminal() {
		g.mu.Unlock()
		return
	}
	so.status = models.LegFilled
	so.filledQty = so.order.Quantity
	so.avgFillPrice = price
	exec := gateway.Execution{
		OrderID: orderID,
		Symbol:  so.order.Contract.LocalSymbol(),
		Side:    so.order.Side,
		Shares:  so.order.Quantity,
		Price:   price,
		Time:    time.Now(),
	}
	execHandler := g.onExecution
	g.mu.Unlock()

	if execHandler != nil {
		execHandler(exec)
	}
	g.emitStatus(orderID)
}

// RejectOrder rejects a non-terminal order with the given reason text.
func (g *Gateway) RejectOrder(orderID int64, reason string) {
	g.mu.Lock()
	so, ok := g.orders[orderID]
	if !ok || so.status.Terminal() {
		g.mu.Unlock()
		return
	}
	so.status = models.LegRejected
	so.reason = reason
	g.mu.Unlock()

	g.emitStatus(orderID)
}

// MarkFilledQuietly records a fill without emitting callbacks, simulating a
// fill that happened while the session was down. OpenOrders will report it.
func (g *Gateway) MarkFilledQuietly(orderID int64, price float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if so, ok := g.orders[orderID]; ok && !so.status.Terminal() {
		so.status = models.LegFilled
		so.filledQty = so.order.Quantity
		so.avgFillPrice = price
	}
}

// DropConnection severs the simulated socket and notifies the disconnect
// handler. Subscriptions are discarded, mirroring a real socket loss.
func (g *Gateway) DropConnection() {
	g.mu.Lock()
	g.connected = false
	delete(g.usedIDs, g.session.ClientID)
	g.subscribed = make(map[string]models.Contract)
	handler := g.onDisconnect
	g.mu.Unlock()

	if handler != nil {
		handler()
	}
}

// SetDialError scripts the next Dial outcome; nil clears it.
func (g *Gateway) SetDialError(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dialErr = err
}

// SetDialDelay scripts handshake latency for timeout tests.
func (g *Gateway) SetDialDelay(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dialDelay = d
}

// SetPingError scripts heartbeat failures.
func (g *Gateway) SetPingError(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pingErr = err
}

// PlaceCalls returns how many PlaceOrder calls reached the broker.
func (g *Gateway) PlaceCalls() int64 {
	return g.placeCalls.Load()
}

// OrderState returns the broker-side status of an order.
func (g *Gateway) OrderState(orderID int64) (models.LegStatus, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	so, ok := g.orders[orderID]
	if !ok {
		return "", false
	}
	return so.status, true
}

// Subscribed reports whether the contract has an active data subscription.
func (g *Gateway) Subscribed(c models.Contract) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.subscribed[c.LocalSymbol()]
	return ok
}

func (g *Gateway) emitStatus(orderID int64) {
	g.mu.RLock()
	so, ok := g.orders[orderID]
	var ev gateway.OrderStatus
	if ok {
		ev = gateway.OrderStatus{
			OrderID:      orderID,
			Status:       so.status,
			FilledQty:    so.filledQty,
			AvgFillPrice: so.avgFillPrice,
			Reason:       so.reason,
		}
	}
	handler := g.onOrderStatus
	g.mu.RUnlock()

	if ok && handler != nil {
		handler(ev)
	}
}

var _ gateway.Gateway = (*Gateway)(nil)
