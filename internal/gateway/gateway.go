// Package gateway defines the broker session boundary. The TWS socket
// protocol itself (framing, message ids) is opaque to the engine: a Gateway
// is an RPC/streaming channel with push callbacks, and the connection
// manager is the only component allowed to dial or close it.
package gateway

import (
	"context"
	"time"

	"ibkr-trader/internal/models"
)

// Order is the broker-level view of a single order.
type Order struct {
	ID         int64
	Contract   models.Contract
	Side       models.OrderSide
	Type       models.OrderType
	Quantity   int
	LimitPrice float64 // LMT
	StopPrice  float64 // STP
	OCAGroup   string  // one-cancels-other link, empty for none
	TIF        string  // GTC
	OutsideRTH bool
}

// OrderStatus is a push update for a submitted order.
type OrderStatus struct {
	OrderID      int64
	Status       models.LegStatus
	FilledQty    int
	AvgFillPrice float64
	Reason       string // broker reason text, verbatim
}

// Execution is a push notification for a fill.
type Execution struct {
	OrderID int64
	Symbol  string
	Side    models.OrderSide
	Shares  int
	Price   float64
	Time    time.Time
}

// OpenOrder is one entry of the broker's authoritative open-order snapshot,
// used for reconciliation after a reconnect.
type OpenOrder struct {
	Order        Order
	Status       models.LegStatus
	FilledQty    int
	AvgFillPrice float64
}

// AccountValue is a single tag/value pair from the account update stream.
type AccountValue struct {
	Tag      string
	Value    string
	Currency string
}

// Account value tags the engine consumes.
const (
	TagCash           = "TotalCashValue"
	TagNetLiquidation = "NetLiquidation"
	TagDailyPnL       = "DailyPnL"
	TagRealizedPnL    = "RealizedPnL"
	TagUnrealizedPnL  = "UnrealizedPnL"
)

// Gateway abstracts the broker socket API. Implementations must deliver
// callbacks from a single goroutine; consumers hand long-running work off
// rather than blocking the callback.
type Gateway interface {
	// Session lifecycle. Only the connection manager calls these.
	Dial(ctx context.Context, host string, port, clientID int) error
	Close() error
	Ping(ctx context.Context) error

	// Market data streaming, keyed by the contract's local symbol.
	RequestMarketData(c models.Contract) error
	CancelMarketData(c models.Contract) error
	// SnapshotQuote is a one-shot quote request with a bounded wait.
	SnapshotQuote(ctx context.Context, c models.Contract) (models.Quote, error)

	// Reference data.
	ContractDetails(ctx context.Context, c models.Contract) (models.Contract, error)
	OptionParameters(ctx context.Context, symbol string) (*models.OptionParameters, error)

	// Orders.
	NextOrderID() int64
	PlaceOrder(ctx context.Context, o Order) error
	CancelOrder(ctx context.Context, orderID int64) error
	OpenOrders(ctx context.Context) ([]OpenOrder, error)

	// Account.
	AccountValues(ctx context.Context) ([]AccountValue, error)
	Positions(ctx context.Context) ([]models.Position, error)

	// Push callbacks.
	OnTick(handler func(models.Tick))
	OnOrderStatus(handler func(OrderStatus))
	OnExecution(handler func(Execution))
	OnError(handler func(error))
	OnDisconnect(handler func())
}
