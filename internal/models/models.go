// Package models provides domain models for the trading engine.
package models

import (
	"fmt"
	"time"
)

// ConnState represents the state of the broker session.
type ConnState string

const (
	ConnDisconnected ConnState = "DISCONNECTED"
	ConnConnecting   ConnState = "CONNECTING"
	ConnConnected    ConnState = "CONNECTED"
	ConnReconnecting ConnState = "RECONNECTING"
	ConnFailed       ConnState = "FAILED"
)

// Session identifies a single broker gateway session. Exactly one Session
// is active per engine instance; it is owned by the connection manager.
type Session struct {
	Host     string
	Port     int
	ClientID int
	State    ConnState
}

func (s Session) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// OrderSide represents the side of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// Opposite returns the closing side for a position opened on this side.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderType represents the broker order type.
type OrderType string

const (
	OrderTypeMarket OrderType = "MKT"
	OrderTypeLimit  OrderType = "LMT"
	OrderTypeStop   OrderType = "STP"
)

// OptionRight represents an option right (call or put).
type OptionRight string

const (
	RightCall OptionRight = "C"
	RightPut  OptionRight = "P"
)

// SecType represents the security type of a contract.
type SecType string

const (
	SecTypeStock  SecType = "STK"
	SecTypeOption SecType = "OPT"
)

// Contract identifies a tradeable instrument at the broker.
type Contract struct {
	Symbol     string
	SecType    SecType
	Exchange   string
	Currency   string
	Expiry     string // YYYYMMDD, options only
	Strike     float64
	Right      OptionRight
	Multiplier int // 100 for US equity options
}

// Stock returns a SMART-routed US stock contract.
func Stock(symbol string) Contract {
	return Contract{
		Symbol:   symbol,
		SecType:  SecTypeStock,
		Exchange: "SMART",
		Currency: "USD",
	}
}

// Option returns a SMART-routed US equity option contract.
func Option(symbol, expiry string, strike float64, right OptionRight) Contract {
	return Contract{
		Symbol:     symbol,
		SecType:    SecTypeOption,
		Exchange:   "SMART",
		Currency:   "USD",
		Expiry:     expiry,
		Strike:     strike,
		Right:      right,
		Multiplier: 100,
	}
}

// LocalSymbol returns the display symbol, e.g. "AAPL 20260918 230C".
func (c Contract) LocalSymbol() string {
	if c.SecType != SecTypeOption {
		return c.Symbol
	}
	return fmt.Sprintf("%s %s %g%s", c.Symbol, c.Expiry, c.Strike, c.Right)
}

// Tick represents a single streamed price update for a ticker.
type Tick struct {
	Symbol    string
	Bid       float64
	Ask       float64
	Last      float64
	Close     float64
	Volume    int64
	Timestamp time.Time
}

// Quote is the cached last quote for a subscribed ticker. Known reports
// whether the feed has delivered at least one tick; consumers must not
// compute off a zero-valued unknown quote.
type Quote struct {
	Symbol    string
	Bid       float64
	Ask       float64
	Last      float64
	Close     float64
	Timestamp time.Time
	Known     bool
}

// MarketPrice returns the best available price: last, then bid/ask
// midpoint, then previous close. Zero when no usable price exists.
func (q Quote) MarketPrice() float64 {
	if !q.Known {
		return 0
	}
	if q.Last > 0 {
		return q.Last
	}
	if q.Bid > 0 && q.Ask > 0 {
		return (q.Bid + q.Ask) / 2
	}
	return q.Close
}

// Position represents an open position at the broker.
type Position struct {
	Contract      Contract
	Quantity      float64
	AvgCost       float64 // per share, multiplier-adjusted for options
	MarketValue   float64
	UnrealizedPnL float64
	RealizedPnL   float64
	DailyPnL      float64
}

// AccountSnapshot is a point-in-time view of the account. It is refreshed
// by the portfolio tracker and read-only to every other component.
type AccountSnapshot struct {
	Cash           float64
	NetLiquidation float64
	RealizedPnL    float64
	UnrealizedPnL  float64
	DailyPnL       float64
	Positions      []Position
	UpdatedAt      time.Time
	Stale          bool
}
