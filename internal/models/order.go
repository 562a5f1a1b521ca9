package models

import "time"

// LegKind identifies the role of a leg within a bracket group.
type LegKind string

const (
	LegEntry      LegKind = "ENTRY"
	LegStopLoss   LegKind = "STOP_LOSS"
	LegTakeProfit LegKind = "TAKE_PROFIT"
)

// LegStatus represents the lifecycle state of a single order leg.
type LegStatus string

const (
	LegPending   LegStatus = "PENDING"
	LegSubmitted LegStatus = "SUBMITTED"
	LegFilled    LegStatus = "FILLED"
	LegCancelled LegStatus = "CANCELLED"
	LegRejected  LegStatus = "REJECTED"
)

// Terminal reports whether the leg can no longer change state.
func (s LegStatus) Terminal() bool {
	return s == LegFilled || s == LegCancelled || s == LegRejected
}

// GroupStatus represents the lifecycle state of a bracket group.
type GroupStatus string

const (
	GroupAwaitingEntry GroupStatus = "AWAITING_ENTRY"
	GroupEntryFilled   GroupStatus = "ENTRY_FILLED"
	GroupBracketActive GroupStatus = "BRACKET_ACTIVE"
	GroupClosed        GroupStatus = "CLOSED"
	GroupCancelled     GroupStatus = "CANCELLED"
	GroupRejected      GroupStatus = "REJECTED"
)

// Terminal reports whether the group can no longer change state.
func (s GroupStatus) Terminal() bool {
	return s == GroupClosed || s == GroupCancelled || s == GroupRejected
}

// OrderLeg is a single order within a bracket group.
type OrderLeg struct {
	Kind       LegKind
	Side       OrderSide
	Type       OrderType
	Quantity   int
	LimitPrice float64 // LMT orders
	StopPrice  float64 // STP orders
	BrokerID   int64   // 0 until submitted
	Status     LegStatus
	FilledQty  int
	FillPrice  float64
	Reason     string // broker reject/cancel reason, verbatim
	UpdatedAt  time.Time
}

// RiskProfile holds the percentage risk parameters for one order request.
// A nil percentage disables the corresponding leg. Values are immutable
// once the request is accepted.
type RiskProfile struct {
	StopLossPct   *float64
	TakeProfitPct *float64
}

func (r RiskProfile) HasStopLoss() bool   { return r.StopLossPct != nil }
func (r RiskProfile) HasTakeProfit() bool { return r.TakeProfitPct != nil }

// BracketOrder is a group of an entry leg plus optional stop-loss and
// take-profit legs. Risk legs exist only when the corresponding RiskProfile
// field is enabled, share the group's OCA identifier, and are cancelled as
// a unit with the entry.
type BracketOrder struct {
	GroupID   string
	OCAGroup  string
	Contract  Contract
	Risk      RiskProfile
	Entry     *OrderLeg
	Stop      *OrderLeg
	Take      *OrderLeg
	Status    GroupStatus
	CreatedAt time.Time
	ClosedAt  time.Time
}

// Legs returns the non-nil legs of the group in submission order.
func (b *BracketOrder) Legs() []*OrderLeg {
	legs := make([]*OrderLeg, 0, 3)
	for _, l := range []*OrderLeg{b.Entry, b.Stop, b.Take} {
		if l != nil {
			legs = append(legs, l)
		}
	}
	return legs
}

// LegByBrokerID returns the leg submitted under the given broker order id.
func (b *BracketOrder) LegByBrokerID(id int64) *OrderLeg {
	for _, l := range b.Legs() {
		if l.BrokerID == id && id != 0 {
			return l
		}
	}
	return nil
}
