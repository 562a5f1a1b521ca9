// Package store persists the order journal: every bracket group transition
// and every execution, queryable after a restart.
package store

import (
	"context"
	"time"

	"ibkr-trader/internal/gateway"
	"ibkr-trader/internal/models"
)

// GroupFilter narrows journal queries.
type GroupFilter struct {
	Symbol string
	Status models.GroupStatus
	Since  time.Time
	Limit  int
}

// Fill is one persisted execution record.
type Fill struct {
	ID         int64
	GroupID    string
	Kind       models.LegKind
	BrokerID   int64
	Symbol     string
	Side       models.OrderSide
	Shares     int
	Price      float64
	ExecutedAt time.Time
}

// DataStore is the persistence interface for the order journal.
type DataStore interface {
	RecordGroup(b models.BracketOrder) error
	RecordFill(groupID string, kind models.LegKind, ex gateway.Execution) error

	GetGroup(ctx context.Context, groupID string) (*models.BracketOrder, error)
	GetGroups(ctx context.Context, filter GroupFilter) ([]models.BracketOrder, error)
	GetFills(ctx context.Context, groupID string) ([]Fill, error)

	Close() error
}
