package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ibkr-trader/internal/errors"
	"ibkr-trader/internal/gateway"
	"ibkr-trader/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func pct(v float64) *float64 { return &v }

func sampleGroup(id string) models.BracketOrder {
	created := time.Date(2026, 3, 10, 14, 31, 0, 0, time.UTC)
	return models.BracketOrder{
		GroupID:  id,
		OCAGroup: "oca-" + id,
		Contract: models.Option("AAPL", "20260320", 230, models.RightCall),
		Risk:     models.RiskProfile{StopLossPct: pct(20), TakeProfitPct: pct(30)},
		Entry: &models.OrderLeg{
			Kind: models.LegEntry, Side: models.OrderSideBuy, Type: models.OrderTypeMarket,
			Quantity: 10, BrokerID: 101, Status: models.LegFilled,
			FilledQty: 10, FillPrice: 3.00, UpdatedAt: created,
		},
		Stop: &models.OrderLeg{
			Kind: models.LegStopLoss, Side: models.OrderSideSell, Type: models.OrderTypeStop,
			Quantity: 10, StopPrice: 2.40, BrokerID: 102, Status: models.LegSubmitted,
			UpdatedAt: created,
		},
		Take: &models.OrderLeg{
			Kind: models.LegTakeProfit, Side: models.OrderSideSell, Type: models.OrderTypeLimit,
			Quantity: 10, LimitPrice: 3.90, BrokerID: 103, Status: models.LegSubmitted,
			UpdatedAt: created,
		},
		Status:    models.GroupBracketActive,
		CreatedAt: created,
	}
}

func TestRecordGroup_Roundtrip(t *testing.T) {
	s := newTestStore(t)
	want := sampleGroup("g1")
	require.NoError(t, s.RecordGroup(want))

	got, err := s.GetGroup(context.Background(), "g1")
	require.NoError(t, err)

	assert.Equal(t, want.GroupID, got.GroupID)
	assert.Equal(t, want.OCAGroup, got.OCAGroup)
	assert.Equal(t, want.Status, got.Status)
	assert.Equal(t, "AAPL", got.Contract.Symbol)
	assert.Equal(t, models.SecTypeOption, got.Contract.SecType)
	assert.Equal(t, "20260320", got.Contract.Expiry)
	assert.InDelta(t, 230, got.Contract.Strike, 1e-9)
	assert.Equal(t, models.RightCall, got.Contract.Right)
	assert.Equal(t, 100, got.Contract.Multiplier)

	require.NotNil(t, got.Risk.StopLossPct)
	assert.InDelta(t, 20, *got.Risk.StopLossPct, 1e-9)
	require.NotNil(t, got.Risk.TakeProfitPct)
	assert.InDelta(t, 30, *got.Risk.TakeProfitPct, 1e-9)

	require.NotNil(t, got.Entry)
	assert.Equal(t, models.LegFilled, got.Entry.Status)
	assert.InDelta(t, 3.00, got.Entry.FillPrice, 1e-9)
	require.NotNil(t, got.Stop)
	assert.Equal(t, models.OrderTypeStop, got.Stop.Type)
	assert.InDelta(t, 2.40, got.Stop.StopPrice, 1e-9)
	require.NotNil(t, got.Take)
	assert.Equal(t, models.OrderTypeLimit, got.Take.Type)
	assert.InDelta(t, 3.90, got.Take.LimitPrice, 1e-9)
}

func TestRecordGroup_UpsertTransition(t *testing.T) {
	s := newTestStore(t)
	b := sampleGroup("g1")
	b.Status = models.GroupAwaitingEntry
	b.Entry.Status = models.LegSubmitted
	b.Entry.FilledQty = 0
	b.Entry.FillPrice = 0
	b.Stop = nil
	b.Take = nil
	require.NoError(t, s.RecordGroup(b))

	// The second write carries the filled entry and the risk legs; the
	// group row and the entry leg must update in place.
	b = sampleGroup("g1")
	b.Status = models.GroupClosed
	b.ClosedAt = time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	b.Take.Status = models.LegFilled
	b.Take.FilledQty = 10
	b.Take.FillPrice = 3.90
	b.Stop.Status = models.LegCancelled
	require.NoError(t, s.RecordGroup(b))

	got, err := s.GetGroup(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, models.GroupClosed, got.Status)
	assert.False(t, got.ClosedAt.IsZero())
	assert.Equal(t, models.LegFilled, got.Entry.Status)
	assert.Equal(t, models.LegFilled, got.Take.Status)
	assert.Equal(t, models.LegCancelled, got.Stop.Status)

	groups, err := s.GetGroups(context.Background(), GroupFilter{})
	require.NoError(t, err)
	assert.Len(t, groups, 1, "an upsert must not duplicate the group")
}

func TestGetGroup_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetGroup(context.Background(), "missing")
	assert.ErrorIs(t, err, errors.ErrOrderNotFound)
}

func TestGetGroups_Filters(t *testing.T) {
	s := newTestStore(t)

	a := sampleGroup("g1")
	a.CreatedAt = time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.RecordGroup(a))

	b := sampleGroup("g2")
	b.Contract = models.Option("MSFT", "20260320", 415, models.RightPut)
	b.Status = models.GroupClosed
	b.CreatedAt = time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.RecordGroup(b))

	c := sampleGroup("g3")
	c.CreatedAt = time.Date(2026, 3, 11, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.RecordGroup(c))

	bySymbol, err := s.GetGroups(context.Background(), GroupFilter{Symbol: "MSFT"})
	require.NoError(t, err)
	require.Len(t, bySymbol, 1)
	assert.Equal(t, "g2", bySymbol[0].GroupID)
	assert.Equal(t, models.RightPut, bySymbol[0].Contract.Right)

	byStatus, err := s.GetGroups(context.Background(), GroupFilter{Status: models.GroupBracketActive})
	require.NoError(t, err)
	assert.Len(t, byStatus, 2)

	since, err := s.GetGroups(context.Background(), GroupFilter{
		Since: time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Len(t, since, 2)

	limited, err := s.GetGroups(context.Background(), GroupFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, limited, 2)
	// Newest first.
	assert.Equal(t, "g3", limited[0].GroupID)
	assert.Equal(t, "g2", limited[1].GroupID)
}

func TestRecordFill_Roundtrip(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.RecordGroup(sampleGroup("g1")))

	first := gateway.Execution{
		OrderID: 101, Symbol: "AAPL 20260320 230C", Side: models.OrderSideBuy,
		Shares: 10, Price: 3.00, Time: time.Date(2026, 3, 10, 14, 31, 5, 0, time.UTC),
	}
	second := gateway.Execution{
		OrderID: 103, Symbol: "AAPL 20260320 230C", Side: models.OrderSideSell,
		Shares: 10, Price: 3.90, Time: time.Date(2026, 3, 10, 14, 55, 0, 0, time.UTC),
	}
	require.NoError(t, s.RecordFill("g1", models.LegEntry, first))
	require.NoError(t, s.RecordFill("g1", models.LegTakeProfit, second))

	fills, err := s.GetFills(context.Background(), "g1")
	require.NoError(t, err)
	require.Len(t, fills, 2)

	// Oldest first.
	assert.Equal(t, models.LegEntry, fills[0].Kind)
	assert.Equal(t, int64(101), fills[0].BrokerID)
	assert.Equal(t, models.OrderSideBuy, fills[0].Side)
	assert.Equal(t, 10, fills[0].Shares)
	assert.InDelta(t, 3.00, fills[0].Price, 1e-9)

	assert.Equal(t, models.LegTakeProfit, fills[1].Kind)
	assert.InDelta(t, 3.90, fills[1].Price, 1e-9)

	other, err := s.GetFills(context.Background(), "g2")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestRecordGroup_StockWithoutRiskLegs(t *testing.T) {
	s := newTestStore(t)
	b := models.BracketOrder{
		GroupID:  "g1",
		Contract: models.Stock("SPY"),
		Entry: &models.OrderLeg{
			Kind: models.LegEntry, Side: models.OrderSideBuy, Type: models.OrderTypeLimit,
			Quantity: 5, LimitPrice: 560.50, Status: models.LegSubmitted,
		},
		Status:    models.GroupAwaitingEntry,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.RecordGroup(b))

	got, err := s.GetGroup(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, models.SecTypeStock, got.Contract.SecType)
	assert.Zero(t, got.Contract.Multiplier)
	assert.Nil(t, got.Risk.StopLossPct)
	assert.Nil(t, got.Risk.TakeProfitPct)
	assert.Nil(t, got.Stop)
	assert.Nil(t, got.Take)
	require.NotNil(t, got.Entry)
	assert.InDelta(t, 560.50, got.Entry.LimitPrice, 1e-9)
}
