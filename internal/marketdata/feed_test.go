package marketdata

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ibkr-trader/internal/conn"
	"ibkr-trader/internal/errors"
	"ibkr-trader/internal/gateway/sim"
	"ibkr-trader/internal/models"
)

func newTestFeed(t *testing.T) (*Feed, *sim.Gateway) {
	t.Helper()
	gw := sim.New()
	gw.AddSymbol("AAPL", true, 230)
	cm := conn.NewManager(conn.Config{
		Host: "127.0.0.1", Port: 7497, ClientID: 1,
		ReconnectDelay: 10 * time.Millisecond,
	}, gw, zerolog.Nop())

	f := NewFeed(DefaultFeedConfig(), cm, zerolog.Nop())
	f.Start()
	t.Cleanup(func() {
		f.Close()
		cm.Close()
	})

	_, err := cm.Connect(context.Background())
	require.NoError(t, err)
	return f, gw
}

func TestQuote_UnknownUntilFirstTick(t *testing.T) {
	f, gw := newTestFeed(t)
	aapl := models.Stock("AAPL")

	require.NoError(t, f.Subscribe(aapl))

	q, err := f.Quote("AAPL")
	require.NoError(t, err)
	assert.False(t, q.Known, "quote must be explicitly unknown before any tick")
	assert.Zero(t, q.MarketPrice())

	gw.SetQuote(aapl, 229.95, 230.05, 230.00)

	require.Eventually(t, func() bool {
		q, err := f.Quote("AAPL")
		return err == nil && q.Known
	}, 2*time.Second, 10*time.Millisecond)

	q, _ = f.Quote("AAPL")
	assert.InDelta(t, 230.00, q.Last, 1e-9)
	assert.InDelta(t, 229.95, q.Bid, 1e-9)
}

func TestQuote_NotSubscribed(t *testing.T) {
	f, _ := newTestFeed(t)

	_, err := f.Quote("TSLA")
	assert.ErrorIs(t, err, errors.ErrNoQuote)
}

func TestSubscribe_RequiresConnection(t *testing.T) {
	gw := sim.New()
	cm := conn.NewManager(conn.Config{Host: "127.0.0.1", Port: 7497, ClientID: 1}, gw, zerolog.Nop())
	defer cm.Close()
	f := NewFeed(DefaultFeedConfig(), cm, zerolog.Nop())
	defer f.Close()

	err := f.Subscribe(models.Stock("AAPL"))
	assert.ErrorIs(t, err, errors.ErrNotConnected)
}

func TestSubscriptionsDroppedOnDisconnect(t *testing.T) {
	f, gw := newTestFeed(t)
	aapl := models.Stock("AAPL")

	require.NoError(t, f.Subscribe(aapl))
	require.Len(t, f.Subscriptions(), 1)

	gw.DropConnection()

	// Bookkeeping is discarded; the quote reads as unsubscribed rather
	// than serving stale prices.
	require.Eventually(t, func() bool {
		return len(f.Subscriptions()) == 0
	}, 2*time.Second, 10*time.Millisecond)

	_, err := f.Quote("AAPL")
	assert.ErrorIs(t, err, errors.ErrNoQuote)
}

func TestUnsubscribe(t *testing.T) {
	f, gw := newTestFeed(t)
	aapl := models.Stock("AAPL")

	require.NoError(t, f.Subscribe(aapl))
	assert.True(t, gw.Subscribed(aapl))

	require.NoError(t, f.Unsubscribe(aapl))
	assert.False(t, gw.Subscribed(aapl))
	_, err := f.Quote("AAPL")
	assert.ErrorIs(t, err, errors.ErrNoQuote)

	// Unsubscribing twice is harmless.
	assert.NoError(t, f.Unsubscribe(aapl))
}

func TestRegisterConsumer(t *testing.T) {
	f, gw := newTestFeed(t)
	aapl := models.Stock("AAPL")

	got := make(chan models.Quote, 8)
	f.RegisterConsumer(func(q models.Quote) {
		got <- q
	})

	require.NoError(t, f.Subscribe(aapl))
	gw.SetQuote(aapl, 229.95, 230.05, 230.00)

	select {
	case q := <-got:
		assert.Equal(t, "AAPL", q.Symbol)
		assert.True(t, q.Known)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer never received the quote")
	}
}
