package cli

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ibkr-trader/internal/config"
	"ibkr-trader/internal/gateway/sim"
	"ibkr-trader/internal/models"
)

func newTestStack(t *testing.T) *stack {
	t.Helper()
	t.Setenv("HOME", t.TempDir())

	cfg, err := config.Load(t.TempDir())
	require.NoError(t, err)
	cfg.Connection.ReconnectDelay = 10 * time.Millisecond
	cfg.Connection.MaxReconnects = 5

	app := &App{Config: cfg, Logger: zerolog.Nop()}
	s, err := app.buildStack()
	require.NoError(t, err)
	t.Cleanup(s.close)

	require.NoError(t, s.connect(context.Background()))
	return s
}

func TestStack_PaperModeWiring(t *testing.T) {
	s := newTestStack(t)

	require.NoError(t, s.watch.Add(context.Background(), "AAPL"))
	assert.Contains(t, s.watch.Symbols(), "AAPL")

	gw := s.gw.(*sim.Gateway)
	assert.True(t, gw.Subscribed(models.Stock("AAPL")))
}

func TestStack_WatchlistSurvivesReconnect(t *testing.T) {
	s := newTestStack(t)
	gw := s.gw.(*sim.Gateway)

	require.NoError(t, s.watch.Add(context.Background(), "AAPL"))
	require.True(t, gw.Subscribed(models.Stock("AAPL")))

	gw.DropConnection()

	// The session heals on its own and the quote stream for every tracked
	// ticker comes back without user action.
	require.Eventually(t, func() bool {
		return s.cm.State() == models.ConnConnected && gw.Subscribed(models.Stock("AAPL"))
	}, 5*time.Second, 10*time.Millisecond, "subscription not reissued after reconnect")
	assert.Contains(t, s.watch.Symbols(), "AAPL")
}
