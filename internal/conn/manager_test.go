package conn

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ibkr-trader/internal/errors"
	"ibkr-trader/internal/gateway/sim"
	"ibkr-trader/internal/models"
)

func newTestManager(t *testing.T, cfg Config) (*Manager, *sim.Gateway) {
	t.Helper()
	gw := sim.New()
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 7497
	}
	if cfg.ClientID == 0 {
		cfg.ClientID = 1
	}
	m := NewManager(cfg, gw, zerolog.Nop())
	t.Cleanup(func() { m.Close() })
	return m, gw
}

func waitForState(t *testing.T, m *Manager, want models.ConnState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return m.State() == want
	}, 5*time.Second, 10*time.Millisecond, "state never reached %s", want)
}

func TestConnect(t *testing.T) {
	m, _ := newTestManager(t, Config{})

	state, err := m.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.ConnConnected, state)
	assert.True(t, m.IsConnected())

	sess := m.Session()
	assert.Equal(t, "127.0.0.1", sess.Host)
	assert.Equal(t, models.ConnConnected, sess.State)
}

func TestConnect_AuthRejected(t *testing.T) {
	gw := sim.New()
	other := NewManager(Config{Host: "127.0.0.1", Port: 7497, ClientID: 7}, gw, zerolog.Nop())
	defer other.Close()
	_, err := other.Connect(context.Background())
	require.NoError(t, err)

	// Same client id against the same gateway is refused and fatal.
	m := NewManager(Config{Host: "127.0.0.1", Port: 7497, ClientID: 7}, gw, zerolog.Nop())
	defer m.Close()
	state, err := m.Connect(context.Background())
	assert.ErrorIs(t, err, errors.ErrAuthRejected)
	assert.Equal(t, models.ConnFailed, state)
}

func TestConnect_Timeout(t *testing.T) {
	m, gw := newTestManager(t, Config{ConnectTimeout: 50 * time.Millisecond})
	gw.SetDialDelay(time.Second)

	_, err := m.Connect(context.Background())
	assert.ErrorIs(t, err, errors.ErrTimeout)
	assert.Equal(t, models.ConnDisconnected, m.State())
}

func TestConnect_AlreadyConnectedIsNoOp(t *testing.T) {
	m, _ := newTestManager(t, Config{})

	_, err := m.Connect(context.Background())
	require.NoError(t, err)

	state, err := m.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.ConnConnected, state)
}

func TestConnect_ConcurrentCallsSingleSession(t *testing.T) {
	m, _ := newTestManager(t, Config{})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Connect(context.Background())
		}()
	}
	wg.Wait()
	assert.Equal(t, models.ConnConnected, m.State())
}

func TestDisconnect(t *testing.T) {
	m, _ := newTestManager(t, Config{})

	_, err := m.Connect(context.Background())
	require.NoError(t, err)
	require.NoError(t, m.Disconnect())
	assert.Equal(t, models.ConnDisconnected, m.State())
}

func TestReconnect_AfterSocketLoss(t *testing.T) {
	m, gw := newTestManager(t, Config{
		ReconnectDelay: 10 * time.Millisecond,
		MaxReconnects:  5,
	})

	_, err := m.Connect(context.Background())
	require.NoError(t, err)

	var transitions []models.ConnState
	var mu sync.Mutex
	m.OnStateChange(func(s models.ConnState) {
		mu.Lock()
		transitions = append(transitions, s)
		mu.Unlock()
	})

	gw.DropConnection()
	waitForState(t, m, models.ConnConnected)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, transitions, models.ConnReconnecting)
	assert.Equal(t, models.ConnConnected, transitions[len(transitions)-1])
}

func TestReconnect_ExhaustionEndsFailed(t *testing.T) {
	m, gw := newTestManager(t, Config{
		ReconnectDelay: 5 * time.Millisecond,
		MaxReconnects:  3,
	})

	_, err := m.Connect(context.Background())
	require.NoError(t, err)

	gw.SetDialError(errors.ErrConnection)
	gw.DropConnection()

	waitForState(t, m, models.ConnFailed)
}

func TestHeartbeat_FailureTriggersReconnect(t *testing.T) {
	m, gw := newTestManager(t, Config{
		HeartbeatInterval: 20 * time.Millisecond,
		ReconnectDelay:    10 * time.Millisecond,
		MaxReconnects:     5,
	})

	_, err := m.Connect(context.Background())
	require.NoError(t, err)

	gw.SetPingError(errors.ErrConnection)
	waitForState(t, m, models.ConnReconnecting)

	gw.SetPingError(nil)
	waitForState(t, m, models.ConnConnected)
}

func TestClose_StopsBackgroundWork(t *testing.T) {
	m, gw := newTestManager(t, Config{
		ReconnectDelay: 10 * time.Millisecond,
		MaxReconnects:  100,
	})

	_, err := m.Connect(context.Background())
	require.NoError(t, err)

	gw.SetDialError(errors.ErrConnection)
	gw.DropConnection()
	waitForState(t, m, models.ConnReconnecting)

	// Close must return promptly with the reconnect loop abandoned.
	done := make(chan struct{})
	go func() {
		m.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not stop the reconnect loop")
	}
}
