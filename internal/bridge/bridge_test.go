package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ibkr-trader/internal/conn"
	"ibkr-trader/internal/engine"
	"ibkr-trader/internal/gateway"
	"ibkr-trader/internal/gateway/sim"
	"ibkr-trader/internal/marketdata"
	"ibkr-trader/internal/models"
	"ibkr-trader/internal/portfolio"
	"ibkr-trader/internal/watchlist"
)

type bridgeStack struct {
	gw   *sim.Gateway
	cm   *conn.Manager
	feed *marketdata.Feed
}

func newBridgeStack(t *testing.T) *bridgeStack {
	t.Helper()
	gw := sim.New()
	gw.AddSymbol("AAPL", true, 230)
	gw.SetAccountValue(gateway.TagCash, "25000")
	gw.SetAccountValue(gateway.TagNetLiquidation, "31000")

	cm := conn.NewManager(conn.Config{
		Host: "127.0.0.1", Port: 7497, ClientID: 1,
		ReconnectDelay: 10 * time.Millisecond,
	}, gw, zerolog.Nop())
	feed := marketdata.NewFeed(marketdata.DefaultFeedConfig(), cm, zerolog.Nop())
	feed.Start()

	t.Cleanup(func() {
		feed.Close()
		cm.Close()
	})

	// Connecting before the server is built keeps connection events off
	// the output stream, so each input line maps to exactly one response.
	_, err := cm.Connect(context.Background())
	require.NoError(t, err)
	return &bridgeStack{gw: gw, cm: cm, feed: feed}
}

// runBridge feeds the scripted lines through a fresh server and returns one
// decoded response per line.
func runBridge(t *testing.T, st *bridgeStack, lines ...string) []Response {
	t.Helper()
	validator := watchlist.NewValidator(st.cm, time.Second)
	watch := watchlist.New(st.cm, validator, st.feed, zerolog.Nop())
	eng := engine.NewEngine(engine.Config{}, st.cm, nil, nil, zerolog.Nop())
	eng.Start()
	pf := portfolio.NewTracker(portfolio.Config{RefreshInterval: time.Hour}, st.cm, zerolog.Nop())
	t.Cleanup(func() {
		pf.Close()
		eng.Close()
	})
	require.NoError(t, pf.Refresh(context.Background()))

	var out bytes.Buffer
	srv := NewServer(strings.NewReader(strings.Join(lines, "\n")+"\n"), &out,
		st.cm, st.feed, watch, eng, pf, zerolog.Nop())
	require.NoError(t, srv.Run(context.Background()))

	var responses []Response
	for _, raw := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if raw == "" {
			continue
		}
		// Skip pushed events; only requestId-bearing frames answer input.
		var probe map[string]json.RawMessage
		require.NoError(t, json.Unmarshal([]byte(raw), &probe))
		if _, isEvent := probe["event"]; isEvent {
			continue
		}
		var resp Response
		require.NoError(t, json.Unmarshal([]byte(raw), &resp))
		responses = append(responses, resp)
	}
	return responses
}

func TestPing(t *testing.T) {
	st := newBridgeStack(t)
	resps := runBridge(t, st, `{"requestId":"r1","command":"ping"}`)
	require.Len(t, resps, 1)
	assert.Equal(t, "r1", resps[0].RequestID)
	assert.True(t, resps[0].OK)
	data := resps[0].Data.(map[string]interface{})
	assert.Equal(t, string(models.ConnConnected), data["state"])
}

func TestMalformedLine(t *testing.T) {
	st := newBridgeStack(t)
	resps := runBridge(t, st,
		`this is not json`,
		`{"requestId":"r2","command":"ping"}`,
	)
	require.Len(t, resps, 2)

	// A malformed line must not kill the loop; it gets an error response
	// with no echo to key it to, and the next command still runs.
	assert.False(t, resps[0].OK)
	assert.Empty(t, resps[0].RequestID)
	assert.Contains(t, resps[0].Error, "malformed request")

	assert.True(t, resps[1].OK)
	assert.Equal(t, "r2", resps[1].RequestID)
}

func TestUnknownCommand(t *testing.T) {
	st := newBridgeStack(t)
	resps := runBridge(t, st, `{"requestId":"r1","command":"self_destruct"}`)
	require.Len(t, resps, 1)
	assert.False(t, resps[0].OK)
	assert.Contains(t, resps[0].Error, "self_destruct")
}

func TestWatchFlow(t *testing.T) {
	st := newBridgeStack(t)
	resps := runBridge(t, st,
		`{"requestId":"r1","command":"validate_ticker","params":{"symbol":"AAPL"}}`,
		`{"requestId":"r2","command":"watch_ticker","params":{"symbol":"AAPL"}}`,
		`{"requestId":"r3","command":"get_watchlist"}`,
		`{"requestId":"r4","command":"unwatch_ticker","params":{"symbol":"AAPL"}}`,
		`{"requestId":"r5","command":"get_watchlist"}`,
	)
	require.Len(t, resps, 5)
	for i, r := range resps {
		assert.True(t, r.OK, "response %d: %s", i, r.Error)
	}
	assert.Equal(t, []interface{}{"AAPL"}, resps[2].Data)
	assert.Empty(t, resps[4].Data)
}

func TestValidateTicker_Unknown(t *testing.T) {
	st := newBridgeStack(t)
	resps := runBridge(t, st, `{"requestId":"r1","command":"validate_ticker","params":{"symbol":"ZZZZ"}}`)
	require.Len(t, resps, 1)
	assert.False(t, resps[0].OK)
	assert.Contains(t, resps[0].Error, "ZZZZ")
}

func TestGetTickerPrice(t *testing.T) {
	st := newBridgeStack(t)
	st.gw.SetQuote(models.Stock("AAPL"), 229.95, 230.05, 230.00)

	resps := runBridge(t, st,
		`{"requestId":"r1","command":"watch_ticker","params":{"symbol":"AAPL"}}`,
		`{"requestId":"r2","command":"get_ticker_price","params":{"symbol":"AAPL"}}`,
	)
	require.Len(t, resps, 2)
	require.True(t, resps[1].OK, resps[1].Error)
	data := resps[1].Data.(map[string]interface{})
	assert.Equal(t, "AAPL", data["symbol"])
	// The cached quote may not have observed a tick yet; known is
	// reported either way so clients can tell.
	_, ok := data["known"].(bool)
	assert.True(t, ok)
}

func TestGetBalance(t *testing.T) {
	st := newBridgeStack(t)
	resps := runBridge(t, st, `{"requestId":"r1","command":"get_balance"}`)
	require.Len(t, resps, 1)
	require.True(t, resps[0].OK)
	data := resps[0].Data.(map[string]interface{})
	assert.InDelta(t, 25000, data["cash"].(float64), 1e-9)
	assert.InDelta(t, 31000, data["netLiquidation"].(float64), 1e-9)
	assert.Equal(t, false, data["stale"])
}

func TestGetOrders_EmptyJournal(t *testing.T) {
	st := newBridgeStack(t)
	resps := runBridge(t, st, `{"requestId":"r1","command":"get_orders"}`)
	require.Len(t, resps, 1)
	require.True(t, resps[0].OK)
	assert.Empty(t, resps[0].Data)
}

func TestCancelOrder_UnknownGroup(t *testing.T) {
	st := newBridgeStack(t)
	resps := runBridge(t, st, `{"requestId":"r1","command":"cancel_order","params":{"groupId":"nope"}}`)
	require.Len(t, resps, 1)
	assert.False(t, resps[0].OK)
	assert.NotEmpty(t, resps[0].Error)
}

func TestGetOptionChain(t *testing.T) {
	st := newBridgeStack(t)
	st.gw.SetQuote(models.Stock("AAPL"), 229.95, 230.05, 230.00)

	resps := runBridge(t, st, `{"requestId":"r1","command":"get_option_chain","params":{"symbol":"AAPL"}}`)
	require.Len(t, resps, 1)
	require.True(t, resps[0].OK, resps[0].Error)
	data := resps[0].Data.(map[string]interface{})
	assert.Equal(t, "AAPL", data["symbol"])
	assert.InDelta(t, 230.00, data["spot"].(float64), 1e-9)
	assert.NotEmpty(t, data["strikes"])
}
