// Package bridge exposes the trading engine over newline-delimited JSON on
// stdin/stdout. Each request carries a requestId echoed on its response;
// unsolicited events (order updates, connection state, account refreshes)
// are pushed on the same stream. Logs go to stderr so stdout stays a pure
// protocol channel.
package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"ibkr-trader/internal/conn"
	"ibkr-trader/internal/engine"
	"ibkr-trader/internal/errors"
	"ibkr-trader/internal/marketdata"
	"ibkr-trader/internal/models"
	"ibkr-trader/internal/portfolio"
	"ibkr-trader/internal/watchlist"
)

// Request is one inbound command line.
type Request struct {
	RequestID string          `json:"requestId"`
	Command   string          `json:"command"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// Response answers one Request.
type Response struct {
	RequestID string      `json:"requestId,omitempty"`
	OK        bool        `json:"ok"`
	Error     string      `json:"error,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

// Event is an unsolicited push message.
type Event struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// Server runs the command loop.
type Server struct {
	in     io.Reader
	out    io.Writer
	outMu  sync.Mutex
	logger zerolog.Logger

	cm    *conn.Manager
	feed  *marketdata.Feed
	watch *watchlist.Watchlist
	eng   *engine.Engine
	pf    *portfolio.Tracker
}

// NewServer wires a bridge over the given streams.
func NewServer(in io.Reader, out io.Writer, cm *conn.Manager, feed *marketdata.Feed,
	watch *watchlist.Watchlist, eng *engine.Engine, pf *portfolio.Tracker, logger zerolog.Logger) *Server {
	s := &Server{
		in:     in,
		out:    out,
		logger: logger.With().Str("component", "bridge").Logger(),
		cm:     cm,
		feed:   feed,
		watch:  watch,
		eng:    eng,
		pf:     pf,
	}
	eng.OnOrderUpdate(func(b models.BracketOrder) {
		s.emit("order_update", orderView(b))
	})
	cm.OnStateChange(func(state models.ConnState) {
		s.emit("connection", map[string]string{"state": string(state)})
	})
	pf.OnUpdate(func(snap models.AccountSnapshot) {
		s.emit("account", accountView(snap))
	})
	return s
}

// Run reads commands until the input stream closes or the context ends.
func (s *Server) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var req Request
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			s.write(Response{OK: false, Error: "malformed request: " + err.Error()})
			continue
		}
		s.write(s.handle(ctx, req))
	}
	return scanner.Err()
}

func (s *Server) handle(ctx context.Context, req Request) Response {
	data, err := s.dispatch(ctx, req)
	if err != nil {
		s.logger.Warn().Err(err).Str("command", req.Command).Msg("Command failed")
		return Response{RequestID: req.RequestID, OK: false, Error: err.Error()}
	}
	return Response{RequestID: req.RequestID, OK: true, Data: data}
}

func (s *Server) dispatch(ctx context.Context, req Request) (interface{}, error) {
	switch req.Command {
	case "ping":
		return map[string]string{"state": string(s.cm.State())}, nil
	case "connect":
		state, err := s.cm.Connect(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]string{"state": string(state)}, nil
	case "place_order":
		return s.placeOrder(ctx, req.Params)
	case "cancel_order":
		return s.cancelOrder(ctx, req.Params)
	case "get_orders":
		return s.getOrders()
	case "get_positions":
		return s.getPositions()
	case "get_balance":
		return s.getBalance()
	case "get_daily_pnl":
		return s.getDailyPnL()
	case "get_ticker_price":
		return s.getTickerPrice(req.Params)
	case "validate_ticker":
		return s.validateTicker(ctx, req.Params)
	case "watch_ticker":
		return s.watchTicker(ctx, req.Params)
	case "unwatch_ticker":
		return s.unwatchTicker(req.Params)
	case "get_watchlist":
		return s.watch.Symbols(), nil
	case "get_option_chain":
		return s.getOptionChain(ctx, req.Params)
	case "close_position":
		return s.closePosition(ctx, req.Params)
	case "close_all_positions":
		return s.closeAllPositions(ctx)
	default:
		return nil, errors.Wrapf(errors.ErrConfigInvalid, "unknown command %q", req.Command)
	}
}

type placeOrderParams struct {
	Symbol        string   `json:"symbol"`
	Expiry        string   `json:"expiry,omitempty"`
	Strike        float64  `json:"strike,omitempty"`
	Right         string   `json:"right,omitempty"`
	Side          string   `json:"side"`
	Quantity      int      `json:"quantity"`
	LimitPrice    float64  `json:"limitPrice,omitempty"`
	StopLossPct   *float64 `json:"stopLossPct,omitempty"`
	TakeProfitPct *float64 `json:"takeProfitPct,omitempty"`
}

func (s *Server) placeOrder(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p placeOrderParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errors.Wrap(err, "place_order params")
	}

	var contract models.Contract
	if p.Expiry != "" {
		contract = models.Option(p.Symbol, p.Expiry, p.Strike, models.OptionRight(p.Right))
	} else {
		contract = models.Stock(p.Symbol)
	}

	side := models.OrderSideBuy
	if strings.EqualFold(p.Side, "sell") {
		side = models.OrderSideSell
	}

	b, err := s.eng.PlaceBracketOrder(ctx, engine.PlaceRequest{
		Contract:   contract,
		Side:       side,
		Quantity:   p.Quantity,
		LimitPrice: p.LimitPrice,
		Risk: models.RiskProfile{
			StopLossPct:   p.StopLossPct,
			TakeProfitPct: p.TakeProfitPct,
		},
	})
	if err != nil {
		return nil, err
	}
	return orderView(b), nil
}

type groupParams struct {
	GroupID string `json:"groupId"`
}

func (s *Server) cancelOrder(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p groupParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errors.Wrap(err, "cancel_order params")
	}
	if err := s.eng.CancelGroup(ctx, p.GroupID); err != nil {
		return nil, err
	}
	b, err := s.eng.Order(p.GroupID)
	if err != nil {
		return nil, err
	}
	return orderView(b), nil
}

func (s *Server) getOrders() (interface{}, error) {
	orders := s.eng.Orders()
	out := make([]map[string]interface{}, len(orders))
	for i, b := range orders {
		out[i] = orderView(b)
	}
	return out, nil
}

func (s *Server) getPositions() (interface{}, error) {
	snap := s.pf.Snapshot()
	out := make([]map[string]interface{}, len(snap.Positions))
	for i, p := range snap.Positions {
		out[i] = map[string]interface{}{
			"symbol":        p.Contract.LocalSymbol(),
			"secType":       string(p.Contract.SecType),
			"quantity":      p.Quantity,
			"avgCost":       p.AvgCost,
			"marketValue":   p.MarketValue,
			"unrealizedPnl": p.UnrealizedPnL,
		}
	}
	return map[string]interface{}{"positions": out, "stale": snap.Stale}, nil
}

func (s *Server) getBalance() (interface{}, error) {
	snap := s.pf.Snapshot()
	return map[string]interface{}{
		"cash":           snap.Cash,
		"netLiquidation": snap.NetLiquidation,
		"stale":          snap.Stale,
	}, nil
}

func (s *Server) getDailyPnL() (interface{}, error) {
	snap := s.pf.Snapshot()
	return map[string]interface{}{
		"dailyPnl":      snap.DailyPnL,
		"realizedPnl":   snap.RealizedPnL,
		"unrealizedPnl": snap.UnrealizedPnL,
		"stale":         snap.Stale,
	}, nil
}

type symbolParams struct {
	Symbol string `json:"symbol"`
}

func (s *Server) getTickerPrice(raw json.RawMessage) (interface{}, error) {
	var p symbolParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errors.Wrap(err, "get_ticker_price params")
	}
	q, err := s.feed.Quote(p.Symbol)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"symbol": q.Symbol,
		"known":  q.Known,
		"bid":    q.Bid,
		"ask":    q.Ask,
		"last":   q.Last,
		"price":  q.MarketPrice(),
	}, nil
}

func (s *Server) validateTicker(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p symbolParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errors.Wrap(err, "validate_ticker params")
	}
	if err := s.watch.Validate(ctx, p.Symbol); err != nil {
		return nil, err
	}
	return map[string]interface{}{"symbol": strings.ToUpper(p.Symbol), "valid": true}, nil
}

func (s *Server) watchTicker(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p symbolParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errors.Wrap(err, "watch_ticker params")
	}
	if err := s.watch.Add(ctx, p.Symbol); err != nil {
		return nil, err
	}
	return s.watch.Symbols(), nil
}

func (s *Server) unwatchTicker(raw json.RawMessage) (interface{}, error) {
	var p symbolParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errors.Wrap(err, "unwatch_ticker params")
	}
	if err := s.watch.Remove(p.Symbol); err != nil {
		return nil, err
	}
	return s.watch.Symbols(), nil
}

func (s *Server) getOptionChain(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p symbolParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errors.Wrap(err, "get_option_chain params")
	}
	chain, err := s.watch.OptionChain(ctx, p.Symbol)
	if err != nil {
		return nil, err
	}
	return chainView(chain), nil
}

func (s *Server) closePosition(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p symbolParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errors.Wrap(err, "close_position params")
	}
	if err := s.eng.ClosePosition(ctx, p.Symbol); err != nil {
		return nil, err
	}
	return map[string]string{"symbol": p.Symbol, "status": "closing"}, nil
}

func (s *Server) closeAllPositions(ctx context.Context) (interface{}, error) {
	n, err := s.eng.CloseAllPositions(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]int{"closed": n}, nil
}

func (s *Server) emit(event string, data interface{}) {
	s.write(Event{Event: event, Data: data})
}

// write serializes one message. The mutex keeps concurrent event pushes and
// responses from interleaving bytes on stdout.
func (s *Server) write(msg interface{}) {
	payload, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error().Err(err).Msg("Marshal failed")
		return
	}
	s.outMu.Lock()
	defer s.outMu.Unlock()
	s.out.Write(payload)
	s.out.Write([]byte("\n"))
}

func orderView(b models.BracketOrder) map[string]interface{} {
	legs := make([]map[string]interface{}, 0, 3)
	for _, leg := range b.Legs() {
		legs = append(legs, map[string]interface{}{
			"kind":       string(leg.Kind),
			"side":       string(leg.Side),
			"type":       string(leg.Type),
			"quantity":   leg.Quantity,
			"limitPrice": leg.LimitPrice,
			"stopPrice":  leg.StopPrice,
			"brokerId":   leg.BrokerID,
			"status":     string(leg.Status),
			"filledQty":  leg.FilledQty,
			"fillPrice":  leg.FillPrice,
			"reason":     leg.Reason,
		})
	}
	return map[string]interface{}{
		"groupId":  b.GroupID,
		"ocaGroup": b.OCAGroup,
		"symbol":   b.Contract.LocalSymbol(),
		"status":   string(b.Status),
		"legs":     legs,
	}
}

func accountView(snap models.AccountSnapshot) map[string]interface{} {
	return map[string]interface{}{
		"cash":           snap.Cash,
		"netLiquidation": snap.NetLiquidation,
		"dailyPnl":       snap.DailyPnL,
		"positions":      len(snap.Positions),
		"stale":          snap.Stale,
	}
}

func chainView(chain *models.OptionChain) map[string]interface{} {
	strikes := make([]map[string]interface{}, len(chain.Strikes))
	for i, row := range chain.Strikes {
		entry := map[string]interface{}{"strike": row.Strike}
		if row.Call != nil {
			entry["call"] = quoteView(row.Call)
		}
		if row.Put != nil {
			entry["put"] = quoteView(row.Put)
		}
		strikes[i] = entry
	}
	return map[string]interface{}{
		"symbol":  chain.Symbol,
		"spot":    chain.SpotPrice,
		"expiry":  chain.Expiry,
		"strikes": strikes,
	}
}

func quoteView(q *models.OptionQuote) map[string]interface{} {
	return map[string]interface{}{
		"bid":    q.Bid,
		"ask":    q.Ask,
		"last":   q.Last,
		"volume": q.Volume,
	}
}
