package cli

import (
	"context"
	"path/filepath"

	"ibkr-trader/internal/config"
	"ibkr-trader/internal/conn"
	"ibkr-trader/internal/engine"
	"ibkr-trader/internal/errors"
	"ibkr-trader/internal/gateway"
	"ibkr-trader/internal/gateway/sim"
	"ibkr-trader/internal/marketdata"
	"ibkr-trader/internal/models"
	"ibkr-trader/internal/portfolio"
	"ibkr-trader/internal/store"
	"ibkr-trader/internal/watchlist"
)

// paperSymbols seeds the simulated gateway so paper mode is usable without
// any market data entitlement.
var paperSymbols = map[string]float64{
	"AAPL": 230.00,
	"MSFT": 415.00,
	"NVDA": 178.00,
	"TSLA": 340.00,
	"SPY":  560.00,
	"AMZN": 185.00,
}

// stack is the assembled runtime: gateway, session, market data, watchlist,
// engine, portfolio, and journal.
type stack struct {
	gw    gateway.Gateway
	cm    *conn.Manager
	feed  *marketdata.Feed
	watch *watchlist.Watchlist
	eng   *engine.Engine
	pf    *portfolio.Tracker
	st    *store.SQLiteStore
}

// buildStack wires the application graph. Paper mode runs against the
// in-process simulator; live mode needs a reachable TWS session.
func (app *App) buildStack() (*stack, error) {
	var gw gateway.Gateway
	if app.Config.IsPaperMode() {
		g := sim.New()
		g.SetAutoFill(true)
		g.SetAccountValue(gateway.TagCash, "100000.00")
		g.SetAccountValue(gateway.TagNetLiquidation, "100000.00")
		for symbol, spot := range paperSymbols {
			g.AddSymbol(symbol, true, spot)
			g.SetQuote(models.Stock(symbol), spot-0.05, spot+0.05, spot)
		}
		gw = g
	} else {
		return nil, errors.Wrap(errors.ErrConfigInvalid,
			"live trading is not enabled in this build; set trading.mode = \"paper\"")
	}

	cm := conn.NewManager(conn.Config{
		Host:              app.Config.Connection.Host,
		Port:              app.Config.Connection.Port,
		ClientID:          app.Config.Connection.ClientID,
		ConnectTimeout:    app.Config.Connection.ConnectTimeout,
		HeartbeatInterval: app.Config.Connection.HeartbeatInterval,
		MaxReconnects:     app.Config.Connection.MaxReconnects,
		ReconnectDelay:    app.Config.Connection.ReconnectDelay,
	}, gw, app.Logger)

	feed := marketdata.NewFeed(marketdata.DefaultFeedConfig(), cm, app.Logger)
	feed.Start()

	validator := watchlist.NewValidator(cm, watchlist.DefaultValidationTimeout)
	watch := watchlist.New(cm, validator, feed, app.Logger)

	// The feed drops subscriptions on disconnect; tracked tickers get
	// their quote streams back once the session returns.
	cm.OnStateChange(func(s models.ConnState) {
		if s != models.ConnConnected {
			return
		}
		if err := watch.Resubscribe(); err != nil {
			app.Logger.Warn().Err(err).Msg("Watchlist resubscription failed")
		}
	})

	st, err := store.NewSQLiteStore(filepath.Join(config.DefaultConfigDir(), "trader.db"))
	if err != nil {
		app.Logger.Warn().Err(err).Msg("Order journal unavailable")
		st = nil
	}

	var journal engine.Journal
	if st != nil {
		journal = st
	}
	eng := engine.NewEngine(engine.Config{}, cm, nil, journal, app.Logger)
	eng.Start()

	pf := portfolio.NewTracker(portfolio.Config{
		RefreshInterval: app.Config.Portfolio.RefreshInterval,
		StaleAfter:      app.Config.Portfolio.StaleAfter,
	}, cm, app.Logger)
	pf.Start()

	return &stack{gw: gw, cm: cm, feed: feed, watch: watch, eng: eng, pf: pf, st: st}, nil
}

// connect dials the broker session.
func (s *stack) connect(ctx context.Context) error {
	_, err := s.cm.Connect(ctx)
	return err
}

// close tears the stack down in dependency order.
func (s *stack) close() {
	s.pf.Close()
	s.eng.Close()
	s.feed.Close()
	s.cm.Close()
	if s.st != nil {
		s.st.Close()
	}
}
