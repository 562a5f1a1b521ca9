package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"ibkr-trader/internal/errors"
	"ibkr-trader/internal/gateway"
	"ibkr-trader/internal/models"
)

// SQLiteStore implements DataStore using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ DataStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the journal database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS order_groups (
		id TEXT PRIMARY KEY,
		oca_group TEXT,
		symbol TEXT NOT NULL,
		sec_type TEXT NOT NULL,
		expiry TEXT,
		strike REAL,
		opt_right TEXT,
		status TEXT NOT NULL,
		stop_loss_pct REAL,
		take_profit_pct REAL,
		created_at DATETIME NOT NULL,
		closed_at DATETIME,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS order_legs (
		group_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		side TEXT NOT NULL,
		order_type TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		limit_price REAL,
		stop_price REAL,
		broker_id INTEGER,
		status TEXT NOT NULL,
		filled_qty INTEGER DEFAULT 0,
		fill_price REAL DEFAULT 0,
		reason TEXT,
		updated_at DATETIME,
		PRIMARY KEY (group_id, kind),
		FOREIGN KEY (group_id) REFERENCES order_groups(id)
	);

	CREATE TABLE IF NOT EXISTS fills (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		group_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		broker_id INTEGER NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		shares INTEGER NOT NULL,
		price REAL NOT NULL,
		executed_at DATETIME NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_groups_symbol ON order_groups(symbol);
	CREATE INDEX IF NOT EXISTS idx_groups_status ON order_groups(status);
	CREATE INDEX IF NOT EXISTS idx_fills_group ON fills(group_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// RecordGroup upserts a bracket group and its legs in one transaction.
func (s *SQLiteStore) RecordGroup(b models.BracketOrder) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var closedAt interface{}
	if !b.ClosedAt.IsZero() {
		closedAt = b.ClosedAt
	}
	_, err = tx.Exec(`
		INSERT INTO order_groups (id, oca_group, symbol, sec_type, expiry, strike, opt_right,
			status, stop_loss_pct, take_profit_pct, created_at, closed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			closed_at = excluded.closed_at,
			updated_at = CURRENT_TIMESTAMP`,
		b.GroupID, b.OCAGroup, b.Contract.Symbol, string(b.Contract.SecType),
		b.Contract.Expiry, b.Contract.Strike, string(b.Contract.Right),
		string(b.Status), b.Risk.StopLossPct, b.Risk.TakeProfitPct,
		b.CreatedAt, closedAt)
	if err != nil {
		return err
	}

	for _, leg := range b.Legs() {
		_, err = tx.Exec(`
			INSERT INTO order_legs (group_id, kind, side, order_type, quantity,
				limit_price, stop_price, broker_id, status, filled_qty, fill_price, reason, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(group_id, kind) DO UPDATE SET
				broker_id = excluded.broker_id,
				status = excluded.status,
				filled_qty = excluded.filled_qty,
				fill_price = excluded.fill_price,
				reason = excluded.reason,
				updated_at = excluded.updated_at`,
			b.GroupID, string(leg.Kind), string(leg.Side), string(leg.Type), leg.Quantity,
			leg.LimitPrice, leg.StopPrice, leg.BrokerID, string(leg.Status),
			leg.FilledQty, leg.FillPrice, leg.Reason, leg.UpdatedAt)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// RecordFill appends one execution record.
func (s *SQLiteStore) RecordFill(groupID string, kind models.LegKind, ex gateway.Execution) error {
	_, err := s.db.Exec(`
		INSERT INTO fills (group_id, kind, broker_id, symbol, side, shares, price, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		groupID, string(kind), ex.OrderID, ex.Symbol, string(ex.Side), ex.Shares, ex.Price, ex.Time)
	return err
}

// GetGroup loads one bracket group with its legs.
func (s *SQLiteStore) GetGroup(ctx context.Context, groupID string) (*models.BracketOrder, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, oca_group, symbol, sec_type, expiry, strike, opt_right,
			status, stop_loss_pct, take_profit_pct, created_at, closed_at
		FROM order_groups WHERE id = ?`, groupID)

	b, err := scanGroup(row)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrOrderNotFound, "group %s", groupID)
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadLegs(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

// GetGroups lists journaled groups, newest first.
func (s *SQLiteStore) GetGroups(ctx context.Context, filter GroupFilter) ([]models.BracketOrder, error) {
	query := `
		SELECT id, oca_group, symbol, sec_type, expiry, strike, opt_right,
			status, stop_loss_pct, take_profit_pct, created_at, closed_at
		FROM order_groups WHERE 1=1`
	var args []interface{}

	if filter.Symbol != "" {
		query += " AND symbol = ?"
		args = append(args, filter.Symbol)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if !filter.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, filter.Since)
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.BracketOrder
	for rows.Next() {
		b, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		if err := s.loadLegs(ctx, b); err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// GetFills lists executions for one group, oldest first.
func (s *SQLiteStore) GetFills(ctx context.Context, groupID string) ([]Fill, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, group_id, kind, broker_id, symbol, side, shares, price, executed_at
		FROM fills WHERE group_id = ? ORDER BY executed_at ASC`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Fill
	for rows.Next() {
		var f Fill
		var kind, side string
		if err := rows.Scan(&f.ID, &f.GroupID, &kind, &f.BrokerID, &f.Symbol,
			&side, &f.Shares, &f.Price, &f.ExecutedAt); err != nil {
			return nil, err
		}
		f.Kind = models.LegKind(kind)
		f.Side = models.OrderSide(side)
		out = append(out, f)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanGroup(row scanner) (*models.BracketOrder, error) {
	var b models.BracketOrder
	var secType, right, status string
	var expiry, oca sql.NullString
	var strike sql.NullFloat64
	var stopPct, takePct sql.NullFloat64
	var closedAt sql.NullTime

	err := row.Scan(&b.GroupID, &oca, &b.Contract.Symbol, &secType, &expiry, &strike,
		&right, &status, &stopPct, &takePct, &b.CreatedAt, &closedAt)
	if err != nil {
		return nil, err
	}

	b.OCAGroup = oca.String
	b.Contract.SecType = models.SecType(secType)
	b.Contract.Expiry = expiry.String
	b.Contract.Strike = strike.Float64
	b.Contract.Right = models.OptionRight(strings.TrimSpace(right))
	if b.Contract.SecType == models.SecTypeOption {
		b.Contract.Multiplier = 100
	}
	b.Status = models.GroupStatus(status)
	if stopPct.Valid {
		b.Risk.StopLossPct = &stopPct.Float64
	}
	if takePct.Valid {
		b.Risk.TakeProfitPct = &takePct.Float64
	}
	if closedAt.Valid {
		b.ClosedAt = closedAt.Time
	}
	return &b, nil
}

func (s *SQLiteStore) loadLegs(ctx context.Context, b *models.BracketOrder) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, side, order_type, quantity, limit_price, stop_price,
			broker_id, status, filled_qty, fill_price, reason, updated_at
		FROM order_legs WHERE group_id = ?`, b.GroupID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var leg models.OrderLeg
		var kind, side, otype, status string
		var reason sql.NullString
		var updatedAt sql.NullTime
		if err := rows.Scan(&kind, &side, &otype, &leg.Quantity, &leg.LimitPrice,
			&leg.StopPrice, &leg.BrokerID, &status, &leg.FilledQty, &leg.FillPrice,
			&reason, &updatedAt); err != nil {
			return err
		}
		leg.Kind = models.LegKind(kind)
		leg.Side = models.OrderSide(side)
		leg.Type = models.OrderType(otype)
		leg.Status = models.LegStatus(status)
		leg.Reason = reason.String
		leg.UpdatedAt = updatedAt.Time

		l := leg
		switch l.Kind {
		case models.LegEntry:
			b.Entry = &l
		case models.LegStopLoss:
			b.Stop = &l
		case models.LegTakeProfit:
			b.Take = &l
		}
	}
	return rows.Err()
}
