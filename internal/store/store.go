// Package store persists users, balances, exchange snapshots, and open
// orders in Postgres.
//
// Orders use the table-per-kind layout: a base_orders row carries the
// common fields and a kind-specific sub-table row marks the variant; only
// oco_orders adds a column (the sibling link). Sessions are opened per
// operation and never held across suspension points.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"

	"paper-exchange/internal/order"
	"paper-exchange/pkg/types"
)

// Store wraps the database handle.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New wraps an open handle.
func New(db *sql.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger.With("component", "store")}
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// Snapshot is the persisted per-user exchange state that survives engine
// eviction.
type Snapshot struct {
	UserID     int64
	LastUsed   time.Time
	Multiplier float64
	Commission decimal.Decimal
}

// User is an authenticated account.
type User struct {
	ID           int64
	CreationDate time.Time
	APIKey       string
}

// EnsureSchema creates all tables.
func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id            BIGSERIAL PRIMARY KEY,
			creation_date TIMESTAMPTZ NOT NULL DEFAULT now(),
			api_key       TEXT        NOT NULL UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS balances (
			id         BIGSERIAL PRIMARY KEY,
			user_id    BIGINT  NOT NULL REFERENCES users (id),
			asset_name TEXT    NOT NULL,
			amount     NUMERIC NOT NULL,
			UNIQUE (user_id, asset_name)
		)`,
		`CREATE TABLE IF NOT EXISTS exchange_instances (
			id                  BIGSERIAL PRIMARY KEY,
			user_id             BIGINT      NOT NULL UNIQUE REFERENCES users (id),
			last_used_timestamp TIMESTAMPTZ NOT NULL,
			multiplier          DOUBLE PRECISION NOT NULL,
			commission          NUMERIC     NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS base_orders (
			id              TEXT        PRIMARY KEY,
			creation_date   TIMESTAMPTZ NOT NULL,
			order_type      TEXT        NOT NULL,
			quantity        NUMERIC     NOT NULL,
			base_asset      TEXT        NOT NULL,
			target_asset    TEXT        NOT NULL,
			direction       TEXT        NOT NULL,
			execution_price NUMERIC     NOT NULL,
			stop_price      NUMERIC     NOT NULL,
			signal_price    NUMERIC     NOT NULL,
			blocked_amount  NUMERIC     NOT NULL,
			user_id         BIGINT      NOT NULL REFERENCES users (id)
		)`,
		`CREATE TABLE IF NOT EXISTS market_orders (
			id TEXT PRIMARY KEY REFERENCES base_orders (id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS limit_orders (
			id TEXT PRIMARY KEY REFERENCES base_orders (id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS stop_limit_orders (
			id TEXT PRIMARY KEY REFERENCES base_orders (id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS oco_orders (
			id               TEXT PRIMARY KEY REFERENCES base_orders (id) ON DELETE CASCADE,
			bounded_order_id TEXT NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// CreateUser mints a user with a fresh API key and zeroed balances for
// every tradable asset, plus the initial cash amount under the base asset.
func (s *Store) CreateUser(ctx context.Context, assets []string, baseAsset string, initialCash decimal.Decimal) (User, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return User{}, fmt.Errorf("begin create user: %w", err)
	}
	defer tx.Rollback()

	u := User{APIKey: uuid.NewString()}
	err = tx.QueryRowContext(ctx,
		`INSERT INTO users (api_key) VALUES ($1) RETURNING id, creation_date`,
		u.APIKey,
	).Scan(&u.ID, &u.CreationDate)
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}

	const insertBalance = `INSERT INTO balances (user_id, asset_name, amount) VALUES ($1, $2, $3)`
	if _, err := tx.ExecContext(ctx, insertBalance, u.ID, baseAsset, initialCash); err != nil {
		return User{}, fmt.Errorf("insert cash balance: %w", err)
	}
	for _, asset := range assets {
		if _, err := tx.ExecContext(ctx, insertBalance, u.ID, asset, decimal.Decimal{}); err != nil {
			return User{}, fmt.Errorf("insert %s balance: %w", asset, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return User{}, fmt.Errorf("commit create user: %w", err)
	}
	s.logger.Info("user created", "user_id", u.ID)
	return u, nil
}

// UserByAPIKey resolves an API key to a user id. An unknown key is an
// auth error, not a not-found.
func (s *Store) UserByAPIKey(ctx context.Context, apiKey string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM users WHERE api_key = $1`, apiKey,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("unknown api key: %w", types.ErrAuth)
	}
	if err != nil {
		return 0, fmt.Errorf("lookup api key: %w", err)
	}
	return id, nil
}

// Balances returns all persisted free balances keyed by asset name,
// including the base-asset (cash) row.
func (s *Store) Balances(ctx context.Context, userID int64) (map[string]decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT asset_name, amount FROM balances WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("query balances: %w", err)
	}
	defer rows.Close()

	out := make(map[string]decimal.Decimal)
	for rows.Next() {
		var asset string
		var amount decimal.Decimal
		if err := rows.Scan(&asset, &amount); err != nil {
			return nil, fmt.Errorf("scan balance: %w", err)
		}
		out[asset] = amount
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate balances: %w", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no balances for user %d: %w", userID, types.ErrNotFound)
	}
	return out, nil
}

// SaveBalances upserts the given free balances.
func (s *Store) SaveBalances(ctx context.Context, userID int64, balances map[string]decimal.Decimal) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save balances: %w", err)
	}
	defer tx.Rollback()

	const upsert = `
		INSERT INTO balances (user_id, asset_name, amount)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, asset_name) DO UPDATE SET amount = EXCLUDED.amount`
	for asset, amount := range balances {
		if _, err := tx.ExecContext(ctx, upsert, userID, asset, amount); err != nil {
			return fmt.Errorf("upsert %s balance: %w", asset, err)
		}
	}
	return tx.Commit()
}

// Snapshot loads the persisted exchange state for a user.
func (s *Store) Snapshot(ctx context.Context, userID int64) (Snapshot, error) {
	snap := Snapshot{UserID: userID}
	err := s.db.QueryRowContext(ctx,
		`SELECT last_used_timestamp, multiplier, commission
		 FROM exchange_instances WHERE user_id = $1`, userID,
	).Scan(&snap.LastUsed, &snap.Multiplier, &snap.Commission)
	if err == sql.ErrNoRows {
		return Snapshot{}, fmt.Errorf("no snapshot for user %d: %w", userID, types.ErrNotFound)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("query snapshot: %w", err)
	}
	return snap, nil
}

// SaveSnapshot upserts the exchange state for a user.
func (s *Store) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO exchange_instances (user_id, last_used_timestamp, multiplier, commission)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			last_used_timestamp = EXCLUDED.last_used_timestamp,
			multiplier          = EXCLUDED.multiplier,
			commission          = EXCLUDED.commission`,
		snap.UserID, snap.LastUsed, snap.Multiplier, snap.Commission)
	if err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	return nil
}

// OpenOrders loads a user's persisted open orders in placement order.
func (s *Store) OpenOrders(ctx context.Context, userID int64) ([]*order.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT b.id, b.creation_date, b.order_type, b.quantity, b.base_asset,
		       b.target_asset, b.direction, b.execution_price, b.stop_price,
		       b.signal_price, b.blocked_amount, b.user_id,
		       COALESCE(o.bounded_order_id, '')
		FROM base_orders b
		LEFT JOIN oco_orders o ON o.id = b.id
		WHERE b.user_id = $1
		ORDER BY b.creation_date`, userID)
	if err != nil {
		return nil, fmt.Errorf("query open orders: %w", err)
	}
	defer rows.Close()

	var out []*order.Order
	for rows.Next() {
		var o order.Order
		if err := rows.Scan(&o.ID, &o.CreationDate, &o.Kind, &o.Quantity,
			&o.BaseAsset, &o.TargetAsset, &o.Side, &o.ExecutionPrice,
			&o.StopPrice, &o.SignalPrice, &o.BlockedAmount, &o.UserID,
			&o.BoundedOrderID); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, &o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orders: %w", err)
	}
	return out, nil
}

// SaveOpenOrders replaces a user's persisted open orders with the given
// set, atomically.
func (s *Store) SaveOpenOrders(ctx context.Context, userID int64, orders []*order.Order) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save orders: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM base_orders WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("clear orders: %w", err)
	}

	for _, o := range orders {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO base_orders (id, creation_date, order_type, quantity,
				base_asset, target_asset, direction, execution_price,
				stop_price, signal_price, blocked_amount, user_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			o.ID, o.CreationDate, o.Kind, o.Quantity, o.BaseAsset,
			o.TargetAsset, o.Side, o.ExecutionPrice, o.StopPrice,
			o.SignalPrice, o.BlockedAmount, o.UserID); err != nil {
			return fmt.Errorf("insert order %s: %w", o.ID, err)
		}
		if err := insertKindRow(ctx, tx, o); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertKindRow(ctx context.Context, tx *sql.Tx, o *order.Order) error {
	var err error
	switch {
	case o.IsOCOLeg():
		_, err = tx.ExecContext(ctx,
			`INSERT INTO oco_orders (id, bounded_order_id) VALUES ($1, $2)`,
			o.ID, o.BoundedOrderID)
	case o.Kind == types.Market:
		_, err = tx.ExecContext(ctx, `INSERT INTO market_orders (id) VALUES ($1)`, o.ID)
	case o.Kind == types.Limit:
		_, err = tx.ExecContext(ctx, `INSERT INTO limit_orders (id) VALUES ($1)`, o.ID)
	case o.Kind == types.StopLimit:
		_, err = tx.ExecContext(ctx, `INSERT INTO stop_limit_orders (id) VALUES ($1)`, o.ID)
	}
	if err != nil {
		return fmt.Errorf("insert %s kind row for %s: %w", o.Kind, o.ID, err)
	}
	return nil
}
