// Package candles provides durable, read-only access to historical OHLCV
// candles, plus one-shot backfill from CSV files or the Binance klines API.
//
// Candles live in a single Postgres table indexed by (symbol, timeframe,
// ts). Reads are deterministic and side-effect-free; a missing row surfaces
// as a data-absent error the engine treats as "skip this tick", never as a
// fabricated candle.
package candles

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"paper-exchange/pkg/types"
)

// Store reads candles from Postgres.
type Store struct {
	db *sql.DB
}

// NewStore wraps an open database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema creates the candle table and its lookup index.
func (s *Store) EnsureSchema(ctx context.Context) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS candles (
			symbol    TEXT    NOT NULL,
			timeframe TEXT    NOT NULL,
			ts        BIGINT  NOT NULL,
			open      NUMERIC NOT NULL,
			high      NUMERIC NOT NULL,
			low       NUMERIC NOT NULL,
			close     NUMERIC NOT NULL,
			volume    NUMERIC NOT NULL,
			PRIMARY KEY (symbol, timeframe, ts)
		)`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create candles table: %w", err)
	}
	return nil
}

const candleColumns = `symbol, timeframe, ts, open, high, low, close, volume`

func scanCandle(row interface{ Scan(...any) error }) (types.Candle, error) {
	var c types.Candle
	err := row.Scan(&c.Symbol, &c.Timeframe, &c.Ts,
		&c.Open, &c.High, &c.Low, &c.Close, &c.Volume)
	return c, err
}

// GetByTime returns the single candle whose timestamp equals ts.
// Absence is reported as types.ErrData.
func (s *Store) GetByTime(ctx context.Context, symbol string, tf types.Timeframe, ts int64) (types.Candle, error) {
	const query = `
		SELECT ` + candleColumns + `
		FROM candles
		WHERE symbol = $1 AND timeframe = $2 AND ts = $3`

	c, err := scanCandle(s.db.QueryRowContext(ctx, query, symbol, tf, ts))
	if err == sql.ErrNoRows {
		return types.Candle{}, fmt.Errorf("no %s/%s candle at %d: %w", symbol, tf, ts, types.ErrData)
	}
	if err != nil {
		return types.Candle{}, fmt.Errorf("query candle: %w", err)
	}
	return c, nil
}

// Latest returns the last n candles for (symbol, timeframe) in descending
// time order.
func (s *Store) Latest(ctx context.Context, symbol string, tf types.Timeframe, n int) ([]types.Candle, error) {
	const query = `
		SELECT ` + candleColumns + `
		FROM candles
		WHERE symbol = $1 AND timeframe = $2
		ORDER BY ts DESC
		LIMIT $3`

	return s.queryCandles(ctx, query, symbol, tf, n)
}

// LatestBefore returns the last n candles strictly earlier than ts, in
// descending time order.
func (s *Store) LatestBefore(ctx context.Context, symbol string, tf types.Timeframe, ts int64, n int) ([]types.Candle, error) {
	const query = `
		SELECT ` + candleColumns + `
		FROM candles
		WHERE symbol = $1 AND timeframe = $2 AND ts < $3
		ORDER BY ts DESC
		LIMIT $4`

	return s.queryCandles(ctx, query, symbol, tf, ts, n)
}

func (s *Store) queryCandles(ctx context.Context, query string, args ...any) ([]types.Candle, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query candles: %w", err)
	}
	defer rows.Close()

	var out []types.Candle
	for rows.Next() {
		c, err := scanCandle(rows)
		if err != nil {
			return nil, fmt.Errorf("scan candle: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candles: %w", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no candles found: %w", types.ErrData)
	}
	return out, nil
}

// Insert upserts a batch of candles inside one transaction.
func (s *Store) Insert(ctx context.Context, batch []types.Candle) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert: %w", err)
	}
	defer tx.Rollback()

	const query = `
		INSERT INTO candles (` + candleColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (symbol, timeframe, ts) DO NOTHING`

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range batch {
		if _, err := stmt.ExecContext(ctx, c.Symbol, c.Timeframe, c.Ts,
			c.Open, c.High, c.Low, c.Close, c.Volume); err != nil {
			return fmt.Errorf("insert candle %s/%s@%d: %w", c.Symbol, c.Timeframe, c.Ts, err)
		}
	}

	return tx.Commit()
}
