// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the simulator — order sides and
// kinds, timeframes, candles, engine events, and the error taxonomy. It has
// no dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// ParseSide normalizes a user-supplied direction string.
func ParseSide(s string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(BUY):
		return BUY, nil
	case string(SELL):
		return SELL, nil
	default:
		return "", errors.Join(ErrValidation, errors.New("direction must be BUY or SELL"))
	}
}

// OrderKind enumerates the supported order variants.
type OrderKind string

const (
	Market    OrderKind = "MARKET"
	Limit     OrderKind = "LIMIT"
	StopLimit OrderKind = "STOP_LIMIT"
	OCO       OrderKind = "OCO"
)

// ParseOrderKind normalizes a user-supplied order type string.
func ParseOrderKind(s string) (OrderKind, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(Market):
		return Market, nil
	case string(Limit):
		return Limit, nil
	case string(StopLimit):
		return StopLimit, nil
	case string(OCO):
		return OCO, nil
	default:
		return "", errors.Join(ErrValidation, errors.New("unknown order type"))
	}
}

// Timeframe is the fixed duration of one candle.
type Timeframe string

const (
	H1 Timeframe = "1h"
	H4 Timeframe = "4h"
	D1 Timeframe = "1d"
)

// ParseTimeframe validates a timeframe string.
func ParseTimeframe(s string) (Timeframe, error) {
	switch Timeframe(strings.ToLower(strings.TrimSpace(s))) {
	case H1:
		return H1, nil
	case H4:
		return H4, nil
	case D1:
		return D1, nil
	default:
		return "", errors.Join(ErrValidation, errors.New("timeframe must be 1h, 4h or 1d"))
	}
}

// Seconds returns the timeframe duration in seconds — the size of one
// simulated tick when replaying at this timeframe.
func (tf Timeframe) Seconds() int64 {
	switch tf {
	case H1:
		return 3600
	case H4:
		return 4 * 3600
	case D1:
		return 24 * 3600
	default:
		return 0
	}
}

// TickBudget returns how many candles a replay of n test days covers at
// this timeframe: 1h → 24n, 4h → 4n, 1d → n.
func (tf Timeframe) TickBudget(n int) int {
	switch tf {
	case H1:
		return 24 * n
	case H4:
		return 4 * n
	case D1:
		return n
	default:
		return 0
	}
}

// ————————————————————————————————————————————————————————————————————————
// Candles
// ————————————————————————————————————————————————————————————————————————

// Candle is an immutable OHLCV bar for a symbol at a timeframe.
// Ts is the candle's opening time as a unix timestamp, monotonically
// increasing within (Symbol, Timeframe).
type Candle struct {
	Symbol    string          `json:"symbol"`
	Timeframe Timeframe       `json:"timeframe"`
	Ts        int64           `json:"ts"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// AveragePrice is the reference price orders match against. The simulator
// uses the close, not (open+close)/2 — changing this changes fill behavior.
func (c Candle) AveragePrice() decimal.Decimal {
	return c.Close
}

// ————————————————————————————————————————————————————————————————————————
// Engine events
// ————————————————————————————————————————————————————————————————————————

// EngineEvent is emitted by an engine for the per-user stream: one message
// per simulated tick plus order lifecycle notifications.
type EngineEvent struct {
	Type      string    `json:"type"` // "tick", "fill", "order", "cancel"
	UserID    int64     `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// ————————————————————————————————————————————————————————————————————————
// Error taxonomy
// ————————————————————————————————————————————————————————————————————————

// Sentinel errors raised by the core and mapped to HTTP codes at the API
// boundary. Wrap with fmt.Errorf("...: %w", Err...) or errors.Join and test
// with errors.Is.
var (
	// ErrAuth means the API key is unknown or missing.
	ErrAuth = errors.New("invalid API key")

	// ErrValidation means a malformed request: unknown order type, missing
	// fields, non-positive quantity.
	ErrValidation = errors.New("validation failed")

	// ErrInsufficientFunds means blocking would underflow a balance.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrNotFound means no such order or balance.
	ErrNotFound = errors.New("not found")

	// ErrState means the operation is invalid in the engine's current state.
	ErrState = errors.New("invalid engine state")

	// ErrData means a candle lookup failed. Never user-visible: the engine
	// logs it and skips the tick.
	ErrData = errors.New("candle data absent")
)
