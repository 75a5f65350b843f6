// Package ledger tracks one user's cash and per-asset balances with
// block/unblock accounting.
//
// Balances held here are always the FREE portion: blocking removes funds
// from the ledger and records the amount on the order, unblocking returns
// them, settlement converts a blocked amount into the counterparty asset at
// the fill price net of commission. Blocks are all-or-nothing — an
// operation that would drive any balance negative fails without touching
// state.
package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"

	"paper-exchange/pkg/types"
)

// Ledger holds free balances for a single user. It is not safe for
// concurrent use; the engine coordinator serializes access.
type Ledger struct {
	cash   decimal.Decimal
	assets map[string]decimal.Decimal
}

// New creates a ledger with the given starting cash and asset balances.
func New(cash decimal.Decimal, assets map[string]decimal.Decimal) *Ledger {
	l := &Ledger{
		cash:   cash,
		assets: make(map[string]decimal.Decimal, len(assets)),
	}
	for name, amount := range assets {
		l.assets[name] = amount
	}
	return l
}

// Cash returns the free cash balance.
func (l *Ledger) Cash() decimal.Decimal {
	return l.cash
}

// Asset returns the free balance for one asset.
// Unknown assets report zero rather than an error: a user simply holds
// none of them.
func (l *Ledger) Asset(name string) decimal.Decimal {
	return l.assets[name]
}

// Balances returns a copy of all free asset balances.
func (l *Ledger) Balances() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(l.assets))
	for name, amount := range l.assets {
		out[name] = amount
	}
	return out
}

// Block withholds funds for an open order: cash for BUY, target-asset
// quantity for SELL. Returns ErrInsufficientFunds when the free balance
// cannot cover the amount.
func (l *Ledger) Block(side types.Side, asset string, amount decimal.Decimal) error {
	switch side {
	case types.BUY:
		remaining := l.cash.Sub(amount)
		if remaining.IsNegative() {
			return fmt.Errorf("block %s cash, have %s: %w", amount, l.cash, types.ErrInsufficientFunds)
		}
		l.cash = remaining
	case types.SELL:
		remaining := l.assets[asset].Sub(amount)
		if remaining.IsNegative() {
			return fmt.Errorf("block %s %s, have %s: %w", amount, asset, l.assets[asset], types.ErrInsufficientFunds)
		}
		l.assets[asset] = remaining
	}
	return nil
}

// Unblock returns previously blocked funds to the free balance.
func (l *Ledger) Unblock(side types.Side, asset string, amount decimal.Decimal) {
	switch side {
	case types.BUY:
		l.cash = l.cash.Add(amount)
	case types.SELL:
		l.assets[asset] = l.assets[asset].Add(amount)
	}
}

// SettleBuy applies a BUY fill: the blocked cash is consumed against the
// actual cost (quantity × fill price × (1 + commission)), any surplus is
// refunded, and the target asset is credited. If the cost exceeds the
// blocked amount plus free cash — a market order filling above its hint —
// the fill fails with ErrInsufficientFunds and the ledger is unchanged;
// the caller decides what to do with the order.
func (l *Ledger) SettleBuy(asset string, quantity, blocked, cost decimal.Decimal) error {
	remaining := l.cash.Add(blocked).Sub(cost)
	if remaining.IsNegative() {
		return fmt.Errorf("settle buy of %s %s costs %s, blocked %s: %w",
			quantity, asset, cost, blocked, types.ErrInsufficientFunds)
	}
	l.cash = remaining
	l.assets[asset] = l.assets[asset].Add(quantity)
	return nil
}

// SettleSell applies a SELL fill: the blocked asset quantity is consumed
// (it already left the free balance at block time) and the cash proceeds
// (quantity × fill price × (1 − commission)) are credited.
func (l *Ledger) SettleSell(proceeds decimal.Decimal) {
	l.cash = l.cash.Add(proceeds)
}
