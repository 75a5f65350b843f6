package engine

import (
	"github.com/shopspring/decimal"
)

// Statistics is the trading summary reported to the user. PnL fields are
// net of commissions; all fields are zero when no trades exist.
type Statistics struct {
	PnL           decimal.Decimal `json:"pnl"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	OpenOrders    int             `json:"open_orders"`
	ClosedOrders  int             `json:"closed_orders"`
	WinRate       float64         `json:"win_rate"`
}

// position tracks the weighted-average cost of an asset holding built from
// fills.
type position struct {
	quantity decimal.Decimal
	avgCost  decimal.Decimal
}

// journal accumulates fills for statistics. Buys fold into a per-asset
// average cost; sells realize PnL against it. Fill amounts are recorded
// net of commission, so fees flow into PnL rather than a separate line.
type journal struct {
	positions map[string]*position
	realized  decimal.Decimal
	closed    int
	sells     int
	wins      int
}

func newJournal() *journal {
	return &journal{positions: make(map[string]*position)}
}

// RecordBuy folds a buy fill into the asset's average cost. cost is the
// total cash spent including commission.
func (j *journal) RecordBuy(asset string, quantity, cost decimal.Decimal) {
	p := j.positions[asset]
	if p == nil {
		p = &position{}
		j.positions[asset] = p
	}

	newQty := p.quantity.Add(quantity)
	held := p.avgCost.Mul(p.quantity)
	p.avgCost = held.Add(cost).Div(newQty)
	p.quantity = newQty
	j.closed++
}

// RecordSell realizes PnL for a sell fill against the average cost.
// proceeds is the total cash received net of commission. Selling an asset
// with no recorded position realizes the full proceeds (the holding
// predates the journal, e.g. a hydrated balance).
func (j *journal) RecordSell(asset string, quantity, proceeds decimal.Decimal) {
	var costBasis decimal.Decimal
	if p := j.positions[asset]; p != nil {
		matched := decimal.Min(quantity, p.quantity)
		costBasis = p.avgCost.Mul(matched)
		p.quantity = p.quantity.Sub(matched)
		if p.quantity.IsZero() {
			delete(j.positions, asset)
		}
	}

	pnl := proceeds.Sub(costBasis)
	j.realized = j.realized.Add(pnl)
	j.closed++
	j.sells++
	if pnl.IsPositive() {
		j.wins++
	}
}

// Statistics computes the summary given the current open-order count and
// per-asset mark prices (latest closes). Positions without a mark
// contribute nothing to unrealized PnL.
func (j *journal) Statistics(openOrders int, marks map[string]decimal.Decimal) Statistics {
	unrealized := decimal.Decimal{}
	for asset, p := range j.positions {
		mark, ok := marks[asset]
		if !ok {
			continue
		}
		unrealized = unrealized.Add(mark.Mul(p.quantity).Sub(p.avgCost.Mul(p.quantity)))
	}

	winRate := 0.0
	if j.sells > 0 {
		winRate = float64(j.wins) / float64(j.sells)
	}

	return Statistics{
		PnL:           j.realized.Add(unrealized),
		RealizedPnL:   j.realized,
		UnrealizedPnL: unrealized,
		OpenOrders:    openOrders,
		ClosedOrders:  j.closed,
		WinRate:       winRate,
	}
}
