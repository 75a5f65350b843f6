package engine

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"paper-exchange/internal/metrics"
	"paper-exchange/internal/order"
	"paper-exchange/pkg/types"
)

// advance is one resolver pass, run on the coordinator: move the clock,
// refresh candles, resolve open orders FIFO, emit the tick event.
func (e *Engine) advance() {
	e.currentTime += e.oneTick
	e.fetchCandles()
	e.resolveOrders()
	metrics.IncTick()

	e.emit("tick", map[string]any{
		"current_time": e.currentTime,
		"candles":      e.tickCandles(),
	})
}

// fetchCandles pulls the candle at the new simulated time for every asset
// and active timeframe. The base timeframe is fetched every tick (the clock
// advances in its steps); coarser timeframes only on their boundary,
// anchored to the tape's start rather than the epoch so offset candle
// timestamps still line up. A missing candle leaves the previous one in
// place — resolution then runs against the stale candle rather than a
// fabricated price.
func (e *Engine) fetchCandles() {
	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()

	for _, asset := range e.cfg.Assets {
		for _, tf := range e.timeframes() {
			if tf != e.cfg.Timeframe && (e.currentTime-e.startTime)%tf.Seconds() != 0 {
				continue
			}
			c, err := e.source.GetByTime(ctx, asset, tf, e.currentTime)
			if err != nil {
				metrics.IncCandleMiss()
				if errors.Is(err, types.ErrData) {
					e.logger.Debug("candle absent, tick skipped", "asset", asset, "timeframe", tf, "ts", e.currentTime)
				} else {
					e.logger.Error("candle fetch failed", "asset", asset, "timeframe", tf, "error", err)
				}
				continue
			}
			e.latest[candleKey{asset, tf}] = c
		}
	}
}

// tickCandles snapshots the latest base-timeframe candle per asset for the
// tick event payload.
func (e *Engine) tickCandles() map[string]types.Candle {
	out := make(map[string]types.Candle, len(e.cfg.Assets))
	for _, asset := range e.cfg.Assets {
		if c, ok := e.latest[candleKey{asset, e.cfg.Timeframe}]; ok {
			out[asset] = c
		}
	}
	return out
}

// resolveOrders walks a snapshot of the open orders in placement order.
// Orders removed mid-pass by an OCO sibling are skipped; orders created
// mid-pass (stop-limit promotions) are first evaluated on the next pass.
func (e *Engine) resolveOrders() {
	snapshot := make([]*order.Order, len(e.open))
	copy(snapshot, e.open)

	for _, o := range snapshot {
		if _, ok := e.index[o.ID]; !ok {
			continue
		}
		c, ok := e.latest[candleKey{o.TargetAsset, e.cfg.Timeframe}]
		if !ok {
			continue
		}
		if err := e.resolveOne(o, c.AveragePrice()); err != nil {
			e.logger.Error("order resolution failed", "order_id", o.ID, "error", err)
		}
	}
}

// resolveOne applies the trigger table for one order against the current
// reference price.
func (e *Engine) resolveOne(o *order.Order, price decimal.Decimal) error {
	switch o.Kind {
	case types.Market:
		return e.fill(o, price)

	case types.Limit:
		if o.Side == types.BUY && price.LessThanOrEqual(o.ExecutionPrice) {
			return e.fill(o, o.ExecutionPrice)
		}
		if o.Side == types.SELL && price.GreaterThanOrEqual(o.ExecutionPrice) {
			return e.fill(o, o.ExecutionPrice)
		}

	case types.StopLimit:
		if o.Side == types.BUY && price.GreaterThanOrEqual(o.StopPrice) {
			e.promote(o)
		}
		if o.Side == types.SELL && price.LessThanOrEqual(o.StopPrice) {
			e.promote(o)
		}
	}
	return nil
}

// fill settles an order at the given price and removes it. An OCO sibling
// is removed without a second unblock: the shared blocked amount is
// consumed by this fill. A BUY whose cost exceeds blocked plus free cash
// (a market order filling far above its hint) is rejected instead: the
// block is released and the order removed.
func (e *Engine) fill(o *order.Order, price decimal.Decimal) error {
	one := decimal.NewFromInt(1)
	commission := e.Commission()

	switch o.Side {
	case types.BUY:
		cost := o.Quantity.Mul(price).Mul(one.Add(commission))
		if err := e.ledger.SettleBuy(o.TargetAsset, o.Quantity, o.BlockedAmount, cost); err != nil {
			e.ledger.Unblock(types.BUY, o.TargetAsset, o.BlockedAmount)
			e.removeWithSibling(o)
			metrics.IncRejected("funds")
			e.emit("cancel", o.Clone())
			return err
		}
		e.journal.RecordBuy(o.TargetAsset, o.Quantity, cost)
	case types.SELL:
		proceeds := o.Quantity.Mul(price).Mul(one.Sub(commission))
		e.ledger.SettleSell(proceeds)
		e.journal.RecordSell(o.TargetAsset, o.Quantity, proceeds)
	}

	e.removeWithSibling(o)
	metrics.IncFilled(string(o.Kind), string(o.Side))
	e.logger.Info("order filled",
		"order_id", o.ID, "type", o.Kind, "side", o.Side,
		"asset", o.TargetAsset, "quantity", o.Quantity, "price", price)
	e.emit("fill", map[string]any{
		"order": o.Clone(),
		"price": price,
	})
	return nil
}

func (e *Engine) removeWithSibling(o *order.Order) {
	e.remove(o.ID)
	if o.IsOCOLeg() {
		if sib, ok := e.index[o.BoundedOrderID]; ok {
			e.remove(sib.ID)
			metrics.IncCancelled()
			e.emit("cancel", sib.Clone())
		}
	}
}

// promote replaces a triggered stop-limit with a limit order at its
// execution price, in place so FIFO position is kept. The blocked amount
// carries over unchanged; an OCO sibling is re-linked to the new id.
func (e *Engine) promote(o *order.Order) {
	replacement := order.Promote(o)

	delete(e.index, o.ID)
	e.index[replacement.ID] = replacement
	for i, cur := range e.open {
		if cur.ID == o.ID {
			e.open[i] = replacement
			break
		}
	}

	if o.IsOCOLeg() {
		if sib, ok := e.index[o.BoundedOrderID]; ok {
			sib.BoundedOrderID = replacement.ID
		}
	}

	e.logger.Info("stop-limit promoted",
		"order_id", o.ID, "replacement_id", replacement.ID,
		"stop_price", o.StopPrice, "execution_price", o.ExecutionPrice)
	e.emit("order", replacement.Clone())
}
