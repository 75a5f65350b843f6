package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"paper-exchange/internal/ledger"
	"paper-exchange/internal/order"
	"paper-exchange/pkg/types"
)

const day = int64(86400)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSource is an in-memory candle store keyed by (symbol, timeframe),
// ascending by timestamp.
type fakeSource struct {
	series map[string][]types.Candle
}

func seriesKey(symbol string, tf types.Timeframe) string {
	return symbol + "/" + string(tf)
}

func (f *fakeSource) GetByTime(_ context.Context, symbol string, tf types.Timeframe, ts int64) (types.Candle, error) {
	for _, c := range f.series[seriesKey(symbol, tf)] {
		if c.Ts == ts {
			return c, nil
		}
	}
	return types.Candle{}, fmt.Errorf("no candle at %d: %w", ts, types.ErrData)
}

func (f *fakeSource) Latest(_ context.Context, symbol string, tf types.Timeframe, n int) ([]types.Candle, error) {
	return f.LatestBefore(context.Background(), symbol, tf, 1<<62, n)
}

func (f *fakeSource) LatestBefore(_ context.Context, symbol string, tf types.Timeframe, ts int64, n int) ([]types.Candle, error) {
	all := f.series[seriesKey(symbol, tf)]
	var out []types.Candle
	for i := len(all) - 1; i >= 0 && len(out) < n; i-- {
		if all[i].Ts < ts {
			out = append(out, all[i])
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no candles: %w", types.ErrData)
	}
	return out, nil
}

// dailyTape builds a daily btc series from close prices, one candle per
// day starting at day 1. The engine is configured so the first close is
// the seed candle and each Advance consumes the next one.
func dailyTape(closes ...float64) *fakeSource {
	candles := make([]types.Candle, len(closes))
	for i, px := range closes {
		p := decimal.NewFromFloat(px)
		candles[i] = types.Candle{
			Symbol:    "btc",
			Timeframe: types.D1,
			Ts:        day * int64(i+1),
			Open:      p, High: p, Low: p, Close: p,
			Volume: decimal.NewFromInt(1),
		}
	}
	return &fakeSource{series: map[string][]types.Candle{
		seriesKey("btc", types.D1): candles,
	}}
}

func newTestEngine(t *testing.T, src *fakeSource, cash float64, btc float64, commission float64) *Engine {
	t.Helper()

	ticks := len(src.series[seriesKey("btc", types.D1)]) - 1
	led := ledger.New(decimal.NewFromFloat(cash), map[string]decimal.Decimal{
		"btc": decimal.NewFromFloat(btc),
	})
	cfg := Config{
		Assets:       []string{"btc"},
		BaseAsset:    "usdt",
		Timeframe:    types.D1,
		TicksForTest: ticks,
		Multiplier:   0.001, // wall ticks effectively off; tests call Advance
		Commission:   decimal.NewFromFloat(commission),
	}
	e, err := New(context.Background(), 1, cfg, src, led, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(e.Stop)
	return e
}

func f(v float64) *float64 { return &v }

func mustBalance(t *testing.T, e *Engine, asset string) decimal.Decimal {
	t.Helper()
	b, err := e.Balance(asset)
	if err != nil {
		t.Fatalf("Balance(%s): %v", asset, err)
	}
	return b
}

func mustOrders(t *testing.T, e *Engine) []*order.Order {
	t.Helper()
	out, err := e.Orders()
	if err != nil {
		t.Fatalf("Orders: %v", err)
	}
	return out
}

func TestMarketBuySettlesOnNextTick(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, dailyTape(100, 100), 100000, 0, 0.001)

	placed, err := e.Place(order.Request{
		OrderType: "MARKET", Direction: "BUY",
		BaseAsset: "usdt", TargetAsset: "btc",
		Quantity: f(10),
	})
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if len(placed) != 1 {
		t.Fatalf("placed %d orders, want 1", len(placed))
	}

	if err := e.Advance(); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	if cash := mustBalance(t, e, "usdt"); !cash.Equal(decimal.NewFromFloat(98999.0)) {
		t.Errorf("cash = %s, want 98999.0", cash)
	}
	if btc := mustBalance(t, e, "btc"); !btc.Equal(decimal.NewFromInt(10)) {
		t.Errorf("btc = %s, want 10", btc)
	}
	if open := mustOrders(t, e); len(open) != 0 {
		t.Errorf("open orders = %d, want 0", len(open))
	}
}

func TestLimitBuyTriggersOnDip(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, dailyTape(120, 120, 110, 95), 10000, 0, 0.001)

	if _, err := e.Place(order.Request{
		OrderType: "LIMIT", Direction: "BUY",
		BaseAsset: "usdt", TargetAsset: "btc",
		Quantity: f(5), ExecutionPrice: f(100),
	}); err != nil {
		t.Fatalf("Place: %v", err)
	}

	// blocked = 5 × 100 × 1.001 = 500.5
	if cash := mustBalance(t, e, "usdt"); !cash.Equal(decimal.NewFromFloat(9499.5)) {
		t.Fatalf("free cash after block = %s, want 9499.5", cash)
	}

	for tick := 0; tick < 2; tick++ {
		if err := e.Advance(); err != nil {
			t.Fatalf("Advance: %v", err)
		}
		if open := mustOrders(t, e); len(open) != 1 {
			t.Fatalf("after tick %d: open orders = %d, want 1", tick+1, len(open))
		}
	}

	// close 95 ≤ 100: fill at the execution price
	if err := e.Advance(); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if cash := mustBalance(t, e, "usdt"); !cash.Equal(decimal.NewFromFloat(9499.5)) {
		t.Errorf("cash = %s, want 9499.5", cash)
	}
	if btc := mustBalance(t, e, "btc"); !btc.Equal(decimal.NewFromInt(5)) {
		t.Errorf("btc = %s, want 5", btc)
	}
	if open := mustOrders(t, e); len(open) != 0 {
		t.Errorf("open orders = %d, want 0", len(open))
	}
}

func TestStopLimitSellPromotesToLimit(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, dailyTape(200, 200, 180, 170), 0, 3, 0.001)

	if _, err := e.Place(order.Request{
		OrderType: "STOP_LIMIT", Direction: "SELL",
		BaseAsset: "usdt", TargetAsset: "btc",
		Quantity: f(3), StopPrice: f(190), ExecutionPrice: f(185),
	}); err != nil {
		t.Fatalf("Place: %v", err)
	}
	if btc := mustBalance(t, e, "btc"); !btc.IsZero() {
		t.Fatalf("free btc after block = %s, want 0", btc)
	}

	// close 200 > 190: still inactive
	if err := e.Advance(); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if open := mustOrders(t, e); open[0].Kind != types.StopLimit {
		t.Fatalf("after tick 1: kind = %s, want STOP_LIMIT", open[0].Kind)
	}

	// close 180 ≤ 190: promoted to LIMIT SELL at 185
	if err := e.Advance(); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	open := mustOrders(t, e)
	if len(open) != 1 {
		t.Fatalf("after tick 2: open orders = %d, want 1", len(open))
	}
	if open[0].Kind != types.Limit {
		t.Errorf("kind = %s, want LIMIT", open[0].Kind)
	}
	if !open[0].ExecutionPrice.Equal(decimal.NewFromInt(185)) {
		t.Errorf("execution price = %s, want 185", open[0].ExecutionPrice)
	}
	if !open[0].BlockedAmount.Equal(decimal.NewFromInt(3)) {
		t.Errorf("blocked = %s, want 3", open[0].BlockedAmount)
	}

	// close 170 < 185: a limit SELL waits for ≥ 185
	if err := e.Advance(); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if open := mustOrders(t, e); len(open) != 1 {
		t.Errorf("after tick 3: open orders = %d, want 1", len(open))
	}
	if btc := mustBalance(t, e, "btc"); !btc.IsZero() {
		t.Errorf("free btc = %s, want 0 (still blocked)", btc)
	}
}

func TestCancelRestoresBalances(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, dailyTape(500, 500), 1000, 0, 0.01)

	placed, err := e.Place(order.Request{
		OrderType: "LIMIT", Direction: "BUY",
		BaseAsset: "usdt", TargetAsset: "btc",
		Quantity: f(1), ExecutionPrice: f(500),
	})
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if cash := mustBalance(t, e, "usdt"); !cash.Equal(decimal.NewFromInt(495)) {
		t.Fatalf("free cash = %s, want 495", cash)
	}

	if err := e.Cancel(placed[0].ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cash := mustBalance(t, e, "usdt"); !cash.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("cash = %s, want 1000", cash)
	}
	if open := mustOrders(t, e); len(open) != 0 {
		t.Errorf("open orders = %d, want 0", len(open))
	}
}

func TestInsufficientFundsRejection(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, dailyTape(200, 200), 100, 0, 0.001)

	_, err := e.Place(order.Request{
		OrderType: "LIMIT", Direction: "BUY",
		BaseAsset: "usdt", TargetAsset: "btc",
		Quantity: f(1), ExecutionPrice: f(200),
	})
	if !errors.Is(err, types.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
	if cash := mustBalance(t, e, "usdt"); !cash.Equal(decimal.NewFromInt(100)) {
		t.Errorf("cash = %s, want 100 (unchanged)", cash)
	}
}

func TestOCOFillCancelsSibling(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, dailyTape(200, 225), 0, 2, 0.001)

	placed, err := e.Place(order.Request{
		OrderType: "OCO", Direction: "SELL",
		BaseAsset: "usdt", TargetAsset: "btc",
		Quantity:       f(2),
		ExecutionPrice: f(220), // limit leg
		SignalPrice:    f(190), // stop trigger
		StopPrice:      f(185), // stop leg's limit
	})
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if len(placed) != 2 {
		t.Fatalf("placed %d orders, want 2 legs", len(placed))
	}
	// SELL legs share one block of the quantity
	if btc := mustBalance(t, e, "btc"); !btc.IsZero() {
		t.Fatalf("free btc = %s, want 0", btc)
	}

	// close 225 ≥ 220: limit leg fills, stop leg is removed
	if err := e.Advance(); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if open := mustOrders(t, e); len(open) != 0 {
		t.Fatalf("open orders = %d, want 0", len(open))
	}
	want := decimal.NewFromFloat(2 * 220 * 0.999)
	if cash := mustBalance(t, e, "usdt"); !cash.Equal(want) {
		t.Errorf("cash = %s, want %s", cash, want)
	}
	if btc := mustBalance(t, e, "btc"); !btc.IsZero() {
		t.Errorf("btc = %s, want 0", btc)
	}
}

func TestOCOCancelRemovesBothLegs(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, dailyTape(200, 200), 0, 2, 0.001)

	placed, err := e.Place(order.Request{
		OrderType: "OCO", Direction: "SELL",
		BaseAsset: "usdt", TargetAsset: "btc",
		Quantity:       f(2),
		ExecutionPrice: f(220),
		SignalPrice:    f(190),
		StopPrice:      f(185),
	})
	if err != nil {
		t.Fatalf("Place: %v", err)
	}

	if err := e.Cancel(placed[1].ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if open := mustOrders(t, e); len(open) != 0 {
		t.Errorf("open orders = %d, want 0", len(open))
	}
	// the shared block is released exactly once
	if btc := mustBalance(t, e, "btc"); !btc.Equal(decimal.NewFromInt(2)) {
		t.Errorf("btc = %s, want 2", btc)
	}
}

func TestMarketBuyOverMoveIsRejectedNotOverdrawn(t *testing.T) {
	t.Parallel()

	// Hint says 100, tape gaps to 2000: the fill would cost 2002 against
	// 1000 total cash. The order must be dropped and the block returned.
	e := newTestEngine(t, dailyTape(100, 2000), 1000, 0, 0.001)

	if _, err := e.Place(order.Request{
		OrderType: "MARKET", Direction: "BUY",
		BaseAsset: "usdt", TargetAsset: "btc",
		Quantity: f(1), ExecutionPrice: f(100),
	}); err != nil {
		t.Fatalf("Place: %v", err)
	}

	if err := e.Advance(); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if cash := mustBalance(t, e, "usdt"); !cash.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("cash = %s, want 1000", cash)
	}
	if btc := mustBalance(t, e, "btc"); !btc.IsZero() {
		t.Errorf("btc = %s, want 0", btc)
	}
	if open := mustOrders(t, e); len(open) != 0 {
		t.Errorf("open orders = %d, want 0", len(open))
	}
}

func TestMissingCandleSkipsTickWithoutPhantomFill(t *testing.T) {
	t.Parallel()

	// Three candles; the engine is told to replay four ticks, so tick 4
	// finds no candle and must resolve against the stale close of 150,
	// not a fabricated price.
	src := dailyTape(150, 150, 150)
	led := ledger.New(decimal.NewFromInt(10000), map[string]decimal.Decimal{"btc": {}})
	cfg := Config{
		Assets:       []string{"btc"},
		BaseAsset:    "usdt",
		Timeframe:    types.D1,
		TicksForTest: 3,
		Multiplier:   0.001,
		Commission:   decimal.NewFromFloat(0.001),
	}
	e, err := New(context.Background(), 1, cfg, src, led, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(e.Stop)

	// A limit buy at 1 would fill instantly against a dummy close of 1.
	if _, err := e.Place(order.Request{
		OrderType: "LIMIT", Direction: "BUY",
		BaseAsset: "usdt", TargetAsset: "btc",
		Quantity: f(1), ExecutionPrice: f(1),
	}); err != nil {
		t.Fatalf("Place: %v", err)
	}

	for i := 0; i < 4; i++ {
		if err := e.Advance(); err != nil {
			t.Fatalf("Advance: %v", err)
		}
	}
	if open := mustOrders(t, e); len(open) != 1 {
		t.Errorf("open orders = %d, want 1 (no phantom fill)", len(open))
	}
}

func TestOrdersReturnsDetachedCopies(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, dailyTape(200, 180), 0, 2, 0.001)

	placed, err := e.Place(order.Request{
		OrderType: "OCO", Direction: "SELL",
		BaseAsset: "usdt", TargetAsset: "btc",
		Quantity:       f(2),
		ExecutionPrice: f(220),
		SignalPrice:    f(190),
		StopPrice:      f(185),
	})
	if err != nil {
		t.Fatalf("Place: %v", err)
	}

	before := mustOrders(t, e)
	if len(before) != 2 {
		t.Fatalf("open orders = %d, want 2", len(before))
	}

	// close 180 ≤ 190: the stop leg promotes and the limit leg is re-linked
	// to the replacement id. The earlier snapshot must not change under us.
	if err := e.Advance(); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if before[0].BoundedOrderID != placed[1].ID {
		t.Errorf("snapshot mutated: bounded = %s, want %s", before[0].BoundedOrderID, placed[1].ID)
	}

	after := mustOrders(t, e)
	if len(after) != 2 {
		t.Fatalf("after promotion: open orders = %d, want 2", len(after))
	}
	if after[1].ID == placed[1].ID {
		t.Errorf("promoted leg kept its old id %s", placed[1].ID)
	}
	if after[0].BoundedOrderID != after[1].ID {
		t.Errorf("limit leg bounded = %s, want the promoted id %s", after[0].BoundedOrderID, after[1].ID)
	}
}

func TestResolvesTapeWithOffsetTimestamps(t *testing.T) {
	t.Parallel()

	// Daily candles opening at 02:00 UTC: timestamps are not multiples of
	// the timeframe, and the tick must still pick them up.
	candles := make([]types.Candle, 0, 2)
	for i, px := range []float64{100, 110} {
		p := decimal.NewFromFloat(px)
		candles = append(candles, types.Candle{
			Symbol:    "btc",
			Timeframe: types.D1,
			Ts:        day*int64(i+1) + 7200,
			Open:      p, High: p, Low: p, Close: p,
			Volume: decimal.NewFromInt(1),
		})
	}
	src := &fakeSource{series: map[string][]types.Candle{
		seriesKey("btc", types.D1): candles,
	}}

	e := newTestEngine(t, src, 0, 1, 0)

	if _, err := e.Place(order.Request{
		OrderType: "LIMIT", Direction: "SELL",
		BaseAsset: "usdt", TargetAsset: "btc",
		Quantity: f(1), ExecutionPrice: f(105),
	}); err != nil {
		t.Fatalf("Place: %v", err)
	}

	// close 110 ≥ 105: fill at the limit price
	if err := e.Advance(); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if open := mustOrders(t, e); len(open) != 0 {
		t.Fatalf("open orders = %d, want 0 (candle never fetched)", len(open))
	}
	if cash := mustBalance(t, e, "usdt"); !cash.Equal(decimal.NewFromInt(105)) {
		t.Errorf("cash = %s, want 105", cash)
	}
}

func TestMissingCandleIsLogged(t *testing.T) {
	t.Parallel()

	// Advance is synchronous, so the coordinator's log write is visible
	// once it returns.
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	src := dailyTape(150, 150, 150)
	led := ledger.New(decimal.NewFromInt(1000), map[string]decimal.Decimal{"btc": {}})
	cfg := Config{
		Assets:       []string{"btc"},
		BaseAsset:    "usdt",
		Timeframe:    types.D1,
		TicksForTest: 3,
		Multiplier:   0.001,
		Commission:   decimal.NewFromFloat(0.001),
	}
	e, err := New(context.Background(), 1, cfg, src, led, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(e.Stop)

	// Tick 4 runs off the end of the three-candle tape.
	for i := 0; i < 4; i++ {
		if err := e.Advance(); err != nil {
			t.Fatalf("Advance: %v", err)
		}
	}
	if !strings.Contains(buf.String(), "candle absent") {
		t.Errorf("no debug line for the skipped tick, log: %q", buf.String())
	}
}

func TestFillsAreFIFOWithinOnePass(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, dailyTape(120, 90), 100000, 0, 0)

	first, err := e.Place(order.Request{
		OrderType: "LIMIT", Direction: "BUY",
		BaseAsset: "usdt", TargetAsset: "btc",
		Quantity: f(1), ExecutionPrice: f(100),
	})
	if err != nil {
		t.Fatalf("Place first: %v", err)
	}
	second, err := e.Place(order.Request{
		OrderType: "LIMIT", Direction: "BUY",
		BaseAsset: "usdt", TargetAsset: "btc",
		Quantity: f(1), ExecutionPrice: f(110),
	})
	if err != nil {
		t.Fatalf("Place second: %v", err)
	}

	if err := e.Advance(); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	var fills []string
	deadline := time.After(time.Second)
	for len(fills) < 2 {
		select {
		case ev := <-e.Events():
			if ev.Type != "fill" {
				continue
			}
			data := ev.Data.(map[string]any)
			fills = append(fills, data["order"].(*order.Order).ID)
		case <-deadline:
			t.Fatal("timed out waiting for fill events")
		}
	}
	if fills[0] != first[0].ID || fills[1] != second[0].ID {
		t.Errorf("fill order = %v, want [%s %s]", fills, first[0].ID, second[0].ID)
	}
}

func TestStopIsIdempotentAndFailsLaterCalls(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, dailyTape(100, 100), 1000, 0, 0.001)

	e.Stop()
	e.Stop()

	if _, err := e.Orders(); !errors.Is(err, types.ErrState) {
		t.Errorf("Orders after stop: err = %v, want ErrState", err)
	}
	if err := e.Advance(); !errors.Is(err, types.ErrState) {
		t.Errorf("Advance after stop: err = %v, want ErrState", err)
	}
}

func TestStatisticsFromFills(t *testing.T) {
	t.Parallel()

	// Buy 1 at 100, sell 1 at 150, zero commission:
	// realized = 150 − 100 = 50, one winning sell.
	e := newTestEngine(t, dailyTape(100, 100, 150, 150), 10000, 0, 0)

	if _, err := e.Place(order.Request{
		OrderType: "MARKET", Direction: "BUY",
		BaseAsset: "usdt", TargetAsset: "btc",
		Quantity: f(1),
	}); err != nil {
		t.Fatalf("Place buy: %v", err)
	}
	if err := e.Advance(); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	if _, err := e.Place(order.Request{
		OrderType: "LIMIT", Direction: "SELL",
		BaseAsset: "usdt", TargetAsset: "btc",
		Quantity: f(1), ExecutionPrice: f(150),
	}); err != nil {
		t.Fatalf("Place sell: %v", err)
	}
	if err := e.Advance(); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	stats, err := e.Statistics()
	if err != nil {
		t.Fatalf("Statistics: %v", err)
	}
	if !stats.RealizedPnL.Equal(decimal.NewFromInt(50)) {
		t.Errorf("realized = %s, want 50", stats.RealizedPnL)
	}
	if stats.ClosedOrders != 2 {
		t.Errorf("closed orders = %d, want 2", stats.ClosedOrders)
	}
	if stats.WinRate != 1.0 {
		t.Errorf("win rate = %v, want 1.0", stats.WinRate)
	}
	if stats.OpenOrders != 0 {
		t.Errorf("open orders = %d, want 0", stats.OpenOrders)
	}
}

func TestStatisticsEmptyDefaultsToZero(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, dailyTape(100, 100), 1000, 0, 0.001)
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	stats, err := e.Statistics()
	if err != nil {
		t.Fatalf("Statistics: %v", err)
	}
	if !stats.PnL.IsZero() || !stats.RealizedPnL.IsZero() || !stats.UnrealizedPnL.IsZero() {
		t.Errorf("pnl fields = %s/%s/%s, want all zero", stats.PnL, stats.RealizedPnL, stats.UnrealizedPnL)
	}
	if stats.WinRate != 0 || stats.ClosedOrders != 0 || stats.OpenOrders != 0 {
		t.Errorf("counts = %v, want all zero", stats)
	}
}
