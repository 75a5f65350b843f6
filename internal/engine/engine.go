// Package engine implements the per-user matching and replay engine.
//
// An engine replays historical candles on a multiplier-scaled clock and
// resolves open orders against each new candle. All mutable state is owned
// by a single coordinator goroutine; external calls (place, cancel,
// queries) and tick events are delivered to it as commands over a channel,
// so no state is ever observed half-resolved. The wall-clock tick driver is
// only a pacing device — tests drive Advance directly.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"paper-exchange/internal/ledger"
	"paper-exchange/internal/metrics"
	"paper-exchange/internal/order"
	"paper-exchange/pkg/types"
)

// CandleSource is the read side of the candle store the engine replays
// from. *candles.Store satisfies it.
type CandleSource interface {
	GetByTime(ctx context.Context, symbol string, tf types.Timeframe, ts int64) (types.Candle, error)
	Latest(ctx context.Context, symbol string, tf types.Timeframe, n int) ([]types.Candle, error)
	LatestBefore(ctx context.Context, symbol string, tf types.Timeframe, ts int64, n int) ([]types.Candle, error)
}

// Config carries the per-engine replay parameters.
type Config struct {
	Assets          []string
	BaseAsset       string
	Timeframe       types.Timeframe
	MultiTimeframes bool
	TicksForTest    int
	Multiplier      float64
	Commission      decimal.Decimal
}

type state int

const (
	stateCreated state = iota
	stateRunning
	stateStopped
)

// candleKey identifies the latest-candle slot for one (symbol, timeframe).
type candleKey struct {
	symbol string
	tf     types.Timeframe
}

type command struct {
	fn   func()
	done chan struct{}
}

const fetchTimeout = 10 * time.Second

// Engine is one user's simulation instance.
type Engine struct {
	userID int64
	cfg    Config
	source CandleSource
	logger *slog.Logger

	// Owned by the coordinator goroutine.
	state       state
	startTime   int64
	currentTime int64
	oneTick     int64
	ledger      *ledger.Ledger
	open        []*order.Order
	index       map[string]*order.Order
	latest      map[candleKey]types.Candle
	journal     *journal

	// Scalars the manager reads without entering the coordinator.
	metaMu       sync.RWMutex
	multiplier   float64
	commission   decimal.Decimal
	lastActivity time.Time

	cmds     chan command
	quit     chan struct{}
	stopOnce sync.Once
	events   chan types.EngineEvent
}

// New builds an engine positioned tickBudget candles before the end of the
// tape, so every simulation replays exactly that many candles. The starting
// point is derived from the latest daily candle of the first configured
// asset. The coordinator goroutine starts immediately; the clock does not
// run until Start.
func New(ctx context.Context, userID int64, cfg Config, source CandleSource, led *ledger.Ledger, logger *slog.Logger) (*Engine, error) {
	if len(cfg.Assets) == 0 {
		return nil, fmt.Errorf("engine needs at least one asset: %w", types.ErrValidation)
	}

	last, err := source.Latest(ctx, cfg.Assets[0], types.D1, 1)
	if err != nil {
		return nil, fmt.Errorf("locate end of tape: %w", err)
	}

	oneTick := cfg.Timeframe.Seconds()
	budget := cfg.Timeframe.TickBudget(cfg.TicksForTest)
	start := last[0].Ts - oneTick*int64(budget)

	e := &Engine{
		userID:       userID,
		cfg:          cfg,
		source:       source,
		logger:       logger.With("component", "engine", "user_id", userID),
		state:        stateCreated,
		startTime:    start,
		currentTime:  start,
		oneTick:      oneTick,
		ledger:       led,
		index:        make(map[string]*order.Order),
		latest:       make(map[candleKey]types.Candle),
		journal:      newJournal(),
		multiplier:   cfg.Multiplier,
		commission:   cfg.Commission,
		lastActivity: time.Now(),
		cmds:         make(chan command),
		quit:         make(chan struct{}),
		events:       make(chan types.EngineEvent, 64),
	}

	// Seed the latest-candle slots so orders placed before the first tick
	// have a reference price.
	for _, asset := range cfg.Assets {
		for _, tf := range e.timeframes() {
			c, err := latestAt(ctx, source, asset, tf, start)
			if err != nil {
				e.logger.Warn("no seed candle", "asset", asset, "timeframe", tf, "error", err)
				continue
			}
			e.latest[candleKey{asset, tf}] = c
		}
	}

	go e.run()
	return e, nil
}

func latestAt(ctx context.Context, source CandleSource, asset string, tf types.Timeframe, ts int64) (types.Candle, error) {
	batch, err := source.LatestBefore(ctx, asset, tf, ts+1, 1)
	if err != nil {
		return types.Candle{}, err
	}
	return batch[0], nil
}

// timeframes returns the timeframe set replayed each tick: the configured
// base, plus 4h and 1d roll-ups when multi-timeframe replay is on (which
// requires a 1h base).
func (e *Engine) timeframes() []types.Timeframe {
	if e.cfg.MultiTimeframes && e.cfg.Timeframe == types.H1 {
		return []types.Timeframe{types.H1, types.H4, types.D1}
	}
	return []types.Timeframe{e.cfg.Timeframe}
}

func (e *Engine) run() {
	for {
		select {
		case c := <-e.cmds:
			c.fn()
			close(c.done)
		case <-e.quit:
			return
		}
	}
}

// do runs fn on the coordinator goroutine and waits for it. Once the
// engine is stopped every call fails with ErrState.
func (e *Engine) do(fn func()) error {
	c := command{fn: fn, done: make(chan struct{})}
	select {
	case e.cmds <- c:
	case <-e.quit:
		return fmt.Errorf("engine is stopped: %w", types.ErrState)
	}
	select {
	case <-c.done:
		return nil
	case <-e.quit:
		return fmt.Errorf("engine is stopped: %w", types.ErrState)
	}
}

// Start transitions the engine to RUNNING and launches the wall-clock tick
// driver. Starting a running engine is a no-op; starting a stopped one
// fails.
func (e *Engine) Start() error {
	var startDriver bool
	err := e.do(func() {
		switch e.state {
		case stateCreated:
			e.state = stateRunning
			startDriver = true
		case stateRunning:
			// already running
		}
	})
	if err != nil {
		return err
	}
	if startDriver {
		e.touch()
		go e.driveTicks()
		e.logger.Info("engine started", "current_time", e.CurrentTime())
	}
	return nil
}

// Stop halts the clock and the coordinator. Idempotent: the second and
// later calls are no-ops. In-flight commands complete; later calls observe
// ErrState.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		_ = e.do(func() { e.state = stateStopped })
		close(e.quit)
		e.logger.Info("engine stopped")
	})
}

// driveTicks paces the simulated clock: sleep 1/multiplier wall seconds,
// then advance one tick. Exits when the engine stops.
func (e *Engine) driveTicks() {
	for {
		interval := time.Duration(float64(time.Second) / e.Multiplier())
		select {
		case <-time.After(interval):
			if err := e.Advance(); err != nil {
				return
			}
		case <-e.quit:
			return
		}
	}
}

// Advance moves simulated time forward one tick and resolves open orders
// against the new candles. Exposed so tests and tools can drive the replay
// without the wall clock.
func (e *Engine) Advance() error {
	return e.do(e.advance)
}

// Place validates, admits, and registers an order (or an OCO pair).
// Admission blocks the worst-case settlement amount; for OCO the max of
// the two legs' worst cases, shared between them. Placement on a CREATED
// engine implicitly starts it.
func (e *Engine) Place(req order.Request) ([]*order.Order, error) {
	orders, err := order.Create(req)
	if err != nil {
		metrics.IncRejected("validation")
		return nil, err
	}
	if err := e.Start(); err != nil {
		return nil, err
	}

	// Clone inside the command: once admitted, the originals belong to the
	// coordinator and the resolver may mutate them.
	var admitErr error
	var placed []*order.Order
	if err := e.do(func() {
		if admitErr = e.admit(orders); admitErr != nil {
			return
		}
		placed = make([]*order.Order, len(orders))
		for i, o := range orders {
			placed[i] = o.Clone()
		}
	}); err != nil {
		return nil, err
	}
	if admitErr != nil {
		return nil, admitErr
	}
	e.touch()

	for _, o := range placed {
		metrics.IncPlaced(string(o.Kind), string(o.Side))
		e.emit("order", o)
	}
	return placed, nil
}

// admit runs on the coordinator: solvency check, block, append.
func (e *Engine) admit(orders []*order.Order) error {
	lead := orders[0]
	fallback := decimal.Decimal{}
	if c, ok := e.latest[candleKey{lead.TargetAsset, e.cfg.Timeframe}]; ok {
		fallback = c.AveragePrice()
	}

	blocked := decimal.Decimal{}
	for _, o := range orders {
		w, err := o.WorstCaseBlock(e.Commission(), fallback)
		if err != nil {
			metrics.IncRejected("validation")
			return err
		}
		if w.GreaterThan(blocked) {
			blocked = w
		}
	}

	if err := e.ledger.Block(lead.Side, lead.TargetAsset, blocked); err != nil {
		metrics.IncRejected("funds")
		return err
	}

	for _, o := range orders {
		o.UserID = e.userID
		o.BlockedAmount = blocked
		e.open = append(e.open, o)
		e.index[o.ID] = o
	}
	return nil
}

// Cancel removes an open order and returns its blocked funds. Cancelling
// an OCO leg removes the sibling too; the shared block is released once.
func (e *Engine) Cancel(id string) error {
	var cancelled []*order.Order
	err := e.do(func() {
		o, ok := e.index[id]
		if !ok {
			return
		}
		e.ledger.Unblock(o.Side, o.TargetAsset, o.BlockedAmount)
		e.remove(o.ID)
		cancelled = append(cancelled, o.Clone())
		if o.IsOCOLeg() {
			if sib, ok := e.index[o.BoundedOrderID]; ok {
				e.remove(sib.ID)
				cancelled = append(cancelled, sib.Clone())
			}
		}
	})
	if err != nil {
		return err
	}
	if len(cancelled) == 0 {
		return fmt.Errorf("order %s: %w", id, types.ErrNotFound)
	}
	e.touch()
	for _, o := range cancelled {
		metrics.IncCancelled()
		e.emit("cancel", o)
	}
	return nil
}

// remove deletes an order from the FIFO list and the id index.
func (e *Engine) remove(id string) {
	delete(e.index, id)
	for i, o := range e.open {
		if o.ID == id {
			e.open = append(e.open[:i], e.open[i+1:]...)
			return
		}
	}
}

// Orders returns value copies of the open orders in placement order,
// detached from the coordinator's state.
func (e *Engine) Orders() ([]*order.Order, error) {
	var out []*order.Order
	err := e.do(func() {
		out = make([]*order.Order, len(e.open))
		for i, o := range e.open {
			out[i] = o.Clone()
		}
	})
	if err != nil {
		return nil, err
	}
	e.touch()
	return out, nil
}

// Order returns a value copy of one open order by id.
func (e *Engine) Order(id string) (*order.Order, error) {
	var out *order.Order
	err := e.do(func() {
		if o, ok := e.index[id]; ok {
			out = o.Clone()
		}
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, fmt.Errorf("order %s: %w", id, types.ErrNotFound)
	}
	e.touch()
	return out, nil
}

// Balances returns all free balances, cash keyed by the base asset.
func (e *Engine) Balances() (map[string]decimal.Decimal, error) {
	var out map[string]decimal.Decimal
	err := e.do(func() {
		out = e.ledger.Balances()
		out[e.cfg.BaseAsset] = e.ledger.Cash()
	})
	if err != nil {
		return nil, err
	}
	e.touch()
	return out, nil
}

// Balance returns the free balance of one asset. Assets outside the
// configured set are not-found.
func (e *Engine) Balance(asset string) (decimal.Decimal, error) {
	if !e.knownAsset(asset) {
		return decimal.Decimal{}, fmt.Errorf("balance %s: %w", asset, types.ErrNotFound)
	}
	var out decimal.Decimal
	err := e.do(func() {
		if asset == e.cfg.BaseAsset {
			out = e.ledger.Cash()
		} else {
			out = e.ledger.Asset(asset)
		}
	})
	if err != nil {
		return decimal.Decimal{}, err
	}
	e.touch()
	return out, nil
}

func (e *Engine) knownAsset(asset string) bool {
	if asset == e.cfg.BaseAsset {
		return true
	}
	for _, a := range e.cfg.Assets {
		if a == asset {
			return true
		}
	}
	return false
}

// Statistics returns the trading statistics computed from the fill journal
// and current marks.
func (e *Engine) Statistics() (Statistics, error) {
	var out Statistics
	err := e.do(func() {
		marks := make(map[string]decimal.Decimal, len(e.cfg.Assets))
		for _, asset := range e.cfg.Assets {
			if c, ok := e.latest[candleKey{asset, e.cfg.Timeframe}]; ok {
				marks[asset] = c.AveragePrice()
			}
		}
		out = e.journal.Statistics(len(e.open), marks)
	})
	if err != nil {
		return Statistics{}, err
	}
	e.touch()
	return out, nil
}

// SessionState returns the free balances (cash keyed by the base asset)
// and cloned open orders captured in a single coordinator command, so the
// pair is mutually consistent even while the clock is running. This is the
// read persistence must use: balances and orders taken in separate calls
// can straddle a fill and lose the blocked funds.
func (e *Engine) SessionState() (map[string]decimal.Decimal, []*order.Order, error) {
	var balances map[string]decimal.Decimal
	var orders []*order.Order
	err := e.do(func() {
		balances = e.ledger.Balances()
		balances[e.cfg.BaseAsset] = e.ledger.Cash()
		orders = make([]*order.Order, len(e.open))
		for i, o := range e.open {
			orders[i] = o.Clone()
		}
	})
	if err != nil {
		return nil, nil, err
	}
	return balances, orders, nil
}

// Restore registers orders hydrated from a snapshot without re-blocking:
// persisted free balances already exclude the recorded blocked amounts.
// Must be called before Start.
func (e *Engine) Restore(orders []*order.Order) error {
	return e.do(func() {
		for _, o := range orders {
			e.open = append(e.open, o)
			e.index[o.ID] = o
		}
	})
}

// CurrentTime returns the simulated clock.
func (e *Engine) CurrentTime() int64 {
	var ts int64
	_ = e.do(func() { ts = e.currentTime })
	return ts
}

// Done is closed when the engine stops.
func (e *Engine) Done() <-chan struct{} {
	return e.quit
}

// Events is the engine's notification stream: one message per tick plus
// order lifecycle events. Messages are dropped when the buffer is full so
// a slow consumer can never stall the coordinator.
func (e *Engine) Events() <-chan types.EngineEvent {
	return e.events
}

func (e *Engine) emit(kind string, data any) {
	ev := types.EngineEvent{
		Type:      kind,
		UserID:    e.userID,
		Timestamp: time.Now(),
		Data:      data,
	}
	select {
	case e.events <- ev:
	default:
	}
}

// SetMultiplier changes the wall-clock speedup. Takes effect on the next
// tick interval.
func (e *Engine) SetMultiplier(m float64) error {
	if m <= 0 || m > 1000 {
		return fmt.Errorf("multiplier must be in (0, 1000]: %w", types.ErrValidation)
	}
	e.metaMu.Lock()
	e.multiplier = m
	e.metaMu.Unlock()
	e.touch()
	return nil
}

// SetCommission changes the commission rate applied to future fills.
func (e *Engine) SetCommission(c float64) error {
	if c < 0 || c >= 1 {
		return fmt.Errorf("commission must be in [0, 1): %w", types.ErrValidation)
	}
	e.metaMu.Lock()
	e.commission = decimal.NewFromFloat(c)
	e.metaMu.Unlock()
	e.touch()
	return nil
}

// Multiplier returns the current wall-clock speedup.
func (e *Engine) Multiplier() float64 {
	e.metaMu.RLock()
	defer e.metaMu.RUnlock()
	return e.multiplier
}

// Commission returns the current commission rate.
func (e *Engine) Commission() decimal.Decimal {
	e.metaMu.RLock()
	defer e.metaMu.RUnlock()
	return e.commission
}

// LastActivity returns the wall-clock time of the last user-driven
// operation. Ticks do not count as activity, so idle engines are evicted
// even while their clock runs.
func (e *Engine) LastActivity() time.Time {
	e.metaMu.RLock()
	defer e.metaMu.RUnlock()
	return e.lastActivity
}

func (e *Engine) touch() {
	e.metaMu.Lock()
	e.lastActivity = time.Now()
	e.metaMu.Unlock()
}
