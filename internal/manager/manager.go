// Package manager supervises the per-user engines: one live engine per
// user, hydrated from persisted snapshots, evicted when idle, persisted on
// stop.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"paper-exchange/internal/engine"
	"paper-exchange/internal/ledger"
	"paper-exchange/internal/metrics"
	"paper-exchange/internal/order"
	"paper-exchange/internal/store"
	"paper-exchange/pkg/types"
)

// SnapshotStore is the persistence surface the manager needs. *store.Store
// satisfies it; tests use an in-memory fake.
type SnapshotStore interface {
	Balances(ctx context.Context, userID int64) (map[string]decimal.Decimal, error)
	SaveBalances(ctx context.Context, userID int64, balances map[string]decimal.Decimal) error
	Snapshot(ctx context.Context, userID int64) (store.Snapshot, error)
	SaveSnapshot(ctx context.Context, snap store.Snapshot) error
	OpenOrders(ctx context.Context, userID int64) ([]*order.Order, error)
	SaveOpenOrders(ctx context.Context, userID int64, orders []*order.Order) error
}

// Config carries the engine defaults and eviction policy.
type Config struct {
	Assets            []string
	BaseAsset         string
	Timeframe         types.Timeframe
	MultiTimeframes   bool
	TicksForTest      int
	DefaultMultiplier float64
	DefaultCommission float64
	IdleTimeout       time.Duration
	ReaperInterval    time.Duration
}

// Manager owns the user → engine registry. All map mutations are
// serialized behind one mutex; engine internals have their own
// coordinator.
type Manager struct {
	cfg    Config
	store  SnapshotStore
	source engine.CandleSource
	logger *slog.Logger

	mu      sync.Mutex
	engines map[int64]*engine.Engine
}

func New(cfg Config, st SnapshotStore, source engine.CandleSource, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		store:   st,
		source:  source,
		logger:  logger.With("component", "manager"),
		engines: make(map[int64]*engine.Engine),
	}
}

// Start returns the user's engine in RUNNING state, hydrating a new one
// from the snapshot if none is live.
func (m *Manager) Start(ctx context.Context, userID int64) (*engine.Engine, error) {
	eng, err := m.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := eng.Start(); err != nil {
		return nil, err
	}
	return eng, nil
}

// Get returns the user's engine without forcing it to RUNNING, hydrating
// from the snapshot if needed.
func (m *Manager) Get(ctx context.Context, userID int64) (*engine.Engine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if eng, ok := m.engines[userID]; ok {
		return eng, nil
	}

	eng, err := m.hydrate(ctx, userID)
	if err != nil {
		return nil, err
	}
	m.engines[userID] = eng
	metrics.SetEngines(len(m.engines))
	return eng, nil
}

// hydrate builds an engine from persisted state: snapshot (or defaults),
// free balances, and open orders carrying their blocked amounts. Runs with
// the registry lock held.
func (m *Manager) hydrate(ctx context.Context, userID int64) (*engine.Engine, error) {
	multiplier := m.cfg.DefaultMultiplier
	commission := decimal.NewFromFloat(m.cfg.DefaultCommission)

	snap, err := m.store.Snapshot(ctx, userID)
	switch {
	case err == nil:
		multiplier = snap.Multiplier
		commission = snap.Commission
	case errors.Is(err, types.ErrNotFound):
		// first session for this user
	default:
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	balances, err := m.store.Balances(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load balances: %w", err)
	}
	cash := balances[m.cfg.BaseAsset]
	delete(balances, m.cfg.BaseAsset)

	eng, err := engine.New(ctx, userID, engine.Config{
		Assets:          m.cfg.Assets,
		BaseAsset:       m.cfg.BaseAsset,
		Timeframe:       m.cfg.Timeframe,
		MultiTimeframes: m.cfg.MultiTimeframes,
		TicksForTest:    m.cfg.TicksForTest,
		Multiplier:      multiplier,
		Commission:      commission,
	}, m.source, ledger.New(cash, balances), m.logger)
	if err != nil {
		return nil, err
	}

	orders, err := m.store.OpenOrders(ctx, userID)
	if err != nil {
		eng.Stop()
		return nil, fmt.Errorf("load open orders: %w", err)
	}
	if len(orders) > 0 {
		if err := eng.Restore(orders); err != nil {
			eng.Stop()
			return nil, fmt.Errorf("restore orders: %w", err)
		}
	}

	m.logger.Info("engine hydrated", "user_id", userID, "open_orders", len(orders))
	return eng, nil
}

// Stop persists the user's session and shuts the engine down. Persistence
// failures are retried once and then logged; they never leave the user
// with a ghost engine — the in-memory stop always happens.
func (m *Manager) Stop(ctx context.Context, userID int64) error {
	m.mu.Lock()
	eng, ok := m.engines[userID]
	if ok {
		delete(m.engines, userID)
		metrics.SetEngines(len(m.engines))
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("no running exchange for user %d: %w", userID, types.ErrState)
	}

	if err := m.persist(ctx, userID, eng); err != nil {
		m.logger.Warn("persist on stop failed, retrying", "user_id", userID, "error", err)
		if err := m.persist(ctx, userID, eng); err != nil {
			m.logger.Error("persist on stop failed", "user_id", userID, "error", err)
		}
	}

	eng.Stop()
	return nil
}

// persist writes the snapshot, balances, and open orders while the engine
// is still answering queries. Balances and orders come from one engine
// command: the tick driver keeps running until Stop, and a fill between
// separate reads would persist pre-fill balances with a post-fill order
// list, losing the blocked funds.
func (m *Manager) persist(ctx context.Context, userID int64, eng *engine.Engine) error {
	balances, orders, err := eng.SessionState()
	if err != nil {
		return fmt.Errorf("read session state: %w", err)
	}

	if err := m.store.SaveSnapshot(ctx, store.Snapshot{
		UserID:     userID,
		LastUsed:   time.Now(),
		Multiplier: eng.Multiplier(),
		Commission: eng.Commission(),
	}); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	if err := m.store.SaveBalances(ctx, userID, balances); err != nil {
		return fmt.Errorf("save balances: %w", err)
	}
	if err := m.store.SaveOpenOrders(ctx, userID, orders); err != nil {
		return fmt.Errorf("save orders: %w", err)
	}
	return nil
}

// SetMultiplier applies the speedup to the live engine and persists it.
func (m *Manager) SetMultiplier(ctx context.Context, userID int64, multiplier float64) error {
	eng, err := m.Get(ctx, userID)
	if err != nil {
		return err
	}
	if err := eng.SetMultiplier(multiplier); err != nil {
		return err
	}
	return m.saveSnapshot(ctx, userID, eng)
}

// SetCommission applies the commission rate to the live engine and
// persists it.
func (m *Manager) SetCommission(ctx context.Context, userID int64, commission float64) error {
	eng, err := m.Get(ctx, userID)
	if err != nil {
		return err
	}
	if err := eng.SetCommission(commission); err != nil {
		return err
	}
	return m.saveSnapshot(ctx, userID, eng)
}

func (m *Manager) saveSnapshot(ctx context.Context, userID int64, eng *engine.Engine) error {
	return m.store.SaveSnapshot(ctx, store.Snapshot{
		UserID:     userID,
		LastUsed:   time.Now(),
		Multiplier: eng.Multiplier(),
		Commission: eng.Commission(),
	})
}

// Run drives the reaper until ctx is done: every interval, engines idle
// longer than the timeout are stopped and persisted. On shutdown every
// remaining engine is stopped the same way.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.reap(ctx)
		case <-ctx.Done():
			m.StopAll(context.Background())
			return
		}
	}
}

func (m *Manager) reap(ctx context.Context) {
	m.mu.Lock()
	var idle []int64
	for userID, eng := range m.engines {
		if time.Since(eng.LastActivity()) > m.cfg.IdleTimeout {
			idle = append(idle, userID)
		}
	}
	m.mu.Unlock()

	for _, userID := range idle {
		m.logger.Info("evicting idle engine", "user_id", userID)
		if err := m.Stop(ctx, userID); err != nil {
			m.logger.Warn("idle eviction", "user_id", userID, "error", err)
		}
	}
}

// StopAll stops and persists every live engine.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	var users []int64
	for userID := range m.engines {
		users = append(users, userID)
	}
	m.mu.Unlock()

	for _, userID := range users {
		if err := m.Stop(ctx, userID); err != nil {
			m.logger.Warn("stop on shutdown", "user_id", userID, "error", err)
		}
	}
}
