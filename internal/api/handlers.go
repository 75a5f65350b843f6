package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/shopspring/decimal"

	"paper-exchange/internal/manager"
	"paper-exchange/internal/order"
	"paper-exchange/internal/store"
	"paper-exchange/pkg/types"
)

// UserStore is the account surface the handlers need. *store.Store
// satisfies it.
type UserStore interface {
	CreateUser(ctx context.Context, assets []string, baseAsset string, initialCash decimal.Decimal) (store.User, error)
	UserByAPIKey(ctx context.Context, apiKey string) (int64, error)
}

// Handlers holds all HTTP handler dependencies. This layer owns no
// business logic: authenticate, dispatch to the manager/engine, translate
// the result.
type Handlers struct {
	users    UserStore
	manager  *manager.Manager
	assets   []string
	base     string
	initCash decimal.Decimal
	hub      *Hub
	logger   *slog.Logger
}

// NewHandlers creates a handlers instance.
func NewHandlers(users UserStore, mgr *manager.Manager, assets []string, baseAsset string, initialCash decimal.Decimal, hub *Hub, logger *slog.Logger) *Handlers {
	return &Handlers{
		users:    users,
		manager:  mgr,
		assets:   assets,
		base:     baseAsset,
		initCash: initialCash,
		hub:      hub,
		logger:   logger.With("component", "api-handlers"),
	}
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrAuth):
		return http.StatusForbidden
	case errors.Is(err, types.ErrValidation), errors.Is(err, types.ErrInsufficientFunds):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrState):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "error", err)
		h.writeJSON(w, status, errorResponse{Message: "internal error"})
		return
	}
	h.writeJSON(w, status, errorResponse{Message: err.Error()})
}

// withUser authenticates the api_key query/form parameter and passes the
// resolved user id to the wrapped handler.
func (h *Handlers) withUser(next func(w http.ResponseWriter, r *http.Request, userID int64)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get("api_key")
		if key == "" {
			h.writeError(w, fmt.Errorf("api_key missing: %w", types.ErrAuth))
			return
		}
		userID, err := h.users.UserByAPIKey(r.Context(), key)
		if err != nil {
			h.writeError(w, err)
			return
		}
		next(w, r, userID)
	}
}

// floatParam reads a numeric parameter from the query string or a
// one-field JSON body.
func floatParam(r *http.Request, name string) (float64, error) {
	if v := r.URL.Query().Get(name); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("%s must be a number: %w", name, types.ErrValidation)
		}
		return f, nil
	}
	var body map[string]float64
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("%s missing: %w", name, types.ErrValidation)
	}
	v, ok := body[name]
	if !ok {
		return 0, fmt.Errorf("%s missing: %w", name, types.ErrValidation)
	}
	return v, nil
}

// HandleHealth returns a simple health check response.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleGenerateAPIKey mints a user with default balances.
func (h *Handlers) HandleGenerateAPIKey(w http.ResponseWriter, r *http.Request) {
	u, err := h.users.CreateUser(r.Context(), h.assets, h.base, h.initCash)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, apiKeyResponse{APIKey: u.APIKey})
}

// HandleStartExchange starts (or resumes) the user's exchange session.
func (h *Handlers) HandleStartExchange(w http.ResponseWriter, r *http.Request, userID int64) {
	if _, err := h.manager.Start(r.Context(), userID); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, messageResponse{Message: "exchange started"})
}

// HandleStopExchange persists and closes the session. The session is
// reported closed even if persistence fails; the user is never left with
// a ghost engine.
func (h *Handlers) HandleStopExchange(w http.ResponseWriter, r *http.Request, userID int64) {
	if err := h.manager.Stop(r.Context(), userID); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, messageResponse{Message: "exchange stopped"})
}

// HandleSetMultiplier changes the replay speedup.
func (h *Handlers) HandleSetMultiplier(w http.ResponseWriter, r *http.Request, userID int64) {
	m, err := floatParam(r, "multiplier")
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.manager.SetMultiplier(r.Context(), userID, m); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, messageResponse{Message: "multiplier updated"})
}

// HandleSetCommission changes the commission rate.
func (h *Handlers) HandleSetCommission(w http.ResponseWriter, r *http.Request, userID int64) {
	c, err := floatParam(r, "commission")
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.manager.SetCommission(r.Context(), userID, c); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, messageResponse{Message: "commission updated"})
}

// HandlePlaceOrder validates and admits an order; placement implicitly
// starts a created engine.
func (h *Handlers) HandlePlaceOrder(w http.ResponseWriter, r *http.Request, userID int64) {
	var req order.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, fmt.Errorf("malformed order payload: %w", types.ErrValidation))
		return
	}

	eng, err := h.manager.Get(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	placed, err := eng.Place(req)
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp := placeOrderResponse{OrderID: placed[0].ID}
	if len(placed) > 1 {
		resp.BoundedOrderID = placed[1].ID
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// HandleListOrders returns the open orders in placement order.
func (h *Handlers) HandleListOrders(w http.ResponseWriter, r *http.Request, userID int64) {
	eng, err := h.manager.Get(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	orders, err := eng.Orders()
	if err != nil {
		h.writeError(w, err)
		return
	}
	if orders == nil {
		orders = []*order.Order{}
	}
	h.writeJSON(w, http.StatusOK, orders)
}

// HandleGetOrder returns one open order.
func (h *Handlers) HandleGetOrder(w http.ResponseWriter, r *http.Request, userID int64) {
	eng, err := h.manager.Get(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	o, err := eng.Order(r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, o)
}

// HandleCancelOrder cancels an open order (both legs for OCO).
func (h *Handlers) HandleCancelOrder(w http.ResponseWriter, r *http.Request, userID int64) {
	eng, err := h.manager.Get(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := eng.Cancel(r.PathValue("id")); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, messageResponse{Message: "order cancelled"})
}

// HandleBalances returns all free balances.
func (h *Handlers) HandleBalances(w http.ResponseWriter, r *http.Request, userID int64) {
	eng, err := h.manager.Get(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	balances, err := eng.Balances()
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"balances": balances})
}

// HandleBalance returns the free balance of one asset.
func (h *Handlers) HandleBalance(w http.ResponseWriter, r *http.Request, userID int64) {
	eng, err := h.manager.Get(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	b, err := eng.Balance(r.PathValue("asset"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"balance": b})
}

// HandleStatistics returns the trading summary.
func (h *Handlers) HandleStatistics(w http.ResponseWriter, r *http.Request, userID int64) {
	eng, err := h.manager.Get(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	stats, err := eng.Statistics()
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// HandleStream upgrades to a WebSocket carrying the user's engine events.
func (h *Handlers) HandleStream(w http.ResponseWriter, r *http.Request, userID int64) {
	eng, err := h.manager.Get(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	h.hub.Subscribe(userID, eng, conn)
}
