// Package api is the HTTP and WebSocket surface of the simulator. It owns
// no business logic: every handler authenticates the API key, dispatches
// to the manager or the user's engine, and translates the result.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"paper-exchange/internal/config"
)

// Server runs the HTTP API.
type Server struct {
	cfg      config.ServerConfig
	handlers *Handlers
	hub      *Hub
	server   *http.Server
	logger   *slog.Logger
}

// NewServer wires the routes and builds the HTTP server.
func NewServer(cfg config.ServerConfig, handlers *Handlers, hub *Hub, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	h := handlers

	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /auth/generate_api_key", h.HandleGenerateAPIKey)

	mux.HandleFunc("POST /playground/exchange/start_exchange", h.withUser(h.HandleStartExchange))
	mux.HandleFunc("POST /playground/exchange/stop_exchange", h.withUser(h.HandleStopExchange))
	mux.HandleFunc("POST /playground/exchange/set_multiplier", h.withUser(h.HandleSetMultiplier))
	mux.HandleFunc("POST /playground/exchange/set_commission", h.withUser(h.HandleSetCommission))

	mux.HandleFunc("POST /playground/exchange/trade/place_order", h.withUser(h.HandlePlaceOrder))
	mux.HandleFunc("GET /playground/exchange/trade/orders", h.withUser(h.HandleListOrders))
	mux.HandleFunc("GET /playground/exchange/trade/orders/{id}", h.withUser(h.HandleGetOrder))
	mux.HandleFunc("POST /playground/exchange/trade/cancel_order/{id}", h.withUser(h.HandleCancelOrder))
	mux.HandleFunc("GET /playground/exchange/trade/asset_balance", h.withUser(h.HandleBalances))
	mux.HandleFunc("GET /playground/exchange/trade/asset_balance/{asset}", h.withUser(h.HandleBalance))
	mux.HandleFunc("GET /playground/exchange/trade/statistics", h.withUser(h.HandleStatistics))

	if cfg.StreamEnabled {
		mux.HandleFunc("GET /playground/exchange/stream", h.withUser(h.HandleStream))
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		handlers: handlers,
		hub:      hub,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Start blocks serving requests until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("api server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	s.logger.Info("stopping api server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
