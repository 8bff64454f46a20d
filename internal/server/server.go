// Package server exposes the settlement service over HTTP and websocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/bidround/internal/domain"
	"github.com/alanyoungcy/bidround/internal/server/handler"
	"github.com/alanyoungcy/bidround/internal/server/middleware"
	"github.com/alanyoungcy/bidround/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	// OperatorKey guards ledger credits and migrations. Empty disables
	// those endpoints.
	OperatorKey string
	RateLimit   int
	RateWindow  time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
// Archive is optional.
type Handlers struct {
	Health  *handler.HealthHandler
	Rounds  *handler.RoundHandler
	Ledger  *handler.LedgerHandler
	Archive *handler.ArchiveHandler
}

// Server is the HTTP + websocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in the middleware
// chain.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           NewHandler(cfg, handlers, wsHub, limiter, logger),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger,
	}
}

// NewHandler builds the routed, middleware-wrapped handler.
func NewHandler(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	operator := middleware.RequireAPIKey(cfg.OperatorKey)

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.Handle("GET /metrics", promhttp.Handler())

	rh := handlers.Rounds
	mux.HandleFunc("POST /api/rounds/reservations", rh.Reserve)
	mux.HandleFunc("POST /api/rounds", rh.CreateRound)
	mux.HandleFunc("GET /api/rounds", rh.ListRounds)
	mux.HandleFunc("GET /api/rounds/{id}", rh.GetRound)
	mux.HandleFunc("GET /api/rounds/{id}/vouchers", rh.ListVouchers)
	mux.HandleFunc("GET /api/rounds/{id}/vouchers/{user}", rh.GetVoucher)
	mux.HandleFunc("POST /api/rounds/{id}/contributions", rh.Contribute)
	mux.HandleFunc("POST /api/rounds/{id}/offchain-contributions", rh.RecordOffchain)
	mux.HandleFunc("POST /api/rounds/{id}/withdrawals", rh.Withdraw)
	mux.HandleFunc("POST /api/rounds/{id}/rejected-bids", rh.RejectBid)
	mux.HandleFunc("POST /api/rounds/{id}/accept", rh.Accept)
	mux.HandleFunc("POST /api/rounds/{id}/reject", rh.Reject)
	mux.HandleFunc("POST /api/rounds/{id}/finish-reconciliation", rh.FinishReconciliation)
	mux.HandleFunc("POST /api/rounds/{id}/cancel", rh.Cancel)
	mux.HandleFunc("POST /api/rounds/{id}/close", rh.Close)
	mux.HandleFunc("POST /api/rounds/{id}/redemptions", rh.Redeem)
	mux.Handle("POST /api/rounds/{id}/migrate", operator(http.HandlerFunc(rh.Migrate)))

	lh := handlers.Ledger
	mux.HandleFunc("POST /api/ledger/wallets", lh.OpenWallet)
	mux.HandleFunc("GET /api/ledger/wallets/{id}", lh.GetWallet)
	mux.HandleFunc("POST /api/ledger/approvals", lh.Approve)
	mux.Handle("POST /api/ledger/credits", operator(http.HandlerFunc(lh.Credit)))
	mux.HandleFunc("GET /api/ledger/native/{account}", lh.NativeBalance)

	if handlers.Archive != nil {
		mux.HandleFunc("GET /api/archive/rounds/{id}", handlers.Archive.GetRound)
	}
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Signature()(h)
	h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow, logger)(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
