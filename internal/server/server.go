// Package server exposes the marketplace over HTTP and WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/comicmarket/internal/crypto"
	"github.com/alanyoungcy/comicmarket/internal/domain"
	"github.com/alanyoungcy/comicmarket/internal/server/handler"
	"github.com/alanyoungcy/comicmarket/internal/server/middleware"
	"github.com/alanyoungcy/comicmarket/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	// APIKey, if set, is required on every route except health and status.
	APIKey string
	// Identity, if set, verifies the identity service's signature over
	// the actor headers.
	Identity *crypto.IdentityAuth
	// RateLimit is mutating requests per minute per actor; 0 disables.
	RateLimit int
}

// Handlers aggregates the route handlers.
type Handlers struct {
	Health   *handler.HealthHandler
	Listings *handler.ListingHandler
	Attempts *handler.AttemptHandler
	Ledger   *handler.LedgerHandler
	// History is optional.
	History *handler.HistoryHandler
}

// Server is the marketplace HTTP + WebSocket API.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers routes and wraps them in middleware. hub and limiter
// may be nil.
func NewServer(cfg Config, handlers Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/status", handlers.Health.GetStatus)

	mux.HandleFunc("POST /api/listings", handlers.Listings.CreateListing)
	mux.HandleFunc("GET /api/listings", handlers.Listings.ListListings)
	mux.HandleFunc("GET /api/listings/{id}", handlers.Listings.GetListing)
	mux.HandleFunc("DELETE /api/listings/{id}", handlers.Listings.CancelListing)
	mux.HandleFunc("POST /api/listings/{id}/purchase", handlers.Listings.Purchase)
	mux.HandleFunc("POST /api/listings/{id}/bids", handlers.Listings.PlaceBid)
	mux.HandleFunc("POST /api/listings/{id}/complete", handlers.Listings.CompleteAuction)

	mux.HandleFunc("GET /api/attempts/{id}", handlers.Attempts.GetAttempt)
	mux.HandleFunc("POST /api/attempts/{id}/proof", handlers.Attempts.SubmitProof)
	mux.HandleFunc("POST /api/attempts/{id}/cancel", handlers.Attempts.CancelAttempt)

	mux.HandleFunc("GET /api/transactions", handlers.Ledger.ListTransactions)
	mux.HandleFunc("GET /api/stats", handlers.Ledger.GetStats)

	if handlers.History != nil {
		mux.HandleFunc("GET /api/listings/{id}/history", handlers.History.GetHistory)
	}

	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}

	// Applied innermost first: rate limiting sees the actor set by
	// Identity, and Logging sees the final status.
	var h http.Handler = mux
	if limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimit, time.Minute, logger)(h)
	}
	h = middleware.Identity(cfg.Identity, time.Now)(h)
	h = middleware.Auth(cfg.APIKey, "/api/health", "/api/status")(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           h,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger.With(slog.String("component", "server")),
	}
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens until the server fails or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
