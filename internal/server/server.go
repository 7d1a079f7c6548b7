package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gridflex/gridflex/internal/auth"
	"github.com/gridflex/gridflex/internal/ratelimit"
	"github.com/gridflex/gridflex/internal/service/ingest"
)

// Server is the gridflex HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
type ServerConfig struct {
	Ingest   *ingest.Service
	Accounts Accounts
	Queue    Pinger
	JWTMgr   *auth.JWTManager
	Logger   *slog.Logger

	// Limiter is optional; nil disables rate limiting.
	Limiter ratelimit.Limiter

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Ingest:              cfg.Ingest,
		Accounts:            cfg.Accounts,
		Queue:               cfg.Queue,
		JWTMgr:              cfg.JWTMgr,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	// Credential guessing is limited by client IP, writes by account.
	authRL := ratelimit.Middleware(cfg.Limiter, "auth", ratelimit.IPKeyFunc, reqIDFunc)
	ingestRL := ratelimit.Middleware(cfg.Limiter, "ingest", accountKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Auth and health (reachable without a token, see authMiddleware).
	mux.Handle("POST /api/v3_0/auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))
	mux.HandleFunc("GET /api/v3_0/health", h.HandleHealth)

	// Time series ingestion and retrieval.
	mux.Handle("POST /api/v3_0/sensors/data", ingestRL(http.HandlerFunc(h.HandlePostSensorData)))
	mux.HandleFunc("GET /api/v3_0/sensors/data", h.HandleGetSensorData)

	// Scheduling.
	mux.Handle("POST /api/v3_0/sensors/{id}/schedules/trigger", ingestRL(http.HandlerFunc(h.HandleTriggerSchedule)))
	mux.HandleFunc("GET /api/v3_0/sensors/{id}/schedules", h.HandleListSchedules)
	mux.HandleFunc("GET /api/v3_0/sensors/{id}/schedules/{job_id}", h.HandleGetSchedule)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// accountKeyFunc extracts the authenticated account email for rate limiting.
// Unauthenticated requests are rejected before the handler runs, so an empty
// key only skips limiting for routes outside the auth wall.
func accountKeyFunc(r *http.Request) string {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		return ""
	}
	return claims.Email
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
