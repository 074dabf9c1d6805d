package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/capsule-forge/internal/config"
	"github.com/jonathan/capsule-forge/internal/observability"
	"github.com/jonathan/capsule-forge/internal/pipeline"
	"github.com/jonathan/capsule-forge/internal/server/middleware"
	"github.com/jonathan/capsule-forge/internal/server/ratelimit"
	"github.com/jonathan/capsule-forge/internal/store"
)

// Invoker runs one orchestrator invocation for a job
type Invoker interface {
	Invoke(ctx context.Context, jobID uuid.UUID) (pipeline.Outcome, error)
}

// Sweeper fails jobs whose heartbeat went stale
type Sweeper interface {
	MarkStaleJobsFailed(ctx context.Context) (int, error)
}

// Deps are the collaborators the API serves from
type Deps struct {
	Store   store.Store
	Service *pipeline.Service
	Invoker Invoker
	Sweeper Sweeper
	JWT     *JWTService
	Logger  *observability.Logger
}

// Server represents the HTTP server
type Server struct {
	httpServer  *http.Server
	handler     http.Handler
	cfg         config.ServerConfig
	store       store.Store
	svc         *pipeline.Service
	invoker     Invoker
	sweeper     Sweeper
	jwtService  *JWTService
	rateLimiter *ratelimit.Limiter
	log         *observability.Logger
}

// New creates a new server instance
func New(cfg config.ServerConfig, deps Deps) (*Server, error) {
	if deps.Store == nil || deps.Service == nil {
		return nil, fmt.Errorf("server requires a store and a pipeline service")
	}
	if deps.JWT == nil {
		return nil, fmt.Errorf("server requires a JWT service")
	}
	if deps.Logger == nil {
		deps.Logger = observability.NewNopLogger()
	}
	if cfg.StreamPollInterval <= 0 {
		cfg.StreamPollInterval = 2 * time.Second
	}

	s := &Server{
		cfg:         cfg,
		store:       deps.Store,
		svc:         deps.Service,
		invoker:     deps.Invoker,
		sweeper:     deps.Sweeper,
		jwtService:  deps.JWT,
		rateLimiter: ratelimit.NewLimiter(ratelimit.NewConfig(cfg.RateLimitPerMinute, cfg.GenerateLimitPerMin, cfg.RateLimitWhitelist)),
		log:         deps.Logger.With("component", "server"),
	}

	auth := middleware.AuthMiddleware(s.jwtService.AsTokenValidator())
	user := func(h http.HandlerFunc) http.Handler { return auth(h) }
	internal := middleware.InternalTokenMiddleware(cfg.InternalToken)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)

	// Capsules
	mux.Handle("POST /capsules", user(s.handleCreateCapsule))
	mux.Handle("GET /capsules", user(s.handleListCapsules))
	mux.Handle("GET /capsules/{id}", user(s.handleGetCapsule))
	mux.Handle("PATCH /capsules/{id}/visibility", user(s.handleUpdateVisibility))
	mux.Handle("DELETE /capsules/{id}", user(s.handleDeleteCapsule))
	mux.Handle("GET /capsules/{id}/modules", user(s.handleListModules))

	// Generation
	mux.Handle("POST /capsules/{id}/generate", user(s.handleStartGeneration))
	mux.Handle("POST /capsules/{id}/retry", user(s.handleRetryGeneration))
	mux.Handle("GET /capsules/{id}/progress", user(s.handleProgress))
	mux.Handle("GET /capsules/{id}/progress/stream", user(s.handleProgressStream))
	mux.Handle("GET /capsules/{id}/events", user(s.handleJobEvents))
	mux.Handle("POST /capsules/{id}/lessons/{lessonID}/regenerate", user(s.handleRegenerateLesson))

	// Scheduler-facing; token-guarded and exempt from client rate limits
	internalMux := http.NewServeMux()
	internalMux.Handle("POST /internal/jobs/{id}/invoke", internal(http.HandlerFunc(s.handleInvoke)))
	internalMux.Handle("POST /internal/sweep", internal(http.HandlerFunc(s.handleSweep)))

	root := http.NewServeMux()
	root.Handle("/internal/", internalMux)
	root.Handle("/", s.withRateLimit(mux))

	s.handler = s.withLogging(s.withCORS(root))
	s.httpServer = &http.Server{
		Addr:        cfg.Addr,
		Handler:     s.handler,
		ReadTimeout: 30 * time.Second,
		// no WriteTimeout: progress streams stay open until the job finishes
		IdleTimeout: 60 * time.Second,
	}
	return s, nil
}

// Handler returns the fully wrapped HTTP handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server starting", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		s.rateLimiter.Stop()
		if ok {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.log.Info("shutting down server")
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := s.httpServer.Shutdown(shutdownCtx)
	s.rateLimiter.Stop()
	if err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.log.Info("server stopped")
	return nil
}

// withCORS adds CORS headers
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// withRateLimit adds rate limiting middleware
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, info := s.rateLimiter.Allow(s.extractClientID(r), r.URL.Path, r.Method)
		s.setRateLimitHeaders(w, info)
		if !allowed {
			s.rateLimitResponse(w, info)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response status for request logs
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE working through the logging wrapper
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// withLogging adds request logging
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		s.log.Info("request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", requestID,
		)
	})
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// jsonResponse writes a JSON response
func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Warn("failed to encode JSON response", "error", err)
	}
}

// errorResponse writes an error JSON response
func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	s.jsonResponse(w, status, map[string]string{"error": message})
}

// writeError maps err to a status and a client-safe message. Server-side failures are logged in full.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	s.errorResponse(w, status, publicMessage(err, status))
}

// extractClientID extracts the client identifier from the request.
// This uses the IP address from RemoteAddr; forwarded headers are not trusted.
func (s *Server) extractClientID(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// setRateLimitHeaders sets standard rate limit headers on the response.
func (s *Server) setRateLimitHeaders(w http.ResponseWriter, info ratelimit.Info) {
	if info.Limit > 0 {
		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", info.Limit))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", info.Remaining))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", info.ResetTime.Unix()))
	}
}

// rateLimitResponse writes a 429 Too Many Requests response with rate limit information.
func (s *Server) rateLimitResponse(w http.ResponseWriter, info ratelimit.Info) {
	response := map[string]any{
		"error":     "rate_limit_exceeded",
		"message":   "Rate limit exceeded. Please try again later.",
		"limit":     info.Limit,
		"remaining": info.Remaining,
		"reset_at":  info.ResetTime.Format(time.RFC3339),
	}

	if info.RetryAfter > 0 {
		seconds := int(info.RetryAfter.Seconds() + 0.999)
		response["retry_after"] = seconds
		w.Header().Set("Retry-After", fmt.Sprintf("%d", seconds))
	}

	s.log.Warn("rate limit exceeded", "limit", info.Limit, "reset_at", info.ResetTime.Format(time.RFC3339))
	s.jsonResponse(w, http.StatusTooManyRequests, response)
}
