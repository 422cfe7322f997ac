package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// TriggerHandle is the narrow capability the trigger endpoint needs —
// satisfied by *scheduler.Scheduler. Depending on this interface instead
// of the concrete scheduler lets callers hold a capability handle rather
// than a package-level singleton.
type TriggerHandle interface {
	TriggerRule(ruleID int64)
}

// Pinger reports storage connectivity for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds the dependencies and HTTP settings for the thin server.
type Config struct {
	DB      Pinger
	Trigger TriggerHandle
	Logger  *slog.Logger

	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	Version      string

	// ExtraRoutes let an embedder register additional handlers on the
	// same mux, after the core health/trigger routes.
	ExtraRoutes []func(mux *http.ServeMux, trigger TriggerHandle)

	// ExtraMiddleware wraps the fully-assembled handler, outermost last
	// registered first, so every request (including /healthz) passes
	// through it.
	ExtraMiddleware []func(http.Handler) http.Handler
}

// Server is the health/trigger HTTP shell around the evaluation engine.
// Rule/data-source/channel CRUD, auth, and rate limiting are left to an
// external administrative API; this server exists only so the engine is
// a runnable, complete binary with an operable health check and the
// concrete binding of the scheduler's trigger capability.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// New builds a Server with all routes and middleware configured.
func New(cfg Config) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", handleHealthz(cfg.DB))
	mux.HandleFunc("POST /internal/rules/{id}/trigger", handleTrigger(cfg.Trigger))
	for _, reg := range cfg.ExtraRoutes {
		reg(mux, cfg.Trigger)
	}

	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)
	for i := len(cfg.ExtraMiddleware) - 1; i >= 0; i-- {
		handler = cfg.ExtraMiddleware[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		logger: cfg.Logger,
	}
}

// Handler returns the root HTTP handler, for use in tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins serving HTTP requests. Blocks until the server stops.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}

func handleHealthz(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := db.Ping(ctx); err != nil {
			writeError(w, r, http.StatusServiceUnavailable, "storage unreachable: "+err.Error())
			return
		}
		writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func handleTrigger(trigger TriggerHandle) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
		if err != nil || id <= 0 {
			writeError(w, r, http.StatusBadRequest, "invalid rule id")
			return
		}
		trigger.TriggerRule(id)
		writeJSON(w, r, http.StatusAccepted, map[string]int64{"rule_id": id})
	}
}
