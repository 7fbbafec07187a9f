// Package api provides the admin HTTP API for a Beacon pipeline: status,
// queue maintenance, and collector diagnostics.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/xraph/beacon/event"
	"github.com/xraph/beacon/id"
	"github.com/xraph/beacon/queue"
	"github.com/xraph/beacon/submission"
)

// Pipeline is the subset of *beacon.Beacon the API drives.
type Pipeline interface {
	Record(ctx context.Context, evt *event.Event) (id.ID, error)
	Status(ctx context.Context) (*submission.Status, error)
	QueueStats(ctx context.Context) (*queue.Stats, error)
	ForceSubmission(ctx context.Context) (*submission.Result, error)
	ClearQueue(ctx context.Context) (int64, error)
	Cleanup(ctx context.Context, maxAge time.Duration) (int64, error)
	SetEnabled(enabled bool)
	Enabled() bool
	Ping(ctx context.Context) bool
	ServerInfo(ctx context.Context) (*submission.ServerInfo, error)
}

// Handler is the root HTTP handler for the admin API.
type Handler struct {
	pipeline Pipeline
	logger   *slog.Logger
	router   chi.Router
}

// NewHandler creates a new admin API handler.
func NewHandler(p Pipeline, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		pipeline: p,
		logger:   logger,
		router:   chi.NewRouter(),
	}

	h.registerRoutes()
	return h
}

func (h *Handler) registerRoutes() {
	r := h.router
	r.Use(h.panicRecovery)
	r.Use(h.logging)

	r.Get("/status", h.getStatus)
	r.Put("/submission/enabled", h.setEnabled)

	r.Post("/events", h.recordEvent)

	r.Route("/queue", func(r chi.Router) {
		r.Get("/stats", h.getQueueStats)
		r.Post("/flush", h.flushQueue)
		r.Post("/cleanup", h.cleanupQueue)
		r.Delete("/", h.clearQueue)
	})

	r.Route("/server", func(r chi.Router) {
		r.Get("/ping", h.pingServer)
		r.Get("/info", h.getServerInfo)
	})
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		h.logger.Info("api request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (h *Handler) panicRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				h.logger.Error("panic recovered",
					"error", rec,
					"stack", string(debug.Stack()),
				)
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// JSON helpers.

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // best effort
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

const maxBodyBytes = 1 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}
