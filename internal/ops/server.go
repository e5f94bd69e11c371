// Package ops serves the operational HTTP endpoints of a worker
// process: a health probe and a stats snapshot of its pools and queues.
package ops

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ignite/ices-pipeline/internal/config"
	"github.com/ignite/ices-pipeline/internal/pkg/httputil"
	"github.com/ignite/ices-pipeline/internal/pkg/logger"
	"github.com/ignite/ices-pipeline/internal/queue"
)

// Worker is the view of a task pool the endpoints expose.
type Worker interface {
	Running() bool
	Stats() map[string]int64
}

// Server serves /health and /stats for one worker process. Register
// workers and queues before ListenAndServe; registration is not
// guarded.
type Server struct {
	cfg     config.ServerConfig
	router  *chi.Mux
	server  *http.Server
	started time.Time

	workers map[string]Worker
	queues  []*queue.Queue
}

// New builds the ops server and its routes.
func New(cfg config.ServerConfig) *Server {
	s := &Server{
		cfg:     cfg,
		started: time.Now(),
		workers: make(map[string]Worker),
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	r.Get("/stats", s.stats)

	s.router = r
	return s
}

// RegisterWorker exposes a worker's running flag and counters.
func (s *Server) RegisterWorker(name string, w Worker) {
	s.workers[name] = w
}

// RegisterQueue exposes a queue's depths on /stats.
func (s *Server) RegisterQueue(q *queue.Queue) {
	s.queues = append(s.queues, q)
}

// ListenAndServe starts the HTTP server and blocks.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.GetHost(), s.cfg.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info("ops server listening", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler for testing.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	workers := make(map[string]bool, len(s.workers))
	for name, wk := range s.workers {
		running := wk.Running()
		workers[name] = running
		if !running {
			status = "degraded"
		}
	}

	httputil.JSON(w, http.StatusOK, map[string]interface{}{
		"status":         status,
		"timestamp":      time.Now().UTC(),
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"workers":        workers,
	})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	workers := make(map[string]map[string]int64, len(s.workers))
	for name, wk := range s.workers {
		workers[name] = wk.Stats()
	}

	queues := make(map[string]interface{}, len(s.queues))
	for _, q := range s.queues {
		depths, err := q.Stats(r.Context())
		if err != nil {
			logger.Warn("queue stats failed", "queue", q.Name(), "error", err.Error())
			queues[q.Name()] = map[string]string{"error": err.Error()}
			continue
		}
		queues[q.Name()] = map[string]int64{
			"pending":    depths.Pending,
			"processing": depths.Processing,
			"delayed":    depths.Delayed,
			"dead":       depths.Dead,
		}
	}

	httputil.JSON(w, http.StatusOK, map[string]interface{}{
		"workers": workers,
		"queues":  queues,
	})
}
