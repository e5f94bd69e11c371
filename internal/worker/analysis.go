package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/ignite/ices-pipeline/internal/analyzers"
	"github.com/ignite/ices-pipeline/internal/bec"
	"github.com/ignite/ices-pipeline/internal/config"
	"github.com/ignite/ices-pipeline/internal/models"
	"github.com/ignite/ices-pipeline/internal/pkg/logger"
	"github.com/ignite/ices-pipeline/internal/queue"
	"github.com/ignite/ices-pipeline/internal/store"
)

// analysisPipeline is the slice of analyzers.Pipeline the worker uses.
// Tests substitute a stub.
type analysisPipeline interface {
	Run(ctx context.Context, event *models.EmailEvent) *models.Verdict
}

// AnalysisWorker consumes email events, runs them through the analyzer
// pipeline, and publishes the verdict for the verdict workers to act
// on. Event and result persistence is best-effort; verdict publishing
// is not, a failed publish reschedules the task.
type AnalysisWorker struct {
	pool     *pool
	verdicts *queue.Queue
	pipeline analysisPipeline
	store    *store.Store
	profiles *bec.Store

	totalProcessed int64
	totalSkipped   int64
	totalFailed    int64
	totalDropped   int64
}

// NewAnalysisWorker wires an analysis pool over the emails queue. Both
// st and profiles may be nil, which disables persistence and profile
// learning respectively.
func NewAnalysisWorker(cfg config.AnalysisConfig, emails, verdicts *queue.Queue, pipeline *analyzers.Pipeline, st *store.Store, profiles *bec.Store) *AnalysisWorker {
	w := &AnalysisWorker{
		verdicts: verdicts,
		pipeline: pipeline,
		store:    st,
		profiles: profiles,
	}
	w.pool = newPool("analysis", emails, cfg.MinWorkers, cfg.MaxWorkers, w.process)
	return w
}

// Start launches the worker pool.
func (w *AnalysisWorker) Start() {
	w.pool.start()
}

// Stop drains the pool and logs final counters.
func (w *AnalysisWorker) Stop() {
	if !w.pool.stop() {
		return
	}
	logger.Info("analysis worker stopped",
		"total_processed", atomic.LoadInt64(&w.totalProcessed),
		"total_skipped", atomic.LoadInt64(&w.totalSkipped),
		"total_failed", atomic.LoadInt64(&w.totalFailed),
		"total_dropped", atomic.LoadInt64(&w.totalDropped))
}

// Running reports whether the pool is active.
func (w *AnalysisWorker) Running() bool {
	return w.pool.isRunning()
}

// Stats returns the worker's counters.
func (w *AnalysisWorker) Stats() map[string]int64 {
	return map[string]int64{
		"total_processed": atomic.LoadInt64(&w.totalProcessed),
		"total_skipped":   atomic.LoadInt64(&w.totalSkipped),
		"total_failed":    atomic.LoadInt64(&w.totalFailed),
		"total_dropped":   atomic.LoadInt64(&w.totalDropped),
		"workers":         int64(w.pool.size()),
	}
}

func (w *AnalysisWorker) process(ctx context.Context, payload []byte) (string, error) {
	event, err := models.ParseEvent(payload)
	if err != nil {
		atomic.AddInt64(&w.totalDropped, 1)
		logger.Error("dropping malformed email event", "error", err.Error())
		return "", nil
	}

	logger.Info("analyzing email",
		"message_id", event.MessageID,
		"tenant", tenantLabel(event.TenantAlias, event.TenantID),
		"sender", event.Sender,
		"subject", event.Subject)

	if w.store != nil {
		processed, err := w.store.IsMessageProcessed(ctx, event.MessageID)
		if err != nil {
			logger.Warn("dedup check failed, continuing", "message_id", event.MessageID, "error", err.Error())
		} else if processed {
			atomic.AddInt64(&w.totalSkipped, 1)
			logger.Info("skipping already-processed message", "message_id", event.MessageID)
			return "", nil
		}
	}

	verdict := w.pipeline.Run(ctx, event)

	if w.store != nil {
		eventID, err := w.store.StoreEvent(ctx, event)
		if err != nil {
			logger.Warn("event write failed (non-fatal)", "message_id", event.MessageID, "error", err.Error())
		} else if err := w.store.StoreResults(ctx, eventID, event.MessageID, event.TenantID, verdict.Results); err != nil {
			logger.Warn("results write failed (non-fatal)", "message_id", event.MessageID, "error", err.Error())
		}
	}

	data, err := json.Marshal(verdict)
	if err != nil {
		atomic.AddInt64(&w.totalFailed, 1)
		return event.MessageID, fmt.Errorf("marshal verdict: %w", err)
	}
	if err := w.verdicts.Publish(ctx, data); err != nil {
		atomic.AddInt64(&w.totalFailed, 1)
		return event.MessageID, fmt.Errorf("publish verdict: %w", err)
	}

	// Profile learning runs only after the verdict is on the queue.
	if w.profiles != nil {
		if err := w.profiles.UpdateProfiles(ctx, event, verdict); err != nil {
			logger.Warn("BEC profile update failed (non-fatal)", "message_id", event.MessageID, "error", err.Error())
		}
	}

	atomic.AddInt64(&w.totalProcessed, 1)
	logger.Info("verdict published", "message_id", event.MessageID, "results", len(verdict.Results))
	return "", nil
}

func tenantLabel(alias, id string) string {
	if alias != "" {
		return alias
	}
	return id
}
