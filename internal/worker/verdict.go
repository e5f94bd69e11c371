package worker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ignite/ices-pipeline/internal/config"
	"github.com/ignite/ices-pipeline/internal/models"
	"github.com/ignite/ices-pipeline/internal/pkg/logger"
	"github.com/ignite/ices-pipeline/internal/policy"
	"github.com/ignite/ices-pipeline/internal/queue"
	"github.com/ignite/ices-pipeline/internal/remediation"
	"github.com/ignite/ices-pipeline/internal/store"
)

// VerdictWorker consumes verdicts, evaluates policy through the
// dispatcher, records the outcome, and buffers any remediation request
// for batched submission to Graph. The recorded outcome is what the
// dedup gate checks, so a message acts at most once even across
// redeliveries.
type VerdictWorker struct {
	pool       *pool
	dispatcher *remediation.Dispatcher
	store      *store.Store
	batch      *remediation.Batch
	flushEvery time.Duration

	totalProcessed int64
	totalActions   int64
	totalSkipped   int64
	totalFailed    int64
	totalDropped   int64
}

// NewVerdictWorker wires a verdict pool over the verdicts queue. Both
// st and batch may be nil, which disables outcome dedup/persistence and
// remediation submission respectively.
func NewVerdictWorker(cfg config.VerdictConfig, verdicts *queue.Queue, dispatcher *remediation.Dispatcher, st *store.Store, batch *remediation.Batch) *VerdictWorker {
	flushEvery := cfg.FlushInterval()
	if flushEvery <= 0 {
		flushEvery = 2 * time.Second
	}
	w := &VerdictWorker{
		dispatcher: dispatcher,
		store:      st,
		batch:      batch,
		flushEvery: flushEvery,
	}
	w.pool = newPool("verdict", verdicts, cfg.MinWorkers, cfg.MaxWorkers, w.process)
	return w
}

// Start launches the worker pool and the batch flush timer.
func (w *VerdictWorker) Start() {
	if !w.pool.start() {
		return
	}
	if w.batch != nil {
		w.pool.wg.Add(1)
		go w.flushLoop()
	}
}

// Stop drains the pool, sends any buffered remediation requests, and
// logs final counters.
func (w *VerdictWorker) Stop() {
	if !w.pool.stop() {
		return
	}
	if w.batch != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		sent, err := w.batch.Flush(ctx)
		cancel()
		if err != nil {
			logger.Warn("final batch flush failed", "error", err.Error())
		} else if sent > 0 {
			logger.Info("final batch flush", "sent", sent)
		}
	}
	logger.Info("verdict worker stopped",
		"total_processed", atomic.LoadInt64(&w.totalProcessed),
		"total_actions", atomic.LoadInt64(&w.totalActions),
		"total_skipped", atomic.LoadInt64(&w.totalSkipped),
		"total_failed", atomic.LoadInt64(&w.totalFailed),
		"total_dropped", atomic.LoadInt64(&w.totalDropped))
}

// Running reports whether the pool is active.
func (w *VerdictWorker) Running() bool {
	return w.pool.isRunning()
}

// Stats returns the worker's counters.
func (w *VerdictWorker) Stats() map[string]int64 {
	return map[string]int64{
		"total_processed": atomic.LoadInt64(&w.totalProcessed),
		"total_actions":   atomic.LoadInt64(&w.totalActions),
		"total_skipped":   atomic.LoadInt64(&w.totalSkipped),
		"total_failed":    atomic.LoadInt64(&w.totalFailed),
		"total_dropped":   atomic.LoadInt64(&w.totalDropped),
		"workers":         int64(w.pool.size()),
	}
}

func (w *VerdictWorker) process(ctx context.Context, payload []byte) (string, error) {
	verdict, err := models.ParseVerdict(payload)
	if err != nil {
		atomic.AddInt64(&w.totalDropped, 1)
		logger.Error("dropping malformed verdict", "error", err.Error())
		return "", nil
	}

	logger.Info("processing verdict",
		"message_id", verdict.MessageID,
		"results", len(verdict.Results),
		"sender", verdict.Sender)

	if w.store != nil {
		processed, err := w.store.IsMessageProcessed(ctx, verdict.MessageID)
		if err != nil {
			logger.Warn("dedup check failed, continuing", "message_id", verdict.MessageID, "error", err.Error())
		} else if processed {
			atomic.AddInt64(&w.totalSkipped, 1)
			logger.Info("skipping already-processed message", "message_id", verdict.MessageID)
			return "", nil
		}
	}

	outcome, err := w.dispatcher.Dispatch(ctx, verdict)
	if err != nil {
		atomic.AddInt64(&w.totalFailed, 1)
		return verdict.MessageID, err
	}

	if w.store != nil {
		if err := w.store.StoreOutcome(ctx, verdict.MessageID, verdict.TenantID,
			outcome.Decision.PolicyName, outcome.Decision.Action, outcome.Decision); err != nil {
			logger.Warn("outcome write failed (non-fatal)", "message_id", verdict.MessageID, "error", err.Error())
		}
	}

	if outcome.Request != nil && w.batch != nil {
		// Not retried: the stored outcome gates any replay of this task.
		if err := w.batch.Add(ctx, outcome.Request); err != nil {
			logger.Error("batch add failed", "message_id", verdict.MessageID, "error", err.Error())
		}
	}

	atomic.AddInt64(&w.totalProcessed, 1)
	if outcome.Decision.Action != policy.ActionNone {
		atomic.AddInt64(&w.totalActions, 1)
		logger.Info("remediation queued",
			"message_id", verdict.MessageID,
			"policy", outcome.Decision.PolicyName,
			"action", outcome.Decision.Action)
	}
	return "", nil
}

// flushLoop pushes buffered remediation requests on a timer so actions
// never sit in the buffer through quiet periods waiting for the batch
// to fill.
func (w *VerdictWorker) flushLoop() {
	defer w.pool.wg.Done()

	ticker := time.NewTicker(w.flushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-w.pool.ctx.Done():
			return
		case <-ticker.C:
			size, err := w.batch.BufferSize(w.pool.ctx)
			if err != nil {
				if w.pool.ctx.Err() != nil {
					return
				}
				logger.Warn("batch buffer check failed", "error", err.Error())
				continue
			}
			if size == 0 {
				continue
			}
			logger.Info("timer flush", "buffered", size)
			if _, err := w.batch.Flush(w.pool.ctx); err != nil {
				if w.pool.ctx.Err() != nil {
					return
				}
				logger.Error("timer flush failed", "error", err.Error())
			}
		}
	}
}
