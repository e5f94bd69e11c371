// Package worker runs the two task pools of the pipeline: analysis
// workers consuming the emails queue and verdict workers consuming the
// verdicts queue. Both share the same pool plumbing: a scaling set of
// task loops over a reliable queue, a delayed-task promoter, and
// ack-after-success settlement.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ignite/ices-pipeline/internal/pkg/logger"
	"github.com/ignite/ices-pipeline/internal/queue"
)

const (
	// popTimeout bounds each blocking pop so idle loops notice a close
	// of their stop channel.
	popTimeout = 5 * time.Second

	// promoteInterval is how often due delayed tasks move back onto
	// the live queue.
	promoteInterval = time.Second

	// scaleInterval is how often the pool re-checks queue depth.
	scaleInterval = 5 * time.Second
)

// taskFunc processes one queue payload. A nil error acknowledges the
// task; a non-nil error reschedules it under taskID through the queue's
// retry policy.
type taskFunc func(ctx context.Context, payload []byte) (taskID string, err error)

// pool runs between min and max concurrent task loops against one
// queue. It grows one loop at a time while more tasks are pending than
// loops exist and retires one once the queue drains; the gap between
// the two conditions keeps the pool from flapping on bursty traffic.
type pool struct {
	name   string
	queue  *queue.Queue
	min    int
	max    int
	handle taskFunc

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	stops   []chan struct{} // one per live loop, newest last
}

func newPool(name string, q *queue.Queue, min, max int, handle taskFunc) *pool {
	if min <= 0 {
		min = 1
	}
	if max < min {
		max = min
	}
	return &pool{name: name, queue: q, min: min, max: max, handle: handle}
}

// start reclaims work stranded by a previous crash, spawns the minimum
// loop set, and launches the promoter and scaler tickers. Returns false
// if the pool was already running.
func (p *pool) start() bool {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return false
	}
	p.running = true
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.mu.Unlock()

	if n, err := p.queue.Reclaim(p.ctx); err != nil {
		logger.Warn("reclaim failed", "pool", p.name, "error", err.Error())
	} else if n > 0 {
		logger.Info("reclaimed stranded tasks", "pool", p.name, "count", n)
	}

	p.mu.Lock()
	for i := 0; i < p.min; i++ {
		p.spawnLocked()
	}
	p.mu.Unlock()

	p.wg.Add(2)
	go p.promoter()
	go p.scaler()

	logger.Info("worker pool started",
		"pool", p.name,
		"queue", p.queue.Name(),
		"min_workers", p.min,
		"max_workers", p.max)
	return true
}

// stop cancels every loop and waits for them to finish. Returns false
// if the pool was not running.
func (p *pool) stop() bool {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return false
	}
	p.running = false
	p.cancel()
	p.stops = nil
	p.mu.Unlock()

	p.wg.Wait()
	logger.Info("worker pool stopped", "pool", p.name)
	return true
}

// size reports the current number of task loops.
func (p *pool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.stops)
}

func (p *pool) isRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// spawnLocked starts one task loop. Callers hold p.mu.
func (p *pool) spawnLocked() {
	stop := make(chan struct{})
	p.stops = append(p.stops, stop)
	p.wg.Add(1)
	go p.loop(stop)
}

// loop pops and settles tasks until the pool stops or the scaler
// retires this loop. A task stays on the processing list until it is
// acked or rescheduled, so a crash anywhere in here re-delivers it.
func (p *pool) loop(stop chan struct{}) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-stop:
			return
		default:
		}

		payload, err := p.queue.Pop(p.ctx, popTimeout)
		if errors.Is(err, queue.ErrEmpty) {
			continue
		}
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			logger.Warn("pop failed", "pool", p.name, "error", err.Error())
			time.Sleep(time.Second)
			continue
		}

		taskID, herr := p.handle(p.ctx, payload)
		if herr != nil {
			requeued, rerr := p.queue.Retry(p.ctx, taskID, payload)
			switch {
			case rerr != nil:
				logger.Error("retry failed", "pool", p.name, "task_id", taskID, "error", rerr.Error())
			case requeued:
				logger.Warn("task rescheduled", "pool", p.name, "task_id", taskID, "error", herr.Error())
			default:
				logger.Error("task dead-lettered", "pool", p.name, "task_id", taskID, "error", herr.Error())
			}
			continue
		}

		if err := p.queue.Ack(p.ctx, payload); err != nil && p.ctx.Err() == nil {
			logger.Warn("ack failed", "pool", p.name, "error", err.Error())
		}
	}
}

// promoter moves due delayed tasks back onto the live queue.
func (p *pool) promoter() {
	defer p.wg.Done()

	ticker := time.NewTicker(promoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			n, err := p.queue.PromoteDue(p.ctx)
			if err != nil {
				if p.ctx.Err() != nil {
					return
				}
				logger.Warn("promote failed", "pool", p.name, "error", err.Error())
				continue
			}
			if n > 0 {
				logger.Debug("promoted delayed tasks", "pool", p.name, "count", n)
			}
		}
	}
}

// scaler re-sizes the pool from queue depth.
func (p *pool) scaler() {
	defer p.wg.Done()

	ticker := time.NewTicker(scaleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			stats, err := p.queue.Stats(p.ctx)
			if err != nil {
				if p.ctx.Err() != nil {
					return
				}
				logger.Warn("depth check failed", "pool", p.name, "error", err.Error())
				continue
			}
			p.resize(stats.Pending)
		}
	}
}

// resize applies the scaling rule for the current backlog.
func (p *pool) resize(pending int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return
	}

	active := len(p.stops)
	switch {
	case pending > int64(active) && active < p.max:
		p.spawnLocked()
		logger.Info("pool scaled up",
			"pool", p.name, "workers", active+1, "pending", pending)
	case pending == 0 && active > p.min:
		last := p.stops[len(p.stops)-1]
		p.stops = p.stops[:len(p.stops)-1]
		close(last)
		logger.Info("pool scaled down", "pool", p.name, "workers", active-1)
	}
}
