// Package queue implements the Redis task queues that connect ingestion,
// analysis, and verdict handling. Payloads on the wire are bare JSON
// documents; retry and in-flight bookkeeping lives in sibling Redis keys
// so external producers never see an envelope.
package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrEmpty is returned by Pop when no task arrives within the timeout.
var ErrEmpty = errors.New("queue: no task available")

const (
	// retryCounterTTL bounds how long a task's retry count survives,
	// so a message id replayed days later starts fresh.
	retryCounterTTL = time.Hour

	// promoteBatch caps how many delayed tasks move per promotion pass.
	promoteBatch = 100
)

// Lua script for atomically promoting due delayed tasks back onto the queue.
// Moving ZRANGEBYSCORE results one by one from Go would race with other
// workers running the same pass.
const promoteLuaScript = `
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
for i, payload in ipairs(due) do
    redis.call("LPUSH", KEYS[2], payload)
    redis.call("ZREM", KEYS[1], payload)
end
return #due
`

// Options configures a Queue.
type Options struct {
	Name       string
	Consumer   string // defaults to hostname-pid
	MaxRetries int    // defaults to 3
	RetryDelay time.Duration // defaults to 10s
}

// Queue is a named Redis-backed task queue with at-least-once delivery.
// Tasks are acknowledged after successful processing; unacknowledged
// tasks sit on a per-consumer processing list and are reclaimed on
// restart. Failed tasks are retried with a delay up to MaxRetries times,
// then parked on a dead-letter list.
type Queue struct {
	redis      *redis.Client
	name       string
	consumer   string
	maxRetries int
	retryDelay time.Duration

	promoteScript *redis.Script
}

// New creates a queue handle over an existing Redis client.
func New(client *redis.Client, opts Options) *Queue {
	consumer := opts.Consumer
	if consumer == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "worker"
		}
		consumer = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 10 * time.Second
	}
	return &Queue{
		redis:         client,
		name:          opts.Name,
		consumer:      consumer,
		maxRetries:    maxRetries,
		retryDelay:    retryDelay,
		promoteScript: redis.NewScript(promoteLuaScript),
	}
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

func (q *Queue) mainKey() string {
	return fmt.Sprintf("queue:%s", q.name)
}

func (q *Queue) processingKey() string {
	return fmt.Sprintf("queue:%s:processing:%s", q.name, q.consumer)
}

func (q *Queue) delayedKey() string {
	return fmt.Sprintf("queue:%s:delayed", q.name)
}

func (q *Queue) deadKey() string {
	return fmt.Sprintf("queue:%s:dead", q.name)
}

func (q *Queue) retriesKey(taskID string) string {
	return fmt.Sprintf("queue:%s:retries:%s", q.name, taskID)
}

// Publish enqueues a raw JSON payload.
func (q *Queue) Publish(ctx context.Context, payload []byte) error {
	if err := q.redis.LPush(ctx, q.mainKey(), payload).Err(); err != nil {
		return fmt.Errorf("queue %s: publish: %w", q.name, err)
	}
	return nil
}

// Pop blocks up to timeout for the next task. The task is moved onto this
// consumer's processing list and stays there until Ack, Retry, or a
// restart Reclaim. Returns ErrEmpty when the timeout elapses.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) ([]byte, error) {
	payload, err := q.redis.BLMove(ctx, q.mainKey(), q.processingKey(), "RIGHT", "LEFT", timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("queue %s: pop: %w", q.name, err)
	}
	return []byte(payload), nil
}

// Ack removes a completed (or deliberately dropped) task from the
// processing list.
func (q *Queue) Ack(ctx context.Context, payload []byte) error {
	if err := q.redis.LRem(ctx, q.processingKey(), 1, payload).Err(); err != nil {
		return fmt.Errorf("queue %s: ack: %w", q.name, err)
	}
	return nil
}

// Retry reschedules a failed task. The first MaxRetries failures park the
// payload on a delayed set scored by its due time; the promoter moves it
// back when due. Beyond MaxRetries the payload lands on the dead-letter
// list and requeued is false. The task is removed from the processing
// list either way.
func (q *Queue) Retry(ctx context.Context, taskID string, payload []byte) (requeued bool, err error) {
	if err := q.redis.LRem(ctx, q.processingKey(), 1, payload).Err(); err != nil {
		return false, fmt.Errorf("queue %s: retry unpin: %w", q.name, err)
	}

	key := q.retriesKey(taskID)
	attempts, err := q.redis.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("queue %s: retry count: %w", q.name, err)
	}
	q.redis.Expire(ctx, key, retryCounterTTL)

	if int(attempts) <= q.maxRetries {
		due := float64(time.Now().Add(q.retryDelay).Unix())
		if err := q.redis.ZAdd(ctx, q.delayedKey(), redis.Z{Score: due, Member: payload}).Err(); err != nil {
			return false, fmt.Errorf("queue %s: retry schedule: %w", q.name, err)
		}
		return true, nil
	}

	if err := q.redis.LPush(ctx, q.deadKey(), payload).Err(); err != nil {
		return false, fmt.Errorf("queue %s: dead-letter: %w", q.name, err)
	}
	return false, nil
}

// PromoteDue moves delayed tasks whose due time has passed back onto the
// main queue. Workers call this on a short ticker.
func (q *Queue) PromoteDue(ctx context.Context) (int, error) {
	now := float64(time.Now().Unix())
	n, err := q.promoteScript.Run(ctx, q.redis,
		[]string{q.delayedKey(), q.mainKey()},
		now, promoteBatch,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("queue %s: promote: %w", q.name, err)
	}
	return n, nil
}

// Reclaim pushes any tasks left on this consumer's processing list back
// onto the main queue. Called once at startup so work stranded by a
// crash is re-delivered.
func (q *Queue) Reclaim(ctx context.Context) (int, error) {
	stranded, err := q.redis.LRange(ctx, q.processingKey(), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("queue %s: reclaim scan: %w", q.name, err)
	}
	if len(stranded) == 0 {
		return 0, nil
	}

	pipe := q.redis.Pipeline()
	for _, payload := range stranded {
		// RPUSH lands at the consumer end so stranded work goes first
		pipe.RPush(ctx, q.mainKey(), payload)
	}
	pipe.Del(ctx, q.processingKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("queue %s: reclaim: %w", q.name, err)
	}
	return len(stranded), nil
}

// Stats reports queue depths for the operational endpoints.
type Stats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Delayed    int64 `json:"delayed"`
	Dead       int64 `json:"dead"`
}

// Stats returns current depths of the queue's lists and sets.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.redis.Pipeline()
	pending := pipe.LLen(ctx, q.mainKey())
	processing := pipe.LLen(ctx, q.processingKey())
	delayed := pipe.ZCard(ctx, q.delayedKey())
	dead := pipe.LLen(ctx, q.deadKey())
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Stats{}, fmt.Errorf("queue %s: stats: %w", q.name, err)
	}

	return Stats{
		Pending:    pending.Val(),
		Processing: processing.Val(),
		Delayed:    delayed.Val(),
		Dead:       dead.Val(),
	}, nil
}
