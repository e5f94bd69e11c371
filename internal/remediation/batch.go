package remediation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/ices-pipeline/internal/pkg/httpretry"
	"github.com/ignite/ices-pipeline/internal/pkg/logger"
	"github.com/ignite/ices-pipeline/internal/tokens"
)

// bufferKey is one shared list for all verdict workers, so a flush from
// any worker drains actions produced by all of them.
const bufferKey = "verdict:batch_buffer"

// defaultBatchSize is the Graph $batch hard limit.
const defaultBatchSize = 20

// Batch coalesces Graph sub-requests into $batch calls. Requests wait
// in a Redis list until the buffer fills or the flush timer fires.
type Batch struct {
	redis  *redis.Client
	tokens *tokens.Manager
	client httpretry.HTTPDoer
	url    string
	size   int
}

// NewBatch builds a batch client. size caps how many sub-requests go
// into one $batch call; values outside 1..20 fall back to the API
// limit.
func NewBatch(rdb *redis.Client, manager *tokens.Manager, client httpretry.HTTPDoer, graphBase string, size int) *Batch {
	if size <= 0 || size > defaultBatchSize {
		size = defaultBatchSize
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Batch{
		redis:  rdb,
		tokens: manager,
		client: client,
		url:    strings.TrimSuffix(graphBase, "/") + "/$batch",
		size:   size,
	}
}

// Add buffers one sub-request, flushing immediately when the buffer
// reaches the batch size.
func (b *Batch) Add(ctx context.Context, request *BatchRequest) error {
	raw, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("batch add: %w", err)
	}
	if err := b.redis.LPush(ctx, bufferKey, raw).Err(); err != nil {
		return fmt.Errorf("batch add: %w", err)
	}

	size, err := b.redis.LLen(ctx, bufferKey).Result()
	if err != nil {
		return fmt.Errorf("batch add: %w", err)
	}
	if size >= int64(b.size) {
		logger.Info("batch buffer full, flushing", "size", size)
		if _, err := b.Flush(ctx); err != nil {
			return err
		}
	}
	return nil
}

// BufferSize reports how many sub-requests are waiting.
func (b *Batch) BufferSize(ctx context.Context) (int64, error) {
	return b.redis.LLen(ctx, bufferKey).Result()
}

type subResponse struct {
	ID     string          `json:"id"`
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// Flush pops up to one batch worth of requests and sends them as a
// single $batch call. A transport failure requeues everything; a 429 on
// an individual sub-response requeues just that request; other
// sub-request failures are terminal and logged. Returns how many
// requests went out.
func (b *Batch) Flush(ctx context.Context) (int, error) {
	// Read-then-trim inside MULTI/EXEC so a concurrent flush cannot
	// send the same requests twice.
	pipe := b.redis.TxPipeline()
	popped := pipe.LRange(ctx, bufferKey, int64(-b.size), -1)
	pipe.LTrim(ctx, bufferKey, 0, int64(-(b.size + 1)))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("batch flush: pop: %w", err)
	}

	requests := make([]*BatchRequest, 0, len(popped.Val()))
	for i, raw := range popped.Val() {
		var req BatchRequest
		if err := json.Unmarshal([]byte(raw), &req); err != nil {
			logger.Error("dropping invalid request in batch buffer", "error", err.Error())
			continue
		}
		if req.ID == "" {
			req.ID = strconv.Itoa(i)
		}
		requests = append(requests, &req)
	}
	if len(requests) == 0 {
		return 0, nil
	}

	token, err := b.tokens.Token(ctx, "")
	if err != nil {
		if rqErr := b.requeue(ctx, requests); rqErr != nil {
			return 0, rqErr
		}
		return 0, fmt.Errorf("batch flush: token: %w", err)
	}

	payload, _ := json.Marshal(struct {
		Requests []*BatchRequest `json:"requests"`
	}{requests})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(payload))
	if err != nil {
		if rqErr := b.requeue(ctx, requests); rqErr != nil {
			return 0, rqErr
		}
		return 0, fmt.Errorf("batch flush: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	logger.Info("sending batch", "requests", len(requests))

	resp, err := b.client.Do(req)
	if err != nil {
		logger.Error("batch request failed, re-queuing",
			"error", err.Error(), "requests", len(requests))
		return 0, b.requeue(ctx, requests)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		logger.Error("batch request failed, re-queuing",
			"status", resp.StatusCode, "requests", len(requests))
		return 0, b.requeue(ctx, requests)
	}

	var parsed struct {
		Responses []subResponse `json:"responses"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		// The batch went out; without statuses we cannot requeue
		// anything safely.
		logger.Error("batch response unreadable", "error", err.Error())
		return len(requests), nil
	}

	var requeued []*BatchRequest
	for _, sub := range parsed.Responses {
		switch {
		case sub.Status == http.StatusTooManyRequests:
			logger.Warn("sub-request rate limited, re-queuing", "id", sub.ID)
			if original := findRequest(requests, sub.ID); original != nil {
				requeued = append(requeued, original)
			}
		case sub.Status >= 400:
			logger.Error("sub-request failed",
				"id", sub.ID, "status", sub.Status, "body", string(sub.Body))
		}
	}
	if err := b.requeue(ctx, requeued); err != nil {
		return len(requests), err
	}

	logger.Info("batch complete",
		"sent", len(requests),
		"succeeded", len(requests)-len(requeued),
		"requeued", len(requeued))
	return len(requests), nil
}

func (b *Batch) requeue(ctx context.Context, requests []*BatchRequest) error {
	for _, request := range requests {
		raw, err := json.Marshal(request)
		if err != nil {
			continue
		}
		if err := b.redis.LPush(ctx, bufferKey, raw).Err(); err != nil {
			return fmt.Errorf("batch requeue: %w", err)
		}
	}
	return nil
}

func findRequest(requests []*BatchRequest, id string) *BatchRequest {
	for _, r := range requests {
		if r.ID == id {
			return r
		}
	}
	return nil
}
