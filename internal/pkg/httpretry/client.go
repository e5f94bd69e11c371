// Package httpretry wraps an HTTP client with bounded retries for the
// Graph calls this pipeline makes. Responses signalling overload or a
// transient fault are retried with jittered exponential backoff; client
// errors return immediately.
package httpretry

import (
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/ignite/ices-pipeline/internal/pkg/logger"
)

// HTTPDoer is the request-execution seam. *http.Client satisfies it,
// and so does *RetryClient, so callers can layer or stub freely.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Backoff bounds. The delay doubles from base per attempt up to the
// cap, then a full-jitter draw keeps a worker fleet from retrying in
// lockstep.
const (
	baseDelay = 1 * time.Second
	maxDelay  = 30 * time.Second
	minDelay  = 100 * time.Millisecond
)

// RetryClient retries requests that fail with a transport error or a
// retryable status (429 and the transient 5xx family).
type RetryClient struct {
	inner   HTTPDoer
	retries int
}

// NewRetryClient wraps client with up to maxRetries retries after the
// first attempt. A nil client gets a 30s-timeout http.Client; a
// non-positive maxRetries becomes 3.
func NewRetryClient(client HTTPDoer, maxRetries int) *RetryClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &RetryClient{inner: client, retries: maxRetries}
}

// Do sends the request, retrying transport errors and retryable
// statuses. The final response comes back as-is, body unread, so the
// caller can inspect status and payload. Context cancellation stops
// the loop between attempts.
func (rc *RetryClient) Do(req *http.Request) (*http.Response, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := req.Context().Err(); err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, err
		}

		if attempt > 0 {
			if err := rewind(req); err != nil {
				return nil, err
			}
			delay := backoff(attempt)
			logger.Debug("httpretry: retrying request",
				"attempt", fmt.Sprintf("%d/%d", attempt, rc.retries),
				"method", req.Method,
				"host", req.URL.Host,
				"path", req.URL.Path,
				"delay", delay.String())
			select {
			case <-time.After(delay):
			case <-req.Context().Done():
				if lastErr != nil {
					return nil, lastErr
				}
				return nil, req.Context().Err()
			}
		}

		resp, err := rc.inner.Do(req)
		if err != nil {
			if req.Context().Err() != nil || attempt == rc.retries {
				return nil, err
			}
			lastErr = err
			continue
		}
		if !retryable(resp.StatusCode) || attempt == rc.retries {
			return resp, nil
		}

		// Drain so the transport can reuse the connection.
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		lastErr = fmt.Errorf("httpretry: status %d from %s", resp.StatusCode, req.URL.Host)
	}
}

// rewind restores the request body before a retry. Requests built from
// a byte or string reader carry GetBody automatically.
func rewind(req *http.Request) error {
	if req.GetBody == nil {
		return nil
	}
	body, err := req.GetBody()
	if err != nil {
		return fmt.Errorf("httpretry: rewind request body: %w", err)
	}
	req.Body = body
	return nil
}

// backoff returns the jittered delay before the given attempt (1-based).
func backoff(attempt int) time.Duration {
	d := baseDelay << (attempt - 1)
	if d > maxDelay || d <= 0 {
		d = maxDelay
	}
	jittered := time.Duration(rand.Float64() * float64(d))
	if jittered < minDelay {
		jittered = minDelay
	}
	return jittered
}

// retryable reports whether the status merits another attempt. 429 and
// the transient 5xx family qualify; everything else goes back to the
// caller unchanged.
func retryable(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}
