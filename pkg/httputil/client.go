// Package httputil holds the HTTP plumbing escalation delivery shares: a
// pooled client that retries transient webhook failures, and the
// semaphore bounding concurrent dispatches.
package httputil

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// maxErrorBody bounds how much of a failed response is kept for the
// error message.
const maxErrorBody = 1 << 20

// transport is shared by every Client so responder endpoints reuse
// pooled connections across dispatches.
var transport = &http.Transport{
	Proxy: http.ProxyFromEnvironment,
	DialContext: (&net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
	ForceAttemptHTTP2:   true,
	MaxIdleConns:        64,
	MaxIdleConnsPerHost: 8,
	IdleConnTimeout:     90 * time.Second,
}

// RetryPolicy bounds how PostJSON retries transient failures. Zero
// fields take the defaults below.
type RetryPolicy struct {
	MaxAttempts int           // total attempts, including the first
	BaseBackoff time.Duration // doubled per attempt
	MaxBackoff  time.Duration // backoff ceiling
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseBackoff <= 0 {
		p.BaseBackoff = 250 * time.Millisecond
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 5 * time.Second
	}
	return p
}

// StatusError is a terminal non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("httputil: endpoint returned %d: %s", e.Code, e.Body)
}

// Client POSTs JSON payloads with bounded retries. Network errors and
// 5xx responses retry with capped exponential backoff; a 4xx response is
// final because resending the same payload cannot fix it.
type Client struct {
	hc    *http.Client
	retry RetryPolicy
}

func NewClient(retry RetryPolicy) *Client {
	return &Client{
		hc:    &http.Client{Transport: transport},
		retry: retry.withDefaults(),
	}
}

// PostJSON delivers the payload and returns the headers of the first
// 2xx response. The caller's context governs the whole exchange,
// backoffs included.
func (c *Client) PostJSON(ctx context.Context, url string, payload []byte) (http.Header, error) {
	var lastErr error
	backoff := c.retry.BaseBackoff
	for attempt := 0; attempt < c.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(backoff)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			}
			backoff *= 2
			if backoff > c.retry.MaxBackoff {
				backoff = c.retry.MaxBackoff
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("httputil: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.hc.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			headers := resp.Header
			DrainAndClose(resp.Body)
			return headers, nil
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		DrainAndClose(resp.Body)
		lastErr = &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, lastErr
		}
	}
	return nil, fmt.Errorf("httputil: post %s: %w", url, lastErr)
}

// DrainAndClose empties and closes a response body so the underlying
// connection goes back to the pool.
func DrainAndClose(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(body, maxErrorBody))
	_ = body.Close()
}
