// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jeranaias/cropdoc/internal/request"
	"github.com/jeranaias/cropdoc/internal/stream"
)

// Version is reported in the User-Agent header. Set at build time.
var Version = "0.1.0"

// =============================================================================
// STREAMING CHAT
// =============================================================================

// Stream POSTs req to the streaming chat endpoint and feeds the response to
// h. Connection failures are retried with backoff until the server accepts
// the request; once the stream has started it is never retried.
//
// Every outcome reaches h: a transport failure before the stream starts is
// delivered as one OnError plus one OnComplete, exactly as a mid-stream
// fault would be. The same error is returned.
func (c *Client) Stream(ctx context.Context, req request.ChatRequest, h stream.Handler) error {
	body, err := json.Marshal(req)
	if err != nil {
		err = fmt.Errorf("failed to marshal request: %w", err)
		h.OnError(err)
		h.OnComplete()
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()

	resp, err := c.connectWithRetry(callCtx, body)
	if err != nil {
		c.logger.Warn("stream request failed", "err", err)
		h.OnError(err)
		h.OnComplete()
		return err
	}

	return c.consumer.Consume(callCtx, resp.Body, h)
}

// connectWithRetry performs the POST until a 2xx response arrives.
// Retries on connection errors and 502/503/504/429 but not on other errors.
func (c *Client) connectWithRetry(ctx context.Context, body []byte) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt < c.opts.MaxRetries; attempt++ {
		// Apply backoff delay after first attempt
		if attempt > 0 {
			delay := calculateBackoff(c.opts.RetryBaseDelay, attempt)
			c.logger.Debug("retrying stream request", "attempt", attempt+1, "delay", delay)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.opts.StreamPath, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		c.setHeaders(req)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Cache-Control", "no-cache")

		start := time.Now()
		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
			if !isRetryable(err) {
				return nil, lastErr
			}
			continue
		}
		c.logResponse(req, resp, time.Since(start))

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			lastErr = handleErrorResponse(resp)
			resp.Body.Close()
			if !isRetryable(lastErr) {
				return nil, lastErr
			}
			continue
		}

		if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "text/event-stream") {
			c.logger.Warn("unexpected content type for stream", "content_type", ct)
		}
		return resp, nil
	}

	if lastErr == nil {
		return nil, errors.New("max retries exceeded")
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// =============================================================================
// SOCKET DEADLINES
// =============================================================================

// deadlineConn applies a fresh deadline to every read and write, so a
// stalled socket fails even while a long stream is healthy overall.
type deadlineConn struct {
	net.Conn
	read  time.Duration
	write time.Duration
}

func (c *deadlineConn) Read(p []byte) (int, error) {
	if c.read > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.read)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(p)
}

func (c *deadlineConn) Write(p []byte) (int, error) {
	if c.write > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.write)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Write(p)
}

// =============================================================================
// ERROR BODIES
// =============================================================================

// extractErrorMessage pulls a message out of a JSON error body, falling back
// to the trimmed raw text.
func extractErrorMessage(body []byte) string {
	var payload struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
		Detail  string          `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Detail != "" {
			return payload.Detail
		}
		if len(payload.Error) > 0 {
			var s string
			if json.Unmarshal(payload.Error, &s) == nil && s != "" {
				return s
			}
			var obj struct {
				Message string `json:"message"`
			}
			if json.Unmarshal(payload.Error, &obj) == nil && obj.Message != "" {
				return obj.Message
			}
		}
	}
	return strings.TrimSpace(string(body))
}
