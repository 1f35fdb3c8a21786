// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/jeranaias/cropdoc/internal/stream"
)

// Configuration constants for the diagnosis server transport.
const (
	// DefaultCloudURL is the hosted diagnosis service.
	DefaultCloudURL = "https://api.cropdoc.app"

	// DefaultLocalURL is a diagnosis server on the same machine.
	DefaultLocalURL = "http://localhost:8000"

	DefaultConnectTimeout = 10 * time.Second
	DefaultReadTimeout    = 60 * time.Second
	DefaultWriteTimeout   = 30 * time.Second
	DefaultCallTimeout    = 5 * time.Minute

	// DefaultMaxRetries is the number of connection attempts per request.
	DefaultMaxRetries = 3

	// DefaultRetryBaseDelay is the base delay for exponential backoff.
	DefaultRetryBaseDelay = 500 * time.Millisecond

	// retryMaxDelay is the maximum delay for exponential backoff.
	retryMaxDelay = 10 * time.Second

	// maxErrorBodySize bounds how much of an error response is read.
	maxErrorBodySize = 64 * 1024

	DefaultStreamPath = "/chat/stream"
	DefaultHealthPath = "/health"
)

// Error variables for common transport errors.
var (
	// ErrNotConfigured indicates no server URL is set.
	ErrNotConfigured = errors.New("diagnosis server URL not configured")

	// ErrInvalidURL indicates the server URL cannot be used.
	ErrInvalidURL = errors.New("invalid server URL")

	// ErrServerUnavailable indicates the server is down or overloaded.
	ErrServerUnavailable = errors.New("diagnosis server unavailable")

	// ErrRateLimited indicates too many requests were made.
	ErrRateLimited = errors.New("rate limited")
)

// HTTPError represents a non-2xx response from the diagnosis server.
type HTTPError struct {
	Status  int
	Message string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("diagnosis server error (HTTP %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("diagnosis server error (HTTP %d)", e.Status)
}

// Is maps status codes onto the sentinel errors.
func (e *HTTPError) Is(target error) bool {
	switch target {
	case ErrRateLimited:
		return e.Status == http.StatusTooManyRequests
	case ErrServerUnavailable:
		return e.Status == http.StatusBadGateway ||
			e.Status == http.StatusServiceUnavailable ||
			e.Status == http.StatusGatewayTimeout
	}
	return false
}

// =============================================================================
// SERVER TYPES
// =============================================================================

// ServerType selects a server preset.
type ServerType string

const (
	ServerCloud ServerType = "cloud"
	ServerLocal ServerType = "local"
)

// DefaultURL returns the preset base URL for the server type.
func (t ServerType) DefaultURL() string {
	if t == ServerLocal {
		return DefaultLocalURL
	}
	return DefaultCloudURL
}

// ParseServerType parses a server type name. Unknown names are an error.
func ParseServerType(s string) (ServerType, error) {
	switch ServerType(strings.ToLower(strings.TrimSpace(s))) {
	case ServerCloud, "":
		return ServerCloud, nil
	case ServerLocal:
		return ServerLocal, nil
	}
	return "", fmt.Errorf("unknown server type %q (want cloud or local)", s)
}

// =============================================================================
// CLIENT
// =============================================================================

// Options configures a Client. Zero values take the defaults.
type Options struct {
	BaseURL    string
	ServerType ServerType

	ConnectTimeout time.Duration // dial and TLS handshake
	ReadTimeout    time.Duration // per socket read, including waiting for headers
	WriteTimeout   time.Duration // per socket write
	CallTimeout    time.Duration // whole request, including the stream

	MaxRetries     int
	RetryBaseDelay time.Duration

	StreamPath string
	HealthPath string

	// MaxFrameBytes caps one SSE line; zero uses stream.DefaultMaxLineSize.
	MaxFrameBytes int

	// RateLimit is outbound requests per second; zero disables limiting.
	RateLimit float64
	Burst     int

	Logger *slog.Logger

	// HTTPClient overrides the transport built from the timeouts.
	HTTPClient *http.Client
}

func (o *Options) setDefaults() {
	if o.BaseURL == "" {
		o.BaseURL = o.ServerType.DefaultURL()
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = DefaultReadTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = DefaultCallTimeout
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if o.StreamPath == "" {
		o.StreamPath = DefaultStreamPath
	}
	if o.HealthPath == "" {
		o.HealthPath = DefaultHealthPath
	}
	if o.Burst <= 0 {
		o.Burst = 1
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Client talks to one diagnosis server. Timeouts are fixed when the client
// is built; build a new client to change them.
type Client struct {
	baseURL  string
	opts     Options
	http     *http.Client
	limiter  *rate.Limiter
	consumer *stream.Consumer
	logger   *slog.Logger
}

// New builds a client for opts.BaseURL.
func New(opts Options) (*Client, error) {
	opts.setDefaults()

	base, err := NormalizeURL(opts.BaseURL)
	if err != nil {
		return nil, err
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = newHTTPClient(opts)
	}

	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}

	logger := opts.Logger.With("component", "client")
	return &Client{
		baseURL:  base,
		opts:     opts,
		http:     httpClient,
		limiter:  rate.NewLimiter(limit, opts.Burst),
		consumer: stream.NewConsumer(opts.Logger, stream.WithMaxLineSize(opts.MaxFrameBytes)),
		logger:   logger,
	}, nil
}

// newHTTPClient builds the pooled client. There is no http.Client timeout:
// the call ceiling is a context deadline so it also covers the stream.
func newHTTPClient(opts Options) *http.Client {
	dialer := &net.Dialer{
		Timeout:   opts.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				conn, err := dialer.DialContext(ctx, network, addr)
				if err != nil {
					return nil, err
				}
				return &deadlineConn{Conn: conn, read: opts.ReadTimeout, write: opts.WriteTimeout}, nil
			},
			MaxIdleConns:          10,
			MaxIdleConnsPerHost:   4,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   opts.ConnectTimeout,
			ResponseHeaderTimeout: opts.ReadTimeout,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		},
	}
}

// BaseURL returns the normalized server base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// NormalizeURL validates a server base URL and strips trailing slashes.
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrNotConfigured
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: scheme must be http or https", ErrInvalidURL)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return strings.TrimRight(u.String(), "/"), nil
}

// =============================================================================
// HEALTH CHECK
// =============================================================================

// Health checks that the server answers GET /health with a 2xx status.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout+c.opts.ReadTimeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+c.opts.HealthPath, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrServerUnavailable, err)
	}
	defer resp.Body.Close()
	c.logResponse(req, resp, time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return handleErrorResponse(resp)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodySize))
	return nil
}

// Probe validates a candidate server URL before it is committed to
// preferences.
func Probe(ctx context.Context, baseURL string, opts Options) error {
	opts.BaseURL = baseURL
	c, err := New(opts)
	if err != nil {
		return err
	}
	return c.Health(ctx)
}

// =============================================================================
// HELPERS
// =============================================================================

// setHeaders sets the headers common to every request.
func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", "cropdoc/"+Version)
}

// logResponse logs status and duration; bodies may carry farm data and
// images, so they are never logged.
func (c *Client) logResponse(req *http.Request, resp *http.Response, duration time.Duration) {
	c.logger.Debug("api response",
		"method", req.Method,
		"path", req.URL.Path,
		"status", resp.StatusCode,
		"duration", duration)
}

// handleErrorResponse converts a non-2xx response into an *HTTPError.
func handleErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	return &HTTPError{
		Status:  resp.StatusCode,
		Message: extractErrorMessage(body),
	}
}

// isRetryable reports whether a failed connection attempt may be repeated.
func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return errors.Is(err, ErrServerUnavailable) || errors.Is(err, ErrRateLimited)
	}
	// Dial, TLS and reset errors before any response
	return true
}

// calculateBackoff returns the delay to wait before the next retry.
func calculateBackoff(base time.Duration, attempt int) time.Duration {
	// Exponential backoff: 500ms, 1000ms, 2000ms, etc.
	delay := base * time.Duration(1<<uint(attempt-1))
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	return delay
}
