// Package readwise is the HTTP client for the Readwise highlights API (v2)
// and the Reader documents API (v3). Every Call is one authenticated
// request with no retry.
package readwise

//go:generate mockgen -destination=mock_caller.go -package=readwise github.com/NinoDja/readwise-mcp-remote3/internal/readwise Caller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/NinoDja/readwise-mcp-remote3/internal/errors"
	"github.com/NinoDja/readwise-mcp-remote3/internal/logging"
)

// Surface selects the API version segment of the request URL.
type Surface string

const (
	// SurfaceV2 is the highlights, books and export API.
	SurfaceV2 Surface = "v2"
	// SurfaceV3 is the Reader documents API.
	SurfaceV3 Surface = "v3"
)

const (
	// maxResponseBody caps how much of an upstream response is read.
	maxResponseBody = 32 << 20

	defaultUserAgent = "readwise-mcp"
)

// successMarker replaces empty and 204 responses so callers always get JSON.
var successMarker = json.RawMessage(`{"success":true}`)

// RequestOptions describes one upstream request. Method defaults to GET.
// Body, when non-nil, is JSON-encoded.
type RequestOptions struct {
	Method string
	Query  url.Values
	Body   any
}

// Caller performs a single upstream request and returns the decoded JSON
// body. Non-2xx responses are returned as *UpstreamError.
type Caller interface {
	Call(ctx context.Context, surface Surface, path string, opts RequestOptions) (json.RawMessage, error)
}

// Observer receives the outcome of every upstream request. status is 0
// when the request failed before a response arrived.
type Observer interface {
	ObserveUpstream(surface Surface, method string, status int, elapsed time.Duration)
}

// Client is the Caller backed by net/http.
type Client struct {
	baseURL    string
	token      string
	userAgent  string
	httpClient *http.Client
	observer   Observer
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithObserver attaches a request observer, typically metrics.
func WithObserver(o Observer) Option {
	return func(c *Client) { c.observer = o }
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// NewClient creates a client for baseURL (for example
// https://readwise.io/api). timeout bounds each request end to end.
func NewClient(baseURL, token string, timeout time.Duration, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		userAgent:  defaultUserAgent,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

func (c *Client) endpoint(surface Surface, path string, query url.Values) string {
	u := c.baseURL + "/" + string(surface) + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	return u
}

// Call implements Caller.
func (c *Client) Call(ctx context.Context, surface Surface, path string, opts RequestOptions) (json.RawMessage, error) {
	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader

	if opts.Body != nil {
		payload, err := json.Marshal(opts.Body)
		if err != nil {
			return nil, fmt.Errorf("encoding %s %s body: %w", method, path, err)
		}

		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(surface, path, opts.Query), body)
	if err != nil {
		return nil, fmt.Errorf("building %s %s request: %w", method, path, err)
	}

	req.Header.Set("Authorization", "Token "+c.token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(surface, method, 0, time.Since(start))
		c.logger.Warn("readwise request failed",
			slog.String("method", method),
			logging.Path(string(surface)+path),
			logging.Err(err),
		)

		return nil, fmt.Errorf("%w: %s %s: %w", apperrors.ErrUpstream, method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	elapsed := time.Since(start)
	c.observe(surface, method, resp.StatusCode, elapsed)

	if err != nil {
		return nil, fmt.Errorf("%w: reading %s %s response: %w", apperrors.ErrUpstream, method, path, err)
	}

	c.logger.Debug("readwise request",
		slog.String("method", method),
		logging.Path(string(surface)+path),
		logging.Status(resp.StatusCode),
		slog.Duration("elapsed", elapsed),
		slog.Int("bytes", len(raw)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &UpstreamError{
			StatusCode: resp.StatusCode,
			Body:       truncate(string(raw), maxErrorBody),
			Method:     method,
			Path:       "/" + string(surface) + "/" + strings.TrimLeft(path, "/"),
		}
	}

	if resp.StatusCode == http.StatusNoContent || len(bytes.TrimSpace(raw)) == 0 {
		return successMarker, nil
	}

	if !json.Valid(raw) {
		return nil, fmt.Errorf("%w: %s %s returned a non-JSON body", apperrors.ErrUpstream, method, path)
	}

	return json.RawMessage(raw), nil
}

func (c *Client) observe(surface Surface, method string, status int, elapsed time.Duration) {
	if c.observer != nil {
		c.observer.ObserveUpstream(surface, method, status, elapsed)
	}
}
