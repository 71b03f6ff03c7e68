// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package podio is the resilient gateway to the remote collaboration
// platform's REST API.
//
// Every remote operation funnels through Client.Do, which:
//
//   - attaches a bearer token from the token source
//   - paces requests through a client-side rate limiter
//   - updates the process-wide quota tracker from response headers
//   - retries exactly once after an unexpected 401 (forced token refresh)
//   - converts non-2xx responses into *APIError for classification
//
// Transient-failure retry with backoff lives one layer up, in
// services/migrate/retry; this package only classifies.
package podio

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// TokenSource supplies bearer tokens for outbound calls.
//
// Implemented by services/migrate/auth.Manager.
type TokenSource interface {
	// AccessToken returns a currently valid access token.
	AccessToken(ctx context.Context) (string, error)

	// ForceRefresh discards the current access token and obtains a fresh
	// one. Used after an unexpected 401.
	ForceRefresh(ctx context.Context) (string, error)
}

// Config configures the gateway client.
type Config struct {
	// BaseURL is the platform API root (e.g. "https://api.podio.com").
	BaseURL string

	// UserAgent is sent with every request.
	// Default: "workmove".
	UserAgent string

	// Timeout is the per-request HTTP timeout.
	// Default: 60s.
	Timeout time.Duration

	// RequestsPerSecond paces outbound calls so bulk runs do not flood
	// the remote quota. Default: 8.
	RequestsPerSecond float64

	// Burst is the pacing burst size. Default: 4.
	Burst int
}

// ApplyDefaults fills zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.UserAgent == "" {
		c.UserAgent = "workmove"
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 8
	}
	if c.Burst <= 0 {
		c.Burst = 4
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base URL is required")
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	return nil
}

// Request describes one remote call.
type Request struct {
	// Method is the HTTP method.
	Method string

	// Path is the API path relative to the base URL (e.g. "/item/123").
	Path string

	// Query is appended to the URL when non-nil.
	Query url.Values

	// Body is JSON-encoded as the request body when non-nil.
	Body any

	// Out receives the JSON-decoded response body when non-nil.
	Out any

	// SkipAuth disables the bearer token (token endpoint calls only).
	// A 401 on an unauthenticated call is surfaced, never retried.
	SkipAuth bool
}

// Client is the authenticated, rate-limit-aware API gateway.
//
// Thread Safety: Safe for concurrent use.
type Client struct {
	cfg     Config
	http    *http.Client
	tokens  TokenSource
	tracker *RateLimitTracker
	limiter *rate.Limiter
	logger  *slog.Logger
	metrics *Metrics
	closed  atomic.Bool
}

// NewClient creates a gateway client.
//
// Inputs:
//
//	cfg - Gateway configuration. BaseURL is required.
//	tokens - Token source. Required unless every request sets SkipAuth.
//	tracker - Shared quota tracker. Must not be nil.
//	logger - Logger. If nil, slog.Default() is used.
//
// Outputs:
//
//	*Client - The gateway. Never nil on success.
//	error - Non-nil if the configuration is invalid.
func NewClient(cfg Config, tokens TokenSource, tracker *RateLimitTracker, logger *slog.Logger) (*Client, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid gateway config: %w", err)
	}
	if tracker == nil {
		return nil, fmt.Errorf("rate limit tracker is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		tokens:  tokens,
		tracker: tracker,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		logger:  logger.With(slog.String("component", "podio_client")),
	}, nil
}

// WithMetrics attaches gateway metrics. Returns the client for chaining.
func (c *Client) WithMetrics(m *Metrics) *Client {
	c.metrics = m
	return c
}

// Tracker returns the shared quota tracker.
func (c *Client) Tracker() *RateLimitTracker {
	return c.tracker
}

// Close marks the client closed. Later calls return ErrClientClosed;
// requests already in flight run to completion.
func (c *Client) Close() {
	c.closed.Store(true)
	c.http.CloseIdleConnections()
}

// Do issues one remote call.
//
// Description:
//
//	The single "authenticated call" primitive behind every remote
//	operation. On success the quota tracker is updated from response
//	metadata and the body is decoded into req.Out. On a 401 (when auth
//	was not skipped) the token is force-refreshed and the call reissued
//	exactly once. Any other non-2xx response returns a *APIError; the
//	caller's retry policy decides what is transient.
//
// Inputs:
//
//	ctx - Context for cancellation and deadlines. Must not be nil.
//	req - The request description.
//
// Outputs:
//
//	error - Nil on success. *APIError for remote failures.
//
// Thread Safety: Safe for concurrent use.
func (c *Client) Do(ctx context.Context, req Request) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	start := time.Now()
	err := c.doOnce(ctx, req, false)
	if c.metrics != nil {
		c.metrics.observe(req.Method, req.Path, err, time.Since(start))
	}
	return err
}

func (c *Client) doOnce(ctx context.Context, req Request, isAuthRetry bool) error {
	httpReq, err := c.buildRequest(ctx, req)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.Path, err)
	}
	defer resp.Body.Close()

	// Opportunistic quota update from any response, success or failure.
	c.tracker.UpdateFromHeaders(resp.Header)
	if c.metrics != nil {
		c.metrics.setQuota(c.tracker.Snapshot())
	}

	if resp.StatusCode == http.StatusUnauthorized && !req.SkipAuth && !isAuthRetry {
		c.logger.Warn("unexpected 401, forcing token refresh",
			slog.String("method", req.Method),
			slog.String("path", req.Path),
		)
		if _, err := c.tokens.ForceRefresh(ctx); err != nil {
			return fmt.Errorf("token refresh after 401: %w", err)
		}
		return c.doOnce(ctx, req, true)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.apiError(resp)
	}

	if req.Out != nil {
		if err := json.NewDecoder(resp.Body).Decode(req.Out); err != nil {
			return fmt.Errorf("%s %s: decode response: %w", req.Method, req.Path, err)
		}
	}
	return nil
}

func (c *Client) buildRequest(ctx context.Context, req Request) (*http.Request, error) {
	u := strings.TrimSuffix(c.cfg.BaseURL, "/") + req.Path
	if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	httpReq.Header.Set("User-Agent", c.cfg.UserAgent)
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	if !req.SkipAuth {
		token, err := c.tokens.AccessToken(ctx)
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	return httpReq, nil
}

// apiError converts a non-2xx response into a typed *APIError.
func (c *Client) apiError(resp *http.Response) error {
	// Bounded read: error bodies are small, never trust the remote.
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var envelope struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	_ = json.Unmarshal(data, &envelope)

	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		Code:       envelope.Error,
		Detail:     envelope.ErrorDescription,
	}
	if apiErr.Detail == "" {
		apiErr.Detail = strings.TrimSpace(string(data))
	}

	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		}
	}

	if resp.StatusCode == http.StatusNotFound {
		return &notFoundError{api: apiErr}
	}
	return apiErr
}
