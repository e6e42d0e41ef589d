// Package client calls the attendance HTTP boundary from another service.
// Every call runs through a retry.Invoker: 429, 5xx and transport failures
// are retried, admission denials are returned as values.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"shiftgate/internal/attendance/handler"
	"shiftgate/internal/attendance/models"
	"shiftgate/pkg/platform/retry"
)

const maxResponseBytes = 1 << 20

// APIError is a non-denial failure response. It satisfies the retry
// package's StatusCoder and RetryAfterer so the invoker can classify it.
type APIError struct {
	Status  int
	Code    string
	Message string
	// Wait is the server's Retry-After, zero when absent.
	Wait time.Duration
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("attendance api: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("attendance api: %d %s", e.Status, e.Code)
}

func (e *APIError) StatusCode() int           { return e.Status }
func (e *APIError) RetryAfter() time.Duration { return e.Wait }

// Result mirrors the server's tagged outcome. Attempts counts HTTP calls,
// so a check-in denied AlreadyOnDuty after Attempts > 1 may be the echo of
// an earlier attempt that committed before its response was lost.
type Result struct {
	Summary  *models.Summary
	Denial   *models.Denial
	Attempts int
}

type Client struct {
	baseURL *url.URL
	http    *http.Client
	invoker *retry.Invoker
	logger  *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithInvoker(inv *retry.Invoker) Option {
	return func(c *Client) {
		if inv != nil {
			c.invoker = inv
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http or https, got %q", baseURL)
	}
	c := &Client{
		baseURL: u,
		http:    &http.Client{Timeout: 10 * time.Second},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.invoker == nil {
		c.invoker = retry.NewInvoker(retry.DefaultPolicy(), retry.WithLogger(c.logger))
	}
	return c, nil
}

func (c *Client) CheckIn(ctx context.Context, token string, req handler.CheckInRequest) (Result, error) {
	return c.call(ctx, http.MethodPost, "/attendance/check-in", token, req)
}

func (c *Client) CheckOut(ctx context.Context, token string, req handler.CheckOutRequest) (Result, error) {
	return c.call(ctx, http.MethodPost, "/attendance/check-out", token, req)
}

// Current returns the open session's summary, or a nil Summary when the
// principal is off duty.
func (c *Client) Current(ctx context.Context, token string) (Result, error) {
	return c.call(ctx, http.MethodGet, "/attendance/current", token, nil)
}

func (c *Client) call(ctx context.Context, method, path, token string, body any) (Result, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return Result{}, fmt.Errorf("encode request: %w", err)
		}
	}

	res, attempts, err := retry.Do(ctx, c.invoker, func(ctx context.Context) (Result, error) {
		return c.once(ctx, method, path, token, payload)
	})
	if err != nil {
		c.logger.WarnContext(ctx, "attendance call failed",
			"path", path,
			"attempts", attempts,
			"error", err,
		)
		return Result{Attempts: attempts}, err
	}
	res.Attempts = attempts
	return res, nil
}

func (c *Client) once(ctx context.Context, method, path, token string, payload []byte) (Result, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, body)
	if err != nil {
		return Result{}, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Result{}, err
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return decodeSummary(path, raw)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		return Result{}, apiError(resp, raw)
	default:
		var d models.Denial
		if err := json.Unmarshal(raw, &d); err != nil || d.Reason == "" {
			return Result{}, apiError(resp, raw)
		}
		return Result{Denial: &d}, nil
	}
}

func decodeSummary(path string, raw []byte) (Result, error) {
	if path == "/attendance/current" {
		var cur handler.CurrentResponse
		if err := json.Unmarshal(raw, &cur); err != nil {
			return Result{}, fmt.Errorf("decode current session: %w", err)
		}
		if !cur.OnDuty {
			return Result{}, nil
		}
		return Result{Summary: cur.Summary}, nil
	}
	var s models.Summary
	if err := json.Unmarshal(raw, &s); err != nil {
		return Result{}, fmt.Errorf("decode summary: %w", err)
	}
	return Result{Summary: &s}, nil
}

func apiError(resp *http.Response, raw []byte) *APIError {
	e := &APIError{Status: resp.StatusCode, Wait: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())}
	var envelope struct {
		Error            string `json:"error"`
		Message          string `json:"message"`
		ErrorDescription string `json:"error_description"`
	}
	if json.Unmarshal(raw, &envelope) == nil {
		e.Code = envelope.Error
		e.Message = envelope.Message
		if e.Message == "" {
			e.Message = envelope.ErrorDescription
		}
	}
	if e.Code == "" {
		e.Code = http.StatusText(resp.StatusCode)
	}
	return e
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return max(0, t.Sub(now))
	}
	return 0
}

// IsRateLimited reports whether err is a 429 that outlived the retry budget.
func IsRateLimited(err error) bool {
	var e *APIError
	return errors.As(err, &e) && e.Status == http.StatusTooManyRequests
}
