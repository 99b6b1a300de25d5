// Package etsy is the transport client for the marketplace listing API.
// Retries, token refresh, pacing and the circuit breaker all live here so
// callers only see success or failure.
package etsy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"listing-experiments/internal/metrics"
	"listing-experiments/internal/ratelimit"
)

const DefaultBaseURL = "https://openapi.etsy.com/v3/application"

var (
	ErrCircuitOpen     = errors.New("circuit breaker open")
	ErrQuotaExhausted  = errors.New("api request quota exhausted")
	maxErrorBodyLength = int64(4096)
)

// APIError is a non-2xx response.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: status code %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == status
}

// Config configures a Client.
type Config struct {
	BaseURL            string
	ShopID             int64
	Timeout            time.Duration
	MaxRetries         int
	RetryDelay         time.Duration
	RequestsPerMinute  int
	RequestsPerDay     int
	BreakerThreshold   int
	BreakerResetWindow time.Duration
	Gate               ratelimit.GateConfig
}

// Client talks to the listing API for one shop.
type Client struct {
	baseURL    string
	shopID     int64
	http       *http.Client
	tokens     TokenSource
	maxRetries int
	retryDelay time.Duration
	quota      *ratelimit.RateLimiter
	gate       *ratelimit.Gate
	breaker    *CircuitBreaker
	logger     *zap.Logger
}

func NewClient(cfg Config, tokens TokenSource, logger *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	if cfg.BreakerResetWindow <= 0 {
		cfg.BreakerResetWindow = 5 * time.Minute
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		shopID:     cfg.ShopID,
		http:       &http.Client{Timeout: cfg.Timeout},
		tokens:     tokens,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		quota:      ratelimit.NewRateLimiter(cfg.RequestsPerMinute, cfg.RequestsPerDay, cfg.RequestsPerMinute > 0 || cfg.RequestsPerDay > 0),
		gate:       ratelimit.NewGate(cfg.Gate, logger),
		breaker:    NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerResetWindow, logger),
		logger:     logger,
	}
}

// QuotaStats reports the request budget usage.
func (c *Client) QuotaStats() ratelimit.Stats {
	return c.quota.GetStats()
}

// bodyFunc builds a fresh request body for every attempt.
type bodyFunc func() (io.Reader, string, error)

func formBody(values url.Values) bodyFunc {
	return func() (io.Reader, string, error) {
		return bytes.NewBufferString(values.Encode()), "application/x-www-form-urlencoded", nil
	}
}

// do sends a request with retries on transport errors, 429 and 5xx, and a
// single token refresh on 401. out, when non-nil, receives the JSON body.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body bodyFunc, out any) error {
	if !c.breaker.CanProceed() {
		_, failures, total := c.breaker.GetStatus()
		return fmt.Errorf("%w (%d/%d failures)", ErrCircuitOpen, failures, total)
	}
	if !c.quota.AllowRequest() {
		return ErrQuotaExhausted
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var lastErr error
	refreshed := false
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * c.retryDelay
			if backoff > 60*time.Second {
				backoff = 60 * time.Second
			}
			c.logger.Info("EtsyClient: retrying request",
				zap.String("method", method),
				zap.String("path", path),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff))
			if err := sleepCtx(ctx, backoff); err != nil {
				return err
			}
		}
		if err := c.gate.Wait(ctx); err != nil {
			return err
		}

		req, err := c.newRequest(ctx, method, endpoint, body)
		if err != nil {
			return err
		}

		start := time.Now()
		resp, err := c.http.Do(req)
		metrics.APIRequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.APIRequestsTotal.WithLabelValues(method, "error").Inc()
			c.breaker.RecordFailure(0)
			c.gate.OnFailure()
			lastErr = err
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("EtsyClient: request failed",
				zap.String("method", method),
				zap.String("path", path),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			continue
		}
		metrics.APIRequestsTotal.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			c.breaker.RecordSuccess()
			c.gate.OnOK()
			return decodeBody(resp, out)
		}

		apiErr := readAPIError(resp, method, path)
		switch {
		case resp.StatusCode == http.StatusUnauthorized && !refreshed:
			refreshed = true
			if _, err := c.tokens.Refresh(ctx); err != nil {
				return fmt.Errorf("%w (token refresh failed: %v)", apiErr, err)
			}
			c.logger.Info("EtsyClient: access token refreshed")
			// the refresh does not consume a retry
			attempt--
		case resp.StatusCode == http.StatusTooManyRequests:
			c.breaker.RecordFailure(resp.StatusCode)
			c.gate.OnThrottle(retryAfter(resp.Header.Get("Retry-After"), c.retryDelay))
			lastErr = apiErr
		case resp.StatusCode >= 500:
			c.breaker.RecordFailure(resp.StatusCode)
			c.gate.OnFailure()
			lastErr = apiErr
		default:
			// other 4xx are permanent
			c.gate.OnOK()
			return apiErr
		}
	}

	return fmt.Errorf("request failed after %d retries: %w", c.maxRetries, lastErr)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body bodyFunc) (*http.Request, error) {
	var (
		reader      io.Reader
		contentType string
	)
	if body != nil {
		var err error
		reader, contentType, err = body()
		if err != nil {
			return nil, fmt.Errorf("failed to build request body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get access token: %w", err)
	}
	req.Header.Set("x-api-key", c.tokens.APIKey())
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return req, nil
}

func decodeBody(resp *http.Response, out any) error {
	defer resp.Body.Close()
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func readAPIError(resp *http.Response, method, path string) *APIError {
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLength))
	return &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(data))}
}

// retryAfter parses a Retry-After header given in seconds.
func retryAfter(header string, fallback time.Duration) time.Duration {
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
