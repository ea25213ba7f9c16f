// Package upstream holds the proxy's provider clients for OpenWeather and Google Places.
// Both share one retrying caller that applies per-attempt timeouts, exponential backoff
// with jitter, a per-provider circuit breaker and provider metrics.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/skyli-weather/internal/circuitbreaker"
	"github.com/kjstillabower/skyli-weather/internal/observability"
)

var (
	ErrInvalidAPIKey   = errors.New("invalid API key")
	ErrNotFound        = errors.New("not found")
	ErrUpstreamFailure = errors.New("upstream failure")
	ErrRateLimited     = errors.New("rate limited")
	ErrTimeout         = errors.New("upstream timeout")
	// ErrMalformedResponse is returned when a 2xx body cannot be decoded or lacks required
	// fields. It matches ErrUpstreamFailure but is not retried.
	ErrMalformedResponse = fmt.Errorf("%w: malformed response", ErrUpstreamFailure)
)

// Config configures a provider client. Zero retry settings select 3 attempts,
// 100ms base delay and 2s max delay.
type Config struct {
	APIKey         string
	BaseURL        string
	Timeout        time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	Breaker        *circuitbreaker.CircuitBreaker
	HTTPClient     *http.Client
	Logger         *zap.Logger
	// Now and Sleep are test hooks.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

type caller struct {
	provider      string
	apiKey        string
	keyParam      string
	baseURL       string
	timeout       time.Duration
	client        *http.Client
	retryAttempts int
	baseDelay     time.Duration
	maxDelay      time.Duration
	breaker       *circuitbreaker.CircuitBreaker
	logger        *zap.Logger
	now           func() time.Time
	sleep         func(ctx context.Context, d time.Duration) error
}

func newCaller(provider, keyParam string, cfg Config) (*caller, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: %s API key is required", ErrInvalidAPIKey, provider)
	}
	if len(cfg.APIKey) < 10 {
		return nil, fmt.Errorf("%w: %s API key appears invalid (too short)", ErrInvalidAPIKey, provider)
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil || cfg.BaseURL == "" {
		return nil, fmt.Errorf("invalid %s base URL %q", provider, cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 100 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 2 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	return &caller{
		provider:      provider,
		apiKey:        cfg.APIKey,
		keyParam:      keyParam,
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		timeout:       cfg.Timeout,
		client:        cfg.HTTPClient,
		retryAttempts: cfg.RetryAttempts,
		baseDelay:     cfg.RetryBaseDelay,
		maxDelay:      cfg.RetryMaxDelay,
		breaker:       cfg.Breaker,
		logger:        cfg.Logger.With(zap.String("provider", provider)),
		now:           cfg.Now,
		sleep:         cfg.Sleep,
	}, nil
}

// getJSON calls path with params through the circuit breaker, retrying transient
// failures, and decodes the 2xx body into dst.
func (c *caller) getJSON(ctx context.Context, endpoint, path string, params url.Values, dst any) error {
	return c.breaker.Call(ctx, func() error {
		return c.withRetry(ctx, endpoint, func() error {
			return c.callAPI(ctx, endpoint, path, params, dst)
		})
	}, isCallerFault)
}

func (c *caller) withRetry(ctx context.Context, endpoint string, call func() error) error {
	var lastErr error
	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			observability.UpstreamRetriesTotal.WithLabelValues(c.provider).Inc()
			delay := c.calculateBackoff(attempt)
			c.logger.Warn("retrying provider call",
				zap.String("endpoint", endpoint),
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			if err := c.sleep(ctx, delay); err != nil {
				return err
			}
		}

		err := call()
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryable(err) {
			return err
		}
	}
	return fmt.Errorf("exhausted retries: %w", lastErr)
}

func (c *caller) callAPI(ctx context.Context, endpoint, path string, params url.Values, dst any) error {
	start := c.now()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.buildRequest(reqCtx, path, params)
	if err != nil {
		c.record(endpoint, "error", start)
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.record(endpoint, "error", start)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return fmt.Errorf("%w: %s %s", ErrTimeout, c.provider, endpoint)
		}
		return fmt.Errorf("%w: http request failed: %v", ErrUpstreamFailure, err)
	}
	defer resp.Body.Close()

	c.record(endpoint, statusLabel(resp.StatusCode), start)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response body: %v", ErrUpstreamFailure, err)
	}
	if err := handleErrorResponse(resp.StatusCode, body); err != nil {
		return err
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("%w: parse response: %v", ErrMalformedResponse, err)
	}
	return nil
}

func (c *caller) buildRequest(ctx context.Context, path string, params url.Values) (*http.Request, error) {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}
	q := url.Values{}
	for k, v := range params {
		q[k] = v
	}
	q.Set(c.keyParam, c.apiKey)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if id := observability.CorrelationID(ctx); id != "" {
		req.Header.Set("X-Correlation-ID", id)
	}
	return req, nil
}

func (c *caller) record(endpoint, status string, start time.Time) {
	observability.UpstreamCallsTotal.WithLabelValues(c.provider, endpoint, status).Inc()
	observability.UpstreamDuration.WithLabelValues(c.provider, status).Observe(c.now().Sub(start).Seconds())
}

func (c *caller) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.maxDelay) {
		delay = float64(c.maxDelay)
	}
	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

// handleErrorResponse maps a provider status code to a sentinel. The provider's own
// message field is kept in the error text when present.
func handleErrorResponse(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	msg := providerMessage(body)
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrInvalidAPIKey, msg)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRateLimited, msg)
	}
	return fmt.Errorf("%w: HTTP %d: %s", ErrUpstreamFailure, status, msg)
}

func providerMessage(body []byte) string {
	var payload struct {
		Message      string `json:"message"`
		ErrorMessage string `json:"error_message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.ErrorMessage != "" {
			return payload.ErrorMessage
		}
	}
	return "provider error"
}

func isRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrMalformedResponse) {
		return false
	}
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrUpstreamFailure) ||
		errors.Is(err, ErrTimeout)
}

// isCallerFault reports errors that say nothing about provider health.
func isCallerFault(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled)
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == http.StatusTooManyRequests {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// validateKey makes a single request outside the retry loop and breaker and hands the
// status and body to check.
func (c *caller) validateKey(ctx context.Context, path string, params url.Values, check func(status int, body []byte) error) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := c.buildRequest(ctx, path, params)
	if err != nil {
		return fmt.Errorf("build validation request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("validation request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read validation response: %w", err)
	}
	return check(resp.StatusCode, body)
}
