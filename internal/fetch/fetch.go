// Package fetch performs HTTP GETs against the proxy with bounded exponential-backoff retry.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/skyli-weather/internal/observability"
)

// maxBodyBytes bounds how much of a response body is read.
const maxBodyBytes = 4 << 20

var (
	// ErrUpstream matches every NetworkError caused by a non-2xx status or transport failure.
	ErrUpstream = errors.New("upstream request failed")
	// ErrTimeout matches a NetworkError caused by the per-request timeout. Timeouts are not retried.
	ErrTimeout = errors.New("request timed out")
)

// Policy controls retry behaviour. Delay before retry n (0-based) is BaseDelay × Growth^n.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	Growth     float64
	// Timeout bounds each attempt. Zero means no per-request timeout.
	Timeout time.Duration
}

// WeatherPolicy is used for the weather endpoints.
var WeatherPolicy = Policy{MaxRetries: 3, BaseDelay: time.Second, Growth: 2}

// PlacesPolicy is used for the places endpoints.
var PlacesPolicy = Policy{MaxRetries: 2, BaseDelay: 800 * time.Millisecond, Growth: 1.5, Timeout: 8 * time.Second}

// Delay returns the backoff before retry attempt (0-based).
func (p Policy) Delay(attempt int) time.Duration {
	growth := p.Growth
	if growth <= 0 {
		growth = 2
	}
	return time.Duration(float64(p.BaseDelay) * math.Pow(growth, float64(attempt)))
}

// NetworkError describes a failed fetch after all attempts.
type NetworkError struct {
	URL        string
	StatusCode int
	Attempts   int
	Timeout    bool
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("GET %s: HTTP %d after %d attempt(s): %v", e.URL, e.StatusCode, e.Attempts, e.Err)
	}
	return fmt.Sprintf("GET %s after %d attempt(s): %v", e.URL, e.Attempts, e.Err)
}

// Unwrap exposes the sentinel class and the cause.
func (e *NetworkError) Unwrap() []error {
	if e.Timeout {
		return []error{ErrTimeout, e.Err}
	}
	return []error{ErrUpstream, e.Err}
}

// Doer is satisfied by *http.Client.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithLogger sets the logger used for retry warnings.
func WithLogger(logger *zap.Logger) Option {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithSleep replaces the backoff wait. The function must return early with ctx.Err()
// when ctx is done.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(f *Fetcher) { f.sleep = sleep }
}

// Fetcher issues GET requests with retry. Safe for concurrent use.
type Fetcher struct {
	client Doer
	name   string
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// New creates a Fetcher. name labels retry metrics (e.g. "weather", "places").
func New(client Doer, name string, opts ...Option) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	f := &Fetcher{
		client: client,
		name:   name,
		logger: zap.NewNop(),
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Get fetches url and returns the response body. Non-2xx responses and transport failures
// are retried up to p.MaxRetries times; a per-request timeout ends the call immediately.
// The last failure is returned as a *NetworkError.
func (f *Fetcher) Get(ctx context.Context, url string, p Policy) ([]byte, error) {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	var lastErr *NetworkError
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			observability.ClientFetchRetriesTotal.WithLabelValues(f.name).Inc()
			delay := p.Delay(attempt - 1)
			f.logger.Warn("retrying request",
				zap.String("url", url),
				zap.Int("retry", attempt),
				zap.Int("maxRetries", p.MaxRetries),
				zap.Duration("delay", delay),
				zap.Error(lastErr.Err))
			if err := f.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		body, err := f.do(ctx, url, p.Timeout)
		if err == nil {
			return body, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		err.Attempts = attempt + 1
		lastErr = err
		if err.Timeout {
			return nil, err
		}
	}
	return nil, lastErr
}

func (f *Fetcher) do(ctx context.Context, url string, timeout time.Duration) ([]byte, *NetworkError) {
	reqCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &NetworkError{URL: url, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() == nil && errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			return nil, &NetworkError{URL: url, Timeout: true, Err: fmt.Errorf("aborted after %s", timeout)}
		}
		return nil, &NetworkError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		if ctx.Err() == nil && errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			return nil, &NetworkError{URL: url, Timeout: true, Err: fmt.Errorf("aborted after %s", timeout)}
		}
		return nil, &NetworkError{URL: url, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &NetworkError{URL: url, StatusCode: resp.StatusCode, Err: errors.New(errorMessage(resp, body))}
	}
	return body, nil
}

// errorMessage extracts the proxy's {error, message} body when present.
func errorMessage(resp *http.Response, body []byte) string {
	var e struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		if e.Message != "" {
			return e.Error + ": " + e.Message
		}
		return e.Error
	}
	return http.StatusText(resp.StatusCode)
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

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne.StatusCode
	}
	return 0
}
