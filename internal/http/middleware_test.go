package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/skyli-weather/internal/observability"
	"github.com/kjstillabower/skyli-weather/internal/traffic"
)

// TestCorrelationIDMiddleware verifies that a supplied id is echoed and a missing one minted.
func TestCorrelationIDMiddleware(t *testing.T) {
	var seen string
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(zap.NewNop()))
	router.HandleFunc("/x", func(w http.ResponseWriter, r *http.Request) {
		seen = observability.CorrelationID(r.Context())
	})

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Correlation-ID", "abc")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if seen != "abc" || w.Header().Get("X-Correlation-ID") != "abc" {
		t.Errorf("correlation id = %q (header %q), want abc", seen, w.Header().Get("X-Correlation-ID"))
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	if len(seen) != 36 || w.Header().Get("X-Correlation-ID") != seen {
		t.Errorf("minted id = %q (header %q), want a uuid echoed in the header", seen, w.Header().Get("X-Correlation-ID"))
	}
}

// TestMetricsMiddleware_TracksOutcomes verifies that status codes feed the traffic tracker
// and that health checks are excluded.
func TestMetricsMiddleware_TracksOutcomes(t *testing.T) {
	tr := traffic.NewTracker(nil, 0)
	inflight := &InFlightTracker{}
	router := mux.NewRouter()
	router.Use(MetricsMiddleware(tr, inflight))
	router.HandleFunc("/api/pollution/{lat}/{lon}", func(w http.ResponseWriter, r *http.Request) {
		if inflight.Count() != 1 {
			t.Errorf("in-flight count = %d inside handler, want 1", inflight.Count())
		}
		switch mux.Vars(r)["lat"] {
		case "1":
			w.WriteHeader(http.StatusBadGateway)
		case "2":
			w.WriteHeader(http.StatusTooManyRequests)
		}
	})
	router.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {})

	for _, path := range []string{"/api/pollution/0/0", "/api/pollution/1/0", "/api/pollution/2/0", "/api/health"} {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	if errs, total := tr.ErrorRate(time.Minute); errs != 1 || total != 2 {
		t.Errorf("ErrorRate() = (%d, %d), want (1, 2)", errs, total)
	}
	if n := tr.DenialCount(time.Minute); n != 1 {
		t.Errorf("DenialCount() = %d, want 1", n)
	}
	if n := tr.RequestCount(time.Minute); n != 3 {
		t.Errorf("RequestCount() = %d, want 3 (health excluded)", n)
	}
	if inflight.Count() != 0 {
		t.Errorf("in-flight count = %d after requests, want 0", inflight.Count())
	}
}

// TestGetRoute verifies route templates are used as metric labels.
func TestGetRoute(t *testing.T) {
	var got string
	router := mux.NewRouter()
	router.HandleFunc("/api/weather/current/{lat}/{lon}", func(w http.ResponseWriter, r *http.Request) {
		got = getRoute(r)
	})
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/weather/current/1/2", nil))
	if got != "/api/weather/current/{lat}/{lon}" {
		t.Errorf("getRoute() = %q, want the path template", got)
	}
	if got := getRoute(httptest.NewRequest(http.MethodGet, "/nope", nil)); got != "unmatched" {
		t.Errorf("getRoute(unrouted) = %q, want unmatched", got)
	}
}

// TestTimeoutMiddleware_CancelsContextAfterTimeout verifies that the request context
// carries the configured deadline.
func TestTimeoutMiddleware_CancelsContextAfterTimeout(t *testing.T) {
	var ctxErr error
	h := TimeoutMiddleware(10 * time.Millisecond)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
			ctxErr = r.Context().Err()
		case <-time.After(time.Second):
		}
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if ctxErr != context.DeadlineExceeded {
		t.Errorf("context error = %v, want DeadlineExceeded", ctxErr)
	}
}

// TestRateLimitMiddleware_Returns429WhenExceeded verifies that the bucket is enforced.
func TestRateLimitMiddleware_Returns429WhenExceeded(t *testing.T) {
	limiter := rate.NewLimiter(rate.Limit(0.001), 2)
	h := RateLimitMiddleware(limiter)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	codes := make([]int, 3)
	for i := range codes {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		codes[i] = w.Code
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("status codes = %v, want [200 200 429]", codes)
	}
}

func TestRateLimitMiddleware_NilLimiterPassesThrough(t *testing.T) {
	called := false
	h := RateLimitMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !called {
		t.Error("handler not called with nil limiter")
	}
}

// TestCORSMiddleware verifies preflight handling and the allow-origin header on normal requests.
func TestCORSMiddleware(t *testing.T) {
	s := newTestServer(t, nil, nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/weather/current/1/2", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d, want 204", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Methods") == "" {
		t.Error("preflight missing Access-Control-Allow-Methods")
	}

	w = s.get("/api/health")
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}

	restricted := CORSMiddleware("https://skyli.example")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	w = httptest.NewRecorder()
	restricted.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://skyli.example" {
		t.Errorf("Access-Control-Allow-Origin = %q, want https://skyli.example", got)
	}
}

// TestRouter_RateLimitSkipsHealth verifies that the limiter guards data routes only.
func TestRouter_RateLimitSkipsHealth(t *testing.T) {
	s := newTestServer(t, nil, nil)
	s.router = NewRouter(RouterConfig{
		Handler: s.handler,
		Logger:  zap.NewNop(),
		Limiter: rate.NewLimiter(rate.Limit(0.001), 1),
	})

	if w := s.get("/api/geocode/Zurich"); w.Code != http.StatusOK {
		t.Fatalf("first data request status = %d, want 200", w.Code)
	}
	if w := s.get("/api/geocode/Zurich"); w.Code != http.StatusTooManyRequests {
		t.Fatalf("second data request status = %d, want 429", w.Code)
	}
	if w := s.get("/api/health"); w.Code != http.StatusOK {
		t.Fatalf("health status = %d, want 200", w.Code)
	}
}
