package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	appconfig "optionlevels/config"
)

func testConfig() appconfig.ReaderConfig {
	return appconfig.ReaderConfig{
		Timeout:   time.Second,
		UserAgent: "levels-test",
		RateLimit: appconfig.RateLimitConfig{RequestsPerSecond: 1000, BurstSize: 10},
		Retry: appconfig.RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
		},
		CircuitBreaker: appconfig.CircuitBreakerConfig{FailureThreshold: 2, RecoveryTimeout: time.Minute},
	}
}

func TestGetRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != "levels-test" {
			t.Errorf("unexpected user agent %q", r.Header.Get("User-Agent"))
		}
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.CircuitBreaker.FailureThreshold = 5
	body, err := New("test", cfg).Get(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(body) != "ok" || atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("unexpected body %q after %d calls", body, calls)
	}
}

func TestGetDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := New("test", testConfig()).Get(context.Background(), srv.URL)
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected status error, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("client error retried %d times", calls)
	}
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New("test", testConfig())
	if _, err := c.Get(context.Background(), srv.URL); err == nil {
		t.Fatalf("expected failure")
	}
	if c.State() != gobreaker.StateOpen {
		t.Fatalf("expected open breaker, got %s", c.State())
	}

	before := atomic.LoadInt32(&calls)
	_, err := c.Get(context.Background(), srv.URL)
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected open state error, got %v", err)
	}
	if atomic.LoadInt32(&calls) != before {
		t.Fatalf("open breaker still reached the server")
	}
}

func TestGetHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New("test", testConfig()).Get(ctx, "http://127.0.0.1:1"); err == nil {
		t.Fatalf("expected error for cancelled context")
	}
}
