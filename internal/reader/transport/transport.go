// Package transport is the HTTP client shared by the REST providers. Each
// request waits on a token bucket, runs through a circuit breaker and is
// retried with exponential backoff on transport errors and 5xx/429 replies.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	appconfig "optionlevels/config"
	"optionlevels/logger"
)

// StatusError is returned for non-2xx replies.
type StatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: status %d: %s", e.URL, e.StatusCode, e.Body)
}

func (e *StatusError) retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// userAgentTransport sets a fixed User-Agent on every request.
type userAgentTransport struct {
	agent string
	base  http.RoundTripper
}

func (t userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.agent != "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.agent)
	}
	return t.base.RoundTrip(req)
}

// Client performs rate limited, circuit broken GET requests.
type Client struct {
	name    string
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	retry   appconfig.RetryConfig
	log     *logger.Log
}

// New builds a client named after the provider it serves.
func New(name string, cfg appconfig.ReaderConfig) *Client {
	log := logger.GetLogger()

	rps := cfg.RateLimit.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.RateLimit.BurstSize
	if burst <= 0 {
		burst = 1
	}

	cb := cfg.CircuitBreaker
	threshold := uint32(cb.FailureThreshold)
	if threshold == 0 {
		threshold = 5
	}
	halfOpen := uint32(cb.HalfOpenMaxRequests)
	if halfOpen == 0 {
		halfOpen = 1
	}
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: halfOpen,
		Timeout:     cb.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			// context cancellation says nothing about the upstream
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithComponent("transport").WithFields(logger.Fields{
				"provider": name,
				"from":     from.String(),
				"to":       to.String(),
			}).Warn("circuit breaker state changed")
		},
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		name: name,
		http: &http.Client{
			Timeout:   timeout,
			Transport: userAgentTransport{agent: cfg.UserAgent, base: http.DefaultTransport},
		},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		breaker: gobreaker.NewCircuitBreaker(settings),
		retry:   cfg.Retry,
		log:     log,
	}
}

// State exposes the breaker state for health reporting.
func (c *Client) State() gobreaker.State {
	return c.breaker.State()
}

// Get fetches url and returns the body of a 2xx reply.
func (c *Client) Get(ctx context.Context, url string) ([]byte, error) {
	attempts := c.retry.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := c.retry.BaseDelay

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		body, err := c.once(ctx, url)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retryable(err) || attempt == attempts {
			break
		}

		c.log.WithComponent("transport").WithFields(logger.Fields{
			"provider": c.name,
			"attempt":  attempt,
			"delay":    delay.String(),
		}).WithError(err).Debug("retrying request")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay = c.nextDelay(delay)
	}
	return nil, fmt.Errorf("%s: %w", c.name, lastErr)
}

func (c *Client) nextDelay(d time.Duration) time.Duration {
	mult := c.retry.BackoffMultiplier
	if mult <= 1 {
		mult = 2
	}
	d *= time.Duration(mult)
	if c.retry.MaxDelay > 0 && d > c.retry.MaxDelay {
		d = c.retry.MaxDelay
	}
	return d
}

func retryable(err error) bool {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.retryable()
	}
	return true
}

func (c *Client) once(ctx context.Context, url string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	out, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			snippet := string(body)
			if len(snippet) > 256 {
				snippet = snippet[:256]
			}
			return nil, &StatusError{URL: url, StatusCode: resp.StatusCode, Body: snippet}
		}
		return body, nil
	})
	if err != nil {
		return nil, err
	}
	return out.([]byte), nil
}
