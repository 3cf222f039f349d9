package resiliency

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/Mindburn-Labs/orchestra/pkg/retry"
)

// ErrUpstreamStatus is returned when every attempt ended in a 5xx response.
var ErrUpstreamStatus = errors.New("upstream returned server error")

// Client wraps http.Client with resilience patterns:
// - Exponential backoff with jitter between attempts
// - Circuit breaking around the whole retry loop
// - Trace context propagation
type Client struct {
	client     *http.Client
	maxRetries int
	backoff    retry.Policy
	breaker    *CircuitBreaker
}

// NewClient creates a client guarded by breaker.
func NewClient(breaker *CircuitBreaker) *Client {
	return &Client{
		client:     &http.Client{Timeout: 30 * time.Second},
		maxRetries: 3,
		backoff: retry.Policy{
			BaseDelay: 100 * time.Millisecond,
			MaxDelay:  5 * time.Second,
			MaxJitter: 50 * time.Millisecond,
		},
		breaker: breaker,
	}
}

// WithHTTPClient replaces the underlying http.Client.
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.client = h
	return c
}

// WithRetries sets the retry budget and the delay policy between attempts.
func (c *Client) WithRetries(maxRetries int, backoff retry.Policy) *Client {
	if maxRetries < 0 {
		maxRetries = 0
	}
	c.maxRetries = maxRetries
	c.backoff = backoff
	return c
}

// Breaker returns the guarding breaker.
func (c *Client) Breaker() *CircuitBreaker {
	return c.breaker
}

// Do executes an HTTP request with resiliency patterns. Responses below 500
// are returned as-is; a rejected call returns ErrCircuitOpen.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	result, err := c.breaker.Do(ctx, func(ctx context.Context) (any, error) {
		return c.attempt(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return result.(*http.Response), nil
}

func (c *Client) attempt(ctx context.Context, req *http.Request) (*http.Response, error) {
	var lastErr error
	key := req.Method + " " + req.URL.String()

	for i := 0; i <= c.maxRetries; i++ {
		if i > 0 {
			if err := retry.Sleep(ctx, c.backoff.Delay(key, i-1)); err != nil {
				return nil, err
			}
			if req.Body != nil && req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, fmt.Errorf("rewind request body: %w", err)
				}
				req.Body = body
			}
		}

		resp, err := c.client.Do(req)
		if err == nil && resp.StatusCode < http.StatusInternalServerError {
			return resp, nil
		}

		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("%w: %s", ErrUpstreamStatus, resp.Status)
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		}

		// A body without GetBody cannot be replayed.
		if req.Body != nil && req.GetBody == nil {
			break
		}
	}
	return nil, lastErr
}
