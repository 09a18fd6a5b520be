// Package webhook performs the outbound POSTs of the handshake and the
// notification delivery.
package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"herald/internal/constants"
	"herald/pkg/circuitbreaker"
	apperrors "herald/pkg/errors"
	"herald/pkg/metrics"
)

type Request struct {
	// Kind labels the call in metrics, e.g. "handshake" or "deliver".
	Kind    string
	URL     string
	Body    []byte
	Headers map[string]string
}

type Response struct {
	StatusCode int
	Body       []byte
	Duration   time.Duration
}

func (r *Response) OK() bool {
	return r.StatusCode >= constants.HTTPStatusOKMin && r.StatusCode < constants.HTTPStatusOKMax
}

// Poster is what the registry and dispatcher need from the client.
type Poster interface {
	Post(ctx context.Context, req Request) (*Response, error)
}

type Client struct {
	http     *http.Client
	timeout  time.Duration
	breakers *circuitbreaker.Group
}

type Option func(*Client)

// WithCircuitBreaker trips per webhook host after repeated failures.
func WithCircuitBreaker(cfg circuitbreaker.Config) Option {
	return func(c *Client) {
		c.breakers = circuitbreaker.NewGroup(cfg)
	}
}

// WithHTTPClient replaces the underlying client. Its Timeout is ignored in
// favour of the per-call timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func NewClient(timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = constants.DefaultWebhookTimeout
	}
	c := &Client{
		http: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		timeout: timeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Post sends req with a bounded timeout. Transport failures, timeouts and an
// open breaker are returned as errors; any HTTP response, 2xx or not, is
// returned as a Response.
func (c *Client) Post(ctx context.Context, req Request) (*Response, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, apperrors.ErrValidation.WithMessage("invalid webhook url").WithCause(err)
	}

	if c.breakers == nil {
		return c.do(ctx, req)
	}

	result, err := c.breakers.Get(u.Host).ExecuteWithContext(ctx, func() (interface{}, error) {
		resp, err := c.do(ctx, req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			// Count server errors against the breaker but still hand the
			// response back to the caller.
			return resp, &serverError{resp: resp}
		}
		return resp, nil
	})

	var se *serverError
	if errors.As(err, &se) {
		return se.resp, nil
	}
	if err != nil {
		return nil, err
	}
	return result.(*Response), nil
}

func (c *Client) do(ctx context.Context, req Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, apperrors.ErrValidation.WithMessage("invalid webhook request").WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", "herald-notifier/1")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	duration := time.Since(start)
	if err != nil {
		metrics.ObserveWebhookRequest(req.Kind, 0, duration)
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, apperrors.ErrTimeout.WithMessage("webhook did not answer within %s", c.timeout).WithCause(err)
		}
		return nil, apperrors.ErrDelivery.WithCause(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, constants.MaxWebhookResponseBytes))
	if err != nil {
		metrics.ObserveWebhookRequest(req.Kind, 0, duration)
		return nil, apperrors.ErrDelivery.WithMessage("failed to read webhook response").WithCause(err)
	}
	metrics.ObserveWebhookRequest(req.Kind, resp.StatusCode, duration)

	return &Response{StatusCode: resp.StatusCode, Body: body, Duration: duration}, nil
}

type serverError struct {
	resp *Response
}

func (e *serverError) Error() string {
	return fmt.Sprintf("webhook answered %d", e.resp.StatusCode)
}
