package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// maxResponseBytes bounds how much of a provider response is buffered.
const maxResponseBytes = 1 << 20

// HTTPClient issues a single bounded outbound request per call, guarded by an
// optional circuit breaker. It never retries.
type HTTPClient struct {
	Client  *http.Client
	Breaker *Breaker
	Timeout time.Duration
}

// Response is a fully buffered provider response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports whether the response carried a 2xx status.
func (r Response) OK() bool { return r.StatusCode >= 200 && r.StatusCode < 300 }

// NewHTTPClient returns a client with OpenTelemetry instrumentation on the transport.
func NewHTTPClient(timeout time.Duration, breaker *Breaker) *HTTPClient {
	return &HTTPClient{
		Client:  &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		Breaker: breaker,
		Timeout: timeout,
	}
}

// Do executes req within the configured timeout and buffers the body. Server
// errors and transport failures count against the breaker; an open breaker
// short-circuits with ErrOpenCircuit.
func (cl *HTTPClient) Do(ctx context.Context, req *http.Request) (Response, error) {
	if cl == nil || cl.Client == nil {
		return Response{}, errors.New("resilience: http client not configured")
	}
	if cl.Breaker != nil && !cl.Breaker.Allow(ctx) {
		return Response{}, ErrOpenCircuit
	}
	callCtx, cancel := cl.withTimeout(ctx)
	defer cancel()

	resp, err := cl.Client.Do(req.WithContext(callCtx))
	if err != nil {
		cl.report(ctx, false)
		return Response{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		cl.report(ctx, false)
		return Response{}, fmt.Errorf("read response: %w", err)
	}
	cl.report(ctx, resp.StatusCode < http.StatusInternalServerError)
	return Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

func (cl *HTTPClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := cl.Timeout
	if timeout <= 0 {
		timeout = cl.Client.Timeout
	}
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func (cl *HTTPClient) report(ctx context.Context, success bool) {
	if cl.Breaker != nil {
		cl.Breaker.Report(ctx, success)
	}
}
