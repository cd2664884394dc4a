package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/adpay-gateway/internal/obs"
	"github.com/noah-isme/adpay-gateway/internal/resilience"
)

const (
	// PaymentCallTimeout bounds invoice, status and cancel calls.
	PaymentCallTimeout = 30 * time.Second
	// HealthCallTimeout bounds provider health probes.
	HealthCallTimeout = 10 * time.Second

	logBodyLimit = 512
)

// remote performs the outbound calls of one provider. It is immutable after
// construction and safe for concurrent use.
type remote struct {
	provider  string
	baseURL   string
	client    *resilience.HTTPClient
	authorize func(*http.Request)
	logger    zerolog.Logger
}

type apiCall struct {
	op          string
	method      string
	path        string
	query       map[string]string
	body        []byte
	contentType string
	header      map[string]string
	timeout     time.Duration
}

type statusError struct {
	op         string
	statusCode int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s: unexpected HTTP status %d", e.op, e.statusCode)
}

func newRemote(provider, baseURL string, client *resilience.HTTPClient, logger zerolog.Logger, authorize func(*http.Request)) remote {
	if client == nil {
		client = resilience.NewHTTPClient(PaymentCallTimeout, nil)
	}
	return remote{
		provider:  provider,
		baseURL:   strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client:    client,
		authorize: authorize,
		logger:    logger.With().Str("provider", provider).Logger(),
	}
}

// do sends a single request and returns the buffered response. Non-2xx
// responses are returned together with a *statusError so callers can still
// inspect the body.
func (r remote) do(ctx context.Context, call apiCall) (resilience.Response, error) {
	timeout := call.timeout
	if timeout <= 0 {
		timeout = PaymentCallTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if call.body != nil {
		body = bytes.NewReader(call.body)
	}
	req, err := http.NewRequestWithContext(ctx, call.method, r.baseURL+call.path, body)
	if err != nil {
		return resilience.Response{}, fmt.Errorf("%s: build request: %w", call.op, err)
	}
	if len(call.query) > 0 {
		q := req.URL.Query()
		for k, v := range call.query {
			q.Set(k, v)
		}
		req.URL.RawQuery = q.Encode()
	}
	req.Header.Set("Accept", "application/json")
	if call.contentType != "" {
		req.Header.Set("Content-Type", call.contentType)
	}
	for k, v := range call.header {
		req.Header.Set(k, v)
	}
	if r.authorize != nil {
		r.authorize(req)
	}

	start := time.Now()
	resp, err := r.client.Do(ctx, req)
	result := "ok"
	switch {
	case err != nil:
		result = "error"
	case !resp.OK():
		result = "http_error"
	}
	if obs.ProviderRequestLatency != nil {
		obs.ProviderRequestLatency.WithLabelValues(r.provider, call.op, result).Observe(obs.DurationMillis(time.Since(start)))
	}

	if err != nil {
		r.logger.Error().Err(err).Str("operation", call.op).Msg("provider request failed")
		return resilience.Response{}, fmt.Errorf("%s: %w", call.op, err)
	}
	if !resp.OK() {
		r.logger.Error().
			Str("operation", call.op).
			Int("status_code", resp.StatusCode).
			Str("body", truncate(string(resp.Body), logBodyLimit)).
			Msg("provider returned error status")
		return resp, &statusError{op: call.op, statusCode: resp.StatusCode}
	}
	return resp, nil
}

// doJSON sends call and decodes a successful response body into out.
func (r remote) doJSON(ctx context.Context, call apiCall, out any) (resilience.Response, error) {
	resp, err := r.do(ctx, call)
	if err != nil {
		return resp, err
	}
	if out == nil {
		return resp, nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		r.logger.Error().Err(err).Str("operation", call.op).Str("body", truncate(string(resp.Body), logBodyLimit)).Msg("provider returned undecodable body")
		return resp, fmt.Errorf("%s: decode response: %w", call.op, err)
	}
	return resp, nil
}

// probe reports whether an authenticated GET on path answers with 2xx.
func (r remote) probe(ctx context.Context, path string) bool {
	_, err := r.do(ctx, apiCall{op: "health", method: http.MethodGet, path: path, timeout: HealthCallTimeout})
	return err == nil
}

// creationFailure converts a failed create call into the caller-facing message.
func creationFailure(err error) PaymentResult {
	var se *statusError
	if errors.As(err, &se) {
		return Failed(fmt.Sprintf("Payment creation failed: %d", se.statusCode))
	}
	return Failed("Payment creation error: " + err.Error())
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
