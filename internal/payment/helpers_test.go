package payment

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/noah-isme/adpay-gateway/internal/resilience"
)

// mockRail serves a provider API and counts the requests it received.
type mockRail struct {
	srv   *httptest.Server
	calls atomic.Int32
}

func newMockRail(t *testing.T, handler http.HandlerFunc) *mockRail {
	t.Helper()
	m := &mockRail{}
	m.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(m.srv.Close)
	return m
}

func (m *mockRail) client() *resilience.HTTPClient {
	return &resilience.HTTPClient{Client: m.srv.Client(), Timeout: 5 * time.Second}
}

func (m *mockRail) URL() string { return m.srv.URL }

func (m *mockRail) Calls() int { return int(m.calls.Load()) }
