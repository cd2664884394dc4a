package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

var ready atomic.Bool

func init() { ready.Store(true) }

// SetReady toggles the readiness flag. The API flips it off when shutdown
// starts so load balancers drain traffic before the listener closes.
func SetReady(v bool) { ready.Store(v) }

// Checker represents dependencies that can be probed for readiness.
type Checker interface {
	PingRedis(ctx context.Context, timeout time.Duration) error
}

// Prober is implemented by payment providers.
type Prober interface {
	Name() string
	HealthCheck(ctx context.Context) bool
}

// Handler exposes HTTP handlers for health endpoints.
type Handler struct {
	Checker      Checker
	Providers    []Prober
	RedisTimeout time.Duration
	// ProviderTimeout bounds each provider probe.
	ProviderTimeout time.Duration
	// RequireProviders makes an unhealthy provider fail readiness.
	RequireProviders bool
}

// Live reports liveness status.
func (h Handler) Live(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Ready reports readiness based on dependency probes.
func (h Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if !ready.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	if h.Checker == nil {
		http.Error(w, "dependencies unavailable", http.StatusServiceUnavailable)
		return
	}
	ctx := r.Context()
	redisStatus := "ok"
	if err := h.Checker.PingRedis(ctx, h.redisTimeout()); err != nil {
		redisStatus = err.Error()
	}
	providers := h.probeProviders(ctx)

	healthy := redisStatus == "ok"
	if h.RequireProviders {
		for _, status := range providers {
			if status != "ok" {
				healthy = false
			}
		}
	}
	body := map[string]any{
		"redis":     redisStatus,
		"providers": providers,
	}
	w.Header().Set("Content-Type", "application/json")
	if healthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(body)
}

// probeProviders runs every provider probe concurrently.
func (h Handler) probeProviders(ctx context.Context) map[string]string {
	out := make(map[string]string, len(h.Providers))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, p := range h.Providers {
		wg.Add(1)
		go func(p Prober) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, h.providerTimeout())
			defer cancel()
			status := "ok"
			if !p.HealthCheck(probeCtx) {
				status = "unavailable"
			}
			mu.Lock()
			out[p.Name()] = status
			mu.Unlock()
		}(p)
	}
	wg.Wait()
	return out
}

func (h Handler) redisTimeout() time.Duration {
	if h.RedisTimeout <= 0 {
		return 300 * time.Millisecond
	}
	return h.RedisTimeout
}

func (h Handler) providerTimeout() time.Duration {
	if h.ProviderTimeout <= 0 {
		return 10 * time.Second
	}
	return h.ProviderTimeout
}
