package resilience

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	// BreakerState exposes the breaker state per provider: 0=closed, 1=open, 2=half-open.
	BreakerState *prometheus.GaugeVec
	// BreakerTransitions counts breaker state changes.
	BreakerTransitions *prometheus.CounterVec
)

// MustRegisterMetrics creates and registers the breaker collectors. Until it is
// called breakers run without publishing metrics.
func MustRegisterMetrics(namespace string, reg prometheus.Registerer) {
	registerOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		state := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "payment_provider_breaker_state",
			Help:      "Current breaker state per payment provider: 0=closed,1=open,2=half-open.",
		}, []string{"provider"})
		transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_provider_breaker_transition_total",
			Help:      "Count of breaker state transitions per payment provider.",
		}, []string{"provider", "from", "to"})
		if err := reg.Register(state); err != nil {
			are, ok := err.(prometheus.AlreadyRegisteredError)
			if !ok {
				panic(fmt.Errorf("register breaker state: %w", err))
			}
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				state = existing
			}
		}
		if err := reg.Register(transitions); err != nil {
			are, ok := err.(prometheus.AlreadyRegisteredError)
			if !ok {
				panic(fmt.Errorf("register breaker transitions: %w", err))
			}
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				transitions = existing
			}
		}
		BreakerState = state
		BreakerTransitions = transitions
	})
}
