package resilience_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/adpay-gateway/internal/resilience"
)

func TestBreakerMetricsTransitions(t *testing.T) {
	resilience.MustRegisterMetrics("adpay", prometheus.NewRegistry())
	resilience.BreakerState.Reset()
	resilience.BreakerTransitions.Reset()

	breaker := resilience.NewBreaker("nowpayments", resilience.BreakerConfig{MinRequests: 1, FailureRatio: 0.5, OpenFor: 20 * time.Millisecond})
	ctx := context.Background()

	require.True(t, breaker.Allow(ctx))
	breaker.Report(ctx, false)

	val := testutil.ToFloat64(resilience.BreakerState.WithLabelValues("nowpayments"))
	require.Equal(t, 1.0, val)

	require.Eventually(t, func() bool {
		return breaker.Allow(ctx)
	}, 100*time.Millisecond, 5*time.Millisecond)

	val = testutil.ToFloat64(resilience.BreakerState.WithLabelValues("nowpayments"))
	require.Equal(t, 2.0, val)

	breaker.Report(ctx, true)

	val = testutil.ToFloat64(resilience.BreakerState.WithLabelValues("nowpayments"))
	require.Equal(t, 0.0, val)

	toOpen := testutil.ToFloat64(resilience.BreakerTransitions.WithLabelValues("nowpayments", "closed", "open"))
	require.Equal(t, 1.0, toOpen)

	toHalf := testutil.ToFloat64(resilience.BreakerTransitions.WithLabelValues("nowpayments", "open", "half_open"))
	require.Equal(t, 1.0, toHalf)

	toClosed := testutil.ToFloat64(resilience.BreakerTransitions.WithLabelValues("nowpayments", "half_open", "closed"))
	require.Equal(t, 1.0, toClosed)
}
