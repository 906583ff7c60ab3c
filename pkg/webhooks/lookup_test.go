package webhooks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/platinummonkey/meter/pkg/observability"
	"github.com/platinummonkey/meter/pkg/providers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type namerFunc func(ctx context.Context, planID string) (string, error)

func (f namerFunc) PlanName(ctx context.Context, planID string) (string, error) {
	return f(ctx, planID)
}

func TestCachedPlanLookup_CachesNames(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	var calls int32
	l := NewCachedPlanLookup(time.Minute, time.Second, metrics, quietLogger())
	l.Register(providers.PayPal, namerFunc(func(ctx context.Context, planID string) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "Team Plan (Monthly)", nil
	}))

	for i := 0; i < 3; i++ {
		name, err := l.Lookup(context.Background(), providers.PayPal, "P-1")
		require.NoError(t, err)
		assert.Equal(t, "Team Plan (Monthly)", name)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PlanLookupsTotal.WithLabelValues("paypal", "api")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.PlanLookupsTotal.WithLabelValues("paypal", "cache")))
}

func TestCachedPlanLookup_CollapsesConcurrentMisses(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	l := NewCachedPlanLookup(time.Minute, time.Second, nil, quietLogger())
	l.Register(providers.Razorpay, namerFunc(func(ctx context.Context, planID string) (string, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "Pro", nil
	}))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			name, err := l.Lookup(context.Background(), providers.Razorpay, "plan_1")
			assert.NoError(t, err)
			assert.Equal(t, "Pro", name)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&calls), int32(5))
	assert.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(1))
}

func TestCachedPlanLookup_Timeout(t *testing.T) {
	l := NewCachedPlanLookup(time.Minute, 20*time.Millisecond, nil, quietLogger())
	l.Register(providers.Stripe, namerFunc(func(ctx context.Context, planID string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}))

	_, err := l.Lookup(context.Background(), providers.Stripe, "price_1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestCachedPlanLookup_ErrorsAreNotCached(t *testing.T) {
	fail := true
	l := NewCachedPlanLookup(time.Minute, time.Second, nil, quietLogger())
	l.Register(providers.PayPal, namerFunc(func(ctx context.Context, planID string) (string, error) {
		if fail {
			return "", errors.New("boom")
		}
		return "Ultimate", nil
	}))

	_, err := l.Lookup(context.Background(), providers.PayPal, "P-2")
	require.Error(t, err)

	fail = false
	name, err := l.Lookup(context.Background(), providers.PayPal, "P-2")
	require.NoError(t, err)
	assert.Equal(t, "Ultimate", name)
}

func TestCachedPlanLookup_UnregisteredProvider(t *testing.T) {
	l := NewCachedPlanLookup(0, 0, nil, nil)

	_, err := l.Lookup(context.Background(), providers.Stripe, "price_1")
	assert.Error(t, err)
}
