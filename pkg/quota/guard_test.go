package quota

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/platinummonkey/meter/pkg/pricing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTiers struct {
	tier     pricing.Tier
	lifetime bool
	err      error
}

func (f fakeTiers) CurrentTier(ctx context.Context, orgID int64) (pricing.Tier, bool, error) {
	return f.tier, f.lifetime, f.err
}

type fakeUsage struct {
	counts map[pricing.Feature]int64
	since  time.Time
}

func (f *fakeUsage) SumUsage(ctx context.Context, orgID int64, feature pricing.Feature, since time.Time) (int64, error) {
	f.since = since
	return f.counts[feature], nil
}

func newTestGuard(tiers TierSource, usage UsageReader) *Guard {
	g := NewGuard(pricing.Default(), tiers, usage, nil, nil)
	g.now = func() time.Time { return time.Date(2025, 3, 17, 12, 0, 0, 0, time.UTC) }
	return g
}

func TestGuard_StandardAtLimitIsDenied(t *testing.T) {
	usage := &fakeUsage{counts: map[pricing.Feature]int64{pricing.FeaturePosts: 200}}
	g := newTestGuard(fakeTiers{tier: pricing.TierStandard}, usage)

	d, err := g.CheckAndAuthorize(context.Background(), 1, OpCreatePost, 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, int64(200), d.CurrentUsage)
	assert.Equal(t, int64(200), d.Limit)
	assert.NotEmpty(t, d.Reason)
	assert.Equal(t, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), usage.since)

	err = d.Err()
	require.Error(t, err)
	assert.True(t, IsExceeded(err))
}

func TestGuard_StandardBelowLimit(t *testing.T) {
	usage := &fakeUsage{counts: map[pricing.Feature]int64{pricing.FeaturePosts: 199}}
	g := newTestGuard(fakeTiers{tier: pricing.TierStandard}, usage)

	d, err := g.CheckAndAuthorize(context.Background(), 1, OpCreatePost, 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.NoError(t, d.Err())

	d, err = g.CheckAndAuthorize(context.Background(), 1, OpCreatePost, 2)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestGuard_UnlimitedAlwaysAllowed(t *testing.T) {
	for _, used := range []int64{0, 999_999, 5_000_000} {
		usage := &fakeUsage{counts: map[pricing.Feature]int64{pricing.FeaturePosts: used}}
		g := newTestGuard(fakeTiers{tier: pricing.TierPro}, usage)

		d, err := g.CheckAndAuthorize(context.Background(), 1, OpCreatePost, 1)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "usage %d", used)
		assert.True(t, d.Unlimited)
	}
}

func TestGuard_FreePostsAreAdvisory(t *testing.T) {
	usage := &fakeUsage{counts: map[pricing.Feature]int64{pricing.FeaturePosts: 40}}
	g := newTestGuard(fakeTiers{tier: pricing.TierFree}, usage)

	d, err := g.CheckAndAuthorize(context.Background(), 1, OpCreatePost, 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.True(t, d.Advisory)
	assert.Equal(t, int64(5), d.Limit)
	assert.Equal(t, int64(40), d.CurrentUsage)
}

func TestGuard_FreeImagesAreDenied(t *testing.T) {
	g := newTestGuard(fakeTiers{tier: pricing.TierFree}, &fakeUsage{})

	d, err := g.CheckAndAuthorize(context.Background(), 1, OpGenerateImage, 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, int64(0), d.Limit)
}

func TestGuard_LifetimeAlwaysAllowed(t *testing.T) {
	usage := &fakeUsage{counts: map[pricing.Feature]int64{pricing.FeatureAIVideos: 1000}}
	g := newTestGuard(fakeTiers{tier: pricing.TierStandard, lifetime: true}, usage)

	d, err := g.CheckFeature(context.Background(), 1, pricing.FeatureAIVideos, 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.True(t, d.Unlimited)
}

func TestGuard_Errors(t *testing.T) {
	g := newTestGuard(fakeTiers{err: errors.New("db down")}, &fakeUsage{})
	_, err := g.CheckAndAuthorize(context.Background(), 1, OpCreatePost, 1)
	assert.Error(t, err)

	g = newTestGuard(fakeTiers{tier: "GOLD"}, &fakeUsage{})
	_, err = g.CheckAndAuthorize(context.Background(), 1, OpCreatePost, 1)
	assert.True(t, pricing.IsUnknownTier(err))

	_, err = g.CheckFeature(context.Background(), 1, "webhooks", 1)
	assert.Error(t, err)
}
