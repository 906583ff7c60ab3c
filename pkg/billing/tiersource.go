package billing

import (
	"context"
	"errors"

	"github.com/platinummonkey/meter/pkg/pricing"
)

// TierSource adapts a SubscriptionStore to quota.TierSource
type TierSource struct {
	store SubscriptionStore
}

// NewTierSource creates a new TierSource
func NewTierSource(store SubscriptionStore) *TierSource {
	return &TierSource{store: store}
}

// CurrentTier returns the active tier, FREE when there is no subscription
func (t *TierSource) CurrentTier(ctx context.Context, orgID int64) (pricing.Tier, bool, error) {
	sub, err := t.store.FindActiveByOrganization(ctx, orgID)
	if errors.Is(err, ErrNotFound) {
		return pricing.TierFree, false, nil
	}
	if err != nil {
		return "", false, err
	}
	return sub.Tier, sub.Lifetime, nil
}
