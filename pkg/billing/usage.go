package billing

import (
	"context"
	"fmt"

	"github.com/platinummonkey/meter/pkg/observability"
	"github.com/platinummonkey/meter/pkg/pricing"
	"github.com/sirupsen/logrus"
)

// UseFeature charges one unit of feature around action. The unit is
// inserted before action runs and deleted again if action fails, so only
// successful actions stay counted. Concurrent checks may see the unit while
// action is still running.
func (s *Service) UseFeature(ctx context.Context, orgID int64, feature pricing.Feature, action func(context.Context) error) error {
	decision, err := s.guard.CheckFeature(ctx, orgID, feature, 1)
	if err != nil {
		return err
	}
	if err := decision.Err(); err != nil {
		return err
	}

	unitID, err := s.store.InsertUsageUnit(ctx, orgID, feature)
	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}

	if err := action(ctx); err != nil {
		if delErr := s.store.DeleteUsageUnit(context.WithoutCancel(ctx), unitID); delErr != nil {
			observability.FromContext(ctx, s.logger).WithError(delErr).WithFields(logrus.Fields{
				"org_id":  orgID,
				"feature": feature,
				"unit_id": unitID,
			}).Error("Failed to roll back usage unit")
		}
		return err
	}

	return nil
}
