package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/meter/pkg/async"
	"github.com/platinummonkey/meter/pkg/pricing"
	"github.com/platinummonkey/meter/pkg/providers"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// CancellationSweeper downgrades subscriptions whose cancel_at has passed
type CancellationSweeper struct {
	store      Store
	reconciler *Reconciler
	logger     *logrus.Logger
	batchSize  int
	workers    int
	timeout    time.Duration
	now        func() time.Time
}

// NewCancellationSweeper creates a new CancellationSweeper
func NewCancellationSweeper(store Store, reconciler *Reconciler, logger *logrus.Logger) *CancellationSweeper {
	if logger == nil {
		logger = logrus.New()
	}
	return &CancellationSweeper{
		store:      store,
		reconciler: reconciler,
		logger:     logger,
		batchSize:  100,
		workers:    4,
		timeout:    30 * time.Second,
		now:        time.Now,
	}
}

// Run expires one batch of due subscriptions and returns how many were downgraded
func (s *CancellationSweeper) Run(ctx context.Context) (int, error) {
	due, err := s.store.ListDueCancellations(ctx, s.now(), s.batchSize)
	if err != nil {
		return 0, err
	}
	if len(due) == 0 {
		return 0, nil
	}

	errs := async.Batch(ctx, due, s.workers, s.timeout, s.expire)
	for _, err := range errs {
		s.logger.WithError(err).Warn("Failed to expire subscription")
	}

	expired := len(due) - len(errs)
	s.logger.WithFields(logrus.Fields{"due": len(due), "expired": expired}).Info("Cancellation sweep finished")
	if len(errs) > 0 {
		return expired, fmt.Errorf("%d of %d cancellations failed: %w", len(errs), len(due), errs[0])
	}
	return expired, nil
}

func (s *CancellationSweeper) expire(ctx context.Context, sub Subscription) error {
	result, err := s.reconciler.Reconcile(ctx, ReconcileRequest{
		OrganizationID: sub.OrganizationID,
		Tier:           pricing.TierFree,
	})
	if errors.Is(err, ErrSubscriptionLocked) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("org %d: %w", sub.OrganizationID, err)
	}

	provider := sub.Provider
	if provider == "" {
		provider = providers.Manual
	}
	_, err = s.store.AppendTransaction(ctx, &PaymentTransaction{
		OrganizationID: sub.OrganizationID,
		SubscriptionID: &result.Subscription.ID,
		Provider:       provider,
		Currency:       "USD",
		Status:         TransactionSucceeded,
		Type:           TransactionManualAdjustment,
		Description:    fmt.Sprintf("Scheduled cancellation: %s -> FREE", result.PreviousTier),
	})
	if err != nil {
		return fmt.Errorf("org %d: failed to record cancellation: %w", sub.OrganizationID, err)
	}
	return nil
}

// Schedule registers the sweep on a cron scheduler
func (s *CancellationSweeper) Schedule(c *cron.Cron, spec string) (cron.EntryID, error) {
	return c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if _, err := s.Run(ctx); err != nil {
			s.logger.WithError(err).Error("Cancellation sweep failed")
		}
	})
}
