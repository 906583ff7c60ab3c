package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/platinummonkey/meter/pkg/observability"
	"github.com/platinummonkey/meter/pkg/orgs"
	"github.com/platinummonkey/meter/pkg/pricing"
	"github.com/platinummonkey/meter/pkg/providers"
	"github.com/platinummonkey/meter/pkg/quota"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrRetryUnsupported is returned when the provider cannot retry a payment
	ErrRetryUnsupported = errors.New("payment retry is not supported for this provider")
	// ErrNotRetryable is returned for a transaction that is not FAILED
	ErrNotRetryable = errors.New("only failed payments can be retried")
	// ErrLifetimeCodeUsed is returned when a lifetime code was already claimed
	ErrLifetimeCodeUsed = errors.New("lifetime code already used")
)

const (
	defaultTransactionPageSize = 20
	maxTransactionPageSize     = 100
)

// RetryRequest describes a failed payment to retry at the provider
type RetryRequest struct {
	ExternalSubscriptionID string
	ProviderTransactionID  string
	Amount                 int64
	Currency               string
}

// PaymentRetrier retries a failed payment and returns the provider's
// reference for the new attempt
type PaymentRetrier interface {
	RetryPayment(ctx context.Context, req RetryRequest) (string, error)
}

// SubscriptionCanceller cancels a subscription at the provider
type SubscriptionCanceller interface {
	CancelSubscription(ctx context.Context, externalID, reason string) error
}

// FeatureGuard checks a metered feature against the current tier
type FeatureGuard interface {
	CheckFeature(ctx context.Context, orgID int64, feature pricing.Feature, units int64) (quota.Decision, error)
}

// Service is the billing query and command surface used by the HTTP layer
type Service struct {
	store      Store
	reconciler *Reconciler
	guard      FeatureGuard
	table      *pricing.Table
	dir        orgs.IntegrationManager
	logger     *logrus.Logger
	metrics    *observability.Metrics
	now        func() time.Time

	mu         sync.RWMutex
	retriers   map[providers.Provider]PaymentRetrier
	cancellers map[providers.Provider]SubscriptionCanceller
}

// NewService creates a new Service
func NewService(store Store, reconciler *Reconciler, guard FeatureGuard, table *pricing.Table,
	dir orgs.IntegrationManager, logger *logrus.Logger, metrics *observability.Metrics) *Service {
	if logger == nil {
		logger = logrus.New()
	}
	return &Service{
		store:      store,
		reconciler: reconciler,
		guard:      guard,
		table:      table,
		dir:        dir,
		logger:     logger,
		metrics:    metrics,
		now:        time.Now,
		retriers:   make(map[providers.Provider]PaymentRetrier),
		cancellers: make(map[providers.Provider]SubscriptionCanceller),
	}
}

// SetRetrier registers the payment retrier for a provider
func (s *Service) SetRetrier(p providers.Provider, r PaymentRetrier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retriers[p] = r
}

// SetCanceller registers the subscription canceller for a provider
func (s *Service) SetCanceller(p providers.Provider, c SubscriptionCanceller) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancellers[p] = c
}

func (s *Service) retrier(p providers.Provider) PaymentRetrier {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.retriers[p]
}

func (s *Service) canceller(p providers.Provider) SubscriptionCanceller {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cancellers[p]
}

func (s *Service) log(ctx context.Context, orgID int64) *logrus.Entry {
	return observability.FromContext(ctx, s.logger).WithField("org_id", orgID)
}

func (s *Service) appendTransaction(ctx context.Context, tx *PaymentTransaction) (*PaymentTransaction, error) {
	if _, err := s.store.AppendTransaction(ctx, tx); err != nil {
		return nil, err
	}
	s.metrics.RecordTransaction(string(tx.Provider), string(tx.Status))
	return tx, nil
}

// GetActiveSubscription returns the organization's subscription or ErrNotFound
func (s *Service) GetActiveSubscription(ctx context.Context, orgID int64) (*Subscription, error) {
	return s.store.FindActiveByOrganization(ctx, orgID)
}

// EnsureSubscription returns the active subscription, creating a FREE one
// when the organization has none
func (s *Service) EnsureSubscription(ctx context.Context, orgID int64) (*Subscription, error) {
	externalID := fmt.Sprintf("FREE_%d_%d", orgID, s.now().UnixMilli())
	sub, _, err := s.reconciler.EnsureFree(ctx, orgID, externalID)
	return sub, err
}

// ReconcileTier changes the organization's tier. A zero channels value
// means the tier's channel allotment.
func (s *Service) ReconcileTier(ctx context.Context, orgID int64, tier pricing.Tier, period pricing.Period, channels int64) (*Subscription, error) {
	result, err := s.reconciler.Reconcile(ctx, ReconcileRequest{
		OrganizationID: orgID,
		Tier:           tier,
		Period:         period,
		TotalChannels:  channels,
	})
	if err != nil {
		return nil, err
	}
	return result.Subscription, nil
}

// GetUsageReport summarises the current calendar month
func (s *Service) GetUsageReport(ctx context.Context, orgID int64) (*UsageReport, error) {
	summary := UsageSubscription{Tier: pricing.TierFree, Period: pricing.PeriodMonthly}
	sub, err := s.store.FindActiveByOrganization(ctx, orgID)
	switch {
	case err == nil:
		summary = UsageSubscription{Tier: sub.Tier, Period: sub.Period, Channels: sub.TotalChannels, Lifetime: sub.Lifetime}
	case errors.Is(err, ErrNotFound):
	default:
		return nil, err
	}

	plan, err := s.table.LimitsFor(summary.Tier)
	if err != nil {
		return nil, err
	}
	if summary.Channels == 0 {
		summary.Channels = plan.Channels
	}

	period := CurrentMonth(s.now())
	report := &UsageReport{
		Subscription: summary,
		Limits: UsageCounts{
			Posts:    plan.PostsPerMonth,
			AIImages: plan.AIImagesPerMonth,
			AIVideos: plan.AIVideosPerMonth,
		},
		BillingPeriod: period,
	}

	g, gctx := errgroup.WithContext(ctx)
	counters := []struct {
		feature pricing.Feature
		dst     *int64
	}{
		{pricing.FeaturePosts, &report.Usage.Posts},
		{pricing.FeatureAIImages, &report.Usage.AIImages},
		{pricing.FeatureAIVideos, &report.Usage.AIVideos},
	}
	for _, c := range counters {
		c := c
		g.Go(func() error {
			n, err := s.store.SumUsage(gctx, orgID, c.feature, period.Start)
			if err != nil {
				return fmt.Errorf("failed to sum %s usage: %w", c.feature, err)
			}
			*c.dst = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return report, nil
}

// CheckFeatureLimit reports whether units more of feature fit this month
func (s *Service) CheckFeatureLimit(ctx context.Context, orgID int64, feature pricing.Feature, units int64) (quota.Decision, error) {
	return s.guard.CheckFeature(ctx, orgID, feature, units)
}

func displayLimit(limit int64) string {
	if pricing.IsUnlimited(limit) {
		return "unlimited"
	}
	return strconv.FormatInt(limit, 10)
}

// ValidateUpgrade previews a tier change without applying it
func (s *Service) ValidateUpgrade(ctx context.Context, orgID int64, newTier pricing.Tier) (*UpgradeValidation, error) {
	newPlan, err := s.table.LimitsFor(newTier)
	if err != nil {
		return nil, err
	}

	currentTier := pricing.TierFree
	sub, err := s.store.FindActiveByOrganization(ctx, orgID)
	switch {
	case err == nil:
		currentTier = sub.Tier
	case errors.Is(err, ErrNotFound):
	default:
		return nil, err
	}
	currentPlan, err := s.table.LimitsFor(currentTier)
	if err != nil {
		return nil, err
	}

	active, err := s.dir.ListActiveIntegrations(ctx, orgID)
	if err != nil {
		return nil, err
	}

	warnings := []UpgradeWarning{}
	if n := int64(len(active)); n > newPlan.Channels {
		warnings = append(warnings, UpgradeWarning{
			Type:       "channels",
			Current:    n,
			Limit:      newPlan.Channels,
			Suggestion: "Disable some integrations before downgrading",
		})
	}
	if newPlan.PostsPerMonth < currentPlan.PostsPerMonth {
		warnings = append(warnings, UpgradeWarning{
			Type:       "posts",
			Current:    currentPlan.PostsPerMonth,
			Limit:      newPlan.PostsPerMonth,
			Suggestion: "Usage will be limited next month",
		})
	}

	teamMembers := "max 1"
	if newPlan.TeamMembers {
		teamMembers = displayLimit(newPlan.MaxTeamMembers)
	}

	return &UpgradeValidation{
		CanUpgrade: len(warnings) == 0,
		Warnings:   warnings,
		Cost: UpgradeCost{
			Monthly: newPlan.MonthPrice,
			Yearly:  newPlan.YearPrice,
		},
		Features: UpgradeFeatures{
			Channels:          newPlan.Channels,
			PostsPerMonth:     displayLimit(newPlan.PostsPerMonth),
			AIImages:          displayLimit(newPlan.AIImagesPerMonth),
			AIVideos:          displayLimit(newPlan.AIVideosPerMonth),
			TeamMembers:       teamMembers,
			CommunityFeatures: newPlan.CommunityFeatures,
		},
	}, nil
}

// GrantLifetime redeems a one-time code for a lifetime YEARLY subscription
func (s *Service) GrantLifetime(ctx context.Context, orgID int64, code string, tier pricing.Tier) (*Subscription, error) {
	if code == "" {
		return nil, fmt.Errorf("lifetime code is required")
	}
	if _, err := s.table.LimitsFor(tier); err != nil {
		return nil, err
	}

	// a lifetime row is never replaced, so don't burn a second code on it
	current, err := s.store.FindActiveByOrganization(ctx, orgID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	if current != nil && current.Lifetime {
		return nil, ErrSubscriptionLocked
	}

	claimed, err := s.store.ClaimLifetimeCode(ctx, code, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to claim lifetime code: %w", err)
	}
	if !claimed {
		return nil, ErrLifetimeCodeUsed
	}

	result, err := s.reconciler.Reconcile(ctx, ReconcileRequest{
		OrganizationID: orgID,
		Tier:           tier,
		Period:         pricing.PeriodYearly,
		Provider:       providers.Manual,
		ExternalID:     code,
		Lifetime:       true,
	})
	if err != nil {
		// the code stays claimed; support has to re-issue it
		s.log(ctx, orgID).WithError(err).WithField("code", code).Error("Lifetime code claimed but subscription not granted")
		return nil, err
	}

	if _, err := s.appendTransaction(ctx, &PaymentTransaction{
		OrganizationID:        orgID,
		SubscriptionID:        &result.Subscription.ID,
		Provider:              providers.Manual,
		ProviderTransactionID: code,
		Currency:              "USD",
		Status:                TransactionSucceeded,
		Type:                  TransactionManualAdjustment,
		Description:           fmt.Sprintf("Lifetime %s granted (was %s)", tier, result.PreviousTier),
	}); err != nil {
		return nil, fmt.Errorf("failed to record lifetime grant: %w", err)
	}

	return result.Subscription, nil
}

// Cancel cancels the subscription at the provider, downgrades to FREE and
// soft-deletes the row
func (s *Service) Cancel(ctx context.Context, orgID int64) error {
	sub, err := s.store.FindActiveByOrganization(ctx, orgID)
	if err != nil {
		return err
	}
	if sub.Lifetime {
		return ErrSubscriptionLocked
	}

	if sub.ExternalID != "" {
		if c := s.canceller(sub.Provider); c != nil {
			if err := c.CancelSubscription(ctx, sub.ExternalID, "Cancelled by customer"); err != nil {
				return fmt.Errorf("failed to cancel at %s: %w", sub.Provider, err)
			}
		}
	}

	result, err := s.reconciler.Reconcile(ctx, ReconcileRequest{
		OrganizationID: orgID,
		Tier:           pricing.TierFree,
	})
	if err != nil {
		return err
	}

	if err := s.store.SoftDeleteSubscription(ctx, orgID); err != nil {
		return err
	}

	provider := ProviderOf(sub, nil)
	if provider == "" {
		provider = providers.Manual
	}
	if _, err := s.appendTransaction(ctx, &PaymentTransaction{
		OrganizationID: orgID,
		SubscriptionID: &result.Subscription.ID,
		Provider:       provider,
		Currency:       "USD",
		Status:         TransactionSucceeded,
		Type:           TransactionManualAdjustment,
		Description:    fmt.Sprintf("Subscription cancelled: %s -> FREE", result.PreviousTier),
	}); err != nil {
		return fmt.Errorf("failed to record cancellation: %w", err)
	}

	s.log(ctx, orgID).WithField("previous_tier", result.PreviousTier).Info("Subscription cancelled")
	return nil
}

// ListTransactions pages through the organization's ledger
func (s *Service) ListTransactions(ctx context.Context, orgID int64, limit, offset int) ([]PaymentTransaction, error) {
	if limit <= 0 {
		limit = defaultTransactionPageSize
	}
	if limit > maxTransactionPageSize {
		limit = maxTransactionPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.ListTransactions(ctx, orgID, limit, offset)
}

// ListFailedPayments returns the organization's FAILED ledger rows
func (s *Service) ListFailedPayments(ctx context.Context, orgID int64) ([]PaymentTransaction, error) {
	return s.store.ListFailedPayments(ctx, orgID)
}

// RetryFailedPayment asks the provider to collect a failed payment again
// and appends a PROCESSING row for the attempt. The failed row is left as is.
func (s *Service) RetryFailedPayment(ctx context.Context, orgID int64, paymentID string) (*PaymentTransaction, error) {
	if _, err := uuid.Parse(paymentID); err != nil {
		return nil, ErrNotFound
	}

	failed, err := s.store.GetTransaction(ctx, orgID, paymentID)
	if err != nil {
		return nil, err
	}
	if failed.Status != TransactionFailed {
		return nil, ErrNotRetryable
	}

	retrier := s.retrier(failed.Provider)
	if retrier == nil {
		return nil, ErrRetryUnsupported
	}

	req := RetryRequest{
		ProviderTransactionID: failed.ProviderTransactionID,
		Amount:                failed.Amount,
		Currency:              failed.Currency,
	}
	sub, err := s.store.FindActiveByOrganization(ctx, orgID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if sub != nil {
		req.ExternalSubscriptionID = sub.ExternalID
	}

	ref, err := retrier.RetryPayment(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to retry payment at %s: %w", failed.Provider, err)
	}

	tx, err := s.appendTransaction(ctx, &PaymentTransaction{
		OrganizationID:        orgID,
		SubscriptionID:        failed.SubscriptionID,
		Provider:              failed.Provider,
		ProviderTransactionID: ref,
		Amount:                failed.Amount,
		Currency:              failed.Currency,
		Status:                TransactionProcessing,
		Type:                  TransactionSubscriptionPayment,
		PaymentMethod:         failed.PaymentMethod,
		Description:           "Retry of payment " + failed.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record retry: %w", err)
	}

	s.log(ctx, orgID).WithFields(logrus.Fields{"payment_id": paymentID, "provider": failed.Provider}).Info("Payment retry submitted")
	return tx, nil
}

// Stats returns subscription counts and ledger totals
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		counts, err := s.store.CountByTier(gctx)
		stats.SubscriptionsByTier = counts
		return err
	})
	g.Go(func() error {
		sums, err := s.store.SumAmountByStatus(gctx)
		stats.AmountByStatus = sums
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return stats, nil
}
