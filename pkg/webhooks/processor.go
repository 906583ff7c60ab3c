package webhooks

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/platinummonkey/meter/pkg/billing"
	"github.com/platinummonkey/meter/pkg/observability"
	"github.com/platinummonkey/meter/pkg/orgs"
	"github.com/platinummonkey/meter/pkg/pricing"
	"github.com/sirupsen/logrus"
)

// Outcome describes what the Processor did with an event. It is used as
// the metrics label and in delivery logs.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeUnmapped  Outcome = "unmapped"
	OutcomeLocked    Outcome = "locked"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeMalformed Outcome = "malformed"
	OutcomeRejected  Outcome = "rejected"
	OutcomeFailed    Outcome = "failed"
)

// Store is the persistence the Processor needs
type Store interface {
	billing.OrganizationStore
	FindActiveByOrganization(ctx context.Context, orgID int64) (*billing.Subscription, error)
	AppendTransaction(ctx context.Context, tx *billing.PaymentTransaction) (string, error)
}

// Reconciler applies a tier change
type Reconciler interface {
	Reconcile(ctx context.Context, req billing.ReconcileRequest) (*billing.ReconcileResult, error)
}

// Processor applies normalized provider events to subscriptions and the ledger
type Processor struct {
	store      Store
	reconciler Reconciler
	table      *pricing.Table
	plans      PlanLookup
	logger     *logrus.Logger
	metrics    *observability.Metrics
}

// NewProcessor creates a new Processor. plans may be nil, in which case a
// missing plan name falls back to the default tier.
func NewProcessor(store Store, reconciler Reconciler, table *pricing.Table, plans PlanLookup,
	logger *logrus.Logger, metrics *observability.Metrics) *Processor {
	if logger == nil {
		logger = logrus.New()
	}
	return &Processor{
		store:      store,
		reconciler: reconciler,
		table:      table,
		plans:      plans,
		logger:     logger,
		metrics:    metrics,
	}
}

// Process applies ev. Mapping misses are reported through the Outcome, not
// as errors. A returned error means the store or a provider failed and the
// delivery should be retried.
func (p *Processor) Process(ctx context.Context, ev *Event) (Outcome, error) {
	log := observability.FromContext(ctx, p.logger).WithFields(logrus.Fields{
		"provider":   ev.Provider,
		"event_id":   ev.ID,
		"event_type": ev.Type,
	})
	ctx = observability.WithLogger(ctx, log)

	switch ev.Kind {
	case KindActivated, KindUpdated:
		return p.activate(ctx, log, ev)
	case KindCancelled:
		return p.cancel(ctx, log, ev)
	case KindPaymentCompleted:
		return p.paymentCompleted(ctx, log, ev)
	case KindPaymentFailed:
		return p.paymentFailed(ctx, log, ev)
	default:
		log.Debug("Ignoring unhandled event type")
		return OutcomeIgnored, nil
	}
}

// resolveOrganization tries the subscription id chain, then the organization
// id embedded at checkout, then the payer or customer reference
func (p *Processor) resolveOrganization(ctx context.Context, ev *Event) (*orgs.Organization, error) {
	if ev.SubscriptionID != "" {
		org, err := p.store.FindOrganizationByExternalSubscriptionID(ctx, ev.SubscriptionID)
		if err == nil {
			return org, nil
		}
		if !errors.Is(err, billing.ErrNotFound) {
			return nil, err
		}
	}
	if ev.OrganizationID > 0 {
		org, err := p.store.GetOrganization(ctx, ev.OrganizationID)
		if err == nil {
			return org, nil
		}
		if !errors.Is(err, billing.ErrNotFound) {
			return nil, err
		}
	}
	if !ev.Customer.IsZero() {
		return p.store.FindOrganizationByCustomerRef(ctx, ev.Customer)
	}
	return nil, billing.ErrNotFound
}

// organizationFor wraps resolveOrganization, turning a miss into OutcomeUnmapped
func (p *Processor) organizationFor(ctx context.Context, log *logrus.Entry, ev *Event) (*orgs.Organization, Outcome, error) {
	org, err := p.resolveOrganization(ctx, ev)
	if errors.Is(err, billing.ErrNotFound) {
		log.WithFields(logrus.Fields{
			"subscription_id": ev.SubscriptionID,
			"customer_id":     ev.Customer.ID,
		}).Warn("No organization found for webhook event")
		return nil, OutcomeUnmapped, nil
	}
	if err != nil {
		return nil, OutcomeFailed, fmt.Errorf("failed to resolve organization: %w", err)
	}
	return org, "", nil
}

func (p *Processor) currentSubscription(ctx context.Context, orgID int64) (*billing.Subscription, error) {
	sub, err := p.store.FindActiveByOrganization(ctx, orgID)
	if errors.Is(err, billing.ErrNotFound) {
		return nil, nil
	}
	return sub, err
}

// resolvePlan works out the tier and period for an activation
func (p *Processor) resolvePlan(ctx context.Context, log *logrus.Entry, ev *Event, current *billing.Subscription) (pricing.Tier, pricing.Period) {
	name := ev.PlanName
	if name != "" {
		p.metrics.RecordPlanLookup(ev.Provider.Lower(), "payload")
	} else if ev.TierHint == "" && ev.PlanID != "" && p.plans != nil {
		fetched, err := p.plans.Lookup(ctx, ev.Provider, ev.PlanID)
		if err != nil {
			p.metrics.RecordPlanLookup(ev.Provider.Lower(), "fallback")
			log.WithError(err).WithField("plan_id", ev.PlanID).Warn("Plan lookup failed, using default tier")
		}
		name = fetched
	}

	tier := ev.TierHint
	if tier == "" {
		tier = InferTier(name)
	}

	period := ev.PeriodHint
	if period == "" {
		period = InferPeriod(name)
	}
	if period == "" && current != nil {
		period = current.Period
	}
	if period == "" {
		period = pricing.PeriodMonthly
	}
	return tier, period
}

// activate reconciles the subscription to the event's plan. Only a
// KindActivated event records the priced payment row; updates reconcile alone.
func (p *Processor) activate(ctx context.Context, log *logrus.Entry, ev *Event) (Outcome, error) {
	org, outcome, err := p.organizationFor(ctx, log, ev)
	if org == nil {
		return outcome, err
	}
	log = log.WithField("org_id", org.ID)

	current, err := p.currentSubscription(ctx, org.ID)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("failed to load subscription: %w", err)
	}

	tier, period := p.resolvePlan(ctx, log, ev, current)

	result, err := p.reconciler.Reconcile(ctx, billing.ReconcileRequest{
		OrganizationID: org.ID,
		Tier:           tier,
		Period:         period,
		Provider:       ev.Provider,
		ExternalID:     ev.SubscriptionID,
		CancelAt:       ev.CancelAt,
	})
	if errors.Is(err, billing.ErrSubscriptionLocked) {
		log.Info("Lifetime subscription, ignoring activation")
		return OutcomeLocked, nil
	}
	if err != nil {
		return OutcomeFailed, fmt.Errorf("failed to reconcile subscription: %w", err)
	}

	if ev.Kind == KindActivated {
		if err := p.recordActivation(ctx, org.ID, result, tier, period, ev); err != nil {
			return OutcomeFailed, err
		}
	}

	if !ev.Customer.IsZero() && org.CustomerReference().IsZero() {
		ref := ev.Customer
		if ref.Provider == "" {
			ref.Provider = ev.Provider
		}
		if err := p.store.SetCustomerRef(ctx, org.ID, ref); err != nil {
			// the subscription is already reconciled; a redelivery would
			// append a second payment row
			log.WithError(err).Error("Failed to store customer reference")
		}
	}

	msg := "Subscription activated"
	if ev.Kind == KindUpdated {
		msg = "Subscription updated"
	}
	log.WithFields(logrus.Fields{
		"tier":          tier,
		"period":        period,
		"previous_tier": result.PreviousTier,
	}).Info(msg)
	return OutcomeProcessed, nil
}

// recordActivation appends the priced SUBSCRIPTION_PAYMENT row for a new activation
func (p *Processor) recordActivation(ctx context.Context, orgID int64, result *billing.ReconcileResult,
	tier pricing.Tier, period pricing.Period, ev *Event) error {
	amount, err := p.table.PriceCents(tier, period)
	if err != nil {
		return err
	}
	tx := &billing.PaymentTransaction{
		OrganizationID:        orgID,
		SubscriptionID:        &result.Subscription.ID,
		Provider:              ev.Provider,
		ProviderTransactionID: ev.SubscriptionID,
		Amount:                amount,
		Currency:              "USD",
		Status:                billing.TransactionSucceeded,
		Type:                  billing.TransactionSubscriptionPayment,
		PaymentMethod:         ev.PaymentMethod,
		Description:           fmt.Sprintf("%s %s subscription activated", tier, period),
		RawPayload:            ev.Raw,
	}
	return p.appendTransaction(ctx, tx)
}

func (p *Processor) cancel(ctx context.Context, log *logrus.Entry, ev *Event) (Outcome, error) {
	org, outcome, err := p.organizationFor(ctx, log, ev)
	if org == nil {
		return outcome, err
	}
	log = log.WithField("org_id", org.ID)

	result, err := p.reconciler.Reconcile(ctx, billing.ReconcileRequest{
		OrganizationID: org.ID,
		Tier:           pricing.TierFree,
		Provider:       ev.Provider,
	})
	if errors.Is(err, billing.ErrSubscriptionLocked) {
		log.Info("Lifetime subscription, ignoring cancellation")
		return OutcomeLocked, nil
	}
	if err != nil {
		return OutcomeFailed, fmt.Errorf("failed to downgrade subscription: %w", err)
	}

	tx := &billing.PaymentTransaction{
		OrganizationID:        org.ID,
		SubscriptionID:        &result.Subscription.ID,
		Provider:              ev.Provider,
		ProviderTransactionID: ev.SubscriptionID,
		Currency:              "USD",
		Status:                billing.TransactionSucceeded,
		Type:                  billing.TransactionManualAdjustment,
		Description:           fmt.Sprintf("Subscription cancelled: %s -> %s", result.PreviousTier, pricing.TierFree),
		RawPayload:            ev.Raw,
	}
	if err := p.appendTransaction(ctx, tx); err != nil {
		return OutcomeFailed, err
	}

	log.WithField("previous_tier", result.PreviousTier).Info("Subscription cancelled")
	return OutcomeProcessed, nil
}

func (p *Processor) paymentCompleted(ctx context.Context, log *logrus.Entry, ev *Event) (Outcome, error) {
	org, outcome, err := p.organizationFor(ctx, log, ev)
	if org == nil {
		return outcome, err
	}
	if !ev.HasAmount {
		log.WithField("org_id", org.ID).Warn("Payment event has no amount, skipping ledger entry")
		return OutcomeSkipped, nil
	}

	tx, err := p.paymentTransaction(ctx, org.ID, ev)
	if err != nil {
		return OutcomeFailed, err
	}
	tx.Status = billing.TransactionSucceeded
	tx.Description = "Subscription payment received"
	if err := p.appendTransaction(ctx, tx); err != nil {
		return OutcomeFailed, err
	}
	return OutcomeProcessed, nil
}

func (p *Processor) paymentFailed(ctx context.Context, log *logrus.Entry, ev *Event) (Outcome, error) {
	org, outcome, err := p.organizationFor(ctx, log, ev)
	if org == nil {
		return outcome, err
	}

	tx, err := p.paymentTransaction(ctx, org.ID, ev)
	if err != nil {
		return OutcomeFailed, err
	}
	tx.Status = billing.TransactionFailed
	tx.Description = "Subscription payment failed"
	tx.FailureReason = ev.FailureReason
	if tx.FailureReason == "" {
		tx.FailureReason = "Payment failed"
	}
	if err := p.appendTransaction(ctx, tx); err != nil {
		return OutcomeFailed, err
	}

	log.WithFields(logrus.Fields{"org_id": org.ID, "reason": tx.FailureReason}).Warn("Recorded failed payment")
	return OutcomeProcessed, nil
}

func (p *Processor) paymentTransaction(ctx context.Context, orgID int64, ev *Event) (*billing.PaymentTransaction, error) {
	current, err := p.currentSubscription(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}

	currency := ev.Currency
	if currency == "" {
		currency = "USD"
	}
	ref := ev.ProviderTransactionID
	if ref == "" {
		ref = ev.SubscriptionID
	}

	tx := &billing.PaymentTransaction{
		OrganizationID:        orgID,
		Provider:              ev.Provider,
		ProviderTransactionID: ref,
		Amount:                ev.Amount,
		Currency:              currency,
		Type:                  billing.TransactionSubscriptionPayment,
		PaymentMethod:         ev.PaymentMethod,
		RawPayload:            ev.Raw,
	}
	if current != nil {
		tx.SubscriptionID = &current.ID
	}
	return tx, nil
}

func (p *Processor) appendTransaction(ctx context.Context, tx *billing.PaymentTransaction) error {
	if _, err := p.store.AppendTransaction(ctx, tx); err != nil {
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	p.metrics.RecordTransaction(tx.Provider.Lower(), string(tx.Status))
	return nil
}

// parseOrganizationID reads an organization id embedded in provider metadata
func parseOrganizationID(s string) int64 {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0
	}
	return id
}
