package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/meter/pkg/observability"
	"github.com/platinummonkey/meter/pkg/orgs"
	"github.com/platinummonkey/meter/pkg/pricing"
	"github.com/platinummonkey/meter/pkg/providers"
	"github.com/sirupsen/logrus"
)

// ReconcileRequest is the desired subscription state for an organization
type ReconcileRequest struct {
	OrganizationID int64
	Tier           pricing.Tier
	// Period may be empty to keep the current period (MONTHLY when there is none)
	Period pricing.Period
	// TotalChannels of zero means the tier's channel allotment
	TotalChannels int64
	Provider      providers.Provider
	ExternalID    string
	Lifetime      bool
	CancelAt      *time.Time
}

// ReconcileResult reports what a reconciliation changed
type ReconcileResult struct {
	PreviousTier         pricing.Tier
	PreviousPeriod       pricing.Period
	Subscription         *Subscription
	DisabledIntegrations int
	MembersDisabled      *bool
	MembersAffected      int64
	SchedulesDeactivated bool
}

// Reconciler applies tier changes and their dependent resource adjustments.
//
// The steps are independent writes and are not rolled back as a unit. Each
// step is logged on its own, and reconciliations for the same organization
// are serialized through the Locker. Because excess integrations are
// computed as a delta against the live count and the team toggle only fires
// on an edge, re-running a failed reconciliation converges.
type Reconciler struct {
	store   SubscriptionStore
	dir     orgs.Directory
	table   *pricing.Table
	locker  Locker
	logger  *logrus.Logger
	metrics *observability.Metrics
}

// NewReconciler creates a new Reconciler. A nil locker serializes in-process.
func NewReconciler(store SubscriptionStore, dir orgs.Directory, table *pricing.Table, locker Locker,
	logger *logrus.Logger, metrics *observability.Metrics) *Reconciler {
	if locker == nil {
		locker = NewLocalLocker()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Reconciler{
		store:   store,
		dir:     dir,
		table:   table,
		locker:  locker,
		logger:  logger,
		metrics: metrics,
	}
}

// Reconcile brings the organization's subscription and dependent resources in
// line with req. It returns ErrSubscriptionLocked without changing anything
// when the current subscription is lifetime.
func (r *Reconciler) Reconcile(ctx context.Context, req ReconcileRequest) (*ReconcileResult, error) {
	result, err := r.reconcile(ctx, req)
	switch {
	case err == nil:
		r.metrics.RecordReconciliation("ok")
	case errors.Is(err, ErrSubscriptionLocked):
		r.metrics.RecordReconciliation("locked")
	default:
		r.metrics.RecordReconciliation("error")
	}
	return result, err
}

func (r *Reconciler) reconcile(ctx context.Context, req ReconcileRequest) (*ReconcileResult, error) {
	newPlan, err := r.table.LimitsFor(req.Tier)
	if err != nil {
		return nil, err
	}
	if req.Period != "" && !req.Period.Valid() {
		return nil, fmt.Errorf("invalid billing period: %q", req.Period)
	}

	release, err := r.locker.Lock(ctx, orgLockKey(req.OrganizationID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock organization %d: %w", req.OrganizationID, err)
	}
	defer release()

	log := observability.FromContext(ctx, r.logger).WithFields(logrus.Fields{
		"org_id": req.OrganizationID,
		"tier":   req.Tier,
	})

	current, err := r.store.FindActiveByOrganization(ctx, req.OrganizationID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}

	result := &ReconcileResult{PreviousTier: pricing.TierFree}
	if current != nil {
		result.PreviousTier = current.Tier
		result.PreviousPeriod = current.Period
		if current.Lifetime {
			log.WithField("step", "lifetime_check").Info("Subscription is lifetime, skipping reconciliation")
			return result, ErrSubscriptionLocked
		}
	}

	period := req.Period
	if period == "" {
		period = result.PreviousPeriod
	}
	if period == "" {
		period = pricing.PeriodMonthly
	}
	log = log.WithField("period", period)

	channels := req.TotalChannels
	if channels <= 0 {
		channels = newPlan.Channels
	}

	active, err := r.dir.ListActiveIntegrations(ctx, req.OrganizationID)
	if err != nil {
		log.WithError(err).WithField("step", "list_integrations").Error("Reconciliation step failed")
		return result, fmt.Errorf("failed to list integrations: %w", err)
	}
	if excess := int64(len(active)) - channels; excess > 0 {
		n, err := r.dir.DisableIntegrations(ctx, req.OrganizationID, int(excess))
		if err != nil {
			log.WithError(err).WithField("step", "disable_integrations").Error("Reconciliation step failed")
			return result, fmt.Errorf("failed to disable integrations: %w", err)
		}
		result.DisabledIntegrations = n
		log.WithFields(logrus.Fields{"step": "disable_integrations", "disabled": n, "allowed": channels}).
			Info("Disabled excess integrations")
	}

	oldPlan, err := r.table.LimitsFor(result.PreviousTier)
	if err != nil {
		// an unknown stored tier is treated as FREE
		oldPlan = r.table.MustLimitsFor(pricing.TierFree)
	}
	if oldPlan.TeamMembers != newPlan.TeamMembers {
		disable := !newPlan.TeamMembers
		n, err := r.dir.SetNonSuperAdminsDisabled(ctx, req.OrganizationID, disable)
		if err != nil {
			log.WithError(err).WithField("step", "team_members").Error("Reconciliation step failed")
			return result, fmt.Errorf("failed to toggle team members: %w", err)
		}
		result.MembersDisabled = &disable
		result.MembersAffected = n
		log.WithFields(logrus.Fields{"step": "team_members", "disabled": disable, "affected": n}).
			Info("Toggled team members")
	}

	if req.Tier == pricing.TierFree {
		if err := r.dir.DeactivateSchedules(ctx, req.OrganizationID); err != nil {
			log.WithError(err).WithField("step", "deactivate_schedules").Error("Reconciliation step failed")
			return result, fmt.Errorf("failed to deactivate schedules: %w", err)
		}
		result.SchedulesDeactivated = true
		log.WithField("step", "deactivate_schedules").Info("Deactivated schedules")
	}

	sub, err := r.store.UpsertSubscription(ctx, UpsertSubscriptionParams{
		OrganizationID: req.OrganizationID,
		Tier:           req.Tier,
		Period:         period,
		TotalChannels:  channels,
		Provider:       req.Provider,
		ExternalID:     req.ExternalID,
		Lifetime:       req.Lifetime,
		CancelAt:       req.CancelAt,
	})
	if err != nil {
		log.WithError(err).WithField("step", "upsert").Error("Reconciliation step failed")
		if errors.Is(err, ErrSubscriptionLocked) {
			return result, err
		}
		return result, fmt.Errorf("failed to save subscription: %w", err)
	}
	result.Subscription = sub

	log.WithFields(logrus.Fields{
		"step":          "upsert",
		"previous_tier": result.PreviousTier,
		"channels":      channels,
	}).Info("Subscription reconciled")

	return result, nil
}

// EnsureFree creates a FREE subscription when the organization has none. It
// runs under the same lock as Reconcile so it never overwrites a paid
// subscription written concurrently by a webhook.
func (r *Reconciler) EnsureFree(ctx context.Context, orgID int64, externalID string) (*Subscription, bool, error) {
	release, err := r.locker.Lock(ctx, orgLockKey(orgID))
	if err != nil {
		return nil, false, fmt.Errorf("failed to lock organization %d: %w", orgID, err)
	}
	defer release()

	current, err := r.store.FindActiveByOrganization(ctx, orgID)
	if err == nil {
		return current, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, fmt.Errorf("failed to load subscription: %w", err)
	}

	free := r.table.MustLimitsFor(pricing.TierFree)
	sub, err := r.store.UpsertSubscription(ctx, UpsertSubscriptionParams{
		OrganizationID: orgID,
		Tier:           pricing.TierFree,
		Period:         pricing.PeriodMonthly,
		TotalChannels:  free.Channels,
		ExternalID:     externalID,
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to create free subscription: %w", err)
	}

	observability.FromContext(ctx, r.logger).WithField("org_id", orgID).Info("Created FREE subscription")
	return sub, true, nil
}
