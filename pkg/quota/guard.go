package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/platinummonkey/meter/pkg/observability"
	"github.com/platinummonkey/meter/pkg/pricing"
	"github.com/sirupsen/logrus"
)

// freePostsAdvisoryCap is the soft post allowance shown to FREE organizations.
// It is reported but never enforced.
const freePostsAdvisoryCap int64 = 5

// TierSource reports an organization's current tier. Organizations without
// a subscription are on FREE.
type TierSource interface {
	CurrentTier(ctx context.Context, orgID int64) (tier pricing.Tier, lifetime bool, err error)
}

// UsageReader sums recorded usage units
type UsageReader interface {
	SumUsage(ctx context.Context, orgID int64, feature pricing.Feature, since time.Time) (int64, error)
}

// Decision is the outcome of a quota check
type Decision struct {
	Operation    Operation `json:"operation"`
	Allowed      bool      `json:"allowed"`
	CurrentUsage int64     `json:"current_usage"`
	Limit        int64     `json:"limit"`
	Unlimited    bool      `json:"unlimited"`
	// Advisory is set when the limit is informational only
	Advisory bool   `json:"advisory,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// ExceededError represents a denied quota check
type ExceededError struct {
	Operation Operation
	Current   int64
	Limit     int64
	Reason    string
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for %s: %s", e.Operation, e.Reason)
}

// IsExceeded checks if an error is a quota exceeded error
func IsExceeded(err error) bool {
	_, ok := err.(*ExceededError)
	return ok
}

// Err converts a denial into an *ExceededError, or nil when allowed
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &ExceededError{Operation: d.Operation, Current: d.CurrentUsage, Limit: d.Limit, Reason: d.Reason}
}

// Guard checks metered operations against tier limits
type Guard struct {
	table   *pricing.Table
	tiers   TierSource
	usage   UsageReader
	logger  *logrus.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewGuard creates a new Guard
func NewGuard(table *pricing.Table, tiers TierSource, usage UsageReader, logger *logrus.Logger, metrics *observability.Metrics) *Guard {
	if logger == nil {
		logger = logrus.New()
	}
	return &Guard{
		table:   table,
		tiers:   tiers,
		usage:   usage,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// monthStart returns the first instant of the UTC calendar month containing now
func monthStart(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// CheckAndAuthorize decides whether units more of op fit in the current month
func (g *Guard) CheckAndAuthorize(ctx context.Context, orgID int64, op Operation, units int64) (Decision, error) {
	if units <= 0 {
		units = 1
	}
	d := Decision{Operation: op}

	tier, lifetime, err := g.tiers.CurrentTier(ctx, orgID)
	if err != nil {
		return d, fmt.Errorf("failed to resolve tier: %w", err)
	}

	if lifetime {
		d.Allowed = true
		d.Limit = pricing.Unlimited
		d.Unlimited = true
		g.record(op, d)
		return d, nil
	}

	plan, err := g.table.LimitsFor(tier)
	if err != nil {
		return d, err
	}
	limit, err := plan.Limit(op.Feature())
	if err != nil {
		return d, err
	}

	used, err := g.usage.SumUsage(ctx, orgID, op.Feature(), monthStart(g.now()))
	if err != nil {
		return d, fmt.Errorf("failed to read usage: %w", err)
	}
	d.CurrentUsage = used

	switch {
	case tier == pricing.TierFree && op == OpCreatePost:
		d.Allowed = true
		d.Advisory = true
		d.Limit = freePostsAdvisoryCap
	case pricing.IsUnlimited(limit):
		d.Allowed = true
		d.Unlimited = true
		d.Limit = limit
	default:
		d.Limit = limit
		d.Allowed = used+units <= limit
		if !d.Allowed {
			d.Reason = fmt.Sprintf("usage limit exceeded: %d/%d", used, limit)
		}
	}

	if !d.Allowed {
		observability.FromContext(ctx, g.logger).WithFields(logrus.Fields{
			"org_id":    orgID,
			"operation": op,
			"tier":      tier,
			"usage":     used,
			"limit":     limit,
		}).Info("Quota denied")
	}

	g.record(op, d)
	return d, nil
}

// CheckFeature is CheckAndAuthorize keyed by feature
func (g *Guard) CheckFeature(ctx context.Context, orgID int64, feature pricing.Feature, units int64) (Decision, error) {
	op, ok := OperationFor(feature)
	if !ok {
		return Decision{}, fmt.Errorf("unknown feature: %q", feature)
	}
	return g.CheckAndAuthorize(ctx, orgID, op, units)
}

func (g *Guard) record(op Operation, d Decision) {
	g.metrics.RecordQuotaDecision(string(op), d.Allowed)
}
