package webhooks

import (
	"errors"
	"strings"
	"time"

	"github.com/platinummonkey/meter/pkg/orgs"
	"github.com/platinummonkey/meter/pkg/pricing"
	"github.com/platinummonkey/meter/pkg/providers"
)

var (
	// ErrInvalidSignature is returned when a delivery fails provider verification
	ErrInvalidSignature = providers.ErrInvalidSignature
	// ErrMalformedPayload is returned when a payload lacks the fields its
	// event type requires. Such deliveries are acknowledged, never retried.
	ErrMalformedPayload = errors.New("malformed webhook payload")
	// ErrUnknownProvider is returned for a provider with no registered mapper
	ErrUnknownProvider = errors.New("unknown webhook provider")
)

// Kind is the provider-independent meaning of a webhook event
type Kind string

const (
	KindIgnored          Kind = "ignored"
	KindActivated        Kind = "activated"
	// KindUpdated reconciles the plan without recording a payment
	KindUpdated          Kind = "updated"
	KindCancelled        Kind = "cancelled"
	KindPaymentCompleted Kind = "payment_completed"
	KindPaymentFailed    Kind = "payment_failed"
)

// Event is a verified provider delivery normalized for the Processor
type Event struct {
	Provider providers.Provider
	// ID is the provider's event id. Empty when the provider sent none.
	ID   string
	Type string
	Kind Kind

	SubscriptionID string
	PlanID         string
	PlanName       string
	// TierHint and PeriodHint come from structured plan metadata
	TierHint   pricing.Tier
	PeriodHint pricing.Period

	// OrganizationID is the id embedded at checkout, zero when absent
	OrganizationID int64
	Customer       orgs.ExternalCustomerRef

	// Amount is in minor currency units and only meaningful when HasAmount
	Amount                int64
	HasAmount             bool
	Currency              string
	ProviderTransactionID string
	PaymentMethod         string
	FailureReason         string

	CancelAt *time.Time
	Raw      []byte
}

// tierKeywords is checked in order; the first hit wins
var tierKeywords = []struct {
	keyword string
	tier    pricing.Tier
}{
	{"ultimate", pricing.TierUltimate},
	{"team", pricing.TierTeam},
	{"pro", pricing.TierPro},
	{"standard", pricing.TierStandard},
}

// InferTier maps a plan name to a tier. A structured marker wins over
// keywords; a name matching nothing is PRO.
func InferTier(name string) pricing.Tier {
	if tier, _ := providers.ParsePlanMarker(name); tier != "" {
		return tier
	}
	lower := strings.ToLower(name)
	for _, kw := range tierKeywords {
		if strings.Contains(lower, kw.keyword) {
			return kw.tier
		}
	}
	return pricing.TierPro
}

// InferPeriod maps a plan name to a billing period. It returns "" when the
// name mentions neither years nor months.
func InferPeriod(name string) pricing.Period {
	if _, period := providers.ParsePlanMarker(name); period != "" {
		return period
	}
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "year"), strings.Contains(lower, "annual"):
		return pricing.PeriodYearly
	case strings.Contains(lower, "month"):
		return pricing.PeriodMonthly
	}
	return ""
}
