package billing

import (
	"time"

	"github.com/platinummonkey/meter/pkg/pricing"
	"github.com/platinummonkey/meter/pkg/providers"
)

// Subscription is an organization's current plan. At most one row per
// organization has a nil DeletedAt.
type Subscription struct {
	ID             int64              `json:"id"`
	OrganizationID int64              `json:"organization_id"`
	Tier           pricing.Tier       `json:"tier"`
	Period         pricing.Period     `json:"period"`
	TotalChannels  int64              `json:"total_channels"`
	Provider       providers.Provider `json:"provider,omitempty"`
	ExternalID     string             `json:"external_id,omitempty"`
	Lifetime       bool               `json:"lifetime"`
	CancelAt       *time.Time         `json:"cancel_at,omitempty"`
	DeletedAt      *time.Time         `json:"deleted_at,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// UpsertSubscriptionParams is the create-or-update payload keyed by organization
type UpsertSubscriptionParams struct {
	OrganizationID int64
	Tier           pricing.Tier
	Period         pricing.Period
	TotalChannels  int64
	Provider       providers.Provider
	// ExternalID is kept when empty on update
	ExternalID string
	Lifetime   bool
	CancelAt   *time.Time
}

// TransactionStatus is the lifecycle state of a ledger row
type TransactionStatus string

const (
	TransactionPending           TransactionStatus = "PENDING"
	TransactionProcessing        TransactionStatus = "PROCESSING"
	TransactionSucceeded         TransactionStatus = "SUCCEEDED"
	TransactionFailed            TransactionStatus = "FAILED"
	TransactionCancelled         TransactionStatus = "CANCELLED"
	TransactionRefunded          TransactionStatus = "REFUNDED"
	TransactionPartiallyRefunded TransactionStatus = "PARTIALLY_REFUNDED"
)

var transactionTransitions = map[TransactionStatus][]TransactionStatus{
	TransactionPending:           {TransactionProcessing, TransactionSucceeded, TransactionFailed, TransactionCancelled},
	TransactionProcessing:        {TransactionSucceeded, TransactionFailed, TransactionCancelled},
	TransactionSucceeded:         {TransactionRefunded, TransactionPartiallyRefunded},
	TransactionPartiallyRefunded: {TransactionRefunded},
}

// CanTransition reports whether a ledger row may move from one status to another
func CanTransition(from, to TransactionStatus) bool {
	for _, next := range transactionTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransactionType classifies a ledger row
type TransactionType string

const (
	TransactionSubscriptionPayment TransactionType = "SUBSCRIPTION_PAYMENT"
	TransactionUpgradePayment      TransactionType = "UPGRADE_PAYMENT"
	TransactionDowngradeCredit     TransactionType = "DOWNGRADE_CREDIT"
	TransactionRefund              TransactionType = "REFUND"
	TransactionManualAdjustment    TransactionType = "MANUAL_ADJUSTMENT"
)

// PaymentTransaction is an append-only ledger row. Amount is in minor
// currency units.
type PaymentTransaction struct {
	ID                    string             `json:"id"`
	OrganizationID        int64              `json:"organization_id"`
	SubscriptionID        *int64             `json:"subscription_id,omitempty"`
	Provider              providers.Provider `json:"provider"`
	ProviderTransactionID string             `json:"provider_transaction_id"`
	Amount                int64              `json:"amount"`
	Currency              string             `json:"currency"`
	Status                TransactionStatus  `json:"status"`
	Type                  TransactionType    `json:"type"`
	PaymentMethod         string             `json:"payment_method,omitempty"`
	Description           string             `json:"description,omitempty"`
	FailureReason         string             `json:"failure_reason,omitempty"`
	RawPayload            []byte             `json:"-"`
	CreatedAt             time.Time          `json:"created_at"`
	ProcessedAt           *time.Time         `json:"processed_at,omitempty"`
}

// UsageReport summarises an organization's consumption for the current month
type UsageReport struct {
	Subscription  UsageSubscription `json:"subscription"`
	Usage         UsageCounts       `json:"usage"`
	Limits        UsageCounts       `json:"limits"`
	BillingPeriod BillingPeriod     `json:"billing_period"`
}

// UsageSubscription is the subscription summary embedded in a UsageReport
type UsageSubscription struct {
	Tier     pricing.Tier   `json:"tier"`
	Period   pricing.Period `json:"period"`
	Channels int64          `json:"channels"`
	Lifetime bool           `json:"lifetime"`
}

// UsageCounts holds one number per metered feature
type UsageCounts struct {
	Posts    int64 `json:"posts"`
	AIImages int64 `json:"ai_images"`
	AIVideos int64 `json:"ai_videos"`
}

// BillingPeriod is a half-open [Start, End) window
type BillingPeriod struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// CurrentMonth returns the calendar month containing now, in UTC
func CurrentMonth(now time.Time) BillingPeriod {
	now = now.UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return BillingPeriod{Start: start, End: start.AddDate(0, 1, 0)}
}

// UpgradeWarning flags a resource that exceeds the target tier
type UpgradeWarning struct {
	Type       string `json:"type"`
	Current    int64  `json:"current"`
	Limit      int64  `json:"limit"`
	Suggestion string `json:"suggestion"`
}

// UpgradeValidation is the result of ValidateUpgrade
type UpgradeValidation struct {
	CanUpgrade bool             `json:"can_upgrade"`
	Warnings   []UpgradeWarning `json:"warnings"`
	Cost       UpgradeCost      `json:"cost"`
	Features   UpgradeFeatures  `json:"features"`
}

// UpgradeCost lists the target tier's prices in whole currency units
type UpgradeCost struct {
	Monthly int64 `json:"monthly"`
	Yearly  int64 `json:"yearly"`
}

// UpgradeFeatures renders the target tier's limits for display
type UpgradeFeatures struct {
	Channels          int64  `json:"channels"`
	PostsPerMonth     string `json:"posts_per_month"`
	AIImages          string `json:"ai_images"`
	AIVideos          string `json:"ai_videos"`
	TeamMembers       string `json:"team_members"`
	CommunityFeatures bool   `json:"community_features"`
}

// Stats is the admin overview of subscriptions and revenue
type Stats struct {
	SubscriptionsByTier map[pricing.Tier]int64      `json:"subscriptions_by_tier"`
	AmountByStatus      map[TransactionStatus]int64 `json:"amount_by_status"`
}
