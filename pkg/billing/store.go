package billing

import (
	"context"
	"errors"
	"time"

	"github.com/platinummonkey/meter/pkg/orgs"
	"github.com/platinummonkey/meter/pkg/pricing"
	"github.com/platinummonkey/meter/pkg/providers"
)

var (
	// ErrNotFound is returned when a lookup has no matching row
	ErrNotFound = errors.New("not found")
	// ErrSubscriptionLocked is returned when a lifetime subscription would be changed
	ErrSubscriptionLocked = errors.New("subscription is lifetime-locked")
	// ErrStatusTransition is returned for a ledger status change that is not allowed
	ErrStatusTransition = errors.New("invalid transaction status transition")
)

// SubscriptionStore persists subscription rows
type SubscriptionStore interface {
	// FindActiveByOrganization returns the single non-deleted subscription or ErrNotFound
	FindActiveByOrganization(ctx context.Context, orgID int64) (*Subscription, error)
	// UpsertSubscription creates or updates the organization's active row in
	// one statement. A lifetime row is never overwritten; ErrSubscriptionLocked
	// is returned instead.
	UpsertSubscription(ctx context.Context, params UpsertSubscriptionParams) (*Subscription, error)
	// SoftDeleteSubscription marks the active row deleted
	SoftDeleteSubscription(ctx context.Context, orgID int64) error
	// ListDueCancellations returns active rows whose cancel_at is before now
	ListDueCancellations(ctx context.Context, now time.Time, limit int) ([]Subscription, error)
	// ClaimLifetimeCode records a lifetime code as used. It reports false when
	// the code was already claimed.
	ClaimLifetimeCode(ctx context.Context, code string, orgID int64) (bool, error)
	// CountByTier counts active subscriptions per tier
	CountByTier(ctx context.Context) (map[pricing.Tier]int64, error)
}

// OrganizationStore resolves organizations from provider identifiers
type OrganizationStore interface {
	GetOrganization(ctx context.Context, orgID int64) (*orgs.Organization, error)
	// FindOrganizationByExternalCustomerID is an exact match on the legacy column
	FindOrganizationByExternalCustomerID(ctx context.Context, id string) (*orgs.Organization, error)
	// FindOrganizationByCustomerRef is the typed, indexed lookup
	FindOrganizationByCustomerRef(ctx context.Context, ref orgs.ExternalCustomerRef) (*orgs.Organization, error)
	// FindOrganizationByExternalSubscriptionID tries, in order: the subscription
	// external id join, a substring match on the legacy customer column, and an
	// exact match on the same column.
	FindOrganizationByExternalSubscriptionID(ctx context.Context, id string) (*orgs.Organization, error)
	// SetCustomerRef stores the typed reference and mirrors it into the legacy column
	SetCustomerRef(ctx context.Context, orgID int64, ref orgs.ExternalCustomerRef) error
}

// LedgerStore persists payment transactions
type LedgerStore interface {
	// AppendTransaction inserts a row and returns its generated id
	AppendTransaction(ctx context.Context, tx *PaymentTransaction) (string, error)
	GetTransaction(ctx context.Context, orgID int64, id string) (*PaymentTransaction, error)
	ListTransactions(ctx context.Context, orgID int64, limit, offset int) ([]PaymentTransaction, error)
	ListFailedPayments(ctx context.Context, orgID int64) ([]PaymentTransaction, error)
	// UpdateTransactionStatus moves a row from one status to another and sets
	// processed_at. ErrStatusTransition is returned if the row is no longer in from.
	UpdateTransactionStatus(ctx context.Context, id string, from, to TransactionStatus, processedAt time.Time) error
	SumAmountByStatus(ctx context.Context) (map[TransactionStatus]int64, error)
}

// UsageStore persists metered usage units
type UsageStore interface {
	SumUsage(ctx context.Context, orgID int64, feature pricing.Feature, since time.Time) (int64, error)
	InsertUsageUnit(ctx context.Context, orgID int64, feature pricing.Feature) (string, error)
	DeleteUsageUnit(ctx context.Context, id string) error
}

// Store is everything the billing core persists
type Store interface {
	SubscriptionStore
	OrganizationStore
	LedgerStore
	UsageStore
}

// ProviderOf returns the provider that issued a subscription, falling back
// to the organization's customer reference
func ProviderOf(sub *Subscription, org *orgs.Organization) providers.Provider {
	if sub != nil && sub.Provider != "" {
		return sub.Provider
	}
	if org != nil {
		return org.CustomerReference().Provider
	}
	return ""
}
