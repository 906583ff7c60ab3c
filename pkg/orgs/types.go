package orgs

import (
	"context"
	"strings"
	"time"

	"github.com/platinummonkey/meter/pkg/providers"
)

// legacyPayPalPrefix marks PayPal payer ids written into the single
// external customer id column
const legacyPayPalPrefix = "paypal_"

// ExternalCustomerRef is a typed reference to a customer at a payment provider
type ExternalCustomerRef struct {
	Provider providers.Provider `json:"provider"`
	ID       string             `json:"id"`
}

// IsZero reports whether the reference is empty
func (r ExternalCustomerRef) IsZero() bool {
	return r.ID == ""
}

// Legacy renders the reference in the overloaded single-column form:
// "paypal_<payerId>" for PayPal, the raw id for everything else.
func (r ExternalCustomerRef) Legacy() string {
	if r.Provider == providers.PayPal {
		return legacyPayPalPrefix + r.ID
	}
	return r.ID
}

// ParseLegacyCustomerID decodes the overloaded external customer id column.
// Provider is empty when the prefix does not identify one.
func ParseLegacyCustomerID(s string) ExternalCustomerRef {
	switch {
	case s == "":
		return ExternalCustomerRef{}
	case strings.HasPrefix(s, legacyPayPalPrefix):
		return ExternalCustomerRef{Provider: providers.PayPal, ID: strings.TrimPrefix(s, legacyPayPalPrefix)}
	case strings.HasPrefix(s, "cus_"):
		return ExternalCustomerRef{Provider: providers.Stripe, ID: s}
	case strings.HasPrefix(s, "cust_"):
		return ExternalCustomerRef{Provider: providers.Razorpay, ID: s}
	default:
		return ExternalCustomerRef{ID: s}
	}
}

// Organization is the tenant root
type Organization struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	// ExternalCustomerID is the legacy overloaded column. New writes go to
	// CustomerRef and mirror into this field until all rows are migrated.
	ExternalCustomerID string               `json:"external_customer_id,omitempty"`
	CustomerRef        *ExternalCustomerRef `json:"customer_ref,omitempty"`
	IsTrialing         bool                 `json:"is_trialing"`
	AllowTrial         bool                 `json:"allow_trial"`
	CreatedAt          time.Time            `json:"created_at"`
	UpdatedAt          time.Time            `json:"updated_at"`
}

// CustomerReference returns the typed reference, decoding the legacy column
// when no typed reference has been stored yet
func (o *Organization) CustomerReference() ExternalCustomerRef {
	if o.CustomerRef != nil && !o.CustomerRef.IsZero() {
		return *o.CustomerRef
	}
	return ParseLegacyCustomerID(o.ExternalCustomerID)
}

// Integration is a connected social channel
type Integration struct {
	ID                 int64     `json:"id"`
	OrganizationID     int64     `json:"organization_id"`
	Name               string    `json:"name"`
	ProviderIdentifier string    `json:"provider_identifier"`
	Disabled           bool      `json:"disabled"`
	CreatedAt          time.Time `json:"created_at"`
}

// Role is a member's role inside an organization
type Role string

const (
	RoleSuperAdmin Role = "SUPERADMIN"
	RoleAdmin      Role = "ADMIN"
	RoleUser       Role = "USER"
)

// Member is a user's membership in an organization
type Member struct {
	ID             int64     `json:"id"`
	OrganizationID int64     `json:"organization_id"`
	UserID         int64     `json:"user_id"`
	Role           Role      `json:"role"`
	Disabled       bool      `json:"disabled"`
	CreatedAt      time.Time `json:"created_at"`
}

// IntegrationManager adjusts an organization's channels when its tier changes
type IntegrationManager interface {
	// ListActiveIntegrations returns the non-disabled, non-deleted integrations
	ListActiveIntegrations(ctx context.Context, orgID int64) ([]Integration, error)
	// DisableIntegrations disables exactly count active integrations and
	// returns how many were disabled
	DisableIntegrations(ctx context.Context, orgID int64, count int) (int, error)
	// DeactivateSchedules stops automatic posting for every integration of the org
	DeactivateSchedules(ctx context.Context, orgID int64) error
}

// MemberManager toggles team members when the team feature flips
type MemberManager interface {
	SetNonSuperAdminsDisabled(ctx context.Context, orgID int64, disabled bool) (int64, error)
	ListMembers(ctx context.Context, orgID int64) ([]Member, error)
}

// Directory combines the organization-side collaborators of reconciliation
type Directory interface {
	IntegrationManager
	MemberManager
}
