// Package orgs models tenants and the organization-side resources that
// follow a subscription tier.
//
// # Overview
//
// An Organization owns integrations (connected channels) and members. When the
// billing reconciler moves an organization to a new tier it uses the Directory
// interface to:
//
//   - disable integrations above the new channel allotment
//   - disable or re-enable non-super-admin members when the team flag flips
//   - stop scheduled posting when the organization drops to FREE
//
// # Customer References
//
// Historically a single external customer id column held either a Stripe
// customer id or a "paypal_<payerId>" composite. ExternalCustomerRef is the
// typed replacement; ParseLegacyCustomerID decodes rows that have not been
// migrated yet.
//
//	ref := org.CustomerReference()
//	if ref.Provider == providers.PayPal {
//		// ref.ID is the payer id
//	}
package orgs
