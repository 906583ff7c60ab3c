package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// schema creates every table the billing core reads or writes. Statements
// are idempotent so Migrate runs on each start.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS organizations (
		id BIGSERIAL PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		external_customer_id TEXT NOT NULL DEFAULT '',
		customer_provider VARCHAR(20),
		customer_id TEXT,
		is_trialing BOOLEAN NOT NULL DEFAULT false,
		allow_trial BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_organizations_external_customer_id ON organizations(external_customer_id)`,
	`CREATE INDEX IF NOT EXISTS idx_organizations_customer_ref ON organizations(customer_provider, customer_id)`,

	`CREATE TABLE IF NOT EXISTS integrations (
		id BIGSERIAL PRIMARY KEY,
		organization_id BIGINT NOT NULL REFERENCES organizations(id),
		name VARCHAR(255) NOT NULL,
		provider_identifier VARCHAR(100) NOT NULL,
		disabled BOOLEAN NOT NULL DEFAULT false,
		schedule_active BOOLEAN NOT NULL DEFAULT true,
		deleted_at TIMESTAMP WITH TIME ZONE,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_integrations_org ON integrations(organization_id)`,

	`CREATE TABLE IF NOT EXISTS org_members (
		id BIGSERIAL PRIMARY KEY,
		organization_id BIGINT NOT NULL REFERENCES organizations(id),
		user_id BIGINT NOT NULL,
		role VARCHAR(20) NOT NULL,
		disabled BOOLEAN NOT NULL DEFAULT false,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		UNIQUE (organization_id, user_id)
	)`,

	`CREATE TABLE IF NOT EXISTS subscriptions (
		id BIGSERIAL PRIMARY KEY,
		organization_id BIGINT NOT NULL REFERENCES organizations(id),
		tier VARCHAR(20) NOT NULL,
		period VARCHAR(10) NOT NULL,
		total_channels BIGINT NOT NULL,
		provider VARCHAR(20) NOT NULL DEFAULT '',
		external_id TEXT NOT NULL DEFAULT '',
		lifetime BOOLEAN NOT NULL DEFAULT false,
		cancel_at TIMESTAMP WITH TIME ZONE,
		deleted_at TIMESTAMP WITH TIME ZONE,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_subscriptions_active_org ON subscriptions(organization_id) WHERE deleted_at IS NULL`,
	`CREATE INDEX IF NOT EXISTS idx_subscriptions_external_id ON subscriptions(external_id)`,
	`CREATE INDEX IF NOT EXISTS idx_subscriptions_cancel_at ON subscriptions(cancel_at) WHERE deleted_at IS NULL`,

	`CREATE TABLE IF NOT EXISTS lifetime_codes (
		code TEXT PRIMARY KEY,
		organization_id BIGINT NOT NULL REFERENCES organizations(id),
		used_at TIMESTAMP WITH TIME ZONE NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS payment_transactions (
		id UUID PRIMARY KEY,
		organization_id BIGINT NOT NULL REFERENCES organizations(id),
		subscription_id BIGINT REFERENCES subscriptions(id),
		provider VARCHAR(20) NOT NULL,
		provider_transaction_id TEXT NOT NULL DEFAULT '',
		amount BIGINT NOT NULL,
		currency VARCHAR(3) NOT NULL,
		status VARCHAR(20) NOT NULL,
		type VARCHAR(30) NOT NULL,
		payment_method VARCHAR(50),
		description TEXT,
		failure_reason TEXT,
		raw_payload BYTEA,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		processed_at TIMESTAMP WITH TIME ZONE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_payment_transactions_org ON payment_transactions(organization_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_payment_transactions_status ON payment_transactions(organization_id, status)`,

	`CREATE TABLE IF NOT EXISTS usage_units (
		id UUID PRIMARY KEY,
		organization_id BIGINT NOT NULL REFERENCES organizations(id),
		feature VARCHAR(20) NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_units_org_feature ON usage_units(organization_id, feature, created_at)`,

	`CREATE TABLE IF NOT EXISTS webhook_events (
		provider VARCHAR(20) NOT NULL,
		event_id TEXT NOT NULL,
		event_type VARCHAR(100) NOT NULL,
		received_at TIMESTAMP WITH TIME ZONE NOT NULL,
		processed_at TIMESTAMP WITH TIME ZONE,
		PRIMARY KEY (provider, event_id)
	)`,
}

// Migrate creates the billing schema if it does not exist
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement %d: %w", i, err)
		}
	}
	return nil
}
