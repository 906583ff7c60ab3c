package billing

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/platinummonkey/meter/pkg/orgs"
	"github.com/platinummonkey/meter/pkg/pricing"
	"github.com/platinummonkey/meter/pkg/providers"
)

// PostgresStore implements Store using PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgresStore
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const subscriptionColumns = `id, organization_id, tier, period, total_channels, provider, external_id,
		lifetime, cancel_at, deleted_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*Subscription, error) {
	sub := &Subscription{}
	var cancelAt, deletedAt sql.NullTime
	if err := row.Scan(
		&sub.ID, &sub.OrganizationID, &sub.Tier, &sub.Period, &sub.TotalChannels,
		&sub.Provider, &sub.ExternalID, &sub.Lifetime, &cancelAt, &deletedAt,
		&sub.CreatedAt, &sub.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if cancelAt.Valid {
		sub.CancelAt = &cancelAt.Time
	}
	if deletedAt.Valid {
		sub.DeletedAt = &deletedAt.Time
	}
	return sub, nil
}

// FindActiveByOrganization returns the non-deleted subscription for an organization
func (s *PostgresStore) FindActiveByOrganization(ctx context.Context, orgID int64) (*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE organization_id = $1 AND deleted_at IS NULL`

	sub, err := scanSubscription(s.db.QueryRowContext(ctx, query, orgID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// UpsertSubscription creates or updates the active subscription in a single
// conditional write. The partial unique index on organization_id makes the
// statement atomic per organization.
func (s *PostgresStore) UpsertSubscription(ctx context.Context, p UpsertSubscriptionParams) (*Subscription, error) {
	query := `
		INSERT INTO subscriptions (organization_id, tier, period, total_channels, provider, external_id,
			lifetime, cancel_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		ON CONFLICT (organization_id) WHERE deleted_at IS NULL DO UPDATE SET
			tier = EXCLUDED.tier,
			period = EXCLUDED.period,
			total_channels = EXCLUDED.total_channels,
			provider = COALESCE(NULLIF(EXCLUDED.provider, ''), subscriptions.provider),
			external_id = COALESCE(NULLIF(EXCLUDED.external_id, ''), subscriptions.external_id),
			lifetime = EXCLUDED.lifetime,
			cancel_at = EXCLUDED.cancel_at,
			updated_at = NOW()
		WHERE subscriptions.lifetime = false
		RETURNING ` + subscriptionColumns

	var cancelAt sql.NullTime
	if p.CancelAt != nil {
		cancelAt = sql.NullTime{Time: *p.CancelAt, Valid: true}
	}

	sub, err := scanSubscription(s.db.QueryRowContext(ctx, query,
		p.OrganizationID, p.Tier, p.Period, p.TotalChannels, p.Provider, p.ExternalID,
		p.Lifetime, cancelAt,
	))
	if err == sql.ErrNoRows {
		// the conflict target exists but the WHERE clause rejected the update
		return nil, ErrSubscriptionLocked
	}
	if err != nil {
		return nil, fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return sub, nil
}

// SoftDeleteSubscription marks the active subscription deleted
func (s *PostgresStore) SoftDeleteSubscription(ctx context.Context, orgID int64) error {
	query := `UPDATE subscriptions SET deleted_at = NOW(), updated_at = NOW()
		WHERE organization_id = $1 AND deleted_at IS NULL`

	result, err := s.db.ExecContext(ctx, query, orgID)
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ListDueCancellations returns active subscriptions whose cancel_at has passed
func (s *PostgresStore) ListDueCancellations(ctx context.Context, now time.Time, limit int) ([]Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE deleted_at IS NULL AND cancel_at IS NOT NULL AND cancel_at <= $1 AND tier <> $2
		ORDER BY cancel_at ASC
		LIMIT $3`

	rows, err := s.db.QueryContext(ctx, query, now, pricing.TierFree, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due cancellations: %w", err)
	}
	defer rows.Close()

	var subs []Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

// ClaimLifetimeCode records a lifetime code as used
func (s *PostgresStore) ClaimLifetimeCode(ctx context.Context, code string, orgID int64) (bool, error) {
	query := `INSERT INTO lifetime_codes (code, organization_id, used_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (code) DO NOTHING`

	result, err := s.db.ExecContext(ctx, query, code, orgID)
	if err != nil {
		return false, fmt.Errorf("failed to claim lifetime code: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}

// CountByTier counts active subscriptions per tier
func (s *PostgresStore) CountByTier(ctx context.Context) (map[pricing.Tier]int64, error) {
	query := `SELECT tier, COUNT(*) FROM subscriptions WHERE deleted_at IS NULL GROUP BY tier`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to count subscriptions: %w", err)
	}
	defer rows.Close()

	counts := make(map[pricing.Tier]int64)
	for rows.Next() {
		var tier pricing.Tier
		var n int64
		if err := rows.Scan(&tier, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[tier] = n
	}
	return counts, rows.Err()
}

const organizationColumns = `o.id, o.name, o.external_customer_id, o.customer_provider, o.customer_id,
		o.is_trialing, o.allow_trial, o.created_at, o.updated_at`

func scanOrganization(row rowScanner) (*orgs.Organization, error) {
	org := &orgs.Organization{}
	var provider, customerID sql.NullString
	if err := row.Scan(
		&org.ID, &org.Name, &org.ExternalCustomerID, &provider, &customerID,
		&org.IsTrialing, &org.AllowTrial, &org.CreatedAt, &org.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if customerID.Valid && customerID.String != "" {
		org.CustomerRef = &orgs.ExternalCustomerRef{
			Provider: providers.Provider(provider.String),
			ID:       customerID.String,
		}
	}
	return org, nil
}

func (s *PostgresStore) queryOrganization(ctx context.Context, query string, args ...any) (*orgs.Organization, error) {
	org, err := scanOrganization(s.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}
	return org, nil
}

// GetOrganization returns an organization by id
func (s *PostgresStore) GetOrganization(ctx context.Context, orgID int64) (*orgs.Organization, error) {
	return s.queryOrganization(ctx, `SELECT `+organizationColumns+`
		FROM organizations o WHERE o.id = $1`, orgID)
}

// FindOrganizationByExternalCustomerID matches the legacy column exactly
func (s *PostgresStore) FindOrganizationByExternalCustomerID(ctx context.Context, id string) (*orgs.Organization, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	return s.queryOrganization(ctx, `SELECT `+organizationColumns+`
		FROM organizations o WHERE o.external_customer_id = $1
		ORDER BY o.id LIMIT 1`, id)
}

// FindOrganizationByCustomerRef uses the typed columns, then the legacy form
// of the same reference for rows that were never migrated
func (s *PostgresStore) FindOrganizationByCustomerRef(ctx context.Context, ref orgs.ExternalCustomerRef) (*orgs.Organization, error) {
	if ref.IsZero() {
		return nil, ErrNotFound
	}

	org, err := s.queryOrganization(ctx, `SELECT `+organizationColumns+`
		FROM organizations o WHERE o.customer_provider = $1 AND o.customer_id = $2
		ORDER BY o.id LIMIT 1`, ref.Provider, ref.ID)
	if err != ErrNotFound {
		return org, err
	}
	return s.FindOrganizationByExternalCustomerID(ctx, ref.Legacy())
}

// FindOrganizationByExternalSubscriptionID runs the three-step fallback chain.
// Identifiers have been written inconsistently over time, so the legacy
// customer column is searched after the subscription join misses.
func (s *PostgresStore) FindOrganizationByExternalSubscriptionID(ctx context.Context, id string) (*orgs.Organization, error) {
	if id == "" {
		return nil, ErrNotFound
	}

	lookups := []struct {
		query string
		arg   string
	}{
		{
			query: `SELECT ` + organizationColumns + `
		FROM organizations o
		JOIN subscriptions s ON s.organization_id = o.id
		WHERE s.external_id = $1
		ORDER BY s.deleted_at IS NOT NULL, s.updated_at DESC LIMIT 1`,
			arg: id,
		},
		{
			query: `SELECT ` + organizationColumns + `
		FROM organizations o
		WHERE o.external_customer_id LIKE '%' || $1 || '%' ESCAPE '\'
		ORDER BY o.id LIMIT 1`,
			arg: escapeLike(id),
		},
		{
			query: `SELECT ` + organizationColumns + `
		FROM organizations o
		WHERE o.external_customer_id = $1
		ORDER BY o.id LIMIT 1`,
			arg: id,
		},
	}

	for _, l := range lookups {
		org, err := s.queryOrganization(ctx, l.query, l.arg)
		if err == nil {
			return org, nil
		}
		if err != ErrNotFound {
			return nil, err
		}
	}
	return nil, ErrNotFound
}

// SetCustomerRef stores the typed reference and mirrors the legacy column
func (s *PostgresStore) SetCustomerRef(ctx context.Context, orgID int64, ref orgs.ExternalCustomerRef) error {
	query := `UPDATE organizations
		SET customer_provider = $2, customer_id = $3, external_customer_id = $4, updated_at = NOW()
		WHERE id = $1`

	result, err := s.db.ExecContext(ctx, query, orgID, ref.Provider, ref.ID, ref.Legacy())
	if err != nil {
		return fmt.Errorf("failed to set customer reference: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

const transactionColumns = `id, organization_id, subscription_id, provider, provider_transaction_id,
		amount, currency, status, type, payment_method, description, failure_reason,
		raw_payload, created_at, processed_at`

func scanTransaction(row rowScanner) (*PaymentTransaction, error) {
	tx := &PaymentTransaction{}
	var subscriptionID sql.NullInt64
	var paymentMethod, description, failureReason sql.NullString
	var processedAt sql.NullTime
	if err := row.Scan(
		&tx.ID, &tx.OrganizationID, &subscriptionID, &tx.Provider, &tx.ProviderTransactionID,
		&tx.Amount, &tx.Currency, &tx.Status, &tx.Type, &paymentMethod, &description, &failureReason,
		&tx.RawPayload, &tx.CreatedAt, &processedAt,
	); err != nil {
		return nil, err
	}
	if subscriptionID.Valid {
		tx.SubscriptionID = &subscriptionID.Int64
	}
	tx.PaymentMethod = paymentMethod.String
	tx.Description = description.String
	tx.FailureReason = failureReason.String
	if processedAt.Valid {
		tx.ProcessedAt = &processedAt.Time
	}
	return tx, nil
}

// AppendTransaction inserts a ledger row. ID and CreatedAt are filled in on tx.
func (s *PostgresStore) AppendTransaction(ctx context.Context, tx *PaymentTransaction) (string, error) {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}

	query := `
		INSERT INTO payment_transactions (id, organization_id, subscription_id, provider, provider_transaction_id,
			amount, currency, status, type, payment_method, description, failure_reason,
			raw_payload, created_at, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW(), $14)
		RETURNING created_at`

	var subscriptionID sql.NullInt64
	if tx.SubscriptionID != nil {
		subscriptionID = sql.NullInt64{Int64: *tx.SubscriptionID, Valid: true}
	}
	var processedAt sql.NullTime
	if tx.ProcessedAt != nil {
		processedAt = sql.NullTime{Time: *tx.ProcessedAt, Valid: true}
	}

	err := s.db.QueryRowContext(ctx, query,
		tx.ID, tx.OrganizationID, subscriptionID, tx.Provider, tx.ProviderTransactionID,
		tx.Amount, tx.Currency, tx.Status, tx.Type,
		nullString(tx.PaymentMethod), nullString(tx.Description), nullString(tx.FailureReason),
		tx.RawPayload, processedAt,
	).Scan(&tx.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("failed to append transaction: %w", err)
	}
	return tx.ID, nil
}

// GetTransaction returns a ledger row that belongs to the organization
func (s *PostgresStore) GetTransaction(ctx context.Context, orgID int64, id string) (*PaymentTransaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM payment_transactions WHERE id = $1 AND organization_id = $2`

	tx, err := scanTransaction(s.db.QueryRowContext(ctx, query, id, orgID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return tx, nil
}

// ListTransactions returns an organization's ledger, newest first
func (s *PostgresStore) ListTransactions(ctx context.Context, orgID int64, limit, offset int) ([]PaymentTransaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM payment_transactions
		WHERE organization_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`

	return s.listTransactions(ctx, query, orgID, limit, offset)
}

// ListFailedPayments returns the organization's FAILED ledger rows, newest first
func (s *PostgresStore) ListFailedPayments(ctx context.Context, orgID int64) ([]PaymentTransaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM payment_transactions
		WHERE organization_id = $1 AND status = $2
		ORDER BY created_at DESC`

	return s.listTransactions(ctx, query, orgID, TransactionFailed)
}

func (s *PostgresStore) listTransactions(ctx context.Context, query string, args ...any) ([]PaymentTransaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	txs := []PaymentTransaction{}
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txs = append(txs, *tx)
	}
	return txs, rows.Err()
}

// UpdateTransactionStatus is a compare-and-set on the status column
func (s *PostgresStore) UpdateTransactionStatus(ctx context.Context, id string, from, to TransactionStatus, processedAt time.Time) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrStatusTransition, from, to)
	}

	query := `UPDATE payment_transactions SET status = $3, processed_at = $4
		WHERE id = $1 AND status = $2`

	result, err := s.db.ExecContext(ctx, query, id, from, to, processedAt)
	if err != nil {
		return fmt.Errorf("failed to update transaction status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s is no longer %s", ErrStatusTransition, id, from)
	}
	return nil
}

// SumAmountByStatus totals ledger amounts per status
func (s *PostgresStore) SumAmountByStatus(ctx context.Context) (map[TransactionStatus]int64, error) {
	query := `SELECT status, COALESCE(SUM(amount), 0) FROM payment_transactions GROUP BY status`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to sum transactions: %w", err)
	}
	defer rows.Close()

	sums := make(map[TransactionStatus]int64)
	for rows.Next() {
		var status TransactionStatus
		var amount int64
		if err := rows.Scan(&status, &amount); err != nil {
			return nil, fmt.Errorf("failed to scan sum: %w", err)
		}
		sums[status] = amount
	}
	return sums, rows.Err()
}

// SumUsage counts usage units recorded since the given instant
func (s *PostgresStore) SumUsage(ctx context.Context, orgID int64, feature pricing.Feature, since time.Time) (int64, error) {
	query := `SELECT COUNT(*) FROM usage_units
		WHERE organization_id = $1 AND feature = $2 AND created_at >= $3`

	var n int64
	if err := s.db.QueryRowContext(ctx, query, orgID, feature, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to sum usage: %w", err)
	}
	return n, nil
}

// InsertUsageUnit appends one unit of consumption
func (s *PostgresStore) InsertUsageUnit(ctx context.Context, orgID int64, feature pricing.Feature) (string, error) {
	id := uuid.NewString()
	query := `INSERT INTO usage_units (id, organization_id, feature, created_at) VALUES ($1, $2, $3, NOW())`

	if _, err := s.db.ExecContext(ctx, query, id, orgID, feature); err != nil {
		return "", fmt.Errorf("failed to insert usage unit: %w", err)
	}
	return id, nil
}

// DeleteUsageUnit removes a unit inserted by InsertUsageUnit
func (s *PostgresStore) DeleteUsageUnit(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM usage_units WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete usage unit: %w", err)
	}
	return nil
}

// WebhookClaimTTL is how long an unprocessed claim blocks redeliveries. A
// claim older than this belongs to a crashed worker and is taken over.
const WebhookClaimTTL = 10 * time.Minute

// ClaimWebhookEvent records (provider, eventID) before dispatch. It reports
// false when the event was already processed or is claimed by a delivery
// still inside WebhookClaimTTL.
func (s *PostgresStore) ClaimWebhookEvent(ctx context.Context, provider providers.Provider, eventID, eventType string) (bool, error) {
	query := `INSERT INTO webhook_events (provider, event_id, event_type, received_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (provider, event_id) DO UPDATE SET received_at = NOW()
		WHERE webhook_events.processed_at IS NULL
			AND webhook_events.received_at < NOW() - make_interval(secs => $4)`

	result, err := s.db.ExecContext(ctx, query, provider, eventID, eventType, WebhookClaimTTL.Seconds())
	if err != nil {
		return false, fmt.Errorf("failed to claim webhook event: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}

// MarkWebhookEventProcessed stamps processed_at on a claimed event
func (s *PostgresStore) MarkWebhookEventProcessed(ctx context.Context, provider providers.Provider, eventID string) error {
	query := `UPDATE webhook_events SET processed_at = NOW() WHERE provider = $1 AND event_id = $2`
	if _, err := s.db.ExecContext(ctx, query, provider, eventID); err != nil {
		return fmt.Errorf("failed to mark webhook event processed: %w", err)
	}
	return nil
}

// ReleaseWebhookEvent drops an unprocessed claim so a redelivery is handled again
func (s *PostgresStore) ReleaseWebhookEvent(ctx context.Context, provider providers.Provider, eventID string) error {
	query := `DELETE FROM webhook_events WHERE provider = $1 AND event_id = $2 AND processed_at IS NULL`
	if _, err := s.db.ExecContext(ctx, query, provider, eventID); err != nil {
		return fmt.Errorf("failed to release webhook event: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
