package billing

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/platinummonkey/meter/pkg/orgs"
	"github.com/platinummonkey/meter/pkg/pricing"
	"github.com/platinummonkey/meter/pkg/providers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var subscriptionCols = []string{
	"id", "organization_id", "tier", "period", "total_channels", "provider", "external_id",
	"lifetime", "cancel_at", "deleted_at", "created_at", "updated_at",
}

var organizationCols = []string{
	"id", "name", "external_customer_id", "customer_provider", "customer_id",
	"is_trialing", "allow_trial", "created_at", "updated_at",
}

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(db), mock
}

func TestPostgresStore_FindActiveByOrganization(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	now := time.Now()

	t.Run("found", func(t *testing.T) {
		rows := sqlmock.NewRows(subscriptionCols).
			AddRow(7, 1, "PRO", "YEARLY", 20, "PAYPAL", "I-1", false, nil, nil, now, now)
		mock.ExpectQuery("SELECT (.+) FROM subscriptions").WithArgs(int64(1)).WillReturnRows(rows)

		sub, err := store.FindActiveByOrganization(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(7), sub.ID)
		assert.Equal(t, pricing.TierPro, sub.Tier)
		assert.Equal(t, pricing.PeriodYearly, sub.Period)
		assert.Equal(t, providers.PayPal, sub.Provider)
		assert.Nil(t, sub.CancelAt)
	})

	t.Run("missing", func(t *testing.T) {
		mock.ExpectQuery("SELECT (.+) FROM subscriptions").WithArgs(int64(2)).
			WillReturnRows(sqlmock.NewRows(subscriptionCols))

		_, err := store.FindActiveByOrganization(ctx, 2)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertSubscription(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	now := time.Now()
	params := UpsertSubscriptionParams{
		OrganizationID: 1, Tier: pricing.TierTeam, Period: pricing.PeriodMonthly, TotalChannels: 10,
		Provider: providers.Stripe, ExternalID: "sub_1",
	}

	t.Run("writes", func(t *testing.T) {
		mock.ExpectQuery("INSERT INTO subscriptions").
			WithArgs(int64(1), pricing.TierTeam, pricing.PeriodMonthly, int64(10), providers.Stripe, "sub_1", false, sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows(subscriptionCols).
				AddRow(3, 1, "TEAM", "MONTHLY", 10, "STRIPE", "sub_1", false, nil, nil, now, now))

		sub, err := store.UpsertSubscription(ctx, params)
		require.NoError(t, err)
		assert.Equal(t, int64(3), sub.ID)
		assert.Equal(t, int64(10), sub.TotalChannels)
	})

	t.Run("lifetime row is locked", func(t *testing.T) {
		mock.ExpectQuery("INSERT INTO subscriptions").
			WillReturnRows(sqlmock.NewRows(subscriptionCols))

		_, err := store.UpsertSubscription(ctx, params)
		assert.ErrorIs(t, err, ErrSubscriptionLocked)
	})

	t.Run("database error", func(t *testing.T) {
		mock.ExpectQuery("INSERT INTO subscriptions").WillReturnError(errors.New("connection reset"))

		_, err := store.UpsertSubscription(ctx, params)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrSubscriptionLocked)
	})

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SoftDeleteSubscription(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE subscriptions SET deleted_at").WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE subscriptions SET deleted_at").WithArgs(int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.SoftDeleteSubscription(context.Background(), 1))
	assert.ErrorIs(t, store.SoftDeleteSubscription(context.Background(), 2), ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindOrganizationByExternalSubscriptionID(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	orgRow := func() *sqlmock.Rows {
		return sqlmock.NewRows(organizationCols).
			AddRow(1, "Acme", "paypal_P1", nil, nil, false, true, now, now)
	}

	t.Run("subscription join wins", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery("JOIN subscriptions s").WithArgs("SUB1").WillReturnRows(orgRow())

		org, err := store.FindOrganizationByExternalSubscriptionID(ctx, "SUB1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), org.ID)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("falls back to substring then exact", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery("JOIN subscriptions s").WithArgs("P_1%").WillReturnRows(sqlmock.NewRows(organizationCols))
		mock.ExpectQuery("LIKE").WithArgs(`P\_1\%`).WillReturnRows(sqlmock.NewRows(organizationCols))
		mock.ExpectQuery("external_customer_id = ").WithArgs("P_1%").WillReturnRows(orgRow())

		org, err := store.FindOrganizationByExternalSubscriptionID(ctx, "P_1%")
		require.NoError(t, err)
		assert.Equal(t, "Acme", org.Name)
		ref := org.CustomerReference()
		assert.Equal(t, providers.PayPal, ref.Provider)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("nothing matches", func(t *testing.T) {
		store, mock := newMockStore(t)
		for i := 0; i < 3; i++ {
			mock.ExpectQuery("FROM organizations o").WillReturnRows(sqlmock.NewRows(organizationCols))
		}

		_, err := store.FindOrganizationByExternalSubscriptionID(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("errors stop the chain", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery("JOIN subscriptions s").WillReturnError(sql.ErrConnDone)

		_, err := store.FindOrganizationByExternalSubscriptionID(ctx, "SUB1")
		assert.ErrorIs(t, err, sql.ErrConnDone)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty id", func(t *testing.T) {
		store, _ := newMockStore(t)
		_, err := store.FindOrganizationByExternalSubscriptionID(ctx, "")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestPostgresStore_FindOrganizationByCustomerRef(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()
	ref := orgs.ExternalCustomerRef{Provider: providers.Stripe, ID: "cus_9"}

	mock.ExpectQuery("customer_provider = ").WithArgs(providers.Stripe, "cus_9").
		WillReturnRows(sqlmock.NewRows(organizationCols))
	mock.ExpectQuery("external_customer_id = ").WithArgs("cus_9").
		WillReturnRows(sqlmock.NewRows(organizationCols).
			AddRow(4, "Legacy", "cus_9", nil, nil, false, true, now, now))

	org, err := store.FindOrganizationByCustomerRef(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, int64(4), org.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendTransaction(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()
	subID := int64(3)

	mock.ExpectQuery("INSERT INTO payment_transactions").
		WithArgs(sqlmock.AnyArg(), int64(1), sql.NullInt64{Int64: 3, Valid: true}, providers.PayPal, "CAP-1",
			int64(4700), "USD", TransactionSucceeded, TransactionSubscriptionPayment,
			sql.NullString{String: "paypal", Valid: true}, sql.NullString{}, sql.NullString{},
			sqlmock.AnyArg(), sql.NullTime{}).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(now))

	tx := &PaymentTransaction{
		OrganizationID:        1,
		SubscriptionID:        &subID,
		Provider:              providers.PayPal,
		ProviderTransactionID: "CAP-1",
		Amount:                4700,
		Currency:              "USD",
		Status:                TransactionSucceeded,
		Type:                  TransactionSubscriptionPayment,
		PaymentMethod:         "paypal",
	}
	id, err := store.AppendTransaction(context.Background(), tx)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, id, tx.ID)
	assert.Equal(t, now, tx.CreatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetTransaction(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()
	cols := []string{
		"id", "organization_id", "subscription_id", "provider", "provider_transaction_id",
		"amount", "currency", "status", "type", "payment_method", "description", "failure_reason",
		"raw_payload", "created_at", "processed_at",
	}

	mock.ExpectQuery("SELECT (.+) FROM payment_transactions").WithArgs("tx-1", int64(1)).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"tx-1", 1, nil, "RAZORPAY", "pay_1", 2900, "INR", "FAILED", "SUBSCRIPTION_PAYMENT",
			nil, "Payment failed", "card declined", nil, now, nil))
	mock.ExpectQuery("SELECT (.+) FROM payment_transactions").WithArgs("tx-2", int64(1)).
		WillReturnRows(sqlmock.NewRows(cols))

	tx, err := store.GetTransaction(context.Background(), 1, "tx-1")
	require.NoError(t, err)
	assert.Nil(t, tx.SubscriptionID)
	assert.Equal(t, TransactionFailed, tx.Status)
	assert.Equal(t, "card declined", tx.FailureReason)
	assert.Empty(t, tx.PaymentMethod)

	_, err = store.GetTransaction(context.Background(), 1, "tx-2")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateTransactionStatus(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	at := time.Now()

	mock.ExpectExec("UPDATE payment_transactions SET status").
		WithArgs("tx-1", TransactionPending, TransactionSucceeded, at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE payment_transactions SET status").
		WithArgs("tx-2", TransactionPending, TransactionFailed, at).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.UpdateTransactionStatus(ctx, "tx-1", TransactionPending, TransactionSucceeded, at))
	assert.ErrorIs(t, store.UpdateTransactionStatus(ctx, "tx-2", TransactionPending, TransactionFailed, at), ErrStatusTransition)

	// rejected before reaching the database
	assert.ErrorIs(t, store.UpdateTransactionStatus(ctx, "tx-3", TransactionRefunded, TransactionSucceeded, at), ErrStatusTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ClaimWebhookEvent(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	ttl := WebhookClaimTTL.Seconds()
	mock.ExpectExec("INSERT INTO webhook_events").WithArgs(providers.Stripe, "evt_1", "invoice.paid", ttl).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO webhook_events").WithArgs(providers.Stripe, "evt_1", "invoice.paid", ttl).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("UPDATE webhook_events SET processed_at").WithArgs(providers.Stripe, "evt_1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM webhook_events").WithArgs(providers.Stripe, "evt_2").
		WillReturnResult(sqlmock.NewResult(0, 1))

	claimed, err := store.ClaimWebhookEvent(ctx, providers.Stripe, "evt_1", "invoice.paid")
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = store.ClaimWebhookEvent(ctx, providers.Stripe, "evt_1", "invoice.paid")
	require.NoError(t, err)
	assert.False(t, claimed)

	require.NoError(t, store.MarkWebhookEventProcessed(ctx, providers.Stripe, "evt_1"))
	require.NoError(t, store.ReleaseWebhookEvent(ctx, providers.Stripe, "evt_2"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ClaimWebhookEventTakesOverStaleClaim(t *testing.T) {
	store, mock := newMockStore(t)

	// the conflict branch only updates unprocessed rows older than the TTL
	mock.ExpectExec(`ON CONFLICT \(provider, event_id\) DO UPDATE SET received_at = NOW\(\)\s+` +
		`WHERE webhook_events.processed_at IS NULL\s+AND webhook_events.received_at < NOW\(\) - make_interval\(secs => \$4\)`).
		WithArgs(providers.PayPal, "WH-1", "BILLING.SUBSCRIPTION.ACTIVATED", WebhookClaimTTL.Seconds()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	claimed, err := store.ClaimWebhookEvent(context.Background(), providers.PayPal, "WH-1", "BILLING.SUBSCRIPTION.ACTIVATED")
	require.NoError(t, err)
	assert.True(t, claimed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Usage(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	since := CurrentMonth(time.Now()).Start

	mock.ExpectQuery("SELECT COUNT(.+) FROM usage_units").WithArgs(int64(1), pricing.FeaturePosts, since).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(42))
	mock.ExpectExec("INSERT INTO usage_units").WithArgs(sqlmock.AnyArg(), int64(1), pricing.FeatureAIImages).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM usage_units").WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := store.SumUsage(ctx, 1, pricing.FeaturePosts, since)
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)

	id, err := store.InsertUsageUnit(ctx, 1, pricing.FeatureAIImages)
	require.NoError(t, err)
	require.NoError(t, store.DeleteUsageUnit(ctx, id))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, `a\%b\_c\\d`, escapeLike(`a%b_c\d`))
	assert.Equal(t, "I-ABC", escapeLike("I-ABC"))
}
