package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/platinummonkey/meter/pkg/billing"
	"github.com/platinummonkey/meter/pkg/middleware"
	"github.com/platinummonkey/meter/pkg/pricing"
	"github.com/platinummonkey/meter/pkg/quota"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockBillingService implements BillingService for testing
type mockBillingService struct {
	getActiveSubscriptionFunc func(orgID int64) (*billing.Subscription, error)
	ensureSubscriptionFunc    func(orgID int64) (*billing.Subscription, error)
	reconcileTierFunc         func(orgID int64, tier pricing.Tier, period pricing.Period, channels int64) (*billing.Subscription, error)
	getUsageReportFunc        func(orgID int64) (*billing.UsageReport, error)
	checkFeatureLimitFunc     func(orgID int64, feature pricing.Feature, units int64) (quota.Decision, error)
	validateUpgradeFunc       func(orgID int64, tier pricing.Tier) (*billing.UpgradeValidation, error)
	grantLifetimeFunc         func(orgID int64, code string, tier pricing.Tier) (*billing.Subscription, error)
	cancelFunc                func(orgID int64) error
	listTransactionsFunc      func(orgID int64, limit, offset int) ([]billing.PaymentTransaction, error)
	listFailedPaymentsFunc    func(orgID int64) ([]billing.PaymentTransaction, error)
	retryFailedPaymentFunc    func(orgID int64, paymentID string) (*billing.PaymentTransaction, error)
	statsFunc                 func() (*billing.Stats, error)
}

var errNotImplemented = errors.New("not implemented")

func (m *mockBillingService) GetActiveSubscription(_ context.Context, orgID int64) (*billing.Subscription, error) {
	if m.getActiveSubscriptionFunc != nil {
		return m.getActiveSubscriptionFunc(orgID)
	}
	return nil, errNotImplemented
}

func (m *mockBillingService) EnsureSubscription(_ context.Context, orgID int64) (*billing.Subscription, error) {
	if m.ensureSubscriptionFunc != nil {
		return m.ensureSubscriptionFunc(orgID)
	}
	return nil, errNotImplemented
}

func (m *mockBillingService) ReconcileTier(_ context.Context, orgID int64, tier pricing.Tier, period pricing.Period, channels int64) (*billing.Subscription, error) {
	if m.reconcileTierFunc != nil {
		return m.reconcileTierFunc(orgID, tier, period, channels)
	}
	return nil, errNotImplemented
}

func (m *mockBillingService) GetUsageReport(_ context.Context, orgID int64) (*billing.UsageReport, error) {
	if m.getUsageReportFunc != nil {
		return m.getUsageReportFunc(orgID)
	}
	return nil, errNotImplemented
}

func (m *mockBillingService) CheckFeatureLimit(_ context.Context, orgID int64, feature pricing.Feature, units int64) (quota.Decision, error) {
	if m.checkFeatureLimitFunc != nil {
		return m.checkFeatureLimitFunc(orgID, feature, units)
	}
	return quota.Decision{}, errNotImplemented
}

func (m *mockBillingService) ValidateUpgrade(_ context.Context, orgID int64, tier pricing.Tier) (*billing.UpgradeValidation, error) {
	if m.validateUpgradeFunc != nil {
		return m.validateUpgradeFunc(orgID, tier)
	}
	return nil, errNotImplemented
}

func (m *mockBillingService) GrantLifetime(_ context.Context, orgID int64, code string, tier pricing.Tier) (*billing.Subscription, error) {
	if m.grantLifetimeFunc != nil {
		return m.grantLifetimeFunc(orgID, code, tier)
	}
	return nil, errNotImplemented
}

func (m *mockBillingService) Cancel(_ context.Context, orgID int64) error {
	if m.cancelFunc != nil {
		return m.cancelFunc(orgID)
	}
	return errNotImplemented
}

func (m *mockBillingService) ListTransactions(_ context.Context, orgID int64, limit, offset int) ([]billing.PaymentTransaction, error) {
	if m.listTransactionsFunc != nil {
		return m.listTransactionsFunc(orgID, limit, offset)
	}
	return nil, errNotImplemented
}

func (m *mockBillingService) ListFailedPayments(_ context.Context, orgID int64) ([]billing.PaymentTransaction, error) {
	if m.listFailedPaymentsFunc != nil {
		return m.listFailedPaymentsFunc(orgID)
	}
	return nil, errNotImplemented
}

func (m *mockBillingService) RetryFailedPayment(_ context.Context, orgID int64, paymentID string) (*billing.PaymentTransaction, error) {
	if m.retryFailedPaymentFunc != nil {
		return m.retryFailedPaymentFunc(orgID, paymentID)
	}
	return nil, errNotImplemented
}

func (m *mockBillingService) Stats(_ context.Context) (*billing.Stats, error) {
	if m.statsFunc != nil {
		return m.statsFunc()
	}
	return nil, errNotImplemented
}

var _ BillingService = (*billing.Service)(nil)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestServer(svc BillingService) *Server {
	server := NewServer(ServerConfig{Logger: quietLogger()})
	server.RegisterRoutes(NewBillingHandlers(svc, pricing.Default(), quietLogger()))
	return server
}

func doRequest(t *testing.T, server http.Handler, method, path string, orgID string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if orgID != "" {
		req.Header.Set(middleware.HeaderOrganizationID, orgID)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func TestBillingHandlers_GetSubscription(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		svc := &mockBillingService{
			getActiveSubscriptionFunc: func(orgID int64) (*billing.Subscription, error) {
				assert.Equal(t, int64(7), orgID)
				return &billing.Subscription{ID: 1, OrganizationID: 7, Tier: pricing.TierPro, Period: pricing.PeriodYearly}, nil
			},
		}
		rec := doRequest(t, newTestServer(svc), http.MethodGet, "/billing/subscription", "7", nil)

		assert.Equal(t, http.StatusOK, rec.Code)
		var sub billing.Subscription
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sub))
		assert.Equal(t, pricing.TierPro, sub.Tier)
	})

	t.Run("not found", func(t *testing.T) {
		svc := &mockBillingService{
			getActiveSubscriptionFunc: func(int64) (*billing.Subscription, error) { return nil, billing.ErrNotFound },
		}
		rec := doRequest(t, newTestServer(svc), http.MethodGet, "/billing/subscription", "7", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("organization required", func(t *testing.T) {
		rec := doRequest(t, newTestServer(&mockBillingService{}), http.MethodGet, "/billing/subscription", "", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("store failure is hidden", func(t *testing.T) {
		svc := &mockBillingService{
			getActiveSubscriptionFunc: func(int64) (*billing.Subscription, error) {
				return nil, errors.New("pq: connection refused")
			},
		}
		rec := doRequest(t, newTestServer(svc), http.MethodGet, "/billing/subscription", "7", nil)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.NotContains(t, rec.Body.String(), "pq:")
	})
}

func TestBillingHandlers_EnsureSubscription(t *testing.T) {
	svc := &mockBillingService{
		ensureSubscriptionFunc: func(orgID int64) (*billing.Subscription, error) {
			return &billing.Subscription{OrganizationID: orgID, Tier: pricing.TierFree, ExternalID: "FREE_3_1"}, nil
		},
	}
	rec := doRequest(t, newTestServer(svc), http.MethodPost, "/billing/subscription", "3", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "FREE_3_1")
}

func TestBillingHandlers_ReconcileTier(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		svc := &mockBillingService{
			reconcileTierFunc: func(orgID int64, tier pricing.Tier, period pricing.Period, channels int64) (*billing.Subscription, error) {
				assert.Equal(t, pricing.TierTeam, tier)
				assert.Equal(t, pricing.PeriodYearly, period)
				assert.Equal(t, int64(12), channels)
				return &billing.Subscription{OrganizationID: orgID, Tier: tier, Period: period, TotalChannels: channels}, nil
			},
		}
		rec := doRequest(t, newTestServer(svc), http.MethodPut, "/billing/subscription", "1",
			ReconcileTierRequest{Tier: "team", Period: "yearly", Channels: 12})
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("period is optional", func(t *testing.T) {
		svc := &mockBillingService{
			reconcileTierFunc: func(orgID int64, tier pricing.Tier, period pricing.Period, channels int64) (*billing.Subscription, error) {
				assert.Empty(t, period)
				return &billing.Subscription{Tier: tier}, nil
			},
		}
		rec := doRequest(t, newTestServer(svc), http.MethodPut, "/billing/subscription", "1", ReconcileTierRequest{Tier: "PRO"})
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	tests := []struct {
		name   string
		body   interface{}
		err    error
		status int
	}{
		{name: "unknown tier", body: ReconcileTierRequest{Tier: "GOLD"}, status: http.StatusBadRequest},
		{name: "bad period", body: ReconcileTierRequest{Tier: "PRO", Period: "weekly"}, status: http.StatusBadRequest},
		{name: "negative channels", body: ReconcileTierRequest{Tier: "PRO", Channels: -1}, status: http.StatusBadRequest},
		{name: "unknown field", body: map[string]string{"tier": "PRO", "price": "0"}, status: http.StatusBadRequest},
		{name: "lifetime locked", body: ReconcileTierRequest{Tier: "PRO"}, err: billing.ErrSubscriptionLocked, status: http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockBillingService{
				reconcileTierFunc: func(int64, pricing.Tier, pricing.Period, int64) (*billing.Subscription, error) {
					if tt.err != nil {
						return nil, tt.err
					}
					t.Fatal("service should not be called")
					return nil, nil
				},
			}
			rec := doRequest(t, newTestServer(svc), http.MethodPut, "/billing/subscription", "1", tt.body)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestBillingHandlers_CancelSubscription(t *testing.T) {
	cancelled := int64(0)
	svc := &mockBillingService{
		cancelFunc: func(orgID int64) error {
			cancelled = orgID
			return nil
		},
	}
	rec := doRequest(t, newTestServer(svc), http.MethodDelete, "/billing/subscription", "4", nil)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, int64(4), cancelled)
}

func TestBillingHandlers_GrantLifetime(t *testing.T) {
	svc := &mockBillingService{
		grantLifetimeFunc: func(orgID int64, code string, tier pricing.Tier) (*billing.Subscription, error) {
			if code == "USED" {
				return nil, billing.ErrLifetimeCodeUsed
			}
			return &billing.Subscription{OrganizationID: orgID, Tier: tier, Lifetime: true}, nil
		},
	}
	server := newTestServer(svc)

	rec := doRequest(t, server, http.MethodPost, "/billing/lifetime", "1", LifetimeRequest{Code: "LTD-1", Tier: "ultimate"})
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), `"lifetime":true`)

	rec = doRequest(t, server, http.MethodPost, "/billing/lifetime", "1", LifetimeRequest{Code: "USED", Tier: "PRO"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doRequest(t, server, http.MethodPost, "/billing/lifetime", "1", LifetimeRequest{Tier: "PRO"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBillingHandlers_ValidateUpgrade(t *testing.T) {
	svc := &mockBillingService{
		validateUpgradeFunc: func(orgID int64, tier pricing.Tier) (*billing.UpgradeValidation, error) {
			assert.Equal(t, pricing.TierStandard, tier)
			return &billing.UpgradeValidation{
				CanUpgrade: false,
				Warnings:   []billing.UpgradeWarning{{Type: "channels", Current: 8, Limit: 5}},
			}, nil
		},
	}
	server := newTestServer(svc)

	rec := doRequest(t, server, http.MethodGet, "/billing/upgrade/validate?tier=standard", "1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"can_upgrade":false`)

	rec = doRequest(t, server, http.MethodGet, "/billing/upgrade/validate", "1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBillingHandlers_GetUsage(t *testing.T) {
	svc := &mockBillingService{
		getUsageReportFunc: func(orgID int64) (*billing.UsageReport, error) {
			return &billing.UsageReport{
				Subscription: billing.UsageSubscription{Tier: pricing.TierStandard},
				Usage:        billing.UsageCounts{Posts: 12},
				Limits:       billing.UsageCounts{Posts: 200, AIImages: 10},
			}, nil
		},
	}
	rec := doRequest(t, newTestServer(svc), http.MethodGet, "/billing/usage", "1", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var report billing.UsageReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, int64(12), report.Usage.Posts)
	assert.Equal(t, int64(200), report.Limits.Posts)
}

func TestBillingHandlers_CheckFeatureLimit(t *testing.T) {
	svc := &mockBillingService{
		checkFeatureLimitFunc: func(orgID int64, feature pricing.Feature, units int64) (quota.Decision, error) {
			assert.Equal(t, pricing.FeatureAIImages, feature)
			assert.Equal(t, int64(3), units)
			return quota.Decision{Operation: quota.OpGenerateImage, Allowed: false, CurrentUsage: 9, Limit: 10}, nil
		},
	}
	server := newTestServer(svc)

	rec := doRequest(t, server, http.MethodGet, "/billing/limits/ai_images?units=3", "1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"allowed":false`)

	rec = doRequest(t, server, http.MethodGet, "/billing/limits/teleport", "1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, server, http.MethodGet, "/billing/limits/posts?units=0", "1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBillingHandlers_QuotaExceededError(t *testing.T) {
	svc := &mockBillingService{
		checkFeatureLimitFunc: func(int64, pricing.Feature, int64) (quota.Decision, error) {
			return quota.Decision{}, &quota.ExceededError{Operation: quota.OpGenerateVideo, Current: 20, Limit: 20, Reason: "usage limit exceeded: 20/20"}
		},
	}
	rec := doRequest(t, newTestServer(svc), http.MethodGet, "/billing/limits/ai_videos", "1", nil)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.JSONEq(t, `{"error":"quota_exceeded","details":{"operation":"generate_ai_video","current_usage":20,"limit":20,"reason":"usage limit exceeded: 20/20"}}`,
		rec.Body.String())
}

func TestBillingHandlers_ListTransactions(t *testing.T) {
	svc := &mockBillingService{
		listTransactionsFunc: func(orgID int64, limit, offset int) ([]billing.PaymentTransaction, error) {
			assert.Equal(t, 5, limit)
			assert.Equal(t, 10, offset)
			return []billing.PaymentTransaction{{ID: "tx1", Amount: 4900, Status: billing.TransactionSucceeded}}, nil
		},
	}
	server := newTestServer(svc)

	rec := doRequest(t, server, http.MethodGet, "/billing/transactions?limit=5&offset=10", "1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"tx1"`)

	rec = doRequest(t, server, http.MethodGet, "/billing/transactions?limit=-5", "1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBillingHandlers_RetryPayment(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{name: "accepted", status: http.StatusAccepted},
		{name: "unsupported provider", err: billing.ErrRetryUnsupported, status: http.StatusUnprocessableEntity},
		{name: "not failed", err: billing.ErrNotRetryable, status: http.StatusConflict},
		{name: "unknown payment", err: billing.ErrNotFound, status: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockBillingService{
				retryFailedPaymentFunc: func(orgID int64, paymentID string) (*billing.PaymentTransaction, error) {
					assert.Equal(t, "pay_1", paymentID)
					if tt.err != nil {
						return nil, tt.err
					}
					return &billing.PaymentTransaction{ID: "tx2", Status: billing.TransactionProcessing}, nil
				},
			}
			rec := doRequest(t, newTestServer(svc), http.MethodPost, "/billing/payments/pay_1/retry", "1", nil)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestBillingHandlers_ListFailedPayments(t *testing.T) {
	svc := &mockBillingService{
		listFailedPaymentsFunc: func(orgID int64) ([]billing.PaymentTransaction, error) {
			return []billing.PaymentTransaction{{ID: "tx9", Status: billing.TransactionFailed, FailureReason: "card_declined"}}, nil
		},
	}
	rec := doRequest(t, newTestServer(svc), http.MethodGet, "/billing/payments/failed", "1", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "card_declined")
}

func TestBillingHandlers_PlansAndStats(t *testing.T) {
	svc := &mockBillingService{
		statsFunc: func() (*billing.Stats, error) {
			return &billing.Stats{SubscriptionsByTier: map[pricing.Tier]int64{pricing.TierPro: 3}}, nil
		},
	}
	server := newTestServer(svc)

	rec := doRequest(t, server, http.MethodGet, "/billing/plans", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var plans []pricing.Plan
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &plans))
	require.Len(t, plans, 5)
	assert.Equal(t, pricing.TierFree, plans[0].Tier)
	assert.Equal(t, pricing.TierUltimate, plans[4].Tier)

	rec = doRequest(t, server, http.MethodGet, "/admin/billing/stats", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"PRO":3`)
}
