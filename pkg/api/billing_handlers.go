package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/platinummonkey/meter/pkg/billing"
	"github.com/platinummonkey/meter/pkg/contextkeys"
	"github.com/platinummonkey/meter/pkg/httputil"
	"github.com/platinummonkey/meter/pkg/middleware"
	"github.com/platinummonkey/meter/pkg/observability"
	"github.com/platinummonkey/meter/pkg/pricing"
	"github.com/platinummonkey/meter/pkg/quota"
	"github.com/sirupsen/logrus"
)

const defaultTransactionLimit = 20

// BillingService is the billing surface the handlers call
type BillingService interface {
	GetActiveSubscription(ctx context.Context, orgID int64) (*billing.Subscription, error)
	EnsureSubscription(ctx context.Context, orgID int64) (*billing.Subscription, error)
	ReconcileTier(ctx context.Context, orgID int64, tier pricing.Tier, period pricing.Period, channels int64) (*billing.Subscription, error)
	GetUsageReport(ctx context.Context, orgID int64) (*billing.UsageReport, error)
	CheckFeatureLimit(ctx context.Context, orgID int64, feature pricing.Feature, units int64) (quota.Decision, error)
	ValidateUpgrade(ctx context.Context, orgID int64, newTier pricing.Tier) (*billing.UpgradeValidation, error)
	GrantLifetime(ctx context.Context, orgID int64, code string, tier pricing.Tier) (*billing.Subscription, error)
	Cancel(ctx context.Context, orgID int64) error
	ListTransactions(ctx context.Context, orgID int64, limit, offset int) ([]billing.PaymentTransaction, error)
	ListFailedPayments(ctx context.Context, orgID int64) ([]billing.PaymentTransaction, error)
	RetryFailedPayment(ctx context.Context, orgID int64, paymentID string) (*billing.PaymentTransaction, error)
	Stats(ctx context.Context) (*billing.Stats, error)
}

// BillingHandlers handles billing-related HTTP requests. Every route except
// the plan list and the admin stats needs an organization in the context.
type BillingHandlers struct {
	service BillingService
	table   *pricing.Table
	logger  *logrus.Logger
}

// NewBillingHandlers creates a new BillingHandlers
func NewBillingHandlers(service BillingService, table *pricing.Table, logger *logrus.Logger) *BillingHandlers {
	if logger == nil {
		logger = logrus.New()
	}
	return &BillingHandlers{
		service: service,
		table:   table,
		logger:  logger,
	}
}

// ReconcileTierRequest is the body of PUT /billing/subscription
type ReconcileTierRequest struct {
	Tier     string `json:"tier"`
	Period   string `json:"period,omitempty"`
	Channels int64  `json:"channels,omitempty"`
}

// LifetimeRequest is the body of POST /billing/lifetime
type LifetimeRequest struct {
	Code string `json:"code"`
	Tier string `json:"tier"`
}

// RegisterRoutes registers billing routes
func (h *BillingHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/billing/plans", h.ListPlans).Methods("GET")
	router.HandleFunc("/admin/billing/stats", h.GetStats).Methods("GET")

	org := router.PathPrefix("/billing").Subrouter()
	org.Use(middleware.RequireOrganization)

	// Subscription
	org.HandleFunc("/subscription", h.GetSubscription).Methods("GET")
	org.HandleFunc("/subscription", h.EnsureSubscription).Methods("POST")
	org.HandleFunc("/subscription", h.ReconcileTier).Methods("PUT")
	org.HandleFunc("/subscription", h.CancelSubscription).Methods("DELETE")
	org.HandleFunc("/lifetime", h.GrantLifetime).Methods("POST")
	org.HandleFunc("/upgrade/validate", h.ValidateUpgrade).Methods("GET")

	// Usage
	org.HandleFunc("/usage", h.GetUsage).Methods("GET")
	org.HandleFunc("/limits/{feature}", h.CheckFeatureLimit).Methods("GET")

	// Ledger
	org.HandleFunc("/transactions", h.ListTransactions).Methods("GET")
	org.HandleFunc("/payments/failed", h.ListFailedPayments).Methods("GET")
	org.HandleFunc("/payments/{payment_id}/retry", h.RetryPayment).Methods("POST")
}

func orgID(r *http.Request) int64 {
	id, _ := contextkeys.GetOrganizationID(r.Context())
	return id
}

// writeServiceError maps billing errors onto HTTP statuses
func (h *BillingHandlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var exceeded *quota.ExceededError
	switch {
	case errors.As(err, &exceeded):
		httputil.WriteDetailedError(w, http.StatusForbidden, "quota_exceeded", map[string]interface{}{
			"operation":     exceeded.Operation,
			"current_usage": exceeded.Current,
			"limit":         exceeded.Limit,
			"reason":        exceeded.Reason,
		})
	case pricing.IsUnknownTier(err):
		httputil.WriteBadRequest(w, err.Error())
	case errors.Is(err, billing.ErrNotFound):
		httputil.WriteNotFoundError(w, "not found")
	case errors.Is(err, billing.ErrSubscriptionLocked),
		errors.Is(err, billing.ErrLifetimeCodeUsed),
		errors.Is(err, billing.ErrNotRetryable):
		httputil.WriteConflict(w, err.Error())
	case errors.Is(err, billing.ErrRetryUnsupported):
		httputil.WriteErrorMessage(w, http.StatusUnprocessableEntity, err.Error())
	default:
		observability.FromContext(r.Context(), h.logger).WithError(err).WithFields(logrus.Fields{
			"org_id": orgID(r),
			"path":   r.URL.Path,
		}).Error("Billing request failed")
		httputil.WriteErrorMessage(w, http.StatusInternalServerError, "internal error")
	}
}

// ListPlans returns the tier table
func (h *BillingHandlers) ListPlans(w http.ResponseWriter, r *http.Request) {
	plans := make([]pricing.Plan, 0, len(pricing.Tiers()))
	for _, tier := range pricing.Tiers() {
		plans = append(plans, h.table.MustLimitsFor(tier))
	}
	httputil.WriteSuccess(w, plans)
}

// GetSubscription returns the active subscription
func (h *BillingHandlers) GetSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := h.service.GetActiveSubscription(r.Context(), orgID(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, sub)
}

// EnsureSubscription provisions a FREE subscription when there is none
func (h *BillingHandlers) EnsureSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := h.service.EnsureSubscription(r.Context(), orgID(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, sub)
}

// ReconcileTier changes the tier
func (h *BillingHandlers) ReconcileTier(w http.ResponseWriter, r *http.Request) {
	var req ReconcileTierRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	tier, err := pricing.ParseTier(req.Tier)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	var period pricing.Period
	if req.Period != "" {
		if period, err = pricing.ParsePeriod(req.Period); err != nil {
			httputil.WriteBadRequest(w, err.Error())
			return
		}
	}
	if req.Channels < 0 {
		httputil.WriteBadRequest(w, "channels must not be negative")
		return
	}

	sub, err := h.service.ReconcileTier(r.Context(), orgID(r), tier, period, req.Channels)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, sub)
}

// CancelSubscription downgrades to FREE and cancels at the provider
func (h *BillingHandlers) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Cancel(r.Context(), orgID(r)); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// GrantLifetime redeems a lifetime code
func (h *BillingHandlers) GrantLifetime(w http.ResponseWriter, r *http.Request) {
	var req LifetimeRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Code == "" {
		httputil.WriteBadRequest(w, "code is required")
		return
	}
	tier, err := pricing.ParseTier(req.Tier)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	sub, err := h.service.GrantLifetime(r.Context(), orgID(r), req.Code, tier)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httputil.WriteCreated(w, sub)
}

// ValidateUpgrade previews a tier change
func (h *BillingHandlers) ValidateUpgrade(w http.ResponseWriter, r *http.Request) {
	tier, err := pricing.ParseTier(httputil.ParseQueryString(r, "tier", ""))
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	result, err := h.service.ValidateUpgrade(r.Context(), orgID(r), tier)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, result)
}

// GetUsage returns the current month's usage report
func (h *BillingHandlers) GetUsage(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.GetUsageReport(r.Context(), orgID(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, report)
}

// CheckFeatureLimit reports whether more units of a feature fit. A denial
// is a normal 200 response; only the middleware turns it into a 403.
func (h *BillingHandlers) CheckFeatureLimit(w http.ResponseWriter, r *http.Request) {
	name, err := httputil.ParsePathString(r, "feature")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	feature := pricing.Feature(name)
	if _, ok := quota.OperationFor(feature); !ok {
		httputil.WriteBadRequest(w, "unknown feature: "+string(feature))
		return
	}
	units, err := httputil.ParseQueryInt(r, "units", 1)
	if err != nil || units <= 0 {
		httputil.WriteBadRequest(w, "units must be a positive integer")
		return
	}

	decision, err := h.service.CheckFeatureLimit(r.Context(), orgID(r), feature, int64(units))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, decision)
}

// ListTransactions pages through the ledger, newest first
func (h *BillingHandlers) ListTransactions(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := httputil.ParsePagination(r, defaultTransactionLimit)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	txs, err := h.service.ListTransactions(r.Context(), orgID(r), limit, offset)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"transactions": txs,
		"limit":        limit,
		"offset":       offset,
	})
}

// ListFailedPayments returns every FAILED ledger row
func (h *BillingHandlers) ListFailedPayments(w http.ResponseWriter, r *http.Request) {
	txs, err := h.service.ListFailedPayments(r.Context(), orgID(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, txs)
}

// RetryPayment retries a failed payment at the provider
func (h *BillingHandlers) RetryPayment(w http.ResponseWriter, r *http.Request) {
	paymentID, err := httputil.ParsePathString(r, "payment_id")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	tx, err := h.service.RetryFailedPayment(r.Context(), orgID(r), paymentID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, tx)
}

// GetStats returns subscription counts and revenue sums
func (h *BillingHandlers) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, stats)
}
