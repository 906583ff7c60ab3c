package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/platinummonkey/meter/pkg/async"
	"github.com/platinummonkey/meter/pkg/contextkeys"
	"github.com/platinummonkey/meter/pkg/observability"
	"github.com/platinummonkey/meter/pkg/pricing"
	"github.com/platinummonkey/meter/pkg/quota"
	"github.com/sirupsen/logrus"
)

const usageTrackingTimeout = 5 * time.Second

// QuotaChecker decides whether a metered operation fits the organization's tier
type QuotaChecker interface {
	CheckAndAuthorize(ctx context.Context, orgID int64, op quota.Operation, units int64) (quota.Decision, error)
}

// UsageRecorder stores one consumed unit of a feature
type UsageRecorder interface {
	InsertUsageUnit(ctx context.Context, orgID int64, feature pricing.Feature) (string, error)
}

// QuotaMiddleware enforces monthly feature limits on metered routes and
// records a usage unit for every metered request that succeeds
type QuotaMiddleware struct {
	guard   QuotaChecker
	usage   UsageRecorder
	logger  *logrus.Logger
	timeout time.Duration
}

// NewQuotaMiddleware creates a new quota middleware. A nil recorder checks
// limits without tracking usage.
func NewQuotaMiddleware(guard QuotaChecker, usage UsageRecorder, logger *logrus.Logger) *QuotaMiddleware {
	if logger == nil {
		logger = logrus.New()
	}
	return &QuotaMiddleware{
		guard:   guard,
		usage:   usage,
		logger:  logger,
		timeout: usageTrackingTimeout,
	}
}

// Handler wraps an HTTP handler with quota enforcement
func (m *QuotaMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		orgID, ok := contextkeys.GetOrganizationID(ctx)
		if !ok {
			// Quotas are per organization; unscoped requests pass
			next.ServeHTTP(w, r)
			return
		}

		op, metered := quota.Classify(r.Method, r.URL.Path)
		if !metered {
			next.ServeHTTP(w, r)
			return
		}

		decision, err := m.guard.CheckAndAuthorize(ctx, orgID, op, 1)
		if err != nil {
			observability.FromContext(ctx, m.logger).WithError(err).WithFields(logrus.Fields{
				"org_id":    orgID,
				"operation": op,
			}).Error("Quota check failed")
			writeJSONError(w, http.StatusInternalServerError, map[string]interface{}{
				"error": "Failed to check quota",
			})
			return
		}

		if !decision.Allowed {
			writeJSONError(w, http.StatusForbidden, map[string]interface{}{
				"error":         "quota_exceeded",
				"operation":     decision.Operation,
				"current_usage": decision.CurrentUsage,
				"limit":         decision.Limit,
				"reason":        decision.Reason,
			})
			return
		}

		wrapped := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		if m.usage == nil || wrapped.status >= http.StatusBadRequest {
			return
		}

		feature := op.Feature()
		async.SafeGo(ctx, m.logger, m.timeout, "usage tracking", func(ctx context.Context) error {
			_, err := m.usage.InsertUsageUnit(ctx, orgID, feature)
			return err
		})
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

func writeJSONError(w http.ResponseWriter, status int, body map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
