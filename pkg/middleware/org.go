package middleware

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/platinummonkey/meter/pkg/billing"
	"github.com/platinummonkey/meter/pkg/contextkeys"
	"github.com/platinummonkey/meter/pkg/httputil"
	"github.com/platinummonkey/meter/pkg/orgs"
)

const (
	// HeaderOrganizationID carries the caller's organization
	HeaderOrganizationID = "X-Organization-ID"
	// HeaderUserID carries the calling user, for logging only
	HeaderUserID = "X-User-ID"
)

// OrganizationGetter loads an organization by id
type OrganizationGetter interface {
	GetOrganization(ctx context.Context, orgID int64) (*orgs.Organization, error)
}

// OrgContextMiddleware puts the request's organization id into the context.
// The id comes from the org_id route variable or the X-Organization-ID
// header. When getter is non-nil the organization must exist.
func OrgContextMiddleware(getter OrganizationGetter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if userID := r.Header.Get(HeaderUserID); userID != "" {
				ctx = contextkeys.WithUserID(ctx, userID)
			}

			var orgID int64
			var err error
			if _, ok := mux.Vars(r)["org_id"]; ok {
				orgID, err = httputil.ParsePathInt64(r, "org_id")
			} else {
				raw := r.Header.Get(HeaderOrganizationID)
				if raw == "" {
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
				orgID, err = strconv.ParseInt(raw, 10, 64)
			}
			if err != nil || orgID <= 0 {
				httputil.WriteBadRequest(w, "invalid organization ID")
				return
			}

			if getter != nil {
				if _, err := getter.GetOrganization(ctx, orgID); err != nil {
					if errors.Is(err, billing.ErrNotFound) {
						httputil.WriteNotFoundError(w, "organization not found")
						return
					}
					httputil.WriteErrorMessage(w, http.StatusInternalServerError, "failed to load organization")
					return
				}
			}

			next.ServeHTTP(w, r.WithContext(contextkeys.WithOrganizationID(ctx, orgID)))
		})
	}
}

// RequireOrganization rejects requests that reached it without an organization
func RequireOrganization(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := contextkeys.GetOrganizationID(r.Context()); !ok {
			httputil.WriteBadRequest(w, "organization ID required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
