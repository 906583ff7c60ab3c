package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/platinummonkey/meter/pkg/billing/billingtest"
	"github.com/platinummonkey/meter/pkg/contextkeys"
	"github.com/platinummonkey/meter/pkg/orgs"
	"github.com/stretchr/testify/assert"
)

func captureOrg(got *int64, found *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*got, *found = contextkeys.GetOrganizationID(r.Context())
		w.WriteHeader(http.StatusOK)
	})
}

func TestOrgContextMiddleware_Header(t *testing.T) {
	var orgID int64
	var found bool
	handler := OrgContextMiddleware(nil)(captureOrg(&orgID, &found))

	req := httptest.NewRequest(http.MethodGet, "/billing/subscription", nil)
	req.Header.Set(HeaderOrganizationID, "42")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, found)
	assert.Equal(t, int64(42), orgID)
}

func TestOrgContextMiddleware_RouteVar(t *testing.T) {
	var orgID int64
	var found bool

	router := mux.NewRouter()
	router.Handle("/orgs/{org_id}/usage", OrgContextMiddleware(nil)(captureOrg(&orgID, &found)))

	req := httptest.NewRequest(http.MethodGet, "/orgs/7/usage", nil)
	// the route variable takes precedence over the header
	req.Header.Set(HeaderOrganizationID, "99")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(7), orgID)
}

func TestOrgContextMiddleware_InvalidRouteVar(t *testing.T) {
	called := false
	router := mux.NewRouter()
	router.Handle("/orgs/{org_id}/usage", OrgContextMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	})))

	for _, path := range []string{"/orgs/abc/usage", "/orgs/0/usage"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set(HeaderOrganizationID, "5")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
	}
	assert.False(t, called)
}

func TestOrgContextMiddleware_Invalid(t *testing.T) {
	for _, raw := range []string{"abc", "0", "-3"} {
		t.Run(raw, func(t *testing.T) {
			called := false
			handler := OrgContextMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
			}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set(HeaderOrganizationID, raw)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.False(t, called)
		})
	}
}

func TestOrgContextMiddleware_NoOrganization(t *testing.T) {
	var orgID int64
	var found bool
	handler := OrgContextMiddleware(nil)(captureOrg(&orgID, &found))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(HeaderUserID, "user-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, found)
}

func TestOrgContextMiddleware_Lookup(t *testing.T) {
	store := billingtest.NewMemoryStore()
	store.AddOrganization(orgs.Organization{ID: 1, Name: "Acme"})

	var orgID int64
	var found bool
	handler := OrgContextMiddleware(store)(captureOrg(&orgID, &found))

	t.Run("existing organization", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(HeaderOrganizationID, "1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, int64(1), orgID)
	})

	t.Run("missing organization", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(HeaderOrganizationID, "2")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestRequireOrganization(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	handler := OrgContextMiddleware(nil)(RequireOrganization(ok))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/billing/usage", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/billing/usage", nil)
	req.Header.Set(HeaderOrganizationID, "5")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
