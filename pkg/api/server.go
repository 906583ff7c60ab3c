package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/platinummonkey/meter/pkg/httputil"
	"github.com/platinummonkey/meter/pkg/middleware"
	"github.com/platinummonkey/meter/pkg/observability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// maxRequestBytes caps every request body; webhook deliveries are capped
// again by the webhook handler
const maxRequestBytes = 1 << 20

// RouteRegistrar is an interface for types that can register routes
type RouteRegistrar interface {
	RegisterRoutes(router *mux.Router)
}

// ServerConfig wires the Server's collaborators. Nil optional fields
// disable the feature they back.
type ServerConfig struct {
	Logger   *logrus.Logger
	Metrics  *observability.Metrics
	Registry *prometheus.Registry
	Health   *observability.HealthChecker

	// Organizations validates the organization id on each request
	Organizations middleware.OrganizationGetter
	Quota         *middleware.QuotaMiddleware
	RateLimit     *middleware.RateLimitMiddleware
	CORSOrigins   []string
}

// Server is the HTTP entry point: health, metrics, webhooks and the
// billing surface on one router
type Server struct {
	router *mux.Router
	logger *logrus.Logger
}

// NewServer builds the router and its middleware stack. Routes are added
// with RegisterRoutes.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	s := &Server{
		router: mux.NewRouter(),
		logger: cfg.Logger,
	}

	if cfg.Health != nil {
		observability.RegisterHealthRoutes(s.router, cfg.Health)
	}
	if cfg.Registry != nil {
		s.router.Handle("/metrics", observability.MetricsHandler(cfg.Registry)).Methods(http.MethodGet)
	}

	// Middleware order: recovery outermost, then request id and logging so
	// every later rejection is logged with its request id
	s.router.Use(httputil.Chain(
		httputil.RecoveryMiddleware(cfg.Logger),
		httputil.RequestIDMiddleware(cfg.Logger),
		httputil.LoggingMiddleware(cfg.Logger),
		observability.HTTPMetricsMiddleware(cfg.Metrics),
		httputil.MaxBytesMiddleware(maxRequestBytes),
	))
	if len(cfg.CORSOrigins) > 0 {
		s.router.Use(httputil.CORSMiddleware(cfg.CORSOrigins))
	}
	s.router.Use(middleware.OrgContextMiddleware(cfg.Organizations))
	if cfg.RateLimit != nil {
		s.router.Use(cfg.RateLimit.Handler)
	}
	if cfg.Quota != nil {
		s.router.Use(cfg.Quota.Handler)
	}

	return s
}

// RegisterRoutes registers routes from a RouteRegistrar
func (s *Server) RegisterRoutes(registrar RouteRegistrar) {
	registrar.RegisterRoutes(s.router)
}

// Router exposes the underlying router
func (s *Server) Router() *mux.Router {
	return s.router
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
