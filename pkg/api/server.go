package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/grantline/pkg/enforce"
	"github.com/platinummonkey/grantline/pkg/httputil"
	"github.com/platinummonkey/grantline/pkg/middleware"
	"github.com/platinummonkey/grantline/pkg/observability"
)

// APIPrefix is the path prefix of every engine route
const APIPrefix = "/api/v1"

// RouteRegistrar registers identity-protected routes
type RouteRegistrar interface {
	RegisterRoutes(router *mux.Router)
}

// PublicRouteRegistrar registers routes that run without an identity
type PublicRouteRegistrar interface {
	RegisterPublicRoutes(router *mux.Router)
}

// Options holds the collaborators the server is assembled from. Only
// Enforcer is required; without Identity every protected request is
// anonymous and answered 412.
type Options struct {
	Logger   *observability.Logger
	Metrics  *observability.Metrics
	Registry *prometheus.Registry
	Health   *observability.HealthChecker

	Identity *middleware.IdentityMiddleware
	Limiter  middleware.Limiter
	Enforcer *enforce.Enforcer

	Public    []PublicRouteRegistrar
	Protected []RouteRegistrar

	RequestTimeout time.Duration
	Tracing        bool
}

// Server is the grantline HTTP server
type Server struct {
	router  *mux.Router
	handler http.Handler
	logger  *observability.Logger
}

// NewServer assembles the router. Every request gets a request id, panic
// recovery and an access log line. Routes under /api/v1 other than the
// public ones pass identity resolution, rate limiting and route policy
// enforcement, in that order.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}

	s := &Server{
		router: mux.NewRouter(),
		logger: logger,
	}
	s.router.Use(observability.HTTPMetricsMiddleware(opts.Metrics))

	if opts.Health != nil {
		s.router.HandleFunc("/health/live", opts.Health.Liveness).Methods("GET")
		s.router.HandleFunc("/health/ready", opts.Health.Readiness).Methods("GET")
	}
	if opts.Registry != nil {
		s.router.Handle("/metrics", observability.MetricsHandler(opts.Registry)).Methods("GET")
	}

	api := s.router.PathPrefix(APIPrefix).Subrouter()
	for _, r := range opts.Public {
		r.RegisterPublicRoutes(api)
	}

	protected := api.NewRoute().Subrouter()
	if opts.Identity != nil {
		protected.Use(opts.Identity.Handler)
	}
	if opts.Limiter != nil {
		protected.Use(middleware.RateLimit(opts.Limiter))
	}
	protected.Use(opts.Enforcer.Middleware)
	for _, r := range opts.Protected {
		r.RegisterRoutes(protected)
	}

	var handler http.Handler = s.router
	handler = httputil.Chain(
		httputil.RequestIDMiddleware,
		httputil.RecoveryMiddleware(logger),
		httputil.LoggingMiddleware(logger),
		httputil.TimeoutMiddleware(opts.RequestTimeout),
	)(handler)
	if opts.Tracing {
		handler = otelhttp.NewHandler(handler, "grantline.http")
	}
	s.handler = handler

	return s
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Router returns the underlying router
func (s *Server) Router() *mux.Router {
	return s.router
}
