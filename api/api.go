// Package api binds the resource server to HTTP: token upload on
// authz-info, access-controlled resources, metrics and API docs.
package api

import (
	_ "embed"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmcleod/acers/access"
	"github.com/jmcleod/acers/authzinfo"
	"github.com/jmcleod/acers/internal/clock"
	"github.com/jmcleod/acers/tokenstore"
)

// API holds the dependencies of the HTTP handlers.
type API struct {
	authz          *authzinfo.Endpoint
	access         *access.Interceptor
	store          *tokenstore.Store
	audit          *auditLogger
	alertFn        AlertFunc
	registry       *prometheus.Registry
	counters       *counters
	limiter        *rejectionLimiter
	clock          clock.Clock
	trustedProxies []netip.Prefix
	identityHeader bool
	resources      map[string]http.Handler
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.audit = newAuditLogger(logger)
	}
}

// WithAlertFunc installs a callback for anomaly alerts, such as a spike
// of rejected tokens.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) {
		a.alertFn = fn
	}
}

// WithRegistry exposes metrics through reg instead of a private registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(a *API) {
		a.registry = reg
	}
}

// WithClock sets the time source of the authz-info lockout.
func WithClock(c clock.Clock) Option {
	return func(a *API) {
		a.clock = c
	}
}

// WithIdentityHeader trusts the X-ACE-Identity header as the sender
// identity. Only enable it behind a proxy that authenticates clients and
// sets the header itself.
func WithIdentityHeader(enabled bool) Option {
	return func(a *API) {
		a.identityHeader = enabled
	}
}

// WithTrustedProxies returns an Option that honors proxy headers for the
// client address when the direct peer lies in one of cidrs. A bare IP is
// treated as a single-host prefix.
func WithTrustedProxies(cidrs []string) (Option, error) {
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if !strings.Contains(c, "/") {
			addr, err := netip.ParseAddr(c)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", c, err)
			}
			prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(c)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", c, err)
		}
		prefixes = append(prefixes, p.Masked())
	}
	return func(a *API) {
		a.trustedProxies = prefixes
	}, nil
}

// New creates a new API instance.
func New(store *tokenstore.Store, authz *authzinfo.Endpoint, in *access.Interceptor, opts ...Option) *API {
	a := &API{
		authz:     authz,
		access:    in,
		store:     store,
		clock:     clock.Real(),
		resources: map[string]http.Handler{},
	}
	for _, opt := range opts {
		opt(a)
	}
	a.limiter = newRejectionLimiter(a.clock)
	if a.audit == nil {
		a.audit = newAuditLogger(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	}
	if a.registry == nil {
		a.registry = prometheus.NewRegistry()
	}
	a.counters = newCounters(a.registry, store)
	a.audit.metrics = newMetricsCollector(a.alertFn)
	return a
}

// Handle registers h as an access-controlled resource. Must be called
// before Router.
func (a *API) Handle(resource string, h http.Handler) {
	a.resources[access.Resource(resource)] = h
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/openapi.yaml",
		Path:    "docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/openapi.yaml",
		Path:    "redoc",
	}, nil))

	if a.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	}

	r.Post("/authz-info", a.AuthzInfo)

	if len(a.resources) > 0 {
		r.Route("/rs", func(r chi.Router) {
			for name, h := range a.resources {
				r.With(a.Guard(name)).Handle("/"+name, h)
			}
		})
	}

	return r
}
