package api

import (
	"github.com/gorilla/mux"
	"github.com/psantana5/trailscan/pkg/auth"
	"github.com/psantana5/trailscan/pkg/metrics"
	"github.com/psantana5/trailscan/pkg/ratelimit"
	"github.com/psantana5/trailscan/pkg/tracing"
)

// RouterOptions selects the middleware stack. Nil fields are skipped.
type RouterOptions struct {
	Metrics *metrics.Collector
	Tracing *tracing.Provider
	Limiter *ratelimit.Limiter
	Auth    *auth.APIKeyAuth
}

// NewRouter builds the full router: API routes, /metrics and middleware
func NewRouter(h *Handler, opts RouterOptions) *mux.Router {
	r := mux.NewRouter()

	if opts.Tracing != nil {
		r.Use(tracing.HTTPMiddleware(opts.Tracing))
	}
	if opts.Metrics != nil {
		r.Use(opts.Metrics.Middleware)
		r.Handle("/metrics", opts.Metrics.Handler()).Methods("GET")
	}
	if opts.Limiter != nil {
		r.Use(opts.Limiter.Middleware(ratelimit.IPKeyFunc))
	}
	if opts.Auth != nil {
		r.Use(opts.Auth.Middleware)
	}

	h.RegisterRoutes(r)
	return r
}
