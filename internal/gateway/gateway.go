// Package gateway assembles the HTTP surface: caller-site proxies with the
// rate limit chain, the check API, health, metrics and admin endpoints.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"runtime/debug"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/3xpluto/civic-ratelimit/internal/api"
	"github.com/3xpluto/civic-ratelimit/internal/auth"
	"github.com/3xpluto/civic-ratelimit/internal/config"
	"github.com/3xpluto/civic-ratelimit/internal/httpx"
	"github.com/3xpluto/civic-ratelimit/internal/mw"
	"github.com/3xpluto/civic-ratelimit/internal/netx"
	"github.com/3xpluto/civic-ratelimit/internal/policy"
	"github.com/3xpluto/civic-ratelimit/internal/proxy"
	"github.com/3xpluto/civic-ratelimit/internal/ratelimit"
	"github.com/3xpluto/civic-ratelimit/internal/telemetry"
	"github.com/3xpluto/civic-ratelimit/internal/throttle"
)

// Deps is everything the gateway needs from main. Breaker, Flood, Ready and
// Transport are optional.
type Deps struct {
	Config    *config.Config
	Log       *slog.Logger
	Service   *throttle.Service
	Verifier  auth.Verifier
	Breaker   *ratelimit.BreakerBackend
	Flood     *ratelimit.FloodGuard
	Registry  *prometheus.Registry
	Transport http.RoundTripper
	// Ready reports whether counter storage is reachable.
	Ready   func(context.Context) error
	Version string
}

type Gateway struct {
	d         Deps
	router    *proxy.Router
	sems      map[string]*mw.Semaphore
	handlers  map[string]http.Handler
	metrics   *mw.Metrics
	ipr       mw.IPResolver
	startedAt time.Time
	mux       *http.ServeMux
}

func New(d Deps) (*Gateway, error) {
	if d.Config == nil || d.Service == nil {
		return nil, errors.New("gateway: config and service are required")
	}
	if d.Log == nil {
		d.Log = slog.Default()
	}
	if d.Registry == nil {
		d.Registry = prometheus.NewRegistry()
	}
	if d.Transport == nil {
		d.Transport = proxy.NewTransport(proxy.DefaultTransportConfig())
	}

	trusted, err := netx.ParseCIDRSet(d.Config.Server.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("server.trusted_proxies: %w", err)
	}

	g := &Gateway{
		d:         d,
		sems:      map[string]*mw.Semaphore{},
		handlers:  map[string]http.Handler{},
		metrics:   mw.NewMetrics(d.Registry),
		ipr:       mw.IPResolver{Trusted: trusted},
		startedAt: time.Now(),
	}

	routes := make([]proxy.Route, 0, len(d.Config.Routes))
	for _, rc := range d.Config.Routes {
		u, err := url.Parse(rc.Upstream)
		if err != nil {
			return nil, fmt.Errorf("route %s: invalid upstream: %w", rc.Name, err)
		}
		var endpoint policy.Endpoint
		if rc.Endpoint != "" {
			e, ok := policy.ParseEndpoint(rc.Endpoint)
			if !ok {
				return nil, fmt.Errorf("route %s: unknown endpoint %q", rc.Name, rc.Endpoint)
			}
			endpoint = e
		}
		routes = append(routes, proxy.Route{
			Name:         rc.Name,
			PathPrefix:   rc.Match.PathPrefix,
			Upstream:     u,
			StripPrefix:  rc.StripPrefix,
			AuthRequired: rc.AuthRequired,
			Endpoint:     endpoint,
			MaxInFlight:  rc.Concurrency.MaxInFlight,
			Proxy:        proxy.BuildProxy(u, d.Transport),
		})
	}
	if g.router, err = proxy.New(routes); err != nil {
		return nil, err
	}
	for _, rt := range g.router.Routes() {
		g.sems[rt.Name] = mw.NewSemaphore(rt.MaxInFlight)
		g.handlers[rt.Name] = g.routeChain(&rt)
	}

	g.mux = g.buildMux()
	return g, nil
}

func (g *Gateway) Handler() http.Handler { return g.mux }

// routeChain wraps a caller site, outermost first: request id, route label,
// tracing, metrics, access log, panic recovery, flood guard, body cap,
// identity, auth requirement, policy check, concurrency cap, proxy.
func (g *Gateway) routeChain(rt *proxy.Route) http.Handler {
	h := rt.Handler()
	h = mw.ConcurrencyLimit(g.sems[rt.Name], h)
	if rt.Limited() {
		h = mw.RateLimit(g.d.Service, rt.Endpoint, g.ipr, g.d.Log, h)
	}
	// 401 before counting, so anonymous probes of member-only sites do not
	// burn the unauthenticated budget
	if rt.AuthRequired {
		h = mw.RequireAuth(h)
	}
	h = mw.Identify(g.d.Verifier, g.d.Log, h)
	h = mw.MaxBodyBytes(g.d.Config.Server.MaxBodyBytes, h)
	h = mw.FloodGuard(g.d.Flood, g.ipr, h)
	return g.common(rt.Name, h)
}

func (g *Gateway) common(route string, h http.Handler) http.Handler {
	h = mw.Recover(g.d.Log, h)
	h = mw.AccessLog(g.d.Log, g.ipr, h)
	h = mw.Instrument(g.metrics, h)
	h = telemetry.Middleware(route, h)
	h = mw.WithRoute(h, route)
	h = mw.RequestID(h)
	return h
}

func (g *Gateway) buildMux() *http.ServeMux {
	m := http.NewServeMux()
	m.Handle("/metrics", promhttp.HandlerFor(g.d.Registry, promhttp.HandlerOpts{}))
	m.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	m.HandleFunc("/readyz", g.ready)

	admin := func(route string, h http.HandlerFunc) http.Handler {
		return g.common(route, mw.RequireAdminKey(g.d.Config.Server.AdminKey, h))
	}
	m.Handle("/-/status", admin("admin_status", g.status))
	m.Handle("/-/routes", admin("admin_routes", g.routes))
	m.Handle("/-/limits", admin("admin_limits", g.limits))
	m.Handle("/-/auth", admin("admin_auth", g.authStats))

	r := mux.NewRouter()
	api.NewServer(g.d.Service, g.d.Service.Table(), g.d.Log).RegisterRoutes(r)
	m.Handle("/v1/", g.common("check_api", mw.RequireAdminKey(g.d.Config.Server.AdminKey, r)))

	m.Handle("/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rt := g.router.Match(r.URL.Path)
		if rt == nil {
			httpx.WriteJSON(w, http.StatusNotFound, map[string]any{"error": "not_found"})
			return
		}
		g.handlers[rt.Name].ServeHTTP(w, r)
	}))
	return m
}

func (g *Gateway) ready(w http.ResponseWriter, r *http.Request) {
	if g.d.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := g.d.Ready(ctx); err != nil {
			httpx.WriteJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "degraded",
				"error":  err.Error(),
			})
			return
		}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (g *Gateway) status(w http.ResponseWriter, _ *http.Request) {
	goVer := ""
	if info, ok := debug.ReadBuildInfo(); ok {
		goVer = info.GoVersion
	}
	cfg := g.d.Config
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"time_utc":          time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds":    int(time.Since(g.startedAt).Seconds()),
		"version":           g.d.Version,
		"listen_addr":       cfg.Server.Addr,
		"go_version":        goVer,
		"auth_mode":         cfg.Auth.Mode,
		"rate_backend":      cfg.RateLimit.Backend,
		"fail_mode":         g.d.Service.FailMode(),
		"check_timeout_ms":  g.d.Service.Timeout().Milliseconds(),
		"routes_configured": len(cfg.Routes),
	})
}

type routeView struct {
	Name         string `json:"name"`
	PathPrefix   string `json:"path_prefix"`
	Upstream     string `json:"upstream"`
	StripPrefix  string `json:"strip_prefix,omitempty"`
	AuthRequired bool   `json:"auth_required"`
	Endpoint     string `json:"endpoint,omitempty"`
	MaxInFlight  int    `json:"max_in_flight,omitempty"`
}

func (g *Gateway) routes(w http.ResponseWriter, _ *http.Request) {
	rts := g.router.Routes()
	out := make([]routeView, 0, len(rts))
	for _, rt := range rts {
		out = append(out, routeView{
			Name:         rt.Name,
			PathPrefix:   rt.PathPrefix,
			Upstream:     rt.Upstream.String(),
			StripPrefix:  rt.StripPrefix,
			AuthRequired: rt.AuthRequired,
			Endpoint:     rt.Endpoint.String(),
			MaxInFlight:  rt.MaxInFlight,
		})
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

func (g *Gateway) limits(w http.ResponseWriter, _ *http.Request) {
	inFlight := make([]map[string]any, 0, len(g.sems))
	for _, rt := range g.router.Routes() {
		if sem := g.sems[rt.Name]; sem.Enabled() {
			inFlight = append(inFlight, map[string]any{
				"route":         rt.Name,
				"max_in_flight": sem.Cap(),
				"in_flight":     sem.InUse(),
			})
		}
	}
	out := map[string]any{
		"limiters":    g.d.Service.Cache().Keys(),
		"concurrency": inFlight,
	}
	if g.d.Breaker != nil {
		out["store_breaker"] = g.d.Breaker.Stats()
	}
	if g.d.Flood != nil {
		out["flood_guard_clients"] = g.d.Flood.Len()
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

func (g *Gateway) authStats(w http.ResponseWriter, _ *http.Request) {
	out := map[string]any{"mode": g.d.Config.Auth.Mode}
	if v, ok := g.d.Verifier.(*auth.JWKSVerifier); ok {
		out["jwks"] = v.Stats()
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}
