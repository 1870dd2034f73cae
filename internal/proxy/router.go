package proxy

import (
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sort"
	"strings"

	"github.com/3xpluto/civic-ratelimit/internal/httpx"
	"github.com/3xpluto/civic-ratelimit/internal/policy"
)

// Route is one caller site of the civic app.
type Route struct {
	Name         string
	PathPrefix   string
	Upstream     *url.URL
	StripPrefix  string
	AuthRequired bool
	// Endpoint is the rate limit tag. Empty means the route is not limited.
	Endpoint    policy.Endpoint
	MaxInFlight int
	Proxy       *httputil.ReverseProxy
}

func (rt *Route) Limited() bool { return rt.Endpoint != "" }

type Router struct {
	routes []Route
}

var ErrNoRoutes = errors.New("no routes")

// New orders routes so the longest prefix matches first.
func New(routes []Route) (*Router, error) {
	if len(routes) == 0 {
		return nil, ErrNoRoutes
	}
	sorted := append([]Route(nil), routes...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].PathPrefix) > len(sorted[j].PathPrefix)
	})
	return &Router{routes: sorted}, nil
}

func (r *Router) Match(path string) *Route {
	for i := range r.routes {
		if strings.HasPrefix(path, r.routes[i].PathPrefix) {
			return &r.routes[i]
		}
	}
	return nil
}

// Routes returns the table in match order.
func (r *Router) Routes() []Route { return append([]Route(nil), r.routes...) }

// Handler strips the route prefix and forwards to the upstream.
func (rt *Route) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rt.StripPrefix != "" {
			r2 := r.Clone(r.Context())
			r2.URL.Path = StripPath(r.URL.Path, rt.StripPrefix)
			r2.URL.RawPath = ""
			r = r2
		}
		rt.Proxy.ServeHTTP(w, r)
	})
}

func BuildProxy(up *url.URL, transport http.RoundTripper) *httputil.ReverseProxy {
	p := httputil.NewSingleHostReverseProxy(up)
	p.Transport = transport
	// flush streamed chat and tts chunks immediately
	p.FlushInterval = -1

	orig := p.Director
	p.Director = func(req *http.Request) {
		orig(req)
		req.Host = up.Host
	}

	p.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		code := http.StatusBadGateway
		msg := "bad_gateway"
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			code = http.StatusRequestEntityTooLarge
			msg = "request_too_large"
		}
		httpx.WriteJSON(w, code, map[string]any{"error": msg})
	}

	return p
}

func StripPath(path string, strip string) string {
	if strip == "" {
		return path
	}
	if strings.HasPrefix(path, strip) {
		p := strings.TrimPrefix(path, strip)
		if p == "" || p[0] != '/' {
			p = "/" + p
		}
		return p
	}
	return path
}
