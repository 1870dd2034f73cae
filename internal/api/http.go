// Package api exposes the rate limit check to other services of the civic
// app that cannot sit behind the gateway.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/3xpluto/civic-ratelimit/internal/httpx"
	"github.com/3xpluto/civic-ratelimit/internal/mw"
	"github.com/3xpluto/civic-ratelimit/internal/policy"
	"github.com/3xpluto/civic-ratelimit/internal/throttle"
)

type CheckRequest struct {
	Endpoint   string `json:"endpoint"`
	Role       string `json:"role"`
	Identifier string `json:"identifier"`
}

// CheckResponse carries limit, remaining and reset only when a counter was
// consulted. Reset is in epoch milliseconds.
type CheckResponse struct {
	Success   bool   `json:"success"`
	Limit     *int64 `json:"limit,omitempty"`
	Remaining *int64 `json:"remaining,omitempty"`
	Reset     *int64 `json:"reset,omitempty"`
	Error     string `json:"error,omitempty"`
	Degraded  bool   `json:"degraded,omitempty"`
}

type PolicyView struct {
	Endpoint  string `json:"endpoint"`
	Role      string `json:"role"`
	Unlimited bool   `json:"unlimited"`
	Quota     int64  `json:"quota,omitempty"`
	Window    string `json:"window,omitempty"`
	WindowMs  int64  `json:"window_ms,omitempty"`
}

type Server struct {
	checker mw.Checker
	table   *policy.Table
	log     *slog.Logger
}

func NewServer(checker mw.Checker, table *policy.Table, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{checker: checker, table: table, log: log}
}

func (s *Server) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/v1/ratelimit/check", s.checkHandler).Methods(http.MethodPost)
	r.HandleFunc("/v1/policies", s.listPoliciesHandler).Methods(http.MethodGet)
	r.HandleFunc("/v1/policies/{endpoint}", s.endpointPoliciesHandler).Methods(http.MethodGet)
}

// Handler returns a standalone router, mostly for tests.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.RegisterRoutes(r)
	return r
}

func (s *Server) checkHandler(w http.ResponseWriter, r *http.Request) {
	var req CheckRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		errResp(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	endpoint, ok := policy.ParseEndpoint(req.Endpoint)
	if !ok {
		errResp(w, http.StatusBadRequest, "unknown endpoint: "+strconv.Quote(req.Endpoint))
		return
	}
	role, _ := policy.ParseRole(req.Role)

	res, err := s.checker.Check(r.Context(), endpoint, role, req.Identifier)
	if err != nil {
		if errors.Is(err, throttle.ErrEmptyIdentifier) {
			errResp(w, http.StatusBadRequest, "identifier is required")
			return
		}
		if errors.Is(err, throttle.ErrStoreUnavailable) {
			httpx.WriteJSON(w, http.StatusServiceUnavailable, CheckResponse{Error: res.Error})
			return
		}
		s.log.Error("check failed",
			slog.String("rid", mw.RID(r.Context())),
			slog.String("endpoint", endpoint.String()),
			slog.String("error", err.Error()),
		)
		errResp(w, http.StatusInternalServerError, "check failed")
		return
	}

	out := toResponse(res)
	code := http.StatusOK
	switch {
	case res.Success:
	case !res.Counted:
		code = http.StatusForbidden
	default:
		code = http.StatusTooManyRequests
		w.Header().Set("Retry-After", strconv.Itoa(mw.RetryAfterSeconds(res.Reset, time.Now())))
	}
	if res.Counted {
		mw.SetLimitHeaders(w.Header(), res)
	}
	httpx.WriteJSON(w, code, out)
}

func toResponse(res throttle.Result) CheckResponse {
	out := CheckResponse{Success: res.Success, Error: res.Error, Degraded: res.Degraded}
	if res.Counted {
		limit, remaining, reset := res.Limit, max(res.Remaining, 0), res.Reset.UnixMilli()
		out.Limit, out.Remaining, out.Reset = &limit, &remaining, &reset
	}
	return out
}

func (s *Server) listPoliciesHandler(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, views(s.table.Entries()))
}

func (s *Server) endpointPoliciesHandler(w http.ResponseWriter, r *http.Request) {
	raw := mux.Vars(r)["endpoint"]
	endpoint, ok := policy.ParseEndpoint(raw)
	if !ok {
		errResp(w, http.StatusNotFound, "unknown endpoint: "+strconv.Quote(raw))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, views(s.table.ForEndpoint(endpoint)))
}

func views(entries []policy.Entry) []PolicyView {
	out := make([]PolicyView, 0, len(entries))
	for _, e := range entries {
		v := PolicyView{Endpoint: e.Endpoint.String(), Role: e.Role.String(), Unlimited: e.Policy.Unlimited}
		if !e.Policy.Unlimited {
			v.Quota = e.Policy.Quota
			v.Window = policy.FormatWindow(e.Policy.Window)
			v.WindowMs = e.Policy.Window.Milliseconds()
		}
		out = append(out, v)
	}
	return out
}

func errResp(w http.ResponseWriter, code int, msg string) {
	httpx.WriteJSON(w, code, map[string]string{"error": msg})
}
