// Package throttle answers "may this caller perform this action now?" by
// combining the policy table with cached sliding-window limiters.
package throttle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/3xpluto/civic-ratelimit/internal/policy"
	"github.com/3xpluto/civic-ratelimit/internal/ratelimit"
)

var (
	ErrUnknownEndpoint  = errors.New("throttle: unknown endpoint")
	ErrEmptyIdentifier  = errors.New("throttle: empty identifier")
	ErrStoreUnavailable = errors.New("throttle: rate limit store unavailable")
)

// FailMode decides what a check returns when counter storage fails.
type FailMode string

const (
	FailOpen   FailMode = "open"
	FailClosed FailMode = "closed"
)

func ParseFailMode(s string) (FailMode, error) {
	switch FailMode(strings.ToLower(strings.TrimSpace(s))) {
	case FailOpen, "":
		return FailOpen, nil
	case FailClosed:
		return FailClosed, nil
	}
	return "", fmt.Errorf("unknown fail mode %q", s)
}

const DefaultTimeout = 3 * time.Second

// Result is the verdict of one check. Limit, Remaining and Reset are only
// meaningful when Counted is true.
type Result struct {
	Success   bool
	Unlimited bool
	Counted   bool
	Limit     int64
	Remaining int64
	Reset     time.Time
	// Degraded marks a success granted because storage failed open.
	Degraded bool
	Error    string
}

type Options struct {
	Timeout  time.Duration
	FailMode FailMode
	Logger   *slog.Logger
	Metrics  *Metrics
	Tracer   trace.Tracer
}

type Service struct {
	table   *policy.Table
	cache   *ratelimit.Cache
	timeout time.Duration
	mode    FailMode
	log     *slog.Logger
	metrics *Metrics
	tracer  trace.Tracer
}

func New(table *policy.Table, cache *ratelimit.Cache, opts Options) *Service {
	s := &Service{
		table:   table,
		cache:   cache,
		timeout: opts.Timeout,
		mode:    opts.FailMode,
		log:     opts.Logger,
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
	}
	if s.timeout <= 0 {
		s.timeout = DefaultTimeout
	}
	if s.mode == "" {
		s.mode = FailOpen
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer("github.com/3xpluto/civic-ratelimit/internal/throttle")
	}
	return s
}

func (s *Service) Table() *policy.Table { return s.table }
func (s *Service) Cache() *ratelimit.Cache { return s.cache }
func (s *Service) FailMode() FailMode { return s.mode }
func (s *Service) Timeout() time.Duration { return s.timeout }

// Check evaluates one request for identifier against the (endpoint, role)
// policy. Quota exhaustion and unrecognized roles are reported in the
// Result with a nil error. An error is returned for invalid arguments, and
// for storage failures when the service fails closed.
func (s *Service) Check(ctx context.Context, endpoint policy.Endpoint, role policy.Role, identifier string) (Result, error) {
	if !endpoint.Valid() {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownEndpoint, endpoint)
	}
	if strings.TrimSpace(identifier) == "" {
		return Result{}, ErrEmptyIdentifier
	}

	ctx, span := s.tracer.Start(ctx, "ratelimit.check", trace.WithAttributes(
		attribute.String("ratelimit.endpoint", endpoint.String()),
		attribute.String("ratelimit.role", role.String()),
	))
	defer span.End()

	start := time.Now()
	res, outcome, err := s.check(ctx, endpoint, role, identifier)
	s.metrics.observe(endpoint, role, outcome, time.Since(start))

	span.SetAttributes(
		attribute.String("ratelimit.outcome", outcome),
		attribute.Bool("ratelimit.success", res.Success),
	)
	if res.Counted {
		span.SetAttributes(attribute.Int64("ratelimit.remaining", res.Remaining))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (s *Service) check(ctx context.Context, endpoint policy.Endpoint, role policy.Role, identifier string) (Result, string, error) {
	p, ok := s.table.Lookup(endpoint, role)
	if !ok {
		return Result{Error: "Access denied for role: " + role.String()}, outcomeDenied, nil
	}
	if p.Unlimited {
		return Result{Success: true, Unlimited: true}, outcomeUnlimited, nil
	}

	lim := s.cache.GetOrCreate(p.Quota, p.Window)

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	dec, err := lim.Allow(cctx, endpoint.String()+":"+identifier)
	if err != nil {
		return s.storeFailed(endpoint, role, err)
	}

	res := Result{
		Success:   dec.Allowed,
		Counted:   true,
		Limit:     dec.Limit,
		Remaining: dec.Remaining,
		Reset:     dec.Reset,
	}
	if !dec.Allowed {
		return res, outcomeLimited, nil
	}
	return res, outcomeAllowed, nil
}

func (s *Service) storeFailed(endpoint policy.Endpoint, role policy.Role, err error) (Result, string, error) {
	s.log.Warn("rate limit store failed",
		slog.String("endpoint", endpoint.String()),
		slog.String("role", role.String()),
		slog.String("fail_mode", string(s.mode)),
		slog.String("error", err.Error()),
	)
	if s.mode == FailClosed {
		return Result{Error: "rate limiter unavailable"}, outcomeStoreError, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return Result{Success: true, Degraded: true}, outcomeStoreError, nil
}
