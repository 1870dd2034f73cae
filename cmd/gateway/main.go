package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/3xpluto/civic-ratelimit/internal/auth"
	"github.com/3xpluto/civic-ratelimit/internal/config"
	"github.com/3xpluto/civic-ratelimit/internal/gateway"
	"github.com/3xpluto/civic-ratelimit/internal/logging"
	"github.com/3xpluto/civic-ratelimit/internal/policy"
	"github.com/3xpluto/civic-ratelimit/internal/ratelimit"
	"github.com/3xpluto/civic-ratelimit/internal/telemetry"
	"github.com/3xpluto/civic-ratelimit/internal/throttle"
)

var version = "dev"

func main() {
	var configPath string
	var validateOnly bool
	flag.StringVar(&configPath, "config", "./config/config.example.yaml", "path to yaml config")
	flag.BoolVar(&validateOnly, "validate-config", false, "validate config and exit")
	flag.Parse()

	// a missing .env is normal outside local development
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		logging.New("info", "json").Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	log := logging.New(cfg.Log.Level, cfg.Log.Format)
	if validateOnly {
		log.Info("config ok")
		return
	}

	if err := run(cfg, log); err != nil {
		log.Error("gateway failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx := context.Background()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Tracing, version)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	// ---- Counter storage
	backend, ready, err := openBackend(ctx, cfg.RateLimit, log)
	if err != nil {
		return err
	}
	var breaker *ratelimit.BreakerBackend
	if cfg.RateLimit.Breaker.Enabled {
		breaker = ratelimit.NewBreakerBackend(backend, ratelimit.BreakerConfig{
			Enabled:          true,
			FailureThreshold: cfg.RateLimit.Breaker.FailureThreshold,
			OpenDuration:     time.Duration(cfg.RateLimit.Breaker.OpenSeconds) * time.Second,
		})
		backend = breaker
	}
	defer backend.Close()

	// ---- Policy + check service
	table, err := cfg.PolicyTable()
	if err != nil {
		return err
	}
	failMode, err := throttle.ParseFailMode(cfg.RateLimit.FailMode)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	svc := throttle.New(table, ratelimit.NewCache(backend, ratelimit.WithPrefix(cfg.RateLimit.Prefix)), throttle.Options{
		Timeout:  time.Duration(cfg.RateLimit.TimeoutMillis) * time.Millisecond,
		FailMode: failMode,
		Logger:   log,
		Metrics:  throttle.NewMetrics(reg),
		Tracer:   telemetry.Tracer(),
	})
	for _, e := range table.Entries() {
		log.Debug("policy", slog.String("endpoint", e.Endpoint.String()), slog.String("role", e.Role.String()), slog.String("limit", e.Policy.String()))
	}

	verifier, err := newVerifier(cfg.Auth)
	if err != nil {
		return err
	}

	var flood *ratelimit.FloodGuard
	if cfg.RateLimit.FloodGuard.Enabled {
		flood = ratelimit.NewFloodGuard(cfg.RateLimit.FloodGuard.RPS, cfg.RateLimit.FloodGuard.Burst, 5*time.Minute)
		defer flood.Close()
	}

	g, err := gateway.New(gateway.Deps{
		Config:   cfg,
		Log:      log,
		Service:  svc,
		Verifier: verifier,
		Breaker:  breaker,
		Flood:    flood,
		Registry: reg,
		Ready:    ready,
		Version:  version,
	})
	if err != nil {
		return err
	}

	// ---- Server
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           g.Handler(),
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadHeaderTimeoutSeconds) * time.Second,
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:       time.Duration(cfg.Server.IdleTimeoutSeconds) * time.Second,
		MaxHeaderBytes:    cfg.Server.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("gateway listening",
			slog.String("addr", cfg.Server.Addr),
			slog.String("backend", cfg.RateLimit.Backend),
			slog.String("fail_mode", string(failMode)),
			slog.String("version", version),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-stop:
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeoutSeconds)*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	log.Info("shutdown complete")
	return nil
}

// openBackend returns the counter store and a readiness probe for it. An
// unreachable Redis at startup is logged, not fatal: the fail mode and the
// breaker decide what checks do until it comes back.
func openBackend(ctx context.Context, rc config.RateLimitConfig, log *slog.Logger) (ratelimit.Backend, func(context.Context) error, error) {
	if strings.EqualFold(rc.Backend, "memory") {
		log.Warn("using in-process counters; limits are per instance")
		return ratelimit.NewMemoryBackend(time.Duration(rc.Memory.CleanupSeconds) * time.Second), nil, nil
	}

	rdb, err := newRedisClient(rc.Redis)
	if err != nil {
		return nil, nil, err
	}
	rb := ratelimit.NewRedisBackend(rdb)

	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rb.Ping(pctx); err != nil {
		log.Warn("redis unreachable at startup", slog.String("error", err.Error()))
	}
	return rb, rb.Ping, nil
}

// newRedisClient builds the counter store client. Context deadlines are
// honored on socket reads so rate_limit.timeout_ms, not the client's own
// 3s read timeout, bounds a check against a stalled server.
func newRedisClient(rc config.RedisConfig) (redis.UniversalClient, error) {
	if rc.URL != "" {
		opts, err := redis.ParseURL(rc.URL)
		if err != nil {
			return nil, err
		}
		opts.ContextTimeoutEnabled = true
		return redis.NewClient(opts), nil
	}
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:                 rc.Addrs,
		Password:              rc.Password,
		DB:                    rc.DB,
		ContextTimeoutEnabled: true,
	}), nil
}

func newVerifier(ac config.AuthConfig) (auth.Verifier, error) {
	def, _ := policy.ParseRole(ac.DefaultRole)
	roles := auth.RoleMapper{Claim: ac.RoleClaim, DefaultRole: def}

	switch strings.ToLower(ac.Mode) {
	case "jwks":
		return auth.NewJWKSVerifier(ac.JWKS.URL, auth.JWKSOptions{
			HTTPTimeout: time.Duration(ac.JWKS.HTTPTimeoutSeconds) * time.Second,
			CacheTTL:    time.Duration(ac.JWKS.CacheTTLSeconds) * time.Second,
			Leeway:      time.Duration(ac.JWKS.LeewaySeconds) * time.Second,
			Issuers:     ac.JWKS.Issuers,
			Audiences:   ac.JWKS.Audiences,
			ValidAlgs:   []string{"RS256"},
			Roles:       roles,
		})
	default:
		return auth.HMACVerifier{Secret: []byte(ac.HMACSecret), Roles: roles}, nil
	}
}
