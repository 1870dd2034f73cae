package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/3xpluto/civic-ratelimit/internal/policy"
)

const minimal = `
auth:
  hmac_secret: dev-secret
routes:
  - name: chat
    match:
      path_prefix: /api/chat
    upstream: http://127.0.0.1:9001
    endpoint: chatbot
`

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimal))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Fatalf("addr=%q", cfg.Server.Addr)
	}
	if cfg.RateLimit.Backend != "redis" || cfg.RateLimit.FailMode != "open" || cfg.RateLimit.TimeoutMillis != 3000 {
		t.Fatalf("unexpected rate limit defaults: %+v", cfg.RateLimit)
	}
	if cfg.RateLimit.Prefix != "civic:rl" {
		t.Fatalf("prefix=%q", cfg.RateLimit.Prefix)
	}
	if cfg.Auth.Mode != "hmac" || cfg.Auth.RoleClaim != "role" || cfg.Auth.DefaultRole != "user" {
		t.Fatalf("unexpected auth defaults: %+v", cfg.Auth)
	}
	if len(cfg.RateLimit.Redis.Addrs) != 1 || cfg.RateLimit.Redis.Addrs[0] != "127.0.0.1:6379" {
		t.Fatalf("redis addrs=%v", cfg.RateLimit.Redis.Addrs)
	}
}

func TestParseEnvOverrides(t *testing.T) {
	t.Setenv("CIVIC_REDIS_ADDR", "10.0.0.1:6379,10.0.0.2:6379")
	t.Setenv("CIVIC_REDIS_PASSWORD", "s3cret")
	t.Setenv("CIVIC_HMAC_SECRET", "from-env")
	t.Setenv("CIVIC_ADMIN_KEY", "admin-key")
	t.Setenv("CIVIC_FAIL_MODE", "closed")

	cfg, err := Parse([]byte(minimal))
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.RateLimit.Redis.Addrs) != 2 || cfg.RateLimit.Redis.Password != "s3cret" {
		t.Fatalf("redis env not applied: %+v", cfg.RateLimit.Redis)
	}
	if cfg.Auth.HMACSecret != "from-env" || cfg.Server.AdminKey != "admin-key" {
		t.Fatalf("secrets not applied: %+v %+v", cfg.Auth, cfg.Server)
	}
	if cfg.RateLimit.FailMode != "closed" {
		t.Fatalf("fail mode=%q", cfg.RateLimit.FailMode)
	}
}

func TestPolicyOverrides(t *testing.T) {
	src := minimal + `
rate_limit:
  backend: memory
  policies:
    chatbot:
      user: { quota: 40, window: "1 d" }
      admin: { disabled: true }
    general:
      supporter: { unlimited: true }
`
	cfg, err := Parse([]byte(src))
	if err != nil {
		t.Fatal(err)
	}
	tbl, err := cfg.PolicyTable()
	if err != nil {
		t.Fatal(err)
	}
	if p, _ := tbl.Lookup(policy.EndpointChatbot, policy.RoleUser); p.Quota != 40 || p.Window != 24*time.Hour {
		t.Fatalf("override not applied: %+v", p)
	}
	if _, ok := tbl.Lookup(policy.EndpointChatbot, policy.RoleAdmin); ok {
		t.Fatal("disabled entry should be removed")
	}
	if p, _ := tbl.Lookup(policy.EndpointGeneral, policy.RoleSupporter); !p.Unlimited {
		t.Fatalf("expected unlimited, got %+v", p)
	}
}

func TestValidateErrors(t *testing.T) {
	cases := map[string]string{
		"no routes": `
auth: { hmac_secret: x }
`,
		"bad endpoint": `
auth: { hmac_secret: x }
routes:
  - { name: a, match: { path_prefix: /a }, upstream: "http://u:1", endpoint: search }
`,
		"duplicate": `
auth: { hmac_secret: x }
routes:
  - { name: a, match: { path_prefix: /a }, upstream: "http://u:1" }
  - { name: a, match: { path_prefix: /b }, upstream: "http://u:1" }
`,
		"bad fail mode": minimal + `
rate_limit: { fail_mode: sometimes }
`,
		"bad backend": minimal + `
rate_limit: { backend: etcd }
`,
		"bad policy": minimal + `
rate_limit:
  policies:
    chatbot:
      guest: { quota: 1, window: "1 s" }
`,
		"missing secret": `
routes:
  - { name: a, match: { path_prefix: /a }, upstream: "http://u:1" }
`,
		"jwks without url": `
auth: { mode: jwks }
routes:
  - { name: a, match: { path_prefix: /a }, upstream: "http://u:1" }
`,
		"bad default role": `
auth: { hmac_secret: x, default_role: guest }
routes:
  - { name: a, match: { path_prefix: /a }, upstream: "http://u:1" }
`,
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(src)); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLoadExampleConfig(t *testing.T) {
	t.Setenv("CIVIC_HMAC_SECRET", "dev-secret")
	path := filepath.Join("..", "..", "config", "config.example.yaml")
	if _, err := os.Stat(path); err != nil {
		t.Skipf("example config not found: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	endpoints := map[string]bool{}
	for _, r := range cfg.Routes {
		endpoints[strings.ToLower(r.Endpoint)] = true
	}
	for _, e := range policy.Endpoints {
		if !endpoints[e.String()] {
			t.Fatalf("example config has no route for endpoint %s", e)
		}
	}
}
