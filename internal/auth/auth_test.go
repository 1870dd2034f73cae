package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/3xpluto/civic-ratelimit/internal/policy"
)

func jwksServer(t *testing.T, kid string, pub *rsa.PublicKey, hits *int32) *httptest.Server {
	t.Helper()
	doc := map[string]any{
		"keys": []any{map[string]any{
			"kty": "RSA",
			"kid": kid,
			"use": "sig",
			"alg": "RS256",
			"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}},
	}
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits != nil {
			atomic.AddInt32(hits, 1)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(doc)
	}))
	t.Cleanup(s.Close)
	return s
}

func signRS256(t *testing.T, priv *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	s, err := tok.SignedString(priv)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestJWKSVerifier_ValidTokenWithNestedRole(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	s := jwksServer(t, "kid1", &priv.PublicKey, nil)

	v, err := NewJWKSVerifier(s.URL, JWKSOptions{
		HTTPTimeout: 2 * time.Second,
		CacheTTL:    5 * time.Minute,
		Leeway:      30 * time.Second,
		Issuers:     []string{"https://clerk.example"},
		Audiences:   []string{"civic"},
		Roles:       RoleMapper{Claim: "metadata.role"},
	})
	if err != nil {
		t.Fatal(err)
	}

	tok := signRS256(t, priv, "kid1", jwt.MapClaims{
		"sub":      "user_123",
		"iss":      "https://clerk.example",
		"aud":      []string{"other", "civic"},
		"nbf":      time.Now().Add(-5 * time.Second).Unix(),
		"exp":      time.Now().Add(time.Hour).Unix(),
		"metadata": map[string]any{"role": "Supporter"},
	})

	p, err := v.Verify(context.Background(), tok)
	if err != nil {
		t.Fatalf("expected ok, got %v", err)
	}
	if p.Subject != "user_123" || p.Role != policy.RoleSupporter {
		t.Fatalf("unexpected principal %+v", p)
	}
	if st := v.Stats(); st.KeyCount != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestJWKSVerifier_Rejections(t *testing.T) {
	priv, _ := rsa.GenerateKey(rand.Reader, 2048)
	s := jwksServer(t, "kid1", &priv.PublicKey, nil)
	v, _ := NewJWKSVerifier(s.URL, JWKSOptions{
		Issuers:   []string{"issuer-1"},
		Audiences: []string{"civic"},
	})

	base := func() jwt.MapClaims {
		return jwt.MapClaims{
			"sub": "user_123",
			"iss": "issuer-1",
			"aud": "civic",
			"exp": time.Now().Add(time.Hour).Unix(),
		}
	}
	cases := map[string]func(jwt.MapClaims){
		"issuer mismatch":   func(c jwt.MapClaims) { c["iss"] = "other" },
		"audience mismatch": func(c jwt.MapClaims) { c["aud"] = "nope" },
		"expired":           func(c jwt.MapClaims) { c["exp"] = time.Now().Add(-time.Hour).Unix() },
		"missing exp":       func(c jwt.MapClaims) { delete(c, "exp") },
		"not yet valid":     func(c jwt.MapClaims) { c["nbf"] = time.Now().Add(time.Hour).Unix() },
		"missing sub":       func(c jwt.MapClaims) { delete(c, "sub") },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := base()
			mutate(c)
			if _, err := v.Verify(context.Background(), signRS256(t, priv, "kid1", c)); err == nil {
				t.Fatal("expected error")
			}
		})
	}

	t.Run("unknown kid", func(t *testing.T) {
		if _, err := v.Verify(context.Background(), signRS256(t, priv, "kid2", base())); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("expected ErrInvalidToken, got %v", err)
		}
	})
}

func TestKeySetCachesKeys(t *testing.T) {
	priv, _ := rsa.GenerateKey(rand.Reader, 2048)
	var hits int32
	s := jwksServer(t, "kid1", &priv.PublicKey, &hits)
	ks := NewKeySet(s.URL, time.Second, time.Minute)

	for i := 0; i < 5; i++ {
		if _, err := ks.Key(context.Background(), "kid1"); err != nil {
			t.Fatal(err)
		}
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Fatalf("expected a single fetch, got %d", got)
	}
}

func TestKeySetUnknownKidsDoNotHammerProvider(t *testing.T) {
	priv, _ := rsa.GenerateKey(rand.Reader, 2048)
	var hits int32
	s := jwksServer(t, "kid1", &priv.PublicKey, &hits)
	v, err := NewJWKSVerifier(s.URL, JWKSOptions{CacheTTL: time.Hour})
	if err != nil {
		t.Fatal(err)
	}

	claims := func() jwt.MapClaims {
		return jwt.MapClaims{"sub": "u1", "exp": time.Now().Add(time.Minute).Unix()}
	}
	if _, err := v.Verify(context.Background(), signRS256(t, priv, "kid1", claims())); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 100; i++ {
		tok := signRS256(t, priv, "bogus-"+strconv.Itoa(i), claims())
		if _, err := v.Verify(context.Background(), tok); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("bogus kid %d: expected ErrInvalidToken, got %v", i, err)
		}
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Fatalf("expected a single fetch, got %d", got)
	}
}

func TestKeySetForcedRefreshAfterInterval(t *testing.T) {
	priv, _ := rsa.GenerateKey(rand.Reader, 2048)
	var hits int32
	s := jwksServer(t, "kid1", &priv.PublicKey, &hits)
	ks := NewKeySet(s.URL, time.Second, time.Hour)
	ks.minForced = 0

	if _, err := ks.Key(context.Background(), "kid1"); err != nil {
		t.Fatal(err)
	}
	// a rotated kid is still looked up once the interval has passed
	if _, err := ks.Key(context.Background(), "kid2"); err == nil {
		t.Fatal("expected unknown kid")
	}
	if got := atomic.LoadInt32(&hits); got != 2 {
		t.Fatalf("expected a refetch for the unknown kid, got %d fetches", got)
	}
}

func TestHMACVerifier(t *testing.T) {
	secret := []byte("dev-secret")
	v := HMACVerifier{Secret: secret, Roles: RoleMapper{Claim: "role", DefaultRole: policy.RoleUser}}

	sign := func(claims jwt.MapClaims, key []byte) string {
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
		if err != nil {
			t.Fatal(err)
		}
		return s
	}
	exp := time.Now().Add(time.Hour).Unix()

	p, err := v.Verify(context.Background(), sign(jwt.MapClaims{"sub": "u1", "role": "admin", "exp": exp}, secret))
	if err != nil || p.Role != policy.RoleAdmin || p.Subject != "u1" {
		t.Fatalf("got %+v %v", p, err)
	}

	p, err = v.Verify(context.Background(), sign(jwt.MapClaims{"sub": "u2", "exp": exp}, secret))
	if err != nil || p.Role != policy.RoleUser {
		t.Fatalf("missing role claim should default to user, got %+v %v", p, err)
	}

	if _, err := v.Verify(context.Background(), sign(jwt.MapClaims{"sub": "u3", "exp": exp}, []byte("wrong"))); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if _, err := v.Verify(context.Background(), sign(jwt.MapClaims{"sub": "u4"}, secret)); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("token without exp must be rejected, got %v", err)
	}
}

func TestRoleMapperPassesUnknownTagsThrough(t *testing.T) {
	m := RoleMapper{Claim: "public_metadata.tier"}
	got := m.Role(jwt.MapClaims{"public_metadata": map[string]any{"tier": "Guest"}})
	if got != policy.Role("Guest") {
		t.Fatalf("got %q", got)
	}
	if got := m.Role(jwt.MapClaims{"public_metadata": "flat"}); got != policy.RoleUser {
		t.Fatalf("non-object path should fall back to default, got %q", got)
	}
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, err := BearerToken(r); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("got %v", err)
	}
	r.Header.Set("Authorization", "Bearer abc.def.ghi")
	if tok, err := BearerToken(r); err != nil || tok != "abc.def.ghi" {
		t.Fatalf("got %q %v", tok, err)
	}
}
