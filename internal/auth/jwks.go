package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type JWKSOptions struct {
	HTTPTimeout time.Duration
	CacheTTL    time.Duration
	Leeway      time.Duration

	// If set, the token's iss must be one of these.
	Issuers []string
	// If set, one of the token's aud values must be one of these.
	Audiences []string

	ValidAlgs []string // default ["RS256"]
	Roles     RoleMapper
}

// JWKSVerifier verifies RS256 session tokens from the identity provider
// against its published key set.
type JWKSVerifier struct {
	keys      *KeySet
	leeway    time.Duration
	validAlgs []string
	issuers   map[string]struct{}
	audiences map[string]struct{}
	roles     RoleMapper
}

func NewJWKSVerifier(url string, opts JWKSOptions) (*JWKSVerifier, error) {
	if url == "" {
		return nil, errors.New("jwks url required")
	}
	algs := opts.ValidAlgs
	if len(algs) == 0 {
		algs = []string{"RS256"}
	}
	return &JWKSVerifier{
		keys:      NewKeySet(url, opts.HTTPTimeout, opts.CacheTTL),
		leeway:    max(opts.Leeway, 0),
		validAlgs: algs,
		issuers:   toSet(opts.Issuers),
		audiences: toSet(opts.Audiences),
		roles:     opts.Roles,
	}, nil
}

func toSet(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, s := range items {
		if s != "" {
			out[s] = struct{}{}
		}
	}
	return out
}

func (v *JWKSVerifier) Verify(ctx context.Context, tokStr string) (Principal, error) {
	if tokStr == "" {
		return Principal{}, ErrMissingToken
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods(v.validAlgs),
		jwt.WithoutClaimsValidation(), // checked below with leeway and multi-aud
	)
	tok, err := parser.ParseWithClaims(tokStr, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("missing kid")
		}
		return v.keys.Key(ctx, kid)
	})
	if err != nil || tok == nil || !tok.Valid {
		return Principal{}, ErrInvalidToken
	}
	if err := v.checkClaims(claims, time.Now()); err != nil {
		return Principal{}, err
	}
	return v.roles.principal(claims)
}

func (v *JWKSVerifier) checkClaims(claims jwt.MapClaims, now time.Time) error {
	if len(v.issuers) > 0 {
		iss, _ := claims["iss"].(string)
		if _, ok := v.issuers[iss]; !ok {
			return errors.New("invalid issuer")
		}
	}

	if len(v.audiences) > 0 {
		auds, _ := claims.GetAudience()
		ok := false
		for _, a := range auds {
			if _, hit := v.audiences[a]; hit {
				ok = true
				break
			}
		}
		if !ok {
			return errors.New("invalid audience")
		}
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return errors.New("missing exp")
	}
	if now.After(exp.Add(v.leeway)) {
		return errors.New("token expired")
	}
	if nbf, err := claims.GetNotBefore(); err == nil && nbf != nil {
		if now.Before(nbf.Add(-v.leeway)) {
			return errors.New("token not active")
		}
	}
	return nil
}

func (v *JWKSVerifier) Stats() KeySetStats { return v.keys.Stats() }

// MinForcedRefresh spaces out refetches triggered by unknown kids, so
// tokens with made-up kids cannot turn into one provider fetch each.
const MinForcedRefresh = 30 * time.Second

// KeySet caches RSA public keys by kid and refetches on expiry or an
// unknown kid.
type KeySet struct {
	url       string
	client    *http.Client
	ttl       time.Duration
	minForced time.Duration

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time

	refreshMu  sync.Mutex
	lastForced time.Time
}

type KeySetStats struct {
	URL       string    `json:"url"`
	KeyCount  int       `json:"key_count"`
	FetchedAt time.Time `json:"fetched_at"`
}

func NewKeySet(url string, timeout, ttl time.Duration) *KeySet {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &KeySet{
		url:       url,
		client:    &http.Client{Timeout: timeout},
		ttl:       ttl,
		minForced: MinForcedRefresh,
		keys:      make(map[string]*rsa.PublicKey),
	}
}

func (k *KeySet) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	k.mu.RLock()
	key := k.keys[kid]
	fresh := time.Since(k.fetchedAt) < k.ttl
	k.mu.RUnlock()
	if key != nil && fresh {
		return key, nil
	}

	if err := k.refresh(ctx, key == nil); err != nil {
		// a stale key beats no key while the provider is unreachable
		if key != nil {
			return key, nil
		}
		return nil, err
	}

	k.mu.RLock()
	key = k.keys[kid]
	k.mu.RUnlock()
	if key == nil {
		return nil, fmt.Errorf("unknown kid %q", kid)
	}
	return key, nil
}

func (k *KeySet) refresh(ctx context.Context, force bool) error {
	k.refreshMu.Lock()
	defer k.refreshMu.Unlock()

	// another goroutine may have refreshed while we waited
	k.mu.RLock()
	fresh := time.Since(k.fetchedAt) < k.ttl
	k.mu.RUnlock()
	if fresh && (!force || time.Since(k.lastForced) < k.minForced) {
		return nil
	}
	if force {
		k.lastForced = time.Now()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.url, nil)
	if err != nil {
		return err
	}
	resp, err := k.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("jwks http %d", resp.StatusCode)
	}

	var doc struct {
		Keys []jwk `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return err
	}

	next := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, j := range doc.Keys {
		if j.Kid == "" || j.Kty != "RSA" {
			continue
		}
		pub, err := j.rsaPublicKey()
		if err != nil {
			continue
		}
		next[j.Kid] = pub
	}
	if len(next) == 0 {
		return errors.New("jwks: no usable rsa keys")
	}

	k.mu.Lock()
	k.keys = next
	k.fetchedAt = time.Now()
	k.mu.Unlock()
	return nil
}

func (k *KeySet) Stats() KeySetStats {
	if k == nil {
		return KeySetStats{}
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	return KeySetStats{URL: k.url, KeyCount: len(k.keys), FetchedAt: k.fetchedAt}
}

type jwk struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func (j jwk) rsaPublicKey() (*rsa.PublicKey, error) {
	if j.N == "" || j.E == "" {
		return nil, errors.New("missing n/e")
	}
	nb, err := base64.RawURLEncoding.DecodeString(j.N)
	if err != nil {
		return nil, err
	}
	eb, err := base64.RawURLEncoding.DecodeString(j.E)
	if err != nil {
		return nil, err
	}
	n := new(big.Int).SetBytes(nb)
	e := new(big.Int).SetBytes(eb)
	if n.Sign() <= 0 || e.Sign() <= 0 {
		return nil, errors.New("bad rsa params")
	}
	if !e.IsInt64() {
		return nil, errors.New("rsa exponent too large")
	}
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}
