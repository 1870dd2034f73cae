// Command jwksmock is a local identity provider: it publishes a JWKS and
// mints RS256 session tokens carrying a role claim, so the gateway can run
// with auth.mode=jwks.
package main

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/3xpluto/civic-ratelimit/internal/httpx"
	"github.com/3xpluto/civic-ratelimit/internal/policy"
)

type jwksDoc struct {
	Keys []jwkKey `json:"keys"`
}

type jwkKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type issuer struct {
	key       *rsa.PrivateKey
	kid       string
	iss       string
	aud       string
	roleClaim string
}

func main() {
	var addr, iss, aud, claim string
	flag.StringVar(&addr, "addr", ":9009", "listen address")
	flag.StringVar(&iss, "iss", "http://127.0.0.1:9009", "issuer claim")
	flag.StringVar(&aud, "aud", "civic", "audience claim")
	flag.StringVar(&claim, "role-claim", "metadata.role", "dotted claim path carrying the role")
	flag.Parse()

	log := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		log.Error("keygen failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	is := &issuer{key: key, kid: randomKid(), iss: iss, aud: aud, roleClaim: claim}

	log.Info("jwksmock listening",
		slog.String("addr", addr),
		slog.String("jwks_url", iss+"/.well-known/jwks.json"),
		slog.String("token_url", iss+"/token?sub=user_123&role=supporter"),
	)
	srv := &http.Server{Addr: addr, Handler: is.routes(), ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func (is *issuer) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/jwks.json", is.jwks)
	mux.HandleFunc("/token", is.token)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func (is *issuer) jwks(w http.ResponseWriter, _ *http.Request) {
	pub := is.key.PublicKey
	httpx.WriteJSON(w, http.StatusOK, jwksDoc{Keys: []jwkKey{{
		Kty: "RSA",
		Kid: is.kid,
		Use: "sig",
		Alg: "RS256",
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(intToBytes(pub.E)),
	}}})
}

func (is *issuer) token(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sub := q.Get("sub")
	if sub == "" {
		sub = "user_123"
	}
	role := q.Get("role")
	if role == "" {
		role = policy.RoleUser.String()
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"sub": sub,
		"iss": is.iss,
		"aud": is.aud,
		"iat": now.Unix(),
		"nbf": now.Add(-5 * time.Second).Unix(),
		"exp": now.Add(24 * time.Hour).Unix(),
	}
	setClaim(claims, is.roleClaim, role)

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = is.kid
	s, err := tok.SignedString(is.key)
	if err != nil {
		httpx.WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(s))
}

func setClaim(claims jwt.MapClaims, path, value string) {
	parts := strings.Split(path, ".")
	cur := map[string]any(claims)
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[p] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}

func intToBytes(v int) []byte {
	b := big.NewInt(int64(v)).Bytes()
	if len(b) == 0 {
		return []byte{0}
	}
	return b
}

func randomKid() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%x", b)
}
