// Command token mints HS256 session tokens for local testing against a
// gateway running with auth.mode=hmac.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	var secret, sub, role, claim string
	var ttl time.Duration
	flag.StringVar(&secret, "secret", envOr("CIVIC_HMAC_SECRET", "dev-secret"), "HS256 secret")
	flag.StringVar(&sub, "sub", "user_123", "subject claim")
	flag.StringVar(&role, "role", "user", "role tag (unauthenticated, user, supporter, admin); empty omits the claim")
	flag.StringVar(&claim, "claim", "role", "dotted claim path the role is written to, e.g. metadata.role")
	flag.DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	now := time.Now()
	claims := jwt.MapClaims{
		"sub": sub,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if role != "" {
		setPath(claims, claim, role)
	}

	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(s)
}

func setPath(claims jwt.MapClaims, path, value string) {
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

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
