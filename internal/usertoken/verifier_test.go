package usertoken

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
	"sync"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

func TestNewVerifierRequiresJWKSURL(t *testing.T) {
	if _, err := NewVerifier(Config{}); err == nil {
		t.Fatalf("expected missing jwks url to fail")
	}
}

func TestVerifyReturnsClaimsAndRefreshesOnUnknownKid(t *testing.T) {
	key1 := generateKey(t)
	key2 := generateKey(t)

	var mu sync.Mutex
	active := "kid-1"
	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		kid := active
		mu.Unlock()
		pub := key1.PublicKey
		if kid == "kid-2" {
			pub = key2.PublicKey
		}
		w.Header().Set("Cache-Control", "public, max-age=60")
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]string{toJWK(kid, pub)}})
	}))
	defer jwksServer.Close()

	v, err := NewVerifier(Config{JWKSURL: jwksServer.URL, Issuer: "issuer-a", Audience: "aud-a"})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	ctx := context.Background()

	claims, err := v.Verify(ctx, signToken(t, key1, "kid-1", "user-a", time.Now()))
	if err != nil {
		t.Fatalf("verify token1: %v", err)
	}
	if claims.Subject != "user-a" || claims.Email != "user-a@example.com" || claims.SessionID != "sid-user-a" || claims.ExpiresAt.IsZero() {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	mu.Lock()
	active = "kid-2"
	mu.Unlock()
	if sub, err := v.VerifySubject(ctx, signToken(t, key2, "kid-2", "user-b", time.Now())); err != nil || sub != "user-b" {
		t.Fatalf("verify token2 failed: sub=%s err=%v", sub, err)
	}
}

func TestVerifyRejectsFutureIssuedAt(t *testing.T) {
	key := generateKey(t)
	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]string{toJWK("kid-1", key.PublicKey)}})
	}))
	defer jwksServer.Close()

	v, err := NewVerifier(Config{JWKSURL: jwksServer.URL, Issuer: "issuer-a", Audience: "aud-a", Leeway: 5 * time.Second})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	token := signToken(t, key, "kid-1", "user-1", time.Now().Add(2*time.Minute))
	if _, err := v.Verify(context.Background(), token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected future iat token to fail, got %v", err)
	}
}

func TestVerifyFailsWhenJWKSUnavailable(t *testing.T) {
	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer jwksServer.Close()

	v, err := NewVerifier(Config{JWKSURL: jwksServer.URL})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	if _, err := v.Verify(context.Background(), "not-a-token"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestParseCacheMaxAge(t *testing.T) {
	cases := map[string]time.Duration{
		"":                     0,
		"no-store":             0,
		"public, max-age=30":   30 * time.Second,
		"MAX-AGE=5, immutable": 5 * time.Second,
		"max-age=abc":          0,
	}
	for in, want := range cases {
		if got := parseCacheMaxAge(in); got != want {
			t.Fatalf("parseCacheMaxAge(%q) = %v, want %v", in, got, want)
		}
	}
}

func generateKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func signToken(t *testing.T, key *rsa.PrivateKey, kid, subject string, issuedAt time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, tokenClaims{
		Email:     subject + "@example.com",
		SessionID: "sid-" + subject,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    "issuer-a",
			Audience:  jwt.ClaimStrings{"aud-a"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(time.Now().Add(-time.Second)),
			ID:        "jti-" + subject,
		},
	})
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func toJWK(kid string, key rsa.PublicKey) map[string]string {
	return map[string]string{
		"kty": "RSA",
		"kid": kid,
		"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
	}
}
