package servicetoken

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

func TestSignAndVerify(t *testing.T) {
	signer, verifier, _ := newPair(t, "salesdesk-provision")
	token, err := signer.Sign(AdminAudience, "ops@example.com")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	claims, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Issuer != "salesdesk-provision" || claims.Subject != "ops@example.com" || claims.ID == "" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestVerifyRejectsWrongAudienceAndIssuer(t *testing.T) {
	signer, verifier, _ := newPair(t, "salesdesk-provision")
	token, _ := signer.Sign("other-audience", "")
	if _, err := verifier.Verify(token); !errors.Is(err, ErrTokenRejected) {
		t.Fatalf("expected audience mismatch, got %v", err)
	}

	privatePath, _ := writeRSAKeyPairFiles(t, "rogue")
	rogue, err := NewSigner(SignerOptions{PrivateKeyPath: privatePath, Issuer: "rogue-tool"})
	if err != nil {
		t.Fatalf("rogue signer: %v", err)
	}
	token, _ = rogue.Sign(AdminAudience, "")
	if _, err := verifier.Verify(token); !errors.Is(err, ErrTokenRejected) {
		t.Fatalf("expected foreign key to fail, got %v", err)
	}
}

func TestVerifyRejectsFutureIssuedAt(t *testing.T) {
	_, verifier, privatePath := newPair(t, "salesdesk-provision")
	key, err := loadRSAPrivateKeyFromPEMFile(privatePath)
	if err != nil {
		t.Fatalf("load private key: %v", err)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Issuer:    "salesdesk-provision",
		Subject:   "ops",
		Audience:  jwt.ClaimStrings{AdminAudience},
		IssuedAt:  jwt.NewNumericDate(time.Now().Add(2 * time.Minute)),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(5 * time.Minute)),
		ID:        "jti-1",
	})
	token.Header["kid"] = DefaultKeyID
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	if _, err := verifier.Verify(signed); err == nil {
		t.Fatalf("expected future iat token to fail")
	}
}

func TestRequireMiddleware(t *testing.T) {
	signer, verifier, _ := newPair(t, "salesdesk-provision")
	var rejected int
	h := verifier.Require(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		if !ok || claims.Subject != "ops" {
			t.Fatalf("claims missing in handler: %+v", claims)
		}
		w.WriteHeader(http.StatusNoContent)
	}), func(*http.Request, error) { rejected++ })

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/users", nil))
	if rec.Code != http.StatusUnauthorized || rejected != 1 {
		t.Fatalf("missing token: status=%d rejected=%d", rec.Code, rejected)
	}

	token, _ := signer.Sign(AdminAudience, "ops")
	req := httptest.NewRequest(http.MethodPost, "/admin/users", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("valid token status = %d", rec.Code)
	}
}

func TestSignerRequiresKeyAndIssuer(t *testing.T) {
	if _, err := NewSigner(SignerOptions{Issuer: "salesdesk-provision"}); err == nil {
		t.Fatalf("expected missing key path to fail")
	}
	if _, err := NewSigner(SignerOptions{PrivateKeyPath: "/nope.pem"}); err == nil {
		t.Fatalf("expected missing issuer to fail")
	}
}

func TestBearerToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer abc")
	if token, ok := BearerToken(req); !ok || token != "abc" {
		t.Fatalf("expected bearer token")
	}
	req.Header.Set("Authorization", "Basic abc")
	if _, ok := BearerToken(req); ok {
		t.Fatalf("basic auth is not a bearer token")
	}
}

func newPair(t *testing.T, issuer string) (*Signer, *Verifier, string) {
	t.Helper()
	privatePath, publicPath := writeRSAKeyPairFiles(t, "svc")
	signer, err := NewSigner(SignerOptions{PrivateKeyPath: privatePath, Issuer: issuer})
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	verifier, err := NewVerifier(VerifierOptions{
		PublicKeyPath:  publicPath,
		AllowedIssuers: []string{issuer},
		Leeway:         time.Second,
	})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	return signer, verifier, privatePath
}

func writeRSAKeyPairFiles(t *testing.T, prefix string) (string, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	dir := t.TempDir()
	privatePath := filepath.Join(dir, prefix+"-private.pem")
	publicPath := filepath.Join(dir, prefix+"-public.pem")
	privatePEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(privatePath, privatePEM, 0o600); err != nil {
		t.Fatalf("write private: %v", err)
	}
	publicDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public: %v", err)
	}
	publicPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicDER})
	if err := os.WriteFile(publicPath, publicPEM, 0o644); err != nil {
		t.Fatalf("write public: %v", err)
	}
	return privatePath, publicPath
}
