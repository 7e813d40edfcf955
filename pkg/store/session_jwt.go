package store

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"sort"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	defaultJWTIssuer   = "salesdesk-datagateway"
	defaultJWTAudience = "salesdesk-dashboard"
	defaultJWTKeyID    = "jwt-active"
)

var defaultJWTLeeway = 30 * time.Second

var (
	// ErrTokenRevoked is returned by Verify for a revoked access token.
	ErrTokenRevoked = errors.New("token revoked")
	// ErrTokenInvalid is returned by Verify for malformed or unsigned tokens.
	ErrTokenInvalid = errors.New("invalid token")
)

// JWTOptions configures JWT claim validation behavior.
type JWTOptions struct {
	Issuer   string
	Audience string
	Leeway   time.Duration
}

// AccessTokenClaims is the payload of an access token.
type AccessTokenClaims struct {
	Email     string `json:"email,omitempty"`
	SessionID string `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

// JWTSessionStore issues and validates RS256 access tokens published
// through JWKS.
type JWTSessionStore struct {
	ttl     time.Duration
	revoker TokenRevoker

	signer    *rsa.PrivateKey
	signerKid string
	verifiers map[string]*rsa.PublicKey

	issuer   string
	audience string
	leeway   time.Duration
}

// JWTKeyFiles locates the PEM files of the signing key. VerifyKeyFiles maps
// kid -> public key path and can include previous keys during rotation.
type JWTKeyFiles struct {
	PrivateKeyPath string
	PublicKeyPath  string
	KeyID          string
	VerifyKeyFiles map[string]string
}

// NewJWTSessionStoreFromPEM builds a session store from PEM files.
func NewJWTSessionStoreFromPEM(files JWTKeyFiles, ttl time.Duration, revoker TokenRevoker, opts JWTOptions) (*JWTSessionStore, error) {
	privateKey, err := loadRSAPrivateKeyFromPEMFile(files.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load jwt private key: %w", err)
	}
	activePub := &privateKey.PublicKey
	if strings.TrimSpace(files.PublicKeyPath) != "" {
		activePub, err = loadRSAPublicKeyFromPEMFile(files.PublicKeyPath)
		if err != nil {
			return nil, fmt.Errorf("load jwt public key: %w", err)
		}
	}
	s := NewJWTSessionStore(privateKey, files.KeyID, ttl, revoker, opts)
	s.verifiers[s.signerKid] = activePub

	for kid, path := range files.VerifyKeyFiles {
		kid = strings.TrimSpace(kid)
		path = strings.TrimSpace(path)
		if kid == "" || path == "" {
			continue
		}
		pub, err := loadRSAPublicKeyFromPEMFile(path)
		if err != nil {
			return nil, fmt.Errorf("load verify key %q: %w", kid, err)
		}
		s.verifiers[kid] = pub
	}
	return s, nil
}

// NewJWTSessionStore builds a session store around an in-memory key.
func NewJWTSessionStore(key *rsa.PrivateKey, keyID string, ttl time.Duration, revoker TokenRevoker, opts JWTOptions) *JWTSessionStore {
	keyID = strings.TrimSpace(keyID)
	if keyID == "" {
		keyID = defaultJWTKeyID
	}
	opts = normalizeJWTOptions(opts)
	return &JWTSessionStore{
		ttl:       ttl,
		revoker:   revoker,
		signer:    key,
		signerKid: keyID,
		verifiers: map[string]*rsa.PublicKey{keyID: &key.PublicKey},
		issuer:    opts.Issuer,
		audience:  opts.Audience,
		leeway:    opts.Leeway,
	}
}

// GenerateSigningKey creates an ephemeral 2048-bit RSA key for development.
func GenerateSigningKey() (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, 2048)
}

// Issue signs an access token for the user. sid names the refresh session
// the token belongs to and survives rotation.
func (s *JWTSessionStore) Issue(_ context.Context, userID, email, sid string) (IssuedToken, error) {
	if s.signer == nil {
		return IssuedToken{}, errors.New("jwt store not configured")
	}
	now := time.Now().UTC()
	claims := AccessTokenClaims{
		Email:     email,
		SessionID: sid,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{s.audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        randomHexID(12),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.signerKid
	signed, err := token.SignedString(s.signer)
	if err != nil {
		return IssuedToken{}, err
	}
	return IssuedToken{Token: signed, ID: claims.ID, ExpiresAt: claims.ExpiresAt.Time}, nil
}

// Verify validates the signature, claims and revocation state of token.
func (s *JWTSessionStore) Verify(ctx context.Context, token string) (AccessClaims, error) {
	claims, err := s.parseAndVerify(token)
	if err != nil {
		return AccessClaims{}, err
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return AccessClaims{}, fmt.Errorf("%w: subject missing", ErrTokenInvalid)
	}
	if s.revoker != nil {
		revoked, err := s.revoker.IsRevoked(ctx, claims.ID)
		if err != nil {
			return AccessClaims{}, err
		}
		if revoked {
			return AccessClaims{}, ErrTokenRevoked
		}
		cutoff, err := s.revoker.RevokedAfter(ctx, claims.Subject)
		if err != nil {
			return AccessClaims{}, err
		}
		if !cutoff.IsZero() && !claims.IssuedAt.Time.UTC().After(cutoff) {
			return AccessClaims{}, fmt.Errorf("%w for user", ErrTokenRevoked)
		}
	}
	return AccessClaims{
		ID:        claims.ID,
		SessionID: claims.SessionID,
		UserID:    claims.Subject,
		Email:     claims.Email,
		IssuedAt:  claims.IssuedAt.Time,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// Revoke blocks token until it expires. Invalid tokens are ignored.
func (s *JWTSessionStore) Revoke(ctx context.Context, token string) error {
	if s.revoker == nil {
		return nil
	}
	claims, err := s.parseAndVerify(token)
	if err != nil {
		return nil
	}
	return s.revoker.Revoke(ctx, claims.ID, time.Until(claims.ExpiresAt.Time))
}

// RevokeUser blocks every token of userID issued at or before since.
func (s *JWTSessionStore) RevokeUser(ctx context.Context, userID string, since time.Time) error {
	if s.revoker == nil {
		return nil
	}
	return s.revoker.RevokeUser(ctx, userID, since)
}

// JWKS returns the public verification keys.
func (s *JWTSessionStore) JWKS() []JWK {
	kids := make([]string, 0, len(s.verifiers))
	for kid := range s.verifiers {
		kids = append(kids, kid)
	}
	sort.Strings(kids)
	out := make([]JWK, 0, len(kids))
	for _, kid := range kids {
		pub := s.verifiers[kid]
		out = append(out, JWK{
			Kty: "RSA",
			Use: "sig",
			Kid: kid,
			Alg: "RS256",
			N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		})
	}
	return out
}

func (s *JWTSessionStore) parseAndVerify(token string) (AccessTokenClaims, error) {
	claims := AccessTokenClaims{}
	token = strings.TrimSpace(token)
	if token == "" {
		return claims, fmt.Errorf("%w: empty", ErrTokenInvalid)
	}
	parserOptions := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(s.leeway),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
	}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		kid = strings.TrimSpace(kid)
		if kid == "" {
			return nil, errors.New("token key id required")
		}
		pub, ok := s.verifiers[kid]
		if !ok {
			return nil, errors.New("unknown token key")
		}
		return pub, nil
	}, parserOptions...)
	if err != nil {
		return claims, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !parsed.Valid {
		return claims, ErrTokenInvalid
	}
	if strings.TrimSpace(claims.ID) == "" {
		return claims, fmt.Errorf("%w: jti missing", ErrTokenInvalid)
	}
	if claims.IssuedAt == nil {
		return claims, fmt.Errorf("%w: iat missing", ErrTokenInvalid)
	}
	return claims, nil
}

func loadRSAPrivateKeyFromPEMFile(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("invalid pem")
	}
	if pkcs1, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return pkcs1, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	privateKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not rsa")
	}
	return privateKey, nil
}

func loadRSAPublicKeyFromPEMFile(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("invalid pem")
	}
	if pubAny, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		pub, ok := pubAny.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("public key is not rsa")
		}
		return pub, nil
	}
	if cert, err := x509.ParseCertificate(block.Bytes); err == nil {
		pub, ok := cert.PublicKey.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("certificate public key is not rsa")
		}
		return pub, nil
	}
	return nil, errors.New("failed to parse rsa public key")
}

func randomHexID(nBytes int) string {
	buf := make([]byte, nBytes)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("%x", buf)
}

func normalizeJWTOptions(opts JWTOptions) JWTOptions {
	opts.Issuer = strings.TrimSpace(opts.Issuer)
	opts.Audience = strings.TrimSpace(opts.Audience)
	if opts.Issuer == "" {
		opts.Issuer = defaultJWTIssuer
	}
	if opts.Audience == "" {
		opts.Audience = defaultJWTAudience
	}
	if opts.Leeway <= 0 {
		opts.Leeway = defaultJWTLeeway
	}
	return opts
}
