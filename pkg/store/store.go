package store

import (
	"context"
	"errors"
	"time"

	"salesdesk/pkg/domain"
	"salesdesk/pkg/gateway"
)

var (
	// ErrUnknownCollection is returned for a collection outside the registry.
	ErrUnknownCollection = errors.New("unknown collection")
	// ErrUnknownColumn is returned when a filter or order names a column the
	// collection does not expose.
	ErrUnknownColumn = errors.New("unknown column")
	// ErrInvalidRange is returned for a negative offset or non-positive limit.
	ErrInvalidRange = errors.New("invalid range")
)

// RecordStore serves filtered, ordered, windowed reads of collections.
type RecordStore interface {
	Query(ctx context.Context, q gateway.Query) (gateway.Result, error)
	QueryOne(ctx context.Context, collection string, filters gateway.Filters) (domain.Record, bool, error)
	Insert(ctx context.Context, collection string, rec domain.Record) (domain.Record, error)
}

// UserStore manages sign-in identities and registered user rows.
type UserStore interface {
	SaveIdentity(ctx context.Context, id domain.Identity) error
	GetIdentityByEmail(ctx context.Context, email string) (domain.Identity, bool, error)
	GetIdentityByID(ctx context.Context, id string) (domain.Identity, bool, error)

	UpsertRegisteredUser(ctx context.Context, email string, active bool) (domain.RegisteredUser, error)
	GetRegisteredUser(ctx context.Context, email string) (domain.RegisteredUser, bool, error)
	ListRegisteredUsers(ctx context.Context) ([]domain.RegisteredUser, error)
}

// Store is everything the data gateway persists in its database.
type Store interface {
	RecordStore
	UserStore
}

// AccessClaims are the verified claims of an access token.
type AccessClaims struct {
	ID        string
	SessionID string
	UserID    string
	Email     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// IssuedToken is a freshly signed access token.
type IssuedToken struct {
	Token     string
	ID        string
	ExpiresAt time.Time
}

// SessionStore issues and validates access tokens.
type SessionStore interface {
	// Issue signs an access token for userID within session sid.
	Issue(ctx context.Context, userID, email, sid string) (IssuedToken, error)
	Verify(ctx context.Context, token string) (AccessClaims, error)
	Revoke(ctx context.Context, token string) error
	RevokeUser(ctx context.Context, userID string, since time.Time) error
}

// JWK represents a JSON Web Key entry used by JWKS endpoints.
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	N   string `json:"n,omitempty"`
	E   string `json:"e,omitempty"`
}

// JWKSProvider is an optional capability exposed by session stores that can
// publish JSON Web Keys.
type JWKSProvider interface {
	JWKS() []JWK
}
