// Package gateway defines the contract of the hosted data/auth backend as
// consumed by the dashboard: sessions, session-change notifications and
// filtered, paged record queries.
package gateway

import (
	"context"

	"salesdesk/pkg/domain"
)

// Gateway is the remote backend bound to a single browser context.
type Gateway interface {
	// CurrentSession returns the local session, or nil when signed out.
	CurrentSession(ctx context.Context) (*domain.Session, error)
	// OnSessionChange registers fn for backend-pushed session changes.
	// fn receives the new session, or nil when the session ended.
	OnSessionChange(fn func(*domain.Session)) Subscription
	SignIn(ctx context.Context, req SignInRequest) (SignInResult, error)
	SignOut(ctx context.Context) error
	QueryRecords(ctx context.Context, q Query) (Result, error)
	QueryOne(ctx context.Context, collection string, filters Filters) (domain.Record, bool, error)
}

// Subscription is a handle to a session-change registration.
type Subscription interface {
	Cancel()
}

// SubscriptionFunc adapts a function to Subscription.
type SubscriptionFunc func()

// Cancel calls f.
func (f SubscriptionFunc) Cancel() {
	if f != nil {
		f()
	}
}

// Sign-in providers.
const (
	ProviderPassword  = "password"
	ProviderMagicLink = "magiclink"
)

// SignInRequest starts a sign-in with an external provider.
type SignInRequest struct {
	Provider   string `json:"provider"`
	Email      string `json:"email"`
	Password   string `json:"password,omitempty"`
	RedirectTo string `json:"redirectTo"`
}

// SignInResult tells the caller where the browser goes next. An empty
// RedirectURL means the provider delivers the link out of band.
type SignInResult struct {
	RedirectURL string `json:"redirectUrl,omitempty"`
}

// Eq is an equality constraint on a column.
type Eq struct {
	Column string `json:"column"`
	Value  any    `json:"value"`
}

// ILike is a case-insensitive substring constraint on a column.
type ILike struct {
	Column    string `json:"column"`
	Substring string `json:"substring"`
}

// Filters groups the constraints of one query.
type Filters struct {
	Eq    []Eq    `json:"eq,omitempty"`
	ILike []ILike `json:"ilike,omitempty"`
}

// Order sorts query results by one column.
type Order struct {
	Column string `json:"column"`
	Desc   bool   `json:"desc"`
}

// Range is the half-open row window [Offset, Offset+Limit).
type Range struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

// Query is one filtered, ordered, windowed read of a collection.
type Query struct {
	Collection string  `json:"collection"`
	Filters    Filters `json:"filters"`
	Order      *Order  `json:"order,omitempty"`
	Range      *Range  `json:"range,omitempty"`
	ExactCount bool    `json:"exactCount"`
}

// Result is one fetched window plus the total matching count. TotalCount is
// only meaningful when the query asked for ExactCount.
type Result struct {
	Rows       []domain.Record `json:"rows"`
	TotalCount int             `json:"totalCount"`
}

// WithEq returns a copy of f with an extra equality constraint.
func (f Filters) WithEq(column string, value any) Filters {
	out := Filters{
		Eq:    append(append([]Eq(nil), f.Eq...), Eq{Column: column, Value: value}),
		ILike: append([]ILike(nil), f.ILike...),
	}
	return out
}

// WithILike returns a copy of f with an extra substring constraint.
func (f Filters) WithILike(column, substring string) Filters {
	out := Filters{
		Eq:    append([]Eq(nil), f.Eq...),
		ILike: append(append([]ILike(nil), f.ILike...), ILike{Column: column, Substring: substring}),
	}
	return out
}
