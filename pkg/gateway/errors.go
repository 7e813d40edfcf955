package gateway

import (
	"errors"
	"fmt"
)

// Auth error codes.
const (
	CodeProviderDisabled   = "provider_disabled"
	CodeInvalidCredentials = "invalid_credentials"
	CodeInvalidCode        = "invalid_code"
	CodeInvalidRedirect    = "invalid_redirect"
	CodeRateLimited        = "rate_limited"
	CodeUnavailable        = "unavailable"
)

// AuthError is returned when a sign-in provider rejects the request or is
// misconfigured. Message is safe to show inline to the user.
type AuthError struct {
	Code    string
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "sign-in failed"
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// QueryError is returned when a collection query fails for any reason:
// transport, permission or a malformed filter.
type QueryError struct {
	Collection string
	Err        error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query %s: %v", e.Collection, e.Err)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// ErrNotAuthenticated is returned for operations that need a session.
var ErrNotAuthenticated = errors.New("not authenticated")

// AsAuthError returns the AuthError carried by err, if any.
func AsAuthError(err error) (*AuthError, bool) {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr, true
	}
	return nil, false
}

// IsQueryError reports whether err carries a QueryError.
func IsQueryError(err error) bool {
	var queryErr *QueryError
	return errors.As(err, &queryErr)
}
