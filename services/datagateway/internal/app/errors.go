package app

import "errors"

var (
	// ErrInvalidCredentials is shown to end users; it must not reveal which
	// half of the credentials was wrong.
	ErrInvalidCredentials = errors.New("Incorrect email address or password")
	// ErrProviderDisabled is returned for unknown or switched-off providers.
	ErrProviderDisabled = errors.New("sign-in provider is not enabled")
	// ErrRedirectNotAllowed is returned when redirectTo is outside the
	// configured allowlist.
	ErrRedirectNotAllowed = errors.New("redirect target is not allowed")
	// ErrInvalidCode is returned for unknown, used or expired sign-in codes.
	ErrInvalidCode = errors.New("sign-in code is invalid or expired")

	ErrEmailRequired        = errors.New("email required")
	ErrRefreshTokenRequired = errors.New("refresh token required")
	ErrInvalidRefreshToken  = errors.New("invalid refresh token")
	ErrUnauthorized         = errors.New("unauthorized")
	// ErrQueryForbidden is returned for reads outside the caller's reach:
	// the users table beyond the caller's own row, or a foreign tenant.
	ErrQueryForbidden = errors.New("query not allowed")
)
