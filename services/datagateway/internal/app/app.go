package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"salesdesk/pkg/auth"
	"salesdesk/pkg/domain"
	"salesdesk/pkg/gateway"
	"salesdesk/pkg/store"
)

// Database drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

const tenantColumn = "company_id"

// Config holds runtime configuration for the data gateway core. Components
// left nil are built from the connection settings.
type Config struct {
	DatabaseDriver      string
	DatabaseURL         string
	Redis               *redis.Client
	SessionTTL          time.Duration
	RefreshTTL          time.Duration
	SignInCodeTTL       time.Duration
	JWTPrivateKeyPath   string
	JWTPublicKeyPath    string
	JWTKeyID            string
	JWTVerifyPublicKeys map[string]string
	JWTIssuer           string
	JWTAudience         string
	JWTLeeway           time.Duration
	Providers           []string
	AllowedRedirects    []string
	// Tenants limits record queries to these company ids. Empty allows any.
	Tenants []string
	Logger  *slog.Logger

	Store         store.Store
	Sessions      store.SessionStore
	Refresh       store.RefreshSessions
	SignInCodes   store.SignInCodeStore
	Events        store.SessionEventBus
	Mailer        Mailer
}

// App implements sign-in, token lifecycle, record queries and user
// provisioning on top of the stores.
type App struct {
	store         store.Store
	sessions      store.SessionStore
	refresh       store.RefreshSessions
	codes         store.SignInCodeStore
	events        store.SessionEventBus
	mailer        Mailer
	refreshTTL    time.Duration
	providers     map[string]struct{}
	redirects     []string
	tenants       map[string]struct{}
	logger        *slog.Logger
}

// User is the public identity returned to clients.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// TokenPair is the result of a code exchange or refresh.
type TokenPair struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
	User         User      `json:"user"`
}

// SessionInfo describes the session behind a valid access token.
type SessionInfo struct {
	SessionID string    `json:"sessionId,omitempty"`
	User      User      `json:"user"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// New constructs the application.
func New(cfg Config) (*App, error) {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 15 * time.Minute
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 7 * 24 * time.Hour
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dataStore := cfg.Store
	if dataStore == nil {
		switch cfg.DatabaseDriver {
		case DriverMemory:
			dataStore = store.NewMemoryStore()
		case DriverPostgres, "":
			if cfg.DatabaseURL == "" {
				return nil, errors.New("database URL required")
			}
			gormStore, err := store.NewGormStore(cfg.DatabaseURL)
			if err != nil {
				return nil, fmt.Errorf("init postgres store: %w", err)
			}
			dataStore = gormStore
		default:
			return nil, fmt.Errorf("unknown database driver %q", cfg.DatabaseDriver)
		}
	}

	needRedis := cfg.Sessions == nil || cfg.Refresh == nil || cfg.SignInCodes == nil || cfg.Events == nil
	if needRedis && cfg.Redis == nil {
		return nil, errors.New("redis client required for sessions, refresh tokens, sign-in codes and events")
	}

	sessions := cfg.Sessions
	if sessions == nil {
		revoker := store.NewRedisTokenRevoker(cfg.Redis, cfg.RefreshTTL)
		opts := store.JWTOptions{Issuer: cfg.JWTIssuer, Audience: cfg.JWTAudience, Leeway: cfg.JWTLeeway}
		if strings.TrimSpace(cfg.JWTPrivateKeyPath) == "" {
			if cfg.DatabaseDriver != DriverMemory {
				return nil, errors.New("jwtPrivateKeyPath is required")
			}
			key, err := store.GenerateSigningKey()
			if err != nil {
				return nil, fmt.Errorf("generate signing key: %w", err)
			}
			logger.Warn("using ephemeral signing key", "driver", cfg.DatabaseDriver)
			sessions = store.NewJWTSessionStore(key, cfg.JWTKeyID, cfg.SessionTTL, revoker, opts)
		} else {
			jwtStore, err := store.NewJWTSessionStoreFromPEM(store.JWTKeyFiles{
				PrivateKeyPath: cfg.JWTPrivateKeyPath,
				PublicKeyPath:  cfg.JWTPublicKeyPath,
				KeyID:          cfg.JWTKeyID,
				VerifyKeyFiles: cfg.JWTVerifyPublicKeys,
			}, cfg.SessionTTL, revoker, opts)
			if err != nil {
				return nil, fmt.Errorf("init rs256 session store: %w", err)
			}
			sessions = jwtStore
		}
	}
	refresh := cfg.Refresh
	if refresh == nil {
		refresh = store.NewRedisRefreshSessions(cfg.Redis)
	}
	codes := cfg.SignInCodes
	if codes == nil {
		codes = store.NewRedisSignInCodeStore(cfg.Redis, cfg.SignInCodeTTL, time.Minute)
	}
	events := cfg.Events
	if events == nil {
		events = store.NewRedisSessionEventBus(cfg.Redis, logger)
	}
	mailer := cfg.Mailer
	if mailer == nil {
		mailer = LogMailer{Logger: logger}
	}

	providers := make(map[string]struct{})
	names := cfg.Providers
	if len(names) == 0 {
		names = []string{gateway.ProviderPassword, gateway.ProviderMagicLink}
	}
	for _, p := range names {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			providers[p] = struct{}{}
		}
	}

	tenants := make(map[string]struct{})
	for _, t := range cfg.Tenants {
		if t = strings.TrimSpace(t); t != "" {
			tenants[t] = struct{}{}
		}
	}

	return &App{
		store:         dataStore,
		sessions:      sessions,
		refresh:       refresh,
		codes:         codes,
		events:        events,
		mailer:        mailer,
		refreshTTL:    cfg.RefreshTTL,
		providers:     providers,
		redirects:     cfg.AllowedRedirects,
		tenants:       tenants,
		logger:        logger,
	}, nil
}

// Providers lists the enabled sign-in providers.
func (a *App) Providers() []string {
	out := make([]string, 0, len(a.providers))
	for p := range a.providers {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// SignIn starts a sign-in. The password provider returns the redirect
// carrying a one-time code; the magic-link provider mails it and returns an
// empty result. Rejections are *gateway.AuthError.
func (a *App) SignIn(ctx context.Context, req gateway.SignInRequest) (gateway.SignInResult, error) {
	provider := strings.ToLower(strings.TrimSpace(req.Provider))
	if _, ok := a.providers[provider]; !ok {
		return gateway.SignInResult{}, &gateway.AuthError{Code: gateway.CodeProviderDisabled, Message: ErrProviderDisabled.Error(), Err: ErrProviderDisabled}
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" {
		return gateway.SignInResult{}, &gateway.AuthError{Code: gateway.CodeInvalidCredentials, Message: ErrEmailRequired.Error(), Err: ErrEmailRequired}
	}
	if err := a.checkRedirect(req.RedirectTo); err != nil {
		return gateway.SignInResult{}, &gateway.AuthError{Code: gateway.CodeInvalidRedirect, Message: err.Error(), Err: err}
	}

	switch provider {
	case gateway.ProviderPassword:
		identity, ok, err := a.store.GetIdentityByEmail(ctx, email)
		if err != nil {
			return gateway.SignInResult{}, fmt.Errorf("fetch identity: %w", err)
		}
		if !ok || !auth.CheckPassword(req.Password, identity.PasswordHash) {
			return gateway.SignInResult{}, &gateway.AuthError{Code: gateway.CodeInvalidCredentials, Message: ErrInvalidCredentials.Error(), Err: ErrInvalidCredentials}
		}
		code, err := a.codes.Create(ctx, store.SignInCode{IdentityID: identity.ID, Email: identity.Email, Provider: provider})
		if err != nil {
			return gateway.SignInResult{}, fmt.Errorf("create sign-in code: %w", err)
		}
		return gateway.SignInResult{RedirectURL: withCode(req.RedirectTo, code)}, nil

	default:
		if err := a.codes.Throttle(ctx, email); err != nil {
			if errors.Is(err, store.ErrSignInCodeThrottled) {
				return gateway.SignInResult{}, &gateway.AuthError{Code: gateway.CodeRateLimited, Message: "Please wait before requesting another link", Err: err}
			}
			return gateway.SignInResult{}, fmt.Errorf("throttle magic link: %w", err)
		}
		identity, ok, err := a.store.GetIdentityByEmail(ctx, email)
		if err != nil {
			return gateway.SignInResult{}, fmt.Errorf("fetch identity: %w", err)
		}
		if !ok {
			// Same answer as for a known address.
			a.logger.InfoContext(ctx, "magic link requested for unknown email")
			return gateway.SignInResult{}, nil
		}
		code, err := a.codes.Create(ctx, store.SignInCode{IdentityID: identity.ID, Email: identity.Email, Provider: provider})
		if err != nil {
			return gateway.SignInResult{}, fmt.Errorf("create sign-in code: %w", err)
		}
		if err := a.mailer.SendSignInLink(ctx, identity.Email, withCode(req.RedirectTo, code)); err != nil {
			return gateway.SignInResult{}, &gateway.AuthError{Code: gateway.CodeUnavailable, Message: "Could not send the sign-in link", Err: err}
		}
		return gateway.SignInResult{}, nil
	}
}

// ExchangeCode trades a one-time sign-in code for a token pair.
func (a *App) ExchangeCode(ctx context.Context, code string) (TokenPair, error) {
	payload, err := a.codes.Consume(ctx, strings.TrimSpace(code))
	if err != nil {
		if errors.Is(err, store.ErrSignInCodeInvalid) {
			return TokenPair{}, ErrInvalidCode
		}
		return TokenPair{}, fmt.Errorf("consume sign-in code: %w", err)
	}
	identity, ok, err := a.store.GetIdentityByID(ctx, payload.IdentityID)
	if err != nil {
		return TokenPair{}, fmt.Errorf("fetch identity: %w", err)
	}
	if !ok {
		return TokenPair{}, ErrInvalidCode
	}
	grant, err := a.refresh.Open(ctx, identity.ID, a.refreshTTL)
	if err != nil {
		return TokenPair{}, fmt.Errorf("open refresh session: %w", err)
	}
	pair, err := a.issue(ctx, identity, grant)
	if err != nil {
		_, _ = a.refresh.End(ctx, grant.Token)
		return TokenPair{}, err
	}
	a.publishEvent(ctx, domain.SessionEvent{Type: domain.EventSignedIn, UserID: identity.ID, SessionID: grant.SessionID})
	return pair, nil
}

// Refresh rotates refreshToken and issues a new pair.
func (a *App) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return TokenPair{}, ErrRefreshTokenRequired
	}
	grant, err := a.refresh.Rotate(ctx, refreshToken, a.refreshTTL)
	if err != nil {
		if errors.Is(err, store.ErrRefreshTokenReplay) {
			// the whole session is gone; tell its other listeners
			a.logger.WarnContext(ctx, "refresh token replay", "user_id", grant.UserID, "session_id", grant.SessionID)
			a.publishEvent(ctx, domain.SessionEvent{Type: domain.EventSignedOut, UserID: grant.UserID, SessionID: grant.SessionID})
			return TokenPair{}, ErrInvalidRefreshToken
		}
		if errors.Is(err, store.ErrInvalidRefreshToken) {
			return TokenPair{}, ErrInvalidRefreshToken
		}
		return TokenPair{}, fmt.Errorf("rotate refresh session: %w", err)
	}
	identity, ok, err := a.store.GetIdentityByID(ctx, grant.UserID)
	if err != nil {
		return TokenPair{}, fmt.Errorf("fetch identity: %w", err)
	}
	if !ok {
		_, _ = a.refresh.End(ctx, grant.Token)
		return TokenPair{}, ErrInvalidRefreshToken
	}
	pair, err := a.issue(ctx, identity, grant)
	if err != nil {
		_, _ = a.refresh.End(ctx, grant.Token)
		return TokenPair{}, err
	}
	a.publishEvent(ctx, domain.SessionEvent{Type: domain.EventTokenRefreshed, UserID: identity.ID, SessionID: grant.SessionID})
	return pair, nil
}

// SignOut revokes the access token and the refresh family.
func (a *App) SignOut(ctx context.Context, accessToken, refreshToken string) error {
	claims, verifyErr := a.sessions.Verify(ctx, accessToken)
	if err := a.sessions.Revoke(ctx, accessToken); err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	var ended store.RefreshGrant
	if refreshToken = strings.TrimSpace(refreshToken); refreshToken != "" {
		var err error
		if ended, err = a.refresh.End(ctx, refreshToken); err != nil {
			return fmt.Errorf("end refresh session: %w", err)
		}
	}
	switch {
	case verifyErr == nil:
		sid := claims.SessionID
		if sid == "" {
			sid = ended.SessionID
		}
		a.publishEvent(ctx, domain.SessionEvent{Type: domain.EventSignedOut, UserID: claims.UserID, SessionID: sid})
	case ended.SessionID != "":
		a.publishEvent(ctx, domain.SessionEvent{Type: domain.EventSignedOut, UserID: ended.UserID, SessionID: ended.SessionID})
	}
	return nil
}

// Authenticate verifies an access token.
func (a *App) Authenticate(ctx context.Context, accessToken string) (store.AccessClaims, error) {
	if strings.TrimSpace(accessToken) == "" {
		return store.AccessClaims{}, ErrUnauthorized
	}
	claims, err := a.sessions.Verify(ctx, accessToken)
	if err != nil {
		if errors.Is(err, store.ErrTokenInvalid) || errors.Is(err, store.ErrTokenRevoked) {
			return store.AccessClaims{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return store.AccessClaims{}, err
	}
	return claims, nil
}

// Session describes a verified access token.
func (a *App) Session(ctx context.Context, accessToken string) (SessionInfo, error) {
	claims, err := a.Authenticate(ctx, accessToken)
	if err != nil {
		return SessionInfo{}, err
	}
	return SessionInfo{SessionID: claims.SessionID, User: User{ID: claims.UserID, Email: claims.Email}, ExpiresAt: claims.ExpiresAt}, nil
}

// SubscribeSessionEvents streams the user's session changes.
func (a *App) SubscribeSessionEvents(ctx context.Context, userID string) (<-chan domain.SessionEvent, func(), error) {
	return a.events.Subscribe(ctx, userID)
}

// Query runs a collection read for an authenticated caller.
func (a *App) Query(ctx context.Context, caller store.AccessClaims, q gateway.Query) (gateway.Result, error) {
	if q.Collection == domain.CollectionUsers {
		return gateway.Result{}, fmt.Errorf("%w: list %s", ErrQueryForbidden, q.Collection)
	}
	if err := a.checkTenant(q.Filters); err != nil {
		return gateway.Result{}, err
	}
	return a.store.Query(ctx, q)
}

// QueryOne returns the first record matching filters. On the users table
// a caller may only look up its own row by email.
func (a *App) QueryOne(ctx context.Context, caller store.AccessClaims, collection string, filters gateway.Filters) (domain.Record, bool, error) {
	var err error
	if collection == domain.CollectionUsers {
		err = checkOwnUserLookup(caller, filters)
	} else {
		err = a.checkTenant(filters)
	}
	if err != nil {
		return nil, false, err
	}
	return a.store.QueryOne(ctx, collection, filters)
}

func checkOwnUserLookup(caller store.AccessClaims, filters gateway.Filters) error {
	if len(filters.ILike) > 0 {
		return fmt.Errorf("%w: substring match on users", ErrQueryForbidden)
	}
	own := false
	for _, eq := range filters.Eq {
		switch eq.Column {
		case "email":
			email, _ := eq.Value.(string)
			if !strings.EqualFold(strings.TrimSpace(email), caller.Email) {
				return fmt.Errorf("%w: foreign user lookup", ErrQueryForbidden)
			}
			own = true
		case "is_active":
		default:
			return fmt.Errorf("%w: users filter on %s", ErrQueryForbidden, eq.Column)
		}
	}
	if !own {
		return fmt.Errorf("%w: users lookup needs the caller's email", ErrQueryForbidden)
	}
	return nil
}

func (a *App) checkTenant(filters gateway.Filters) error {
	if len(a.tenants) == 0 {
		return nil
	}
	for _, eq := range filters.Eq {
		if eq.Column != tenantColumn {
			continue
		}
		if _, ok := a.tenants[fmt.Sprint(eq.Value)]; !ok {
			return fmt.Errorf("%w: tenant %v", ErrQueryForbidden, eq.Value)
		}
		return nil
	}
	return fmt.Errorf("%w: %s filter required", ErrQueryForbidden, tenantColumn)
}

// JWKS returns public signing keys when the session store publishes them.
func (a *App) JWKS() []store.JWK {
	provider, ok := a.sessions.(store.JWKSProvider)
	if !ok {
		return nil
	}
	return provider.JWKS()
}

func (a *App) issue(ctx context.Context, identity domain.Identity, grant store.RefreshGrant) (TokenPair, error) {
	issued, err := a.sessions.Issue(ctx, identity.ID, identity.Email, grant.SessionID)
	if err != nil {
		return TokenPair{}, fmt.Errorf("issue access token: %w", err)
	}
	return TokenPair{
		AccessToken:  issued.Token,
		RefreshToken: grant.Token,
		ExpiresAt:    issued.ExpiresAt,
		User:         User{ID: identity.ID, Email: identity.Email},
	}, nil
}

func (a *App) publishEvent(ctx context.Context, ev domain.SessionEvent) {
	if err := a.events.Publish(ctx, ev); err != nil {
		a.logger.WarnContext(ctx, "publish session event failed", "type", ev.Type, "user_id", ev.UserID, "err", err)
	}
}

func (a *App) checkRedirect(target string) error {
	target = strings.TrimSpace(target)
	if target == "" {
		return ErrRedirectNotAllowed
	}
	u, err := url.Parse(target)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ErrRedirectNotAllowed
	}
	if len(a.redirects) == 0 {
		return nil
	}
	for _, prefix := range a.redirects {
		if prefix = strings.TrimSpace(prefix); prefix != "" && strings.HasPrefix(target, prefix) {
			return nil
		}
	}
	return ErrRedirectNotAllowed
}

func withCode(target, code string) string {
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	q := u.Query()
	q.Set("code", code)
	u.RawQuery = q.Encode()
	return u.String()
}

func newIdentityID() string {
	return uuid.NewString()
}
