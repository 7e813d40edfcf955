package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"salesdesk/internal/ratelimit"
	"salesdesk/internal/servicetoken"
	"salesdesk/internal/util"
	"salesdesk/pkg/domain"
	"salesdesk/pkg/gateway"
	"salesdesk/pkg/store"
	"salesdesk/services/datagateway/internal/app"
	"salesdesk/services/datagateway/internal/security"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App                       *app.App
	Redis                     *redis.Client
	AdminVerifier             *servicetoken.Verifier
	Alerter                   *security.AuditAlerter
	TrustedProxies            *util.TrustedProxies
	CORSOrigins               []string
	SignInRateLimitPerMinute  int
	TokenRateLimitPerMinute   int
	RefreshRateLimitPerMinute int
	EventHeartbeat            time.Duration
}

// Server exposes the data gateway HTTP API.
type Server struct {
	app            *app.App
	admin          *servicetoken.Verifier
	alerter        *security.AuditAlerter
	trusted        *util.TrustedProxies
	corsOrigins    []string
	heartbeat      time.Duration
	mux            *http.ServeMux
	signInLimiter  *ratelimit.FixedWindowLimiter
	tokenLimiter   *ratelimit.FixedWindowLimiter
	refreshLimiter *ratelimit.FixedWindowLimiter
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("server requires app")
	}
	newLimiter := func(name string, limit, fallback int) (*ratelimit.FixedWindowLimiter, error) {
		if limit <= 0 {
			limit = fallback
		}
		limiter, err := ratelimit.NewFixedWindowLimiter(cfg.Redis, "salesdesk:datagateway:ratelimit:"+name, limit, time.Minute)
		if err != nil {
			return nil, fmt.Errorf("init %s limiter: %w", name, err)
		}
		return limiter, nil
	}
	signInLimiter, err := newLimiter("signin", cfg.SignInRateLimitPerMinute, 10)
	if err != nil {
		return nil, err
	}
	tokenLimiter, err := newLimiter("token", cfg.TokenRateLimitPerMinute, 20)
	if err != nil {
		return nil, err
	}
	refreshLimiter, err := newLimiter("refresh", cfg.RefreshRateLimitPerMinute, 30)
	if err != nil {
		return nil, err
	}
	heartbeat := cfg.EventHeartbeat
	if heartbeat <= 0 {
		heartbeat = 25 * time.Second
	}
	s := &Server{
		app:            cfg.App,
		admin:          cfg.AdminVerifier,
		alerter:        cfg.Alerter,
		trusted:        cfg.TrustedProxies,
		corsOrigins:    cfg.CORSOrigins,
		heartbeat:      heartbeat,
		mux:            http.NewServeMux(),
		signInLimiter:  signInLimiter,
		tokenLimiter:   tokenLimiter,
		refreshLimiter: refreshLimiter,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	h := util.WithCORS(s.corsOrigins, s.mux)
	h = util.WithSecurityHeaders(s.trusted, h)
	h = util.WithRequestLog("datagateway", h)
	return util.WithRequestID(h)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// auth
	s.mux.HandleFunc("/auth/signin", s.handleSignIn)
	s.mux.HandleFunc("/auth/token", s.handleToken)
	s.mux.HandleFunc("/auth/refresh", s.handleRefresh)
	s.mux.HandleFunc("/auth/signout", s.handleSignOut)
	s.mux.HandleFunc("/auth/providers", s.handleProviders)
	s.mux.HandleFunc("/auth/jwks", s.handleJWKS)
	s.mux.HandleFunc("/.well-known/jwks.json", s.handleJWKS)
	s.mux.Handle("/auth/session", s.authenticated(s.handleSession))
	s.mux.Handle("/auth/events", s.authenticated(s.handleEvents))

	// records
	s.mux.Handle("/rest/query", s.authenticated(s.handleQuery))
	s.mux.Handle("/rest/query-one", s.authenticated(s.handleQueryOne))

	// admin
	s.mux.Handle("/admin/users", s.adminOnly(s.handleAdminUsers))
	s.mux.Handle("/admin/records", s.adminOnly(s.handleAdminRecords))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type authHandler func(http.ResponseWriter, *http.Request, store.AccessClaims)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := servicetoken.BearerToken(r)
		if !ok {
			s.audit(r, security.EventAuthorize, security.OutcomeFail, "reason", "missing_token")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		claims, err := s.app.Authenticate(r.Context(), token)
		if err != nil {
			if !errors.Is(err, app.ErrUnauthorized) {
				util.LoggerFromContext(r.Context()).Error("verify access token failed", "err", err)
				writeError(w, http.StatusInternalServerError, "internal error")
				return
			}
			s.audit(r, security.EventAuthorize, security.OutcomeFail, "reason", "invalid_token")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, claims)
	})
}

func (s *Server) adminOnly(next http.HandlerFunc) http.Handler {
	if s.admin == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusServiceUnavailable, "admin api disabled")
		})
	}
	return s.admin.Require(next, func(r *http.Request, err error) {
		s.audit(r, security.EventAdminAuthorize, security.OutcomeFail, "reason", err.Error())
	})
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.signInLimiter, security.EventSignIn) {
		return
	}
	var req gateway.SignInRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := s.app.SignIn(r.Context(), req)
	if err != nil {
		if authErr, ok := gateway.AsAuthError(err); ok {
			s.audit(r, security.EventSignIn, security.OutcomeFail, "provider", req.Provider, "code", authErr.Code)
			writeCodedError(w, authErrorStatus(authErr.Code), authErr.Error(), authErr.Code)
			return
		}
		util.LoggerFromContext(r.Context()).Error("sign in failed", "provider", req.Provider, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.audit(r, security.EventSignIn, "success", "provider", req.Provider)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.tokenLimiter, security.EventTokenExchange) {
		return
	}
	var req struct {
		Code string `json:"code"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	pair, err := s.app.ExchangeCode(r.Context(), req.Code)
	if err != nil {
		if errors.Is(err, app.ErrInvalidCode) {
			s.audit(r, security.EventTokenExchange, security.OutcomeFail)
			writeCodedError(w, http.StatusBadRequest, err.Error(), gateway.CodeInvalidCode)
			return
		}
		util.LoggerFromContext(r.Context()).Error("code exchange failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.audit(r, security.EventTokenExchange, "success", "user_id", pair.User.ID)
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.refreshLimiter, security.EventRefresh) {
		return
	}
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	pair, err := s.app.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		if errors.Is(err, app.ErrInvalidRefreshToken) || errors.Is(err, app.ErrRefreshTokenRequired) {
			s.audit(r, security.EventRefresh, security.OutcomeFail)
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		util.LoggerFromContext(r.Context()).Error("refresh failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	token, ok := servicetoken.BearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	if err := s.app.SignOut(r.Context(), token, req.RefreshToken); err != nil {
		util.LoggerFromContext(r.Context()).Error("sign out failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": s.app.Providers()})
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, map[string]any{"keys": s.app.JWKS()})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request, claims store.AccessClaims) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, app.SessionInfo{
		SessionID: claims.SessionID,
		User:      app.User{ID: claims.UserID, Email: claims.Email},
		ExpiresAt: claims.ExpiresAt,
	})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request, claims store.AccessClaims) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var q gateway.Query
	if !decodeJSON(w, r, &q) {
		return
	}
	res, err := s.app.Query(r.Context(), claims, q)
	if err != nil {
		s.writeQueryError(w, r, q.Collection, err)
		return
	}
	if res.Rows == nil {
		res.Rows = []domain.Record{}
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleQueryOne(w http.ResponseWriter, r *http.Request, claims store.AccessClaims) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req struct {
		Collection string          `json:"collection"`
		Filters    gateway.Filters `json:"filters"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	row, ok, err := s.app.QueryOne(r.Context(), claims, req.Collection, req.Filters)
	if err != nil {
		s.writeQueryError(w, r, req.Collection, err)
		return
	}
	if !ok {
		row = nil
	}
	writeJSON(w, http.StatusOK, map[string]any{"row": row})
}

func (s *Server) writeQueryError(w http.ResponseWriter, r *http.Request, collection string, err error) {
	if errors.Is(err, app.ErrQueryForbidden) {
		s.audit(r, security.EventAuthorize, security.OutcomeFail, "reason", "forbidden_query", "collection", collection)
		writeCodedError(w, http.StatusForbidden, app.ErrQueryForbidden.Error(), "forbidden_query")
		return
	}
	if errors.Is(err, store.ErrUnknownCollection) || errors.Is(err, store.ErrUnknownColumn) || errors.Is(err, store.ErrInvalidRange) {
		writeCodedError(w, http.StatusBadRequest, err.Error(), "invalid_query")
		return
	}
	util.LoggerFromContext(r.Context()).Error("query failed", "collection", collection, "err", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func (s *Server) handleAdminUsers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		users, err := s.app.ListUsers(r.Context())
		if err != nil {
			util.LoggerFromContext(r.Context()).Error("list users failed", "err", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": users, "count": len(users)})
	case http.MethodPost:
		var req app.ProvisionRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		user, err := s.app.ProvisionUser(r.Context(), req)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		operator, _ := servicetoken.ClaimsFromContext(r.Context())
		s.audit(r, "admin.provision", "success", "operator", operator.Subject, "email", user.Email, "active", user.IsActive)
		writeJSON(w, http.StatusOK, map[string]any{"user": user})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleAdminRecords(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req struct {
		Collection string          `json:"collection"`
		Records    []domain.Record `json:"records"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	n, err := s.app.SeedRecords(r.Context(), req.Collection, req.Records)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error(), "inserted": n})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"inserted": n})
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	ip := util.ClientIP(r, s.trusted)
	attrs = append(attrs, "path", r.URL.Path, "method", r.Method, "ip", ip)
	util.LogSecurityEvent(r.Context(), event, outcome, attrs...)
	result, err := s.alerter.Observe(r.Context(), event, outcome, ip)
	if err != nil {
		util.LoggerFromContext(r.Context()).Warn("security alert counter failed", "err", err)
		return
	}
	if result.Triggered {
		util.LoggerFromContext(r.Context()).Error("security_alert",
			"event", event,
			"outcome", outcome,
			"ip", ip,
			"count", result.Count,
			"threshold", result.Threshold,
			"window", result.Window.String(),
		)
	}
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, event string) bool {
	key := r.URL.Path + "|" + util.ClientIP(r, s.trusted)
	if limiter.Allow(r.Context(), key) {
		return true
	}
	s.audit(r, event, security.OutcomeRateLimited)
	w.Header().Set("Retry-After", "60")
	writeCodedError(w, http.StatusTooManyRequests, "too many requests", gateway.CodeRateLimited)
	return false
}

func authErrorStatus(code string) int {
	switch code {
	case gateway.CodeInvalidCredentials:
		return http.StatusUnauthorized
	case gateway.CodeRateLimited:
		return http.StatusTooManyRequests
	case gateway.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, out any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeCodedError(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, map[string]string{"error": msg, "code": strings.TrimSpace(code)})
}
