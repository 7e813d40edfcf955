package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"salesdesk/internal/ratelimit"
	"salesdesk/internal/util"
	"salesdesk/pkg/domain"
	"salesdesk/pkg/gateway"
	"salesdesk/pkg/guard"
	"salesdesk/pkg/listsync"
	"salesdesk/services/dashboard/internal/app"
)

// WorkspaceCookie carries the workspace id of a browser context.
const WorkspaceCookie = "sd_ws"

// Config wires required dependencies for the HTTP server.
type Config struct {
	App                     *app.App
	Redis                   *redis.Client
	TrustedProxies          *util.TrustedProxies
	CORSOrigins             []string
	CookieSecure            bool
	LoginRateLimitPerMinute int
	ViewTimeout             time.Duration
}

// Server exposes the dashboard HTTP API.
type Server struct {
	app          *app.App
	trusted      *util.TrustedProxies
	corsOrigins  []string
	cookieSecure bool
	viewTimeout  time.Duration
	mux          *http.ServeMux
	loginLimiter *ratelimit.FixedWindowLimiter
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("server requires app")
	}
	limit := cfg.LoginRateLimitPerMinute
	if limit <= 0 {
		limit = 10
	}
	loginLimiter, err := ratelimit.NewFixedWindowLimiter(cfg.Redis, "salesdesk:dashboard:ratelimit:login", limit, time.Minute)
	if err != nil {
		return nil, fmt.Errorf("init login limiter: %w", err)
	}
	viewTimeout := cfg.ViewTimeout
	if viewTimeout <= 0 {
		viewTimeout = 10 * time.Second
	}
	s := &Server{
		app:          cfg.App,
		trusted:      cfg.TrustedProxies,
		corsOrigins:  cfg.CORSOrigins,
		cookieSecure: cfg.CookieSecure,
		viewTimeout:  viewTimeout,
		mux:          http.NewServeMux(),
		loginLimiter: loginLimiter,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	h := util.WithCORS(s.corsOrigins, s.mux)
	h = util.WithSecurityHeaders(s.trusted, h)
	h = util.WithRequestLog("dashboard", h)
	return util.WithRequestID(h)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	s.mux.HandleFunc("/login", s.handleLogin)
	s.mux.HandleFunc("/auth/callback", s.handleCallback)
	s.mux.HandleFunc("/unverified", s.handleUnverified)
	s.mux.HandleFunc("/logout", s.handleLogout)

	s.mux.Handle("/api/session", s.guarded(s.handleSession))
	s.mux.Handle("/api/resources", s.guarded(s.handleResources))
	s.mux.Handle("/api/lists/", s.guarded(s.handleList))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type guardedHandler func(http.ResponseWriter, *http.Request, *app.Workspace, guard.Decision)

// guarded runs the session guard before next. Only Allow reaches next.
func (s *Server) guarded(next guardedHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, ok := s.workspace(r)
		if !ok {
			writeRedirect(w, http.StatusUnauthorized, s.app.Routes().Login)
			return
		}
		d := ws.Authorize(r.Context())
		if d.Verdict == guard.Allow {
			next(w, r, ws, d)
			return
		}
		if d.Interrupted {
			writeError(w, http.StatusServiceUnavailable, "request canceled")
			return
		}
		s.clearCookie(w)
		s.writeDecision(w, r, d)
	})
}

func (s *Server) writeDecision(w http.ResponseWriter, r *http.Request, d guard.Decision) {
	switch d.Verdict {
	case guard.RedirectLogin:
		writeRedirect(w, http.StatusUnauthorized, d.Redirect)
	case guard.RedirectUnverified:
		util.LogSecurityEvent(r.Context(), "dashboard.authorize", "unverified", "ip", util.ClientIP(r, s.trusted))
		writeRedirect(w, http.StatusForbidden, d.Redirect)
	default:
		util.LoggerFromContext(r.Context()).Error("session check failed", "err", d.Err)
		writeError(w, http.StatusUnauthorized, "session check failed")
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		payload := map[string]any{"providers": []string{}}
		ws, ok := s.workspace(r)
		if !ok {
			var err error
			if ws, err = s.openWorkspace(w); err != nil {
				util.LoggerFromContext(r.Context()).Error("open workspace failed", "err", err)
				writeError(w, http.StatusInternalServerError, "internal error")
				return
			}
		}
		providers, err := ws.Providers(r.Context())
		if err != nil {
			util.LoggerFromContext(r.Context()).Warn("list providers failed", "err", err)
		} else {
			payload["providers"] = providers
		}
		if msg := ws.LastAuthError(); msg != "" {
			payload["error"] = msg
		}
		writeJSON(w, http.StatusOK, payload)
	case http.MethodPost:
		if !s.allowRate(w, r) {
			return
		}
		var req struct {
			Provider string `json:"provider"`
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		ws, ok := s.workspace(r)
		if !ok {
			var err error
			if ws, err = s.openWorkspace(w); err != nil {
				util.LoggerFromContext(r.Context()).Error("open workspace failed", "err", err)
				writeError(w, http.StatusInternalServerError, "internal error")
				return
			}
		}
		res, err := ws.SignIn(r.Context(), req.Provider, req.Email, req.Password)
		if err != nil {
			if authErr, ok := gateway.AsAuthError(err); ok {
				util.LogSecurityEvent(r.Context(), "dashboard.login", "fail", "provider", req.Provider, "code", authErr.Code, "ip", util.ClientIP(r, s.trusted))
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": authErr.Error(), "code": authErr.Code})
				return
			}
			util.LoggerFromContext(r.Context()).Error("sign in failed", "err", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if res.RedirectURL != "" {
			writeJSON(w, http.StatusOK, map[string]string{"redirect": res.RedirectURL})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sent": true})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	ws, ok := s.workspace(r)
	if !ok {
		var err error
		if ws, err = s.openWorkspace(w); err != nil {
			util.LoggerFromContext(r.Context()).Error("open workspace failed", "err", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
	}
	d, err := ws.CompleteSignIn(r.Context(), r.URL.Query().Get("code"))
	if err != nil {
		var authErr *gateway.AuthError
		switch {
		case errors.Is(err, app.ErrCallbackCodeEmpty):
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error(), "redirect": s.app.Routes().Login})
		case errors.As(err, &authErr):
			util.LogSecurityEvent(r.Context(), "dashboard.callback", "fail", "code", authErr.Code, "ip", util.ClientIP(r, s.trusted))
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": authErr.Error(), "code": authErr.Code, "redirect": s.app.Routes().Login})
		default:
			util.LoggerFromContext(r.Context()).Error("complete sign in failed", "err", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	if d.Verdict != guard.Allow {
		s.clearCookie(w)
		s.writeDecision(w, r, d)
		return
	}
	util.LogSecurityEvent(r.Context(), "dashboard.callback", "success", "user_id", d.Session.UserID)
	writeJSON(w, http.StatusOK, map[string]any{"redirect": "/", "user": sessionUser(d)})
}

func (s *Server) handleUnverified(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message":  "Your account has not been activated yet. Ask an administrator to enable it.",
		"redirect": s.app.Routes().Login,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if ws, ok := s.workspace(r); ok {
		if err := ws.SignOut(r.Context()); err != nil {
			util.LoggerFromContext(r.Context()).Warn("gateway sign out failed", "err", err)
		}
	}
	s.clearCookie(w)
	writeRedirect(w, http.StatusOK, s.app.Routes().Login)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request, _ *app.Workspace, d guard.Decision) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": sessionUser(d), "expiresAt": d.Session.ExpiresAt})
}

func (s *Server) handleResources(w http.ResponseWriter, r *http.Request, _ *app.Workspace, _ guard.Decision) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": app.Resources()})
}

// handleList serves /api/lists/{resource}[/{action}].
func (s *Server) handleList(w http.ResponseWriter, r *http.Request, ws *app.Workspace, _ guard.Decision) {
	path := strings.TrimPrefix(r.URL.Path, "/api/lists/")
	parts := strings.SplitN(path, "/", 2)
	if parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	list, err := ws.List(domain.ResourceType(parts[0]))
	if err != nil {
		if errors.Is(err, app.ErrUnknownResource) {
			writeError(w, http.StatusNotFound, "unknown resource")
			return
		}
		if errors.Is(err, app.ErrWorkspaceClosed) {
			writeRedirect(w, http.StatusUnauthorized, s.app.Routes().Login)
			return
		}
		util.LoggerFromContext(r.Context()).Error("open list failed", "resource", parts[0], "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}
	if action == "" {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		if raw := r.URL.Query().Get("since"); raw != "" {
			since, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid since")
				return
			}
			ctx, cancel := context.WithTimeout(r.Context(), s.viewTimeout)
			// a timed out wait still answers with the unchanged view
			_ = list.WaitChange(ctx, since)
			cancel()
		}
		s.writeView(w, r, list)
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	switch action {
	case "filter":
		var req struct {
			Value string `json:"value"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		list.Submit(req.Value)
	case "reset":
		list.Reset()
	case "page":
		var req struct {
			Page int `json:"page"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		if err := list.SetPage(req.Page); err != nil {
			if errors.Is(err, listsync.ErrPageOutOfRange) {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
	case "next":
		list.Next()
	case "prev":
		list.Prev()
	case "refresh":
		list.Refresh()
	default:
		http.NotFound(w, r)
		return
	}
	s.writeView(w, r, list)
}

func (s *Server) writeView(w http.ResponseWriter, r *http.Request, list *app.List) {
	ctx, cancel := context.WithTimeout(r.Context(), s.viewTimeout)
	defer cancel()
	view, err := list.View(ctx)
	if err != nil {
		writeError(w, http.StatusGatewayTimeout, "list is still loading")
		return
	}
	if view.Rows == nil {
		view.Rows = []domain.Record{}
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) workspace(r *http.Request) (*app.Workspace, bool) {
	cookie, err := r.Cookie(WorkspaceCookie)
	if err != nil {
		return nil, false
	}
	return s.app.Lookup(cookie.Value)
}

func (s *Server) openWorkspace(w http.ResponseWriter) (*app.Workspace, error) {
	ws, err := s.app.Open()
	if err != nil {
		return nil, err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     WorkspaceCookie,
		Value:    ws.ID(),
		Path:     "/",
		HttpOnly: true,
		Secure:   s.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	return ws, nil
}

func (s *Server) clearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     WorkspaceCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request) bool {
	ip := util.ClientIP(r, s.trusted)
	if s.loginLimiter.Allow(r.Context(), r.URL.Path+"|"+ip) {
		return true
	}
	util.LogSecurityEvent(r.Context(), "dashboard.login", "rate_limited", "ip", ip)
	w.Header().Set("Retry-After", "60")
	writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "too many requests", "code": gateway.CodeRateLimited})
	return false
}

func sessionUser(d guard.Decision) map[string]string {
	if d.Session == nil {
		return nil
	}
	return map[string]string{"id": d.Session.UserID, "email": d.Session.Email}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(out); err != nil {
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

func writeRedirect(w http.ResponseWriter, status int, target string) {
	writeJSON(w, status, map[string]string{"redirect": target})
}
