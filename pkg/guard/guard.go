// Package guard decides whether the current browser context may see the
// dashboard. The same Check backs the route middleware and the sign-in
// callback page.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"salesdesk/pkg/domain"
	"salesdesk/pkg/gateway"
)

// Verdict is the outcome of one guard evaluation.
type Verdict int

const (
	Allow Verdict = iota
	RedirectLogin
	RedirectUnverified
	// Failed means the registration lookup errored. The session has been
	// revoked but no redirect is issued.
	Failed
)

func (v Verdict) String() string {
	switch v {
	case Allow:
		return "allow"
	case RedirectLogin:
		return "redirect_login"
	case RedirectUnverified:
		return "redirect_unverified"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// Routes are the redirect targets.
type Routes struct {
	Login      string
	Unverified string
}

// DefaultRoutes returns /login and /unverified.
func DefaultRoutes() Routes {
	return Routes{Login: "/login", Unverified: "/unverified"}
}

func (r Routes) withDefaults() Routes {
	def := DefaultRoutes()
	if strings.TrimSpace(r.Login) == "" {
		r.Login = def.Login
	}
	if strings.TrimSpace(r.Unverified) == "" {
		r.Unverified = def.Unverified
	}
	return r
}

// Decision is the result of Check. Redirect is empty unless the verdict is
// RedirectLogin or RedirectUnverified.
type Decision struct {
	Verdict  Verdict
	Redirect string
	Session  *domain.Session
	User     domain.Record
	Err      error
	// Interrupted is set when the caller's context ended mid-check. The
	// verdict is Failed and nothing was signed out.
	Interrupted bool
}

func interrupted(ctx context.Context, sess *domain.Session) Decision {
	return Decision{Verdict: Failed, Session: sess, Err: ctx.Err(), Interrupted: true}
}

// SessionLookupError wraps a failed registered-user lookup.
type SessionLookupError struct {
	Email string
	Err   error
}

func (e *SessionLookupError) Error() string {
	return fmt.Sprintf("registered user lookup for %s: %v", e.Email, e.Err)
}

func (e *SessionLookupError) Unwrap() error {
	return e.Err
}

// IsSessionLookupError reports whether err carries a SessionLookupError.
func IsSessionLookupError(err error) bool {
	var lookupErr *SessionLookupError
	return errors.As(err, &lookupErr)
}

// Backend is the part of the gateway Check needs.
type Backend interface {
	CurrentSession(ctx context.Context) (*domain.Session, error)
	QueryOne(ctx context.Context, collection string, filters gateway.Filters) (domain.Record, bool, error)
	SignOut(ctx context.Context) error
}

// Check evaluates the session of gw:
//
//	no session            -> RedirectLogin
//	ctx ended             -> Failed, Interrupted (session kept)
//	lookup error          -> sign out, Failed (no redirect)
//	no active user record -> sign out, RedirectUnverified
//	active user record    -> Allow
func Check(ctx context.Context, gw Backend, routes Routes) Decision {
	routes = routes.withDefaults()
	logger := loggerFrom(ctx)

	sess, err := gw.CurrentSession(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return interrupted(ctx, nil)
		}
		logger.Warn("session read failed", "err", err)
		return Decision{Verdict: RedirectLogin, Redirect: routes.Login, Err: err}
	}
	if !sess.Active(time.Now()) {
		return Decision{Verdict: RedirectLogin, Redirect: routes.Login}
	}

	filters := gateway.Filters{}.
		WithEq("email", sess.Email).
		WithEq("is_active", true)
	user, found, err := gw.QueryOne(ctx, domain.CollectionUsers, filters)
	if ctx.Err() != nil {
		return interrupted(ctx, sess)
	}
	if err != nil {
		lookupErr := &SessionLookupError{Email: sess.Email, Err: err}
		logger.Error("registered user lookup failed", "email", sess.Email, "err", err)
		signOut(ctx, gw, logger)
		return Decision{Verdict: Failed, Session: sess, Err: lookupErr}
	}
	if !found {
		logger.Info("session has no active registration", "email", sess.Email)
		signOut(ctx, gw, logger)
		return Decision{Verdict: RedirectUnverified, Redirect: routes.Unverified, Session: sess}
	}
	return Decision{Verdict: Allow, Session: sess, User: user}
}

func signOut(ctx context.Context, gw Backend, logger *slog.Logger) {
	if err := gw.SignOut(ctx); err != nil {
		logger.Warn("sign out after guard rejection failed", "err", err)
	}
}

type loggerKey struct{}

// WithLogger attaches logger to ctx for Check.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

func loggerFrom(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok && logger != nil {
		return logger
	}
	return slog.Default()
}

// Guard re-runs Check on mount and on every session change until it is
// unmounted or delivers a redirect.
type Guard struct {
	gw         gateway.Gateway
	routes     Routes
	onDecision func(Decision)

	deliverMu sync.Mutex
	// inflight counts running evaluations; Unmount waits for it
	inflight sync.WaitGroup

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	sub     gateway.Subscription
	mounted bool
	stopped bool
	last    Decision
}

// New returns an unmounted guard. onDecision may be nil.
func New(gw gateway.Gateway, routes Routes, onDecision func(Decision)) *Guard {
	return &Guard{gw: gw, routes: routes.withDefaults(), onDecision: onDecision}
}

// Mount evaluates the session, then subscribes to session changes. The
// initial decision is returned and also delivered to onDecision. A guard
// can be mounted once.
func (g *Guard) Mount(ctx context.Context) (Decision, error) {
	g.mu.Lock()
	if g.mounted {
		g.mu.Unlock()
		return Decision{}, errors.New("guard already mounted")
	}
	if g.stopped {
		g.mu.Unlock()
		return Decision{}, errors.New("guard unmounted")
	}
	g.mounted = true
	g.ctx, g.cancel = context.WithCancel(ctx)
	gctx := g.ctx
	g.inflight.Add(1)
	g.mu.Unlock()

	d := Check(gctx, g.gw, g.routes)
	g.deliver(d)
	g.inflight.Done()
	if isRedirect(d.Verdict) || d.Interrupted {
		return d, nil
	}

	sub := g.gw.OnSessionChange(func(*domain.Session) {
		g.mu.Lock()
		if g.stopped {
			g.mu.Unlock()
			return
		}
		evalCtx := g.ctx
		g.inflight.Add(1)
		g.mu.Unlock()
		defer g.inflight.Done()

		g.deliver(Check(evalCtx, g.gw, g.routes))
	})

	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		sub.Cancel()
		return d, nil
	}
	g.sub = sub
	g.mu.Unlock()
	return d, nil
}

// Unmount cancels the subscription and waits for a running evaluation to
// finish. No decision is delivered and no sign-out is issued once Unmount
// returns. Safe to call more than once. onDecision must not call Unmount
// synchronously.
func (g *Guard) Unmount() {
	g.stop()
	g.inflight.Wait()
}

// stop is Unmount without the wait, for the delivering goroutine itself.
func (g *Guard) stop() {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	g.stopped = true
	sub := g.sub
	g.sub = nil
	cancel := g.cancel
	g.mu.Unlock()

	if sub != nil {
		sub.Cancel()
	}
	if cancel != nil {
		cancel()
	}
}

// Last returns the most recently delivered decision.
func (g *Guard) Last() Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}

// Active reports whether the guard is mounted and not yet stopped.
func (g *Guard) Active() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mounted && !g.stopped
}

func (g *Guard) deliver(d Decision) {
	g.deliverMu.Lock()
	defer g.deliverMu.Unlock()

	if d.Interrupted {
		return
	}
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	g.last = d
	g.mu.Unlock()

	if g.onDecision != nil {
		g.onDecision(d)
	}
	// a redirect ends this guard; the next page mounts its own
	if isRedirect(d.Verdict) {
		g.stop()
	}
}

func isRedirect(v Verdict) bool {
	return v == RedirectLogin || v == RedirectUnverified
}
