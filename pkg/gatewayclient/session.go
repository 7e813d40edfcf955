package gatewayclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"salesdesk/internal/usertoken"
	"salesdesk/pkg/domain"
	"salesdesk/pkg/gateway"
)

type tokenPair struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// SignIn starts a sign-in with the gateway. Every failure is a
// *gateway.AuthError whose message can be shown on the login page.
func (c *Client) SignIn(ctx context.Context, req gateway.SignInRequest) (gateway.SignInResult, error) {
	var res gateway.SignInResult
	if err := c.doJSON(ctx, http.MethodPost, "/auth/signin", "", req, &res); err != nil {
		return gateway.SignInResult{}, toAuthError(err, gateway.CodeUnavailable)
	}
	return res, nil
}

// ExchangeCode trades the one-time code from the sign-in redirect for a
// session and makes it the current one.
func (c *Client) ExchangeCode(ctx context.Context, code string) (*domain.Session, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, &gateway.AuthError{Code: gateway.CodeInvalidCode, Message: "Missing sign-in code"}
	}
	var pair tokenPair
	if err := c.doJSON(ctx, http.MethodPost, "/auth/token", "", map[string]string{"code": code}, &pair); err != nil {
		return nil, toAuthError(err, gateway.CodeInvalidCode)
	}
	sess, sid, err := c.sessionFromPair(ctx, pair)
	if err != nil {
		return nil, &gateway.AuthError{Code: gateway.CodeUnavailable, Message: "Could not verify the session", Err: err}
	}
	c.adopt(sess, sid)
	return copySession(sess), nil
}

// CurrentSession returns the local session, refreshing it when it is about
// to expire. nil, nil means there is none.
func (c *Client) CurrentSession(ctx context.Context) (*domain.Session, error) {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil {
		return nil, nil
	}
	if time.Now().Add(c.skew).Before(sess.ExpiresAt) {
		return copySession(sess), nil
	}
	return c.refresh(ctx, sess.RefreshToken)
}

// SignOut revokes the session on the gateway and always drops it locally.
func (c *Client) SignOut(ctx context.Context) error {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil {
		return nil
	}
	var payload any
	if sess.RefreshToken != "" {
		payload = map[string]string{"refreshToken": sess.RefreshToken}
	}
	err := c.doJSON(ctx, http.MethodPost, "/auth/signout", sess.AccessToken, payload, nil)
	c.clear()
	if err != nil {
		return fmt.Errorf("sign out: %w", err)
	}
	return nil
}

// OnSessionChange registers fn for session changes. Callbacks run on one
// dispatch goroutine in order, never while the client holds its locks.
func (c *Client) OnSessionChange(fn func(*domain.Session)) gateway.Subscription {
	c.mu.Lock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = fn
	c.mu.Unlock()
	return gateway.SubscriptionFunc(func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	})
}

// Close drops the local session without calling the gateway and stops the
// event stream and callbacks.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.session = nil
	c.sessionID = ""
	stop := c.streamCancel
	c.streamCancel = nil
	c.listeners = make(map[int]func(*domain.Session))
	c.mu.Unlock()
	if stop != nil {
		stop()
	}
	c.dispatch.stop()
}

// refresh rotates the refresh token once per used token. Concurrent callers
// holding the same token wait and share the result. A rejected refresh
// clears the session.
func (c *Client) refresh(ctx context.Context, used string) (*domain.Session, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	c.mu.Lock()
	cur := c.session
	c.mu.Unlock()
	if cur == nil {
		return nil, nil
	}
	if cur.RefreshToken != used {
		return copySession(cur), nil
	}
	if used == "" {
		c.clear()
		return nil, nil
	}

	var pair tokenPair
	err := c.doJSON(ctx, http.MethodPost, "/auth/refresh", "", map[string]string{"refreshToken": used}, &pair)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized {
			c.logger.Info("refresh rejected, clearing session", "user_id", cur.UserID)
			c.clear()
			return nil, nil
		}
		return nil, fmt.Errorf("refresh session: %w", err)
	}
	sess, sid, err := c.sessionFromPair(ctx, pair)
	if err != nil {
		c.clear()
		return nil, fmt.Errorf("verify refreshed session: %w", err)
	}
	c.adopt(sess, sid)
	return copySession(sess), nil
}

func (c *Client) sessionFromPair(ctx context.Context, pair tokenPair) (*domain.Session, string, error) {
	claims, err := c.verifier.Verify(ctx, pair.AccessToken)
	if err != nil {
		return nil, "", err
	}
	return &domain.Session{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		UserID:       claims.Subject,
		Email:        claims.Email,
		ExpiresAt:    claims.ExpiresAt,
	}, sessionIDOf(claims), nil
}

// sessionIDOf prefers the sid claim, which stays fixed across refreshes.
func sessionIDOf(claims usertoken.Claims) string {
	if claims.SessionID != "" {
		return claims.SessionID
	}
	return claims.ID
}

func (c *Client) adopt(sess *domain.Session, sessionID string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	prevUser := ""
	if c.session != nil {
		prevUser = c.session.UserID
	}
	c.session = sess
	c.sessionID = sessionID
	var stop context.CancelFunc
	if c.events && (c.streamCancel == nil || prevUser != sess.UserID) {
		stop = c.streamCancel
		streamCtx, cancel := context.WithCancel(context.Background())
		c.streamCancel = cancel
		go c.runEvents(streamCtx)
	}
	c.mu.Unlock()
	if stop != nil {
		stop()
	}
	c.notify(sess)
}

func (c *Client) clear() {
	c.mu.Lock()
	had := c.session != nil
	c.session = nil
	c.sessionID = ""
	stop := c.streamCancel
	c.streamCancel = nil
	c.mu.Unlock()
	if stop != nil {
		stop()
	}
	if had {
		c.notify(nil)
	}
}

func (c *Client) notify(sess *domain.Session) {
	snapshot := copySession(sess)
	c.dispatch.enqueue(func() {
		c.mu.Lock()
		fns := make([]func(*domain.Session), 0, len(c.listeners))
		for _, fn := range c.listeners {
			fns = append(fns, fn)
		}
		c.mu.Unlock()
		for _, fn := range fns {
			fn(copySession(snapshot))
		}
	})
}

func copySession(sess *domain.Session) *domain.Session {
	if sess == nil {
		return nil
	}
	cp := *sess
	return &cp
}

func toAuthError(err error, fallbackCode string) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status < http.StatusInternalServerError {
		code := apiErr.Code
		if code == "" {
			code = fallbackCode
		}
		return &gateway.AuthError{Code: code, Message: apiErr.Message, Err: err}
	}
	return &gateway.AuthError{Code: gateway.CodeUnavailable, Message: "The sign-in service is unavailable", Err: err}
}
