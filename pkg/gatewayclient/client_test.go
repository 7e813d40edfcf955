package gatewayclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"salesdesk/internal/usertoken"
	"salesdesk/pkg/domain"
	"salesdesk/pkg/gateway"
)

// fakeGateway issues tokens named access-N / refresh-N and remembers
// which ones are still valid.
type fakeGateway struct {
	mu        sync.Mutex
	next      int
	ttl       time.Duration
	access    map[string]bool
	refresh   map[string]bool
	claims    map[string]usertoken.Claims
	signOuts  []string
	refreshes int
	events    chan domain.SessionEvent

	// streamDrops closes that many event streams right after connecting.
	streamDrops int
	connects    int
}

func newFakeGateway(ttl time.Duration) *fakeGateway {
	return &fakeGateway{
		ttl:     ttl,
		access:  make(map[string]bool),
		refresh: make(map[string]bool),
		claims:  make(map[string]usertoken.Claims),
		events:  make(chan domain.SessionEvent, 4),
	}
}

func (f *fakeGateway) issueLocked() tokenPair {
	f.next++
	access := fmt.Sprintf("access-%d", f.next)
	refresh := fmt.Sprintf("refresh-%d", f.next)
	exp := time.Now().Add(f.ttl)
	f.access[access] = true
	f.refresh[refresh] = true
	f.claims[access] = usertoken.Claims{Subject: "user-1", Email: "ops@example.com", ID: fmt.Sprintf("jti-%d", f.next), SessionID: "sid-1", ExpiresAt: exp}
	return tokenPair{AccessToken: access, RefreshToken: refresh, ExpiresAt: exp}
}

func (f *fakeGateway) Verify(_ context.Context, token string) (usertoken.Claims, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	claims, ok := f.claims[token]
	if !ok {
		return usertoken.Claims{}, usertoken.ErrInvalidToken
	}
	return claims, nil
}

func (f *fakeGateway) revokeAccess(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.access, token)
}

func (f *fakeGateway) authorized(r *http.Request) bool {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.access[token]
}

func (f *fakeGateway) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/signin", func(w http.ResponseWriter, r *http.Request) {
		var req gateway.SignInRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Password != "right" {
			writeTestJSON(w, http.StatusUnauthorized, map[string]string{"error": "Incorrect email address or password", "code": gateway.CodeInvalidCredentials})
			return
		}
		writeTestJSON(w, http.StatusOK, gateway.SignInResult{RedirectURL: req.RedirectTo + "?code=good"})
	})
	mux.HandleFunc("/auth/token", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Code string `json:"code"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Code != "good" {
			writeTestJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid or expired code", "code": gateway.CodeInvalidCode})
			return
		}
		f.mu.Lock()
		pair := f.issueLocked()
		f.mu.Unlock()
		writeTestJSON(w, http.StatusOK, pair)
	})
	mux.HandleFunc("/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			RefreshToken string `json:"refreshToken"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		defer f.mu.Unlock()
		f.refreshes++
		if !f.refresh[req.RefreshToken] {
			writeTestJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid refresh token"})
			return
		}
		delete(f.refresh, req.RefreshToken)
		writeTestJSON(w, http.StatusOK, f.issueLocked())
	})
	mux.HandleFunc("/auth/signout", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			RefreshToken string `json:"refreshToken"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.signOuts = append(f.signOuts, req.RefreshToken)
		delete(f.refresh, req.RefreshToken)
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/rest/query", func(w http.ResponseWriter, r *http.Request) {
		if !f.authorized(r) {
			writeTestJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		var q gateway.Query
		_ = json.NewDecoder(r.Body).Decode(&q)
		if q.Collection == "payroll" {
			writeTestJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown collection", "code": "invalid_query"})
			return
		}
		writeTestJSON(w, http.StatusOK, gateway.Result{Rows: []domain.Record{{"name": "Alpha"}}, TotalCount: 7})
	})
	mux.HandleFunc("/rest/query-one", func(w http.ResponseWriter, r *http.Request) {
		if !f.authorized(r) {
			writeTestJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		var req struct {
			Collection string          `json:"collection"`
			Filters    gateway.Filters `json:"filters"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if len(req.Filters.Eq) > 0 && req.Filters.Eq[0].Value == "ops@example.com" {
			writeTestJSON(w, http.StatusOK, map[string]any{"row": domain.Record{"email": "ops@example.com", "is_active": true}})
			return
		}
		writeTestJSON(w, http.StatusOK, map[string]any{"row": nil})
	})
	mux.HandleFunc("/auth/events", func(w http.ResponseWriter, r *http.Request) {
		if !f.authorized(r) {
			writeTestJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, ": connected\n\n")
		w.(http.Flusher).Flush()
		f.mu.Lock()
		f.connects++
		drop := f.streamDrops > 0
		if drop {
			f.streamDrops--
		}
		f.mu.Unlock()
		if drop {
			return
		}
		for {
			select {
			case <-r.Context().Done():
				return
			case ev := <-f.events:
				raw, _ := json.Marshal(ev)
				fmt.Fprintf(w, "id: %s\nevent: session\ndata: %s\n\n", ev.ID, raw)
				w.(http.Flusher).Flush()
			}
		}
	})
	return mux
}

func writeTestJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type sessionRecorder struct {
	ch chan *domain.Session
}

func newSessionRecorder(c *Client) *sessionRecorder {
	r := &sessionRecorder{ch: make(chan *domain.Session, 16)}
	c.OnSessionChange(func(s *domain.Session) { r.ch <- s })
	return r
}

func (r *sessionRecorder) next(t *testing.T) *domain.Session {
	t.Helper()
	select {
	case s := <-r.ch:
		return s
	case <-time.After(3 * time.Second):
		t.Fatalf("no session change delivered")
		return nil
	}
}

func newTestClient(t *testing.T, fake *fakeGateway, events bool) *Client {
	t.Helper()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL + "/", Verifier: fake, DisableEvents: !events, RefreshSkew: time.Second})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestSignInMapsRejectionsToAuthError(t *testing.T) {
	c := newTestClient(t, newFakeGateway(time.Minute), false)
	ctx := context.Background()

	_, err := c.SignIn(ctx, gateway.SignInRequest{Provider: gateway.ProviderPassword, Email: "ops@example.com", Password: "wrong"})
	var authErr *gateway.AuthError
	if !errors.As(err, &authErr) || authErr.Code != gateway.CodeInvalidCredentials || authErr.Message != "Incorrect email address or password" {
		t.Fatalf("unexpected sign-in error: %#v", err)
	}

	res, err := c.SignIn(ctx, gateway.SignInRequest{Provider: gateway.ProviderPassword, Email: "ops@example.com", Password: "right", RedirectTo: "https://desk/cb"})
	if err != nil || res.RedirectURL != "https://desk/cb?code=good" {
		t.Fatalf("sign in: res=%+v err=%v", res, err)
	}

	if _, err := c.ExchangeCode(ctx, "stale"); err == nil {
		t.Fatalf("expected AuthError for bad code")
	} else if _, ok := gateway.AsAuthError(err); !ok {
		t.Fatalf("expected AuthError for bad code, got %v", err)
	}
}

func TestSignInUnavailableGateway(t *testing.T) {
	c, err := New(Config{BaseURL: "http://127.0.0.1:1", Verifier: newFakeGateway(time.Minute), DisableEvents: true})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer c.Close()
	_, err = c.SignIn(context.Background(), gateway.SignInRequest{Provider: gateway.ProviderPassword})
	var authErr *gateway.AuthError
	if !errors.As(err, &authErr) || authErr.Code != gateway.CodeUnavailable {
		t.Fatalf("expected unavailable AuthError, got %v", err)
	}
}

func TestExchangeCodeAdoptsSessionAndQueries(t *testing.T) {
	fake := newFakeGateway(time.Minute)
	c := newTestClient(t, fake, false)
	rec := newSessionRecorder(c)
	ctx := context.Background()

	if sess, err := c.CurrentSession(ctx); err != nil || sess != nil {
		t.Fatalf("expected no session, got %+v err=%v", sess, err)
	}
	if _, err := c.QueryRecords(ctx, gateway.Query{Collection: "customers"}); !errors.Is(err, gateway.ErrNotAuthenticated) {
		t.Fatalf("anonymous query err = %v", err)
	}

	sess, err := c.ExchangeCode(ctx, "good")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if sess.UserID != "user-1" || sess.Email != "ops@example.com" || sess.AccessToken != "access-1" {
		t.Fatalf("unexpected session: %+v", sess)
	}
	if got := rec.next(t); got == nil || got.AccessToken != "access-1" {
		t.Fatalf("listener got %+v", got)
	}

	res, err := c.QueryRecords(ctx, gateway.Query{Collection: "customers"})
	if err != nil || res.TotalCount != 7 || len(res.Rows) != 1 {
		t.Fatalf("query: res=%+v err=%v", res, err)
	}
	_, err = c.QueryRecords(ctx, gateway.Query{Collection: "payroll"})
	var queryErr *gateway.QueryError
	if !errors.As(err, &queryErr) || queryErr.Collection != "payroll" {
		t.Fatalf("expected QueryError, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "invalid_query" {
		t.Fatalf("expected wrapped APIError, got %v", err)
	}

	row, found, err := c.QueryOne(ctx, domain.CollectionUsers, gateway.Filters{}.WithEq("email", "ops@example.com"))
	if err != nil || !found || row.String("email") != "ops@example.com" {
		t.Fatalf("query one: row=%v found=%v err=%v", row, found, err)
	}
	_, found, err = c.QueryOne(ctx, domain.CollectionUsers, gateway.Filters{}.WithEq("email", "nobody@example.com"))
	if err != nil || found {
		t.Fatalf("query one miss: found=%v err=%v", found, err)
	}
}

func TestCurrentSessionRefreshesNearExpiry(t *testing.T) {
	fake := newFakeGateway(500 * time.Millisecond)
	c := newTestClient(t, fake, false)
	ctx := context.Background()

	if _, err := c.ExchangeCode(ctx, "good"); err != nil {
		t.Fatalf("exchange: %v", err)
	}
	sess, err := c.CurrentSession(ctx)
	if err != nil || sess == nil {
		t.Fatalf("current session: %+v err=%v", sess, err)
	}
	if sess.AccessToken != "access-2" || sess.RefreshToken != "refresh-2" {
		t.Fatalf("expected refreshed session, got %+v", sess)
	}
}

func TestUnauthorizedQueryRefreshesOnce(t *testing.T) {
	fake := newFakeGateway(time.Minute)
	c := newTestClient(t, fake, false)
	ctx := context.Background()

	if _, err := c.ExchangeCode(ctx, "good"); err != nil {
		t.Fatalf("exchange: %v", err)
	}
	fake.revokeAccess("access-1")
	if _, err := c.QueryRecords(ctx, gateway.Query{Collection: "customers"}); err != nil {
		t.Fatalf("query after refresh: %v", err)
	}
	sess, _ := c.CurrentSession(ctx)
	if sess == nil || sess.AccessToken != "access-2" {
		t.Fatalf("expected rotated session, got %+v", sess)
	}
	fake.mu.Lock()
	refreshes := fake.refreshes
	fake.mu.Unlock()
	if refreshes != 1 {
		t.Fatalf("refreshes = %d, want 1", refreshes)
	}
}

func TestRejectedRefreshClearsSession(t *testing.T) {
	fake := newFakeGateway(time.Minute)
	c := newTestClient(t, fake, false)
	ctx := context.Background()

	rec := newSessionRecorder(c)
	if _, err := c.ExchangeCode(ctx, "good"); err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if got := rec.next(t); got == nil {
		t.Fatalf("expected adopted session first")
	}
	fake.revokeAccess("access-1")
	fake.mu.Lock()
	delete(fake.refresh, "refresh-1")
	fake.mu.Unlock()

	if _, err := c.QueryRecords(ctx, gateway.Query{Collection: "customers"}); !errors.Is(err, gateway.ErrNotAuthenticated) {
		t.Fatalf("expected not authenticated, got %v", err)
	}
	if got := rec.next(t); got != nil {
		t.Fatalf("expected nil session notification, got %+v", got)
	}
	if sess, _ := c.CurrentSession(ctx); sess != nil {
		t.Fatalf("session should be cleared")
	}
}

func TestSignOutClearsLocally(t *testing.T) {
	fake := newFakeGateway(time.Minute)
	c := newTestClient(t, fake, false)
	ctx := context.Background()

	if _, err := c.ExchangeCode(ctx, "good"); err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if err := c.SignOut(ctx); err != nil {
		t.Fatalf("sign out: %v", err)
	}
	if sess, _ := c.CurrentSession(ctx); sess != nil {
		t.Fatalf("session should be cleared")
	}
	fake.mu.Lock()
	signOuts := append([]string(nil), fake.signOuts...)
	fake.mu.Unlock()
	if len(signOuts) != 1 || signOuts[0] != "refresh-1" {
		t.Fatalf("sign-out calls = %v", signOuts)
	}
	if err := c.SignOut(ctx); err != nil {
		t.Fatalf("second sign out: %v", err)
	}
}

func TestRemoteSignOutEventClearsSession(t *testing.T) {
	fake := newFakeGateway(time.Minute)
	c := newTestClient(t, fake, true)
	ctx := context.Background()

	rec := newSessionRecorder(c)
	if _, err := c.ExchangeCode(ctx, "good"); err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if got := rec.next(t); got == nil {
		t.Fatalf("expected adopted session first")
	}

	fake.events <- domain.SessionEvent{ID: "e1", Type: domain.EventSignedOut, UserID: "user-1", SessionID: "sid-other"}
	fake.events <- domain.SessionEvent{ID: "e2", Type: domain.EventSignedOut, UserID: "user-1", SessionID: "sid-1"}

	if got := rec.next(t); got != nil {
		t.Fatalf("expected nil session notification, got %+v", got)
	}
	if sess, _ := c.CurrentSession(ctx); sess != nil {
		t.Fatalf("session should be cleared after remote sign-out")
	}
}

func TestEventStreamReconnectsAfterDrop(t *testing.T) {
	fake := newFakeGateway(time.Minute)
	fake.streamDrops = 1
	c := newTestClient(t, fake, true)
	ctx := context.Background()

	rec := newSessionRecorder(c)
	if _, err := c.ExchangeCode(ctx, "good"); err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if got := rec.next(t); got == nil {
		t.Fatalf("expected adopted session first")
	}

	fake.events <- domain.SessionEvent{ID: "e1", Type: domain.EventUserDeactivated, UserID: "user-1"}
	if got := rec.next(t); got != nil {
		t.Fatalf("expected nil session after reconnect, got %+v", got)
	}
	fake.mu.Lock()
	connects := fake.connects
	fake.mu.Unlock()
	if connects < 2 {
		t.Fatalf("connects = %d, want a reconnect", connects)
	}
}

func TestStreamBackoffGrowsAndResets(t *testing.T) {
	bo := newStreamBackoff()
	first := bo.NextBackOff()
	if first < 500*time.Millisecond || first > 1500*time.Millisecond {
		t.Fatalf("first delay = %v", first)
	}
	var last time.Duration
	for i := 0; i < 20; i++ {
		last = bo.NextBackOff()
		if last > 45*time.Second {
			t.Fatalf("delay %v exceeds the randomized cap", last)
		}
	}
	if last < 15*time.Second {
		t.Fatalf("delay did not grow: %v", last)
	}
	bo.Reset()
	if d := bo.NextBackOff(); d > 1500*time.Millisecond {
		t.Fatalf("delay after reset = %v", d)
	}
}

func TestSubscriptionCancelStopsCallbacks(t *testing.T) {
	c := newTestClient(t, newFakeGateway(time.Minute), false)
	called := make(chan struct{}, 1)
	sub := c.OnSessionChange(func(*domain.Session) { called <- struct{}{} })
	sub.Cancel()
	rec := newSessionRecorder(c)
	if _, err := c.ExchangeCode(context.Background(), "good"); err != nil {
		t.Fatalf("exchange: %v", err)
	}
	_ = c.SignOut(context.Background())
	if got := rec.next(t); got == nil {
		t.Fatalf("expected adopted session first")
	}
	if got := rec.next(t); got != nil {
		t.Fatalf("expected sign-out notification, got %+v", got)
	}
	select {
	case <-called:
		t.Fatalf("cancelled listener was called")
	default:
	}
}
