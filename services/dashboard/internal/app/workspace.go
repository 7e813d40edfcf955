package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"salesdesk/internal/util"
	"salesdesk/pkg/domain"
	"salesdesk/pkg/filterinput"
	"salesdesk/pkg/gateway"
	"salesdesk/pkg/guard"
	"salesdesk/pkg/listcache"
	"salesdesk/pkg/listsync"
)

// Workspace is the state of one browser context: its gateway session, its
// list cache and the list views mounted on it.
type Workspace struct {
	app    *App
	id     string
	client SessionClient
	cache  *listcache.Store
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	used      time.Time
	lists     map[domain.ResourceType]*List
	guard     *guard.Guard
	authError string
	closed    bool
}

func newWorkspace(a *App, id string, client SessionClient) *Workspace {
	ctx, cancel := context.WithCancel(context.Background())
	return &Workspace{
		app:    a,
		id:     id,
		client: client,
		cache:  listcache.New(),
		ctx:    ctx,
		cancel: cancel,
		used:   time.Now(),
		lists:  make(map[domain.ResourceType]*List),
	}
}

// ID returns the workspace id carried in the browser cookie.
func (w *Workspace) ID() string {
	return w.id
}

// Providers lists the sign-in providers offered on the login page.
func (w *Workspace) Providers(ctx context.Context) ([]string, error) {
	return w.client.Providers(ctx)
}

// LastAuthError returns the inline message of the last failed sign-in.
func (w *Workspace) LastAuthError() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.authError
}

// SignIn starts a sign-in and remembers an AuthError for the login page.
func (w *Workspace) SignIn(ctx context.Context, provider, email, password string) (gateway.SignInResult, error) {
	res, err := w.client.SignIn(ctx, gateway.SignInRequest{
		Provider:   strings.ToLower(strings.TrimSpace(provider)),
		Email:      strings.TrimSpace(email),
		Password:   password,
		RedirectTo: w.app.callbackURL,
	})
	w.setAuthError(err)
	return res, err
}

// CompleteSignIn exchanges the callback code and runs the guard. On Allow
// the session guard is mounted; any other verdict discards the workspace.
func (w *Workspace) CompleteSignIn(ctx context.Context, code string) (guard.Decision, error) {
	if strings.TrimSpace(code) == "" {
		return guard.Decision{}, ErrCallbackCodeEmpty
	}
	if _, err := w.client.ExchangeCode(ctx, code); err != nil {
		w.setAuthError(err)
		return guard.Decision{}, err
	}
	w.setAuthError(nil)
	d := w.Authorize(ctx)
	if d.Verdict == guard.Allow {
		if err := w.mountGuard(); err != nil {
			util.LoggerFromContext(ctx).Warn("mount session guard failed", "workspace_id", w.id, "err", err)
		}
	}
	return d, nil
}

// Authorize runs the guard decision for a request. A verdict other than
// Allow discards the workspace, unless ctx ended before the check finished.
func (w *Workspace) Authorize(ctx context.Context) guard.Decision {
	d := guard.Check(guard.WithLogger(ctx, util.LoggerFromContext(ctx)), w.client, w.app.routes)
	if d.Verdict != guard.Allow && !d.Interrupted {
		w.app.Discard(w.id)
	}
	return d
}

// SignOut ends the session on the gateway and discards the workspace.
func (w *Workspace) SignOut(ctx context.Context) error {
	err := w.client.SignOut(ctx)
	w.app.Discard(w.id)
	return err
}

// List returns the list view of rt, creating and starting it on first use.
func (w *Workspace) List(rt domain.ResourceType) (*List, error) {
	res, ok := LookupResource(rt)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownResource, rt)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrWorkspaceClosed
	}
	if l, ok := w.lists[rt]; ok {
		return l, nil
	}
	ctrl, err := listsync.New(listsync.Config{
		Resource:    res.Type,
		Collection:  res.Collection,
		SearchField: res.SearchField,
		CompanyID:   w.app.companyID,
		PageSize:    w.app.pageSize,
		Querier:     w.client,
		Cache:       w.cache,
		Logger:      w.app.logger.With("workspace_id", w.id),
	})
	if err != nil {
		return nil, err
	}
	l := &List{rt: res.Type, cache: w.cache, ctrl: ctrl, input: filterinput.New(ctrl)}
	w.lists[rt] = l
	ctrl.Start(w.ctx)
	return l, nil
}

func (w *Workspace) mountGuard() error {
	w.mu.Lock()
	if w.closed || w.guard != nil {
		w.mu.Unlock()
		return nil
	}
	g := guard.New(w.client, w.app.routes, func(d guard.Decision) {
		if d.Verdict != guard.Allow {
			w.app.logger.Info("session guard ended workspace", "workspace_id", w.id, "verdict", d.Verdict.String())
			// off the callback goroutine: teardown unmounts this guard
			go w.app.Discard(w.id)
		}
	})
	w.guard = g
	w.mu.Unlock()

	_, err := g.Mount(w.ctx)
	return err
}

func (w *Workspace) setAuthError(err error) {
	msg := ""
	if authErr, ok := gateway.AsAuthError(err); ok {
		msg = authErr.Error()
	}
	w.mu.Lock()
	w.authError = msg
	w.mu.Unlock()
}

func (w *Workspace) touch(now time.Time) {
	w.mu.Lock()
	w.used = now
	w.mu.Unlock()
}

func (w *Workspace) lastUsed() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.used
}

func (w *Workspace) teardown() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	g := w.guard
	lists := w.lists
	w.lists = make(map[domain.ResourceType]*List)
	w.mu.Unlock()

	if g != nil {
		g.Unmount()
	}
	w.cancel()
	for _, l := range lists {
		l.ctrl.Stop()
	}
	w.client.Close()
}

// List pairs a list controller with its filter field.
type List struct {
	rt    domain.ResourceType
	cache *listcache.Store
	ctrl  *listsync.Controller
	input *filterinput.Input
}

// WaitChange blocks until the cached rows of the list move past version
// since, or ctx ends.
func (l *List) WaitChange(ctx context.Context, since uint64) error {
	changed := make(chan struct{}, 1)
	cancel := l.cache.Subscribe(l.rt, func(_ []domain.Record, version uint64) {
		if version <= since {
			return
		}
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer cancel()
	if l.cache.Version(l.rt) > since {
		return nil
	}
	select {
	case <-changed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// View waits for the in-flight fetch, then returns the list state.
func (l *List) View(ctx context.Context) (listsync.View, error) {
	if err := l.ctrl.Wait(ctx); err != nil {
		return listsync.View{}, err
	}
	return l.ctrl.Snapshot(), nil
}

// Submit types value into the filter field and submits it.
func (l *List) Submit(value string) {
	l.input.Type(value)
	l.input.Submit()
}

// Reset empties the filter field.
func (l *List) Reset() {
	l.input.Reset()
}

// SetPage jumps to page p.
func (l *List) SetPage(p int) error {
	return l.ctrl.SetPage(p)
}

// Next advances one page if possible.
func (l *List) Next() bool {
	return l.ctrl.Next()
}

// Refresh re-runs the current query.
func (l *List) Refresh() {
	l.ctrl.Refresh()
}

// Prev goes back one page if possible.
func (l *List) Prev() bool {
	return l.ctrl.Prev()
}

// FilterValue returns the filter field contents.
func (l *List) FilterValue() string {
	return l.input.Value()
}
