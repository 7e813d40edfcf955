package app

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"salesdesk/pkg/domain"
	"salesdesk/pkg/gateway"
	"salesdesk/pkg/guard"
)

// SessionClient is the per-browser-context gateway connection.
type SessionClient interface {
	gateway.Gateway
	ExchangeCode(ctx context.Context, code string) (*domain.Session, error)
	Providers(ctx context.Context) ([]string, error)
	Close()
}

// Config configures the dashboard core.
type Config struct {
	CompanyID   string
	PageSize    int
	IdleTTL     time.Duration
	CallbackURL string
	Routes      guard.Routes
	NewClient   func() (SessionClient, error)
	Logger      *slog.Logger
}

// App owns the workspaces of all browser contexts.
type App struct {
	companyID   string
	pageSize    int
	idleTTL     time.Duration
	callbackURL string
	routes      guard.Routes
	newClient   func() (SessionClient, error)
	logger      *slog.Logger

	mu         sync.Mutex
	workspaces map[string]*Workspace
}

// New constructs the application.
func New(cfg Config) (*App, error) {
	if strings.TrimSpace(cfg.CompanyID) == "" {
		return nil, errors.New("company id required")
	}
	if cfg.NewClient == nil {
		return nil, errors.New("gateway client factory required")
	}
	if strings.TrimSpace(cfg.CallbackURL) == "" {
		return nil, errors.New("callback URL required")
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 10
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 30 * time.Minute
	}
	routes := cfg.Routes
	if routes.Login == "" || routes.Unverified == "" {
		def := guard.DefaultRoutes()
		if routes.Login == "" {
			routes.Login = def.Login
		}
		if routes.Unverified == "" {
			routes.Unverified = def.Unverified
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &App{
		companyID:   strings.TrimSpace(cfg.CompanyID),
		pageSize:    cfg.PageSize,
		idleTTL:     cfg.IdleTTL,
		callbackURL: cfg.CallbackURL,
		routes:      routes,
		newClient:   cfg.NewClient,
		logger:      logger,
		workspaces:  make(map[string]*Workspace),
	}, nil
}

// Routes returns the guard redirect targets.
func (a *App) Routes() guard.Routes {
	return a.routes
}

// Open creates a workspace for a new browser context.
func (a *App) Open() (*Workspace, error) {
	client, err := a.newClient()
	if err != nil {
		return nil, err
	}
	ws := newWorkspace(a, uuid.NewString(), client)
	a.mu.Lock()
	a.workspaces[ws.id] = ws
	a.mu.Unlock()
	a.logger.Debug("workspace opened", "workspace_id", ws.id)
	return ws, nil
}

// Lookup returns the workspace id and marks it used.
func (a *App) Lookup(id string) (*Workspace, bool) {
	if id == "" {
		return nil, false
	}
	a.mu.Lock()
	ws, ok := a.workspaces[id]
	a.mu.Unlock()
	if !ok {
		return nil, false
	}
	ws.touch(time.Now())
	return ws, true
}

// Discard unmounts and forgets the workspace id.
func (a *App) Discard(id string) {
	a.mu.Lock()
	ws, ok := a.workspaces[id]
	delete(a.workspaces, id)
	a.mu.Unlock()
	if ok {
		ws.teardown()
		a.logger.Debug("workspace discarded", "workspace_id", id)
	}
}

// Len returns the number of live workspaces.
func (a *App) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.workspaces)
}

// Sweep discards workspaces idle since before now-IdleTTL.
func (a *App) Sweep(now time.Time) int {
	cutoff := now.Add(-a.idleTTL)
	var idle []*Workspace
	a.mu.Lock()
	for id, ws := range a.workspaces {
		if ws.lastUsed().Before(cutoff) {
			idle = append(idle, ws)
			delete(a.workspaces, id)
		}
	}
	a.mu.Unlock()
	for _, ws := range idle {
		ws.teardown()
	}
	if len(idle) > 0 {
		a.logger.Info("idle workspaces discarded", "count", len(idle))
	}
	return len(idle)
}

// RunJanitor sweeps idle workspaces every interval until ctx ends, then
// discards everything left.
func (a *App) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.Shutdown()
			return
		case now := <-ticker.C:
			a.Sweep(now)
		}
	}
}

// Shutdown discards every workspace.
func (a *App) Shutdown() {
	a.mu.Lock()
	all := a.workspaces
	a.workspaces = make(map[string]*Workspace)
	a.mu.Unlock()
	for _, ws := range all {
		ws.teardown()
	}
}
