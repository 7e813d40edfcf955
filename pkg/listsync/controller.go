// Package listsync keeps one paged, filtered list view in sync with the
// data gateway and publishes the fetched rows into a listcache.Store.
package listsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"salesdesk/pkg/domain"
	"salesdesk/pkg/gateway"
	"salesdesk/pkg/listcache"
)

const (
	defaultTenantColumn = "company_id"
	defaultOrderColumn  = "id"
)

// Querier runs collection queries against the gateway.
type Querier interface {
	QueryRecords(ctx context.Context, q gateway.Query) (gateway.Result, error)
}

// Config parameterizes a Controller.
type Config struct {
	Resource     domain.ResourceType
	Collection   string
	SearchField  string
	TenantColumn string
	CompanyID    string
	PageSize     int
	Querier      Querier
	Cache        *listcache.Store
	Logger       *slog.Logger
}

// View is a point-in-time copy of the controller state and cached rows.
type View struct {
	Resource    domain.ResourceType `json:"resource"`
	Page        int                 `json:"page"`
	PageSize    int                 `json:"pageSize"`
	Filter      string              `json:"filter"`
	Rows        []domain.Record     `json:"rows"`
	Version     uint64              `json:"version"`
	Total       int                 `json:"total"`
	Loading     bool                `json:"loading"`
	Failed      bool                `json:"failed"`
	CanPrev     bool                `json:"canPrev"`
	CanNext     bool                `json:"canNext"`
	WindowStart int                 `json:"windowStart"`
	WindowEnd   int                 `json:"windowEnd"`
}

// Controller owns the query parameters of one list view. Each parameter
// change clears the cache entry and dispatches exactly one fetch; only the
// result of the most recent dispatch is applied.
type Controller struct {
	cfg    Config
	logger *slog.Logger

	// writeMu orders generation checks with cache writes so a superseded
	// fetch can never land after a newer reset.
	writeMu sync.Mutex

	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	page       int
	filter     string
	generation uint64
	resolved   uint64
	done       chan struct{}
	loading    bool
	failed     bool
	total      int
	// countStale is set while a filter change has not resolved; total
	// still counts the previous filter.
	countStale bool
	inflight   sync.WaitGroup
}

// New validates cfg and returns an idle controller on page 1 with an empty
// filter. Call Start to run the first fetch.
func New(cfg Config) (*Controller, error) {
	if cfg.Resource == "" {
		return nil, errors.New("listsync: resource required")
	}
	if strings.TrimSpace(cfg.Collection) == "" {
		return nil, errors.New("listsync: collection required")
	}
	if strings.TrimSpace(cfg.SearchField) == "" {
		return nil, errors.New("listsync: search field required")
	}
	if strings.TrimSpace(cfg.CompanyID) == "" {
		return nil, errors.New("listsync: company id required")
	}
	if cfg.PageSize <= 0 {
		return nil, errors.New("listsync: page size must be positive")
	}
	if cfg.Querier == nil {
		return nil, errors.New("listsync: querier required")
	}
	if cfg.Cache == nil {
		return nil, errors.New("listsync: cache required")
	}
	if cfg.TenantColumn == "" {
		cfg.TenantColumn = defaultTenantColumn
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		cfg:    cfg,
		logger: logger.With("resource", string(cfg.Resource)),
		ctx:    ctx,
		cancel: cancel,
		page:   1,
	}, nil
}

// Start binds the controller to ctx and runs the initial fetch cycle.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	c.cancel()
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()
	c.dispatch(func() {})
}

// Stop cancels in-flight fetches and waits for them to return.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.cancel()
	c.mu.Unlock()
	c.inflight.Wait()
}

// SetFilter applies a new keyword verbatim and returns to page 1.
func (c *Controller) SetFilter(filter string) {
	c.dispatch(func() {
		c.filter = filter
		c.page = 1
		c.countStale = true
	})
}

// ClearFilter drops the keyword and refetches the current page. Removing a
// filter can only grow the total, so the page stays in range.
func (c *Controller) ClearFilter() {
	c.dispatch(func() {
		c.filter = ""
		c.countStale = true
	})
}

// SetPage moves to page p. Pages below 1, or whose window would start at or
// past the last known total, are rejected with ErrPageOutOfRange. Until a
// filter change resolves only page 1 is accepted.
func (c *Controller) SetPage(p int) error {
	c.mu.Lock()
	if !pageAllowed(p, c.cfg.PageSize, c.knownTotalLocked()) {
		c.mu.Unlock()
		return fmt.Errorf("%w: page %d", ErrPageOutOfRange, p)
	}
	c.mu.Unlock()
	c.dispatch(func() { c.page = p })
	return nil
}

// Next advances one page when CanNext allows it.
func (c *Controller) Next() bool {
	c.mu.Lock()
	ok := canNext(c.page, c.cfg.PageSize, c.knownTotalLocked())
	next := c.page + 1
	c.mu.Unlock()
	if !ok {
		return false
	}
	c.dispatch(func() { c.page = next })
	return true
}

// Prev goes back one page when CanPrev allows it.
func (c *Controller) Prev() bool {
	c.mu.Lock()
	ok := canPrev(c.page)
	prev := c.page - 1
	c.mu.Unlock()
	if !ok {
		return false
	}
	c.dispatch(func() { c.page = prev })
	return true
}

// Refresh re-runs the current query, e.g. after a failed fetch.
func (c *Controller) Refresh() {
	c.dispatch(func() {})
}

// CanPrev reports whether the Previous action is enabled.
func (c *Controller) CanPrev() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return canPrev(c.page)
}

// CanNext reports whether the Next action is enabled.
func (c *Controller) CanNext() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return canNext(c.page, c.cfg.PageSize, c.knownTotalLocked())
}

// Loading reports whether the latest fetch has not resolved yet.
func (c *Controller) Loading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loading
}

// Wait blocks until the most recent fetch has resolved or ctx ends.
func (c *Controller) Wait(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.resolved == c.generation {
			c.mu.Unlock()
			return nil
		}
		ch := c.done
		c.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Snapshot returns the current view state. Rows and counters come from the
// same resolved fetch.
func (c *Controller) Snapshot() View {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	v := View{
		Resource: c.cfg.Resource,
		Page:     c.page,
		PageSize: c.cfg.PageSize,
		Filter:   c.filter,
		Total:    c.total,
		Loading:  c.loading,
		Failed:   c.failed,
		CanPrev:  canPrev(c.page),
		CanNext:  canNext(c.page, c.cfg.PageSize, c.knownTotalLocked()),
	}
	c.mu.Unlock()
	v.WindowStart, v.WindowEnd = Window(v.Page, v.PageSize, v.Total)
	v.Rows = c.cfg.Cache.Rows(c.cfg.Resource)
	v.Version = c.cfg.Cache.Version(c.cfg.Resource)
	return v
}

// knownTotalLocked is the total paging may rely on: zero while a filter
// change is in flight.
func (c *Controller) knownTotalLocked() int {
	if c.countStale {
		return 0
	}
	return c.total
}

// dispatch applies mutate, clears the cache entry and starts one fetch.
// The clear happens-before the fetch goroutine is started.
func (c *Controller) dispatch(mutate func()) {
	c.writeMu.Lock()
	c.mu.Lock()
	mutate()
	gen, q, ctx := c.beginLocked()
	c.mu.Unlock()

	c.cfg.Cache.Reset(c.cfg.Resource)
	c.writeMu.Unlock()

	c.start(ctx, gen, q)
}

// beginLocked opens a new generation for the current parameters. Callers
// hold writeMu and mu.
func (c *Controller) beginLocked() (uint64, gateway.Query, context.Context) {
	c.generation++
	if c.done != nil {
		close(c.done)
	}
	c.done = make(chan struct{})
	c.loading = true
	c.failed = false
	c.inflight.Add(1)
	return c.generation, c.buildQueryLocked(), c.ctx
}

func (c *Controller) start(ctx context.Context, gen uint64, q gateway.Query) {
	c.logger.Debug("list fetch dispatched", "generation", gen, "page", q.Range.Offset/c.cfg.PageSize+1)
	go c.fetch(ctx, gen, q)
}

func (c *Controller) fetch(ctx context.Context, gen uint64, q gateway.Query) {
	defer c.inflight.Done()
	res, err := c.cfg.Querier.QueryRecords(ctx, q)
	if err != nil && !gateway.IsQueryError(err) {
		err = &gateway.QueryError{Collection: q.Collection, Err: err}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		c.logger.Debug("discarding superseded list result", "generation", gen, "latest", c.generation)
		return
	}
	switch {
	case ctx.Err() != nil:
		// stopped: keep the last good state
		c.loading = false
		c.mu.Unlock()
		c.logger.Debug("list fetch canceled", "generation", gen)
	case err != nil:
		c.loading = false
		c.failed = true
		c.total = 0
		c.countStale = false
		c.mu.Unlock()
		c.logger.Error("list query failed", "generation", gen, "err", err)
	case c.page > 1 && (c.page-1)*c.cfg.PageSize >= res.TotalCount:
		// the page was chosen against an older total
		c.total = res.TotalCount
		c.countStale = false
		c.page = lastPage(c.cfg.PageSize, res.TotalCount)
		page := c.page
		next, nq, nctx := c.beginLocked()
		c.mu.Unlock()
		c.cfg.Cache.Reset(c.cfg.Resource)
		c.logger.Debug("list page out of range, moving back", "generation", gen, "page", page)
		c.start(nctx, next, nq)
		return
	default:
		c.cfg.Cache.Replace(c.cfg.Resource, res.Rows)
		c.loading = false
		c.total = res.TotalCount
		c.countStale = false
		c.mu.Unlock()
	}

	c.mu.Lock()
	c.resolved = gen
	close(c.done)
	c.done = nil
	c.mu.Unlock()
}

func (c *Controller) buildQueryLocked() gateway.Query {
	filters := gateway.Filters{}.WithEq(c.cfg.TenantColumn, c.cfg.CompanyID)
	if c.filter != "" {
		filters = filters.WithILike(c.cfg.SearchField, c.filter)
	}
	return gateway.Query{
		Collection: c.cfg.Collection,
		Filters:    filters,
		Order:      &gateway.Order{Column: defaultOrderColumn, Desc: true},
		Range:      &gateway.Range{Offset: (c.page - 1) * c.cfg.PageSize, Limit: c.cfg.PageSize},
		ExactCount: true,
	}
}
