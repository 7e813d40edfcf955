package filterinput

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"salesdesk/pkg/domain"
	"salesdesk/pkg/gateway"
	"salesdesk/pkg/listcache"
	"salesdesk/pkg/listsync"
)

type recordingTarget struct {
	filters []string
	clears  int
}

func (r *recordingTarget) SetFilter(f string) { r.filters = append(r.filters, f) }
func (r *recordingTarget) ClearFilter()       { r.clears++ }

func TestTypingDoesNotNotify(t *testing.T) {
	target := &recordingTarget{}
	in := New(target)
	in.Type("ac")
	in.Type("acm")
	if len(target.filters) != 0 || target.clears != 0 {
		t.Fatalf("target notified while typing: %+v", target)
	}
	if in.Value() != "acm" {
		t.Fatalf("value = %q", in.Value())
	}
}

func TestSubmitPassesValueVerbatim(t *testing.T) {
	target := &recordingTarget{}
	in := New(target)
	in.Type("  Acme ")
	if got := in.Submit(); got != "  Acme " {
		t.Fatalf("submit returned %q", got)
	}
	if len(target.filters) != 1 || target.filters[0] != "  Acme " {
		t.Fatalf("filters = %q", target.filters)
	}
}

func TestResetWithoutSubmit(t *testing.T) {
	target := &recordingTarget{}
	in := New(target)
	in.Type("draft")
	in.Reset()
	if in.Value() != "" || target.clears != 1 {
		t.Fatalf("value %q clears %d", in.Value(), target.clears)
	}
}

type recordingQuerier struct {
	mu   sync.Mutex
	last gateway.Query
}

func (q *recordingQuerier) QueryRecords(_ context.Context, query gateway.Query) (gateway.Result, error) {
	q.mu.Lock()
	q.last = query
	q.mu.Unlock()
	return gateway.Result{Rows: []domain.Record{}, TotalCount: 30}, nil
}

func (q *recordingQuerier) lastQuery() gateway.Query {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.last
}

func TestResetRefetchesCurrentPageUnfiltered(t *testing.T) {
	q := &recordingQuerier{}
	ctrl, err := listsync.New(listsync.Config{
		Resource:    domain.ResourceSuppliers,
		Collection:  domain.CollectionSuppliers,
		SearchField: "name",
		CompanyID:   "c1",
		PageSize:    10,
		Querier:     q,
		Cache:       listcache.New(),
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	defer ctrl.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ctrl.Start(ctx)
	in := New(ctrl)
	in.Type("acme")
	in.Submit()
	if err := ctrl.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if err := ctrl.SetPage(2); err != nil {
		t.Fatalf("set page: %v", err)
	}
	if err := ctrl.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}

	in.Reset()
	if err := ctrl.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	last := q.lastQuery()
	if f := ctrl.Snapshot().Filter; f != "" || len(last.Filters.ILike) != 0 {
		t.Fatalf("filter not cleared: %q %+v", f, last.Filters.ILike)
	}
	if last.Range.Offset != 10 {
		t.Fatalf("reset moved page, offset = %d", last.Range.Offset)
	}
}
