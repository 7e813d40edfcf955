// Package listcache holds the most recently fetched rows of each list view,
// keyed by resource type. One Store is created per browser context and
// passed explicitly to the controllers that write it and the views that
// read it.
package listcache

import (
	"sync"

	"salesdesk/pkg/domain"
)

type entry struct {
	rows    []domain.Record
	version uint64
}

// Listener receives the rows of a resource type after each write, with the
// version that write produced. The rows are the listener's own copy.
// Listeners run on the writer's goroutine and must not block.
type Listener func(rows []domain.Record, version uint64)

// Store maps resource types to their current rows.
type Store struct {
	mu        sync.RWMutex
	entries   map[domain.ResourceType]*entry
	nextID    uint64
	listeners map[domain.ResourceType]map[uint64]Listener
}

// New returns an empty store.
func New() *Store {
	return &Store{
		entries:   make(map[domain.ResourceType]*entry),
		listeners: make(map[domain.ResourceType]map[uint64]Listener),
	}
}

// Subscribe registers fn for writes to rt. The returned func removes it and
// is safe to call more than once.
func (s *Store) Subscribe(rt domain.ResourceType, fn Listener) (cancel func()) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	if s.listeners[rt] == nil {
		s.listeners[rt] = make(map[uint64]Listener)
	}
	s.listeners[rt][id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners[rt], id)
			if len(s.listeners[rt]) == 0 {
				delete(s.listeners, rt)
			}
			s.mu.Unlock()
		})
	}
}

// Reset empties the rows of rt.
func (s *Store) Reset(rt domain.ResourceType) {
	s.set(rt, nil)
}

// Replace sets the rows of rt to exactly rows, discarding previous content.
func (s *Store) Replace(rt domain.ResourceType, rows []domain.Record) {
	s.set(rt, cloneRows(rows))
}

// Rows returns a copy of the rows of rt.
func (s *Store) Rows(rt domain.ResourceType) []domain.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[rt]
	if !ok {
		return []domain.Record{}
	}
	return cloneRows(e.rows)
}

// Len returns the number of cached rows of rt.
func (s *Store) Len(rt domain.ResourceType) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.entries[rt]; ok {
		return len(e.rows)
	}
	return 0
}

// Version increments on every Reset or Replace of rt. Views report it so
// a client can tell whether the rows changed between polls.
func (s *Store) Version(rt domain.ResourceType) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.entries[rt]; ok {
		return e.version
	}
	return 0
}

func (s *Store) set(rt domain.ResourceType, rows []domain.Record) {
	if rows == nil {
		rows = []domain.Record{}
	}
	s.mu.Lock()
	e, ok := s.entries[rt]
	if !ok {
		e = &entry{}
		s.entries[rt] = e
	}
	e.rows = rows
	e.version++
	version := e.version
	fns := make([]Listener, 0, len(s.listeners[rt]))
	for _, fn := range s.listeners[rt] {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(cloneRows(rows), version)
	}
}

func cloneRows(rows []domain.Record) []domain.Record {
	out := make([]domain.Record, len(rows))
	for i, row := range rows {
		out[i] = row.Clone()
	}
	return out
}
