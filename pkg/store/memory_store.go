package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"salesdesk/pkg/domain"
	"salesdesk/pkg/gateway"
)

// MemoryStore keeps collections and identities in-process. It applies the
// same validation and matching rules as GormStore and backs tests and the
// memory driver.
type MemoryStore struct {
	mu         sync.RWMutex
	records    map[string][]domain.Record
	nextID     map[string]int64
	identities map[string]domain.Identity // key: identity ID
	emails     map[string]string          // email -> identity ID
	users      map[string]domain.RegisteredUser
	nextUserID int64
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:    make(map[string][]domain.Record),
		nextID:     make(map[string]int64),
		identities: make(map[string]domain.Identity),
		emails:     make(map[string]string),
		users:      make(map[string]domain.RegisteredUser),
	}
}

// Query filters, orders and windows a collection.
func (m *MemoryStore) Query(_ context.Context, q gateway.Query) (gateway.Result, error) {
	def, err := lookupCollection(q.Collection)
	if err != nil {
		return gateway.Result{}, err
	}
	if err := def.validate(q); err != nil {
		return gateway.Result{}, err
	}

	m.mu.RLock()
	matched := m.matchLocked(q.Collection, q.Filters)
	m.mu.RUnlock()

	if q.Order != nil {
		col, desc := q.Order.Column, q.Order.Desc
		sort.SliceStable(matched, func(i, j int) bool {
			c := compareValues(matched[i][col], matched[j][col])
			if desc {
				return c > 0
			}
			return c < 0
		})
	}
	total := len(matched)
	if q.Range != nil {
		start := min(q.Range.Offset, total)
		end := min(q.Range.Offset+q.Range.Limit, total)
		matched = matched[start:end]
	}
	rows := make([]domain.Record, len(matched))
	for i, r := range matched {
		rows[i] = r.Clone()
	}
	res := gateway.Result{Rows: rows}
	if q.ExactCount {
		res.TotalCount = total
	}
	return res, nil
}

// QueryOne returns the first row matching filters in insertion order.
func (m *MemoryStore) QueryOne(_ context.Context, collection string, filters gateway.Filters) (domain.Record, bool, error) {
	def, err := lookupCollection(collection)
	if err != nil {
		return nil, false, err
	}
	if err := def.validateFilters(filters); err != nil {
		return nil, false, err
	}
	if collection == domain.CollectionUsers {
		return m.queryUser(filters)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	matched := m.matchLocked(collection, filters)
	if len(matched) == 0 {
		return nil, false, nil
	}
	return matched[0].Clone(), true, nil
}

// Insert assigns the next id and stores rec.
func (m *MemoryStore) Insert(_ context.Context, collection string, rec domain.Record) (domain.Record, error) {
	def, err := lookupCollection(collection)
	if err != nil {
		return nil, err
	}
	if collection == domain.CollectionUsers {
		return nil, fmt.Errorf("insert %s: use UpsertRegisteredUser", collection)
	}
	model, err := def.decode(rec)
	if err != nil {
		return nil, err
	}
	stored, err := encodeModel(model)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID[collection]++
	stored["id"] = json.Number(strconv.FormatInt(m.nextID[collection], 10))
	m.records[collection] = append(m.records[collection], stored)
	return stored.Clone(), nil
}

func (m *MemoryStore) matchLocked(collection string, filters gateway.Filters) []domain.Record {
	source := m.records[collection]
	if collection == domain.CollectionUsers {
		source = m.userRecordsLocked()
	}
	out := make([]domain.Record, 0, len(source))
	for _, r := range source {
		if matches(r, filters) {
			out = append(out, r)
		}
	}
	return out
}

func (m *MemoryStore) userRecordsLocked() []domain.Record {
	users := make([]domain.RegisteredUser, 0, len(m.users))
	for _, u := range m.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	out := make([]domain.Record, 0, len(users))
	for _, u := range users {
		out = append(out, userRecord(u))
	}
	return out
}

func (m *MemoryStore) queryUser(filters gateway.Filters) (domain.Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.userRecordsLocked() {
		if matches(r, filters) {
			return r, true, nil
		}
	}
	return nil, false, nil
}

func userRecord(u domain.RegisteredUser) domain.Record {
	return domain.Record{
		"id":         json.Number(strconv.FormatInt(u.ID, 10)),
		"email":      u.Email,
		"is_active":  u.IsActive,
		"created_at": u.CreatedAt.Format(time.RFC3339Nano),
	}
}

// matches applies equality and case-insensitive substring constraints.
func matches(r domain.Record, f gateway.Filters) bool {
	for _, eq := range f.Eq {
		if !valuesEqual(r[eq.Column], eq.Value) {
			return false
		}
	}
	for _, il := range f.ILike {
		text := strings.ToLower(fmt.Sprint(valueOrEmpty(r[il.Column])))
		if !strings.Contains(text, strings.ToLower(il.Substring)) {
			return false
		}
	}
	return true
}

func valueOrEmpty(v any) any {
	if v == nil {
		return ""
	}
	return v
}

func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, ok := numeric(a); ok {
		if bf, ok := numeric(b); ok {
			return af == bf
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func compareValues(a, b any) int {
	if af, ok := numeric(a); ok {
		if bf, ok := numeric(b); ok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			default:
				return 0
			}
		}
	}
	return strings.Compare(fmt.Sprint(valueOrEmpty(a)), fmt.Sprint(valueOrEmpty(b)))
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// SaveIdentity registers or updates an identity.
func (m *MemoryStore) SaveIdentity(_ context.Context, id domain.Identity) error {
	id.Email = normalizeEmail(id.Email)
	now := time.Now().UTC()
	if id.CreatedAt.IsZero() {
		id.CreatedAt = now
	}
	id.UpdatedAt = now

	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.identities[id.ID]; ok && prev.Email != id.Email {
		delete(m.emails, prev.Email)
	}
	if owner, ok := m.emails[id.Email]; ok && owner != id.ID {
		return fmt.Errorf("identity email %s already registered", id.Email)
	}
	m.identities[id.ID] = id
	m.emails[id.Email] = id.ID
	return nil
}

// GetIdentityByEmail looks up an identity by email.
func (m *MemoryStore) GetIdentityByEmail(_ context.Context, email string) (domain.Identity, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.emails[normalizeEmail(email)]
	if !ok {
		return domain.Identity{}, false, nil
	}
	return m.identities[id], true, nil
}

// GetIdentityByID returns an identity by ID.
func (m *MemoryStore) GetIdentityByID(_ context.Context, id string) (domain.Identity, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	identity, ok := m.identities[id]
	return identity, ok, nil
}

// UpsertRegisteredUser creates or updates the user row for email.
func (m *MemoryStore) UpsertRegisteredUser(_ context.Context, email string, active bool) (domain.RegisteredUser, error) {
	email = normalizeEmail(email)
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[email]
	if !ok {
		m.nextUserID++
		u = domain.RegisteredUser{ID: m.nextUserID, Email: email, CreatedAt: time.Now().UTC()}
	}
	u.IsActive = active
	m.users[email] = u
	return u, nil
}

// GetRegisteredUser returns the user row for email.
func (m *MemoryStore) GetRegisteredUser(_ context.Context, email string) (domain.RegisteredUser, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[normalizeEmail(email)]
	return u, ok, nil
}

// ListRegisteredUsers returns all user rows, newest first.
func (m *MemoryStore) ListRegisteredUsers(_ context.Context) ([]domain.RegisteredUser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.RegisteredUser, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}
