package domain

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// ResourceType names a list collection shown in the dashboard.
type ResourceType string

const (
	ResourceCustomers   ResourceType = "customers"
	ResourceSuppliers   ResourceType = "suppliers"
	ResourceSalesOrders ResourceType = "sales_orders"
	ResourceStock       ResourceType = "stock"
	ResourceClaimSlips  ResourceType = "claim_slips"
)

// Collection names understood by the data gateway.
const (
	CollectionCustomers   = "customers"
	CollectionSuppliers   = "suppliers"
	CollectionSalesOrders = "sales_orders"
	CollectionStockItems  = "stock_items"
	CollectionClaimSlips  = "claim_slips"
	CollectionUsers       = "users"
)

// SessionEventType is the kind of a backend-pushed session change.
type SessionEventType string

const (
	EventSignedIn        SessionEventType = "SIGNED_IN"
	EventSignedOut       SessionEventType = "SIGNED_OUT"
	EventTokenRefreshed  SessionEventType = "TOKEN_REFRESHED"
	EventUserDeactivated SessionEventType = "USER_DEACTIVATED"
)

// Session is one authenticated identity bound to a browser context.
type Session struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	UserID       string    `json:"userId"`
	Email        string    `json:"email"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Active reports whether the session has not expired at now.
func (s *Session) Active(now time.Time) bool {
	if s == nil || strings.TrimSpace(s.AccessToken) == "" {
		return false
	}
	if s.ExpiresAt.IsZero() {
		return true
	}
	return now.Before(s.ExpiresAt)
}

// SessionEvent is published whenever a user's sessions change.
type SessionEvent struct {
	ID        string           `json:"id"`
	Type      SessionEventType `json:"type"`
	UserID    string           `json:"userId"`
	SessionID string           `json:"sessionId,omitempty"`
	At        time.Time        `json:"at"`
}

// Identity is a sign-in identity known to the auth side of the gateway.
type Identity struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// RegisteredUser is the backend row gating full authorization.
type RegisteredUser struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// Record is one row of a collection, keyed by column name.
type Record map[string]any

// ID returns the numeric identifier of the record, or 0 when absent.
func (r Record) ID() int64 {
	switch v := r["id"].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case uint:
		return int64(v)
	case uint64:
		return int64(v)
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	default:
		return 0
	}
}

// String returns a field formatted as text.
func (r Record) String(field string) string {
	switch v := r[field].(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case time.Time:
		return v.UTC().Format(time.RFC3339)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

// Bool returns a boolean field, false when absent.
func (r Record) Bool(field string) bool {
	switch v := r[field].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	default:
		return false
	}
}

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
