package domain

import (
	"encoding/json"
	"testing"
	"time"
)

func TestRecordID(t *testing.T) {
	tests := []struct {
		name string
		rec  Record
		want int64
	}{
		{name: "int64", rec: Record{"id": int64(7)}, want: 7},
		{name: "float from json", rec: Record{"id": float64(42)}, want: 42},
		{name: "json number", rec: Record{"id": json.Number("9")}, want: 9},
		{name: "string", rec: Record{"id": "11"}, want: 11},
		{name: "missing", rec: Record{}, want: 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.rec.ID(); got != tc.want {
				t.Fatalf("ID() = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestSessionActive(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	var nilSession *Session
	if nilSession.Active(now) {
		t.Fatalf("nil session must not be active")
	}
	s := &Session{AccessToken: "tok", ExpiresAt: now.Add(time.Minute)}
	if !s.Active(now) {
		t.Fatalf("unexpired session should be active")
	}
	if s.Active(now.Add(2 * time.Minute)) {
		t.Fatalf("expired session should not be active")
	}
	if (&Session{}).Active(now) {
		t.Fatalf("session without token should not be active")
	}
}

func TestRecordStringAndBool(t *testing.T) {
	rec := Record{"name": "Acme", "is_active": true, "qty": float64(3)}
	if got := rec.String("name"); got != "Acme" {
		t.Fatalf("name = %q", got)
	}
	if got := rec.String("qty"); got != "3" {
		t.Fatalf("qty = %q", got)
	}
	if !rec.Bool("is_active") {
		t.Fatalf("is_active should be true")
	}
	if rec.Bool("missing") {
		t.Fatalf("missing bool should be false")
	}
}
