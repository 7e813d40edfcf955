package gateway

import (
	"errors"
	"fmt"
	"testing"
)

func TestFiltersCopyOnWrite(t *testing.T) {
	base := Filters{}.WithEq("company_id", "c1")
	a := base.WithILike("name", "ac")
	b := base.WithEq("is_active", true)

	if len(base.Eq) != 1 || len(base.ILike) != 0 {
		t.Fatalf("base mutated: %+v", base)
	}
	if len(a.Eq) != 1 || len(a.ILike) != 1 {
		t.Fatalf("unexpected a: %+v", a)
	}
	if len(b.Eq) != 2 || len(b.ILike) != 0 {
		t.Fatalf("unexpected b: %+v", b)
	}
}

func TestErrorClassification(t *testing.T) {
	qerr := fmt.Errorf("fetch: %w", &QueryError{Collection: "customers", Err: errors.New("boom")})
	if _, ok := AsAuthError(qerr); !IsQueryError(qerr) || ok {
		t.Fatalf("query error misclassified")
	}
	aerr := fmt.Errorf("sign in: %w", &AuthError{Code: CodeProviderDisabled, Message: "provider disabled"})
	authErr, ok := AsAuthError(aerr)
	if !ok || authErr.Code != CodeProviderDisabled || IsQueryError(aerr) {
		t.Fatalf("auth error misclassified")
	}
	if got := (&AuthError{Err: errors.New("x")}).Error(); got != "x" {
		t.Fatalf("auth error text = %q", got)
	}
}
