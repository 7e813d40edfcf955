package security

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newAlerter(t *testing.T) *AuditAlerter {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	alerter := NewAuditAlerter(client, "test:alerts")
	if alerter == nil {
		t.Fatalf("expected alerter")
	}
	return alerter
}

func TestAuditAlerterTriggersAtThreshold(t *testing.T) {
	alerter := newAlerter(t)
	ctx := context.Background()
	for i := 1; i <= 10; i++ {
		result, err := alerter.Observe(ctx, EventSignIn, OutcomeFail, "127.0.0.1")
		if err != nil {
			t.Fatalf("observe: %v", err)
		}
		if result.Triggered != (i == 10) {
			t.Fatalf("observation %d triggered=%v", i, result.Triggered)
		}
	}
	other, err := alerter.Observe(ctx, EventSignIn, OutcomeFail, "10.0.0.9")
	if err != nil || other.Triggered || other.Count != 1 {
		t.Fatalf("other ip should count separately: %+v err=%v", other, err)
	}
}

func TestAuditAlerterIgnoresSuccessAndUnknownEvents(t *testing.T) {
	alerter := newAlerter(t)
	ctx := context.Background()
	for _, tc := range [][2]string{{EventSignIn, "success"}, {"auth.custom", OutcomeFail}} {
		result, err := alerter.Observe(ctx, tc[0], tc[1], "127.0.0.1")
		if err != nil {
			t.Fatalf("observe: %v", err)
		}
		if result.Triggered || result.Count != 0 {
			t.Fatalf("unexpected counting for %v: %+v", tc, result)
		}
	}
}

func TestNilAlerterObservesNothing(t *testing.T) {
	var alerter *AuditAlerter
	if result, err := alerter.Observe(context.Background(), EventSignIn, OutcomeFail, "ip"); err != nil || result.Triggered {
		t.Fatalf("nil alerter: %+v %v", result, err)
	}
	if NewAuditAlerter(nil, "") != nil {
		t.Fatalf("expected nil alerter without client")
	}
}
