package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"salesdesk/pkg/domain"
)

func eventBuses(t *testing.T) map[string]SessionEventBus {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return map[string]SessionEventBus{
		"memory": NewMemorySessionEventBus(),
		"redis":  NewRedisSessionEventBus(client, nil),
	}
}

func TestSessionEventBusDeliversPerUser(t *testing.T) {
	for name, bus := range eventBuses(t) {
		t.Run(name, func(t *testing.T) {
			ctx, cancelCtx := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancelCtx()

			events, cancel, err := bus.Subscribe(ctx, "user-1")
			if err != nil {
				t.Fatalf("subscribe: %v", err)
			}
			defer cancel()

			if err := bus.Publish(ctx, domain.SessionEvent{Type: domain.EventSignedIn, UserID: "user-2"}); err != nil {
				t.Fatalf("publish other: %v", err)
			}
			if err := bus.Publish(ctx, domain.SessionEvent{Type: domain.EventSignedOut, UserID: "user-1"}); err != nil {
				t.Fatalf("publish: %v", err)
			}

			select {
			case ev := <-events:
				if ev.Type != domain.EventSignedOut || ev.UserID != "user-1" || ev.ID == "" || ev.At.IsZero() {
					t.Fatalf("unexpected event: %+v", ev)
				}
			case <-ctx.Done():
				t.Fatalf("no event delivered")
			}
		})
	}
}

func TestSessionEventBusCancelClosesChannel(t *testing.T) {
	for name, bus := range eventBuses(t) {
		t.Run(name, func(t *testing.T) {
			events, cancel, err := bus.Subscribe(context.Background(), "user-3")
			if err != nil {
				t.Fatalf("subscribe: %v", err)
			}
			cancel()
			cancel()
			select {
			case _, ok := <-events:
				if ok {
					t.Fatalf("received event after cancel")
				}
			case <-time.After(3 * time.Second):
				t.Fatalf("channel not closed after cancel")
			}
		})
	}
}
