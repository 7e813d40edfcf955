package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"salesdesk/pkg/domain"
)

// SessionEventBus fans session changes out to every listener of a user.
type SessionEventBus interface {
	Publish(ctx context.Context, ev domain.SessionEvent) error
	// Subscribe delivers the user's events until ctx ends or cancel is
	// called. The channel is closed afterwards.
	Subscribe(ctx context.Context, userID string) (<-chan domain.SessionEvent, func(), error)
}

func stampEvent(ev domain.SessionEvent) domain.SessionEvent {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	return ev
}

// RedisSessionEventBus uses one pub/sub channel per user.
type RedisSessionEventBus struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisSessionEventBus builds a bus on client.
func NewRedisSessionEventBus(client *redis.Client, logger *slog.Logger) *RedisSessionEventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisSessionEventBus{client: client, logger: logger}
}

// SessionChannel is the pub/sub channel of userID.
func SessionChannel(userID string) string {
	return "salesdesk:session:" + userID
}

func (b *RedisSessionEventBus) Publish(ctx context.Context, ev domain.SessionEvent) error {
	ev = stampEvent(ev)
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal session event: %w", err)
	}
	return b.client.Publish(ctx, SessionChannel(ev.UserID), raw).Err()
}

func (b *RedisSessionEventBus) Subscribe(ctx context.Context, userID string) (<-chan domain.SessionEvent, func(), error) {
	ps := b.client.Subscribe(ctx, SessionChannel(userID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("subscribe session events: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	out := make(chan domain.SessionEvent, 8)
	go func() {
		defer close(out)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev domain.SessionEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.logger.Warn("drop malformed session event", "channel", msg.Channel, "err", err)
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, cancel, nil
}

// MemorySessionEventBus delivers events in-process.
type MemorySessionEventBus struct {
	mu     sync.Mutex
	subs   map[string]map[int]chan domain.SessionEvent
	nextID int
}

// NewMemorySessionEventBus builds an in-process bus.
func NewMemorySessionEventBus() *MemorySessionEventBus {
	return &MemorySessionEventBus{subs: make(map[string]map[int]chan domain.SessionEvent)}
}

// Publish never blocks; a listener whose buffer is full misses the event.
func (b *MemorySessionEventBus) Publish(_ context.Context, ev domain.SessionEvent) error {
	ev = stampEvent(ev)
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[ev.UserID] {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

func (b *MemorySessionEventBus) Subscribe(ctx context.Context, userID string) (<-chan domain.SessionEvent, func(), error) {
	ch := make(chan domain.SessionEvent, 8)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.subs[userID] == nil {
		b.subs[userID] = make(map[int]chan domain.SessionEvent)
	}
	b.subs[userID][id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[userID], id)
			if len(b.subs[userID]) == 0 {
				delete(b.subs, userID)
			}
			close(ch)
			b.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return ch, cancel, nil
}
