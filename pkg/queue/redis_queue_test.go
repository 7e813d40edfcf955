package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T, cfg RedisQueueConfig) *RedisJobQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cfg.Client = client
	if cfg.Stream == "" {
		cfg.Stream = "test:queue"
	}
	if cfg.Group == "" {
		cfg.Group = "test-group"
	}
	q, err := NewRedisJobQueue(cfg)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	return q
}

func TestRedisJobQueueRequeueAndAckSuccess(t *testing.T) {
	q, ctx, msgID, job := newPendingQueueMessage(t)

	if err := q.requeueAndAck(ctx, msgID, job.ID, job.Kind, []byte(`{"n":1}`)); err != nil {
		t.Fatalf("requeue and ack: %v", err)
	}

	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 0 {
		t.Fatalf("expected no pending messages, got %d", pending.Count)
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-2",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("read requeued message: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one requeued message, got %+v", streams)
	}
	got := streams[0].Messages[0]
	if got.Values["job_id"] != job.ID || got.Values["kind"] != job.Kind || got.Values["payload"] != `{"n":1}` {
		t.Fatalf("unexpected requeued payload: %+v", got.Values)
	}
}

func TestRedisJobQueueRequeueAndAckFailureKeepsPendingMessage(t *testing.T) {
	q, ctx, msgID, job := newPendingQueueMessage(t)

	canceledCtx, cancel := context.WithCancel(ctx)
	cancel()
	if err := q.requeueAndAck(canceledCtx, msgID, job.ID, job.Kind, nil); err == nil {
		t.Fatalf("expected requeueAndAck to fail on canceled context")
	}

	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 1 {
		t.Fatalf("expected original message to remain pending, got %d", pending.Count)
	}
	streamLen, err := q.client.XLen(ctx, q.stream).Result()
	if err != nil {
		t.Fatalf("xlen: %v", err)
	}
	if streamLen != 1 {
		t.Fatalf("expected no new message in stream on failure, got len=%d", streamLen)
	}
}

func TestRedisJobQueueRetriesUntilDone(t *testing.T) {
	q := newTestQueue(t, RedisQueueConfig{Block: 50 * time.Millisecond, RetryDelay: time.Millisecond, MaxRetries: 3})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var calls atomic.Int32
	payloads := make(chan string, 4)
	q.Start(ctx, 1, func(_ context.Context, job Job) error {
		payloads <- string(job.Payload)
		if calls.Add(1) == 1 {
			return errors.New("smtp unavailable")
		}
		return nil
	})

	job, err := q.Enqueue(ctx, "signin_link", []byte("hello"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	status := waitForStatus(t, ctx, q, job.ID, StatusDone)
	if status.Attempts != 2 || status.Kind != "signin_link" || status.ErrorMessage != "" {
		t.Fatalf("unexpected final status: %+v", status)
	}
	if got := <-payloads; got != "hello" {
		t.Fatalf("payload = %q", got)
	}
}

func TestRedisJobQueueMarksFailedAfterMaxRetries(t *testing.T) {
	q := newTestQueue(t, RedisQueueConfig{Block: 50 * time.Millisecond, RetryDelay: time.Millisecond, MaxRetries: 2})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	q.Start(ctx, 1, func(context.Context, Job) error { return errors.New("mailbox rejected") })
	job, err := q.Enqueue(ctx, "signin_link", nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	status := waitForStatus(t, ctx, q, job.ID, StatusFailed)
	if status.Attempts != 2 || status.ErrorMessage != "mailbox rejected" {
		t.Fatalf("unexpected failed status: %+v", status)
	}
}

func TestRedisJobQueueRejectsMissingKind(t *testing.T) {
	q := newTestQueue(t, RedisQueueConfig{})
	if _, err := q.Enqueue(context.Background(), " ", nil); err == nil {
		t.Fatalf("expected error for empty kind")
	}
	if _, err := NewRedisJobQueue(RedisQueueConfig{Stream: "s"}); err == nil {
		t.Fatalf("expected error without client")
	}
}

func waitForStatus(t *testing.T, ctx context.Context, q *RedisJobQueue, jobID, want string) JobStatus {
	t.Helper()
	for {
		status, ok, err := q.GetJob(ctx, jobID)
		if err != nil && ctx.Err() == nil {
			t.Fatalf("get job: %v", err)
		}
		if ok && status.Status == want {
			return status
		}
		select {
		case <-ctx.Done():
			t.Fatalf("job %s never reached %s, last=%+v", jobID, want, status)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func newPendingQueueMessage(t *testing.T) (*RedisJobQueue, context.Context, string, JobStatus) {
	t.Helper()
	q := newTestQueue(t, RedisQueueConfig{Consumer: "consumer-1", RetryDelay: time.Millisecond})
	ctx := context.Background()
	q.ensureGroup(ctx)

	job, err := q.Enqueue(ctx, "signin_link", []byte(`{"n":1}`))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-1",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("readgroup: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one pending message, got %+v", streams)
	}
	return q, ctx, streams[0].Messages[0].ID, job
}
