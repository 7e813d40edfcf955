package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"salesdesk/pkg/queue"
)

// Mailer delivers magic links.
type Mailer interface {
	SendSignInLink(ctx context.Context, email, link string) error
}

// LogMailer writes links to the log instead of sending them.
type LogMailer struct {
	Logger *slog.Logger
}

func (m LogMailer) SendSignInLink(ctx context.Context, email, link string) error {
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "magic link issued", "email", email, "link", link)
	return nil
}

// JobKindSignInLink tags magic-link jobs on the mail queue.
const JobKindSignInLink = "signin_link"

type signInLinkJob struct {
	Email string `json:"email"`
	Link  string `json:"link"`
}

// Enqueuer is the producer side of the mail queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind string, payload []byte) (queue.JobStatus, error)
}

// QueueMailer hands links to the mail queue so sign-in requests do not
// wait on delivery.
type QueueMailer struct {
	Queue Enqueuer
}

func (m QueueMailer) SendSignInLink(ctx context.Context, email, link string) error {
	raw, err := json.Marshal(signInLinkJob{Email: email, Link: link})
	if err != nil {
		return fmt.Errorf("encode mail job: %w", err)
	}
	if _, err := m.Queue.Enqueue(ctx, JobKindSignInLink, raw); err != nil {
		return fmt.Errorf("enqueue mail job: %w", err)
	}
	return nil
}

// DeliverMail returns the queue handler that passes jobs to next.
func DeliverMail(next Mailer) queue.Handler {
	return func(ctx context.Context, job queue.Job) error {
		if job.Kind != JobKindSignInLink {
			return fmt.Errorf("unknown mail job kind %q", job.Kind)
		}
		var msg signInLinkJob
		if err := json.Unmarshal(job.Payload, &msg); err != nil {
			return fmt.Errorf("decode mail job: %w", err)
		}
		return next.SendSignInLink(ctx, msg.Email, msg.Link)
	}
}
