// Package security counts failed authentication events per client and
// flags bursts that cross a threshold.
package security

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var alertCounterScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// Event names observed by the data gateway.
const (
	EventSignIn         = "auth.signin"
	EventTokenExchange  = "auth.token"
	EventRefresh        = "auth.refresh"
	EventAuthorize      = "auth.authorize"
	EventAdminAuthorize = "admin.authorize"
)

// Outcomes that feed alert rules.
const (
	OutcomeFail        = "fail"
	OutcomeRateLimited = "rate_limited"
)

// AlertResult is the state of one counter after an observation.
type AlertResult struct {
	Triggered bool
	Count     int64
	Threshold int64
	Window    time.Duration
}

// AuditAlerter aggregates security events in Redis counters.
type AuditAlerter struct {
	client *redis.Client
	prefix string
}

// NewAuditAlerter returns nil when client is nil; a nil alerter observes
// nothing.
func NewAuditAlerter(client *redis.Client, prefix string) *AuditAlerter {
	if client == nil {
		return nil
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "salesdesk:alerts"
	}
	return &AuditAlerter{client: client, prefix: prefix}
}

// Observe counts event for ip and reports whether the rule threshold is
// reached in the current window.
func (a *AuditAlerter) Observe(ctx context.Context, event, outcome, ip string) (AlertResult, error) {
	if a == nil {
		return AlertResult{}, nil
	}
	threshold, window, ok := alertRule(event, outcome)
	if !ok {
		return AlertResult{}, nil
	}
	windowMs := window.Milliseconds()
	slot := time.Now().UTC().UnixMilli() / windowMs
	key := fmt.Sprintf("%s:%s:%s:%s:%d", a.prefix, sanitizeSegment(event), sanitizeSegment(outcome), sanitizeSegment(ip), slot)

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	count, err := alertCounterScript.Run(ctx, a.client, []string{key}, windowMs).Int64()
	if err != nil {
		return AlertResult{}, err
	}
	return AlertResult{
		Triggered: count >= threshold,
		Count:     count,
		Threshold: threshold,
		Window:    window,
	}, nil
}

func alertRule(event, outcome string) (threshold int64, window time.Duration, ok bool) {
	switch strings.TrimSpace(outcome) {
	case OutcomeRateLimited:
		return 20, time.Minute, true
	case OutcomeFail:
	default:
		return 0, 0, false
	}
	switch strings.TrimSpace(event) {
	case EventSignIn, EventTokenExchange:
		return 10, 5 * time.Minute, true
	case EventRefresh:
		return 15, 5 * time.Minute, true
	case EventAuthorize, EventAdminAuthorize:
		return 25, 5 * time.Minute, true
	default:
		return 0, 0, false
	}
}

func sanitizeSegment(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}
	return strings.NewReplacer(":", "_", "|", "_", " ", "_").Replace(in)
}
