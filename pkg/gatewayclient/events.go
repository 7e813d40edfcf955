package gatewayclient

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"salesdesk/pkg/domain"
)

var errNoSession = errors.New("no session")

// newStreamBackoff is the reconnect policy of the event stream.
func newStreamBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.Multiplier = 2
	return bo
}

// runEvents keeps the /auth/events stream open until ctx ends, reconnecting
// with exponential backoff.
func (c *Client) runEvents(ctx context.Context) {
	bo := newStreamBackoff()
	for {
		connected, err := c.streamOnce(ctx)
		if ctx.Err() != nil || errors.Is(err, errNoSession) {
			return
		}
		if connected {
			bo.Reset()
		}
		delay := bo.NextBackOff()
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized {
			c.mu.Lock()
			sess := c.session
			c.mu.Unlock()
			if sess == nil {
				return
			}
			if _, err := c.refresh(ctx, sess.RefreshToken); err != nil {
				c.logger.Warn("refresh for event stream failed", "err", err)
			}
		} else if err != nil {
			c.logger.Warn("session event stream interrupted", "err", err, "retry_in", delay.String())
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (c *Client) streamOnce(ctx context.Context) (bool, error) {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil {
		return false, errNoSession
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/events", nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+sess.AccessToken)
	resp, err := c.streamClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, decodeAPIError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				c.handleEvent([]byte(data.String()))
				data.Reset()
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return true, err
	}
	return true, io.ErrUnexpectedEOF
}

func (c *Client) handleEvent(raw []byte) {
	var ev domain.SessionEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		c.logger.Warn("drop malformed session event", "err", err)
		return
	}
	c.mu.Lock()
	sess := c.session
	sid := c.sessionID
	c.mu.Unlock()
	if sess == nil || ev.UserID != sess.UserID {
		return
	}
	switch ev.Type {
	case domain.EventSignedOut:
		if ev.SessionID != "" && ev.SessionID == sid {
			c.logger.Info("session signed out remotely", "user_id", ev.UserID)
			c.clear()
		}
	case domain.EventUserDeactivated:
		c.logger.Info("user deactivated, dropping session", "user_id", ev.UserID)
		c.clear()
	}
}

// dispatcher runs callbacks one at a time, in order, on its own goroutine.
type dispatcher struct {
	mu    sync.Mutex
	queue []func()
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func newDispatcher() *dispatcher {
	d := &dispatcher{wake: make(chan struct{}, 1), done: make(chan struct{})}
	go d.run()
	return d
}

func (d *dispatcher) enqueue(fn func()) {
	d.mu.Lock()
	d.queue = append(d.queue, fn)
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	for {
		select {
		case <-d.done:
			return
		case <-d.wake:
		}
		for {
			d.mu.Lock()
			if len(d.queue) == 0 {
				d.mu.Unlock()
				break
			}
			fn := d.queue[0]
			d.queue = d.queue[1:]
			d.mu.Unlock()
			fn()
		}
	}
}

func (d *dispatcher) stop() {
	d.once.Do(func() { close(d.done) })
}
