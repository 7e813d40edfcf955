package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"salesdesk/internal/util"
	"salesdesk/pkg/store"
)

// handleEvents streams the caller's session events as server-sent events
// until the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, claims store.AccessClaims) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	ctx := r.Context()
	events, cancel, err := s.app.SubscribeSessionEvents(ctx, claims.UserID)
	if err != nil {
		util.LoggerFromContext(ctx).Error("subscribe session events failed", "user_id", claims.UserID, "err", err)
		writeError(w, http.StatusServiceUnavailable, "events unavailable")
		return
	}
	defer cancel()

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, ": connected\n\n"); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		util.LoggerFromContext(ctx).Warn("event stream cannot flush", "err", err)
		return
	}

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %s\nevent: session\ndata: %s\n\n", ev.ID, payload); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
