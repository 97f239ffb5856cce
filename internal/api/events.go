package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"log-processing-service/internal/events"
	"log-processing-service/internal/logger"
)

const keepAliveInterval = 15 * time.Second

// handleEvents relays the caller's topic as server-sent events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusNotFound, "event stream disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ctx := r.Context()
	log := logger.FromContext(ctx, s.log)
	user := userFromContext(ctx)
	stream, err := s.events.Subscribe(ctx, events.Topic(user))
	if err != nil {
		log.Error("subscribe events", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to subscribe")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-stream:
			if !ok {
				return
			}
			raw, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, raw); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
