package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/artifactloop/internal/runner"
)

// handleSessionEvents handles GET /v1/sessions/{session_id}/events. It
// streams an "action" event whenever an action changes and a comment
// heartbeat while nothing does.
func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.Get(chi.URLParam(r, "session_id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	poll := time.NewTicker(s.config.StreamPollInterval)
	defer poll.Stop()
	heartbeat := time.NewTicker(s.config.StreamHeartbeatInterval)
	defer heartbeat.Stop()

	sent := map[string]string{}
	emit := func() error {
		for _, a := range sess.Runner().Actions() {
			sig := actionSignature(a)
			if sent[a.ID] == sig {
				continue
			}
			sent[a.ID] = sig
			if err := writeEvent(w, "action", a); err != nil {
				return err
			}
		}
		flusher.Flush()
		return nil
	}

	if err := emit(); err != nil {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case <-poll.C:
			if err := emit(); err != nil {
				s.logger.Debug("event stream closed", "session_id", sess.ID, "error", err)
				return
			}
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func actionSignature(a runner.Action) string {
	return fmt.Sprintf("%s|%d|%d|%s", a.Status, len(a.Content), len(a.Output), a.Error)
}

func writeEvent(w http.ResponseWriter, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	return err
}
