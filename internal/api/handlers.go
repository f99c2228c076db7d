package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/artifactloop/internal/chat"
	"github.com/mattjoyce/artifactloop/internal/contextmgr"
	"github.com/mattjoyce/artifactloop/internal/editor"
	"github.com/mattjoyce/artifactloop/internal/partcache"
	"github.com/mattjoyce/artifactloop/internal/runner"
	"github.com/mattjoyce/artifactloop/internal/sandbox"
	"github.com/mattjoyce/artifactloop/internal/session"
	"github.com/mattjoyce/artifactloop/internal/store"
)

// SessionResponse describes a session.
type SessionResponse struct {
	ID        string            `json:"id"`
	Live      bool              `json:"live"`
	Status    string            `json:"status,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	Cache     *partcache.Stats  `json:"cache,omitempty"`
	Backups   []string          `json:"backups,omitempty"`
	Artifacts []runner.Artifact `json:"artifacts"`
}

// MessagesRequest is the JSON body for POST .../messages: the full
// transcript as the client currently sees it.
type MessagesRequest struct {
	Messages []chat.Message `json:"messages"`
	Wait     bool           `json:"wait,omitempty"`
}

// MessagesResponse carries the rendered transcript.
type MessagesResponse struct {
	Messages []session.Rendered `json:"messages"`
	Actions  []runner.Action    `json:"actions,omitempty"`
}

// ActionsResponse is returned by GET .../actions.
type ActionsResponse struct {
	Artifacts []runner.Artifact `json:"artifacts"`
	Actions   []runner.Action   `json:"actions"`
}

// EditResponse is returned by POST .../edit.
type EditResponse struct {
	Output string `json:"output"`
}

// ContextResponse is returned by POST .../context.
type ContextResponse struct {
	SendRelevantFiles bool `json:"send_relevant_files"`
	Cutoff            int  `json:"cutoff"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Sessions      int    `json:"sessions"`
}

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleHealthz handles GET /healthz.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Sessions:      len(s.sessions.List()),
	})
}

// handleCreateSession handles POST /v1/sessions.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Create(r.Context())
	if err != nil {
		s.logger.Error("failed to create session", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	respondJSON(w, http.StatusCreated, describe(sess))
}

// handleListSessions handles GET /v1/sessions. Journaled sessions that are
// not live come first, then live sessions, each oldest first.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	live := s.sessions.List()
	out := make([]SessionResponse, 0, len(live))
	if s.history != nil {
		past, err := s.history.ListSessions(r.Context())
		if err != nil {
			s.logger.Error("failed to list journaled sessions", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to read journal")
			return
		}
		for i := len(past) - 1; i >= 0; i-- {
			if _, ok := s.sessions.Get(past[i].ID); ok {
				continue
			}
			out = append(out, SessionResponse{
				ID:        past[i].ID,
				Status:    string(past[i].Status),
				CreatedAt: past[i].CreatedAt,
			})
		}
	}
	for _, sess := range live {
		out = append(out, describe(sess))
	}
	respondJSON(w, http.StatusOK, out)
}

// handleGetSession handles GET /v1/sessions/{session_id}. Sessions from an
// earlier process are served from the journal.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	if sess, ok := s.sessions.Get(id); ok {
		respondJSON(w, http.StatusOK, describe(sess))
		return
	}
	past, arts, _, ok := s.journaled(w, r, id)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, SessionResponse{
		ID:        id,
		Status:    string(past.Status),
		CreatedAt: past.CreatedAt,
		Artifacts: arts,
	})
}

// handleListActions handles GET /v1/sessions/{session_id}/actions.
func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	if sess, ok := s.sessions.Get(id); ok {
		respondJSON(w, http.StatusOK, ActionsResponse{
			Artifacts: sess.Runner().Artifacts(),
			Actions:   sess.Runner().Actions(),
		})
		return
	}
	_, arts, actions, ok := s.journaled(w, r, id)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, ActionsResponse{Artifacts: arts, Actions: actions})
}

func (s *Server) journaled(w http.ResponseWriter, r *http.Request, id string) (*store.Session, []runner.Artifact, []runner.Action, bool) {
	if s.history == nil {
		s.writeError(w, http.StatusNotFound, "session not found")
		return nil, nil, nil, false
	}
	past, err := s.history.LookupSession(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to look up session", "session_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read journal")
		return nil, nil, nil, false
	}
	if past == nil {
		s.writeError(w, http.StatusNotFound, "session not found")
		return nil, nil, nil, false
	}
	arts, err := s.history.ListArtifacts(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to list artifacts", "session_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read journal")
		return nil, nil, nil, false
	}
	actions, err := s.history.ListActions(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to list actions", "session_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read journal")
		return nil, nil, nil, false
	}
	return past, arts, actions, true
}

// handleMessages handles POST /v1/sessions/{session_id}/messages. Clients
// post the whole transcript after every streamed chunk; parts that have not
// changed are served from the cache.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)
	var req MessagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	for _, m := range req.Messages {
		if m.ID == "" {
			s.writeError(w, http.StatusBadRequest, "message id is required")
			return
		}
	}

	resp := MessagesResponse{Messages: sess.Process(req.Messages)}
	if req.Wait {
		if err := sess.Runner().Wait(r.Context()); err != nil {
			s.writeError(w, http.StatusRequestTimeout, "actions still running")
			return
		}
		resp.Actions = sess.Runner().Actions()
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleEdit handles POST /v1/sessions/{session_id}/edit.
func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)
	var cmd editor.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if cmd.Path == "" {
		s.writeError(w, http.StatusBadRequest, "path is required")
		return
	}

	out, err := sess.Editor().Execute(cmd)
	if err != nil {
		s.writeError(w, editStatus(err), err.Error())
		return
	}
	s.logger.Info("edit applied", "session_id", sess.ID, "command", cmd.Command, "path", cmd.Path)
	respondJSON(w, http.StatusOK, EditResponse{Output: out})
}

func editStatus(err error) int {
	switch {
	case errors.Is(err, sandbox.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, editor.ErrNothingToUndo):
		return http.StatusConflict
	case errors.Is(err, editor.ErrNoMatch),
		errors.Is(err, editor.ErrMultipleMatches),
		errors.Is(err, editor.ErrMissingInsertArgs),
		errors.Is(err, editor.ErrUnknownCommand),
		errors.Is(err, sandbox.ErrOutsideSandbox),
		errors.Is(err, sandbox.ErrIsADirectory),
		errors.Is(err, sandbox.ErrNotADirectory):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// handleReset handles POST /v1/sessions/{session_id}/reset.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)
	sess.Reset()
	s.logger.Info("session reset", "session_id", sess.ID)
	w.WriteHeader(http.StatusNoContent)
}

// handleContext handles POST /v1/sessions/{session_id}/context: given the
// outgoing history, it reports whether the relevant-files bundle must be
// attached.
func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)
	var req MessagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	respondJSON(w, http.StatusOK, ContextResponse{
		SendRelevantFiles: sess.ShouldSendRelevantFiles(req.Messages),
		Cutoff:            contextmgr.Cutoff(req.Messages, sess.ContextSizeThreshold()),
	})
}

func describe(sess *session.Session) SessionResponse {
	stats := sess.CacheStats()
	return SessionResponse{
		ID:        sess.ID,
		Live:      true,
		CreatedAt: sess.CreatedAt,
		Cache:     &stats,
		Backups:   sess.Editor().Backups().Paths(),
		Artifacts: sess.Runner().Artifacts(),
	}
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
