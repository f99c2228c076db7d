package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/mattjoyce/artifactloop/internal/runner"
)

// Journal records sessions and the action transitions of their runners.
type Journal struct {
	Sessions *SessionStore
	Actions  *ActionStore
}

// NewJournal creates a Journal over db.
func NewJournal(db *sql.DB) *Journal {
	return &Journal{
		Sessions: NewSessionStore(db),
		Actions:  NewActionStore(db),
	}
}

// CreateSession inserts the session row.
func (j *Journal) CreateSession(ctx context.Context, id string) error {
	return j.Sessions.Create(ctx, id)
}

// CloseSession marks a session closed.
func (j *Journal) CloseSession(ctx context.Context, id string) error {
	return j.Sessions.UpdateStatus(ctx, id, SessionStatusClosed)
}

// LookupSession returns a journaled session, or nil when the ID is unknown.
func (j *Journal) LookupSession(ctx context.Context, id string) (*Session, error) {
	sess, err := j.Sessions.GetByID(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return sess, err
}

// ListSessions returns journaled sessions, newest first.
func (j *Journal) ListSessions(ctx context.Context) ([]*Session, error) {
	return j.Sessions.List(ctx)
}

// ListActions returns the journaled actions of a session.
func (j *Journal) ListActions(ctx context.Context, sessionID string) ([]runner.Action, error) {
	return j.Actions.ListActions(ctx, sessionID)
}

// ListArtifacts returns the journaled artifacts of a session.
func (j *Journal) ListArtifacts(ctx context.Context, sessionID string) ([]runner.Artifact, error) {
	return j.Actions.ListArtifacts(ctx, sessionID)
}

// ForSession returns a runner.Recorder bound to one session.
func (j *Journal) ForSession(id string) runner.Recorder {
	return &sessionRecorder{sessionID: id, actions: j.Actions}
}

type sessionRecorder struct {
	sessionID string
	actions   *ActionStore
}

func (r *sessionRecorder) RecordArtifact(ctx context.Context, a runner.Artifact) error {
	return r.actions.UpsertArtifact(ctx, r.sessionID, a)
}

func (r *sessionRecorder) RecordAction(ctx context.Context, a runner.Action) error {
	return r.actions.UpsertAction(ctx, r.sessionID, a)
}
