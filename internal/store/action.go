package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mattjoyce/artifactloop/internal/action"
	"github.com/mattjoyce/artifactloop/internal/runner"
)

const reasonInterrupted = "interrupted by restart"

// ActionStore provides operations on the artifacts and actions tables.
type ActionStore struct {
	db *sql.DB
}

// NewActionStore creates a new ActionStore.
func NewActionStore(db *sql.DB) *ActionStore {
	return &ActionStore{db: db}
}

// UpsertArtifact writes the latest snapshot of an artifact.
func (s *ActionStore) UpsertArtifact(ctx context.Context, sessionID string, a runner.Artifact) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts (session_id, id, name, message_id, part_key, title, closed, failed, updated_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id, id) DO UPDATE SET
		   title = excluded.title, closed = excluded.closed, failed = excluded.failed, updated_at = excluded.updated_at`,
		sessionID, a.ID, a.Name, a.MessageID, a.PartKey, a.Title, a.Closed, a.Failed, now, formatTime(a.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert artifact: %w", err)
	}
	return nil
}

// UpsertAction writes the latest snapshot of an action.
func (s *ActionStore) UpsertAction(ctx context.Context, sessionID string, a runner.Action) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO actions (session_id, id, artifact_id, message_id, kind, file_path, tool_name, content, status, output, error, updated_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id, id) DO UPDATE SET
		   content = excluded.content, status = excluded.status, output = excluded.output,
		   error = excluded.error, updated_at = excluded.updated_at`,
		sessionID, a.ID, a.ArtifactID, a.MessageID, string(a.Kind), a.FilePath, a.ToolName, a.Content,
		string(a.Status), a.Output, a.Error, formatTime(a.UpdatedAt), formatTime(a.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert action: %w", err)
	}
	return nil
}

// ListActions returns the journaled actions of a session in creation order.
func (s *ActionStore) ListActions(ctx context.Context, sessionID string) ([]runner.Action, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, artifact_id, message_id, kind, file_path, tool_name, content, status, output, error, updated_at, created_at
		 FROM actions WHERE session_id = ? ORDER BY created_at ASC, rowid ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()

	var out []runner.Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListArtifacts returns the journaled artifacts of a session in creation
// order.
func (s *ActionStore) ListArtifacts(ctx context.Context, sessionID string) ([]runner.Artifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, message_id, part_key, title, closed, failed, created_at
		 FROM artifacts WHERE session_id = ? ORDER BY created_at ASC, rowid ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var out []runner.Artifact
	for rows.Next() {
		var a runner.Artifact
		var name, messageID, partKey, title sql.NullString
		var createdAt string
		if err := rows.Scan(&a.ID, &name, &messageID, &partKey, &title, &a.Closed, &a.Failed, &createdAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		a.Name = name.String
		a.MessageID = messageID.String
		a.PartKey = partKey.String
		a.Title = title.String
		a.CreatedAt = parseTime(createdAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

// RecoverInterrupted closes out actions left non-terminal by a previous
// process: running actions become failed and queued ones skipped. It returns
// the number of rows changed.
func (s *ActionStore) RecoverInterrupted(ctx context.Context) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	var total int64
	updates := []struct {
		from, to action.Status
	}{
		{action.StatusRunning, action.StatusFailed},
		{action.StatusQueued, action.StatusSkipped},
	}
	for _, u := range updates {
		res, err := s.db.ExecContext(ctx,
			`UPDATE actions SET status = ?, error = ?, updated_at = ? WHERE status = ?`,
			string(u.to), reasonInterrupted, now, string(u.from))
		if err != nil {
			return total, fmt.Errorf("recover %s actions: %w", u.from, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func scanAction(s scanner) (runner.Action, error) {
	var a runner.Action
	var kind, status, updatedAt, createdAt string
	var messageID, filePath, toolName, content, output, errMsg sql.NullString
	err := s.Scan(&a.ID, &a.ArtifactID, &messageID, &kind, &filePath, &toolName, &content,
		&status, &output, &errMsg, &updatedAt, &createdAt)
	if err != nil {
		return runner.Action{}, fmt.Errorf("scan action: %w", err)
	}
	a.MessageID = messageID.String
	a.Kind = action.Kind(kind)
	a.FilePath = filePath.String
	a.ToolName = toolName.String
	a.Content = content.String
	a.Status = action.Status(status)
	a.Output = output.String
	a.Error = errMsg.String
	a.UpdatedAt = parseTime(updatedAt)
	a.CreatedAt = parseTime(createdAt)
	return a, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}
