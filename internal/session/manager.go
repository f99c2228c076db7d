package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/cloudwego/eino/components/tool"
	"github.com/google/uuid"

	"github.com/mattjoyce/artifactloop/internal/editor"
	"github.com/mattjoyce/artifactloop/internal/runner"
	"github.com/mattjoyce/artifactloop/internal/sandbox"
)

// Config sizes per-session state.
type Config struct {
	PartCacheSize        int
	RetainMessages       int
	ContextSizeThreshold int
	Runner               runner.Config
}

// Journal persists sessions. ForSession returns the recorder the session's
// runner writes artifact and action transitions to.
type Journal interface {
	CreateSession(ctx context.Context, id string) error
	CloseSession(ctx context.Context, id string) error
	ForSession(id string) runner.Recorder
}

// ToolFactory builds the tools available to toolUse actions of a session.
// Tools that edit files should go through ed so their changes can be undone.
type ToolFactory func(sessionID string, ed *editor.Editor) []tool.InvokableTool

// Manager owns all live sessions.
type Manager struct {
	cfg     Config
	sb      sandbox.Sandbox
	tools   ToolFactory
	journal Journal
	logger  *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a Manager. tools and journal may be nil.
func NewManager(cfg Config, sb sandbox.Sandbox, tools ToolFactory, journal Journal, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		sb:       sb,
		tools:    tools,
		journal:  journal,
		logger:   logger,
		sessions: map[string]*Session{},
	}
}

// Create starts a new session with its own parser, cache, runner and backup
// stack.
func (m *Manager) Create(ctx context.Context) (*Session, error) {
	id := uuid.NewString()

	var recorder runner.Recorder
	if m.journal != nil {
		if err := m.journal.CreateSession(ctx, id); err != nil {
			return nil, fmt.Errorf("record session: %w", err)
		}
		recorder = m.journal.ForSession(id)
	}

	ed := editor.New(m.sb, nil)
	r := runner.New(m.cfg.Runner, runner.Deps{Sandbox: m.sb, Editor: ed, Recorder: recorder}, m.logger.With("session_id", id))
	if m.tools != nil {
		for _, t := range m.tools(id, ed) {
			if err := r.RegisterTool(ctx, t); err != nil {
				r.Close()
				return nil, fmt.Errorf("register tool: %w", err)
			}
		}
	}

	s, err := newSession(id, m.cfg, r, ed, m.logger)
	if err != nil {
		r.Close()
		return nil, err
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	m.logger.Info("session created", "session_id", id)
	return s, nil
}

// Get returns a live session.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// List returns live sessions, oldest first.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Close stops every session and marks it closed in the journal.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		s.Close()
		delete(m.sessions, id)
		if m.journal == nil {
			continue
		}
		if err := m.journal.CloseSession(context.Background(), id); err != nil {
			m.logger.Warn("failed to close session in journal", "session_id", id, "error", err)
		}
	}
}
