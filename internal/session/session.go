// Package session wires the parser, the part cache and the action runner of
// one conversation together.
package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/artifactloop/internal/action"
	"github.com/mattjoyce/artifactloop/internal/chat"
	"github.com/mattjoyce/artifactloop/internal/contextmgr"
	"github.com/mattjoyce/artifactloop/internal/editor"
	"github.com/mattjoyce/artifactloop/internal/parser"
	"github.com/mattjoyce/artifactloop/internal/partcache"
	"github.com/mattjoyce/artifactloop/internal/runner"
)

// RenderedPart is the display form of one message part.
type RenderedPart struct {
	Index     int           `json:"index"`
	Type      chat.PartType `json:"type"`
	Output    string        `json:"output"`
	Artifacts []string      `json:"artifacts,omitempty"`
	// Streaming is set while the part ends inside an artifact or action.
	Streaming bool `json:"streaming,omitempty"`
}

// Rendered is the display form of one message.
type Rendered struct {
	MessageID string         `json:"message_id"`
	Role      chat.Role      `json:"role"`
	Parts     []RenderedPart `json:"parts"`
}

// Session is one conversation. Process and Reset are serialized.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu       sync.Mutex
	parser   *parser.Parser
	cache    *partcache.Cache[parser.Result]
	runner   *runner.ActionRunner
	editor   *editor.Editor
	contexts *contextmgr.Manager
	cfg      Config
	logger   *slog.Logger
	seen     map[string]bool
}

func newSession(id string, cfg Config, r *runner.ActionRunner, ed *editor.Editor, logger *slog.Logger) (*Session, error) {
	s := &Session{
		ID:        id,
		CreatedAt: time.Now().UTC(),
		runner:    r,
		editor:    ed,
		contexts:  contextmgr.New(),
		cfg:       cfg,
		logger:    logger.With("session_id", id),
		seen:      map[string]bool{},
	}
	s.parser = parser.New(parser.Callbacks{
		OnArtifactOpen:  r.AddArtifact,
		OnArtifactClose: r.CloseArtifact,
		OnActionOpen:    r.AddAction,
		OnActionStream: func(ev action.ActionEvent, _ string) {
			s.run(ev, true)
		},
		OnActionClose: func(ev action.ActionEvent) {
			s.run(ev, false)
		},
	})

	// A part pushed out of the cache is reparsed from scratch on its next
	// visit, so its parse state goes with it.
	cache, err := partcache.New(cfg.PartCacheSize, s.parsePart, s.parser.Forget)
	if err != nil {
		return nil, err
	}
	s.cache = cache
	return s, nil
}

// Runner exposes the action runner.
func (s *Session) Runner() *runner.ActionRunner {
	return s.runner
}

// Editor exposes the session's editor and its backup stack.
func (s *Session) Editor() *editor.Editor {
	return s.editor
}

// CacheStats reports part cache effectiveness.
func (s *Session) CacheStats() partcache.Stats {
	return s.cache.Stats()
}

// Process walks the transcript, dispatching actions found in new or changed
// assistant parts, and returns the rendered messages. Messages older than
// the retention window are retired with their artifacts and actions.
func (s *Session) Process(messages []chat.Message) []Rendered {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.RetainMessages > 0 && len(messages) > s.cfg.RetainMessages {
		messages = messages[len(messages)-s.cfg.RetainMessages:]
	}

	kept := make(map[string]bool, len(messages))
	interrupted := false
	for _, msg := range messages {
		kept[msg.ID] = true
		if len(s.seen) > 0 && !s.seen[msg.ID] && msg.Role == chat.RoleUser && !msg.HasAnnotation(chat.AnnotationRelevantFiles) {
			interrupted = true
		}
	}
	for id := range s.seen {
		if !kept[id] {
			s.retire(id)
		}
	}
	if interrupted {
		s.interrupt()
	}

	out := make([]Rendered, 0, len(messages))
	for _, msg := range messages {
		s.seen[msg.ID] = true
		out = append(out, s.render(msg))
	}
	return out
}

func (s *Session) render(msg chat.Message) Rendered {
	r := Rendered{MessageID: msg.ID, Role: msg.Role, Parts: make([]RenderedPart, 0, len(msg.Parts))}
	for i, part := range msg.Parts {
		rp := RenderedPart{Index: i, Type: part.Type}
		if msg.Role != chat.RoleAssistant {
			rp.Output = part.Text
			r.Parts = append(r.Parts, rp)
			continue
		}
		id := chat.PartID{MessageID: msg.ID, Index: i}
		res := s.cache.Get(id, part)
		rp.Output = res.Output
		rp.Artifacts = res.Artifacts
		rp.Streaming = s.parser.Open(id)
		r.Parts = append(r.Parts, rp)
	}
	return r
}

// parsePart runs on cache misses only.
func (s *Session) parsePart(id chat.PartID, part chat.Part) parser.Result {
	switch part.Type {
	case chat.PartToolInvocation:
		return s.dispatchTool(id, part.Tool)
	default:
		return s.parser.Parse(id, part.Text)
	}
}

func (s *Session) dispatchTool(id chat.PartID, inv *chat.ToolInvocation) parser.Result {
	if inv == nil || inv.CallID == "" {
		return parser.Result{}
	}
	aid := action.ToolCallID(inv.CallID)
	s.runner.AddArtifact(action.ArtifactEvent{
		ArtifactID: aid,
		MessageID:  id.MessageID,
		PartKey:    id.Key(),
		Title:      inv.ToolName,
	})
	ev := action.ActionEvent{
		ArtifactID: aid,
		ActionID:   aid,
		MessageID:  id.MessageID,
		Kind:       action.KindToolUse,
		ToolName:   inv.ToolName,
		Content:    inv.Args,
	}
	switch inv.State {
	case chat.ToolPartialCall:
		s.run(ev, true)
	case chat.ToolCall:
		s.run(ev, false)
	case chat.ToolResult:
		s.runner.Complete(ev, inv.Result)
	}
	return parser.Result{Artifacts: []string{aid}}
}

func (s *Session) run(ev action.ActionEvent, streaming bool) {
	err := s.runner.RunAction(ev, streaming)
	switch {
	case err == nil:
	case errors.Is(err, runner.ErrQueueFull):
		s.logger.Warn("action dropped, artifact queue full", "action_id", ev.ActionID, "artifact_id", ev.ArtifactID)
	default:
		s.logger.Warn("action not queued", "action_id", ev.ActionID, "error", err)
	}
}

func (s *Session) retire(messageID string) {
	s.cache.RemoveMessage(messageID)
	s.parser.ForgetMessage(messageID)
	n := s.runner.RetireMessage(messageID)
	delete(s.seen, messageID)
	s.logger.Debug("message retired", "message_id", messageID, "artifacts", n)
}

// interrupt clears in-flight parse state and drops actions that have not
// started. Applied changes stay in place.
func (s *Session) interrupt() {
	s.parser.Reset()
	if n := s.runner.DiscardPending(); n > 0 {
		s.logger.Info("pending actions discarded", "count", n)
	}
}

// Reset clears parse state and cached results and discards pending actions.
// Backups are kept so earlier edits can still be undone.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interrupt()
	s.cache.Purge()
	s.contexts.Reset()
}

// ShouldSendRelevantFiles consults the context manager for the next request.
func (s *Session) ShouldSendRelevantFiles(history []chat.Message) bool {
	return s.contexts.ShouldSendRelevantFiles(history, s.cfg.ContextSizeThreshold)
}

// RelevantFilesNotSent withdraws the last ShouldSendRelevantFiles answer
// when the bundle could not be attached.
func (s *Session) RelevantFilesNotSent() {
	s.contexts.Rollback()
}

// ContextSizeThreshold is the byte budget outgoing history is packed into.
func (s *Session) ContextSizeThreshold() int {
	return s.cfg.ContextSizeThreshold
}

// Close stops running actions.
func (s *Session) Close() {
	s.runner.Close()
}
