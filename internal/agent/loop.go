// Package agent drives model turns: it streams assistant output into a
// session so artifacts execute while the reply is still being written.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"

	"github.com/mattjoyce/artifactloop/internal/action"
	"github.com/mattjoyce/artifactloop/internal/chat"
	"github.com/mattjoyce/artifactloop/internal/config"
	"github.com/mattjoyce/artifactloop/internal/contextmgr"
	"github.com/mattjoyce/artifactloop/internal/session"
)

// ErrToolRoundLimit is returned when the model keeps calling tools past the
// configured number of rounds.
var ErrToolRoundLimit = errors.New("tool round limit reached")

const systemPrompt = `You are a software engineer working inside a project directory.

To change the project, reply with an artifact:

<boltArtifact id="short-kebab-id" title="What this does">
<boltAction type="file" filePath="relative/path.ext">full new file content</boltAction>
<boltAction type="shell">command to run</boltAction>
</boltArtifact>

Actions of an artifact run in order as soon as each one is complete; a
failed action skips the rest of its artifact. Always write whole files.
Use the available tools to inspect files or run commands when you need
their output before answering.`

// UpdateFunc receives the rendered transcript after every change.
type UpdateFunc func([]session.Rendered)

// Loop runs model turns against a session.
type Loop struct {
	chatModel model.ToolCallingChatModel
	workspace *Workspace
	cfg       config.AgentConfig
	threshold int
	logger    *slog.Logger
}

// NewLoop creates a Loop. threshold is the context size the prompt is packed
// into, matching the session's.
func NewLoop(chatModel model.ToolCallingChatModel, ws *Workspace, cfg config.AgentConfig, threshold int, logger *slog.Logger) *Loop {
	return &Loop{
		chatModel: chatModel,
		workspace: ws,
		cfg:       cfg,
		threshold: threshold,
		logger:    logger,
	}
}

// Turn appends userText to history and streams assistant replies until the
// model stops calling tools. It returns the extended history, including
// partial output when an error cuts the turn short.
func (l *Loop) Turn(ctx context.Context, sess *session.Session, history []chat.Message, userText string, onUpdate UpdateFunc) ([]chat.Message, error) {
	if l.cfg.TurnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.cfg.TurnTimeout)
		defer cancel()
	}

	user := chat.Message{ID: uuid.NewString(), Role: chat.RoleUser, Parts: []chat.Part{chat.TextPart(userText)}}
	if sess.ShouldSendRelevantFiles(append(history[:len(history):len(history)], user)) {
		rf, err := l.workspace.RelevantFiles(uuid.NewString())
		if err != nil {
			l.logger.Warn("relevant files unavailable", "session_id", sess.ID, "error", err)
			sess.RelevantFilesNotSent()
		} else {
			history = append(history, rf)
		}
	}
	history = append(history, user)
	l.publish(sess, history, onUpdate)

	m := l.chatModel
	if infos := sess.Runner().ToolInfos(); len(infos) > 0 {
		bound, err := l.chatModel.WithTools(infos)
		if err != nil {
			return history, fmt.Errorf("bind tools: %w", err)
		}
		m = bound
	}

	rounds := l.cfg.MaxToolRounds
	if rounds <= 0 {
		rounds = 1
	}
	for round := 0; round < rounds; round++ {
		var calls int
		var err error
		history, calls, err = l.stream(ctx, m, sess, history, onUpdate)
		if err != nil {
			return history, err
		}
		if calls == 0 {
			if err := sess.Runner().Wait(ctx); err != nil {
				return history, fmt.Errorf("wait for actions: %w", err)
			}
			l.logger.Info("turn completed", "session_id", sess.ID, "rounds", round+1)
			return history, nil
		}
		if history, err = l.resolveTools(ctx, sess, history, onUpdate); err != nil {
			return history, err
		}
	}
	return history, fmt.Errorf("%w (%d)", ErrToolRoundLimit, rounds)
}

// stream appends one assistant message and fills it chunk by chunk. It
// returns the number of tool calls the message ended with.
func (l *Loop) stream(ctx context.Context, m model.BaseChatModel, sess *session.Session, history []chat.Message, onUpdate UpdateFunc) ([]chat.Message, int, error) {
	prompt := buildPrompt(history, contextmgr.Cutoff(history, l.threshold))

	sr, err := m.Stream(ctx, prompt)
	if err != nil {
		return history, 0, fmt.Errorf("stream: %w", err)
	}
	defer sr.Close()

	history = append(history, chat.Message{ID: uuid.NewString(), Role: chat.RoleAssistant})
	last := len(history) - 1
	acc := &accumulator{}
	var usage *schema.TokenUsage

	for {
		chunk, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return history, 0, fmt.Errorf("receive: %w", err)
		}
		if chunk.ResponseMeta != nil && chunk.ResponseMeta.Usage != nil {
			usage = chunk.ResponseMeta.Usage
		}
		if !acc.add(chunk) {
			continue
		}
		history[last].Parts = acc.parts(chat.ToolPartialCall)
		l.publish(sess, history, onUpdate)
	}

	history[last].Parts = acc.parts(chat.ToolCall)
	l.publish(sess, history, onUpdate)
	if usage != nil {
		l.logger.Debug("model usage", "session_id", sess.ID,
			"prompt_tokens", usage.PromptTokens, "completion_tokens", usage.CompletionTokens)
	}
	return history, len(acc.calls), nil
}

// resolveTools waits for the tool actions of the last assistant message and
// records their results on it.
func (l *Loop) resolveTools(ctx context.Context, sess *session.Session, history []chat.Message, onUpdate UpdateFunc) ([]chat.Message, error) {
	if err := sess.Runner().Wait(ctx); err != nil {
		return history, fmt.Errorf("wait for tools: %w", err)
	}
	last := len(history) - 1
	parts := make([]chat.Part, len(history[last].Parts))
	copy(parts, history[last].Parts)
	for i, p := range parts {
		if p.Type != chat.PartToolInvocation || p.Tool == nil {
			continue
		}
		inv := *p.Tool
		inv.State = chat.ToolResult
		inv.Result = toolResult(sess, inv.CallID)
		parts[i].Tool = &inv
	}
	history[last].Parts = parts
	l.publish(sess, history, onUpdate)
	return history, nil
}

func toolResult(sess *session.Session, callID string) string {
	a, ok := sess.Runner().Action(action.ToolCallID(callID))
	if !ok {
		return errorResult("tool call was not executed")
	}
	switch a.Status {
	case action.StatusComplete:
		return a.Output
	case action.StatusFailed, action.StatusSkipped:
		return errorResult(a.Error)
	}
	return errorResult("tool call did not finish (" + string(a.Status) + ")")
}

func errorResult(msg string) string {
	out, _ := json.Marshal(map[string]any{"status": "error", "error": msg})
	return string(out)
}

func (l *Loop) publish(sess *session.Session, history []chat.Message, onUpdate UpdateFunc) {
	rendered := sess.Process(history)
	if onUpdate != nil {
		onUpdate(rendered)
	}
}
