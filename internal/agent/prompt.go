package agent

import (
	"strings"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"

	"github.com/mattjoyce/artifactloop/internal/chat"
)

// buildPrompt converts the transcript from index cut onward into model
// messages. Tool calls are only replayed once they carry a result.
func buildPrompt(history []chat.Message, cut int) []*schema.Message {
	msgs := make([]*schema.Message, 0, len(history)-cut+1)
	msgs = append(msgs, schema.SystemMessage(systemPrompt))
	for _, m := range history[cut:] {
		switch m.Role {
		case chat.RoleUser:
			msgs = append(msgs, schema.UserMessage(m.Content()))
		case chat.RoleAssistant:
			var calls []schema.ToolCall
			var results []*schema.Message
			for _, p := range m.Parts {
				if p.Type != chat.PartToolInvocation || p.Tool == nil || p.Tool.State != chat.ToolResult {
					continue
				}
				calls = append(calls, schema.ToolCall{
					ID:       p.Tool.CallID,
					Type:     "function",
					Function: schema.FunctionCall{Name: p.Tool.ToolName, Arguments: p.Tool.Args},
				})
				results = append(results, schema.ToolMessage(p.Tool.Result, p.Tool.CallID))
			}
			content := m.Content()
			if content == "" && len(calls) == 0 {
				continue
			}
			msgs = append(msgs, schema.AssistantMessage(content, calls))
			msgs = append(msgs, results...)
		}
	}
	return msgs
}

type toolCallBuf struct {
	index *int
	id    string
	name  string
	args  strings.Builder
}

// accumulator merges streamed chunks into the parts of one assistant
// message. Part 0 is always the text; tool calls follow in arrival order.
type accumulator struct {
	text  strings.Builder
	calls []*toolCallBuf
}

// add merges chunk and reports whether anything changed.
func (a *accumulator) add(chunk *schema.Message) bool {
	changed := chunk.Content != ""
	a.text.WriteString(chunk.Content)
	for _, tc := range chunk.ToolCalls {
		a.merge(tc)
		changed = true
	}
	return changed
}

func (a *accumulator) merge(tc schema.ToolCall) {
	var buf *toolCallBuf
	for _, b := range a.calls {
		if tc.Index != nil && b.index != nil && *b.index == *tc.Index {
			buf = b
			break
		}
		if tc.Index == nil && tc.ID != "" && b.id == tc.ID {
			buf = b
			break
		}
	}
	if buf == nil && tc.Index == nil && tc.ID == "" && len(a.calls) > 0 {
		buf = a.calls[len(a.calls)-1]
	}
	if buf == nil {
		buf = &toolCallBuf{index: tc.Index}
		a.calls = append(a.calls, buf)
	}
	if buf.id == "" {
		buf.id = tc.ID
	}
	if buf.name == "" {
		buf.name = tc.Function.Name
	}
	buf.args.WriteString(tc.Function.Arguments)
}

// parts renders the accumulated message. Calls without an ID yet are held
// back while streaming and given one when the message is final.
func (a *accumulator) parts(state chat.ToolState) []chat.Part {
	parts := []chat.Part{chat.TextPart(a.text.String())}
	for _, b := range a.calls {
		if b.id == "" {
			if state == chat.ToolPartialCall {
				continue
			}
			b.id = "call_" + uuid.NewString()
		}
		parts = append(parts, chat.Part{
			Type: chat.PartToolInvocation,
			Tool: &chat.ToolInvocation{
				CallID:   b.id,
				ToolName: b.name,
				State:    state,
				Args:     b.args.String(),
			},
		})
	}
	return parts
}
