package agent

import (
	"strings"
	"testing"

	"github.com/cloudwego/eino/schema"

	"github.com/mattjoyce/artifactloop/internal/chat"
	"github.com/mattjoyce/artifactloop/internal/parser"
)

func TestAccumulatorMergesToolCallFragments(t *testing.T) {
	acc := &accumulator{}
	acc.add(&schema.Message{Content: "Let me look."})
	acc.add(&schema.Message{ToolCalls: []schema.ToolCall{{Function: schema.FunctionCall{Name: "shell", Arguments: `{"comm`}}}})
	acc.add(&schema.Message{ToolCalls: []schema.ToolCall{{Function: schema.FunctionCall{Arguments: `and":"ls"}`}}}})

	if parts := acc.parts(chat.ToolPartialCall); len(parts) != 1 {
		t.Fatalf("calls without an ID should be held back while streaming, got %d parts", len(parts))
	}

	parts := acc.parts(chat.ToolCall)
	if len(parts) != 2 || parts[0].Text != "Let me look." {
		t.Fatalf("parts = %+v", parts)
	}
	tc := parts[1].Tool
	if tc.Args != `{"command":"ls"}` || tc.ToolName != "shell" || !strings.HasPrefix(tc.CallID, "call_") {
		t.Fatalf("tool call = %+v", tc)
	}
	if again := acc.parts(chat.ToolCall); again[1].Tool.CallID != tc.CallID {
		t.Fatalf("generated call ID must be stable")
	}
}

func TestBuildPromptReplaysResolvedToolCalls(t *testing.T) {
	history := []chat.Message{
		{ID: "old", Role: chat.RoleUser, Parts: []chat.Part{chat.TextPart("dropped")}},
		{ID: "u1", Role: chat.RoleUser, Parts: []chat.Part{chat.TextPart("list files")}},
		{ID: "a1", Role: chat.RoleAssistant, Parts: []chat.Part{
			chat.TextPart(""),
			{Type: chat.PartToolInvocation, Tool: &chat.ToolInvocation{CallID: "c1", ToolName: "shell", State: chat.ToolResult, Args: `{}`, Result: "a.txt"}},
			{Type: chat.PartToolInvocation, Tool: &chat.ToolInvocation{CallID: "c2", ToolName: "shell", State: chat.ToolCall}},
		}},
		{ID: "a2", Role: chat.RoleAssistant, Parts: []chat.Part{chat.TextPart("")}},
	}

	msgs := buildPrompt(history, 1)
	if len(msgs) != 4 {
		t.Fatalf("messages = %d, want 4", len(msgs))
	}
	if msgs[0].Role != schema.System || msgs[1].Content != "list files" {
		t.Fatalf("unexpected head: %+v %+v", msgs[0], msgs[1])
	}
	if len(msgs[2].ToolCalls) != 1 || msgs[2].ToolCalls[0].ID != "c1" {
		t.Fatalf("assistant tool calls = %+v", msgs[2].ToolCalls)
	}
	if msgs[3].Role != schema.Tool || msgs[3].Content != "a.txt" {
		t.Fatalf("tool message = %+v", msgs[3])
	}
}

func TestRelevantFilesSnapshot(t *testing.T) {
	_, sb := newTestSession(t)
	files := map[string]string{
		"src/app.js":              "let a = 1;\n",
		"README.md":               "# demo\n",
		"node_modules/x/index.js": "ignored\n",
		"big.txt":                 strings.Repeat("x", 64),
	}
	for p, c := range files {
		if err := sb.WriteFile(p, c); err != nil {
			t.Fatalf("seed %s: %v", p, err)
		}
	}

	msg, err := NewWorkspace(sb, 32).RelevantFiles("rf")
	if err != nil {
		t.Fatalf("relevant files: %v", err)
	}
	if msg.Role != chat.RoleUser || !msg.HasAnnotation(chat.AnnotationRelevantFiles) {
		t.Fatalf("message = %+v", msg)
	}
	if !strings.Contains(msg.Content(), "Omitted for size: big.txt") {
		t.Fatalf("expected big.txt to be omitted:\n%s", msg.Content())
	}

	got := map[string]bool{}
	for _, a := range parser.Extract(msg.ID, msg.Content()) {
		got[a.FilePath] = true
	}
	if !got["src/app.js"] || !got["README.md"] || got["big.txt"] || got["node_modules/x/index.js"] {
		t.Fatalf("file actions = %v", got)
	}
}
