// Package chat models the transcript the pipeline consumes: messages made of
// ordered parts, each part addressable by a PartID.
package chat

import (
	"fmt"
	"strings"
)

// Role of a message author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// AnnotationRelevantFiles marks a message that embeds project file context.
const AnnotationRelevantFiles = "relevant-files"

// PartType distinguishes text from structured tool invocations.
type PartType string

const (
	PartText           PartType = "text"
	PartToolInvocation PartType = "tool-invocation"
)

// ToolState is the lifecycle state of a structured tool invocation.
type ToolState string

const (
	ToolPartialCall ToolState = "partial-call"
	ToolCall        ToolState = "call"
	ToolResult      ToolState = "result"
)

// Terminal reports whether the invocation carries its final result.
func (s ToolState) Terminal() bool {
	return s == ToolResult
}

// ToolInvocation is a structured tool call embedded in a message.
type ToolInvocation struct {
	CallID   string    `json:"call_id"`
	ToolName string    `json:"tool_name"`
	State    ToolState `json:"state"`
	Args     string    `json:"args,omitempty"`
	Result   string    `json:"result,omitempty"`
}

// Part is one segment of a message.
type Part struct {
	Type PartType        `json:"type"`
	Text string          `json:"text,omitempty"`
	Tool *ToolInvocation `json:"tool,omitempty"`
}

// TextPart builds a text part.
func TextPart(text string) Part {
	return Part{Type: PartText, Text: text}
}

// Size approximates the payload size of the part in bytes.
func (p Part) Size() int {
	n := len(p.Text)
	if p.Tool != nil {
		n += len(p.Tool.Args) + len(p.Tool.Result)
	}
	return n
}

// Message is one transcript entry.
type Message struct {
	ID          string   `json:"id"`
	Role        Role     `json:"role"`
	Parts       []Part   `json:"parts"`
	Annotations []string `json:"annotations,omitempty"`
}

// Content concatenates the text parts.
func (m Message) Content() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// Size approximates the payload size of the message in bytes.
func (m Message) Size() int {
	n := 0
	for _, p := range m.Parts {
		n += p.Size()
	}
	return n
}

// HasAnnotation reports whether the message carries the annotation.
func (m Message) HasAnnotation(a string) bool {
	for _, v := range m.Annotations {
		if v == a {
			return true
		}
	}
	return false
}

// PartID identifies one part of one message. It is stable for the life of
// the message.
type PartID struct {
	MessageID string
	Index     int
}

// Key renders the PartID as a map key.
func (id PartID) Key() string {
	return fmt.Sprintf("%s#%d", id.MessageID, id.Index)
}
