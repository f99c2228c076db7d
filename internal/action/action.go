// Package action holds the vocabulary shared by the parser, the runner and
// the journal: action kinds, lifecycle statuses, identifiers and the events
// the parser emits.
package action

import (
	"fmt"
	"strings"
)

// Kind is the type attribute of an action tag.
type Kind string

const (
	KindFile    Kind = "file"
	KindShell   Kind = "shell"
	KindToolUse Kind = "toolUse"
)

// ParseKind maps a type attribute to a Kind. Unknown values report false.
func ParseKind(s string) (Kind, bool) {
	switch Kind(s) {
	case KindFile, KindShell, KindToolUse:
		return Kind(s), true
	}
	return "", false
}

// Streams reports whether partial content of this kind may be forwarded
// before the action closes. File content is only usable once complete.
func (k Kind) Streams() bool {
	return k == KindShell || k == KindToolUse
}

// Status represents the lifecycle state of an action.
type Status string

const (
	StatusQueued   Status = "queued"
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
	StatusSkipped  Status = "skipped"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed || s == StatusSkipped
}

const (
	parsedPrefix   = "msg:"
	toolPrefix     = "tool:"
	artifactPrefix = "art:"
)

// ArtifactKey derives the identifier of the ordinal-th artifact found in a
// message part. The id attribute the model wrote is carried separately as
// the artifact name; models reuse it across turns.
func ArtifactKey(messageID string, partIndex, ordinal int) string {
	return fmt.Sprintf("%s%s:%d:%d", artifactPrefix, messageID, partIndex, ordinal)
}

// ParsedID derives the identifier of the ordinal-th action found in a
// message part.
func ParsedID(messageID string, partIndex, ordinal int) string {
	return fmt.Sprintf("%s%s:%d:%d", parsedPrefix, messageID, partIndex, ordinal)
}

// ToolCallID derives the identifier of an action that originates from a
// structured tool invocation.
func ToolCallID(callID string) string {
	return toolPrefix + callID
}

// IsToolCallID reports whether id was produced by ToolCallID.
func IsToolCallID(id string) bool {
	return strings.HasPrefix(id, toolPrefix)
}

// MessageOf returns the message identifier embedded in an action ID derived
// by ParsedID, or "" for tool call IDs.
func MessageOf(id string) string {
	if !strings.HasPrefix(id, parsedPrefix) {
		return ""
	}
	rest := strings.TrimPrefix(id, parsedPrefix)
	// The message ID itself may contain ':'; the last two segments are numeric.
	idx := strings.LastIndex(rest, ":")
	if idx < 0 {
		return ""
	}
	idx = strings.LastIndex(rest[:idx], ":")
	if idx < 0 {
		return ""
	}
	return rest[:idx]
}

// ArtifactEvent describes an artifact tag observed in a message part.
type ArtifactEvent struct {
	ArtifactID string
	Name       string
	MessageID  string
	PartKey    string
	Title      string
}

// ActionEvent describes an action tag observed inside an artifact. Content is
// the payload accumulated so far, or the final payload on close.
type ActionEvent struct {
	ArtifactID string
	ActionID   string
	MessageID  string
	Kind       Kind
	FilePath   string
	ToolName   string
	Content    string
}
