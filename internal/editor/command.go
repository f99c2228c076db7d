package editor

import (
	"encoding/json"
	"fmt"
)

// Command is the decoded form of an edit tool request.
type Command struct {
	Command    string `json:"command"`
	Path       string `json:"path"`
	FileText   string `json:"file_text,omitempty"`
	OldStr     string `json:"old_str,omitempty"`
	NewStr     string `json:"new_str,omitempty"`
	InsertLine *int   `json:"insert_line,omitempty"`
	ViewRange  []int  `json:"view_range,omitempty"`
}

// ParseCommand decodes a JSON edit request.
func ParseCommand(raw []byte) (Command, error) {
	var c Command
	if err := json.Unmarshal(raw, &c); err != nil {
		return Command{}, fmt.Errorf("parse arguments: %w", err)
	}
	if c.Path == "" {
		return Command{}, fmt.Errorf("path is required")
	}
	return c, nil
}

// Execute dispatches a command and returns its confirmation text.
func (e *Editor) Execute(c Command) (string, error) {
	switch c.Command {
	case "view":
		return e.View(c.Path, c.ViewRange)
	case "create":
		return e.Create(c.Path, c.FileText)
	case "str_replace":
		return e.StrReplace(c.Path, c.OldStr, c.NewStr)
	case "insert":
		return e.Insert(c.Path, c.InsertLine, c.NewStr)
	case "undo_edit":
		return e.UndoEdit(c.Path)
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCommand, c.Command)
}
