// Package editor applies file mutations through a sandbox, recording a
// backup before every write so each mutation can be undone.
package editor

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/mattjoyce/artifactloop/internal/sandbox"
)

var (
	ErrNoMatch           = errors.New("old_str not found in file")
	ErrMultipleMatches   = errors.New("old_str is not unique in file")
	ErrNothingToUndo     = errors.New("no edit history for file")
	ErrMissingInsertArgs = errors.New("insert requires insert_line and new_str")
	ErrUnknownCommand    = errors.New("unknown command")
)

// Editor serializes mutations against one sandbox.
type Editor struct {
	mu      sync.Mutex
	sb      sandbox.Sandbox
	backups *Stack
}

// New creates an Editor. A nil stack gets a fresh one.
func New(sb sandbox.Sandbox, backups *Stack) *Editor {
	if backups == nil {
		backups = NewStack()
	}
	return &Editor{sb: sb, backups: backups}
}

// Backups exposes the backup stack.
func (e *Editor) Backups() *Stack {
	return e.backups
}

// View renders a file with line numbers, or lists a directory. viewRange
// is an optional 1-indexed inclusive [start, end]; end -1 means end of file.
func (e *Editor) View(p string, viewRange []int) (string, error) {
	p = cleanPath(p)
	content, err := e.sb.ReadFile(p)
	if errors.Is(err, sandbox.ErrIsADirectory) {
		return e.listDir(p)
	}
	if err != nil {
		return "", err
	}

	lines := strings.Split(strings.TrimSuffix(content, "\n"), "\n")
	start, end := 1, len(lines)
	if len(viewRange) > 0 {
		if len(viewRange) != 2 {
			return "", fmt.Errorf("view_range must have two elements")
		}
		start = viewRange[0]
		if viewRange[1] != -1 {
			end = viewRange[1]
		}
		if start < 1 || start > len(lines) || end < start || end > len(lines) {
			return "", fmt.Errorf("view_range %v outside file of %d lines", viewRange, len(lines))
		}
	}

	var b strings.Builder
	for i := start; i <= end; i++ {
		fmt.Fprintf(&b, "%6d\t%s\n", i, lines[i-1])
	}
	return b.String(), nil
}

func (e *Editor) listDir(p string) (string, error) {
	entries, err := e.sb.ReadDir(p)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, ent := range entries {
		b.WriteString(ent.Name)
		if ent.IsDir {
			b.WriteByte('/')
		}
		b.WriteByte('\n')
	}
	return b.String(), nil
}

// Create writes content to p, replacing any existing file.
func (e *Editor) Create(p, content string) (string, error) {
	c, err := e.Write(p, content)
	if err != nil {
		return "", err
	}
	if c.Created {
		return fmt.Sprintf("File created successfully at: %s", c.Path), nil
	}
	return fmt.Sprintf("File %s overwritten (+%d -%d)", c.Path, c.Added, c.Deleted), nil
}

// StrReplace replaces the single occurrence of oldStr. The file is left
// untouched unless oldStr occurs exactly once.
func (e *Editor) StrReplace(p, oldStr, newStr string) (string, error) {
	p = cleanPath(p)
	if oldStr == "" {
		return "", fmt.Errorf("old_str is required")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	content, err := e.sb.ReadFile(p)
	if err != nil {
		return "", err
	}
	switch n := strings.Count(content, oldStr); {
	case n == 0:
		return "", fmt.Errorf("%w: %s", ErrNoMatch, p)
	case n > 1:
		return "", fmt.Errorf("%w: %s (%d matches)", ErrMultipleMatches, p, n)
	}

	updated := strings.Replace(content, oldStr, newStr, 1)
	c, err := e.apply(p, updated, Snapshot{Content: content, Existed: true})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("The file %s has been edited (+%d -%d)", p, c.Added, c.Deleted), nil
}

// Insert adds text after the 1-indexed line afterLine; 0 inserts at the
// start of the file.
func (e *Editor) Insert(p string, afterLine *int, text string) (string, error) {
	p = cleanPath(p)
	if afterLine == nil || text == "" {
		return "", ErrMissingInsertArgs
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	content, err := e.sb.ReadFile(p)
	if err != nil {
		return "", err
	}
	updated, err := insertAfter(content, *afterLine, text)
	if err != nil {
		return "", fmt.Errorf("%s: %w", p, err)
	}
	c, err := e.apply(p, updated, Snapshot{Content: content, Existed: true})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("The file %s has been edited (+%d -%d)", p, c.Added, c.Deleted), nil
}

// UndoEdit restores the state recorded before the latest mutation of p.
func (e *Editor) UndoEdit(p string) (string, error) {
	p = cleanPath(p)

	e.mu.Lock()
	defer e.mu.Unlock()

	snap, ok := e.backups.Pop(p)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNothingToUndo, p)
	}
	if !snap.Existed {
		if err := e.sb.Remove(p); err != nil && !errors.Is(err, sandbox.ErrNotFound) {
			e.backups.Push(p, snap)
			return "", fmt.Errorf("undo create: %w", err)
		}
		return fmt.Sprintf("Last edit to %s undone successfully (file removed)", p), nil
	}
	if err := e.sb.WriteFile(p, snap.Content); err != nil {
		e.backups.Push(p, snap)
		return "", fmt.Errorf("undo edit: %w", err)
	}
	return fmt.Sprintf("Last edit to %s undone successfully", p), nil
}

// Write replaces the content of p, recording a backup first. File actions
// go through here.
func (e *Editor) Write(p, content string) (Change, error) {
	p = cleanPath(p)

	e.mu.Lock()
	defer e.mu.Unlock()

	prior, err := e.sb.ReadFile(p)
	snap := Snapshot{Content: prior, Existed: true}
	if errors.Is(err, sandbox.ErrNotFound) {
		snap = Snapshot{}
	} else if err != nil {
		return Change{}, err
	}
	return e.apply(p, content, snap)
}

// apply pushes snap and writes content. Callers hold e.mu.
func (e *Editor) apply(p, content string, snap Snapshot) (Change, error) {
	e.backups.Push(p, snap)
	if err := e.sb.WriteFile(p, content); err != nil {
		e.backups.Pop(p)
		return Change{}, err
	}
	return diffContent(p, snap.Content, content, !snap.Existed), nil
}

func insertAfter(content string, line int, text string) (string, error) {
	lines := strings.SplitAfter(content, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	if line < 0 || line > len(lines) {
		return "", fmt.Errorf("insert_line %d outside file of %d lines", line, len(lines))
	}
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}

	var b strings.Builder
	for _, l := range lines[:line] {
		b.WriteString(l)
	}
	if line > 0 && !strings.HasSuffix(lines[line-1], "\n") {
		b.WriteByte('\n')
	}
	b.WriteString(text)
	for _, l := range lines[line:] {
		b.WriteString(l)
	}
	return b.String(), nil
}

func cleanPath(p string) string {
	return path.Clean(strings.TrimPrefix(strings.TrimSpace(p), "./"))
}
