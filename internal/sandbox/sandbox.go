// Package sandbox is the filesystem and process boundary actions execute
// against.
package sandbox

import (
	"context"
	"errors"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrNotADirectory  = errors.New("not a directory")
	ErrIsADirectory   = errors.New("is a directory")
	ErrOutsideSandbox = errors.New("path escapes sandbox root")
)

// Entry is one directory listing row.
type Entry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
}

// Sandbox is the execution environment. Paths are relative to its root.
type Sandbox interface {
	ReadFile(path string) (string, error)
	WriteFile(path, content string) error
	Mkdir(path string, recursive bool) error
	ReadDir(path string) ([]Entry, error)
	Remove(path string) error
	Spawn(ctx context.Context, command string, args ...string) (*Process, error)
}

// Process is a spawned command. Output yields combined stdout and stderr
// chunks and is closed once the process has exited and its output is
// exhausted. Drain Output before calling Wait.
type Process struct {
	Output <-chan string

	done chan struct{}
	code int
	err  error
}

// Wait blocks until the process exits and returns its exit code. err is
// non-nil only when the process could not run to completion, for instance
// when its context was cancelled.
func (p *Process) Wait() (int, error) {
	<-p.done
	return p.code, p.err
}
