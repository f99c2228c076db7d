package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const (
	chunkSize   = 4096
	outputGrace = 2 * time.Second
)

// Local is a Sandbox rooted at a directory on the host.
type Local struct {
	root string
}

var _ Sandbox = (*Local)(nil)

// NewLocal creates the root directory if needed and returns a sandbox over it.
func NewLocal(root string) (*Local, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve sandbox root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create sandbox root: %w", err)
	}
	return &Local{root: abs}, nil
}

// Root returns the absolute root directory.
func (l *Local) Root() string {
	return l.root
}

// Resolve validates and resolves a relative path within the root.
func (l *Local) Resolve(rel string) (string, error) {
	return sanitizePath(l.root, rel)
}

func sanitizePath(baseDir, relPath string) (string, error) {
	if relPath == "" {
		return "", fmt.Errorf("path is required")
	}
	if filepath.IsAbs(relPath) {
		return "", fmt.Errorf("absolute paths are not allowed")
	}
	cleaned := filepath.Join(baseDir, relPath)
	rel, err := filepath.Rel(baseDir, cleaned)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideSandbox, relPath)
	}
	return cleaned, nil
}

func (l *Local) ReadFile(path string) (string, error) {
	abs, err := l.Resolve(path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", mapErr(path, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrIsADirectory, path)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", mapErr(path, err)
	}
	return string(data), nil
}

// WriteFile creates parent directories as needed.
func (l *Local) WriteFile(path, content string) error {
	abs, err := l.Resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("create parent dirs: %w", err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write file: %w", mapErr(path, err))
	}
	return nil
}

func (l *Local) Mkdir(path string, recursive bool) error {
	abs, err := l.Resolve(path)
	if err != nil {
		return err
	}
	if recursive {
		err = os.MkdirAll(abs, 0o755)
	} else {
		err = os.Mkdir(abs, 0o755)
	}
	if err != nil {
		return fmt.Errorf("create directory: %w", mapErr(path, err))
	}
	return nil
}

func (l *Local) ReadDir(path string) ([]Entry, error) {
	abs, err := l.Resolve(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, mapErr(path, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotADirectory, path)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read directory: %w", mapErr(path, err))
	}
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		var size int64
		if info, infoErr := e.Info(); infoErr == nil {
			size = info.Size()
		}
		out = append(out, Entry{Name: e.Name(), IsDir: e.IsDir(), Size: size})
	}
	return out, nil
}

// Remove deletes a file or an empty directory.
func (l *Local) Remove(path string) error {
	abs, err := l.Resolve(path)
	if err != nil {
		return err
	}
	if abs == l.root {
		return fmt.Errorf("refusing to remove sandbox root")
	}
	if err := os.Remove(abs); err != nil {
		return fmt.Errorf("remove: %w", mapErr(path, err))
	}
	return nil
}

// Spawn starts command in the root directory. Cancelling ctx kills the
// command and everything it started. Output from children left running in
// the background is cut off outputGrace after the command exits.
func (l *Local) Spawn(ctx context.Context, command string, args ...string) (*Process, error) {
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = l.root
	cmd.WaitDelay = outputGrace
	killGroup(cmd)

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw
	if err := cmd.Start(); err != nil {
		pw.Close()
		pr.Close()
		return nil, fmt.Errorf("spawn %s: %w", command, err)
	}

	out := make(chan string, 16)
	p := &Process{Output: out, done: make(chan struct{})}

	go func() {
		defer close(out)
		buf := make([]byte, chunkSize)
		for {
			n, err := pr.Read(buf)
			if n > 0 {
				out <- string(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()

	go func() {
		defer close(p.done)
		err := cmd.Wait()
		pw.Close()
		p.code = 0
		if errors.Is(err, exec.ErrWaitDelay) && ctx.Err() == nil {
			err = nil
		}
		if err == nil {
			return
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			p.code = exitErr.ExitCode()
		} else {
			p.code = -1
			p.err = err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			p.err = ctxErr
		}
	}()

	return p, nil
}

func mapErr(path string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	case errors.Is(err, fs.ErrExist):
		return fmt.Errorf("already exists: %s", path)
	}
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) && strings.Contains(pathErr.Err.Error(), "not a directory") {
		return fmt.Errorf("%w: %s", ErrNotADirectory, path)
	}
	return err
}
