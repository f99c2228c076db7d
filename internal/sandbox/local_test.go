package sandbox

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func TestSanitizePath(t *testing.T) {
	base := t.TempDir()

	tests := []struct {
		name    string
		rel     string
		wantErr bool
	}{
		{"simple file", "foo.txt", false},
		{"nested", "a/b/c.txt", false},
		{"dot path", ".", false},
		{"dotdot prefix name", "..foo", false},
		{"empty", "", true},
		{"absolute", "/etc/passwd", true},
		{"escape", "../outside", true},
		{"sneaky escape", "a/../../outside", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := sanitizePath(base, tt.rel)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q, got path %q", tt.rel, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !filepath.IsAbs(got) {
				t.Fatalf("expected absolute path, got %q", got)
			}
		})
	}
}

func TestLocalFileOperations(t *testing.T) {
	sb, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}

	if err := sb.WriteFile("src/app.js", "console.log(1)\n"); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	got, err := sb.ReadFile("src/app.js")
	if err != nil || got != "console.log(1)\n" {
		t.Fatalf("ReadFile = %q, %v", got, err)
	}

	entries, err := sb.ReadDir("src")
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "app.js" || entries[0].IsDir {
		t.Fatalf("entries = %+v", entries)
	}

	if _, err := sb.ReadFile("missing.txt"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ReadFile missing err = %v", err)
	}
	if _, err := sb.ReadDir("src/app.js"); !errors.Is(err, ErrNotADirectory) {
		t.Fatalf("ReadDir on file err = %v", err)
	}
	if _, err := sb.ReadFile("src"); !errors.Is(err, ErrIsADirectory) {
		t.Fatalf("ReadFile on dir err = %v", err)
	}

	if err := sb.Mkdir("a/b", false); err == nil {
		t.Fatalf("expected non-recursive mkdir to fail")
	}
	if err := sb.Mkdir("a/b", true); err != nil {
		t.Fatalf("Mkdir recursive: %v", err)
	}

	if err := sb.Remove("src/app.js"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := sb.ReadFile("src/app.js"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("file still present after remove: %v", err)
	}
	if err := sb.WriteFile("../escape.txt", "x"); !errors.Is(err, ErrOutsideSandbox) {
		t.Fatalf("escape err = %v", err)
	}
}

func collect(t *testing.T, p *Process) (string, int) {
	t.Helper()
	var b strings.Builder
	for chunk := range p.Output {
		b.WriteString(chunk)
	}
	code, err := p.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	return b.String(), code
}

func TestLocalSpawn(t *testing.T) {
	sb, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	if err := sb.WriteFile("hello.txt", "hi"); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	p, err := sb.Spawn(context.Background(), "sh", "-c", "cat hello.txt; echo oops 1>&2")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	out, code := collect(t, p)
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if !strings.Contains(out, "hi") || !strings.Contains(out, "oops") {
		t.Fatalf("output = %q", out)
	}

	p, err = sb.Spawn(context.Background(), "sh", "-c", "exit 3")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if _, code := collect(t, p); code != 3 {
		t.Fatalf("exit code = %d, want 3", code)
	}

	if _, err := sb.Spawn(context.Background(), "definitely-not-a-command-xyz"); err == nil {
		t.Fatalf("expected spawn failure")
	}
}
