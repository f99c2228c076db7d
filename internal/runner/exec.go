package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/mattjoyce/artifactloop/internal/action"
)

func (r *ActionRunner) execute(ctx context.Context, st *actionState, a Action) error {
	switch a.Kind {
	case action.KindFile:
		return r.execFile(st, a)
	case action.KindShell:
		return r.execShell(ctx, st, a)
	case action.KindToolUse:
		return r.execTool(ctx, st, a)
	}
	return fmt.Errorf("unsupported action kind %q", a.Kind)
}

func (r *ActionRunner) execFile(st *actionState, a Action) error {
	if r.editor == nil {
		return fmt.Errorf("no sandbox configured")
	}
	c, err := r.editor.Write(a.FilePath, a.Content)
	if err != nil {
		return err
	}
	verb := "updated"
	if c.Created {
		verb = "created"
	}
	r.emitOutput(st, fmt.Sprintf("%s %s (+%d -%d)", verb, c.Path, c.Added, c.Deleted))
	return nil
}

func (r *ActionRunner) execShell(ctx context.Context, st *actionState, a Action) error {
	if r.sb == nil {
		return fmt.Errorf("no sandbox configured")
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.ShellTimeout)
	defer cancel()

	proc, err := r.sb.Spawn(ctx, r.cfg.Shell, "-c", a.Content)
	if err != nil {
		return err
	}
	for chunk := range proc.Output {
		r.emitOutput(st, chunk)
	}
	code, err := proc.Wait()
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("command timed out after %s: %w", r.cfg.ShellTimeout, err)
	}
	if err != nil {
		return fmt.Errorf("command interrupted: %w", err)
	}
	if code != 0 {
		return fmt.Errorf("command exited with code %d", code)
	}
	return nil
}

func (r *ActionRunner) execTool(ctx context.Context, st *actionState, a Action) error {
	r.mu.Lock()
	t, ok := r.tools[a.ToolName]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTool, a.ToolName)
	}

	args, err := toolArguments(a.Content)
	if err != nil {
		return err
	}
	out, err := t.InvokableRun(ctx, args)
	if err != nil {
		return fmt.Errorf("%s: %w", a.ToolName, err)
	}
	r.emitOutput(st, out)
	if msg, failed := toolReportedError(out); failed {
		return fmt.Errorf("%s: %s", a.ToolName, msg)
	}
	return nil
}

// toolArguments normalizes an action payload into a JSON object. Payloads
// cut short by the model are repaired.
func toolArguments(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "{}", nil
	}
	if json.Valid([]byte(content)) {
		return content, nil
	}
	fixed, err := jsonrepair.JSONRepair(content)
	if err != nil {
		return "", fmt.Errorf("invalid tool arguments: %w", err)
	}
	return fixed, nil
}

// toolReportedError detects the {"status":"error"} envelope local tools
// answer with instead of returning an error.
func toolReportedError(out string) (string, bool) {
	var resp struct {
		Status string `json:"status"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		return "", false
	}
	if resp.Status != "error" {
		return "", false
	}
	if resp.Error == "" {
		resp.Error = "tool reported an error"
	}
	return resp.Error, true
}
