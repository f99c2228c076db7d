package localtools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"

	"github.com/mattjoyce/artifactloop/internal/editor"
	"github.com/mattjoyce/artifactloop/internal/sandbox"
)

// ShellToolName is the name the model calls the shell by.
const ShellToolName = "shell"

const maxShellOutput = 32 * 1024

// ShellTool runs a shell command inside the sandbox.
type ShellTool struct {
	sandbox  sandbox.Sandbox
	shell    string
	timeout  time.Duration
	observer Observer
}

var _ tool.InvokableTool = (*ShellTool)(nil)

// NewShellTool runs commands as `shell -c <command>` with the given timeout.
func NewShellTool(sb sandbox.Sandbox, shell string, timeout time.Duration) *ShellTool {
	if shell == "" {
		shell = "sh"
	}
	return &ShellTool{sandbox: sb, shell: shell, timeout: timeout}
}

// WithObserver returns a copy with the given observer attached.
func (t *ShellTool) WithObserver(obs Observer) *ShellTool {
	cp := *t
	cp.observer = obs
	return &cp
}

// Info returns tool metadata for model planning.
func (t *ShellTool) Info(_ context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{
		Name: ShellToolName,
		Desc: "Run a shell command in the project root and return its combined output and exit code.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"command": {Type: schema.String, Desc: "Command line to run", Required: true},
		}),
	}, nil
}

// InvokableRun executes the command and returns JSON output.
func (t *ShellTool) InvokableRun(ctx context.Context, argumentsInJSON string, _ ...tool.Option) (string, error) {
	var args struct {
		Command string `json:"command"`
	}
	resp := map[string]any{"status": "ok"}
	err := json.Unmarshal([]byte(argumentsInJSON), &args)
	if err == nil && strings.TrimSpace(args.Command) == "" {
		err = fmt.Errorf("command is required")
	}
	if err == nil {
		var output string
		var code int
		output, code, err = t.run(ctx, args.Command)
		resp["command"] = args.Command
		resp["output"] = output
		resp["exit_code"] = code
		if err == nil && code != 0 {
			err = fmt.Errorf("command exited with code %d", code)
		}
	}

	status := "ok"
	if err != nil {
		status = "error"
		resp["status"] = status
		resp["error"] = err.Error()
	}

	out, marshalErr := json.Marshal(resp)
	if marshalErr != nil {
		return "", fmt.Errorf("marshal tool output: %w", marshalErr)
	}
	if t.observer != nil {
		t.observer(ShellToolName, argumentsInJSON, string(out), status)
	}
	return string(out), nil
}

func (t *ShellTool) run(ctx context.Context, command string) (string, int, error) {
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	proc, err := t.sandbox.Spawn(ctx, t.shell, "-c", command)
	if err != nil {
		return "", -1, err
	}
	var b strings.Builder
	for chunk := range proc.Output {
		if b.Len() < maxShellOutput {
			b.WriteString(chunk)
		}
	}
	code, err := proc.Wait()
	out := b.String()
	if len(out) > maxShellOutput {
		out = out[:maxShellOutput]
	}
	return out, code, err
}

// Build returns the local tools for one session: the editor bound to ed and
// a shell over sb.
func Build(ed *editor.Editor, sb sandbox.Sandbox, shell string, timeout time.Duration, observer Observer) []tool.InvokableTool {
	return []tool.InvokableTool{
		NewEditorTool(ed).WithObserver(observer),
		NewShellTool(sb, shell, timeout).WithObserver(observer),
	}
}
