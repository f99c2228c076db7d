package localtools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"

	"github.com/mattjoyce/artifactloop/internal/editor"
)

// EditorToolName is the name the model calls the file editor by.
const EditorToolName = "str_replace_editor"

// Observer is called after each tool invocation.
type Observer func(tool, input, output, status string)

// EditorTool exposes the backup-tracked file editor as an Eino tool.
type EditorTool struct {
	editor   *editor.Editor
	observer Observer
}

var _ tool.InvokableTool = (*EditorTool)(nil)

// NewEditorTool wraps ed.
func NewEditorTool(ed *editor.Editor) *EditorTool {
	return &EditorTool{editor: ed}
}

// WithObserver returns a copy with the given observer attached.
func (t *EditorTool) WithObserver(obs Observer) *EditorTool {
	cp := *t
	cp.observer = obs
	return &cp
}

// Info returns tool metadata for model planning.
func (t *EditorTool) Info(_ context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{
		Name: EditorToolName,
		Desc: "View, create and edit files in the project. " +
			"Commands: view (file or directory, optional view_range), create (file_text), " +
			"str_replace (old_str must match exactly once), insert (new_str after insert_line, 0 for the top), " +
			"undo_edit (revert the most recent edit).",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"command": {
				Type:     schema.String,
				Desc:     "One of view, create, str_replace, insert, undo_edit",
				Required: true,
			},
			"path": {
				Type:     schema.String,
				Desc:     "Path relative to the project root",
				Required: true,
			},
			"file_text":   {Type: schema.String, Desc: "Content of the file for create"},
			"old_str":     {Type: schema.String, Desc: "Exact text to replace for str_replace"},
			"new_str":     {Type: schema.String, Desc: "Replacement text for str_replace, or the text to insert"},
			"insert_line": {Type: schema.Integer, Desc: "Line after which new_str is inserted"},
			"view_range": {
				Type:     schema.Array,
				Desc:     "Optional [start, end] line range for view; end -1 reads to the end",
				ElemInfo: &schema.ParameterInfo{Type: schema.Integer},
			},
		}),
	}, nil
}

// InvokableRun executes one editor command.
func (t *EditorTool) InvokableRun(_ context.Context, argumentsInJSON string, _ ...tool.Option) (string, error) {
	out, err := t.run(argumentsInJSON)
	status := "ok"
	if err != nil {
		status = "error"
		resp, _ := json.Marshal(map[string]any{"status": "error", "error": err.Error()})
		out = string(resp)
	}
	if t.observer != nil {
		t.observer(EditorToolName, argumentsInJSON, out, status)
	}
	return out, nil
}

func (t *EditorTool) run(argumentsInJSON string) (string, error) {
	cmd, err := editor.ParseCommand([]byte(argumentsInJSON))
	if err != nil {
		return "", err
	}
	result, err := t.editor.Execute(cmd)
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(map[string]any{
		"status":  "ok",
		"command": cmd.Command,
		"path":    cmd.Path,
		"output":  result,
	})
	if err != nil {
		return "", fmt.Errorf("marshal tool output: %w", err)
	}
	return string(out), nil
}
