package deploy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
)

// ToolName is the name the model calls the deploy tool by.
const ToolName = "deploy"

// Observer is called after each tool invocation with the tool name, input,
// output and status.
type Observer func(tool, input, output, status string)

// Tool exposes deployment of the current project as an Eino tool.
type Tool struct {
	client       *Client
	sessionID    string
	pollInterval time.Duration
	timeout      time.Duration
	observer     Observer
}

var _ tool.InvokableTool = (*Tool)(nil)

// NewTool returns a deploy tool bound to one session.
func NewTool(client *Client, sessionID string, pollInterval, timeout time.Duration) *Tool {
	return &Tool{
		client:       client,
		sessionID:    sessionID,
		pollInterval: pollInterval,
		timeout:      timeout,
	}
}

// WithObserver returns a copy of the tool with the given observer attached.
func (t *Tool) WithObserver(obs Observer) *Tool {
	cp := *t
	cp.observer = obs
	return &cp
}

// Info returns the tool metadata for LLM intent recognition.
func (t *Tool) Info(_ context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{
		Name: ToolName,
		Desc: "Deploy the current project through the deployment gateway and wait for the result. " +
			"Call this only after the project builds cleanly.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"target": {
				Type: schema.String,
				Desc: "Deployment target, e.g. preview or production (default preview)",
			},
			"build_command": {
				Type: schema.String,
				Desc: "Command the gateway runs to build the project, e.g. npm run build",
			},
		}),
	}, nil
}

// InvokableRun triggers a deployment and polls until it finishes.
func (t *Tool) InvokableRun(ctx context.Context, argumentsInJSON string, _ ...tool.Option) (string, error) {
	req := Request{SessionID: t.sessionID}
	if argumentsInJSON != "" {
		if err := json.Unmarshal([]byte(argumentsInJSON), &req); err != nil {
			return "", fmt.Errorf("parse tool arguments: %w", err)
		}
		req.SessionID = t.sessionID
	}
	if req.Target == "" {
		req.Target = "preview"
	}

	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	jobID, err := t.client.Trigger(ctx, req)
	if err != nil {
		return "", err
	}
	job, err := t.client.PollJob(ctx, jobID, t.pollInterval)
	if err != nil {
		return "", fmt.Errorf("poll job %s: %w", jobID, err)
	}

	resp := map[string]any{
		"status": "ok",
		"job_id": jobID,
		"state":  job.Status,
		"url":    job.URL,
	}
	status := "ok"
	if job.Status != JobSucceeded {
		status = "error"
		resp["status"] = status
		resp["error"] = fmt.Sprintf("deployment %s", job.Status)
		resp["log"] = job.Log
	}
	outBytes, err := json.Marshal(resp)
	if err != nil {
		return "", fmt.Errorf("marshal tool output: %w", err)
	}
	out := string(outBytes)

	if t.observer != nil {
		t.observer(ToolName, argumentsInJSON, out, status)
	}
	return out, nil
}
