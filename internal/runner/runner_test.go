package runner

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"

	"github.com/mattjoyce/artifactloop/internal/action"
	"github.com/mattjoyce/artifactloop/internal/sandbox"
)

type fakeTool struct {
	name    string
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
	reply   string
	lastArg atomic.Value
}

var _ tool.InvokableTool = (*fakeTool)(nil)

func (f *fakeTool) Info(_ context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{Name: f.name, Desc: "test tool"}, nil
}

func (f *fakeTool) InvokableRun(ctx context.Context, args string, _ ...tool.Option) (string, error) {
	f.calls.Add(1)
	f.lastArg.Store(args)
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.reply != "" {
		return f.reply, nil
	}
	return `{"status":"ok"}`, nil
}

func newTestRunner(t *testing.T, cfg Config) (*ActionRunner, *sandbox.Local) {
	t.Helper()
	sb, err := sandbox.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := New(cfg, Deps{Sandbox: sb}, logger)
	t.Cleanup(r.Close)
	return r, sb
}

func wait(t *testing.T, r *ActionRunner) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func ev(artifact, id string, kind action.Kind, content string) action.ActionEvent {
	return action.ActionEvent{ArtifactID: artifact, ActionID: id, MessageID: "m1", Kind: kind, Content: content}
}

func fileEv(artifact, id, path, content string) action.ActionEvent {
	e := ev(artifact, id, action.KindFile, content)
	e.FilePath = path
	return e
}

func mustStatus(t *testing.T, r *ActionRunner, id string, want action.Status) Action {
	t.Helper()
	a, ok := r.Action(id)
	if !ok {
		t.Fatalf("action %s not registered", id)
	}
	if a.Status != want {
		t.Fatalf("action %s status = %s, want %s (error %q)", id, a.Status, want, a.Error)
	}
	return a
}

func TestRunActionsInArtifactOrder(t *testing.T) {
	r, _ := newTestRunner(t, Config{})

	var mu sync.Mutex
	var transitions []string
	r.SetListener(Listener{OnUpdate: func(a Action) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, a.ID+":"+string(a.Status))
	}})

	r.AddArtifact(action.ArtifactEvent{ArtifactID: "A", MessageID: "m1", Title: "App"})
	if err := r.RunAction(fileEv("A", "a1", "hello.txt", "hi\n"), false); err != nil {
		t.Fatalf("RunAction a1: %v", err)
	}
	if err := r.RunAction(ev("A", "a2", action.KindShell, "cat hello.txt"), false); err != nil {
		t.Fatalf("RunAction a2: %v", err)
	}
	wait(t, r)

	mustStatus(t, r, "a1", action.StatusComplete)
	a2 := mustStatus(t, r, "a2", action.StatusComplete)
	if a2.Output != "hi\n" {
		t.Fatalf("a2 output = %q", a2.Output)
	}

	mu.Lock()
	defer mu.Unlock()
	index := map[string]int{}
	for i, tr := range transitions {
		index[tr] = i
	}
	if index["a1:complete"] > index["a2:running"] {
		t.Fatalf("a2 started before a1 completed: %v", transitions)
	}
}

func TestRunActionAtMostOnce(t *testing.T) {
	r, _ := newTestRunner(t, Config{})
	ft := &fakeTool{name: "deploy"}
	if err := r.RegisterTool(context.Background(), ft); err != nil {
		t.Fatalf("RegisterTool: %v", err)
	}

	e := ev("A", "t1", action.KindToolUse, `{"target":"prod"}`)
	e.ToolName = "deploy"
	for i := 0; i < 3; i++ {
		if err := r.RunAction(e, false); err != nil {
			t.Fatalf("RunAction: %v", err)
		}
		wait(t, r)
	}
	if got := ft.calls.Load(); got != 1 {
		t.Fatalf("tool invoked %d times, want 1", got)
	}
	mustStatus(t, r, "t1", action.StatusComplete)
}

func TestFailureSkipsLaterActionsInSameArtifactOnly(t *testing.T) {
	r, sb := newTestRunner(t, Config{})

	r.RunAction(ev("A", "a1", action.KindShell, "exit 1"), false)
	r.RunAction(fileEv("A", "a2", "a.txt", "never\n"), false)
	r.RunAction(fileEv("B", "b1", "b.txt", "written\n"), false)
	wait(t, r)

	a1 := mustStatus(t, r, "a1", action.StatusFailed)
	if a1.Error == "" {
		t.Fatalf("failed action has no error text")
	}
	a2 := mustStatus(t, r, "a2", action.StatusSkipped)
	if a2.Error != reasonSkipped {
		t.Fatalf("skip reason = %q", a2.Error)
	}
	mustStatus(t, r, "b1", action.StatusComplete)

	if _, err := sb.ReadFile("a.txt"); !errors.Is(err, sandbox.ErrNotFound) {
		t.Fatalf("skipped file action wrote its file: %v", err)
	}
	if got, _ := sb.ReadFile("b.txt"); got != "written\n" {
		t.Fatalf("b.txt = %q", got)
	}
	if art, _ := r.Artifact("A"); !art.Failed {
		t.Fatalf("artifact A should be marked failed")
	}
	if art, _ := r.Artifact("B"); art.Failed {
		t.Fatalf("artifact B should not be marked failed")
	}
}

func TestStreamingUpdatesDoNotExecute(t *testing.T) {
	r, _ := newTestRunner(t, Config{})

	var updates atomic.Int32
	r.SetListener(Listener{OnUpdate: func(Action) { updates.Add(1) }})

	r.RunAction(ev("A", "s1", action.KindShell, "npm"), true)
	r.RunAction(ev("A", "s1", action.KindShell, "npm install"), true)
	r.RunAction(fileEv("A", "f1", "x.txt", "partial"), true)
	wait(t, r)

	s1 := mustStatus(t, r, "s1", action.StatusQueued)
	if s1.Content != "npm install" {
		t.Fatalf("streamed content = %q", s1.Content)
	}
	if _, ok := r.Action("f1"); ok {
		t.Fatalf("file streaming update should be ignored")
	}
	if got := updates.Load(); got != 2 {
		t.Fatalf("updates = %d, want 2", got)
	}
}

func TestAddArtifactAndActionIdempotent(t *testing.T) {
	r, _ := newTestRunner(t, Config{})

	r.AddArtifact(action.ArtifactEvent{ArtifactID: "A", MessageID: "m1", Title: "first"})
	r.AddArtifact(action.ArtifactEvent{ArtifactID: "A", MessageID: "m1", Title: "second"})
	if arts := r.Artifacts(); len(arts) != 1 || arts[0].Title != "second" {
		t.Fatalf("artifacts = %+v", arts)
	}

	r.AddAction(ev("A", "x", action.KindShell, "ls"))
	r.AddAction(ev("B", "x", action.KindShell, "ls -la"))
	x, _ := r.Action("x")
	if x.ArtifactID != "A" || x.Content != "ls -la" {
		t.Fatalf("action = %+v", x)
	}
	if art, _ := r.Artifact("A"); len(art.ActionIDs) != 1 {
		t.Fatalf("action ids = %v", art.ActionIDs)
	}
}

func TestQueueFull(t *testing.T) {
	r, _ := newTestRunner(t, Config{QueueCapacity: 1})
	ft := &fakeTool{name: "slow", started: make(chan struct{}, 1), release: make(chan struct{})}
	r.RegisterTool(context.Background(), ft)

	first := ev("A", "t1", action.KindToolUse, "")
	first.ToolName = "slow"
	if err := r.RunAction(first, false); err != nil {
		t.Fatalf("RunAction t1: %v", err)
	}
	<-ft.started

	if err := r.RunAction(fileEv("A", "t2", "a", "a"), false); err != nil {
		t.Fatalf("RunAction t2: %v", err)
	}
	if err := r.RunAction(fileEv("A", "t3", "b", "b"), false); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	close(ft.release)
	wait(t, r)
	mustStatus(t, r, "t2", action.StatusComplete)
}

func TestDiscardPending(t *testing.T) {
	r, sb := newTestRunner(t, Config{})
	ft := &fakeTool{name: "slow", started: make(chan struct{}, 1), release: make(chan struct{})}
	r.RegisterTool(context.Background(), ft)

	first := ev("A", "t1", action.KindToolUse, "")
	first.ToolName = "slow"
	r.RunAction(first, false)
	<-ft.started
	r.RunAction(fileEv("A", "t2", "late.txt", "late"), false)
	r.AddAction(ev("A", "t3", action.KindShell, "echo open"))

	if n := r.DiscardPending(); n != 2 {
		t.Fatalf("discarded = %d, want 2", n)
	}
	close(ft.release)
	wait(t, r)

	mustStatus(t, r, "t1", action.StatusComplete)
	t2 := mustStatus(t, r, "t2", action.StatusSkipped)
	if t2.Error != reasonDiscarded {
		t.Fatalf("discard reason = %q", t2.Error)
	}
	mustStatus(t, r, "t3", action.StatusSkipped)
	if _, err := sb.ReadFile("late.txt"); !errors.Is(err, sandbox.ErrNotFound) {
		t.Fatalf("discarded action ran: %v", err)
	}

	if err := r.RunAction(fileEv("A", "t2", "late.txt", "late"), false); err != nil {
		t.Fatalf("RunAction: %v", err)
	}
	wait(t, r)
	mustStatus(t, r, "t2", action.StatusSkipped)
}

func TestToolUseRepairsAndReportsErrors(t *testing.T) {
	r, _ := newTestRunner(t, Config{})
	ok := &fakeTool{name: "echo"}
	bad := &fakeTool{name: "broken", reply: `{"status":"error","error":"boom"}`}
	r.RegisterTool(context.Background(), ok)
	r.RegisterTool(context.Background(), bad)

	e1 := ev("A", "t1", action.KindToolUse, `{"msg": "hi"`)
	e1.ToolName = "echo"
	e2 := ev("B", "t2", action.KindToolUse, `{}`)
	e2.ToolName = "broken"
	e3 := ev("C", "t3", action.KindToolUse, `{}`)
	e3.ToolName = "missing"
	r.RunAction(e1, false)
	r.RunAction(e2, false)
	r.RunAction(e3, false)
	wait(t, r)

	mustStatus(t, r, "t1", action.StatusComplete)
	arg, _ := ok.lastArg.Load().(string)
	if !json.Valid([]byte(arg)) {
		t.Fatalf("tool received invalid JSON %q", arg)
	}
	t2 := mustStatus(t, r, "t2", action.StatusFailed)
	if t2.Error != "broken: boom" {
		t.Fatalf("error = %q", t2.Error)
	}
	t3 := mustStatus(t, r, "t3", action.StatusFailed)
	if t3.Error != "unknown tool: missing" {
		t.Fatalf("error = %q", t3.Error)
	}
}

func TestCompleteAndRetire(t *testing.T) {
	r, _ := newTestRunner(t, Config{})
	tev := action.ActionEvent{
		ArtifactID: action.ToolCallID("c1"),
		ActionID:   action.ToolCallID("c1"),
		MessageID:  "m2",
		Kind:       action.KindToolUse,
		ToolName:   "deploy",
	}
	r.Complete(tev, "deployed")
	c := mustStatus(t, r, tev.ActionID, action.StatusComplete)
	if c.Output != "deployed" {
		t.Fatalf("output = %q", c.Output)
	}
	r.RunAction(tev, false)
	wait(t, r)
	mustStatus(t, r, tev.ActionID, action.StatusComplete)

	r.AddAction(ev("A", "a1", action.KindShell, "ls"))
	if n := r.RetireMessage("m1"); n != 1 {
		t.Fatalf("retired = %d, want 1", n)
	}
	if _, ok := r.Action("a1"); ok {
		t.Fatalf("retired action still registered")
	}
	if len(r.Actions()) != 1 {
		t.Fatalf("actions = %+v", r.Actions())
	}
}

func TestShellTimeoutFailsAction(t *testing.T) {
	r, _ := newTestRunner(t, Config{ShellTimeout: 300 * time.Millisecond})

	start := time.Now()
	r.AddArtifact(action.ArtifactEvent{ArtifactID: "A", MessageID: "m1"})
	if err := r.RunAction(ev("A", "slow", action.KindShell, "sleep 30"), false); err != nil {
		t.Fatalf("RunAction: %v", err)
	}
	wait(t, r)

	a := mustStatus(t, r, "slow", action.StatusFailed)
	if !strings.Contains(a.Error, "timed out") {
		t.Fatalf("error = %q", a.Error)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("timed out action took %s", elapsed)
	}
}

func TestShellTimeoutKillsBackgroundChildren(t *testing.T) {
	r, _ := newTestRunner(t, Config{ShellTimeout: 300 * time.Millisecond})

	start := time.Now()
	r.AddArtifact(action.ArtifactEvent{ArtifactID: "A", MessageID: "m1"})
	if err := r.RunAction(ev("A", "bg", action.KindShell, "sleep 30 & sleep 30"), false); err != nil {
		t.Fatalf("RunAction: %v", err)
	}
	wait(t, r)

	a := mustStatus(t, r, "bg", action.StatusFailed)
	if !strings.Contains(a.Error, "timed out") {
		t.Fatalf("error = %q", a.Error)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("timed out action took %s", elapsed)
	}
}

func TestBackgroundChildDoesNotHoldAction(t *testing.T) {
	r, _ := newTestRunner(t, Config{ShellTimeout: time.Minute})

	start := time.Now()
	r.AddArtifact(action.ArtifactEvent{ArtifactID: "A", MessageID: "m1"})
	if err := r.RunAction(ev("A", "server", action.KindShell, "sleep 20 & echo started"), false); err != nil {
		t.Fatalf("RunAction: %v", err)
	}
	wait(t, r)

	a := mustStatus(t, r, "server", action.StatusComplete)
	if a.Output != "started\n" {
		t.Fatalf("output = %q", a.Output)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("action waited %s on a background child", elapsed)
	}
}
