// Package runner registers the artifacts and actions the parser discovers
// and executes closed actions against the sandbox.
//
// Actions of one artifact run one at a time in the order RunAction was
// called for them. Artifacts run independently of each other. Once an
// action fails, the actions still queued in its artifact are skipped.
package runner

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"

	"github.com/mattjoyce/artifactloop/internal/action"
	"github.com/mattjoyce/artifactloop/internal/editor"
	"github.com/mattjoyce/artifactloop/internal/sandbox"
)

var (
	ErrQueueFull   = errors.New("artifact queue is full")
	ErrUnknownTool = errors.New("unknown tool")
	ErrClosed      = errors.New("runner is closed")
)

const (
	reasonSkipped   = "skipped due to prior failure"
	reasonDiscarded = "discarded before execution"

	defaultQueueCapacity = 100
	defaultShell         = "sh"
	defaultShellTimeout  = 10 * time.Minute
	maxOutput            = 64 << 10
)

// Artifact is a snapshot of a registered artifact.
type Artifact struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	MessageID string    `json:"message_id"`
	PartKey   string    `json:"part_key"`
	Title     string    `json:"title"`
	ActionIDs []string  `json:"action_ids"`
	Closed    bool      `json:"closed"`
	Failed    bool      `json:"failed"`
	CreatedAt time.Time `json:"created_at"`
}

// Action is a snapshot of a registered action.
type Action struct {
	ID         string        `json:"id"`
	ArtifactID string        `json:"artifact_id"`
	MessageID  string        `json:"message_id"`
	Kind       action.Kind   `json:"kind"`
	FilePath   string        `json:"file_path,omitempty"`
	ToolName   string        `json:"tool_name,omitempty"`
	Content    string        `json:"content"`
	Status     action.Status `json:"status"`
	Output     string        `json:"output,omitempty"`
	Error      string        `json:"error,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// Listener receives notifications outside the runner lock.
type Listener struct {
	// OnUpdate fires after any change to an action: registration, streamed
	// content or a status transition.
	OnUpdate func(Action)
	// OnOutput fires for each chunk of execution output.
	OnOutput func(actionID, chunk string)
}

// Recorder persists artifact and action snapshots.
type Recorder interface {
	RecordArtifact(ctx context.Context, a Artifact) error
	RecordAction(ctx context.Context, a Action) error
}

// Config tunes execution.
type Config struct {
	QueueCapacity int
	Shell         string
	ShellTimeout  time.Duration
}

// Deps are the collaborators actions execute against.
type Deps struct {
	Sandbox  sandbox.Sandbox
	Editor   *editor.Editor
	Recorder Recorder
}

type artifactState struct {
	Artifact
	seq     int
	queue   []string
	working bool
}

type actionState struct {
	Action
	seq      int
	enqueued bool
}

// ActionRunner owns the artifacts and actions of one conversation.
type ActionRunner struct {
	cfg      Config
	sb       sandbox.Sandbox
	editor   *editor.Editor
	recorder Recorder
	logger   *slog.Logger
	ctx      context.Context
	cancel   context.CancelFunc

	mu        sync.Mutex
	listener  Listener
	tools     map[string]tool.InvokableTool
	toolInfos []*schema.ToolInfo
	artifacts map[string]*artifactState
	actions   map[string]*actionState
	seq       int
	active    int
	idle      chan struct{}
	closed    bool
}

// New creates an ActionRunner.
func New(cfg Config, deps Deps, logger *slog.Logger) *ActionRunner {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = defaultQueueCapacity
	}
	if cfg.Shell == "" {
		cfg.Shell = defaultShell
	}
	if cfg.ShellTimeout <= 0 {
		cfg.ShellTimeout = defaultShellTimeout
	}
	ed := deps.Editor
	if ed == nil && deps.Sandbox != nil {
		ed = editor.New(deps.Sandbox, nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ActionRunner{
		cfg:       cfg,
		sb:        deps.Sandbox,
		editor:    ed,
		recorder:  deps.Recorder,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		tools:     map[string]tool.InvokableTool{},
		artifacts: map[string]*artifactState{},
		actions:   map[string]*actionState{},
		idle:      make(chan struct{}),
	}
}

// SetListener replaces the notification hooks.
func (r *ActionRunner) SetListener(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listener = l
}

// RegisterTool makes t available to toolUse actions under its declared name.
func (r *ActionRunner) RegisterTool(ctx context.Context, t tool.InvokableTool) error {
	info, err := t.Info(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[info.Name]; !ok {
		r.toolInfos = append(r.toolInfos, info)
	}
	r.tools[info.Name] = t
	return nil
}

// ToolInfos returns the metadata of registered tools in registration order.
func (r *ActionRunner) ToolInfos() []*schema.ToolInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*schema.ToolInfo(nil), r.toolInfos...)
}

// AddArtifact registers an artifact. Repeated calls with the same ID update
// the title and never create a second record. Artifacts are independent:
// a failure in one never affects another.
func (r *ActionRunner) AddArtifact(ev action.ArtifactEvent) {
	r.mu.Lock()
	art := r.artifactLocked(ev)
	if ev.Name != "" {
		art.Name = ev.Name
	}
	if ev.Title != "" {
		art.Title = ev.Title
	}
	snap := art.snapshot()
	r.mu.Unlock()

	r.recordArtifact(snap)
}

// CloseArtifact marks an artifact as fully declared.
func (r *ActionRunner) CloseArtifact(ev action.ArtifactEvent) {
	r.mu.Lock()
	art := r.artifactLocked(ev)
	art.Closed = true
	snap := art.snapshot()
	r.mu.Unlock()

	r.recordArtifact(snap)
}

func (r *ActionRunner) artifactLocked(ev action.ArtifactEvent) *artifactState {
	art, ok := r.artifacts[ev.ArtifactID]
	if !ok {
		r.seq++
		art = &artifactState{seq: r.seq, Artifact: Artifact{
			ID:        ev.ArtifactID,
			Name:      ev.Name,
			MessageID: ev.MessageID,
			PartKey:   ev.PartKey,
			Title:     ev.Title,
			CreatedAt: time.Now().UTC(),
		}}
		r.artifacts[ev.ArtifactID] = art
	}
	if art.Name == "" {
		art.Name = ev.Name
	}
	return art
}

// AddAction registers an action or refreshes its content. Content of an
// action that has been handed to execution is frozen, and the owning
// artifact never changes once set.
func (r *ActionRunner) AddAction(ev action.ActionEvent) {
	r.mu.Lock()
	st, changed := r.actionLocked(ev)
	snap := st.Action
	r.mu.Unlock()

	if changed {
		r.notify(snap)
	}
}

func (r *ActionRunner) actionLocked(ev action.ActionEvent) (*actionState, bool) {
	st, ok := r.actions[ev.ActionID]
	if !ok {
		art := r.artifactLocked(action.ArtifactEvent{ArtifactID: ev.ArtifactID, MessageID: ev.MessageID})
		art.ActionIDs = append(art.ActionIDs, ev.ActionID)
		now := time.Now().UTC()
		r.seq++
		st = &actionState{seq: r.seq, Action: Action{
			ID:         ev.ActionID,
			ArtifactID: ev.ArtifactID,
			MessageID:  ev.MessageID,
			Kind:       ev.Kind,
			FilePath:   ev.FilePath,
			ToolName:   ev.ToolName,
			Content:    ev.Content,
			Status:     action.StatusQueued,
			CreatedAt:  now,
			UpdatedAt:  now,
		}}
		r.actions[ev.ActionID] = st
		return st, true
	}
	if st.enqueued || st.Status != action.StatusQueued || st.Content == ev.Content {
		return st, false
	}
	st.Content = ev.Content
	st.UpdatedAt = time.Now().UTC()
	return st, true
}

// RunAction requests execution of an action. A streaming update only
// refreshes the displayed content of shell and toolUse actions; it never
// starts execution. Otherwise the action is queued behind earlier actions
// of its artifact. An action is started at most once; later calls are
// no-ops.
func (r *ActionRunner) RunAction(ev action.ActionEvent, streaming bool) error {
	if streaming {
		if !ev.Kind.Streams() {
			return nil
		}
		r.AddAction(ev)
		return nil
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	st, changed := r.actionLocked(ev)
	if st.enqueued || st.Status != action.StatusQueued {
		r.mu.Unlock()
		return nil
	}
	art := r.artifacts[st.ArtifactID]
	if len(art.queue) >= r.cfg.QueueCapacity {
		r.mu.Unlock()
		return ErrQueueFull
	}
	st.enqueued = true
	art.queue = append(art.queue, st.ID)
	if !art.working {
		art.working = true
		r.active++
		go r.work(art)
	}
	snap := st.Action
	r.mu.Unlock()

	if changed {
		r.notify(snap)
	}
	r.record(snap)
	return nil
}

// Complete records the result of an action that was executed elsewhere,
// such as a tool invocation resolved by the model provider.
func (r *ActionRunner) Complete(ev action.ActionEvent, output string) {
	r.mu.Lock()
	st, _ := r.actionLocked(ev)
	if st.enqueued || st.Status != action.StatusQueued {
		r.mu.Unlock()
		return
	}
	st.enqueued = true
	st.Status = action.StatusComplete
	st.Output = output
	st.UpdatedAt = time.Now().UTC()
	snap := st.Action
	r.mu.Unlock()

	r.notify(snap)
	r.record(snap)
}

func (r *ActionRunner) work(art *artifactState) {
	defer r.workerDone()
	for {
		r.mu.Lock()
		if len(art.queue) == 0 {
			art.working = false
			r.mu.Unlock()
			return
		}
		id := art.queue[0]
		art.queue = art.queue[1:]
		st := r.actions[id]
		if st == nil || st.Status != action.StatusQueued {
			r.mu.Unlock()
			continue
		}
		if art.Failed {
			r.finishLocked(st, action.StatusSkipped, reasonSkipped)
			snap := st.Action
			r.mu.Unlock()
			r.logger.Info("action skipped", "action_id", id, "artifact_id", art.ID)
			r.notify(snap)
			r.record(snap)
			continue
		}
		st.Status = action.StatusRunning
		st.UpdatedAt = time.Now().UTC()
		snap := st.Action
		r.mu.Unlock()

		r.notify(snap)
		r.record(snap)

		start := time.Now()
		err := r.execute(r.ctx, st, snap)

		r.mu.Lock()
		if err != nil {
			art.Failed = true
			r.finishLocked(st, action.StatusFailed, err.Error())
		} else {
			r.finishLocked(st, action.StatusComplete, "")
		}
		snap = st.Action
		artSnap := art.snapshot()
		r.mu.Unlock()

		if err != nil {
			r.logger.Warn("action failed", "action_id", id, "artifact_id", art.ID, "kind", snap.Kind, "error", err, "duration", time.Since(start))
			r.recordArtifact(artSnap)
		} else {
			r.logger.Info("action complete", "action_id", id, "artifact_id", art.ID, "kind", snap.Kind, "duration", time.Since(start))
		}
		r.notify(snap)
		r.record(snap)
	}
}

func (r *ActionRunner) finishLocked(st *actionState, status action.Status, errText string) {
	st.Status = status
	st.Error = errText
	st.UpdatedAt = time.Now().UTC()
}

func (r *ActionRunner) workerDone() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active--
	if r.active == 0 {
		close(r.idle)
		r.idle = make(chan struct{})
	}
}

// Wait blocks until no action is queued or running, or ctx is done.
func (r *ActionRunner) Wait(ctx context.Context) error {
	for {
		r.mu.Lock()
		if r.active == 0 {
			r.mu.Unlock()
			return nil
		}
		idle := r.idle
		r.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// DiscardPending drops every action that has not started yet. Running
// actions finish and applied changes stay in place.
func (r *ActionRunner) DiscardPending() int {
	r.mu.Lock()
	var snaps []Action
	for _, art := range r.artifacts {
		art.queue = nil
	}
	for _, st := range r.actions {
		if st.Status != action.StatusQueued {
			continue
		}
		st.enqueued = true
		r.finishLocked(st, action.StatusSkipped, reasonDiscarded)
		snaps = append(snaps, st.Action)
	}
	r.mu.Unlock()

	for _, snap := range snaps {
		r.notify(snap)
		r.record(snap)
	}
	return len(snaps)
}

// RetireMessage forgets the artifacts and actions of a message that left the
// retained history.
func (r *ActionRunner) RetireMessage(messageID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, art := range r.artifacts {
		if art.MessageID != messageID {
			continue
		}
		for _, aid := range art.ActionIDs {
			delete(r.actions, aid)
		}
		delete(r.artifacts, id)
		n++
	}
	return n
}

// Close cancels running executions and rejects further runs.
func (r *ActionRunner) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()
}

// Artifact returns a snapshot of one artifact.
func (r *ActionRunner) Artifact(id string) (Artifact, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	art, ok := r.artifacts[id]
	if !ok {
		return Artifact{}, false
	}
	return art.snapshot(), true
}

// Artifacts returns all artifacts in creation order.
func (r *ActionRunner) Artifacts() []Artifact {
	r.mu.Lock()
	defer r.mu.Unlock()
	states := make([]*artifactState, 0, len(r.artifacts))
	for _, art := range r.artifacts {
		states = append(states, art)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].seq < states[j].seq })
	out := make([]Artifact, len(states))
	for i, art := range states {
		out[i] = art.snapshot()
	}
	return out
}

// Action returns a snapshot of one action.
func (r *ActionRunner) Action(id string) (Action, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.actions[id]
	if !ok {
		return Action{}, false
	}
	return st.Action, true
}

// Actions returns all actions in registration order.
func (r *ActionRunner) Actions() []Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	states := make([]*actionState, 0, len(r.actions))
	for _, st := range r.actions {
		states = append(states, st)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].seq < states[j].seq })
	out := make([]Action, len(states))
	for i, st := range states {
		out[i] = st.Action
	}
	return out
}

func (a *artifactState) snapshot() Artifact {
	snap := a.Artifact
	snap.ActionIDs = append([]string(nil), a.ActionIDs...)
	return snap
}

func (r *ActionRunner) notify(a Action) {
	r.mu.Lock()
	fn := r.listener.OnUpdate
	r.mu.Unlock()
	if fn != nil {
		fn(a)
	}
}

func (r *ActionRunner) emitOutput(st *actionState, chunk string) {
	r.mu.Lock()
	out := st.Output + chunk
	if len(out) > maxOutput {
		out = out[len(out)-maxOutput:]
	}
	st.Output = out
	fn := r.listener.OnOutput
	r.mu.Unlock()
	if fn != nil {
		fn(st.ID, chunk)
	}
}

func (r *ActionRunner) record(a Action) {
	if r.recorder == nil {
		return
	}
	if err := r.recorder.RecordAction(context.Background(), a); err != nil {
		r.logger.Warn("failed to record action", "action_id", a.ID, "error", err)
	}
}

func (r *ActionRunner) recordArtifact(a Artifact) {
	if r.recorder == nil {
		return
	}
	if err := r.recorder.RecordArtifact(context.Background(), a); err != nil {
		r.logger.Warn("failed to record artifact", "artifact_id", a.ID, "error", err)
	}
}
