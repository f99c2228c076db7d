// Package parser turns scanner events into artifact and action callbacks.
//
// State is kept per message part. Each call to Parse feeds the full part text
// seen so far; only the bytes past the previous call are lexed, so a growing
// part costs O(new bytes). A part whose text is not an extension of the
// previous text is parsed again from the start, which re-fires open
// callbacks; consumers must treat them idempotently.
package parser

import (
	"fmt"
	"html"
	"path"
	"strings"

	"github.com/mattjoyce/artifactloop/internal/action"
	"github.com/mattjoyce/artifactloop/internal/chat"
	"github.com/mattjoyce/artifactloop/internal/scanner"
)

// Callbacks receive parse events. Nil callbacks are skipped.
type Callbacks struct {
	OnArtifactOpen  func(action.ArtifactEvent)
	OnArtifactClose func(action.ArtifactEvent)
	OnActionOpen    func(action.ActionEvent)
	// OnActionStream fires for streaming kinds only. ev.Content holds the
	// payload accumulated so far, delta the newly arrived bytes.
	OnActionStream func(ev action.ActionEvent, delta string)
	OnActionClose  func(action.ActionEvent)
}

// Result is the rendered form of a part.
type Result struct {
	// Output is the prose outside artifacts, with each artifact replaced by a
	// placeholder element.
	Output string
	// Artifacts lists artifact IDs in the order they opened.
	Artifacts []string
}

type state int

const (
	stateIdle state = iota
	stateInArtifact
	stateInAction
)

type partState struct {
	id        chat.PartID
	text      string
	scan      scanner.Scanner
	state     state
	artifact  action.ArtifactEvent
	current   action.ActionEvent
	content   strings.Builder
	ordinal   int
	output    strings.Builder
	artifacts []string
}

// Parser holds per-part parse state for one conversation.
type Parser struct {
	cb    Callbacks
	parts map[string]*partState
}

// New creates a Parser.
func New(cb Callbacks) *Parser {
	return &Parser{cb: cb, parts: map[string]*partState{}}
}

// Parse advances the part to text and returns its rendered result.
func (p *Parser) Parse(id chat.PartID, text string) Result {
	key := id.Key()
	st := p.parts[key]
	if st == nil || !strings.HasPrefix(text, st.text) {
		st = &partState{id: id}
		p.parts[key] = st
	}
	st.text = text

	for _, ev := range st.scan.Scan(text) {
		p.handle(st, ev)
	}

	return Result{
		Output:    st.output.String(),
		Artifacts: append([]string(nil), st.artifacts...),
	}
}

// Forget drops the state of one part.
func (p *Parser) Forget(id chat.PartID) {
	delete(p.parts, id.Key())
}

// ForgetMessage drops the state of every part of a message.
func (p *Parser) ForgetMessage(messageID string) {
	for key, st := range p.parts {
		if st.id.MessageID == messageID {
			delete(p.parts, key)
		}
	}
}

// Reset drops all part state.
func (p *Parser) Reset() {
	p.parts = map[string]*partState{}
}

// Tracked reports how many parts currently have parse state.
func (p *Parser) Tracked() int {
	return len(p.parts)
}

// Open reports whether the part has an artifact or action still open.
func (p *Parser) Open(id chat.PartID) bool {
	st := p.parts[id.Key()]
	return st != nil && st.state != stateIdle
}

func (p *Parser) handle(st *partState, ev scanner.Event) {
	switch st.state {
	case stateIdle:
		p.handleIdle(st, ev)
	case stateInArtifact:
		p.handleInArtifact(st, ev)
	case stateInAction:
		p.handleInAction(st, ev)
	}
}

func (p *Parser) handleIdle(st *partState, ev scanner.Event) {
	switch ev.Type {
	case scanner.ArtifactOpen:
		name := strings.TrimSpace(ev.Attr("id"))
		if name == "" {
			st.output.WriteString(ev.Raw)
			return
		}
		key := action.ArtifactKey(st.id.MessageID, st.id.Index, len(st.artifacts))
		st.artifact = action.ArtifactEvent{
			ArtifactID: key,
			Name:       name,
			MessageID:  st.id.MessageID,
			PartKey:    st.id.Key(),
			Title:      ev.Attr("title"),
		}
		st.state = stateInArtifact
		st.artifacts = append(st.artifacts, key)
		fmt.Fprintf(&st.output, `<div class="__artifact__" data-artifact-id="%s" data-message-id="%s"></div>`,
			html.EscapeString(key), html.EscapeString(st.id.MessageID))
		if p.cb.OnArtifactOpen != nil {
			p.cb.OnArtifactOpen(st.artifact)
		}
	case scanner.ArtifactClose, scanner.ActionClose:
		// Stray close tags are dropped.
	default:
		st.output.WriteString(ev.Raw)
	}
}

func (p *Parser) handleInArtifact(st *partState, ev scanner.Event) {
	switch ev.Type {
	case scanner.ActionOpen:
		ae, ok := p.newAction(st, ev)
		if !ok {
			return
		}
		st.current = ae
		st.content.Reset()
		st.state = stateInAction
		if p.cb.OnActionOpen != nil {
			p.cb.OnActionOpen(ae)
		}
	case scanner.ArtifactClose:
		st.state = stateIdle
		if p.cb.OnArtifactClose != nil {
			p.cb.OnArtifactClose(st.artifact)
		}
	}
	// Text between actions, nested artifacts and stray action closes are ignored.
}

func (p *Parser) handleInAction(st *partState, ev scanner.Event) {
	if ev.Type == scanner.ActionClose {
		ae := st.current
		ae.Content = finalContent(ae, st.content.String())
		st.state = stateInArtifact
		st.content.Reset()
		if p.cb.OnActionClose != nil {
			p.cb.OnActionClose(ae)
		}
		return
	}

	st.content.WriteString(ev.Raw)
	if st.current.Kind.Streams() && p.cb.OnActionStream != nil {
		ae := st.current
		ae.Content = st.content.String()
		p.cb.OnActionStream(ae, ev.Raw)
	}
}

func (p *Parser) newAction(st *partState, ev scanner.Event) (action.ActionEvent, bool) {
	kind, ok := action.ParseKind(ev.Attr("type"))
	if !ok {
		return action.ActionEvent{}, false
	}
	ae := action.ActionEvent{
		ArtifactID: st.artifact.ArtifactID,
		ActionID:   action.ParsedID(st.id.MessageID, st.id.Index, st.ordinal),
		MessageID:  st.id.MessageID,
		Kind:       kind,
		FilePath:   strings.TrimSpace(ev.Attr("filePath")),
		ToolName:   strings.TrimSpace(ev.Attr("toolName")),
	}
	switch kind {
	case action.KindFile:
		if ae.FilePath == "" {
			return action.ActionEvent{}, false
		}
	case action.KindToolUse:
		if ae.ToolName == "" {
			return action.ActionEvent{}, false
		}
	}
	st.ordinal++
	return ae, true
}

func finalContent(ae action.ActionEvent, raw string) string {
	switch ae.Kind {
	case action.KindFile:
		content := raw
		if !isMarkdown(ae.FilePath) {
			content = stripCodeFence(content)
		}
		content = strings.TrimSpace(content)
		if content == "" {
			return ""
		}
		return content + "\n"
	default:
		return strings.TrimSpace(raw)
	}
}

func isMarkdown(p string) bool {
	switch strings.ToLower(path.Ext(p)) {
	case ".md", ".markdown", ".mdx":
		return true
	}
	return false
}

// stripCodeFence removes a markdown fence wrapping the whole payload.
func stripCodeFence(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") || !strings.HasSuffix(trimmed, "```") || len(trimmed) < 6 {
		return s
	}
	nl := strings.IndexByte(trimmed, '\n')
	if nl < 0 {
		return s
	}
	return trimmed[nl+1 : len(trimmed)-3]
}

// Extract parses text with a throwaway parser and returns the closed actions.
// It has no side effects beyond its return value.
func Extract(messageID string, text string) []action.ActionEvent {
	var out []action.ActionEvent
	p := New(Callbacks{
		OnActionClose: func(ev action.ActionEvent) { out = append(out, ev) },
	})
	p.Parse(chat.PartID{MessageID: messageID}, text)
	return out
}
