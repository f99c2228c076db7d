package partcache

import (
	"testing"

	"github.com/mattjoyce/artifactloop/internal/action"
	"github.com/mattjoyce/artifactloop/internal/chat"
	"github.com/mattjoyce/artifactloop/internal/parser"
)

type spy struct {
	parses    int
	callbacks int
}

func newParserCache(t *testing.T, s *spy) *Cache[parser.Result] {
	t.Helper()
	p := parser.New(parser.Callbacks{
		OnArtifactOpen:  func(action.ArtifactEvent) { s.callbacks++ },
		OnArtifactClose: func(action.ArtifactEvent) { s.callbacks++ },
		OnActionOpen:    func(action.ActionEvent) { s.callbacks++ },
		OnActionClose:   func(action.ActionEvent) { s.callbacks++ },
	})
	c, err := New(8, func(id chat.PartID, part chat.Part) parser.Result {
		s.parses++
		return p.Parse(id, part.Text)
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

const doc = `<boltArtifact id="A" title="t"><boltAction type="shell">ls</boltAction></boltArtifact>`

func TestCacheParsesIdenticalContentOnce(t *testing.T) {
	var s spy
	c := newParserCache(t, &s)
	id := chat.PartID{MessageID: "m1", Index: 0}

	first := c.Get(id, chat.TextPart(doc))
	second := c.Get(id, chat.TextPart(doc))

	if s.parses != 1 {
		t.Fatalf("parses = %d, want 1", s.parses)
	}
	if first.Output != second.Output {
		t.Fatalf("cached output differs")
	}
	st := c.Stats()
	if st.Hits != 1 || st.Misses != 1 || st.Entries != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestCacheHitFiresNoCallbacks(t *testing.T) {
	var s spy
	c := newParserCache(t, &s)
	id := chat.PartID{MessageID: "m1", Index: 0}

	c.Get(id, chat.TextPart(doc))
	after := s.callbacks
	if after != 4 {
		t.Fatalf("callbacks on miss = %d, want 4", after)
	}
	for i := 0; i < 5; i++ {
		c.Get(id, chat.TextPart(doc))
	}
	if s.callbacks != after {
		t.Fatalf("callbacks fired on hit: %d -> %d", after, s.callbacks)
	}
}

func TestCacheReparsesChangedContent(t *testing.T) {
	var s spy
	c := newParserCache(t, &s)
	id := chat.PartID{MessageID: "m1", Index: 0}

	c.Get(id, chat.TextPart("hello"))
	got := c.Get(id, chat.TextPart("hello world"))
	if s.parses != 2 {
		t.Fatalf("parses = %d, want 2", s.parses)
	}
	if got.Output != "hello world" {
		t.Fatalf("output = %q", got.Output)
	}
	c.Get(id, chat.TextPart("hello world"))
	if s.parses != 2 {
		t.Fatalf("updated entry not reused, parses = %d", s.parses)
	}
}

func TestEqualToolParts(t *testing.T) {
	base := chat.Part{Type: chat.PartToolInvocation, Tool: &chat.ToolInvocation{
		CallID: "c1", ToolName: "deploy", State: chat.ToolResult, Args: `{}`, Result: "ok",
	}}
	same := clonePart(base)
	if !Equal(base, same) {
		t.Fatalf("identical tool parts should be equal")
	}

	changed := clonePart(base)
	changed.Tool.Result = "different"
	if Equal(base, changed) {
		t.Fatalf("changed result under the same call ID must not be equal")
	}

	state := clonePart(base)
	state.Tool.State = chat.ToolCall
	if Equal(base, state) {
		t.Fatalf("state change must not be equal")
	}

	if Equal(base, chat.TextPart("")) {
		t.Fatalf("tool part equal to text part")
	}
}

func TestCacheStoresACopyOfToolParts(t *testing.T) {
	parses := 0
	c, err := New(4, func(chat.PartID, chat.Part) int { parses++; return parses }, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	id := chat.PartID{MessageID: "m1", Index: 1}
	inv := &chat.ToolInvocation{CallID: "c1", State: chat.ToolCall}
	c.Get(id, chat.Part{Type: chat.PartToolInvocation, Tool: inv})

	inv.State = chat.ToolResult
	inv.Result = "done"
	if got := c.Get(id, chat.Part{Type: chat.PartToolInvocation, Tool: inv}); got != 2 {
		t.Fatalf("mutated invocation served from cache, got %d", got)
	}
}

func TestCacheRemoveMessageAndEviction(t *testing.T) {
	var evicted []chat.PartID
	c, err := New(2, func(chat.PartID, chat.Part) string { return "" }, func(id chat.PartID) {
		evicted = append(evicted, id)
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	c.Get(chat.PartID{MessageID: "m1", Index: 0}, chat.TextPart("a"))
	c.Get(chat.PartID{MessageID: "m1", Index: 1}, chat.TextPart("b"))
	c.Get(chat.PartID{MessageID: "m2", Index: 0}, chat.TextPart("c"))

	if len(evicted) != 1 || evicted[0].Key() != "m1#0" {
		t.Fatalf("evicted = %v", evicted)
	}
	if n := c.RemoveMessage("m1"); n != 1 {
		t.Fatalf("removed = %d, want 1", n)
	}
	misses := c.Stats().Misses
	c.Get(chat.PartID{MessageID: "m2", Index: 0}, chat.TextPart("c"))
	if c.Stats().Misses != misses {
		t.Fatalf("m2 should remain")
	}
	c.Purge()
	if c.Stats().Entries != 0 {
		t.Fatalf("purge left entries")
	}
}
