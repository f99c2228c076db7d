// Package partcache memoizes the parsed form of message parts so walking an
// unchanged transcript again costs one comparison per part.
package partcache

import (
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mattjoyce/artifactloop/internal/chat"
)

// DefaultSize is used when New is given a non-positive size.
const DefaultSize = 1024

// ParseFunc produces the parsed form of a part. It is only invoked on a miss,
// so any side effects it has happen once per distinct raw content.
type ParseFunc[V any] func(id chat.PartID, part chat.Part) V

type entry[V any] struct {
	id     chat.PartID
	raw    chat.Part
	parsed V
}

// Stats reports cache effectiveness.
type Stats struct {
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
	Entries int    `json:"entries"`
}

// Cache is a bounded map from PartID to the last seen raw part and its
// parsed result.
type Cache[V any] struct {
	entries *lru.Cache[string, entry[V]]
	parse   ParseFunc[V]
	hits    atomic.Uint64
	misses  atomic.Uint64
}

// New creates a cache holding at most size parts. onEvict, when non-nil, is
// called for every part that leaves the cache.
func New[V any](size int, parse ParseFunc[V], onEvict func(chat.PartID)) (*Cache[V], error) {
	if parse == nil {
		return nil, fmt.Errorf("parse func is required")
	}
	if size <= 0 {
		size = DefaultSize
	}
	var evict func(string, entry[V])
	if onEvict != nil {
		evict = func(_ string, e entry[V]) { onEvict(e.id) }
	}
	entries, err := lru.NewWithEvict[string, entry[V]](size, evict)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	return &Cache[V]{entries: entries, parse: parse}, nil
}

// Get returns the parsed form of part. A stored entry is reused only when
// its raw part equals part; otherwise the part is parsed and the entry
// replaced.
func (c *Cache[V]) Get(id chat.PartID, part chat.Part) V {
	key := id.Key()
	if e, ok := c.entries.Get(key); ok && Equal(e.raw, part) {
		c.hits.Add(1)
		return e.parsed
	}
	c.misses.Add(1)
	parsed := c.parse(id, part)
	c.entries.Add(key, entry[V]{id: id, raw: clonePart(part), parsed: parsed})
	return parsed
}

// RemoveMessage drops every part of a message.
func (c *Cache[V]) RemoveMessage(messageID string) int {
	removed := 0
	for _, key := range c.entries.Keys() {
		e, ok := c.entries.Peek(key)
		if ok && e.id.MessageID == messageID {
			c.entries.Remove(key)
			removed++
		}
	}
	return removed
}

// Purge drops every entry.
func (c *Cache[V]) Purge() {
	c.entries.Purge()
}

// Stats returns hit and miss counters.
func (c *Cache[V]) Stats() Stats {
	return Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Entries: c.entries.Len(),
	}
}

// Equal reports whether two raw parts would parse identically. Text parts
// compare byte for byte. Tool invocation parts compare their whole payload,
// not just the call ID, so a result rewritten under the same call ID is
// never served stale.
func Equal(a, b chat.Part) bool {
	if a.Type != b.Type || a.Text != b.Text {
		return false
	}
	if a.Tool == nil || b.Tool == nil {
		return a.Tool == nil && b.Tool == nil
	}
	return *a.Tool == *b.Tool
}

func clonePart(p chat.Part) chat.Part {
	if p.Tool != nil {
		t := *p.Tool
		p.Tool = &t
	}
	return p
}
