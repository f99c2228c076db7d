// Package scanner lexes the artifact/action tag protocol out of a growing
// model transcript.
//
// A Scanner is fed the full text seen so far on every call and only lexes the
// bytes past its finalized offset. A '<' that may still become a protocol tag
// once more bytes arrive is held: nothing is emitted for it and the offset
// stops in front of it. Everything before the offset is final, so the
// concatenation of all returned events is the same however the text was
// split across calls.
package scanner

import "strings"

const (
	ArtifactTag = "boltArtifact"
	ActionTag   = "boltAction"

	// maxTagLen bounds how far past '<' the closing '>' of an opening tag is
	// searched for. Longer spans are literal text.
	maxTagLen = 2048
)

var (
	artifactOpen  = "<" + ArtifactTag
	artifactClose = "</" + ArtifactTag + ">"
	actionOpen    = "<" + ActionTag
	actionClose   = "</" + ActionTag + ">"
)

// EventType identifies the kind of lexical event.
type EventType int

const (
	Text EventType = iota
	ArtifactOpen
	ArtifactClose
	ActionOpen
	ActionClose
)

func (t EventType) String() string {
	switch t {
	case Text:
		return "text"
	case ArtifactOpen:
		return "artifact_open"
	case ArtifactClose:
		return "artifact_close"
	case ActionOpen:
		return "action_open"
	case ActionClose:
		return "action_close"
	}
	return "unknown"
}

// Event is one lexical unit. Raw is the exact source text it covers, so a
// consumer can always fall back to treating a tag as literal text.
type Event struct {
	Type  EventType
	Raw   string
	Attrs map[string]string
}

// Attr returns the named attribute or "".
func (e Event) Attr(name string) string {
	return e.Attrs[name]
}

// Scanner is a restartable lexer over one append-only text.
type Scanner struct {
	offset int
}

// Offset returns the number of bytes already finalized.
func (s *Scanner) Offset() int {
	return s.offset
}

// Reset rewinds the scanner to the start of the text.
func (s *Scanner) Reset() {
	s.offset = 0
}

// Scan lexes full[Offset():] and returns the newly finalized events. full
// must extend the text passed on the previous call; callers detect edits and
// Reset first. A shorter text yields no events.
func (s *Scanner) Scan(full string) []Event {
	if s.offset >= len(full) {
		return nil
	}

	var events []Event
	textStart := s.offset
	pos := s.offset

	flushText := func(end int) {
		if end > textStart {
			events = append(events, Event{Type: Text, Raw: full[textStart:end]})
		}
	}

	for {
		i := strings.IndexByte(full[pos:], '<')
		if i < 0 {
			flushText(len(full))
			s.offset = len(full)
			return events
		}
		pos += i

		ev, n, st := matchTag(full[pos:])
		switch st {
		case held:
			flushText(pos)
			s.offset = pos
			return events
		case literal:
			pos++
		case matched:
			flushText(pos)
			events = append(events, ev)
			pos += n
			textStart = pos
		}
	}
}

type matchState int

const (
	literal matchState = iota
	held
	matched
)

// matchTag inspects text starting at '<'.
func matchTag(s string) (Event, int, matchState) {
	if ev, n, st := matchClose(s, artifactClose, ArtifactClose); st != literal {
		return ev, n, st
	}
	if ev, n, st := matchClose(s, actionClose, ActionClose); st != literal {
		return ev, n, st
	}
	if ev, n, st := matchOpen(s, artifactOpen, ArtifactOpen); st != literal {
		return ev, n, st
	}
	return matchOpen(s, actionOpen, ActionOpen)
}

func matchClose(s, tag string, typ EventType) (Event, int, matchState) {
	if strings.HasPrefix(s, tag) {
		return Event{Type: typ, Raw: tag}, len(tag), matched
	}
	if len(s) < len(tag) && strings.HasPrefix(tag, s) {
		return Event{}, 0, held
	}
	return Event{}, 0, literal
}

func matchOpen(s, name string, typ EventType) (Event, int, matchState) {
	if len(s) <= len(name) {
		if strings.HasPrefix(name, s) {
			return Event{}, 0, held
		}
		return Event{}, 0, literal
	}
	if !strings.HasPrefix(s, name) {
		return Event{}, 0, literal
	}
	switch s[len(name)] {
	case ' ', '\t', '\r', '\n', '>':
	default:
		return Event{}, 0, literal
	}

	end, ok := findTagEnd(s, len(name))
	if !ok {
		if len(s) < maxTagLen {
			return Event{}, 0, held
		}
		return Event{}, 0, literal
	}

	attrs, ok := parseAttrs(s[len(name):end])
	if !ok {
		return Event{}, 0, literal
	}
	return Event{Type: typ, Raw: s[:end+1], Attrs: attrs}, end + 1, matched
}

// findTagEnd returns the index of the '>' closing the tag, ignoring '>'
// inside quoted attribute values. The search never looks past maxTagLen.
func findTagEnd(s string, from int) (int, bool) {
	limit := len(s)
	if limit > maxTagLen {
		limit = maxTagLen
	}
	var quote byte
	for i := from; i < limit; i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '>':
			return i, true
		}
	}
	return 0, false
}

// parseAttrs parses `name="value" name='value' name=value name` sequences.
func parseAttrs(s string) (map[string]string, bool) {
	attrs := map[string]string{}
	i := 0
	for {
		for i < len(s) && isSpace(s[i]) {
			i++
		}
		if i >= len(s) {
			return attrs, true
		}

		start := i
		for i < len(s) && isNameChar(s[i]) {
			i++
		}
		if i == start {
			return nil, false
		}
		name := s[start:i]

		if i >= len(s) || s[i] != '=' {
			attrs[name] = ""
			continue
		}
		i++
		if i >= len(s) {
			return nil, false
		}

		switch q := s[i]; q {
		case '"', '\'':
			j := strings.IndexByte(s[i+1:], q)
			if j < 0 {
				return nil, false
			}
			attrs[name] = unescape(s[i+1 : i+1+j])
			i += j + 2
		default:
			start = i
			for i < len(s) && !isSpace(s[i]) {
				i++
			}
			attrs[name] = unescape(s[start:i])
		}
	}
}

var entityReplacer = strings.NewReplacer(
	"&quot;", `"`,
	"&apos;", "'",
	"&lt;", "<",
	"&gt;", ">",
	"&amp;", "&",
)

func unescape(v string) string {
	if strings.IndexByte(v, '&') < 0 {
		return v
	}
	return entityReplacer.Replace(v)
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}

func isNameChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' ||
		c == '-' || c == '_' || c == ':' || c == '.'
}
