// Package contextmgr decides whether an outgoing request must carry the
// relevant-files bundle again.
package contextmgr

import (
	"strings"
	"sync"

	"github.com/mattjoyce/artifactloop/internal/action"
	"github.com/mattjoyce/artifactloop/internal/chat"
	"github.com/mattjoyce/artifactloop/internal/parser"
)

// Manager remembers the cutoff in effect at the last send. Use one per
// conversation.
type Manager struct {
	mu         sync.Mutex
	recorded   bool
	lastCutoff string

	prevRecorded bool
	prevCutoff   string
}

// New creates a Manager.
func New() *Manager {
	return &Manager{}
}

// Cutoff returns the index of the oldest message kept when the newest
// messages are packed into sizeThreshold bytes. The newest message is always
// kept. A non-positive threshold keeps everything.
func Cutoff(history []chat.Message, sizeThreshold int) int {
	if sizeThreshold <= 0 {
		return 0
	}
	total := 0
	for i := len(history) - 1; i >= 0; i-- {
		total += history[i].Size()
		if total > sizeThreshold && i < len(history)-1 {
			return i + 1
		}
	}
	return 0
}

// ShouldSendRelevantFiles reports whether the bundle must be attached to the
// next request. It is false only when the last relevant-files message still
// inside the cutoff carries a non-empty file action and the cutoff has not
// moved since the bundle was last sent.
func (m *Manager) ShouldSendRelevantFiles(history []chat.Message, sizeThreshold int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(history) == 0 {
		m.markSent("")
		return true
	}

	// The cutoff is identified by the oldest kept message, "" when nothing
	// is dropped.
	cut := Cutoff(history, sizeThreshold)
	cutID := ""
	if cut > 0 {
		cutID = history[cut].ID
	}
	if m.recorded && cutID != m.lastCutoff {
		m.markSent(cutID)
		return true
	}

	for i := len(history) - 1; i >= cut; i-- {
		msg := history[i]
		if !msg.HasAnnotation(chat.AnnotationRelevantFiles) {
			continue
		}
		if hasFileContent(msg) {
			if !m.recorded {
				m.markSent(cutID)
			}
			return false
		}
		break
	}

	m.markSent(cutID)
	return true
}

// Rollback undoes the record made by the last ShouldSendRelevantFiles call.
// Call it when the bundle that call asked for was never sent.
func (m *Manager) Rollback() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recorded = m.prevRecorded
	m.lastCutoff = m.prevCutoff
}

// Reset forgets the recorded cutoff.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recorded = false
	m.lastCutoff = ""
	m.prevRecorded = false
	m.prevCutoff = ""
}

func (m *Manager) markSent(cutID string) {
	m.prevRecorded = m.recorded
	m.prevCutoff = m.lastCutoff
	m.recorded = true
	m.lastCutoff = cutID
}

func hasFileContent(msg chat.Message) bool {
	for _, a := range parser.Extract(msg.ID, msg.Content()) {
		if a.Kind == action.KindFile && strings.TrimSpace(a.Content) != "" {
			return true
		}
	}
	return false
}
