package editor

import "sync"

// Snapshot is the state of a path before a mutation. Existed is false when
// the mutation created the file, so undoing it removes the file again.
type Snapshot struct {
	Content string
	Existed bool
}

// Stack keeps a LIFO of snapshots per path. The stack for a path is empty
// exactly when no mutation has been recorded for it.
type Stack struct {
	mu      sync.Mutex
	entries map[string][]Snapshot
}

// NewStack creates an empty Stack.
func NewStack() *Stack {
	return &Stack{entries: map[string][]Snapshot{}}
}

// Push records the pre-mutation state of path. Call it before writing.
func (s *Stack) Push(path string, snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[path] = append(s.entries[path], snap)
}

// Pop removes and returns the latest snapshot for path.
func (s *Stack) Pop(path string) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stack := s.entries[path]
	if len(stack) == 0 {
		return Snapshot{}, false
	}
	snap := stack[len(stack)-1]
	if len(stack) == 1 {
		delete(s.entries, path)
	} else {
		s.entries[path] = stack[:len(stack)-1]
	}
	return snap, true
}

// Len returns the number of snapshots held for path.
func (s *Stack) Len(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries[path])
}

// Paths returns the paths that have at least one snapshot.
func (s *Stack) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for p := range s.entries {
		out = append(out, p)
	}
	return out
}
