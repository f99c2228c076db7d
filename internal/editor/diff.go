package editor

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Change summarizes one mutation.
type Change struct {
	Path    string `json:"path"`
	Created bool   `json:"created"`
	Added   int    `json:"added"`
	Deleted int    `json:"deleted"`
	Patch   string `json:"patch,omitempty"`
}

func diffContent(path, oldContent, newContent string, created bool) Change {
	c := Change{Path: path, Created: created}
	if oldContent == newContent {
		return c
	}
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(oldContent, newContent, false)
	diffs = dmp.DiffCleanupSemantic(diffs)
	c.Patch = dmp.PatchToText(dmp.PatchMake(oldContent, diffs))
	c.Added, c.Deleted = countChanges(diffs)
	return c
}

// countChanges counts touched lines per side.
func countChanges(diffs []diffmatchpatch.Diff) (added, deleted int) {
	for _, d := range diffs {
		n := strings.Count(d.Text, "\n")
		if !strings.HasSuffix(d.Text, "\n") {
			n++
		}
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += n
		case diffmatchpatch.DiffDelete:
			deleted += n
		}
	}
	return added, deleted
}
