package agent

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/mattjoyce/artifactloop/internal/chat"
	"github.com/mattjoyce/artifactloop/internal/sandbox"
)

// RelevantFilesArtifactID is the artifact the project snapshot is wrapped in.
const RelevantFilesArtifactID = "project-files"

var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"dist":         true,
	"build":        true,
	".cache":       true,
}

// Workspace snapshots the sandbox into the relevant-files message the model
// reads the project from.
type Workspace struct {
	sb       sandbox.Sandbox
	maxBytes int
}

// NewWorkspace creates a Workspace. maxBytes caps the snapshot; 0 means no
// limit.
func NewWorkspace(sb sandbox.Sandbox, maxBytes int) *Workspace {
	return &Workspace{sb: sb, maxBytes: maxBytes}
}

// Files lists project files, sorted, skipping dependency and VCS
// directories.
func (w *Workspace) Files() ([]string, error) {
	var out []string
	var walk func(dir string) error
	walk = func(dir string) error {
		entries, err := w.sb.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("read %s: %w", dir, err)
		}
		for _, e := range entries {
			p := path.Join(dir, e.Name)
			if e.IsDir {
				if skipDirs[e.Name] {
					continue
				}
				if err := walk(p); err != nil {
					return err
				}
				continue
			}
			out = append(out, p)
		}
		return nil
	}
	if err := walk("."); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// RelevantFiles builds the relevant-files message with one file action per
// project file. Binary files and files past the size cap are left out and
// named in the preamble.
func (w *Workspace) RelevantFiles(messageID string) (chat.Message, error) {
	files, err := w.Files()
	if err != nil {
		return chat.Message{}, err
	}

	var body strings.Builder
	var omitted []string
	total := 0
	for _, f := range files {
		content, err := w.sb.ReadFile(f)
		if err != nil {
			return chat.Message{}, err
		}
		if strings.IndexByte(content, 0) >= 0 {
			continue
		}
		if w.maxBytes > 0 && total+len(content) > w.maxBytes {
			omitted = append(omitted, f)
			continue
		}
		total += len(content)
		fmt.Fprintf(&body, "<boltAction type=\"file\" filePath=%q>\n%s</boltAction>\n", f, content)
	}

	var b strings.Builder
	b.WriteString("Below are the current contents of the project files.\n")
	if len(omitted) > 0 {
		fmt.Fprintf(&b, "Omitted for size: %s\n", strings.Join(omitted, ", "))
	}
	fmt.Fprintf(&b, "<boltArtifact id=%q title=\"Project Files\">\n", RelevantFilesArtifactID)
	b.WriteString(body.String())
	b.WriteString("</boltArtifact>")

	return chat.Message{
		ID:          messageID,
		Role:        chat.RoleUser,
		Parts:       []chat.Part{chat.TextPart(b.String())},
		Annotations: []string{chat.AnnotationRelevantFiles},
	}, nil
}
