package acquire

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Workspace is a directory owned by one pipeline run. Every file a run
// downloads lives under it, so cleanup never touches another run's files.
type Workspace struct {
	runID string
	dir   string
}

// NewWorkspace creates a fresh run directory under root. An empty root uses
// the system temp directory.
func NewWorkspace(root string) (*Workspace, error) {
	if root == "" {
		root = os.TempDir()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create temp root: %w", err)
	}
	runID := uuid.New().String()
	dir := filepath.Join(root, "run-"+runID)
	if err := os.Mkdir(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create run directory: %w", err)
	}
	return &Workspace{runID: runID, dir: dir}, nil
}

// RunID returns the identifier embedded in the workspace path.
func (w *Workspace) RunID() string {
	return w.runID
}

// Dir returns the workspace directory.
func (w *Workspace) Dir() string {
	return w.dir
}

// Path returns the PDF file path for a document role such as "student".
func (w *Workspace) Path(role string) string {
	return filepath.Join(w.dir, role+".pdf")
}

// Cleanup removes the workspace and everything in it.
func (w *Workspace) Cleanup() error {
	return os.RemoveAll(w.dir)
}
