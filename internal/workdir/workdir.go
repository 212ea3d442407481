// Package workdir owns the naming convention and lifecycle for a
// task's filesystem scratch directory: created before submission, kept
// through success or failure for diagnostics, and removed only by an
// explicit cleanup call — never on any scope exit.
package workdir

import (
	"os"
	"path/filepath"
)

// Manager roots every pipeline's and task's scratch directory under a
// single data directory, the way FileStore roots every profile under
// one configured storage path.
type Manager struct {
	root string
}

// New returns a Manager rooted at root. root is not created here: the
// first Ensure call creates it along with the directory it is given.
func New(root string) *Manager {
	return &Manager{root: root}
}

// PipelineDir is the run directory for an entire pipeline.
func (m *Manager) PipelineDir(pipelineID string) string {
	return filepath.Join(m.root, pipelineID)
}

// TaskDir is one task's scratch directory within its pipeline's run
// directory.
func (m *Manager) TaskDir(pipelineID, taskName string) string {
	return filepath.Join(m.PipelineDir(pipelineID), taskName)
}

// Ensure creates dir (and any missing parents) if it doesn't already
// exist. Idempotent: calling it again after the task has already
// written output files does not disturb them.
func (m *Manager) Ensure(dir string) error {
	return os.MkdirAll(dir, 0o755)
}

// Remove deletes dir and everything under it. Only the CLEANUP command
// calls this; no other code path in the module does.
func (m *Manager) Remove(dir string) error {
	return os.RemoveAll(dir)
}
