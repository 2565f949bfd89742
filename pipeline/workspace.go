package pipeline

import (
	"fmt"
	"path/filepath"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"

	cerrors "github.com/conveyorcd/conveyor/errors"
)

// Workspace holds the volumes shared across one run's execution
// contexts: the checked-out source tree and the build cache. Roots are
// derived from the run ID, so two simultaneous runs never share an
// instance.
type Workspace struct {
	fs   billy.Filesystem
	root string
}

// NewWorkspace creates the per-run volume roots under base.
func NewWorkspace(fsys billy.Filesystem, base, runID string) (*Workspace, error) {
	if runID == "" {
		return nil, cerrors.New(cerrors.CodeInvalidConfig, cerrors.SeverityFatal, "workspace requires a run ID")
	}
	w := &Workspace{fs: fsys, root: filepath.Join(base, runID)}

	for _, dir := range []string{w.SourceDir(), w.CacheDir()} {
		if err := fsys.MkdirAll(dir, 0o755); err != nil {
			return nil, cerrors.Wrap(err, cerrors.CodeInternal, cerrors.SeverityFatal,
				fmt.Sprintf("creating workspace directory %s", dir))
		}
	}
	return w, nil
}

// FS returns the backing filesystem.
func (w *Workspace) FS() billy.Filesystem { return w.fs }

// Root returns the run's private root directory.
func (w *Workspace) Root() string { return w.root }

// SourceDir is the checkout target, visible to later stages as a
// shared volume.
func (w *Workspace) SourceDir() string { return filepath.Join(w.root, "source") }

// CacheDir is the build cache root for this run.
func (w *Workspace) CacheDir() string { return filepath.Join(w.root, "cache") }

// Cleanup removes the whole workspace. Failures are absorbed; cleanup
// runs from the always hook and must not fail the run.
func (w *Workspace) Cleanup() error {
	if err := util.RemoveAll(w.fs, w.root); err != nil {
		return cerrors.Absorbed(err, fmt.Sprintf("removing workspace %s", w.root))
	}
	return nil
}
