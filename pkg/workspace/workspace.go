package workspace

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/qadash/qadash/pkg/fsutil"
	"github.com/qadash/qadash/pkg/project"
	"github.com/sirupsen/logrus"
)

// FileError records a project file that could not be written.
type FileError struct {
	Path string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *FileError) Unwrap() error {
	return e.Err
}

// Materializer writes project file snapshots into per-run directories.
type Materializer interface {
	// Dir returns the workspace directory for a run.
	Dir(runID string) string

	// Materialize writes files beneath the run's directory. Individual file
	// failures are skipped and returned; the error is only set when the run
	// directory itself cannot be created.
	Materialize(runID string, files []project.File) (string, []*FileError, error)
}

// Compile-time interface check.
var _ Materializer = (*materializer)(nil)

type materializer struct {
	log   logrus.FieldLogger
	root  string
	owner *fsutil.OwnerConfig
}

// NewMaterializer creates a Materializer rooted at root. owner may be nil.
// The root is made absolute because workspaces are bind-mounted by path.
func NewMaterializer(
	log logrus.FieldLogger,
	root string,
	owner *fsutil.OwnerConfig,
) Materializer {
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}

	return &materializer{
		log:   log.WithField("component", "workspace"),
		root:  root,
		owner: owner,
	}
}

// Dir returns the workspace directory for a run.
func (m *materializer) Dir(runID string) string {
	return filepath.Join(m.root, runID)
}

// Materialize writes every file beneath the run directory.
func (m *materializer) Materialize(
	runID string,
	files []project.File,
) (string, []*FileError, error) {
	dir := m.Dir(runID)

	if err := fsutil.MkdirAll(dir, 0o755, m.owner); err != nil {
		return "", nil, fmt.Errorf("creating workspace %s: %w", dir, err)
	}

	log := m.log.WithField("run_id", runID)

	var failed []*FileError

	for _, f := range files {
		target, err := resolve(dir, f.Path)
		if err != nil {
			failed = append(failed, &FileError{Path: f.Path, Err: err})
			log.WithError(err).WithField("path", f.Path).Warn("Skipping project file")

			continue
		}

		if err := fsutil.MkdirAll(filepath.Dir(target), 0o755, m.owner); err != nil {
			failed = append(failed, &FileError{Path: f.Path, Err: err})
			log.WithError(err).WithField("path", f.Path).Warn("Failed to create directory for project file")

			continue
		}

		if err := fsutil.WriteFile(target, []byte(f.Content), 0o644, m.owner); err != nil {
			failed = append(failed, &FileError{Path: f.Path, Err: err})
			log.WithError(err).WithField("path", f.Path).Warn("Failed to write project file")

			continue
		}
	}

	log.WithFields(logrus.Fields{
		"files":   len(files),
		"skipped": len(failed),
		"dir":     dir,
	}).Debug("Workspace materialized")

	return dir, failed, nil
}

// resolve maps a project-relative path beneath root. Leading separators are
// stripped and the cleaned result must stay inside root.
func resolve(root, rel string) (string, error) {
	rel = strings.ReplaceAll(rel, "\\", "/")
	rel = strings.TrimLeft(rel, "/")

	cleaned := filepath.Clean(filepath.FromSlash(rel))
	if cleaned == "." || cleaned == "" {
		return "", fmt.Errorf("empty path")
	}

	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace")
	}

	return filepath.Join(root, cleaned), nil
}
