package project

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned when no project has the requested id.
var ErrNotFound = errors.New("project not found")

// File is a single project file held in memory.
type File struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Project is the subset of a project record the run pipeline consumes.
type Project struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Files []File `json:"files,omitempty"`
}

// Lookup resolves projects by id.
type Lookup interface {
	Get(ctx context.Context, id string) (*Project, error)
}

// document mirrors the projects.json layout.
type document struct {
	Projects []Project `json:"projects"`
}

// Compile-time interface check.
var _ Lookup = (*fileLookup)(nil)

type fileLookup struct {
	log  logrus.FieldLogger
	path string
}

// NewFileLookup returns a Lookup that reads the projects document at path.
// The file is owned by the project editor, so it is re-read on every call.
func NewFileLookup(log logrus.FieldLogger, path string) Lookup {
	return &fileLookup{
		log:  log.WithField("component", "projects"),
		path: path,
	}
}

// Get returns the project with the given id.
func (l *fileLookup) Get(_ context.Context, id string) (*Project, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("reading projects file: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		l.log.WithError(err).Warn("Projects file is not valid JSON")

		return nil, ErrNotFound
	}

	for i := range doc.Projects {
		if doc.Projects[i].ID == id {
			return &doc.Projects[i], nil
		}
	}

	return nil, ErrNotFound
}

// StaticLookup is an in-memory Lookup, used by tests and the detect command.
type StaticLookup map[string]*Project

// Get returns the project with the given id.
func (s StaticLookup) Get(_ context.Context, id string) (*Project, error) {
	p, ok := s[id]
	if !ok {
		return nil, ErrNotFound
	}

	return p, nil
}
