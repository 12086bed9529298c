package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/qadash/qadash/pkg/fsutil"
	"github.com/sirupsen/logrus"
)

// Run statuses. Running is the only non-terminal status.
const (
	StatusRunning  = "running"
	StatusPassed   = "passed"
	StatusFailed   = "failed"
	StatusCanceled = "canceled"
)

var (
	// ErrRunNotFound is returned when no run has the given id.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunExists is returned by Create when the id is already taken.
	ErrRunExists = errors.New("run already exists")
)

// Run is one execution attempt of a project's test suite.
type Run struct {
	ID        string `json:"id"`
	ProjectID string `json:"projectId"`
	Tool      string `json:"tool"`
	StartedAt string `json:"startedAt"`
	EndedAt   string `json:"endedAt"`
	Status    string `json:"status"`
	Results   string `json:"results"`
}

// IsTerminal reports whether the run has reached a final status.
func (r *Run) IsTerminal() bool {
	return r.Status != StatusRunning
}

// StartedTime parses StartedAt. It returns the zero time on failure.
func (r *Run) StartedTime() time.Time {
	t, _ := time.Parse(time.RFC3339Nano, r.StartedAt)

	return t
}

// EndedTime parses EndedAt. It returns the zero time when unset.
func (r *Run) EndedTime() time.Time {
	t, _ := time.Parse(time.RFC3339Nano, r.EndedAt)

	return t
}

// Timestamp formats t the way run records store it.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Registry is the authoritative list of run records. Every mutation is
// flushed to disk before it returns.
type Registry interface {
	// Load reads the document from disk. A missing file is an empty
	// registry.
	Load() error

	List() []Run
	Get(id string) (*Run, error)
	Create(run *Run) error

	// Update applies fn to the run under the registry lock and persists the
	// result. fn returning an error leaves the record untouched.
	Update(id string, fn func(*Run) error) (*Run, error)

	// NextRunID allocates `<sanitized-name>-TR-<n>` where n is one more
	// than the highest sequence used by the project.
	NextRunID(projectID, projectName string) string

	// CreateNext allocates the next id for the project and creates the run
	// built by fn in one step, so concurrent starts never share an id.
	CreateNext(projectID, projectName string, fn func(id string) Run) (*Run, error)
}

// Compile-time interface check.
var _ Registry = (*registry)(nil)

type document struct {
	Runs []Run `json:"runs"`
}

type registry struct {
	log  logrus.FieldLogger
	path string

	mu   sync.Mutex
	runs []Run
}

// New creates a Registry persisted at path.
func New(log logrus.FieldLogger, path string) Registry {
	return &registry{
		log:  log.WithField("component", "registry"),
		path: path,
		runs: make([]Run, 0, 16),
	}
}

// Load reads the registry document.
func (r *registry) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			r.runs = r.runs[:0]

			return nil
		}

		return fmt.Errorf("reading registry: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing registry %s: %w", r.path, err)
	}

	r.runs = doc.Runs
	if r.runs == nil {
		r.runs = make([]Run, 0, 16)
	}

	r.log.WithField("runs", len(r.runs)).Info("Loaded run registry")

	return nil
}

// List returns a copy of all runs, most recently started first.
func (r *registry) List() []Run {
	r.mu.Lock()
	out := make([]Run, len(r.runs))
	copy(out, r.runs)
	r.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartedAt > out[j].StartedAt
	})

	return out
}

// Get returns a copy of the run.
func (r *registry) Get(id string) (*Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.indexLocked(id)
	if idx < 0 {
		return nil, ErrRunNotFound
	}

	run := r.runs[idx]

	return &run, nil
}

// Create appends a run and persists the registry.
func (r *registry) Create(run *Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.createLocked(run)
}

// CreateNext allocates an id and creates the run under one lock.
func (r *registry) CreateNext(
	projectID, projectName string,
	fn func(id string) Run,
) (*Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	run := fn(r.nextIDLocked(projectID, projectName))
	if err := r.createLocked(&run); err != nil {
		return nil, err
	}

	return &run, nil
}

func (r *registry) createLocked(run *Run) error {
	if r.indexLocked(run.ID) >= 0 {
		return ErrRunExists
	}

	r.runs = append(r.runs, *run)

	if err := r.saveLocked(); err != nil {
		r.runs = r.runs[:len(r.runs)-1]

		return err
	}

	return nil
}

// Update mutates a run in place under the lock.
func (r *registry) Update(id string, fn func(*Run) error) (*Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.indexLocked(id)
	if idx < 0 {
		return nil, ErrRunNotFound
	}

	updated := r.runs[idx]
	if err := fn(&updated); err != nil {
		return nil, err
	}

	prev := r.runs[idx]
	r.runs[idx] = updated

	if err := r.saveLocked(); err != nil {
		r.runs[idx] = prev

		return nil, err
	}

	return &updated, nil
}

var (
	unsafeIDChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)
	idSequence    = regexp.MustCompile(`-TR-(\d+)$`)
)

// SanitizeName turns a project name into a run id prefix.
func SanitizeName(name string) string {
	s := unsafeIDChars.ReplaceAllString(strings.TrimSpace(name), "_")
	s = strings.Trim(s, "_")

	if s == "" {
		return "project"
	}

	return s
}

// NextRunID allocates the next id for the project.
func (r *registry) NextRunID(projectID, projectName string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.nextIDLocked(projectID, projectName)
}

func (r *registry) nextIDLocked(projectID, projectName string) string {
	highest := 0

	for i := range r.runs {
		if r.runs[i].ProjectID != projectID {
			continue
		}

		m := idSequence.FindStringSubmatch(r.runs[i].ID)
		if m == nil {
			continue
		}

		if n, err := strconv.Atoi(m[1]); err == nil && n > highest {
			highest = n
		}
	}

	prefix := SanitizeName(projectName)

	// Another project with the same sanitized name may own the id already.
	for n := highest + 1; ; n++ {
		id := fmt.Sprintf("%s-TR-%d", prefix, n)
		if r.indexLocked(id) < 0 {
			return id
		}
	}
}

func (r *registry) indexLocked(id string) int {
	for i := range r.runs {
		if r.runs[i].ID == id {
			return i
		}
	}

	return -1
}

// saveLocked rewrites the full document. Caller holds r.mu.
func (r *registry) saveLocked() error {
	data, err := json.MarshalIndent(document{Runs: r.runs}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding registry: %w", err)
	}

	if err := fsutil.WriteFileAtomic(r.path, data, 0644); err != nil {
		return fmt.Errorf("writing registry: %w", err)
	}

	return nil
}
