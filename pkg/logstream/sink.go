package logstream

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/qadash/qadash/pkg/fsutil"
	"github.com/sirupsen/logrus"
)

// Sink persists run output to per-run log files and forwards every chunk to
// the run's live viewers.
type Sink interface {
	// Append writes chunk to the run log and broadcasts it.
	Append(runID string, chunk []byte) error

	// Writer returns an io.Writer that appends to the run log. It is safe
	// to hand the same run's writer to both stdout and stderr.
	Writer(runID string) io.Writer

	// Close releases the run's open log file. Later appends reopen it.
	Close(runID string) error

	// Snapshot returns the log content written so far. A run that has not
	// produced output yet has an empty log.
	Snapshot(runID string) (string, error)

	// Subscribe registers a live viewer. Its first message is a snapshot
	// of the log; every later chunk follows without gaps.
	Subscribe(runID string) (*Viewer, error)

	// Unsubscribe removes a live viewer.
	Unsubscribe(v *Viewer)

	// Path returns the log file path for runID.
	Path(runID string) string
}

// Compile-time interface check.
var _ Sink = (*sink)(nil)

type runLog struct {
	mu   sync.Mutex
	file *os.File
}

type sink struct {
	log   logrus.FieldLogger
	dir   string
	owner *fsutil.OwnerConfig
	bc    Broadcaster

	mu   sync.Mutex
	runs map[string]*runLog
}

// NewSink creates a Sink writing `<runID>.log` files under dir.
func NewSink(
	log logrus.FieldLogger,
	dir string,
	owner *fsutil.OwnerConfig,
	bc Broadcaster,
) (Sink, error) {
	if err := fsutil.MkdirAll(dir, 0755, owner); err != nil {
		return nil, fmt.Errorf("creating log dir: %w", err)
	}

	return &sink{
		log:   log.WithField("component", "logsink"),
		dir:   dir,
		owner: owner,
		bc:    bc,
		runs:  make(map[string]*runLog, 8),
	}, nil
}

// Path returns the log file path for runID.
func (s *sink) Path(runID string) string {
	return filepath.Join(s.dir, runID+".log")
}

// Append writes chunk and broadcasts it while holding the run's lock, so a
// concurrent Subscribe sees either all or none of the chunk in its snapshot.
func (s *sink) Append(runID string, chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}

	rl := s.runLog(runID)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.file == nil {
		f, err := os.OpenFile(s.Path(runID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("opening log for %s: %w", runID, err)
		}

		fsutil.Chown(f.Name(), s.owner)
		rl.file = f
	}

	if _, err := rl.file.Write(chunk); err != nil {
		return fmt.Errorf("appending to log for %s: %w", runID, err)
	}

	s.bc.Publish(runID, Message{Kind: KindChunk, Data: string(chunk)})

	return nil
}

// Writer returns an io.Writer appending to runID's log.
func (s *sink) Writer(runID string) io.Writer {
	return &runWriter{sink: s, runID: runID}
}

// Close closes the run's file and forgets its lock.
func (s *sink) Close(runID string) error {
	s.mu.Lock()
	rl, ok := s.runs[runID]
	delete(s.runs, runID)
	s.mu.Unlock()

	if !ok {
		return nil
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.file == nil {
		return nil
	}

	err := rl.file.Close()
	rl.file = nil

	return err
}

// Snapshot reads the full log.
func (s *sink) Snapshot(runID string) (string, error) {
	rl := s.existingRunLog(runID)
	if rl != nil {
		rl.mu.Lock()
		defer rl.mu.Unlock()
	}

	return s.read(runID)
}

// Subscribe reads the snapshot and registers the viewer under the run's
// lock, so no chunk lands between the two. A run without a writer gets no
// lock entry; holding s.mu keeps an Append from starting until the viewer
// is registered.
func (s *sink) Subscribe(runID string) (*Viewer, error) {
	s.mu.Lock()

	rl, ok := s.runs[runID]
	if !ok {
		defer s.mu.Unlock()

		return s.register(runID)
	}

	s.mu.Unlock()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	return s.register(runID)
}

func (s *sink) register(runID string) (*Viewer, error) {
	content, err := s.read(runID)
	if err != nil {
		return nil, err
	}

	return s.bc.Register(runID, Message{Kind: KindSnapshot, Data: content}), nil
}

// Unsubscribe removes a viewer.
func (s *sink) Unsubscribe(v *Viewer) {
	s.bc.Unregister(v)
}

func (s *sink) read(runID string) (string, error) {
	data, err := os.ReadFile(s.Path(runID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}

		return "", fmt.Errorf("reading log for %s: %w", runID, err)
	}

	return string(data), nil
}

func (s *sink) runLog(runID string) *runLog {
	s.mu.Lock()
	defer s.mu.Unlock()

	rl, ok := s.runs[runID]
	if !ok {
		rl = &runLog{}
		s.runs[runID] = rl
	}

	return rl
}

func (s *sink) existingRunLog(runID string) *runLog {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.runs[runID]
}

// runWriter adapts a Sink to io.Writer for process output.
type runWriter struct {
	sink  *sink
	runID string
}

func (w *runWriter) Write(p []byte) (int, error) {
	if err := w.sink.Append(w.runID, p); err != nil {
		w.sink.log.WithError(err).WithField("run_id", w.runID).Warn("Failed to append log chunk")

		return 0, err
	}

	return len(p), nil
}
