package process

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// stopTimeout bounds how long Stop waits for tracked processes to exit.
const stopTimeout = 10 * time.Second

var (
	// ErrNotTracked is returned when no live process exists for a run.
	ErrNotTracked = errors.New("no live process for run")

	// ErrAlreadyTracked is returned when a run already has a live process.
	ErrAlreadyTracked = errors.New("run already has a live process")
)

// ExitFunc is invoked once when a tracked process exits. code is -1 when the
// process was terminated by a signal or never produced an exit status.
type ExitFunc func(code int, err error)

// Tracker spawns shell command lines as child processes keyed by run id.
type Tracker interface {
	// Spawn starts cmdline through the host shell. stdout and stderr receive
	// output chunks as they arrive. The handle is removed before onExit runs.
	Spawn(runID, cmdline string, stdout, stderr io.Writer, onExit ExitFunc) error

	// Signal asks the run's process (and its process group) to terminate.
	Signal(runID string) error

	// Active returns the run ids that currently have a live process.
	Active() []string

	// Stop terminates all tracked processes and waits for their exit
	// handlers.
	Stop() error
}

// Compile-time interface check.
var _ Tracker = (*tracker)(nil)

type tracker struct {
	log   logrus.FieldLogger
	mu    sync.Mutex
	procs map[string]*exec.Cmd
	wg    sync.WaitGroup
}

// NewTracker creates an empty Tracker.
func NewTracker(log logrus.FieldLogger) Tracker {
	return &tracker{
		log:   log.WithField("component", "process"),
		procs: make(map[string]*exec.Cmd, 8),
	}
}

// Spawn starts cmdline and registers its handle under runID.
func (t *tracker) Spawn(
	runID, cmdline string,
	stdout, stderr io.Writer,
	onExit ExitFunc,
) error {
	cmd := shellCommand(cmdline)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	t.mu.Lock()

	if _, exists := t.procs[runID]; exists {
		t.mu.Unlock()

		return ErrAlreadyTracked
	}

	if err := cmd.Start(); err != nil {
		t.mu.Unlock()

		return fmt.Errorf("starting process: %w", err)
	}

	t.procs[runID] = cmd
	t.wg.Add(1)
	t.mu.Unlock()

	log := t.log.WithFields(logrus.Fields{
		"run_id": runID,
		"pid":    cmd.Process.Pid,
	})
	log.Debug("Process started")

	go func() {
		defer t.wg.Done()

		err := cmd.Wait()
		code := exitCode(cmd, err)

		t.mu.Lock()
		delete(t.procs, runID)
		t.mu.Unlock()

		log.WithField("exit_code", code).Debug("Process exited")

		if onExit != nil {
			onExit(code, err)
		}
	}()

	return nil
}

// Signal sends a termination request to the run's process group.
func (t *tracker) Signal(runID string) error {
	t.mu.Lock()
	cmd, ok := t.procs[runID]
	t.mu.Unlock()

	if !ok {
		return ErrNotTracked
	}

	if err := terminate(cmd); err != nil {
		return fmt.Errorf("terminating process for %s: %w", runID, err)
	}

	return nil
}

// Active returns the run ids with live processes, sorted.
func (t *tracker) Active() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]string, 0, len(t.procs))
	for id := range t.procs {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids
}

// Stop terminates every tracked process and waits up to stopTimeout for
// their exit handlers to finish.
func (t *tracker) Stop() error {
	for _, id := range t.Active() {
		if err := t.Signal(id); err != nil && !errors.Is(err, ErrNotTracked) {
			t.log.WithError(err).WithField("run_id", id).Warn("Failed to terminate process")
		}
	}

	done := make(chan struct{})

	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(stopTimeout):
		return fmt.Errorf("timed out waiting for %d process(es) to exit", len(t.Active()))
	}
}

// exitCode extracts the exit status from a finished command.
func exitCode(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}

	return -1
}
