package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/qadash/qadash/pkg/detector"
	"github.com/qadash/qadash/pkg/docker"
	"github.com/qadash/qadash/pkg/logstream"
	"github.com/qadash/qadash/pkg/process"
	"github.com/qadash/qadash/pkg/project"
	"github.com/qadash/qadash/pkg/registry"
	"github.com/qadash/qadash/pkg/workspace"
	"github.com/sirupsen/logrus"
)

const (
	// CanceledResults is recorded on runs canceled by a user.
	CanceledResults = "Canceled by user"

	// InterruptedResults is recorded on runs found running at startup.
	InterruptedResults = "Interrupted: server restarted"

	// DefaultFinalizeTimeout bounds each finalizer call.
	DefaultFinalizeTimeout = 2 * time.Minute

	// DefaultCleanupTimeout bounds best-effort container removal on cancel.
	DefaultCleanupTimeout = 30 * time.Second

	// logPrefix marks lines written to a run log by qadash itself.
	logPrefix = "[qadash] "
)

var (
	// ErrProjectRequired is returned when a start request names no project.
	ErrProjectRequired = errors.New("projectId is required")

	// ErrProjectNotFound is returned when the project does not exist.
	ErrProjectNotFound = errors.New("project not found")

	// ErrRunNotRunning is returned when canceling a run that already ended.
	ErrRunNotRunning = errors.New("run is not running")

	// ErrRunNotFound is returned for unknown run ids.
	ErrRunNotFound = registry.ErrRunNotFound

	errAlreadyFinal = errors.New("run already final")
)

// Finalizer receives every run once it has reached a terminal status and no
// process remains for it.
type Finalizer interface {
	Name() string
	Finalize(ctx context.Context, run *registry.Run, logPath string) error
}

// Controller drives runs through running -> passed | failed | canceled.
type Controller interface {
	// Start reconciles runs left running by a previous process.
	Start(ctx context.Context) error

	// Stop terminates live processes and waits for background work.
	Stop() error

	// StartRun creates a running run for the project and launches it in
	// the background. It returns once the run record is persisted.
	StartRun(ctx context.Context, projectID string) (*registry.Run, error)

	// CancelRun marks a running run canceled and then, best effort, stops
	// its process and container.
	CancelRun(ctx context.Context, runID string) (*registry.Run, error)

	// ActiveRuns returns the run ids with a live process.
	ActiveRuns() []string
}

// Config holds the controller's settings and collaborators.
type Config struct {
	Tool            string
	FinalizeTimeout time.Duration
	CleanupTimeout  time.Duration

	Projects   project.Lookup
	Registry   registry.Registry
	Workspaces workspace.Materializer
	Rules      *detector.RuleSet
	Launcher   docker.Launcher
	Tracker    process.Tracker
	Sink       logstream.Sink

	// Remover removes a run's container on cancel. Optional.
	Remover docker.Remover

	Finalizers []Finalizer
}

type controller struct {
	log logrus.FieldLogger
	cfg *Config
	now func() time.Time

	// spawnMu orders the canceled check before spawning against the
	// signal sent by CancelRun.
	spawnMu sync.Mutex

	wg sync.WaitGroup
}

// Ensure interface compliance.
var _ Controller = (*controller)(nil)

// NewController creates a Controller.
func NewController(log logrus.FieldLogger, cfg *Config) Controller {
	if cfg.FinalizeTimeout == 0 {
		cfg.FinalizeTimeout = DefaultFinalizeTimeout
	}

	if cfg.CleanupTimeout == 0 {
		cfg.CleanupTimeout = DefaultCleanupTimeout
	}

	if cfg.Rules == nil {
		cfg.Rules = detector.DefaultRuleSet()
	}

	return &controller{
		log: log.WithField("component", "controller"),
		cfg: cfg,
		now: time.Now,
	}
}

// Start marks runs that were running when the previous process exited as
// failed. Their processes are gone, so nothing would ever finish them.
func (c *controller) Start(_ context.Context) error {
	var interrupted int

	for _, run := range c.cfg.Registry.List() {
		if run.Status != registry.StatusRunning {
			continue
		}

		_, err := c.cfg.Registry.Update(run.ID, func(r *registry.Run) error {
			if r.Status != registry.StatusRunning {
				return errAlreadyFinal
			}

			r.Status = registry.StatusFailed
			r.EndedAt = registry.Timestamp(c.now())
			r.Results = InterruptedResults

			return nil
		})
		if errors.Is(err, errAlreadyFinal) {
			continue
		}

		if err != nil {
			return fmt.Errorf("reconciling run %s: %w", run.ID, err)
		}

		interrupted++

		c.finalize(run.ID)
	}

	if interrupted > 0 {
		c.log.WithField("runs", interrupted).Warn("Marked interrupted runs as failed")
	}

	c.log.Debug("Controller started")

	return nil
}

// Stop terminates live processes and waits for their completion handlers
// and finalizers.
func (c *controller) Stop() error {
	if err := c.cfg.Tracker.Stop(); err != nil {
		c.log.WithError(err).Warn("Not all run processes exited")
	}

	c.wg.Wait()

	c.log.Debug("Controller stopped")

	return nil
}

// ActiveRuns returns the run ids with a live process.
func (c *controller) ActiveRuns() []string {
	return c.cfg.Tracker.Active()
}

// StartRun validates the project, persists a running run and hands the rest
// to a background goroutine.
func (c *controller) StartRun(ctx context.Context, projectID string) (*registry.Run, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, ErrProjectRequired
	}

	proj, err := c.cfg.Projects.Get(ctx, projectID)
	if err != nil {
		if errors.Is(err, project.ErrNotFound) {
			return nil, ErrProjectNotFound
		}

		return nil, fmt.Errorf("looking up project: %w", err)
	}

	run, err := c.cfg.Registry.CreateNext(proj.ID, proj.Name, func(id string) registry.Run {
		return registry.Run{
			ID:        id,
			ProjectID: proj.ID,
			Tool:      c.cfg.Tool,
			StartedAt: registry.Timestamp(c.now()),
			Status:    registry.StatusRunning,
		}
	})
	if err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}

	c.log.WithFields(logrus.Fields{
		"run_id":  run.ID,
		"project": proj.ID,
	}).Info("Run started")

	c.wg.Add(1)

	go func() {
		defer c.wg.Done()

		c.launch(run.ID, proj.Files)
	}()

	return run, nil
}

// launch materializes the workspace, detects the test command and spawns
// the container. Any failure ends the run as failed.
func (c *controller) launch(runID string, files []project.File) {
	log := c.log.WithField("run_id", runID)

	dir, skipped, err := c.cfg.Workspaces.Materialize(runID, files)
	if err != nil {
		c.abort(runID, fmt.Sprintf("preparing workspace: %v", err))

		return
	}

	for _, fe := range skipped {
		c.note(runID, "skipped file %s: %v", fe.Path, fe.Err)
	}

	ecosystem, testCmd := c.cfg.Rules.Detect(dir)
	cmdline := c.cfg.Launcher.Command(runID, dir, testCmd)

	log.WithFields(logrus.Fields{
		"ecosystem": ecosystem,
		"command":   testCmd,
	}).Debug("Detected test command")

	c.note(runID, "detected %s project", ecosystem)
	c.note(runID, "$ %s", cmdline)

	c.spawnMu.Lock()

	run, err := c.cfg.Registry.Get(runID)
	if err != nil || run.Status != registry.StatusRunning {
		c.spawnMu.Unlock()

		log.Info("Run ended before its process was spawned")
		c.finalize(runID)

		return
	}

	out := c.cfg.Sink.Writer(runID)
	err = c.cfg.Tracker.Spawn(runID, cmdline, out, out, func(code int, _ error) {
		c.complete(runID, code)
	})

	c.spawnMu.Unlock()

	if err != nil {
		c.abort(runID, fmt.Sprintf("starting process: %v", err))
	}
}

// complete applies the natural-exit transition unless the run already
// reached a terminal status.
func (c *controller) complete(runID string, code int) {
	log := c.log.WithFields(logrus.Fields{
		"run_id":    runID,
		"exit_code": code,
	})

	c.note(runID, "process exited with code %d", code)

	_, err := c.cfg.Registry.Update(runID, func(r *registry.Run) error {
		if r.Status != registry.StatusRunning {
			return errAlreadyFinal
		}

		r.EndedAt = registry.Timestamp(c.now())
		r.Results = fmt.Sprintf("Exit code: %d", code)

		if code == 0 {
			r.Status = registry.StatusPassed
		} else {
			r.Status = registry.StatusFailed
		}

		return nil
	})

	switch {
	case errors.Is(err, errAlreadyFinal):
		log.Debug("Run already final, ignoring process exit")
	case err != nil:
		log.WithError(err).Error("Failed to record run completion")
	default:
		log.Info("Run completed")
	}

	c.finalize(runID)
}

// abort ends a run as failed because of an infrastructure error. The reason
// goes to the run log.
func (c *controller) abort(runID, reason string) {
	log := c.log.WithField("run_id", runID)
	log.WithField("reason", reason).Warn("Run failed before tests could run")

	c.note(runID, "error: %s", reason)

	_, err := c.cfg.Registry.Update(runID, func(r *registry.Run) error {
		if r.Status != registry.StatusRunning {
			return errAlreadyFinal
		}

		r.Status = registry.StatusFailed
		r.EndedAt = registry.Timestamp(c.now())
		r.Results = "Failed: " + reason

		return nil
	})
	if err != nil && !errors.Is(err, errAlreadyFinal) {
		log.WithError(err).Error("Failed to record run failure")
	}

	c.finalize(runID)
}

// CancelRun records the cancellation first, then asks the process and the
// container to stop without waiting for either.
func (c *controller) CancelRun(_ context.Context, runID string) (*registry.Run, error) {
	run, err := c.cfg.Registry.Update(runID, func(r *registry.Run) error {
		if r.Status != registry.StatusRunning {
			return ErrRunNotRunning
		}

		r.Status = registry.StatusCanceled
		r.EndedAt = registry.Timestamp(c.now())
		r.Results = CanceledResults

		// Written under the registry lock, before any completion path can
		// close the log.
		c.note(runID, "run canceled by user")

		return nil
	})
	if err != nil {
		return nil, err
	}

	log := c.log.WithField("run_id", runID)
	log.Info("Run canceled")

	c.spawnMu.Lock()
	if err := c.cfg.Tracker.Signal(runID); err != nil && !errors.Is(err, process.ErrNotTracked) {
		log.WithError(err).Debug("Signalling run process failed")
	}
	c.spawnMu.Unlock()

	if c.cfg.Remover != nil {
		c.wg.Add(1)

		go func() {
			defer c.wg.Done()

			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CleanupTimeout)
			defer cancel()

			name := docker.ContainerName(runID)
			if err := c.cfg.Remover.RemoveContainer(ctx, name); err != nil {
				log.WithError(err).WithField("container", name).Debug("Removing run container failed")
			}
		}()
	}

	return run, nil
}

// finalize closes the run log and passes the final record to every
// finalizer. Each finalizer fails independently.
func (c *controller) finalize(runID string) {
	log := c.log.WithField("run_id", runID)

	if err := c.cfg.Sink.Close(runID); err != nil {
		log.WithError(err).Warn("Failed to close run log")
	}

	if len(c.cfg.Finalizers) == 0 {
		return
	}

	run, err := c.cfg.Registry.Get(runID)
	if err != nil {
		log.WithError(err).Warn("Run vanished before finalization")

		return
	}

	logPath := c.cfg.Sink.Path(runID)

	for _, f := range c.cfg.Finalizers {
		c.wg.Add(1)

		go func() {
			defer c.wg.Done()

			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.FinalizeTimeout)
			defer cancel()

			if err := f.Finalize(ctx, run, logPath); err != nil {
				log.WithError(err).WithField("finalizer", f.Name()).Warn("Run finalizer failed")
			}
		}()
	}
}

// note appends a qadash line to the run log.
func (c *controller) note(runID, format string, args ...any) {
	line := logPrefix + fmt.Sprintf(format, args...) + "\n"

	if err := c.cfg.Sink.Append(runID, []byte(line)); err != nil {
		c.log.WithError(err).WithField("run_id", runID).Warn("Failed to append to run log")
	}
}
