package docker

import (
	"runtime"
	"strconv"
	"strings"
)

const (
	// LabelManagedBy marks containers started by qadash.
	LabelManagedBy = "qadash.managed-by"

	// LabelRunID carries the run id of a container.
	LabelRunID = "qadash.run-id"

	managedByValue  = "qadash"
	containerPrefix = "qadash-"
)

// LaunchOptions configures how the container invocation is composed.
type LaunchOptions struct {
	RuntimeBinary string
	Image         string
	MountPath     string
	Network       string
	MemoryBytes   int64
	CPUs          string

	// GOOS selects host quoting and path conventions. Defaults to
	// runtime.GOOS.
	GOOS string
}

// Launcher composes the shell command line that runs a test suite inside
// a disposable container.
type Launcher interface {
	Command(runID, workspace, testCommand string) string
}

// Compile-time interface check.
var _ Launcher = (*launcher)(nil)

type launcher struct {
	opts LaunchOptions
}

// NewLauncher creates a Launcher.
func NewLauncher(opts LaunchOptions) Launcher {
	if opts.GOOS == "" {
		opts.GOOS = runtime.GOOS
	}

	if opts.RuntimeBinary == "" {
		opts.RuntimeBinary = "docker"
	}

	return &launcher{opts: opts}
}

// Command returns one shell command line: the configured image runs
// testCommand via sh with the workspace mounted read-write at MountPath and
// used as the working directory. The container is named after the run and
// removed on exit.
func (l *launcher) Command(runID, workspace, testCommand string) string {
	q := l.quote

	args := []string{
		l.opts.RuntimeBinary, "run", "--rm",
		"--name", ContainerName(runID),
		"--label", q(LabelManagedBy + "=" + managedByValue),
		"--label", q(LabelRunID + "=" + runID),
	}

	if l.opts.Network != "" {
		args = append(args, "--network", q(l.opts.Network))
	}

	if l.opts.MemoryBytes > 0 {
		args = append(args, "--memory", strconv.FormatInt(l.opts.MemoryBytes, 10))
	}

	if l.opts.CPUs != "" {
		args = append(args, "--cpus", q(l.opts.CPUs))
	}

	mount := l.hostPath(workspace) + ":" + l.opts.MountPath

	args = append(args,
		"-v", q(mount),
		"-w", q(l.opts.MountPath),
		q(l.opts.Image),
		"sh", "-c", q(testCommand),
	)

	return strings.Join(args, " ")
}

// hostPath normalizes separators of the (absolute) workspace path for the
// runtime CLI on the host OS.
func (l *launcher) hostPath(workspace string) string {
	if l.opts.GOOS == "windows" {
		return strings.ReplaceAll(workspace, "\\", "/")
	}

	return workspace
}

// quote quotes s for the host shell.
func (l *launcher) quote(s string) string {
	if l.opts.GOOS == "windows" {
		return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
	}

	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// ContainerName returns the deterministic container name for a run. Names
// are lower-cased and restricted to characters the runtime accepts.
func ContainerName(runID string) string {
	var b strings.Builder

	b.WriteString(containerPrefix)

	for _, r := range strings.ToLower(runID) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}

	return b.String()
}
