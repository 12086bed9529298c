package docker

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/sirupsen/logrus"
)

// Remover removes a container by name. Removal is forced, so a running
// container is killed first.
type Remover interface {
	RemoveContainer(ctx context.Context, nameOrID string) error
}

// Manager handles Docker API operations for qadash.
type Manager interface {
	Remover
	StatsReader

	Start(ctx context.Context) error
	Stop() error

	// ListContainers returns all containers labelled as managed by qadash.
	ListContainers(ctx context.Context) ([]ContainerInfo, error)
}

// ContainerInfo contains information about a container for cleanup.
type ContainerInfo struct {
	ID     string
	Name   string
	RunID  string
	State  string
	Labels map[string]string
}

// NewManager creates a new Docker manager using the environment's daemon
// settings (DOCKER_HOST etc).
func NewManager(log logrus.FieldLogger) (Manager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}

	return &manager{
		log:    log.WithField("component", "docker"),
		client: cli,
	}, nil
}

type manager struct {
	log    logrus.FieldLogger
	client *client.Client
}

// Ensure interface compliance.
var _ Manager = (*manager)(nil)

// Start verifies the Docker daemon is reachable.
func (m *manager) Start(ctx context.Context) error {
	if _, err := m.client.Ping(ctx); err != nil {
		return fmt.Errorf("connecting to docker daemon: %w", err)
	}

	m.log.Debug("Connected to Docker daemon")

	return nil
}

// Stop closes the Docker client.
func (m *manager) Stop() error {
	if err := m.client.Close(); err != nil {
		return fmt.Errorf("closing docker client: %w", err)
	}

	return nil
}

// RemoveContainer force-removes a container by name or id.
func (m *manager) RemoveContainer(ctx context.Context, nameOrID string) error {
	if err := m.client.ContainerRemove(ctx, nameOrID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	}); err != nil {
		return fmt.Errorf("removing container %s: %w", nameOrID, err)
	}

	m.log.WithField("container", nameOrID).Debug("Removed container")

	return nil
}

// ListContainers returns all containers managed by qadash.
func (m *manager) ListContainers(ctx context.Context) ([]ContainerInfo, error) {
	containers, err := m.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", LabelManagedBy+"="+managedByValue),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}

	result := make([]ContainerInfo, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}

		result = append(result, ContainerInfo{
			ID:     c.ID,
			Name:   name,
			RunID:  c.Labels[LabelRunID],
			State:  c.State,
			Labels: c.Labels,
		})
	}

	return result, nil
}

// cliRemover removes containers through the runtime CLI. It is used when the
// Docker API is unreachable, e.g. with podman or a remote docker context.
type cliRemover struct {
	log    logrus.FieldLogger
	binary string
}

// Ensure interface compliance.
var _ Remover = (*cliRemover)(nil)

// NewCLIRemover returns a Remover that shells out to "<binary> rm -f".
func NewCLIRemover(log logrus.FieldLogger, binary string) Remover {
	if binary == "" {
		binary = "docker"
	}

	return &cliRemover{
		log:    log.WithField("component", "docker-cli"),
		binary: binary,
	}
}

// RemoveContainer runs "<binary> rm -f <name>".
func (r *cliRemover) RemoveContainer(ctx context.Context, nameOrID string) error {
	out, err := exec.CommandContext(ctx, r.binary, "rm", "-f", nameOrID).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s rm -f %s: %w: %s", r.binary, nameOrID, err, strings.TrimSpace(string(out)))
	}

	r.log.WithField("container", nameOrID).Debug("Removed container")

	return nil
}
