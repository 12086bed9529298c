package docker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/docker/docker/api/types/container"
)

// ContainerStats is a one-shot resource snapshot of a run container.
type ContainerStats struct {
	Container   string  `json:"container"`
	MemoryBytes uint64  `json:"memory_bytes"`
	MemoryLimit uint64  `json:"memory_limit_bytes"`
	CPUPercent  float64 `json:"cpu_percent"`
	DiskRead    uint64  `json:"disk_read_bytes"`
	DiskWrite   uint64  `json:"disk_write_bytes"`
	PIDs        uint64  `json:"pids"`
}

// StatsReader reads container resource usage.
type StatsReader interface {
	ContainerStats(ctx context.Context, nameOrID string) (*ContainerStats, error)
}

// ContainerStats reads one stats sample through the Docker API.
func (m *manager) ContainerStats(ctx context.Context, nameOrID string) (*ContainerStats, error) {
	resp, err := m.client.ContainerStatsOneShot(ctx, nameOrID)
	if err != nil {
		return nil, fmt.Errorf("getting container stats: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var raw container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding stats response: %w", err)
	}

	return statsFromResponse(nameOrID, &raw), nil
}

func statsFromResponse(name string, raw *container.StatsResponse) *ContainerStats {
	s := &ContainerStats{
		Container:   name,
		MemoryBytes: raw.MemoryStats.Usage,
		MemoryLimit: raw.MemoryStats.Limit,
		CPUPercent:  cpuPercent(raw),
		PIDs:        raw.PidsStats.Current,
	}

	for _, entry := range raw.BlkioStats.IoServiceBytesRecursive {
		switch entry.Op {
		case "Read", "read":
			s.DiskRead += entry.Value
		case "Write", "write":
			s.DiskWrite += entry.Value
		}
	}

	return s
}

// cpuPercent follows the docker CLI: container CPU delta over system CPU
// delta, scaled by online CPUs.
func cpuPercent(raw *container.StatsResponse) float64 {
	cpuDelta := float64(raw.CPUStats.CPUUsage.TotalUsage) - float64(raw.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(raw.CPUStats.SystemUsage) - float64(raw.PreCPUStats.SystemUsage)

	if cpuDelta <= 0 || sysDelta <= 0 {
		return 0
	}

	cpus := float64(raw.CPUStats.OnlineCPUs)
	if cpus == 0 {
		cpus = float64(len(raw.CPUStats.CPUUsage.PercpuUsage))
	}

	if cpus == 0 {
		cpus = 1
	}

	return cpuDelta / sysDelta * cpus * 100
}
