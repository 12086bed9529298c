package docker

import (
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/stretchr/testify/assert"
)

func TestStatsFromResponse(t *testing.T) {
	raw := &container.StatsResponse{
		MemoryStats: container.MemoryStats{Usage: 512, Limit: 2048},
		PidsStats:   container.PidsStats{Current: 7},
		BlkioStats: container.BlkioStats{
			IoServiceBytesRecursive: []container.BlkioStatEntry{
				{Op: "Read", Value: 100},
				{Op: "read", Value: 50},
				{Op: "Write", Value: 30},
				{Op: "Total", Value: 180},
			},
		},
	}

	s := statsFromResponse("qadash-a-tr-1", raw)

	assert.Equal(t, "qadash-a-tr-1", s.Container)
	assert.Equal(t, uint64(512), s.MemoryBytes)
	assert.Equal(t, uint64(2048), s.MemoryLimit)
	assert.Equal(t, uint64(7), s.PIDs)
	assert.Equal(t, uint64(150), s.DiskRead)
	assert.Equal(t, uint64(30), s.DiskWrite)
}

func TestCPUPercent(t *testing.T) {
	sample := func(cpu, sys, preCPU, preSys uint64, online uint32, percpu int) *container.StatsResponse {
		r := &container.StatsResponse{}
		r.CPUStats.CPUUsage.TotalUsage = cpu
		r.CPUStats.SystemUsage = sys
		r.CPUStats.OnlineCPUs = online
		r.CPUStats.CPUUsage.PercpuUsage = make([]uint64, percpu)
		r.PreCPUStats.CPUUsage.TotalUsage = preCPU
		r.PreCPUStats.SystemUsage = preSys

		return r
	}

	tests := []struct {
		name string
		raw  *container.StatsResponse
		want float64
	}{
		{name: "online cpus", raw: sample(200, 2000, 100, 1000, 4, 0), want: 40},
		{name: "percpu fallback", raw: sample(200, 2000, 100, 1000, 0, 2), want: 20},
		{name: "no cpu count", raw: sample(200, 2000, 100, 1000, 0, 0), want: 10},
		{name: "first sample", raw: sample(200, 2000, 0, 0, 4, 0), want: 40},
		{name: "no progress", raw: sample(100, 1000, 100, 1000, 4, 0), want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, cpuPercent(tt.raw), 0.0001)
		})
	}
}
