package hoststats

import (
	"context"
	"runtime"

	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/sirupsen/logrus"
)

// Snapshot is a point-in-time view of the host the runs execute on.
type Snapshot struct {
	OS            string  `json:"os"`
	CPUs          int     `json:"cpus"`
	Load1         float64 `json:"load1"`
	Load5         float64 `json:"load5"`
	Load15        float64 `json:"load15"`
	MemTotal      uint64  `json:"mem_total"`
	MemAvailable  uint64  `json:"mem_available"`
	MemUsedPct    float64 `json:"mem_used_percent"`
	UptimeSeconds uint64  `json:"uptime_seconds"`
}

// Collector reads host metrics.
type Collector interface {
	Collect(ctx context.Context) *Snapshot
}

type collector struct {
	log logrus.FieldLogger
}

// NewCollector creates a Collector.
func NewCollector(log logrus.FieldLogger) Collector {
	return &collector{log: log.WithField("component", "hoststats")}
}

// Collect gathers what the platform supports. Metrics that cannot be read
// are left zero.
func (c *collector) Collect(ctx context.Context) *Snapshot {
	snap := &Snapshot{
		OS:   runtime.GOOS,
		CPUs: runtime.NumCPU(),
	}

	if avg, err := load.AvgWithContext(ctx); err == nil {
		snap.Load1 = avg.Load1
		snap.Load5 = avg.Load5
		snap.Load15 = avg.Load15
	} else {
		c.log.WithError(err).Debug("Load average unavailable")
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.MemTotal = vm.Total
		snap.MemAvailable = vm.Available
		snap.MemUsedPct = vm.UsedPercent
	} else {
		c.log.WithError(err).Debug("Memory stats unavailable")
	}

	if uptime, err := host.UptimeWithContext(ctx); err == nil {
		snap.UptimeSeconds = uptime
	}

	return snap
}
