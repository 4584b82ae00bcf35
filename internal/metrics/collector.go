package metrics

import (
	"time"

	"swarminho/internal/common"
	"swarminho/internal/filesystem"
	"swarminho/internal/registry"
)

// Snapshot is a point-in-time view of the host and the orchestrator.
type Snapshot struct {
	Timestamp      time.Time `json:"timestamp"`
	TotalMemMB     int64     `json:"total_mem_mb"`
	AvailableMemMB int64     `json:"available_mem_mb"`
	SwapTotalMB    int64     `json:"swap_total_mb"`
	SwapFreeMB     int64     `json:"swap_free_mb"`
	CPUCount       int       `json:"cpu_count"`
	LoadAvg1M      float64   `json:"load_avg_1m"`
	LoadAvg5M      float64   `json:"load_avg_5m"`
	LoadAvg15M     float64   `json:"load_avg_15m"`
	UptimeSeconds  float64   `json:"uptime_seconds"`

	CreatedContainers  int64   `json:"created_containers"`
	RunningContainers  int     `json:"running_containers"`
	ExitedContainers   int     `json:"exited_containers"`
	FailedContainers   int     `json:"failed_containers"`
	RejectedContainers int64   `json:"rejected_containers"`
	PeakRunning        int     `json:"peak_running"`
	CommittedMemoryMB  int64   `json:"committed_memory_mb"`
	PolicyLimitMB      int64   `json:"policy_limit_mb,omitempty"`
	CommittedFraction  float64 `json:"committed_fraction,omitempty"`
	ContainersOnDisk   int     `json:"containers_on_disk"`
	TotalLogsSizeBytes int64   `json:"total_logs_size_bytes"`

	PerContainer map[string]ContainerSnapshot `json:"per_container,omitempty"`
}

// ContainerSnapshot is the per-container slice of a Snapshot.
type ContainerSnapshot struct {
	Name            string `json:"name"`
	PID             int    `json:"pid,omitempty"`
	State           string `json:"state"`
	MemLimitMB      int64  `json:"mem_limit_mb,omitempty"`
	MemUsageKB      int64  `json:"mem_usage_kb,omitempty"`
	MemUsageMB      int64  `json:"mem_usage_mb,omitempty"`
	StdoutSizeBytes int64  `json:"stdout_size_bytes"`
	StderrSizeBytes int64  `json:"stderr_size_bytes"`
	RootfsSizeBytes int64  `json:"rootfs_size_bytes"`
}

// Collector assembles snapshots from the registry, the on-disk layout
// and procfs. It only reads; it never mutates orchestrator state.
type Collector struct {
	registry      *registry.Registry
	layout        *filesystem.Layout
	proc          ProcReader
	policyLimitMB int64
}

// NewCollector creates a collector. policyLimitMB of 0 means no
// admission policy is in effect.
func NewCollector(reg *registry.Registry, layout *filesystem.Layout, proc ProcReader, policyLimitMB int64) *Collector {
	return &Collector{
		registry:      reg,
		layout:        layout,
		proc:          proc,
		policyLimitMB: policyLimitMB,
	}
}

// Collect builds a snapshot. Host readings that fail are reported as
// zero rather than failing the whole snapshot.
func (c *Collector) Collect() *Snapshot {
	snap := &Snapshot{
		Timestamp:    time.Now(),
		CPUCount:     c.proc.CPUCount(),
		PerContainer: make(map[string]ContainerSnapshot),
	}

	snap.TotalMemMB, _ = c.proc.MemTotalMB()
	snap.AvailableMemMB, _ = c.proc.MemAvailableMB()
	snap.SwapTotalMB, snap.SwapFreeMB = c.proc.SwapMB()
	snap.LoadAvg1M, snap.LoadAvg5M, snap.LoadAvg15M = c.proc.LoadAverage()
	snap.UptimeSeconds, _ = c.proc.UptimeSeconds()

	counts := c.registry.StateCounts()
	snap.RunningContainers = counts[common.StateRunning]
	snap.ExitedContainers = counts[common.StateExited]
	snap.FailedContainers = counts[common.StateFailed]

	counters := c.registry.Counters()
	snap.CreatedContainers = counters.Created
	snap.RejectedContainers = counters.Rejected
	snap.PeakRunning = counters.PeakRunning

	snap.CommittedMemoryMB = c.registry.CommittedMemoryMB()
	if c.policyLimitMB > 0 {
		snap.PolicyLimitMB = c.policyLimitMB
		snap.CommittedFraction = float64(snap.CommittedMemoryMB) / float64(c.policyLimitMB)
	}

	snap.ContainersOnDisk = c.layout.CountContainers()
	snap.TotalLogsSizeBytes = c.layout.TotalLogsSize()

	for _, container := range c.registry.List() {
		snap.PerContainer[container.Name] = c.snapshotContainer(container)
	}

	return snap
}

func (c *Collector) snapshotContainer(container common.Container) ContainerSnapshot {
	cs := ContainerSnapshot{
		Name:       container.Name,
		PID:        container.PID,
		State:      container.State.String(),
		MemLimitMB: container.MemoryLimitMB,
	}
	if container.PID != 0 {
		if usageKB, err := c.proc.PidMemoryKB(container.PID); err == nil {
			cs.MemUsageKB = usageKB
			cs.MemUsageMB = usageKB / 1024
		}
	}
	cs.StdoutSizeBytes, cs.StderrSizeBytes = c.layout.LogSizes(container.Name)
	cs.RootfsSizeBytes = c.layout.RootfsSize(container.Name)
	return cs
}
