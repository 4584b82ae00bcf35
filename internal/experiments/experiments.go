// Package experiments drives scripted workloads through the lifecycle
// engine and records metrics snapshots along the way. Results land as
// JSON files for offline analysis.
package experiments

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"swarminho/internal/common"
	"swarminho/internal/engine"
	"swarminho/internal/metrics"
)

// LabeledSnapshot pairs a metrics snapshot with the phase it was taken in.
type LabeledSnapshot struct {
	Label    string            `json:"label"`
	Snapshot *metrics.Snapshot `json:"snapshot"`
}

// Result is the serialized outcome of one experiment.
type Result struct {
	Name       string            `json:"name"`
	Parameters map[string]any    `json:"parameters"`
	Notes      string            `json:"notes"`
	Snapshots  []LabeledSnapshot `json:"snapshots"`
}

// Options tunes the experiment scenarios. Zero values fall back to the
// scenario defaults.
type Options struct {
	SampleInterval  time.Duration
	SleepSeconds    float64
	MemoryLimitMB   int64
	NContainers     int
	PerContainerMB  int64
	MaxContainers   int
	DurationSeconds float64
}

func (o *Options) applyDefaults() {
	if o.SampleInterval <= 0 {
		o.SampleInterval = 500 * time.Millisecond
	}
	if o.SleepSeconds <= 0 {
		o.SleepSeconds = 2.0
	}
	if o.MemoryLimitMB <= 0 {
		o.MemoryLimitMB = 64
	}
	if o.NContainers <= 0 {
		o.NContainers = 10
	}
	if o.PerContainerMB <= 0 {
		o.PerContainerMB = 128
	}
	if o.MaxContainers <= 0 {
		o.MaxContainers = 50
	}
	if o.DurationSeconds <= 0 {
		o.DurationSeconds = 5.0
	}
}

// Runner executes experiments against one engine.
type Runner struct {
	engine    *engine.Engine
	collector *metrics.Collector
	logger    *zap.Logger
}

// NewRunner creates a runner over an engine and its collector.
func NewRunner(eng *engine.Engine, collector *metrics.Collector) *Runner {
	return &Runner{
		engine:    eng,
		collector: collector,
		logger:    common.ComponentLogger("experiments"),
	}
}

// Run dispatches an experiment by name.
func (r *Runner) Run(name string, opts Options) (*Result, error) {
	opts.applyDefaults()
	switch name {
	case "minimal":
		return r.minimal(opts)
	case "many-small":
		return r.manySmall(opts)
	case "mem-pressure":
		return r.memPressure(opts)
	case "cpu-bound":
		return r.cpuBound(opts)
	default:
		return nil, fmt.Errorf("unknown experiment %q", name)
	}
}

// minimal starts a single sleeping container as a sanity check.
func (r *Runner) minimal(opts Options) (*Result, error) {
	result := &Result{
		Name: "minimal",
		Parameters: map[string]any{
			"sleep_seconds":   opts.SleepSeconds,
			"memory_limit_mb": opts.MemoryLimitMB,
			"sample_interval": opts.SampleInterval.Seconds(),
		},
		Notes: "Sanity check: one sleeping container.",
	}
	r.snapshot(result, "before")

	_, err := r.engine.Run("exp-minimal", sleepCommand(opts.SleepSeconds), opts.MemoryLimitMB)
	if err != nil {
		return nil, err
	}

	r.sampleUntilDrained(result, opts.SampleInterval, 0)
	r.snapshot(result, "after")
	return result, nil
}

// manySmall starts many small sleeping containers in parallel.
func (r *Runner) manySmall(opts Options) (*Result, error) {
	result := &Result{
		Name: "many-small",
		Parameters: map[string]any{
			"n_containers":    opts.NContainers,
			"sleep_seconds":   opts.SleepSeconds,
			"memory_limit_mb": opts.MemoryLimitMB,
			"sample_interval": opts.SampleInterval.Seconds(),
		},
		Notes: "Many small containers to exercise concurrent supervision.",
	}
	r.snapshot(result, "before")

	for i := 0; i < opts.NContainers; i++ {
		name := fmt.Sprintf("exp-many-%03d", i)
		if _, err := r.engine.Run(name, sleepCommand(opts.SleepSeconds), opts.MemoryLimitMB); err != nil {
			return nil, err
		}
	}

	r.sampleUntilDrained(result, opts.SampleInterval, 0)
	r.snapshot(result, "after")
	return result, nil
}

// memPressure creates containers until the memory admission policy
// rejects one, measuring rejections and committed limits.
func (r *Runner) memPressure(opts Options) (*Result, error) {
	result := &Result{
		Name: "mem-pressure",
		Parameters: map[string]any{
			"per_container_mb": opts.PerContainerMB,
			"max_containers":   opts.MaxContainers,
			"sample_interval":  opts.SampleInterval.Seconds(),
			"policy_limit_mb":  r.engine.PolicyLimitMB(),
		},
		Notes: "Creates containers until the admission policy pushes back.",
	}
	r.snapshot(result, "before")

	for i := 0; i < opts.MaxContainers; i++ {
		name := fmt.Sprintf("exp-mem-%03d", i)
		_, err := r.engine.Run(name, "sleep 10", opts.PerContainerMB)
		if err != nil {
			if errors.Is(err, common.ErrMemoryPolicy) {
				r.logger.Info("Admission policy rejected container",
					zap.String("name", name))
				break
			}
			return nil, err
		}
		r.snapshot(result, fmt.Sprintf("after-create-%03d", i))
	}

	r.sampleUntilDrained(result, opts.SampleInterval, 60*time.Second)
	r.snapshot(result, "after")
	return result, nil
}

// cpuBound runs shell busy loops for a fixed duration.
func (r *Runner) cpuBound(opts Options) (*Result, error) {
	result := &Result{
		Name: "cpu-bound",
		Parameters: map[string]any{
			"n_containers":     opts.NContainers,
			"duration_seconds": opts.DurationSeconds,
			"memory_limit_mb":  opts.MemoryLimitMB,
			"sample_interval":  opts.SampleInterval.Seconds(),
		},
		Notes: "CPU-bound busy loops across several containers.",
	}
	r.snapshot(result, "before")

	command := fmt.Sprintf(
		"start=$(date +%%s); while [ $(( $(date +%%s) - start )) -lt %d ]; do :; done",
		int(opts.DurationSeconds))
	for i := 0; i < opts.NContainers; i++ {
		name := fmt.Sprintf("exp-cpu-%03d", i)
		if _, err := r.engine.Run(name, command, opts.MemoryLimitMB); err != nil {
			return nil, err
		}
	}

	r.sampleUntilDrained(result, opts.SampleInterval, 0)
	r.snapshot(result, "after")
	return result, nil
}

func (r *Runner) snapshot(result *Result, label string) {
	result.Snapshots = append(result.Snapshots, LabeledSnapshot{
		Label:    label,
		Snapshot: r.collector.Collect(),
	})
}

// sampleUntilDrained takes periodic snapshots until no container is
// RUNNING, or until the timeout elapses (0 means no timeout).
func (r *Runner) sampleUntilDrained(result *Result, interval, timeout time.Duration) {
	start := time.Now()
	for {
		running := 0
		for _, c := range r.engine.Ps() {
			if c.State == common.StateRunning {
				running++
			}
		}
		if running == 0 {
			return
		}
		if timeout > 0 && time.Since(start) > timeout {
			return
		}
		r.snapshot(result, "running")
		time.Sleep(interval)
	}
}

func sleepCommand(seconds float64) string {
	return fmt.Sprintf("sleep %g", seconds)
}

// AutoOutputPath places a result under results/ with a timestamp.
func AutoOutputPath(experimentName string) string {
	ts := time.Now().Format("2006-01-02_15-04-05")
	return filepath.Join("results", fmt.Sprintf("%s_%s.json", experimentName, ts))
}

// SaveResult serializes a result to a JSON file, creating parent
// directories as needed.
func SaveResult(result *Result, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create results directory: %w", err)
	}
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
