// Package engine composes the allocator, limiter, registry and
// supervisor into the container lifecycle operations: run, ps, logs,
// stop. This is the module the shell, the HTTP server and the
// experiment runner call into.
package engine

import (
	"fmt"

	"go.uber.org/zap"

	"swarminho/internal/common"
	"swarminho/internal/filesystem"
	"swarminho/internal/limiter"
	"swarminho/internal/metrics"
	"swarminho/internal/registry"
	"swarminho/internal/supervisor"
)

// Engine is the lifecycle engine facade.
type Engine struct {
	layout     *filesystem.Layout
	limiter    limiter.Limiter
	registry   *registry.Registry
	supervisor *supervisor.Supervisor
	proc       metrics.ProcReader
	logger     *zap.Logger

	// memory admission policy; policyLimitMB == 0 disables it
	policyLimitMB int64
}

// New builds an engine from configuration. It fails when the containers
// root itself cannot be created: with no base directory nothing can
// run, so startup aborts entirely.
func New(cfg *common.Config) (*Engine, error) {
	layout, err := filesystem.NewLayout(cfg.Orchestrator.ContainersRoot)
	if err != nil {
		return nil, err
	}

	reg := registry.New()
	proc := metrics.ProcReader{Path: cfg.Orchestrator.ProcPath}

	var policyLimitMB int64
	if fraction := cfg.Orchestrator.MemoryPolicyFraction; fraction > 0 {
		totalMB, err := proc.MemTotalMB()
		if err != nil {
			return nil, fmt.Errorf("memory policy requires readable meminfo: %w", err)
		}
		policyLimitMB = int64(float64(totalMB) * fraction)
	}

	e := &Engine{
		layout:        layout,
		limiter:       limiter.New(cfg.Limiter),
		registry:      reg,
		supervisor:    supervisor.New(reg, cfg.Orchestrator.Shell),
		proc:          proc,
		logger:        common.ComponentLogger("engine"),
		policyLimitMB: policyLimitMB,
	}

	e.logger.Info("Lifecycle engine initialized",
		zap.String("containers_root", layout.Root()),
		zap.String("limiter", e.limiter.Name()),
		zap.Int64("policy_limit_mb", policyLimitMB))

	return e, nil
}

// Run creates and starts a container, returning once the process is
// launched. memLimitMB of 0 means unconstrained.
//
// Pre-spawn failures (duplicate name, admission rejection, limit not
// enforceable, allocation) are returned synchronously and leave no
// partial state. A post-start failure is recorded on the container
// itself; logs is the recovery path for diagnosing it.
func (e *Engine) Run(name, command string, memLimitMB int64) (common.Container, error) {
	if command == "" {
		return common.Container{}, common.NewContainerError("run", name, common.ErrSpawn,
			fmt.Errorf("command is empty"))
	}
	if memLimitMB < 0 {
		return common.Container{}, common.NewContainerError("run", name, common.ErrLimit,
			fmt.Errorf("memory limit must be positive, got %d", memLimitMB))
	}
	if err := filesystem.ValidateName(name); err != nil {
		return common.Container{}, common.NewContainerError("run", name, common.ErrAllocation, err)
	}

	// Fail fast before touching the disk. The authoritative claim is
	// registry.Create below; this only keeps duplicate runs from doing
	// allocation work. Same-name directories are shared by definition,
	// so a lost race never yields a second directory pair.
	if e.registry.Exists(name) {
		return common.Container{}, common.NewContainerError("run", name, common.ErrDuplicateName, nil)
	}

	if err := e.admit(name, memLimitMB); err != nil {
		return common.Container{}, err
	}

	wrapped := command
	if memLimitMB > 0 {
		var err error
		wrapped, err = e.limiter.Wrap(name, command, memLimitMB)
		if err != nil {
			return common.Container{}, err
		}
	}

	rootfsPath, logsPath, err := e.layout.Prepare(name)
	if err != nil {
		return common.Container{}, err
	}

	if _, err := e.registry.Create(name, command, memLimitMB, rootfsPath, logsPath); err != nil {
		return common.Container{}, err
	}

	e.logger.Info("Starting container",
		zap.String("name", name),
		zap.Int64("memory_limit_mb", memLimitMB))

	_, err = e.supervisor.Spawn(supervisor.Spec{
		Name:       name,
		Command:    wrapped,
		RootfsPath: rootfsPath,
		StdoutPath: e.layout.StdoutPath(name),
		StderrPath: e.layout.StderrPath(name),
	})
	if err != nil {
		// The registry entry stays, recorded as FAILED.
		return common.Container{}, err
	}

	return e.registry.Get(name)
}

// admit applies the memory admission policy: the committed limits of
// all live containers plus the new request must stay under the policy
// ceiling.
func (e *Engine) admit(name string, memLimitMB int64) error {
	if e.policyLimitMB == 0 || memLimitMB == 0 {
		return nil
	}
	committed := e.registry.CommittedMemoryMB()
	if committed+memLimitMB > e.policyLimitMB {
		e.registry.RecordRejection()
		return common.NewContainerError("run", name, common.ErrMemoryPolicy,
			fmt.Errorf("committed %d MB + requested %d MB exceeds policy limit %d MB",
				committed, memLimitMB, e.policyLimitMB))
	}
	return nil
}

// Ps returns all containers in creation order.
func (e *Engine) Ps() []common.Container {
	return e.registry.List()
}

// Get returns one container's record.
func (e *Engine) Get(name string) (common.Container, error) {
	return e.registry.Get(name)
}

// Logs returns the current contents of both log streams. Readable
// while the container is still running.
func (e *Engine) Logs(name string) (stdout, stderr string, err error) {
	if !e.registry.Exists(name) {
		return "", "", common.NewContainerError("logs", name, common.ErrNotFound, nil)
	}
	return e.layout.ReadLogs(name)
}

// Stop terminates a running container. It ends up EXITED with a
// synthetic code once the waiter reaps the process group.
func (e *Engine) Stop(name string) error {
	c, err := e.registry.Get(name)
	if err != nil {
		return err
	}
	if c.State != common.StateRunning {
		return common.NewContainerError("stop", name, common.ErrInvalidState,
			fmt.Errorf("container is %s", c.State))
	}
	return e.supervisor.Stop(name)
}

// MemoryUsageKB returns the resident set size of a running container's
// process in kB.
func (e *Engine) MemoryUsageKB(name string) (int64, error) {
	c, err := e.registry.Get(name)
	if err != nil {
		return 0, err
	}
	if c.PID == 0 {
		return 0, common.NewContainerError("memory", name, common.ErrInvalidState,
			fmt.Errorf("container is %s", c.State))
	}
	return e.proc.PidMemoryKB(c.PID)
}

// Registry exposes the registry for metrics collection.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// Layout exposes the filesystem layout for metrics collection.
func (e *Engine) Layout() *filesystem.Layout { return e.layout }

// PolicyLimitMB returns the admission ceiling in MB, 0 when disabled.
func (e *Engine) PolicyLimitMB() int64 { return e.policyLimitMB }

// Drain blocks until every supervised process has been reaped.
func (e *Engine) Drain() {
	e.supervisor.WaitIdle()
}
