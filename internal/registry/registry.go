// Package registry is the authoritative record of every known
// container. All mutation after creation goes through the Mark*
// methods, which the supervisor alone is wired to call; reads return
// point-in-time snapshot copies.
package registry

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"swarminho/internal/common"
)

// Registry holds container records behind a single mutex. List order is
// creation order.
type Registry struct {
	mu         sync.RWMutex
	containers map[string]*common.Container
	order      []string
	logger     *zap.Logger

	// counters
	created     int64
	rejected    int64
	peakRunning int
	running     int
}

// Counters is a snapshot of the registry's lifetime counters.
type Counters struct {
	Created     int64 `json:"created"`
	Rejected    int64 `json:"rejected"`
	PeakRunning int   `json:"peak_running"`
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		containers: make(map[string]*common.Container),
		logger:     common.ComponentLogger("registry"),
	}
}

// Create records a new container in CREATED state. The name is claimed
// atomically: a second Create for the same name fails with
// ErrDuplicateName and mutates nothing.
func (r *Registry) Create(name, command string, memLimitMB int64, rootfsPath, logsPath string) (common.Container, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.containers[name]; exists {
		return common.Container{}, common.NewContainerError("create", name, common.ErrDuplicateName, nil)
	}

	c := &common.Container{
		Name:          name,
		Command:       command,
		MemoryLimitMB: memLimitMB,
		State:         common.StateCreated,
		RootfsPath:    rootfsPath,
		LogsPath:      logsPath,
		CreatedAt:     time.Now(),
	}
	r.containers[name] = c
	r.order = append(r.order, name)
	r.created++

	return c.Snapshot(), nil
}

// Get returns a snapshot of one container.
func (r *Registry) Get(name string) (common.Container, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, exists := r.containers[name]
	if !exists {
		return common.Container{}, common.NewContainerError("get", name, common.ErrNotFound, nil)
	}
	return c.Snapshot(), nil
}

// Exists reports whether the name is known.
func (r *Registry) Exists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.containers[name]
	return exists
}

// List returns snapshots of all containers in creation order.
func (r *Registry) List() []common.Container {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]common.Container, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.containers[name].Snapshot())
	}
	return out
}

// MarkRunning transitions CREATED -> RUNNING and records the pid.
func (r *Registry) MarkRunning(name string, pid int) error {
	return r.transition(name, common.StateCreated, func(c *common.Container) {
		c.State = common.StateRunning
		c.PID = pid
		c.StartedAt = time.Now()
		r.running++
		if r.running > r.peakRunning {
			r.peakRunning = r.running
		}
	})
}

// MarkExited transitions RUNNING -> EXITED with the process exit code.
func (r *Registry) MarkExited(name string, exitCode int) error {
	return r.transition(name, common.StateRunning, func(c *common.Container) {
		r.finish(c, common.StateExited, exitCode)
	})
}

// MarkFailed records a failure. A running container moves RUNNING ->
// FAILED; a container whose spawn failed moves CREATED -> FAILED
// directly, with a synthetic exit code.
func (r *Registry) MarkFailed(name string, exitCode int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, exists := r.containers[name]
	if !exists {
		return common.NewContainerError("update", name, common.ErrNotFound, nil)
	}
	if c.State != common.StateCreated && c.State != common.StateRunning {
		return r.rejectTransition(c, common.StateRunning)
	}
	r.finish(c, common.StateFailed, exitCode)
	return nil
}

// MarkStopped transitions RUNNING -> EXITED with a synthetic code after
// an explicit stop.
func (r *Registry) MarkStopped(name string, exitCode int) error {
	return r.transition(name, common.StateRunning, func(c *common.Container) {
		r.finish(c, common.StateExited, exitCode)
	})
}

// finish applies a terminal state. Caller holds the lock.
func (r *Registry) finish(c *common.Container, state common.ContainerState, exitCode int) {
	if c.State == common.StateRunning {
		r.running--
	}
	c.State = state
	c.ExitCode = exitCode
	c.PID = 0
	c.EndedAt = time.Now()

	r.logger.Info("Container finished",
		zap.String("name", c.Name),
		zap.String("state", state.String()),
		zap.Int("exit_code", exitCode))
}

// transition applies a mutation if the container is in the expected
// state. Transitions are monotonic; anything else is a programming
// error and leaves the record unchanged.
func (r *Registry) transition(name string, from common.ContainerState, apply func(*common.Container)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, exists := r.containers[name]
	if !exists {
		return common.NewContainerError("update", name, common.ErrNotFound, nil)
	}
	if c.State != from {
		return r.rejectTransition(c, from)
	}
	apply(c)
	return nil
}

func (r *Registry) rejectTransition(c *common.Container, wanted common.ContainerState) error {
	r.logger.Error("Rejected non-monotonic state transition",
		zap.String("name", c.Name),
		zap.String("state", c.State.String()),
		zap.String("wanted", wanted.String()))
	return common.NewContainerError("update", c.Name, common.ErrInvalidState, nil)
}

// RecordRejection counts a container rejected by the admission policy.
func (r *Registry) RecordRejection() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejected++
}

// CommittedMemoryMB sums the memory limits of all non-terminal
// containers. Unconstrained containers contribute nothing.
func (r *Registry) CommittedMemoryMB() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var total int64
	for _, c := range r.containers {
		if !c.State.Terminal() {
			total += c.MemoryLimitMB
		}
	}
	return total
}

// StateCounts returns the number of containers per state.
func (r *Registry) StateCounts() map[common.ContainerState]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[common.ContainerState]int)
	for _, c := range r.containers {
		counts[c.State]++
	}
	return counts
}

// Counters returns the lifetime counters.
func (r *Registry) Counters() Counters {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Counters{
		Created:     r.created,
		Rejected:    r.rejected,
		PeakRunning: r.peakRunning,
	}
}
