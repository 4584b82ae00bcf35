package common

import "time"

// ContainerState is the lifecycle state of a container.
type ContainerState int

const (
	StateCreated ContainerState = iota
	StateRunning
	StateExited
	StateFailed
)

// String returns the container state string.
func (cs ContainerState) String() string {
	switch cs {
	case StateCreated:
		return "CREATED"
	case StateRunning:
		return "RUNNING"
	case StateExited:
		return "EXITED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the state is a final one.
func (cs ContainerState) Terminal() bool {
	return cs == StateExited || cs == StateFailed
}

// Container is the registry record for a single container.
//
// Name, Command, MemoryLimitMB and the two paths are fixed at creation.
// State, PID, ExitCode and the timestamps are mutated only by the
// supervisor through the registry. PID is non-zero only while RUNNING;
// ExitCode is meaningful only in a terminal state.
type Container struct {
	Name          string         `json:"name"`
	Command       string         `json:"command"`
	MemoryLimitMB int64          `json:"memory_limit_mb,omitempty"` // 0 means unconstrained
	State         ContainerState `json:"-"`
	StateName     string         `json:"state"`
	PID           int            `json:"pid,omitempty"`
	ExitCode      int            `json:"exit_code"`
	RootfsPath    string         `json:"rootfs_path"`
	LogsPath      string         `json:"logs_path"`
	CreatedAt     time.Time      `json:"created_at"`
	StartedAt     time.Time      `json:"started_at,omitzero"`
	EndedAt       time.Time      `json:"ended_at,omitzero"`
}

// Snapshot returns a copy with StateName filled in for serialization.
func (c Container) Snapshot() Container {
	c.StateName = c.State.String()
	return c
}
