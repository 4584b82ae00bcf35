// Package limiter translates a requested memory ceiling into an
// enforceable OS-level constraint on a container's process group.
//
// Backends work by rewriting the container's shell command so the
// constraint is in place before any user code executes; there is no
// window where the child runs unconstrained.
package limiter

import (
	"fmt"

	"swarminho/internal/common"
)

// Limiter wraps a container command with a memory constraint.
type Limiter interface {
	// Name identifies the backend.
	Name() string

	// Wrap returns a shell command line that applies limitMB to the
	// container before executing command. limitMB must be positive.
	// Failure to arrange enforcement is a hard error: the container
	// must not start unconstrained when a limit was requested.
	Wrap(name, command string, limitMB int64) (string, error)
}

// New selects a limiter backend from configuration.
func New(cfg common.LimiterConfig) Limiter {
	switch cfg.Backend {
	case "", "rlimit":
		return RlimitLimiter{}
	case "cgroup":
		return NewCgroupLimiter(cfg.CgroupsPath, cfg.CgroupName)
	default:
		return Unsupported{Backend: cfg.Backend}
	}
}

// Unsupported is the backend used when the configured platform support
// is absent. Every limit request degrades to a hard error rather than a
// silent bypass.
type Unsupported struct {
	Backend string
}

func (u Unsupported) Name() string { return "unsupported" }

func (u Unsupported) Wrap(name, command string, limitMB int64) (string, error) {
	return "", common.NewContainerError("limit", name, common.ErrLimit,
		fmt.Errorf("limiter backend %q is not supported on this platform", u.Backend))
}

func validateLimit(name string, limitMB int64) error {
	if limitMB <= 0 {
		return common.NewContainerError("limit", name, common.ErrLimit,
			fmt.Errorf("memory limit must be a positive number of MB, got %d", limitMB))
	}
	return nil
}
