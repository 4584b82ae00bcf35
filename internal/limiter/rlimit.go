package limiter

import "fmt"

// RlimitLimiter bounds the container's virtual address space with the
// shell's ulimit builtin. The limit is set in the shell that execs the
// user command, so it applies before user code runs and is inherited by
// the whole process group. Allocations past the ceiling fail rather
// than grow resident memory.
type RlimitLimiter struct{}

func (RlimitLimiter) Name() string { return "rlimit" }

func (RlimitLimiter) Wrap(name, command string, limitMB int64) (string, error) {
	if err := validateLimit(name, limitMB); err != nil {
		return "", err
	}
	limitKB := limitMB * 1024
	return fmt.Sprintf("ulimit -v %d; exec %s", limitKB, command), nil
}
