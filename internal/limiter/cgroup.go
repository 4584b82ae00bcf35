package limiter

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"

	"swarminho/internal/common"
)

// CgroupLimiter enforces the ceiling with a cgroup v1 memory controller.
// Wrap creates the per-container cgroup and writes the byte limit up
// front; the wrapped command moves the shell into the cgroup before
// exec'ing user code, so enrollment happens on the container's own side
// of the fork with no unconstrained window.
type CgroupLimiter struct {
	cgroupsPath string
	groupName   string
	logger      *zap.Logger
}

// NewCgroupLimiter creates a cgroup limiter rooted at
// <cgroupsPath>/memory/<groupName>.
func NewCgroupLimiter(cgroupsPath, groupName string) *CgroupLimiter {
	if cgroupsPath == "" {
		cgroupsPath = "/sys/fs/cgroup"
	}
	if groupName == "" {
		groupName = "swarminho"
	}
	return &CgroupLimiter{
		cgroupsPath: cgroupsPath,
		groupName:   groupName,
		logger:      common.ComponentLogger("cgroup-limiter"),
	}
}

func (c *CgroupLimiter) Name() string { return "cgroup" }

func (c *CgroupLimiter) Wrap(name, command string, limitMB int64) (string, error) {
	if err := validateLimit(name, limitMB); err != nil {
		return "", err
	}

	cgroupDir := filepath.Join(c.cgroupsPath, "memory", c.groupName, name)
	if err := os.MkdirAll(cgroupDir, 0o755); err != nil {
		return "", common.NewContainerError("limit", name, common.ErrLimit,
			fmt.Errorf("failed to create cgroup: %w", err))
	}

	limitBytes := limitMB * 1024 * 1024
	limitFile := filepath.Join(cgroupDir, "memory.limit_in_bytes")
	if err := writeCgroupFile(limitFile, strconv.FormatInt(limitBytes, 10)); err != nil {
		return "", common.NewContainerError("limit", name, common.ErrLimit,
			fmt.Errorf("failed to set memory limit: %w", err))
	}

	c.logger.Debug("Memory cgroup prepared",
		zap.String("name", name),
		zap.String("cgroup", cgroupDir),
		zap.Int64("limit_bytes", limitBytes))

	procsFile := filepath.Join(cgroupDir, "cgroup.procs")
	return fmt.Sprintf("echo $$ > %s; exec %s", procsFile, command), nil
}

func writeCgroupFile(path, value string) error {
	file, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer file.Close()

	_, err = file.WriteString(value)
	return err
}
