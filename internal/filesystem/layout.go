// Package filesystem owns the on-disk layout of container state:
//
//	<root>/<name>/rootfs/
//	<root>/<name>/logs/stdout.log
//	<root>/<name>/logs/stderr.log
//
// Directories are partitioned by container name, so no two containers
// ever contend on the same subtree.
package filesystem

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"swarminho/internal/common"
)

const (
	rootfsDirName = "rootfs"
	logsDirName   = "logs"
	stdoutName    = "stdout.log"
	stderrName    = "stderr.log"
)

// Layout allocates and resolves per-container directories under a
// single containers root.
type Layout struct {
	root   string
	logger *zap.Logger
}

// NewLayout creates a layout rooted at root, creating the root
// directory itself if missing. Failure here is fatal for the
// orchestrator: without the containers root nothing can run.
func NewLayout(root string) (*Layout, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("cannot access containers root %s: %w", root, err)
	}
	return &Layout{
		root:   root,
		logger: common.ComponentLogger("filesystem"),
	}, nil
}

// Root returns the containers root directory.
func (l *Layout) Root() string { return l.root }

// ContainerDir returns <root>/<name>.
func (l *Layout) ContainerDir(name string) string {
	return filepath.Join(l.root, name)
}

// RootfsDir returns <root>/<name>/rootfs.
func (l *Layout) RootfsDir(name string) string {
	return filepath.Join(l.root, name, rootfsDirName)
}

// LogsDir returns <root>/<name>/logs.
func (l *Layout) LogsDir(name string) string {
	return filepath.Join(l.root, name, logsDirName)
}

// StdoutPath returns the stdout log file path for a container.
func (l *Layout) StdoutPath(name string) string {
	return filepath.Join(l.LogsDir(name), stdoutName)
}

// StderrPath returns the stderr log file path for a container.
func (l *Layout) StderrPath(name string) string {
	return filepath.Join(l.LogsDir(name), stderrName)
}

// ValidateName rejects names that would escape the containers root or
// collide with path syntax. Accepted: letters, digits, '_', '-', '.',
// not starting with '-' or '.'.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("container name is empty")
	}
	if name[0] == '-' || name[0] == '.' {
		return fmt.Errorf("invalid container name %q", name)
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '-' || r == '.':
		default:
			return fmt.Errorf("invalid container name %q", name)
		}
	}
	return nil
}

// Exists reports whether a directory structure already exists for the name.
func (l *Layout) Exists(name string) bool {
	info, err := os.Stat(l.ContainerDir(name))
	return err == nil && info.IsDir()
}

// Prepare creates the rootfs and logs directories for a container and
// returns their paths. Preparing the same fresh name twice is
// idempotent: the paths are keyed by name, so it can never hand out
// another container's directory. A partial failure removes whatever
// this call created, leaving no orphaned directories behind.
func (l *Layout) Prepare(name string) (rootfsPath, logsPath string, err error) {
	if err := ValidateName(name); err != nil {
		return "", "", common.NewContainerError("prepare", name, common.ErrAllocation, err)
	}

	containerDir := l.ContainerDir(name)
	if info, serr := os.Stat(containerDir); serr == nil && !info.IsDir() {
		return "", "", common.NewContainerError("prepare", name, common.ErrAllocation,
			fmt.Errorf("%s exists and is not a directory", containerDir))
	}
	created := !l.Exists(name)

	rootfsPath = l.RootfsDir(name)
	logsPath = l.LogsDir(name)

	if err := os.MkdirAll(rootfsPath, 0o755); err != nil {
		l.cleanup(name, created)
		return "", "", common.NewContainerError("prepare", name, common.ErrAllocation, err)
	}
	if err := os.MkdirAll(logsPath, 0o755); err != nil {
		l.cleanup(name, created)
		return "", "", common.NewContainerError("prepare", name, common.ErrAllocation, err)
	}

	l.logger.Debug("Container storage prepared",
		zap.String("name", name),
		zap.String("rootfs", rootfsPath),
		zap.String("logs", logsPath))

	return rootfsPath, logsPath, nil
}

func (l *Layout) cleanup(name string, created bool) {
	if !created {
		return
	}
	if err := os.RemoveAll(l.ContainerDir(name)); err != nil {
		l.logger.Warn("Failed to clean up partial container directory",
			zap.String("name", name),
			zap.Error(err))
	}
}

// ReadLogs returns the current contents of both log files. Missing
// files read as empty: the container may not have been spawned yet, or
// may not have written anything. Safe to call while the supervisor is
// still appending.
func (l *Layout) ReadLogs(name string) (stdout, stderr string, err error) {
	if err := ValidateName(name); err != nil {
		return "", "", common.NewContainerError("logs", name, common.ErrNotFound, err)
	}
	stdout = readFileOrEmpty(l.StdoutPath(name))
	stderr = readFileOrEmpty(l.StderrPath(name))
	return stdout, stderr, nil
}

func readFileOrEmpty(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

// LogSizes returns the sizes of the stdout and stderr log files in bytes.
func (l *Layout) LogSizes(name string) (stdoutBytes, stderrBytes int64) {
	return fileSize(l.StdoutPath(name)), fileSize(l.StderrPath(name))
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// RootfsSize returns the total size in bytes of files under a
// container's rootfs.
func (l *Layout) RootfsSize(name string) int64 {
	var total int64
	_ = filepath.WalkDir(l.RootfsDir(name), func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, ierr := d.Info(); ierr == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}

// CountContainers counts container directories on disk. Directories
// left over from a previous orchestrator process also count: their
// former state is unknown, but their storage is still there.
func (l *Layout) CountContainers() int {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() {
			n++
		}
	}
	return n
}

// TotalLogsSize sums the log file sizes of every container on disk.
func (l *Layout) TotalLogsSize() int64 {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return 0
	}
	var total int64
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		so, se := l.LogSizes(e.Name())
		total += so + se
	}
	return total
}

// Remove deletes a container's storage entirely (rootfs and logs).
// The engine never calls this; it exists for experiment teardown.
func (l *Layout) Remove(name string) error {
	if err := ValidateName(name); err != nil {
		return common.NewContainerError("remove", name, common.ErrAllocation, err)
	}
	return os.RemoveAll(l.ContainerDir(name))
}
