// Package supervisor spawns container commands and reaps them.
//
// Each running container gets one waiter goroutine that owns the
// blocking Wait and performs the single permitted write-back of the
// terminal state. The supervisor is the sole writer to a container's
// log files; readers tolerate the files growing underneath them.
package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"swarminho/internal/common"
)

// Synthetic exit codes for containers that did not exit on their own.
const (
	// SpawnFailureExitCode is recorded when the OS refused to start
	// the command at all.
	SpawnFailureExitCode = -1

	// StoppedExitCode is recorded when an explicit stop terminated the
	// process group (128 + SIGTERM).
	StoppedExitCode = 143
)

// killEscalationDelay is how long a stopped process group gets to honor
// SIGTERM before SIGKILL.
const killEscalationDelay = 5 * time.Second

// StateSink receives the supervisor's registry write-backs.
type StateSink interface {
	MarkRunning(name string, pid int) error
	MarkExited(name string, exitCode int) error
	MarkFailed(name string, exitCode int) error
	MarkStopped(name string, exitCode int) error
}

// Spec describes one spawn request. Command is the final shell command
// line, already wrapped by the limiter when a memory ceiling was
// requested; the supervisor hands it to the shell as an opaque string.
type Spec struct {
	Name       string
	Command    string
	RootfsPath string
	StdoutPath string
	StderrPath string
}

// Supervisor launches container processes and tracks the live ones.
type Supervisor struct {
	mu     sync.RWMutex
	procs  map[string]*process
	sink   StateSink
	shell  string
	logger *zap.Logger
	wg     sync.WaitGroup
}

type process struct {
	mu      sync.Mutex
	cmd     *exec.Cmd
	pid     int
	stopped bool
}

// New creates a supervisor writing state changes into sink and
// launching commands with the given shell.
func New(sink StateSink, shell string) *Supervisor {
	if shell == "" {
		shell = "/bin/sh"
	}
	return &Supervisor{
		procs:  make(map[string]*process),
		sink:   sink,
		shell:  shell,
		logger: common.ComponentLogger("supervisor"),
	}
}

// Spawn starts the container's command asynchronously and returns its
// pid once the process is launched, not once it finishes.
//
// The command runs in its own process group with its working directory
// confined to the container's rootfs, stdout and stderr redirected into
// the log files (truncated). On success the container is RUNNING; on a
// spawn failure it goes straight to FAILED with a synthetic exit code
// and the reason appended to the stderr log so `logs` surfaces it.
func (s *Supervisor) Spawn(spec Spec) (int, error) {
	stdoutFile, stderrFile, err := openLogFiles(spec)
	if err != nil {
		s.failSpawn(spec, nil, err)
		return 0, common.NewContainerError("spawn", spec.Name, common.ErrSpawn, err)
	}

	cmd := exec.Command(s.shell, "-c", spec.Command)
	cmd.Dir = spec.RootfsPath
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}

	if err := cmd.Start(); err != nil {
		s.failSpawn(spec, stderrFile, err)
		stdoutFile.Close()
		stderrFile.Close()
		return 0, common.NewContainerError("spawn", spec.Name, common.ErrSpawn, err)
	}

	pid := cmd.Process.Pid
	proc := &process{cmd: cmd, pid: pid}

	s.mu.Lock()
	s.procs[spec.Name] = proc
	s.mu.Unlock()

	if err := s.sink.MarkRunning(spec.Name, pid); err != nil {
		s.logger.Error("Failed to record running state",
			zap.String("name", spec.Name),
			zap.Error(err))
	}

	s.logger.Info("Container process started",
		zap.String("name", spec.Name),
		zap.Int("pid", pid))

	s.wg.Add(1)
	go s.wait(spec.Name, proc, stdoutFile, stderrFile)

	return pid, nil
}

// failSpawn records a direct CREATED -> FAILED transition and leaves
// the failure reason in the stderr log.
func (s *Supervisor) failSpawn(spec Spec, stderrFile *os.File, cause error) {
	s.logger.Error("Failed to spawn container",
		zap.String("name", spec.Name),
		zap.Error(cause))

	if stderrFile != nil {
		fmt.Fprintf(stderrFile, "swarminho: spawn failed: %v\n", cause)
	}
	if err := s.sink.MarkFailed(spec.Name, SpawnFailureExitCode); err != nil {
		s.logger.Error("Failed to record spawn failure",
			zap.String("name", spec.Name),
			zap.Error(err))
	}
}

// wait reaps the process and writes back the terminal state.
func (s *Supervisor) wait(name string, proc *process, stdoutFile, stderrFile *os.File) {
	defer s.wg.Done()

	waitErr := proc.cmd.Wait()

	exitCode := 0
	if state := proc.cmd.ProcessState; state != nil {
		exitCode = state.ExitCode()
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			exitCode = 128 + int(ws.Signal())
		}
	}
	if waitErr != nil && exitCode == 0 {
		exitCode = SpawnFailureExitCode
	}

	stdoutFile.Close()
	stderrFile.Close()

	proc.mu.Lock()
	stopped := proc.stopped
	proc.mu.Unlock()

	s.mu.Lock()
	delete(s.procs, name)
	s.mu.Unlock()

	var err error
	switch {
	case stopped:
		err = s.sink.MarkStopped(name, StoppedExitCode)
	case exitCode == 0:
		err = s.sink.MarkExited(name, exitCode)
	default:
		err = s.sink.MarkFailed(name, exitCode)
	}
	if err != nil {
		s.logger.Error("Failed to record terminal state",
			zap.String("name", name),
			zap.Error(err))
	}

	s.logger.Info("Container process finished",
		zap.String("name", name),
		zap.Int("exit_code", exitCode),
		zap.Bool("stopped", stopped))
}

// Stop terminates a running container's process group. The waiter
// observes the death and records the EXITED state with the synthetic
// stopped code.
func (s *Supervisor) Stop(name string) error {
	s.mu.RLock()
	proc, exists := s.procs[name]
	s.mu.RUnlock()

	if !exists {
		return common.NewContainerError("stop", name, common.ErrInvalidState,
			fmt.Errorf("no running process"))
	}

	proc.mu.Lock()
	proc.stopped = true
	pid := proc.pid
	proc.mu.Unlock()

	s.logger.Info("Stopping container process group",
		zap.String("name", name),
		zap.Int("pid", pid))

	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
			return common.NewContainerError("stop", name, common.ErrSpawn, err)
		}
		return nil
	}

	// Escalate if the group ignores SIGTERM.
	go func() {
		time.Sleep(killEscalationDelay)
		_ = syscall.Kill(-pid, syscall.SIGKILL)
	}()

	return nil
}

// Running reports whether the supervisor currently tracks a live
// process for the name.
func (s *Supervisor) Running(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, exists := s.procs[name]
	return exists
}

// ActiveCount returns the number of live supervised processes.
func (s *Supervisor) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.procs)
}

// WaitIdle blocks until every waiter goroutine has finished. Intended
// for orderly shutdown and tests.
func (s *Supervisor) WaitIdle() {
	s.wg.Wait()
}

func openLogFiles(spec Spec) (*os.File, *os.File, error) {
	stdoutFile, err := os.OpenFile(spec.StdoutPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open stdout log: %w", err)
	}
	stderrFile, err := os.OpenFile(spec.StderrPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		stdoutFile.Close()
		return nil, nil, fmt.Errorf("failed to open stderr log: %w", err)
	}
	return stdoutFile, stderrFile, nil
}
