package supervisor

import (
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSink captures the supervisor's registry write-backs.
type recordingSink struct {
	mu      sync.Mutex
	running map[string]int
	exited  map[string]int
	failed  map[string]int
	stopped map[string]int
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		running: make(map[string]int),
		exited:  make(map[string]int),
		failed:  make(map[string]int),
		stopped: make(map[string]int),
	}
}

func (s *recordingSink) MarkRunning(name string, pid int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[name] = pid
	return nil
}

func (s *recordingSink) MarkExited(name string, exitCode int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exited[name] = exitCode
	return nil
}

func (s *recordingSink) MarkFailed(name string, exitCode int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[name] = exitCode
	return nil
}

func (s *recordingSink) MarkStopped(name string, exitCode int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped[name] = exitCode
	return nil
}

func (s *recordingSink) exitedCode(name string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	code, ok := s.exited[name]
	return code, ok
}

func (s *recordingSink) failedCode(name string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	code, ok := s.failed[name]
	return code, ok
}

func (s *recordingSink) stoppedCode(name string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	code, ok := s.stopped[name]
	return code, ok
}

func newTestSpec(t *testing.T, name, command string) Spec {
	dir := t.TempDir()
	rootfs := filepath.Join(dir, "rootfs")
	logs := filepath.Join(dir, "logs")
	require.NoError(t, os.MkdirAll(rootfs, 0o755))
	require.NoError(t, os.MkdirAll(logs, 0o755))
	return Spec{
		Name:       name,
		Command:    command,
		RootfsPath: rootfs,
		StdoutPath: filepath.Join(logs, "stdout.log"),
		StderrPath: filepath.Join(logs, "stderr.log"),
	}
}

func TestSpawnCapturesOutput(t *testing.T) {
	sink := newRecordingSink()
	sup := New(sink, "/bin/sh")
	spec := newTestSpec(t, "echoer", "echo HELLO; echo OOPS >&2")

	pid, err := sup.Spawn(spec)
	require.NoError(t, err)
	assert.Greater(t, pid, 0)

	sup.WaitIdle()

	code, ok := sink.exitedCode("echoer")
	require.True(t, ok)
	assert.Equal(t, 0, code)

	stdout, err := os.ReadFile(spec.StdoutPath)
	require.NoError(t, err)
	assert.Contains(t, string(stdout), "HELLO")

	stderr, err := os.ReadFile(spec.StderrPath)
	require.NoError(t, err)
	assert.Contains(t, string(stderr), "OOPS")
}

func TestSpawnRunsInRootfs(t *testing.T) {
	sink := newRecordingSink()
	sup := New(sink, "/bin/sh")
	spec := newTestSpec(t, "cwd", "pwd")

	_, err := sup.Spawn(spec)
	require.NoError(t, err)
	sup.WaitIdle()

	stdout, err := os.ReadFile(spec.StdoutPath)
	require.NoError(t, err)
	assert.Contains(t, string(stdout), spec.RootfsPath)
}

func TestSpawnTruncatesOldLogs(t *testing.T) {
	sink := newRecordingSink()
	sup := New(sink, "/bin/sh")
	spec := newTestSpec(t, "fresh", "echo NEW")
	require.NoError(t, os.WriteFile(spec.StdoutPath, []byte("STALE\n"), 0o644))

	_, err := sup.Spawn(spec)
	require.NoError(t, err)
	sup.WaitIdle()

	stdout, err := os.ReadFile(spec.StdoutPath)
	require.NoError(t, err)
	assert.Contains(t, string(stdout), "NEW")
	assert.NotContains(t, string(stdout), "STALE")
}

func TestMissingExecutableFails(t *testing.T) {
	sink := newRecordingSink()
	sup := New(sink, "/bin/sh")
	spec := newTestSpec(t, "broken", "definitely-not-a-command-xyz")

	_, err := sup.Spawn(spec)
	require.NoError(t, err)
	sup.WaitIdle()

	code, ok := sink.failedCode("broken")
	require.True(t, ok)
	assert.NotZero(t, code)
}

func TestSpawnFailureWithBadShell(t *testing.T) {
	sink := newRecordingSink()
	sup := New(sink, "/nonexistent/shell")
	spec := newTestSpec(t, "noshell", "echo hi")

	_, err := sup.Spawn(spec)
	require.Error(t, err)

	code, ok := sink.failedCode("noshell")
	require.True(t, ok)
	assert.Equal(t, SpawnFailureExitCode, code)

	// The failure reason lands in the stderr log for `logs` to surface.
	stderr, rerr := os.ReadFile(spec.StderrPath)
	require.NoError(t, rerr)
	assert.Contains(t, string(stderr), "spawn failed")

	assert.False(t, sup.Running("noshell"))
}

func TestSpawnIsNonBlocking(t *testing.T) {
	sink := newRecordingSink()
	sup := New(sink, "/bin/sh")
	spec := newTestSpec(t, "sleeper", "sleep 5")

	start := time.Now()
	_, err := sup.Spawn(spec)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)

	assert.True(t, sup.Running("sleeper"))
	require.NoError(t, sup.Stop("sleeper"))
	sup.WaitIdle()
}

func TestStopTerminatesProcessGroup(t *testing.T) {
	sink := newRecordingSink()
	sup := New(sink, "/bin/sh")
	spec := newTestSpec(t, "stoppee", "sleep 60")

	pid, err := sup.Spawn(spec)
	require.NoError(t, err)
	require.NoError(t, sup.Stop("stoppee"))
	sup.WaitIdle()

	code, ok := sink.stoppedCode("stoppee")
	require.True(t, ok)
	assert.Equal(t, StoppedExitCode, code)
	assert.False(t, sup.Running("stoppee"))

	// The process group is gone.
	assert.Error(t, syscall.Kill(-pid, 0))
}

func TestStopUnknownName(t *testing.T) {
	sup := New(newRecordingSink(), "/bin/sh")
	assert.Error(t, sup.Stop("ghost"))
}

func TestConcurrentSpawns(t *testing.T) {
	sink := newRecordingSink()
	sup := New(sink, "/bin/sh")

	specs := make([]Spec, 4)
	start := time.Now()
	for i := range specs {
		specs[i] = newTestSpec(t, "par-"+string(rune('a'+i)), "sleep 1")
		_, err := sup.Spawn(specs[i])
		require.NoError(t, err)
	}
	// All four returned within spawn time, not 4x sleep.
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 4, sup.ActiveCount())

	sup.WaitIdle()
	for i := range specs {
		code, ok := sink.exitedCode(specs[i].Name)
		require.True(t, ok, specs[i].Name)
		assert.Equal(t, 0, code)
	}
}
