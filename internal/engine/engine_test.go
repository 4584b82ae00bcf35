package engine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swarminho/internal/common"
)

func newTestConfig(t *testing.T) *common.Config {
	cfg := common.DefaultConfig()
	cfg.Orchestrator.ContainersRoot = filepath.Join(t.TempDir(), "containers")
	cfg.Orchestrator.Shell = "/bin/sh"
	cfg.Orchestrator.MemoryPolicyFraction = 0
	cfg.Limiter.Backend = "rlimit"
	return cfg
}

func newTestEngine(t *testing.T) *Engine {
	eng, err := New(newTestConfig(t))
	require.NoError(t, err)
	return eng
}

// writeFakeProc builds a procfs fixture reporting the given MemTotal.
func writeFakeProc(t *testing.T, totalKB int64) string {
	dir := t.TempDir()
	meminfo := fmt.Sprintf("MemTotal:       %d kB\nMemFree:        %d kB\nMemAvailable:   %d kB\n",
		totalKB, totalKB/2, totalKB/2)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "meminfo"), []byte(meminfo), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "uptime"), []byte("100.00 200.00\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "loadavg"), []byte("0.50 0.40 0.30 1/100 12345\n"), 0o644))
	return dir
}

func waitForState(t *testing.T, eng *Engine, name string, state common.ContainerState) common.Container {
	t.Helper()
	var c common.Container
	require.Eventually(t, func() bool {
		var err error
		c, err = eng.Get(name)
		return err == nil && c.State == state
	}, 10*time.Second, 25*time.Millisecond, "container %s never reached %s", name, state)
	return c
}

func TestRunCreatesContainer(t *testing.T) {
	eng := newTestEngine(t)

	c, err := eng.Run("web", "echo HELLO", 0)
	require.NoError(t, err)
	assert.Equal(t, "web", c.Name)
	assert.DirExists(t, c.RootfsPath)
	assert.DirExists(t, c.LogsPath)

	list := eng.Ps()
	require.Len(t, list, 1)
	assert.Equal(t, "web", list[0].Name)

	final := waitForState(t, eng, "web", common.StateExited)
	assert.Equal(t, 0, final.ExitCode)
	assert.Zero(t, final.PID)
	assert.False(t, final.EndedAt.IsZero())

	stdout, _, err := eng.Logs("web")
	require.NoError(t, err)
	assert.Contains(t, stdout, "HELLO")
}

func TestRunDuplicateName(t *testing.T) {
	eng := newTestEngine(t)

	_, err := eng.Run("dup", "sleep 1", 0)
	require.NoError(t, err)

	// While the first is still alive.
	_, err = eng.Run("dup", "echo again", 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrDuplicateName))

	waitForState(t, eng, "dup", common.StateExited)

	// And after it completed: names stay claimed for the life of the
	// orchestrator.
	_, err = eng.Run("dup", "echo again", 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrDuplicateName))

	assert.Len(t, eng.Ps(), 1)
}

func TestRunInvalidArguments(t *testing.T) {
	eng := newTestEngine(t)

	_, err := eng.Run("web", "", 0)
	assert.Error(t, err)

	_, err = eng.Run("web", "echo hi", -5)
	assert.True(t, errors.Is(err, common.ErrLimit))

	_, err = eng.Run("../escape", "echo hi", 0)
	assert.True(t, errors.Is(err, common.ErrAllocation))

	// Nothing leaked into the registry.
	assert.Empty(t, eng.Ps())
}

func TestUnknownNameQueries(t *testing.T) {
	eng := newTestEngine(t)

	_, _, err := eng.Logs("nope")
	assert.True(t, errors.Is(err, common.ErrNotFound))

	err = eng.Stop("nope")
	assert.True(t, errors.Is(err, common.ErrNotFound))

	_, err = eng.Get("nope")
	assert.True(t, errors.Is(err, common.ErrNotFound))
}

func TestStateMonotonicity(t *testing.T) {
	eng := newTestEngine(t)

	_, err := eng.Run("mono", "sleep 0.3", 0)
	require.NoError(t, err)

	// Observed states at successive reads must be a subsequence of
	// CREATED -> RUNNING -> EXITED.
	rank := map[common.ContainerState]int{
		common.StateCreated: 0,
		common.StateRunning: 1,
		common.StateExited:  2,
	}
	last := -1
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		c, err := eng.Get("mono")
		require.NoError(t, err)
		r, ok := rank[c.State]
		require.True(t, ok, "unexpected state %s", c.State)
		require.GreaterOrEqual(t, r, last, "state went backward")
		last = r
		if c.State == common.StateExited {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("container never exited")
}

func TestPidOnlyWhileRunning(t *testing.T) {
	eng := newTestEngine(t)

	_, err := eng.Run("pidful", "sleep 1", 0)
	require.NoError(t, err)

	c := waitForState(t, eng, "pidful", common.StateRunning)
	assert.NotZero(t, c.PID)
	assert.False(t, c.StartedAt.IsZero())

	c = waitForState(t, eng, "pidful", common.StateExited)
	assert.Zero(t, c.PID)
}

func TestMissingExecutableEndsFailed(t *testing.T) {
	eng := newTestEngine(t)

	_, err := eng.Run("broken", "definitely-not-a-command-xyz", 0)
	require.NoError(t, err) // the shell itself spawned

	c := waitForState(t, eng, "broken", common.StateFailed)
	assert.NotZero(t, c.ExitCode)
}

func TestSpawnFailureRecordedAsFailed(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Orchestrator.Shell = "/nonexistent/shell"
	eng, err := New(cfg)
	require.NoError(t, err)

	_, err = eng.Run("noshell", "echo hi", 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrSpawn))

	c, err := eng.Get("noshell")
	require.NoError(t, err)
	assert.Equal(t, common.StateFailed, c.State)
	assert.NotZero(t, c.ExitCode)

	// The reason is diagnosable through logs.
	_, stderr, err := eng.Logs("noshell")
	require.NoError(t, err)
	assert.Contains(t, stderr, "spawn failed")
}

func TestLogsReadableWhileRunning(t *testing.T) {
	eng := newTestEngine(t)

	_, err := eng.Run("streamer", "echo EARLY; sleep 2", 0)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stdout, _, err := eng.Logs("streamer")
		if err != nil {
			return false
		}
		c, err := eng.Get("streamer")
		return err == nil && c.State == common.StateRunning && stdout != ""
	}, 2*time.Second, 10*time.Millisecond)

	stdout, _, err := eng.Logs("streamer")
	require.NoError(t, err)
	assert.Contains(t, stdout, "EARLY")
}

func TestConcurrentRunsAreIndependent(t *testing.T) {
	eng := newTestEngine(t)

	start := time.Now()
	_, err := eng.Run("a", "sleep 2", 0)
	require.NoError(t, err)
	_, err = eng.Run("b", "sleep 2", 0)
	require.NoError(t, err)
	// Both returned within spawn time, not 2x the sleep.
	assert.Less(t, time.Since(start), time.Second)

	waitForState(t, eng, "a", common.StateExited)
	waitForState(t, eng, "b", common.StateExited)
}

func TestStopTransitionsToExited(t *testing.T) {
	eng := newTestEngine(t)

	_, err := eng.Run("longrun", "sleep 60", 0)
	require.NoError(t, err)
	waitForState(t, eng, "longrun", common.StateRunning)

	require.NoError(t, eng.Stop("longrun"))

	c := waitForState(t, eng, "longrun", common.StateExited)
	assert.Equal(t, 143, c.ExitCode)
	assert.Zero(t, c.PID)

	// Stopping again is an orderly error, not a crash.
	assert.Error(t, eng.Stop("longrun"))
}

func TestMemoryLimitEnforced(t *testing.T) {
	eng := newTestEngine(t)

	// 2 MB of address space is not enough to exec anything; the capped
	// container must end FAILED while the uncapped twin succeeds.
	_, err := eng.Run("capped", "sleep 0.2", 2)
	require.NoError(t, err)
	_, err = eng.Run("uncapped", "sleep 0.2", 0)
	require.NoError(t, err)

	capped := waitForState(t, eng, "capped", common.StateFailed)
	assert.NotZero(t, capped.ExitCode)
	waitForState(t, eng, "uncapped", common.StateExited)
}

func TestMemoryUsageOfRunningContainer(t *testing.T) {
	eng := newTestEngine(t)

	_, err := eng.Run("measured", "sleep 1", 0)
	require.NoError(t, err)
	waitForState(t, eng, "measured", common.StateRunning)

	usageKB, err := eng.MemoryUsageKB("measured")
	require.NoError(t, err)
	assert.Greater(t, usageKB, int64(0))

	c := waitForState(t, eng, "measured", common.StateExited)
	_, err = eng.MemoryUsageKB(c.Name)
	assert.Error(t, err)
}

func TestMemoryAdmissionPolicy(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Orchestrator.ProcPath = writeFakeProc(t, 1024*1000) // 1000 MB
	cfg.Orchestrator.MemoryPolicyFraction = 0.5             // policy limit: 500 MB
	eng, err := New(cfg)
	require.NoError(t, err)
	assert.Equal(t, int64(500), eng.PolicyLimitMB())

	_, err = eng.Run("big", "sleep 2", 400)
	require.NoError(t, err)

	// 400 + 200 > 500: rejected before any state is created.
	_, err = eng.Run("over", "sleep 2", 200)
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrMemoryPolicy))
	_, err = eng.Get("over")
	assert.True(t, errors.Is(err, common.ErrNotFound))
	assert.NoDirExists(t, filepath.Join(cfg.Orchestrator.ContainersRoot, "over"))

	// Unconstrained containers pass regardless.
	_, err = eng.Run("free", "sleep 0.1", 0)
	require.NoError(t, err)

	assert.Equal(t, int64(1), eng.Registry().Counters().Rejected)

	// Once the big one is gone its commitment is released.
	require.NoError(t, eng.Stop("big"))
	waitForState(t, eng, "big", common.StateExited)
	_, err = eng.Run("after", "sleep 0.1", 200)
	require.NoError(t, err)

	eng.Drain()
}
