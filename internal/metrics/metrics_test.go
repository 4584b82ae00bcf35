package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swarminho/internal/filesystem"
	"swarminho/internal/registry"
)

func writeProcFixture(t *testing.T) string {
	dir := t.TempDir()
	meminfo := "" +
		"MemTotal:       8192000 kB\n" +
		"MemFree:        2048000 kB\n" +
		"MemAvailable:   4096000 kB\n" +
		"Buffers:         512000 kB\n" +
		"Cached:         1024000 kB\n" +
		"SwapTotal:      2048000 kB\n" +
		"SwapFree:       1024000 kB\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "meminfo"), []byte(meminfo), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "uptime"), []byte("3600.50 7200.00\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "loadavg"), []byte("1.25 0.75 0.50 2/512 4242\n"), 0o644))
	return dir
}

func writePidStatus(t *testing.T, procDir string, pid int, rssKB int64) {
	pidDir := filepath.Join(procDir, fmt.Sprint(pid))
	require.NoError(t, os.MkdirAll(pidDir, 0o755))
	status := fmt.Sprintf("Name:\tsleep\nPid:\t%d\nVmRSS:\t%d kB\n", pid, rssKB)
	require.NoError(t, os.WriteFile(filepath.Join(pidDir, "status"), []byte(status), 0o644))
}

func TestProcReaderMemory(t *testing.T) {
	proc := ProcReader{Path: writeProcFixture(t)}

	total, err := proc.MemTotalMB()
	require.NoError(t, err)
	assert.Equal(t, int64(8000), total)

	avail, err := proc.MemAvailableMB()
	require.NoError(t, err)
	assert.Equal(t, int64(4000), avail)

	swapTotal, swapFree := proc.SwapMB()
	assert.Equal(t, int64(2000), swapTotal)
	assert.Equal(t, int64(1000), swapFree)
}

func TestProcReaderMemAvailableFallback(t *testing.T) {
	dir := t.TempDir()
	meminfo := "" +
		"MemTotal:       8192000 kB\n" +
		"MemFree:        1024000 kB\n" +
		"Buffers:         512000 kB\n" +
		"Cached:          512000 kB\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "meminfo"), []byte(meminfo), 0o644))

	avail, err := ProcReader{Path: dir}.MemAvailableMB()
	require.NoError(t, err)
	assert.Equal(t, int64(2000), avail)
}

func TestProcReaderUptimeAndLoad(t *testing.T) {
	proc := ProcReader{Path: writeProcFixture(t)}

	uptime, err := proc.UptimeSeconds()
	require.NoError(t, err)
	assert.InDelta(t, 3600.5, uptime, 0.001)

	l1, l5, l15 := proc.LoadAverage()
	assert.InDelta(t, 1.25, l1, 0.001)
	assert.InDelta(t, 0.75, l5, 0.001)
	assert.InDelta(t, 0.50, l15, 0.001)

	assert.Greater(t, proc.CPUCount(), 0)
}

func TestProcReaderPidMemory(t *testing.T) {
	dir := writeProcFixture(t)
	writePidStatus(t, dir, 4242, 12345)
	proc := ProcReader{Path: dir}

	rss, err := proc.PidMemoryKB(4242)
	require.NoError(t, err)
	assert.Equal(t, int64(12345), rss)

	_, err = proc.PidMemoryKB(99999)
	assert.Error(t, err)
}

func TestProcReaderMissingFiles(t *testing.T) {
	proc := ProcReader{Path: filepath.Join(t.TempDir(), "empty")}

	_, err := proc.MemTotalMB()
	assert.Error(t, err)
	_, err = proc.UptimeSeconds()
	assert.Error(t, err)

	l1, l5, l15 := proc.LoadAverage()
	assert.Zero(t, l1)
	assert.Zero(t, l5)
	assert.Zero(t, l15)
}

func TestCollectorSnapshot(t *testing.T) {
	procDir := writeProcFixture(t)
	writePidStatus(t, procDir, 4242, 2048)

	layout, err := filesystem.NewLayout(filepath.Join(t.TempDir(), "containers"))
	require.NoError(t, err)

	reg := registry.New()
	_, err = reg.Create("web", "sleep 9", 64, layout.RootfsDir("web"), layout.LogsDir("web"))
	require.NoError(t, err)
	_, _, err = layout.Prepare("web")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(layout.StdoutPath("web"), []byte("hello\n"), 0o644))
	require.NoError(t, reg.MarkRunning("web", 4242))

	_, err = reg.Create("done", "echo hi", 32, layout.RootfsDir("done"), layout.LogsDir("done"))
	require.NoError(t, err)
	require.NoError(t, reg.MarkRunning("done", 7))
	require.NoError(t, reg.MarkExited("done", 0))

	collector := NewCollector(reg, layout, ProcReader{Path: procDir}, 4000)
	snap := collector.Collect()

	assert.Equal(t, int64(8000), snap.TotalMemMB)
	assert.Equal(t, 1, snap.RunningContainers)
	assert.Equal(t, 1, snap.ExitedContainers)
	assert.Equal(t, int64(2), snap.CreatedContainers)
	assert.Equal(t, int64(64), snap.CommittedMemoryMB)
	assert.Equal(t, int64(4000), snap.PolicyLimitMB)
	assert.InDelta(t, 64.0/4000.0, snap.CommittedFraction, 0.0001)
	assert.Equal(t, 1, snap.ContainersOnDisk)
	assert.Equal(t, int64(6), snap.TotalLogsSizeBytes)

	require.Contains(t, snap.PerContainer, "web")
	web := snap.PerContainer["web"]
	assert.Equal(t, "RUNNING", web.State)
	assert.Equal(t, 4242, web.PID)
	assert.Equal(t, int64(2048), web.MemUsageKB)
	assert.Equal(t, int64(2), web.MemUsageMB)
	assert.Equal(t, int64(6), web.StdoutSizeBytes)

	require.Contains(t, snap.PerContainer, "done")
	assert.Equal(t, "EXITED", snap.PerContainer["done"].State)
	assert.Zero(t, snap.PerContainer["done"].MemUsageKB)
}
