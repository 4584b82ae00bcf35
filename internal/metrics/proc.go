// Package metrics collects host and per-container readings for the
// metrics command, the HTTP API and the experiment runner.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// ProcReader reads Linux procfs values. Path defaults to /proc; tests
// point it at a fixture directory.
type ProcReader struct {
	Path string
}

func (p ProcReader) root() string {
	if p.Path == "" {
		return "/proc"
	}
	return p.Path
}

// MemTotalMB returns MemTotal from meminfo in MB.
func (p ProcReader) MemTotalMB() (int64, error) {
	fields, err := p.meminfo()
	if err != nil {
		return 0, err
	}
	kb, ok := fields["MemTotal"]
	if !ok {
		return 0, fmt.Errorf("MemTotal not found in %s/meminfo", p.root())
	}
	return kb / 1024, nil
}

// MemAvailableMB returns MemAvailable in MB, estimating it as
// MemFree+Buffers+Cached on kernels that do not report it.
func (p ProcReader) MemAvailableMB() (int64, error) {
	fields, err := p.meminfo()
	if err != nil {
		return 0, err
	}
	if kb, ok := fields["MemAvailable"]; ok {
		return kb / 1024, nil
	}
	return (fields["MemFree"] + fields["Buffers"] + fields["Cached"]) / 1024, nil
}

// SwapMB returns (total, free) swap in MB. Missing readings are zero.
func (p ProcReader) SwapMB() (total, free int64) {
	fields, err := p.meminfo()
	if err != nil {
		return 0, 0
	}
	return fields["SwapTotal"] / 1024, fields["SwapFree"] / 1024
}

func (p ProcReader) meminfo() (map[string]int64, error) {
	data, err := os.ReadFile(filepath.Join(p.root(), "meminfo"))
	if err != nil {
		return nil, fmt.Errorf("failed to read meminfo: %w", err)
	}
	fields := make(map[string]int64)
	for _, line := range strings.Split(string(data), "\n") {
		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}
		key := strings.TrimSuffix(parts[0], ":")
		if val, err := strconv.ParseInt(parts[1], 10, 64); err == nil {
			fields[key] = val
		}
	}
	return fields, nil
}

// UptimeSeconds returns the system uptime.
func (p ProcReader) UptimeSeconds() (float64, error) {
	data, err := os.ReadFile(filepath.Join(p.root(), "uptime"))
	if err != nil {
		return 0, fmt.Errorf("failed to read uptime: %w", err)
	}
	parts := strings.Fields(string(data))
	if len(parts) == 0 {
		return 0, fmt.Errorf("malformed uptime file")
	}
	return strconv.ParseFloat(parts[0], 64)
}

// LoadAverage returns the 1, 5 and 15 minute load averages. Missing
// readings are zero.
func (p ProcReader) LoadAverage() (load1, load5, load15 float64) {
	data, err := os.ReadFile(filepath.Join(p.root(), "loadavg"))
	if err != nil {
		return 0, 0, 0
	}
	parts := strings.Fields(string(data))
	if len(parts) < 3 {
		return 0, 0, 0
	}
	load1, _ = strconv.ParseFloat(parts[0], 64)
	load5, _ = strconv.ParseFloat(parts[1], 64)
	load15, _ = strconv.ParseFloat(parts[2], 64)
	return load1, load5, load15
}

// CPUCount returns the number of logical CPUs.
func (p ProcReader) CPUCount() int {
	return runtime.NumCPU()
}

// PidMemoryKB returns a process's VmRSS in kB from its status file.
func (p ProcReader) PidMemoryKB(pid int) (int64, error) {
	data, err := os.ReadFile(filepath.Join(p.root(), strconv.Itoa(pid), "status"))
	if err != nil {
		return 0, fmt.Errorf("failed to read process status: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 2 {
			break
		}
		return strconv.ParseInt(parts[1], 10, 64)
	}
	return 0, fmt.Errorf("VmRSS not found for pid %d", pid)
}
