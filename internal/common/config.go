package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the global orchestrator configuration.
type Config struct {
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Limiter      LimiterConfig      `yaml:"limiter"`
	Server       ServerConfig       `yaml:"server"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// OrchestratorConfig configures the lifecycle engine.
type OrchestratorConfig struct {
	ContainersRoot string `yaml:"containers_root"`
	Shell          string `yaml:"shell"`
	ProcPath       string `yaml:"proc_path"`
	// MemoryPolicyFraction caps the sum of committed memory limits at
	// this fraction of MemTotal. 0 disables the admission check.
	MemoryPolicyFraction float64 `yaml:"memory_policy_fraction"`
}

// LimiterConfig configures the resource limiter backend.
type LimiterConfig struct {
	Backend     string `yaml:"backend"` // rlimit, cgroup, none
	CgroupsPath string `yaml:"cgroups_path"`
	CgroupName  string `yaml:"cgroup_name"`
}

// ServerConfig configures the HTTP status API.
type ServerConfig struct {
	Address      string        `yaml:"address"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// LoggingConfig configures the orchestrator's own logging.
type LoggingConfig struct {
	Development bool   `yaml:"development"`
	File        string `yaml:"file"` // empty means stderr only
	MaxSizeMB   int    `yaml:"max_size_mb"`
	MaxBackups  int    `yaml:"max_backups"`
	MaxAgeDays  int    `yaml:"max_age_days"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Orchestrator: OrchestratorConfig{
			ContainersRoot:       getEnvOrDefault("SWARMINHO_CONTAINERS_ROOT", "containers"),
			Shell:                getEnvOrDefault("SWARMINHO_SHELL", "/bin/sh"),
			ProcPath:             "/proc",
			MemoryPolicyFraction: 0.75,
		},
		Limiter: LimiterConfig{
			Backend:     getEnvOrDefault("SWARMINHO_LIMITER", "rlimit"),
			CgroupsPath: "/sys/fs/cgroup",
			CgroupName:  "swarminho",
		},
		Server: ServerConfig{
			Address:      "0.0.0.0",
			Port:         getEnvIntOrDefault("SWARMINHO_PORT", 8070),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Logging: LoggingConfig{
			Development: false,
			MaxSizeMB:   50,
			MaxBackups:  3,
			MaxAgeDays:  14,
		},
	}
}

// LoadConfig reads a YAML config file over the defaults. An empty path
// returns the defaults unchanged.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if cfg.Orchestrator.MemoryPolicyFraction < 0 || cfg.Orchestrator.MemoryPolicyFraction > 1 {
		return nil, fmt.Errorf("memory_policy_fraction must be in [0, 1], got %v",
			cfg.Orchestrator.MemoryPolicyFraction)
	}
	return cfg, nil
}

// getEnvOrDefault reads an environment variable with a fallback value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvIntOrDefault reads an integer environment variable with a fallback value.
func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
