// Package config loads engine settings from an optional YAML file and
// overlays SCANNER_* environment variables on top. Environment wins so
// container deployments can override a baked-in file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend selection values for WorkerBackend.
const (
	BackendLocal  = "local"
	BackendRemote = "remote"
)

// WorkerConfig selects and tunes the worker backend.
type WorkerConfig struct {
	// Backend is "local" (container runtime on this host) or "remote"
	// (managed task API).
	Backend string `yaml:"backend"`

	// Image is the scanner worker image for the local backend.
	Image string `yaml:"image"`

	// MemoryLimitMB caps each local worker container. 0 means no limit.
	MemoryLimitMB int `yaml:"memory_limit_mb"`

	// TaskAPIURL and TaskAPIToken configure the remote backend.
	TaskAPIURL   string `yaml:"task_api_url"`
	TaskAPIToken string `yaml:"task_api_token"`
}

// Config is the full engine configuration.
type Config struct {
	// ListenAddr is the API server bind address.
	ListenAddr string `yaml:"listen_addr"`

	// StorageRoot holds the SQLite database and worker sink files.
	StorageRoot string `yaml:"storage_root"`

	// MaxParallelContainers bounds concurrently running workers and fixes
	// the chunk count for each scan.
	MaxParallelContainers int `yaml:"max_parallel_containers"`

	// RetryCeiling is the number of retries after a chunk's first attempt.
	RetryCeiling int `yaml:"retry_ceiling"`

	// ChunkTimeoutSec is the per-attempt wall-clock deadline.
	ChunkTimeoutSec int `yaml:"chunk_timeout_seconds"`

	// PollIntervalSec is the worker polling cadence.
	PollIntervalSec int `yaml:"poll_interval_seconds"`

	Worker WorkerConfig `yaml:"worker"`
}

// Default returns development defaults.
func Default() *Config {
	return &Config{
		ListenAddr:            ":8080",
		StorageRoot:           "./data",
		MaxParallelContainers: 3,
		RetryCeiling:          2,
		ChunkTimeoutSec:       900,
		PollIntervalSec:       3,
		Worker: WorkerConfig{
			Backend:       BackendLocal,
			Image:         "scanner-worker:latest",
			MemoryLimitMB: 512,
		},
	}
}

// Load reads the YAML file at path when non-empty, then applies environment
// overrides. A missing file with an empty path is not an error; a missing
// file with an explicit path is.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, cfg.validate()
}

func (c *Config) applyEnv() {
	setString(&c.ListenAddr, "SCANNER_LISTEN_ADDR")
	setString(&c.StorageRoot, "SCANNER_STORAGE_ROOT")
	setInt(&c.MaxParallelContainers, "SCANNER_MAX_PARALLEL_CONTAINERS")
	setInt(&c.RetryCeiling, "SCANNER_RETRY_CEILING")
	setInt(&c.ChunkTimeoutSec, "SCANNER_CHUNK_TIMEOUT")
	setInt(&c.PollIntervalSec, "SCANNER_POLL_INTERVAL")
	setString(&c.Worker.Backend, "SCANNER_WORKER_BACKEND")
	setString(&c.Worker.Image, "SCANNER_WORKER_IMAGE")
	setInt(&c.Worker.MemoryLimitMB, "SCANNER_WORKER_MEMORY_MB")
	setString(&c.Worker.TaskAPIURL, "SCANNER_TASK_API_URL")
	setString(&c.Worker.TaskAPIToken, "SCANNER_TASK_API_TOKEN")
}

func (c *Config) validate() error {
	if c.MaxParallelContainers <= 0 {
		c.MaxParallelContainers = 1
	}
	if c.RetryCeiling < 0 {
		c.RetryCeiling = 0
	}
	if c.ChunkTimeoutSec <= 0 {
		c.ChunkTimeoutSec = 900
	}
	if c.PollIntervalSec <= 0 {
		c.PollIntervalSec = 3
	}
	switch c.Worker.Backend {
	case BackendLocal, BackendRemote:
	default:
		return fmt.Errorf("unknown worker backend %q", c.Worker.Backend)
	}
	if c.Worker.Backend == BackendRemote && c.Worker.TaskAPIURL == "" {
		return fmt.Errorf("remote worker backend requires task_api_url")
	}
	return nil
}

// ChunkTimeout returns the per-attempt deadline as a duration.
func (c *Config) ChunkTimeout() time.Duration {
	return time.Duration(c.ChunkTimeoutSec) * time.Second
}

// PollInterval returns the polling cadence as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
