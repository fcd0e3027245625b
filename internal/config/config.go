// Package config loads the process-wide configuration.
// Defaults come from an embedded YAML file; individual fields can be
// overridden with REPACK_* environment variables.  The result is an
// immutable snapshot taken once at startup — there is no hot reload.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed config.default.yaml
var defaultYAML []byte

// Config is the full service configuration.
type Config struct {
	BindAddr string `yaml:"bind_addr"`
	DataRoot string `yaml:"data_root"`
	LogLevel string `yaml:"log_level"`

	WorkerCount        int `yaml:"worker_count"` // 0 = NumCPU
	QueueHighWaterMark int `yaml:"queue_high_water_mark"`

	DownloadSizeCapBytes       int64 `yaml:"download_size_cap_bytes"`
	DownloadDurationCapSeconds int   `yaml:"download_duration_cap_seconds"`
	DownloadMaxRedirects       int   `yaml:"download_max_redirects"`

	StageTimeoutSeconds        int `yaml:"stage_timeout_seconds"`
	SubprocessKillGraceSeconds int `yaml:"subprocess_kill_grace_seconds"`

	RetentionTTLHours   int `yaml:"retention_ttl_hours"`
	ReapIntervalSeconds int `yaml:"reap_interval_seconds"`

	EventRetentionCount      int `yaml:"event_retention_count"`
	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"`
	MaxSubscriptionsPerJob   int `yaml:"max_subscriptions_per_job"`

	MaxRetryAttempts        int `yaml:"max_retry_attempts"`
	RetryBackoffBaseSeconds int `yaml:"retry_backoff_base_seconds"`
	RetryBackoffCapSeconds  int `yaml:"retry_backoff_cap_seconds"`

	MinFreeDiskBytes int64 `yaml:"min_free_disk_bytes"`

	PackagingMirrorURL string `yaml:"packaging_mirror_url"`
	MarketplaceBaseURL string `yaml:"marketplace_base_url"`

	PipCommand    string `yaml:"pip_command"`
	PluginToolDir string `yaml:"plugin_tool_dir"`

	// Platforms is the closed allowlist of accepted platform tags.
	Platforms []string `yaml:"platforms"`
}

// Load parses the embedded defaults and applies environment overrides.
func Load() (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(defaultYAML, &c); err != nil {
		return nil, fmt.Errorf("embedded defaults: %w", err)
	}

	c.BindAddr = env("REPACK_BIND_ADDR", c.BindAddr)
	c.DataRoot = env("REPACK_DATA_ROOT", c.DataRoot)
	c.LogLevel = env("REPACK_LOG_LEVEL", c.LogLevel)
	c.PackagingMirrorURL = env("REPACK_PIP_MIRROR_URL", c.PackagingMirrorURL)
	c.MarketplaceBaseURL = env("REPACK_MARKETPLACE_URL", c.MarketplaceBaseURL)
	c.PipCommand = env("REPACK_PIP_COMMAND", c.PipCommand)
	c.PluginToolDir = env("REPACK_PLUGIN_TOOL_DIR", c.PluginToolDir)

	var err error
	intEnv := func(key string, dst *int) {
		if err != nil {
			return
		}
		raw := os.Getenv(key)
		if raw == "" {
			return
		}
		v, perr := strconv.Atoi(raw)
		if perr != nil {
			err = fmt.Errorf("%s: %w", key, perr)
			return
		}
		*dst = v
	}
	int64Env := func(key string, dst *int64) {
		if err != nil {
			return
		}
		raw := os.Getenv(key)
		if raw == "" {
			return
		}
		v, perr := strconv.ParseInt(raw, 10, 64)
		if perr != nil {
			err = fmt.Errorf("%s: %w", key, perr)
			return
		}
		*dst = v
	}

	intEnv("REPACK_WORKER_COUNT", &c.WorkerCount)
	intEnv("REPACK_QUEUE_HIGH_WATER", &c.QueueHighWaterMark)
	int64Env("REPACK_DOWNLOAD_SIZE_CAP", &c.DownloadSizeCapBytes)
	intEnv("REPACK_DOWNLOAD_DURATION_CAP", &c.DownloadDurationCapSeconds)
	intEnv("REPACK_STAGE_TIMEOUT", &c.StageTimeoutSeconds)
	intEnv("REPACK_KILL_GRACE", &c.SubprocessKillGraceSeconds)
	intEnv("REPACK_RETENTION_TTL_HOURS", &c.RetentionTTLHours)
	intEnv("REPACK_REAP_INTERVAL", &c.ReapIntervalSeconds)
	intEnv("REPACK_EVENT_RETENTION", &c.EventRetentionCount)
	intEnv("REPACK_HEARTBEAT_INTERVAL", &c.HeartbeatIntervalSeconds)
	intEnv("REPACK_MAX_SUBSCRIPTIONS", &c.MaxSubscriptionsPerJob)
	intEnv("REPACK_MAX_RETRIES", &c.MaxRetryAttempts)
	int64Env("REPACK_MIN_FREE_DISK", &c.MinFreeDiskBytes)
	if err != nil {
		return nil, err
	}

	if c.WorkerCount <= 0 {
		c.WorkerCount = runtime.NumCPU()
	}
	if c.QueueHighWaterMark <= 0 {
		c.QueueHighWaterMark = 256
	}
	if c.EventRetentionCount <= 0 {
		c.EventRetentionCount = 256
	}
	return &c, nil
}

// Derived durations.  Kept as methods so call sites read naturally and the
// YAML stays in plain integers.

func (c *Config) DownloadDurationCap() time.Duration {
	return time.Duration(c.DownloadDurationCapSeconds) * time.Second
}

func (c *Config) StageTimeout() time.Duration {
	return time.Duration(c.StageTimeoutSeconds) * time.Second
}

func (c *Config) KillGrace() time.Duration {
	return time.Duration(c.SubprocessKillGraceSeconds) * time.Second
}

func (c *Config) RetentionTTL() time.Duration {
	return time.Duration(c.RetentionTTLHours) * time.Hour
}

func (c *Config) ReapInterval() time.Duration {
	return time.Duration(c.ReapIntervalSeconds) * time.Second
}

func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

func (c *Config) RetryBackoffBase() time.Duration {
	return time.Duration(c.RetryBackoffBaseSeconds) * time.Second
}

func (c *Config) RetryBackoffCap() time.Duration {
	return time.Duration(c.RetryBackoffCapSeconds) * time.Second
}

// PlatformAllowed reports whether tag is on the closed allowlist.
// The empty tag is always allowed — it means "host platform".
func (c *Config) PlatformAllowed(tag string) bool {
	if tag == "" {
		return true
	}
	for _, p := range c.Platforms {
		if p == tag {
			return true
		}
	}
	return false
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
