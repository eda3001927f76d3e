package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds all broker configuration.
type Config struct {
	Host      HostConfig      `yaml:"host"`
	Store     StoreConfig     `yaml:"store"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Broker    BrokerConfig    `yaml:"broker"`
	Directory DirectoryConfig `yaml:"directory"`
	Reclaimer ReclaimerConfig `yaml:"reclaimer"`
	Ops       OpsConfig       `yaml:"ops"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// HostConfig identifies this worker in the shared directory.
type HostConfig struct {
	Name string `yaml:"name"` // Defaults to os.Hostname()
}

type StoreConfig struct {
	Backend         string        `yaml:"backend"` // "memory" or "postgres"
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"max_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	NotifyChannel   string        `yaml:"notify_channel"`
}

type SandboxConfig struct {
	Backend          string        `yaml:"backend"` // "auto" (default), "containerd", or "docker"
	ContainerdSocket string        `yaml:"containerd_socket"`
	Namespace        string        `yaml:"namespace"`
	Image            string        `yaml:"image"`
	Interpreter      []string      `yaml:"interpreter"` // Code is appended as the final argument
	Timeout          time.Duration `yaml:"timeout"`
	MemoryFraction   float64       `yaml:"memory_fraction"`
	MinMemoryBytes   int64         `yaml:"min_memory_bytes"`
	CPUQuota         int64         `yaml:"cpu_quota"`
	CPUPeriod        uint64        `yaml:"cpu_period"`
	MaxOutputBytes   int           `yaml:"max_output_bytes"`
	ManagedLabel     string        `yaml:"managed_label"` // Label stamped on every sandbox; empty lists the whole runtime
}

type BrokerConfig struct {
	Retention    time.Duration `yaml:"retention"`     // 0 keeps published jobs forever
	ReserveQuota bool          `yaml:"reserve_quota"` // Subtract in-flight quotas from free memory
}

type DirectoryConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	PublishTimeout    time.Duration `yaml:"publish_timeout"`
}

type ReclaimerConfig struct {
	Interval    time.Duration `yaml:"interval"`
	StopTimeout time.Duration `yaml:"stop_timeout"`
}

// OpsConfig controls the health/metrics HTTP listener.
type OpsConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from env or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	cfg := &Config{
		Store: StoreConfig{
			Backend:         "memory",
			MaxConns:        10,
			ConnMaxLifetime: 5 * time.Minute,
			NotifyChannel:   "broker_kv",
		},
		Sandbox: SandboxConfig{
			Backend:          "auto",
			ContainerdSocket: "/run/containerd/containerd.sock",
			Namespace:        "sandbox-broker",
			Image:            "docker.io/library/python:alpine",
			Interpreter:      []string{"python", "-c"},
			Timeout:          30 * time.Second,
			MemoryFraction:   0.1,
			MinMemoryBytes:   6 << 20, // docker refuses anything smaller
			CPUQuota:         100000,
			CPUPeriod:        100000,
			MaxOutputBytes:   1 << 20,
			ManagedLabel:     "sandbox-broker.managed",
		},
		Broker: BrokerConfig{
			Retention:    10 * time.Minute,
			ReserveQuota: true,
		},
		Directory: DirectoryConfig{
			HeartbeatInterval: 30 * time.Second,
			PublishTimeout:    5 * time.Second,
		},
		Reclaimer: ReclaimerConfig{
			Interval:    5 * time.Minute,
			StopTimeout: 10 * time.Second,
		},
		Ops: OpsConfig{
			Enabled:         true,
			Host:            "0.0.0.0",
			Port:            3000,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
	cfg.applyEnv()
	return cfg
}

func (c *Config) applyEnv() {
	if name := os.Getenv("BROKER_HOST_NAME"); name != "" {
		c.Host.Name = name
	}
	if dsn := os.Getenv("BROKER_STORE_DSN"); dsn != "" {
		c.Store.DSN = dsn
		c.Store.Backend = "postgres"
	}
	if c.Host.Name == "" {
		if h, err := os.Hostname(); err == nil {
			c.Host.Name = h
		}
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Host.Name) == "" {
		return fmt.Errorf("host.name must be set")
	}
	switch c.Store.Backend {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("store.backend must be memory or postgres, got %q", c.Store.Backend)
	}
	switch c.Sandbox.Backend {
	case "", "auto", "containerd", "docker":
	default:
		return fmt.Errorf("sandbox.backend must be auto, containerd, or docker, got %q", c.Sandbox.Backend)
	}
	if c.Sandbox.Image == "" {
		return fmt.Errorf("sandbox.image must be set")
	}
	if len(c.Sandbox.Interpreter) == 0 {
		return fmt.Errorf("sandbox.interpreter must name at least the interpreter binary")
	}
	if c.Sandbox.Timeout <= 0 {
		return fmt.Errorf("sandbox.timeout must be positive")
	}
	if c.Sandbox.MemoryFraction <= 0 || c.Sandbox.MemoryFraction > 1 {
		return fmt.Errorf("sandbox.memory_fraction must be in (0, 1], got %g", c.Sandbox.MemoryFraction)
	}
	if c.Sandbox.CPUPeriod < 1000 || c.Sandbox.CPUPeriod > 1000000 {
		return fmt.Errorf("sandbox.cpu_period must be 1000-1000000, got %d", c.Sandbox.CPUPeriod)
	}
	if c.Sandbox.CPUQuota < 1000 {
		return fmt.Errorf("sandbox.cpu_quota must be >= 1000, got %d", c.Sandbox.CPUQuota)
	}
	if c.Broker.Retention < 0 {
		return fmt.Errorf("broker.retention must not be negative")
	}
	if c.Directory.HeartbeatInterval <= 0 {
		return fmt.Errorf("directory.heartbeat_interval must be positive")
	}
	if c.Reclaimer.Interval <= 0 {
		return fmt.Errorf("reclaimer.interval must be positive")
	}
	if c.Ops.Enabled && (c.Ops.Port < 1 || c.Ops.Port > 65535) {
		return fmt.Errorf("ops.port must be 1-65535, got %d", c.Ops.Port)
	}
	if c.Store.DSN != "" && strings.Contains(c.Store.DSN, "sslmode=disable") {
		log.Warn().Msg("store DSN has sslmode=disable, connections to Postgres are unencrypted")
	}
	return nil
}

// OpsAddress returns the ops listen address string.
func (c *Config) OpsAddress() string {
	return fmt.Sprintf("%s:%d", c.Ops.Host, c.Ops.Port)
}
