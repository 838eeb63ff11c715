// Package config handles loading and validating repoprobe configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for repoprobe.
type Config struct {
	// CacheDir is the clone cache root. Default: ~/.repoprobe/cache.
	// Override: REPOPROBE_CACHE_DIR env var.
	CacheDir string `json:"cache_dir,omitempty" yaml:"cache_dir,omitempty"`

	Server     ServerConfig      `json:"server" yaml:"server"`
	Validation *ValidationConfig `json:"validation,omitempty" yaml:"validation,omitempty"` // nil = built-in host allow-list
	Clone      CloneConfig       `json:"clone" yaml:"clone"`
	Sandbox    SandboxConfig     `json:"sandbox" yaml:"sandbox"`
	Jobs       JobsConfig        `json:"jobs" yaml:"jobs"`

	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Maintenance   *MaintenanceConfig   `json:"maintenance,omitempty" yaml:"maintenance,omitempty"`     // nil = no background refresh/pruning
	RateLimit     *RateLimitConfig     `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`       // nil = rate limiting disabled
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"` // Default: ":8080".

	// AuthToken protects mutating endpoints with bearer auth. Empty =
	// auth disabled. Override: REPOPROBE_AUTH_TOKEN env var.
	AuthToken string `json:"auth_token,omitempty" yaml:"auth_token,omitempty"`

	// EnableDocs serves interactive OpenAPI documentation.
	EnableDocs bool `json:"enable_docs,omitempty" yaml:"enable_docs,omitempty"`
}

// ListenAddr returns the configured listen address, defaulting to ":8080".
func (s *ServerConfig) ListenAddr() string {
	if s.Addr != "" {
		return s.Addr
	}
	return ":8080"
}

// ValidationConfig configures URL validation.
type ValidationConfig struct {
	// AllowedHosts replaces the built-in hosting-provider allow-list.
	AllowedHosts []string `json:"allowed_hosts,omitempty" yaml:"allowed_hosts,omitempty"`
}

// Hosts returns the configured allow-list, or nil for the built-in one.
func (v *ValidationConfig) Hosts() []string {
	if v == nil {
		return nil
	}
	return v.AllowedHosts
}

// CloneConfig configures the clone cache.
type CloneConfig struct {
	// Depth is the shallow-clone depth. 0 = default (50), negative =
	// full history.
	Depth int `json:"depth,omitempty" yaml:"depth,omitempty"`

	// TTLHours removes cache entries untouched for this long when
	// maintenance is enabled. 0 = default (168, one week).
	TTLHours int `json:"ttl_hours,omitempty" yaml:"ttl_hours,omitempty"`
}

// TTL returns the cache entry lifetime for the maintenance pruner.
func (c *CloneConfig) TTL() time.Duration {
	if c.TTLHours > 0 {
		return time.Duration(c.TTLHours) * time.Hour
	}
	return 168 * time.Hour
}

// SandboxConfig configures the Docker bisect runner.
type SandboxConfig struct {
	Image             string  `json:"image,omitempty" yaml:"image,omitempty"`                   // Default: bitnami/git:latest. Override: REPOPROBE_SANDBOX_IMAGE.
	TimeoutSeconds    int     `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"` // Default: 600.
	MemoryMB          int     `json:"memory_mb,omitempty" yaml:"memory_mb,omitempty"`           // Default: 512.
	CPUCores          float64 `json:"cpu_cores,omitempty" yaml:"cpu_cores,omitempty"`           // Default: 0.5.
	PIDsLimit         int     `json:"pids_limit,omitempty" yaml:"pids_limit,omitempty"`         // Default: 128.
	User              string  `json:"user,omitempty" yaml:"user,omitempty"`                     // --user override. Empty = image default.
}

// Timeout returns the per-session wall-clock budget.
func (s *SandboxConfig) Timeout() time.Duration {
	if s.TimeoutSeconds > 0 {
		return time.Duration(s.TimeoutSeconds) * time.Second
	}
	return 10 * time.Minute
}

// JobsConfig configures the bisection worker pool.
type JobsConfig struct {
	Workers   int `json:"workers,omitempty" yaml:"workers,omitempty"`       // Default: 4.
	QueueSize int `json:"queue_size,omitempty" yaml:"queue_size,omitempty"` // Default: 64.
}

// WorkerCount returns the pool size, defaulting to 4.
func (j *JobsConfig) WorkerCount() int {
	if j.Workers > 0 {
		return j.Workers
	}
	return 4
}

// Queue returns the queue capacity, defaulting to 64.
func (j *JobsConfig) Queue() int {
	if j.QueueSize > 0 {
		return j.QueueSize
	}
	return 64
}

// ObservabilityConfig configures metrics, tracing, and health checks.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// MetricsPath returns the exposition path, defaulting to "/metrics".
func (m *MetricsConfig) MetricsPath() string {
	if m != nil && m.Path != "" {
		return m.Path
	}
	return "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "repoprobe"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HealthConfig configures liveness and readiness endpoints.
type HealthConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// MaintenanceConfig configures the background cache maintenance jobs.
type MaintenanceConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`

	// RefreshSchedule is a cron expression for periodic refresh of cached
	// repositories. Default: "0 3 * * *" (daily at 03:00).
	RefreshSchedule string `json:"refresh_schedule,omitempty" yaml:"refresh_schedule,omitempty"`

	// PruneSchedule is a cron expression for TTL pruning of stale entries.
	// Default: "30 3 * * *".
	PruneSchedule string `json:"prune_schedule,omitempty" yaml:"prune_schedule,omitempty"`
}

// Refresh returns the refresh cron expression.
func (m *MaintenanceConfig) Refresh() string {
	if m != nil && m.RefreshSchedule != "" {
		return m.RefreshSchedule
	}
	return "0 3 * * *"
}

// Prune returns the prune cron expression.
func (m *MaintenanceConfig) Prune() string {
	if m != nil && m.PruneSchedule != "" {
		return m.PruneSchedule
	}
	return "30 3 * * *"
}

// RateLimitConfig configures per-client request throttling.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute,omitempty" yaml:"requests_per_minute,omitempty"` // Default: 60.
	Burst             int `json:"burst,omitempty" yaml:"burst,omitempty"`                             // Default: 10.
}

// RPM returns the per-minute rate, defaulting to 60.
func (r *RateLimitConfig) RPM() int {
	if r != nil && r.RequestsPerMinute > 0 {
		return r.RequestsPerMinute
	}
	return 60
}

// BurstSize returns the burst allowance, defaulting to 10.
func (r *RateLimitConfig) BurstSize() int {
	if r != nil && r.Burst > 0 {
		return r.Burst
	}
	return 10
}

// DefaultConfigPath returns the default config file path (~/.repoprobe/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/repoprobe.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".repoprobe", "config.yaml")
}

// Default returns the configuration used when no config file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// applyEnv applies environment variable overrides. Env vars take precedence
// over config file values.
func (c *Config) applyEnv() {
	if v := os.Getenv("REPOPROBE_CACHE_DIR"); v != "" {
		c.CacheDir = v
	}
	if v := os.Getenv("REPOPROBE_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("REPOPROBE_AUTH_TOKEN"); v != "" {
		c.Server.AuthToken = v
	}
	if v := os.Getenv("REPOPROBE_SANDBOX_IMAGE"); v != "" {
		c.Sandbox.Image = v
	}
	if v := os.Getenv("REPOPROBE_CLONE_DEPTH"); v != "" {
		if depth, err := strconv.Atoi(v); err == nil {
			c.Clone.Depth = depth
		}
	}
}

// applyDefaults fills derived defaults that need computation.
func (c *Config) applyDefaults() {
	if c.CacheDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.CacheDir = filepath.Join(home, ".repoprobe", "cache")
		} else {
			c.CacheDir = filepath.Join(os.TempDir(), "repoprobe-cache")
		}
	}
}

func (c *Config) validate() error {
	if c.Sandbox.MemoryMB < 0 {
		return fmt.Errorf("sandbox.memory_mb must not be negative")
	}
	if c.Sandbox.TimeoutSeconds < 0 {
		return fmt.Errorf("sandbox.timeout_seconds must not be negative")
	}
	if c.Sandbox.CPUCores < 0 {
		return fmt.Errorf("sandbox.cpu_cores must not be negative")
	}
	if c.Jobs.Workers < 0 {
		return fmt.Errorf("jobs.workers must not be negative")
	}
	if c.Validation != nil {
		for _, h := range c.Validation.AllowedHosts {
			if strings.TrimSpace(h) == "" {
				return fmt.Errorf("validation.allowed_hosts must not contain empty entries")
			}
		}
	}
	if c.RateLimit != nil && c.RateLimit.RequestsPerMinute < 0 {
		return fmt.Errorf("rate_limit.requests_per_minute must not be negative")
	}
	return nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}
