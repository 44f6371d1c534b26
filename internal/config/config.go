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

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Database DatabaseConfig `yaml:"database"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Security SecurityConfig `yaml:"security"`
	TLS      TLSConfig      `yaml:"tls"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

type SandboxConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	MaxTimeout     time.Duration `yaml:"max_timeout"`
	PythonBin      string        `yaml:"python_bin"`
	PHPBin         string        `yaml:"php_bin"`
	WorkerBoot     time.Duration `yaml:"worker_boot_timeout"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled  bool    `yaml:"enabled"`
	Endpoint string  `yaml:"endpoint"`
	Sample   float64 `yaml:"sample_rate"`
}

// SecurityConfig covers both the API surface (keys, rate limits) and
// the execution-side limits handed to the runtime monitor.
type SecurityConfig struct {
	APIKeyHeader     string        `yaml:"api_key_header"`
	AllowedKeys      []string      `yaml:"allowed_keys"`
	RateLimitRPS     float64       `yaml:"rate_limit_rps"`
	RateLimitBurst   int           `yaml:"rate_limit_burst"`
	AnalysisEnabled  bool          `yaml:"analysis_enabled"`
	MaxExecutionTime time.Duration `yaml:"max_execution_time"`
	MaxMemoryMB      int64         `yaml:"max_memory_mb"`
	MaxStackDepth    int           `yaml:"max_stack_depth"`
	BlockedAPIs      []string      `yaml:"blocked_apis"`
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    65 * time.Second, // > max sandbox timeout + overhead
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  2 << 20, // 2MB, code cap plus request envelope
		},
		Sandbox: SandboxConfig{
			DefaultTimeout: 10 * time.Second,
			MaxTimeout:     60 * time.Second,
			PythonBin:      "python3",
			PHPBin:         "php",
			WorkerBoot:     30 * time.Second,
		},
		Database: DatabaseConfig{
			DSN:             "",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled: false,
			Sample:  0.1,
		},
		Security: SecurityConfig{
			APIKeyHeader:     "X-API-Key",
			RateLimitRPS:     100,
			RateLimitBurst:   200,
			AnalysisEnabled:  true,
			MaxExecutionTime: 10 * time.Second,
			MaxMemoryMB:      64,
			MaxStackDepth:    256,
		},
		TLS: TLSConfig{
			Enabled: false,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Sandbox.DefaultTimeout > c.Sandbox.MaxTimeout {
		return fmt.Errorf("sandbox.default_timeout (%s) must be <= max_timeout (%s)",
			c.Sandbox.DefaultTimeout, c.Sandbox.MaxTimeout)
	}
	if c.Sandbox.WorkerBoot < time.Second {
		return fmt.Errorf("sandbox.worker_boot_timeout must be >= 1s")
	}
	if c.Security.MaxMemoryMB < 16 {
		return fmt.Errorf("security.max_memory_mb must be >= 16")
	}
	if c.Security.MaxStackDepth < 16 {
		return fmt.Errorf("security.max_stack_depth must be >= 16")
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	if c.Database.DSN != "" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable, connections to Postgres are unencrypted")
	}
	return nil
}

// MonitorLimits converts the security section into runtime monitor
// settings, falling back to defaults for unset fields.
func (c *Config) MonitorLimits() (maxTime time.Duration, maxMemory uint64, maxStack int, blocked []string) {
	maxTime = c.Security.MaxExecutionTime
	if maxTime <= 0 {
		maxTime = c.Sandbox.DefaultTimeout
	}
	maxMemory = uint64(c.Security.MaxMemoryMB) << 20
	maxStack = c.Security.MaxStackDepth
	blocked = c.Security.BlockedAPIs
	return maxTime, maxMemory, maxStack, blocked
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
