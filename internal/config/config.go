package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"playground-sandbox/internal/monitor"
	"playground-sandbox/internal/sandbox"
	"playground-sandbox/internal/security"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Database DatabaseConfig `yaml:"database"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Security SecurityConfig `yaml:"security"`
	Alerts   AlertsConfig   `yaml:"alerts"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

// SandboxConfig drives the executor and resource monitor.
type SandboxConfig struct {
	MaxCodeSize    int                    `yaml:"max_code_size_bytes"`
	MaxOutputSize  int                    `yaml:"max_output_size_bytes"`
	MaxPerSession  int                    `yaml:"max_per_session"`
	HistorySize    int                    `yaml:"history_size"`
	SampleInterval time.Duration          `yaml:"sample_interval"`
	DefaultLimits  sandbox.ResourceLimits `yaml:"default_limits"`
	Languages      map[string]LanguageConfig `yaml:"languages"`
}

// LanguageConfig is the per-language slice of the configuration surface:
// resource ceilings plus default packages merged under caller options.
type LanguageConfig struct {
	Limits   sandbox.ResourceLimits `yaml:"limits"`
	Packages []string               `yaml:"packages"`
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

type SecurityConfig struct {
	APIKeyHeader   string                `yaml:"api_key_header"`
	AllowedKeys    []string              `yaml:"allowed_keys"`
	RateLimitRPS   float64               `yaml:"rate_limit_rps"`
	RateLimitBurst int                   `yaml:"rate_limit_burst"`
	PolicyRules    []security.RuleConfig `yaml:"policy_rules"`
}

// AlertsConfig carries the production monitor thresholds.
type AlertsConfig struct {
	SnapshotInterval time.Duration      `yaml:"snapshot_interval"`
	Retention        time.Duration      `yaml:"retention"`
	Thresholds       monitor.Thresholds `yaml:"thresholds"`
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
			MaxRequestBody:  1 << 20, // 1MB
		},
		Sandbox: SandboxConfig{
			MaxCodeSize:    1 << 20,
			MaxOutputSize:  256 << 10,
			MaxPerSession:  3,
			HistorySize:    1000,
			SampleInterval: time.Second,
			DefaultLimits:  sandbox.DefaultLimits(),
			Languages: map[string]LanguageConfig{
				"javascript": {
					Limits: sandbox.ResourceLimits{
						MaxExecutionTime: 5 * time.Second,
						MaxMemoryBytes:   128 << 20,
						MaxStorageBytes:  10 << 20,
						MaxConcurrent:    10,
					},
				},
				"python": {
					Limits: sandbox.ResourceLimits{
						MaxExecutionTime: 10 * time.Second,
						MaxMemoryBytes:   256 << 20,
						MaxStorageBytes:  10 << 20,
						MaxConcurrent:    5,
					},
				},
				"lua": {
					Limits: sandbox.ResourceLimits{
						MaxExecutionTime: 5 * time.Second,
						MaxMemoryBytes:   64 << 20,
						MaxStorageBytes:  5 << 20,
						MaxConcurrent:    10,
					},
				},
				"sql": {
					Limits: sandbox.ResourceLimits{
						MaxExecutionTime: 5 * time.Second,
						MaxMemoryBytes:   128 << 20,
						MaxStorageBytes:  20 << 20,
						MaxConcurrent:    5,
					},
				},
				"json": {
					Limits: sandbox.ResourceLimits{
						MaxExecutionTime: 2 * time.Second,
						MaxMemoryBytes:   64 << 20,
						MaxStorageBytes:  1 << 20,
						MaxConcurrent:    20,
					},
				},
				"yaml": {
					Limits: sandbox.ResourceLimits{
						MaxExecutionTime: 2 * time.Second,
						MaxMemoryBytes:   64 << 20,
						MaxStorageBytes:  1 << 20,
						MaxConcurrent:    20,
					},
				},
				"toml": {
					Limits: sandbox.ResourceLimits{
						MaxExecutionTime: 2 * time.Second,
						MaxMemoryBytes:   64 << 20,
						MaxStorageBytes:  1 << 20,
						MaxConcurrent:    20,
					},
				},
			},
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
			APIKeyHeader:   "X-API-Key",
			RateLimitRPS:   100,
			RateLimitBurst: 200,
		},
		Alerts: AlertsConfig{
			SnapshotInterval: 30 * time.Second,
			Retention:        24 * time.Hour,
			Thresholds:       monitor.DefaultThresholds(),
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Sandbox.MaxCodeSize < 1 {
		return fmt.Errorf("sandbox.max_code_size_bytes must be >= 1")
	}
	if c.Sandbox.MaxPerSession < 1 {
		return fmt.Errorf("sandbox.max_per_session must be >= 1")
	}
	if c.Sandbox.HistorySize < 1 {
		return fmt.Errorf("sandbox.history_size must be >= 1")
	}
	if err := c.Sandbox.DefaultLimits.Validate(); err != nil {
		return fmt.Errorf("sandbox.default_limits: %w", err)
	}
	for lang, lc := range c.Sandbox.Languages {
		if lc.Limits != (sandbox.ResourceLimits{}) {
			if err := lc.Limits.Validate(); err != nil {
				return fmt.Errorf("sandbox.languages.%s: %w", lang, err)
			}
		}
	}
	if c.Alerts.Thresholds.MaxErrorRate < 0 || c.Alerts.Thresholds.MaxErrorRate > 1 {
		return fmt.Errorf("alerts.thresholds.max_error_rate must be 0-1")
	}
	return nil
}

// LimitsTable builds the sandbox limits lookup from configuration.
func (c *Config) LimitsTable() *sandbox.LimitsTable {
	perLanguage := make(map[string]sandbox.ResourceLimits, len(c.Sandbox.Languages))
	for lang, lc := range c.Sandbox.Languages {
		if lc.Limits != (sandbox.ResourceLimits{}) {
			perLanguage[lang] = lc.Limits
		}
	}
	return sandbox.NewLimitsTable(perLanguage, c.Sandbox.DefaultLimits)
}

// DefaultPackages extracts the per-language package defaults.
func (c *Config) DefaultPackages() map[string][]string {
	out := make(map[string][]string)
	for lang, lc := range c.Sandbox.Languages {
		if len(lc.Packages) > 0 {
			out[lang] = append([]string(nil), lc.Packages...)
		}
	}
	return out
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
