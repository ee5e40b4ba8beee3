// ABOUTME: Configuration loading and parsing for beacon-orchestrator
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/2389/beacon-orchestrator/internal/arl"
)

// Storage drivers
const (
	StorageDriverFile   = "file"
	StorageDriverSQLite = "sqlite"
)

// Config represents the complete beacon-orchestrator configuration
type Config struct {
	Storage  StorageConfig  `yaml:"storage" toml:"storage"`
	Agents   AgentsConfig   `yaml:"agents" toml:"agents"`
	Dispatch DispatchConfig `yaml:"dispatch" toml:"dispatch"`
	Monitor  MonitorConfig  `yaml:"monitor" toml:"monitor"`
	Ledger   LedgerConfig   `yaml:"ledger" toml:"ledger"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
}

// StorageConfig holds persistence configuration
type StorageConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	Path   string `yaml:"path" toml:"path"`
	// SecretKey, when set, seals stored agent passwords and tokens
	SecretKey string `yaml:"secret_key" toml:"secret_key"`
}

// AgentsConfig holds agent credentials and HTTP client settings
type AgentsConfig struct {
	Username    string `yaml:"username" toml:"username"`
	Password    string `yaml:"password" toml:"password"`
	InsecureTLS bool   `yaml:"insecure_tls" toml:"insecure_tls"`
	PageSize    int    `yaml:"page_size" toml:"page_size"`

	LoginTimeout   time.Duration `yaml:"-" toml:"-"`
	RequestTimeout time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	LoginTimeoutRaw   string `yaml:"login_timeout" toml:"login_timeout"`
	RequestTimeoutRaw string `yaml:"request_timeout" toml:"request_timeout"`
}

// DispatchConfig holds job distribution settings
type DispatchConfig struct {
	// MaxActiveJobs excludes agents with more running/waiting jobs than this
	MaxActiveJobs int `yaml:"max_active_jobs" toml:"max_active_jobs"`
	// CountPageSize is the listing size used to count an agent's active jobs
	CountPageSize int             `yaml:"count_page_size" toml:"count_page_size"`
	ScanOptions   arl.ScanOptions `yaml:"scan_options" toml:"scan_options"`
}

// MonitorConfig holds job polling timing
type MonitorConfig struct {
	PollInterval time.Duration `yaml:"-" toml:"-"`
	Dwell        time.Duration `yaml:"-" toml:"-"`

	PollIntervalRaw string `yaml:"poll_interval" toml:"poll_interval"`
	DwellRaw        string `yaml:"dwell" toml:"dwell"`
}

// LedgerConfig holds reconciliation settings
type LedgerConfig struct {
	ReconcileInterval time.Duration `yaml:"-" toml:"-"`
	ReconcilePageSize int           `yaml:"reconcile_page_size" toml:"reconcile_page_size"`

	ReconcileIntervalRaw string `yaml:"reconcile_interval" toml:"reconcile_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns a configuration with every default applied. Storage.Path
// is left empty and must be provided.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Driver: StorageDriverFile,
		},
		Agents: AgentsConfig{
			Username:          "admin",
			Password:          "arlpass",
			InsecureTLS:       true,
			PageSize:          1000,
			LoginTimeout:      5 * time.Second,
			RequestTimeout:    10 * time.Second,
			LoginTimeoutRaw:   "5s",
			RequestTimeoutRaw: "10s",
		},
		Dispatch: DispatchConfig{
			MaxActiveJobs: 5,
			CountPageSize: 100,
			ScanOptions:   arl.DefaultScanOptions(),
		},
		Monitor: MonitorConfig{
			PollInterval:    5 * time.Second,
			Dwell:           10 * time.Second,
			PollIntervalRaw: "5s",
			DwellRaw:        "10s",
		},
		Ledger: LedgerConfig{
			ReconcileInterval:    120 * time.Second,
			ReconcilePageSize:    100,
			ReconcileIntervalRaw: "120s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	switch c.Storage.Driver {
	case StorageDriverFile, StorageDriverSQLite:
	default:
		return fmt.Errorf("storage.driver must be %q or %q, got %q", StorageDriverFile, StorageDriverSQLite, c.Storage.Driver)
	}

	if c.Agents.Username == "" {
		return fmt.Errorf("agents.username is required")
	}
	if c.Agents.PageSize <= 0 {
		return fmt.Errorf("agents.page_size must be positive")
	}
	if c.Agents.LoginTimeout <= 0 || c.Agents.RequestTimeout <= 0 {
		return fmt.Errorf("agents timeouts must be positive")
	}

	if c.Dispatch.MaxActiveJobs < 0 {
		return fmt.Errorf("dispatch.max_active_jobs cannot be negative")
	}
	if c.Dispatch.CountPageSize <= 0 {
		return fmt.Errorf("dispatch.count_page_size must be positive")
	}

	if c.Monitor.PollInterval <= 0 {
		return fmt.Errorf("monitor.poll_interval must be positive")
	}
	if c.Monitor.Dwell < 0 {
		return fmt.Errorf("monitor.dwell cannot be negative")
	}

	if c.Ledger.ReconcileInterval <= 0 {
		return fmt.Errorf("ledger.reconcile_interval must be positive")
	}
	if c.Ledger.ReconcilePageSize <= 0 {
		return fmt.Errorf("ledger.reconcile_page_size must be positive")
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"agents.login_timeout", cfg.Agents.LoginTimeoutRaw, &cfg.Agents.LoginTimeout},
		{"agents.request_timeout", cfg.Agents.RequestTimeoutRaw, &cfg.Agents.RequestTimeout},
		{"monitor.poll_interval", cfg.Monitor.PollIntervalRaw, &cfg.Monitor.PollInterval},
		{"monitor.dwell", cfg.Monitor.DwellRaw, &cfg.Monitor.Dwell},
		{"ledger.reconcile_interval", cfg.Ledger.ReconcileIntervalRaw, &cfg.Ledger.ReconcileInterval},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
