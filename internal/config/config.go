// Package config provides configuration management for hostmedic.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultStateDir is the state directory used when none is configured.
const DefaultStateDir = ".medic"

// Config holds all configuration for hostmedic.
type Config struct {
	// StateDir holds the case files, logs, ledger index and policy sources.
	StateDir string `yaml:"state_dir"`

	Registry    RegistryConfig    `yaml:"registry"`
	Policy      PolicyConfig      `yaml:"policy"`
	Evidence    EvidenceConfig    `yaml:"evidence"`
	Execution   ExecutionConfig   `yaml:"execution"`
	Reliability ReliabilityConfig `yaml:"reliability"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// RegistryConfig locates the specialist policy source.
type RegistryConfig struct {
	// Path to the specialist definitions (YAML). Relative paths resolve against StateDir.
	// When the file is absent the built-in definitions are used.
	Path string `yaml:"path"`
	// Watch enables versioned hot reload when the file changes.
	Watch bool `yaml:"watch"`
}

// PolicyConfig locates the risk-policy table.
type PolicyConfig struct {
	Path string `yaml:"path"`
}

// EvidenceConfig configures probe collection.
type EvidenceConfig struct {
	ProbeTimeout string `yaml:"probe_timeout"`
	// Retries bounds how often a timed-out probe is retried.
	Retries int `yaml:"retries"`
	// Fixture loads evidence from a YAML file instead of live probes.
	Fixture string `yaml:"fixture,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		StateDir: DefaultStateDir,
		Registry: RegistryConfig{
			Path:  filepath.Join("policy", "specialists.yaml"),
			Watch: false,
		},
		Policy: PolicyConfig{
			Path: filepath.Join("policy", "risk.yaml"),
		},
		Evidence: EvidenceConfig{
			ProbeTimeout: "5s",
			Retries:      1,
		},
		Execution:   DefaultExecutionConfig(),
		Reliability: DefaultReliabilityConfig(),
		Logging: LoggingConfig{
			Level:     "info",
			DebugMode: false,
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Override with environment variables
	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if dir := os.Getenv("MEDIC_STATE_DIR"); dir != "" {
		c.StateDir = dir
	}
	if level := os.Getenv("MEDIC_LOG_LEVEL"); level != "" {
		c.Logging.Level = strings.ToLower(level)
	}
	if debug := os.Getenv("MEDIC_DEBUG"); debug != "" {
		if v, err := strconv.ParseBool(debug); err == nil {
			c.Logging.DebugMode = v
		}
	}
	if fixture := os.Getenv("MEDIC_EVIDENCE_FIXTURE"); fixture != "" {
		c.Evidence.Fixture = fixture
	}
}

// resolve makes p absolute relative to the state directory.
func (c *Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.StateDir, p)
}

// RegistryPath returns the resolved specialist policy source path.
func (c *Config) RegistryPath() string { return c.resolve(c.Registry.Path) }

// PolicyPath returns the resolved risk-policy table path.
func (c *Config) PolicyPath() string { return c.resolve(c.Policy.Path) }

// CasesDir returns the directory holding one subdirectory per run.
func (c *Config) CasesDir() string { return filepath.Join(c.StateDir, "cases") }

// LedgerDBPath returns the SQLite summary index path.
func (c *Config) LedgerDBPath() string { return filepath.Join(c.StateDir, "ledger.db") }

// GetProbeTimeout returns the per-probe evidence timeout.
func (c *Config) GetProbeTimeout() time.Duration {
	return parseDuration(c.Evidence.ProbeTimeout, 5*time.Second)
}

// GetStepTimeout returns the default timeout for a mutation step.
func (c *Config) GetStepTimeout() time.Duration {
	return parseDuration(c.Execution.StepTimeout, 30*time.Second)
}

// GetConfirmTimeout returns how long the executor waits for a confirmation phrase.
func (c *Config) GetConfirmTimeout() time.Duration {
	return parseDuration(c.Execution.ConfirmTimeout, 2*time.Minute)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.StateDir == "" {
		return fmt.Errorf("state_dir must not be empty")
	}
	if c.Evidence.Retries < 0 || c.Evidence.Retries > 3 {
		return fmt.Errorf("evidence.retries must be between 0 and 3, got %d", c.Evidence.Retries)
	}
	for _, d := range []struct {
		name, value string
	}{
		{"evidence.probe_timeout", c.Evidence.ProbeTimeout},
		{"execution.step_timeout", c.Execution.StepTimeout},
		{"execution.confirm_timeout", c.Execution.ConfirmTimeout},
	} {
		if d.value == "" {
			continue
		}
		if _, err := time.ParseDuration(d.value); err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.name, d.value, err)
		}
	}
	if len(c.Execution.AllowedBinaries) == 0 {
		return fmt.Errorf("execution.allowed_binaries must not be empty")
	}
	return c.Reliability.Validate()
}
