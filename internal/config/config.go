// Package config holds the crucible configuration: backend selection,
// controller sizing, sandbox limits, risk thresholds, and storage paths.
// Configuration is loaded from YAML with environment-variable overrides
// for secrets.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"crucible/internal/backend"
	"crucible/internal/controller"
	"crucible/internal/sandbox"
)

// Config is the full crucible configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	Backend    backend.Config    `yaml:"backend"`
	Controller controller.Config `yaml:"controller"`

	// Synthesis/assessment call ceilings.
	SynthesisTimeout  time.Duration `yaml:"synthesis_timeout"`
	AssessmentTimeout time.Duration `yaml:"assessment_timeout"`

	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
}

// StorageConfig locates the audit store and sandbox scratch space.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
	SandboxDir   string `yaml:"sandbox_dir"`
}

// LoggingConfig controls the zap logger built in cmd.
type LoggingConfig struct {
	Level       string `yaml:"level"` // debug, info, warn, error
	Development bool   `yaml:"development"`
}

// DefaultConfig returns a working configuration rooted under dir.
func DefaultConfig(dir string) *Config {
	if dir == "" {
		dir = ".crucible"
	}
	return &Config{
		Name:    "crucible",
		Version: "0.1.0",
		Backend: backend.Config{
			Kind:  backend.KindGemini,
			Model: "gemini-2.0-flash",
		},
		Controller:        controller.DefaultConfig(),
		SynthesisTimeout:  60 * time.Second,
		AssessmentTimeout: 30 * time.Second,
		Storage: StorageConfig{
			DatabasePath: filepath.Join(dir, "crucible.db"),
			SandboxDir:   filepath.Join(dir, "sandbox"),
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads a config file and applies environment overrides. A missing
// file yields defaults rooted next to the requested path.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig(filepath.Dir(path))

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config as YAML, creating parent directories.
func (c *Config) Save(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config %s: %w", path, err)
	}
	return nil
}

// applyEnvOverrides pulls secrets from the environment so API keys never
// have to live in the config file.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Backend.APIKey = key
	}
	if key := os.Getenv("GOOGLE_API_KEY"); key != "" && c.Backend.APIKey == "" {
		c.Backend.APIKey = key
	}
}

// Validate checks internal consistency.
func (c *Config) Validate() error {
	switch c.Backend.Kind {
	case backend.KindGemini, backend.KindVertex:
	default:
		return fmt.Errorf("unknown backend kind %q", c.Backend.Kind)
	}
	if c.Controller.Workers < 1 {
		return fmt.Errorf("controller workers must be >= 1, got %d", c.Controller.Workers)
	}
	if c.Controller.Limits.Timeout <= 0 {
		return fmt.Errorf("sandbox timeout must be positive")
	}
	th := c.Controller.Thresholds
	if !(th.AutoApply < th.Review) {
		return fmt.Errorf("risk thresholds must satisfy auto_apply < review (got %.2f, %.2f)",
			th.AutoApply, th.Review)
	}
	return nil
}

// SandboxLimits is a convenience accessor for the configured limits.
func (c *Config) SandboxLimits() sandbox.Limits {
	return c.Controller.Limits
}
