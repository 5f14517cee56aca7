package config

import (
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jeffjacobsen/crystal/errors"
)

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// DefaultPath returns the default config file location, ~/.crystal/config.yml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".crystal", "config.yml")
}

// Load reads and parses a configuration file, applying defaults and
// validating the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.ConfigNotFound(path)
		}
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to read config file").
			WithDetail("path", path)
	}

	return LoadFromBytes(data)
}

// LoadDefault loads ~/.crystal/config.yml if present, otherwise returns the
// built-in defaults.
func LoadDefault() (*Config, error) {
	path := DefaultPath()
	if path == "" {
		return applyDefaults(&Config{})
	}
	cfg, err := Load(path)
	if errors.Is(err, errors.ErrCodeConfigNotFound) {
		return applyDefaults(&Config{})
	}
	return cfg, err
}

// LoadFromBytes parses raw YAML, expanding ${VAR} references from the
// environment before decoding.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to parse config file")
	}

	return applyDefaults(&cfg)
}

// expandEnvVars replaces ${VAR} references with environment values.
// Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		name := match[2 : len(match)-1]
		return os.Getenv(name)
	})
}

func applyDefaults(cfg *Config) (*Config, error) {
	if cfg.StateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "cannot resolve home directory for state_dir")
		}
		cfg.StateDir = filepath.Join(home, ".crystal")
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(cfg.StateDir, "crystal.db")
	}
	if cfg.SocketPath == "" {
		cfg.SocketPath = filepath.Join(cfg.StateDir, "crystald.sock")
	}
	if cfg.PidFilePath == "" {
		cfg.PidFilePath = filepath.Join(cfg.StateDir, "crystald.pid")
	}
	if cfg.Worktrees.DirName == "" {
		cfg.Worktrees.DirName = ".crystal-worktrees"
	}
	if cfg.Agent.Command == "" {
		cfg.Agent.Command = "claude"
	}
	if cfg.Agent.SilenceTimeout == 0 {
		cfg.Agent.SilenceTimeout = Duration(5 * time.Minute)
	}
	if cfg.Agent.TotalTimeout == 0 {
		cfg.Agent.TotalTimeout = Duration(60 * time.Minute)
	}
	if cfg.Agent.KillGracePeriod == 0 {
		cfg.Agent.KillGracePeriod = Duration(5 * time.Second)
	}
	if cfg.Limits.MaxConcurrent == 0 {
		cfg.Limits.MaxConcurrent = 4
	}
	if cfg.Housekeeping.Interval == 0 {
		cfg.Housekeeping.Interval = Duration(30 * time.Second)
	}

	return cfg, validate(cfg)
}

func validate(cfg *Config) error {
	if cfg.Limits.MaxConcurrent < 0 {
		return errors.ConfigInvalid("limits.max_concurrent cannot be negative")
	}
	if cfg.Agent.SilenceTimeout < 0 || cfg.Agent.TotalTimeout < 0 {
		return errors.ConfigInvalid("agent timeouts cannot be negative")
	}
	if cfg.Agent.SilenceTimeout.Std() > cfg.Agent.TotalTimeout.Std() {
		return errors.ConfigInvalid("agent.silence_timeout cannot exceed agent.total_timeout")
	}
	return nil
}
