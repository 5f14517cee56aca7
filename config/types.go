package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jeffjacobsen/crystal/logging"
)

// Duration wraps time.Duration so values like "5m" parse from YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the root configuration for the crystal daemon, loaded from
// ~/.crystal/config.yml.
type Config struct {
	// StateDir holds the database, socket, and pid file. Defaults to ~/.crystal.
	StateDir string `yaml:"state_dir"`

	// DatabasePath overrides the default <state_dir>/crystal.db location.
	DatabasePath string `yaml:"database_path"`

	// SocketPath overrides the default <state_dir>/crystald.sock location.
	SocketPath string `yaml:"socket_path"`

	// PidFilePath overrides the default <state_dir>/crystald.pid location.
	PidFilePath string `yaml:"pid_file_path"`

	// Worktrees configures working copy allocation.
	Worktrees WorktreeConfig `yaml:"worktrees"`

	// Agent configures the coding agent process.
	Agent AgentConfig `yaml:"agent"`

	// Limits configures concurrency bounds.
	Limits LimitsConfig `yaml:"limits"`

	// Housekeeping configures periodic background scans.
	Housekeeping HousekeepingConfig `yaml:"housekeeping"`

	// Logging configures the log sinks and format.
	Logging logging.Config `yaml:"logging"`
}

// WorktreeConfig configures where session working copies are placed.
type WorktreeConfig struct {
	// DirName is the sibling directory of the repository that holds
	// per-session worktrees. Defaults to ".crystal-worktrees".
	DirName string `yaml:"dir_name"`
}

// AgentConfig describes how the coding agent process is launched.
type AgentConfig struct {
	// Command is the agent executable. Defaults to "claude".
	Command string `yaml:"command"`

	// Args are prepended to every invocation, before the prompt flags.
	Args []string `yaml:"args"`

	// SilenceTimeout terminates a run producing no output. Defaults to 5m.
	SilenceTimeout Duration `yaml:"silence_timeout"`

	// TotalTimeout bounds a run's wall clock. Defaults to 60m.
	TotalTimeout Duration `yaml:"total_timeout"`

	// KillGracePeriod is how long SIGTERM is given before SIGKILL. Defaults to 5s.
	KillGracePeriod Duration `yaml:"kill_grace_period"`
}

// LimitsConfig bounds concurrent heavyweight operations.
type LimitsConfig struct {
	// MaxConcurrent caps simultaneous agent runs and worktree operations.
	// Defaults to 4.
	MaxConcurrent int `yaml:"max_concurrent"`
}

// HousekeepingConfig configures the periodic orphan/zombie scan.
type HousekeepingConfig struct {
	// Interval between scans. Defaults to 30s.
	Interval Duration `yaml:"interval"`
}
