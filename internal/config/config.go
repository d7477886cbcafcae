// Package config provides configuration types, defaults, and persistence
// for agentbus.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/zjrosen/agentbus/internal/tracing"
)

// Config holds all configuration options for agentbus.
// The engine itself needs only the project root; the rest tunes the
// ambient machinery (polling, debug logging, tracing).
type Config struct {
	// ProjectRoot is the directory whose .claude/ tree holds the
	// coordination state. Default: current directory.
	ProjectRoot string `mapstructure:"project_root"`

	// Agent is the default agent identity for CLI operations.
	Agent string `mapstructure:"agent"`

	// Debug enables the debug log file.
	Debug bool `mapstructure:"debug"`

	// DebugLogPath overrides the debug log location.
	// Default: <project>/.claude/agentbus-debug.log
	DebugLogPath string `mapstructure:"debug_log_path"`

	Poll    PollConfig     `mapstructure:"poll"`
	Tracing tracing.Config `mapstructure:"tracing"`
}

// PollConfig tunes the caller-side wait loops. Both loops use
// exponential backoff between receive queries.
type PollConfig struct {
	// ResponseInitial is the first sleep when waiting on a response.
	// Default: 10ms, doubling up to ResponseMax.
	ResponseInitial time.Duration `mapstructure:"response_initial"`

	// ResponseMax caps the response-wait sleep. Default: 1s.
	ResponseMax time.Duration `mapstructure:"response_max"`

	// BatchInitial is the first sleep when waiting on any message.
	// Default: 100ms, growing 1.5x up to BatchMax.
	BatchInitial time.Duration `mapstructure:"batch_initial"`

	// BatchMax caps the batch-wait sleep. Default: 2s.
	BatchMax time.Duration `mapstructure:"batch_max"`
}

// Defaults returns the default configuration.
func Defaults() Config {
	return Config{
		ProjectRoot: ".",
		Agent:       "system",
		Poll: PollConfig{
			ResponseInitial: 10 * time.Millisecond,
			ResponseMax:     1 * time.Second,
			BatchInitial:    100 * time.Millisecond,
			BatchMax:        2 * time.Second,
		},
		Tracing: tracing.DefaultConfig(),
	}
}

// ConfigFileName is the base name of the config file.
const ConfigFileName = "config.yaml"

// ProjectConfigPath returns the project-local config path,
// <project>/.agentbus/config.yaml.
func ProjectConfigPath(projectRoot string) string {
	return filepath.Join(projectRoot, ".agentbus", ConfigFileName)
}

// UserConfigPath returns the per-user config path,
// ~/.config/agentbus/config.yaml, or empty if the home dir is unknown.
func UserConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "agentbus", ConfigFileName)
}

// ResolveConfigPath returns the config file to load: the project-local
// file when it exists, otherwise the per-user file.
func ResolveConfigPath(projectRoot string) string {
	project := ProjectConfigPath(projectRoot)
	if _, err := os.Stat(project); err == nil {
		return project
	}
	return UserConfigPath()
}
