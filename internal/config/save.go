package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// defaultConfigTemplate is the commented starter config written by
// WriteDefaultConfig. Values mirror Defaults().
const defaultConfigTemplate = `# agentbus configuration
# Project-local config lives at <project>/.agentbus/config.yaml and
# takes precedence over ~/.config/agentbus/config.yaml.

# Directory whose .claude/ tree holds the coordination state.
project_root: "."

# Default agent identity for CLI operations.
agent: "system"

# Write a debug log to <project>/.claude/agentbus-debug.log.
debug: false

# Caller-side poll backoff.
poll:
  response_initial: 10ms
  response_max: 1s
  batch_initial: 100ms
  batch_max: 2s

# Distributed tracing (off by default).
tracing:
  enabled: false
  exporter: "file"
  sample_rate: 1.0
`

// WriteDefaultConfig writes the commented starter config to path,
// creating parent directories. Refuses to overwrite an existing file.
func WriteDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config already exists: %s", path)
	}

	// The template must stay parseable; catch drift before writing.
	var check Config
	if err := yaml.Unmarshal([]byte(defaultConfigTemplate), &check); err != nil {
		return fmt.Errorf("default config template is invalid: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	temp, err := os.CreateTemp(dir, ".config.yaml.tmp.*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tempName := temp.Name()
	if _, err := temp.WriteString(defaultConfigTemplate); err != nil {
		_ = temp.Close()
		_ = os.Remove(tempName)
		return fmt.Errorf("writing config: %w", err)
	}
	if err := temp.Close(); err != nil {
		_ = os.Remove(tempName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tempName, path); err != nil {
		_ = os.Remove(tempName)
		return fmt.Errorf("replacing config: %w", err)
	}
	return nil
}
