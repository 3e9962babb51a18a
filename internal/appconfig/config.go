// Package appconfig loads and validates the takopi configuration file.
package appconfig

import (
	"fmt"
	"os"
	"path/filepath"
)

// Config is the top-level application configuration.
type Config struct {
	DefaultEngine  string                   `mapstructure:"default_engine" yaml:"default_engine"`
	DefaultProject string                   `mapstructure:"default_project" yaml:"default_project"`
	FinalNotify    bool                     `mapstructure:"final_notify" yaml:"final_notify"`
	Telegram       TelegramConfig           `mapstructure:"telegram" yaml:"telegram"`
	Engines        map[string]EngineConfig  `mapstructure:"engines" yaml:"engines"`
	Projects       map[string]ProjectConfig `mapstructure:"projects" yaml:"projects"`
}

// TelegramConfig holds the bot credentials and the allowed chat.
type TelegramConfig struct {
	Token  string `mapstructure:"token" yaml:"token"`
	ChatID int64  `mapstructure:"chat_id" yaml:"chat_id"`
}

// EngineConfig is the free-form option table for one engine (model,
// provider, extra_args, allowed_tools, ...). Adapters validate the keys
// they consume.
type EngineConfig map[string]any

// ProjectConfig describes one routable project.
type ProjectConfig struct {
	Alias         string `mapstructure:"-" yaml:"-"`
	Path          string `mapstructure:"path" yaml:"path"`
	WorktreesDir  string `mapstructure:"worktrees_dir" yaml:"worktrees_dir"`
	DefaultEngine string `mapstructure:"default_engine" yaml:"default_engine"`
	WorktreeBase  string `mapstructure:"worktree_base" yaml:"worktree_base"`
	ChatID        int64  `mapstructure:"chat_id" yaml:"chat_id"`
}

// ConfigError is a user-facing configuration problem; the process exits
// with code 1 when one surfaces at startup.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string { return e.Message }

// NewConfigError formats a ConfigError.
func NewConfigError(format string, args ...any) *ConfigError {
	return &ConfigError{Message: fmt.Sprintf(format, args...)}
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		DefaultEngine: "codex",
		FinalNotify:   true,
		Engines:       map[string]EngineConfig{},
		Projects:      map[string]ProjectConfig{},
	}
}

// DefaultConfigPath is ~/.takopi/takopi.yaml.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".takopi", "takopi.yaml"), nil
}

// ResolvedWorktreesDir returns the project's worktree root, defaulting
// to <path>/.worktrees.
func (p ProjectConfig) ResolvedWorktreesDir() string {
	if p.WorktreesDir != "" {
		return p.WorktreesDir
	}
	return filepath.Join(p.Path, ".worktrees")
}
