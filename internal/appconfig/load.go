package appconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Load reads configuration from path. An empty path uses
// DefaultConfigPath. A missing file yields the defaults; a malformed or
// invalid file yields a ConfigError.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("default_engine", cfg.DefaultEngine)
	v.SetDefault("default_project", cfg.DefaultProject)
	v.SetDefault("final_notify", cfg.FinalNotify)
	v.SetDefault("telegram.token", "")
	v.SetDefault("telegram.chat_id", 0)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if os.IsNotExist(err) {
				return cfg, nil
			}
			return Config{}, NewConfigError("read %s: %v", path, err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, NewConfigError("parse %s: %v", path, err)
	}
	if err := validate(&cfg, path); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg *Config, path string) error {
	cfg.DefaultEngine = strings.TrimSpace(cfg.DefaultEngine)
	if cfg.DefaultEngine == "" {
		return NewConfigError("invalid `default_engine` in %s; expected a non-empty string", path)
	}

	if cfg.Engines == nil {
		cfg.Engines = map[string]EngineConfig{}
	}
	if cfg.Projects == nil {
		cfg.Projects = map[string]ProjectConfig{}
	}

	normalized := make(map[string]ProjectConfig, len(cfg.Projects))
	for alias, project := range cfg.Projects {
		key := strings.ToLower(strings.TrimSpace(alias))
		if key == "" {
			return NewConfigError("invalid empty project alias in %s", path)
		}
		if project.Path == "" {
			return NewConfigError("project %q in %s is missing `path`", alias, path)
		}
		if !filepath.IsAbs(project.Path) {
			return NewConfigError("project %q in %s: `path` must be absolute, got %q", alias, path, project.Path)
		}
		project.Alias = key
		normalized[key] = project
	}
	cfg.Projects = normalized

	if cfg.DefaultProject != "" {
		key := strings.ToLower(cfg.DefaultProject)
		if _, ok := cfg.Projects[key]; !ok {
			return NewConfigError("`default_project` %q in %s is not a configured project", cfg.DefaultProject, path)
		}
		cfg.DefaultProject = key
	}
	return nil
}

// UpdateDefaultEngine rewrites default_engine in the config file,
// preserving the rest of the document. Used by the /default chat
// command.
func UpdateDefaultEngine(path, engine string) error {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return err
		}
		path = defaultPath
	}
	doc := map[string]any{}
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return NewConfigError("parse %s: %v", path, err)
		}
	case os.IsNotExist(err):
		// A fresh file gets just the one key.
	default:
		return NewConfigError("read %s: %v", path, err)
	}
	doc["default_engine"] = engine

	out, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return NewConfigError("create config dir: %v", err)
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return NewConfigError("write %s: %v", path, err)
	}
	return nil
}

// String option helpers used by engine construction.

// StringOption returns a string key from an engine table, with a
// ConfigError naming the key on type mismatch.
func (c EngineConfig) StringOption(engine, key string) (string, error) {
	value, ok := c[key]
	if !ok || value == nil {
		return "", nil
	}
	text, ok := value.(string)
	if !ok {
		return "", NewConfigError("invalid `%s.%s`; expected a string", engine, key)
	}
	return text, nil
}

// BoolOption returns a bool key from an engine table.
func (c EngineConfig) BoolOption(engine, key string) (bool, error) {
	value, ok := c[key]
	if !ok || value == nil {
		return false, nil
	}
	flag, ok := value.(bool)
	if !ok {
		return false, NewConfigError("invalid `%s.%s`; expected a boolean", engine, key)
	}
	return flag, nil
}

// StringListOption returns a string-list key from an engine table.
// Returns (nil, false, nil) when the key is absent, so callers can
// distinguish "unset" from "empty".
func (c EngineConfig) StringListOption(engine, key string) ([]string, bool, error) {
	value, ok := c[key]
	if !ok {
		return nil, false, nil
	}
	switch list := value.(type) {
	case []string:
		return list, true, nil
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			text, ok := item.(string)
			if !ok {
				return nil, true, NewConfigError("invalid `%s.%s`; expected a list of strings", engine, key)
			}
			out = append(out, text)
		}
		return out, true, nil
	}
	return nil, true, NewConfigError("invalid `%s.%s`; expected a list of strings", engine, key)
}
