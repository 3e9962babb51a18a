// Package engines builds the adapter registry from configuration:
// option parsing per engine, CLI availability probing, and registry
// ordering (default engine first).
package engines

import (
	"fmt"
	"os/exec"

	"pkt.systems/takopi/core"
	"pkt.systems/takopi/internal/appconfig"
	"pkt.systems/takopi/internal/claude"
	"pkt.systems/takopi/internal/codex"
	"pkt.systems/takopi/internal/opencode"
	"pkt.systems/takopi/internal/pi"
	"pkt.systems/takopi/internal/router"
	"pkt.systems/takopi/schema"
)

// backend couples an engine id with its runner constructor and the CLI
// binary probed for availability.
type backend struct {
	id    schema.EngineID
	build func(options appconfig.EngineConfig, locks *core.LockRegistry) (core.Runner, string, error)
}

var backends = []backend{
	{id: codex.EngineID, build: buildCodex},
	{id: claude.EngineID, build: buildClaude},
	{id: opencode.EngineID, build: buildOpenCode},
	{id: pi.EngineID, build: buildPi},
}

// IDs lists every registered engine id.
func IDs() []schema.EngineID {
	out := make([]schema.EngineID, 0, len(backends))
	for _, b := range backends {
		out = append(out, b.id)
	}
	return out
}

// BuildEntries constructs the adapter registry, default engine first. A
// broken or missing non-default engine degrades to unavailable; a
// broken default engine is a configuration error.
func BuildEntries(cfg appconfig.Config, locks *core.LockRegistry) ([]router.Entry, error) {
	defaultEngine := schema.EngineID(cfg.DefaultEngine)
	known := false
	for _, b := range backends {
		if b.id == defaultEngine {
			known = true
			break
		}
	}
	if !known {
		return nil, appconfig.NewConfigError(
			"unknown default engine %q; available: %s", cfg.DefaultEngine, idList())
	}

	ordered := make([]backend, 0, len(backends))
	for _, b := range backends {
		if b.id == defaultEngine {
			ordered = append(ordered, b)
		}
	}
	for _, b := range backends {
		if b.id != defaultEngine {
			ordered = append(ordered, b)
		}
	}

	entries := make([]router.Entry, 0, len(ordered))
	for _, b := range ordered {
		options := cfg.Engines[string(b.id)]
		runner, command, err := b.build(options, locks)
		if err != nil {
			if b.id == defaultEngine {
				return nil, err
			}
			// Fall back to defaults so the resume codec still works
			// for routing, and surface the issue.
			fallback, _, fallbackErr := b.build(nil, locks)
			if fallbackErr != nil {
				return nil, fallbackErr
			}
			entries = append(entries, router.Entry{
				Runner: fallback, Available: false, Issue: err.Error(),
			})
			continue
		}
		issue := ""
		if _, err := exec.LookPath(command); err != nil {
			issue = fmt.Sprintf("%s not found on PATH", command)
		}
		if issue != "" && b.id == defaultEngine {
			return nil, appconfig.NewConfigError("default engine %q unavailable: %s", b.id, issue)
		}
		entries = append(entries, router.Entry{
			Runner: runner, Available: issue == "", Issue: issue,
		})
	}
	return entries, nil
}

func idList() string {
	out := ""
	for i, b := range backends {
		if i > 0 {
			out += ", "
		}
		out += string(b.id)
	}
	return out
}

func buildCodex(options appconfig.EngineConfig, locks *core.LockRegistry) (core.Runner, string, error) {
	opts := codex.Options{}
	if options != nil {
		extraArgs, set, err := options.StringListOption("codex", "extra_args")
		if err != nil {
			return nil, "", err
		}
		if set {
			opts.ExtraArgs = extraArgs
		}
		if opts.Profile, err = options.StringOption("codex", "profile"); err != nil {
			return nil, "", err
		}
		if opts.Unrestricted, err = options.BoolOption("codex", "unrestricted"); err != nil {
			return nil, "", err
		}
		if opts.Command, err = options.StringOption("codex", "command"); err != nil {
			return nil, "", err
		}
	}
	command := opts.Command
	if command == "" {
		command = "codex"
	}
	return codex.New(opts, locks), command, nil
}

func buildClaude(options appconfig.EngineConfig, locks *core.LockRegistry) (core.Runner, string, error) {
	opts := claude.Options{}
	if options != nil {
		var err error
		if opts.Command, err = options.StringOption("claude", "command"); err != nil {
			return nil, "", err
		}
		if opts.Model, err = options.StringOption("claude", "model"); err != nil {
			return nil, "", err
		}
		allowedTools, set, err := options.StringListOption("claude", "allowed_tools")
		if err != nil {
			return nil, "", err
		}
		if set {
			opts.AllowedTools = allowedTools
		}
		if opts.DangerouslySkipPermissions, err = options.BoolOption("claude", "dangerously_skip_permissions"); err != nil {
			return nil, "", err
		}
		if opts.UseAPIBilling, err = options.BoolOption("claude", "use_api_billing"); err != nil {
			return nil, "", err
		}
	}
	command := opts.Command
	if command == "" {
		command = "claude"
	}
	return claude.New(opts, locks), command, nil
}

func buildOpenCode(options appconfig.EngineConfig, locks *core.LockRegistry) (core.Runner, string, error) {
	opts := opencode.Options{}
	if options != nil {
		var err error
		if opts.Command, err = options.StringOption("opencode", "command"); err != nil {
			return nil, "", err
		}
		if opts.Model, err = options.StringOption("opencode", "model"); err != nil {
			return nil, "", err
		}
	}
	command := opts.Command
	if command == "" {
		command = "opencode"
	}
	return opencode.New(opts, locks), command, nil
}

func buildPi(options appconfig.EngineConfig, locks *core.LockRegistry) (core.Runner, string, error) {
	opts := pi.Options{}
	if options != nil {
		extraArgs, set, err := options.StringListOption("pi", "extra_args")
		if err != nil {
			return nil, "", err
		}
		if set {
			opts.ExtraArgs = extraArgs
		}
		if opts.Model, err = options.StringOption("pi", "model"); err != nil {
			return nil, "", err
		}
		if opts.Provider, err = options.StringOption("pi", "provider"); err != nil {
			return nil, "", err
		}
	}
	return pi.New(opts, locks), "pi", nil
}
