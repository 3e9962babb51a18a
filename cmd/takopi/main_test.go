package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestRootCmdHasEngineSubcommands(t *testing.T) {
	root := newRootCmd()
	names := map[string]bool{}
	for _, cmd := range root.Commands() {
		names[cmd.Name()] = true
	}
	for _, want := range []string{"codex", "claude", "opencode", "pi", "version"} {
		if !names[want] {
			t.Errorf("subcommand %q missing", want)
		}
	}
}

func TestVersionCmd(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out.String(), "takopi ") {
		t.Fatalf("unexpected version output: %q", out.String())
	}
}

func TestHasDebugFlag(t *testing.T) {
	if !hasDebugFlag([]string{"--debug"}) {
		t.Errorf("--debug not detected")
	}
	if hasDebugFlag([]string{"--no-debug", "--debug"}) {
		t.Errorf("--no-debug must win when it comes first")
	}
	if hasDebugFlag([]string{"serve"}) {
		t.Errorf("false positive")
	}
}
