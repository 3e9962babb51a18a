package format

import (
	"strings"
	"testing"

	"pkt.systems/takopi/schema"
)

func TestFormatEventStarted(t *testing.T) {
	r := NewPlainRenderer()
	lines := r.FormatEvent(schema.Started{
		Engine: "codex",
		Resume: schema.ResumeToken{Engine: "codex", Value: "U"},
		Title:  "Codex",
	})
	if len(lines) != 1 || !strings.HasPrefix(lines[0], "codex") {
		t.Fatalf("unexpected lines: %v", lines)
	}
}

func TestFormatEventActionPhases(t *testing.T) {
	r := NewPlainRenderer()
	action := schema.Action{ID: "a1", Kind: schema.ActionCommand, Title: "make build"}

	lines := r.FormatEvent(schema.ActionEvent{
		Engine: "codex", Action: action, Phase: schema.PhaseStarted,
	})
	if len(lines) != 1 || !strings.HasPrefix(lines[0], "[...]") {
		t.Fatalf("start line wrong: %v", lines)
	}

	lines = r.FormatEvent(schema.ActionEvent{
		Engine: "codex", Action: action, Phase: schema.PhaseCompleted, OK: schema.Bool(false),
	})
	if len(lines) != 1 || !strings.HasPrefix(lines[0], "[fail]") {
		t.Fatalf("fail line wrong: %v", lines)
	}
}

func TestFormatEventSkipsTurns(t *testing.T) {
	r := NewPlainRenderer()
	lines := r.FormatEvent(schema.ActionEvent{
		Engine: "codex",
		Action: schema.Action{ID: "t0", Kind: schema.ActionTurn, Title: "turn started"},
		Phase:  schema.PhaseStarted,
	})
	if lines != nil {
		t.Fatalf("turn events must render nothing: %v", lines)
	}
}

func TestFormatEventCompleted(t *testing.T) {
	r := NewPlainRenderer()
	lines := r.FormatEvent(schema.Completed{Engine: "codex", OK: false, Error: "rc=3"})
	if len(lines) != 1 || lines[0] != "failed: rc=3" {
		t.Fatalf("unexpected lines: %v", lines)
	}
}

func TestFormatEventMultilineTitleTruncated(t *testing.T) {
	r := NewPlainRenderer()
	lines := r.FormatEvent(schema.ActionEvent{
		Engine: "codex",
		Action: schema.Action{ID: "a", Kind: schema.ActionNote, Title: "first\nsecond"},
		Phase:  schema.PhaseCompleted,
		OK:     schema.Bool(true),
	})
	if len(lines) != 1 || strings.Contains(lines[0], "second") {
		t.Fatalf("multi-line title must keep only the first line: %v", lines)
	}
}
