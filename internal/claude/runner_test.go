package claude

import (
	"reflect"
	"strings"
	"testing"

	"pkt.systems/takopi/internal/jsonl"
	"pkt.systems/takopi/schema"
)

func TestBuildArgsNewSession(t *testing.T) {
	args := buildArgs(Options{Model: "opus"}, DefaultAllowedTools, jsonl.RunInfo{Prompt: "hello"})
	want := []string{
		"-p", "--output-format", "stream-json", "--verbose",
		"--model", "opus",
		"--allowedTools", "Bash,Read,Edit,Write",
		"--", "hello",
	}
	if !reflect.DeepEqual(args, want) {
		t.Fatalf("unexpected args:\nwant: %#v\ngot:  %#v", want, args)
	}
}

func TestBuildArgsResumeAndDashPrompt(t *testing.T) {
	resume := &schema.ResumeToken{Engine: EngineID, Value: "sess-1"}
	args := buildArgs(Options{}, nil, jsonl.RunInfo{Prompt: "-rf is dangerous", Resume: resume})
	if args[len(args)-1] != " -rf is dangerous" {
		t.Fatalf("leading-dash prompt must be space padded, got %q", args[len(args)-1])
	}
	found := false
	for i, arg := range args {
		if arg == "--resume" && i+1 < len(args) && args[i+1] == "sess-1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("resume flag missing: %v", args)
	}
}

func TestResumeCodecRoundTrip(t *testing.T) {
	runner := New(Options{}, nil)
	token := schema.ResumeToken{Engine: EngineID, Value: "c0ffee"}
	line, err := runner.FormatResume(token)
	if err != nil {
		t.Fatalf("FormatResume: %v", err)
	}
	if line != "`claude --resume c0ffee`" {
		t.Fatalf("unexpected resume line: %q", line)
	}
	if !runner.IsResumeLine(line) {
		t.Fatalf("IsResumeLine(%q) = false", line)
	}
	got := runner.ExtractResume(line)
	if got == nil || *got != token {
		t.Fatalf("ExtractResume = %+v, want %+v", got, token)
	}
}

func TestExtractResumeAcceptsShortFlag(t *testing.T) {
	runner := New(Options{}, nil)
	got := runner.ExtractResume("claude -r deadbeef")
	if got == nil || got.Value != "deadbeef" {
		t.Fatalf("ExtractResume = %+v, want deadbeef", got)
	}
}

func newTestState() *runState {
	return &runState{
		factory:        schema.EventFactory{Engine: EngineID},
		pendingActions: make(map[string]schema.Action),
	}
}

func TestTranslateInitEmitsStarted(t *testing.T) {
	runner := New(Options{}, nil)
	state := newTestState()

	msg, err := decodeWire([]byte(`{"type":"system","subtype":"init","session_id":"s1","model":"claude-test","cwd":"/work"}`))
	if err != nil {
		t.Fatalf("decodeWire: %v", err)
	}
	events := runner.translate(msg, state)
	started, ok := events[0].(schema.Started)
	if !ok {
		t.Fatalf("expected Started, got %T", events[0])
	}
	if started.Resume.Value != "s1" || started.Title != "claude-test" {
		t.Fatalf("unexpected started event: %+v", started)
	}
	if started.Meta["cwd"] != "/work" {
		t.Fatalf("meta missing cwd: %+v", started.Meta)
	}
}

func TestTranslateToolUseAndResult(t *testing.T) {
	runner := New(Options{}, nil)
	state := newTestState()

	msg, err := decodeWire([]byte(`{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"tu1","name":"Bash","input":{"command":"go test ./..."}}]}}`))
	if err != nil {
		t.Fatalf("decodeWire: %v", err)
	}
	events := runner.translate(msg, state)
	act := events[0].(schema.ActionEvent)
	if act.Action.Kind != schema.ActionCommand || act.Action.Title != "go test ./..." {
		t.Fatalf("unexpected tool action: %+v", act.Action)
	}
	if act.Phase != schema.PhaseStarted {
		t.Fatalf("expected started phase, got %s", act.Phase)
	}

	msg, err = decodeWire([]byte(`{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"tu1","content":"ok\n","is_error":false}]}}`))
	if err != nil {
		t.Fatalf("decodeWire: %v", err)
	}
	events = runner.translate(msg, state)
	act = events[0].(schema.ActionEvent)
	if act.Phase != schema.PhaseCompleted || act.OK == nil || !*act.OK {
		t.Fatalf("unexpected result event: %+v", act)
	}
	if act.Action.Detail["result_preview"] != "ok\n" {
		t.Fatalf("result preview missing: %+v", act.Action.Detail)
	}
	if len(state.pendingActions) != 0 {
		t.Fatalf("pending action was not consumed")
	}
}

func TestTranslateResultPrefersExplicitText(t *testing.T) {
	runner := New(Options{}, nil)
	state := newTestState()

	msg, _ := decodeWire([]byte(`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"buffered answer"}]}}`))
	if events := runner.translate(msg, state); len(events) != 0 {
		t.Fatalf("text blocks should buffer, got %d events", len(events))
	}

	msg, _ = decodeWire([]byte(`{"type":"result","subtype":"success","is_error":false,"result":"","session_id":"s1"}`))
	events := runner.translate(msg, state)
	completed := events[0].(schema.Completed)
	if completed.Answer != "buffered answer" {
		t.Fatalf("empty result should fall back to buffered text, got %q", completed.Answer)
	}
	if completed.Resume == nil || completed.Resume.Value != "s1" {
		t.Fatalf("completion lost the session: %+v", completed.Resume)
	}
}

func TestTranslateErrorResult(t *testing.T) {
	runner := New(Options{}, nil)
	state := newTestState()

	msg, _ := decodeWire([]byte(`{"type":"result","subtype":"error_during_execution","is_error":true,"session_id":"s1"}`))
	events := runner.translate(msg, state)
	completed := events[0].(schema.Completed)
	if completed.OK {
		t.Fatalf("expected failure")
	}
	if !strings.Contains(completed.Error, "error_during_execution") {
		t.Fatalf("error should carry the subtype, got %q", completed.Error)
	}
}

func TestStripEnvRemovesAPIKey(t *testing.T) {
	env := []string{"HOME=/home/u", "ANTHROPIC_API_KEY=sk-secret", "PATH=/bin"}
	got := stripEnv(env, "ANTHROPIC_API_KEY")
	want := []string{"HOME=/home/u", "PATH=/bin"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("stripEnv = %v, want %v", got, want)
	}
}
