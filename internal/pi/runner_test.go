package pi

import (
	"encoding/json"
	"testing"

	"pkt.systems/takopi/schema"
)

func decodeTestEvent(t *testing.T, line string) *wireEvent {
	t.Helper()
	var event wireEvent
	if err := json.Unmarshal([]byte(line), &event); err != nil {
		t.Fatalf("unmarshal %q: %v", line, err)
	}
	return &event
}

func newTestState(resume string) *runState {
	return &runState{
		factory:          schema.EventFactory{Engine: EngineID},
		resume:           schema.ResumeToken{Engine: EngineID, Value: resume},
		allowIDPromotion: looksLikeSessionPath(resume),
		pendingActions:   make(map[string]schema.Action),
	}
}

func TestResumeCodecRoundTrip(t *testing.T) {
	runner := New(Options{}, nil)
	token := schema.ResumeToken{Engine: EngineID, Value: "0199a213"}
	line, err := runner.FormatResume(token)
	if err != nil {
		t.Fatalf("FormatResume: %v", err)
	}
	if line != "`pi --session 0199a213`" {
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

func TestResumeCodecQuotedPath(t *testing.T) {
	runner := New(Options{}, nil)
	token := schema.ResumeToken{Engine: EngineID, Value: "/tmp/my session.jsonl"}
	line, err := runner.FormatResume(token)
	if err != nil {
		t.Fatalf("FormatResume: %v", err)
	}
	if line != "`pi --session \"/tmp/my session.jsonl\"`" {
		t.Fatalf("unexpected resume line: %q", line)
	}
	got := runner.ExtractResume(line)
	if got == nil || got.Value != "/tmp/my session.jsonl" {
		t.Fatalf("ExtractResume = %+v, want unquoted path", got)
	}
}

func TestSessionHeaderPromotesPathToken(t *testing.T) {
	runner := New(Options{}, nil)
	state := newTestState("/home/u/.pi/agent/sessions/--work--/x.jsonl")

	events := runner.translate(decodeTestEvent(t, `{"type":"session","id":"0199a213-81a0-7800"}`), state)
	started, ok := events[0].(schema.Started)
	if !ok {
		t.Fatalf("expected Started, got %T", events[0])
	}
	if started.Resume.Value != "0199a213" {
		t.Fatalf("session id was not promoted/shortened: %+v", started.Resume)
	}
	if state.allowIDPromotion {
		t.Fatalf("promotion must be one-shot")
	}
}

func TestResumedSessionKeepsToken(t *testing.T) {
	runner := New(Options{}, nil)
	state := newTestState("abcd1234")

	events := runner.translate(decodeTestEvent(t, `{"type":"session","id":"ffff0000-1111"}`), state)
	started := events[0].(schema.Started)
	if started.Resume.Value != "abcd1234" {
		t.Fatalf("resumed token must not be replaced: %+v", started.Resume)
	}
}

func TestToolLifecycle(t *testing.T) {
	runner := New(Options{}, nil)
	state := newTestState("abcd1234")
	state.started = true

	events := runner.translate(decodeTestEvent(t,
		`{"type":"tool_execution_start","toolCallId":"tc1","toolName":"bash","args":{"command":"make"}}`), state)
	act := events[0].(schema.ActionEvent)
	if act.Action.Kind != schema.ActionCommand || act.Action.Title != "make" {
		t.Fatalf("unexpected tool start: %+v", act.Action)
	}

	events = runner.translate(decodeTestEvent(t,
		`{"type":"tool_execution_end","toolCallId":"tc1","toolName":"bash","result":"done","isError":false}`), state)
	act = events[0].(schema.ActionEvent)
	if act.Phase != schema.PhaseCompleted || act.OK == nil || !*act.OK {
		t.Fatalf("unexpected tool end: %+v", act)
	}
}

func TestAgentEndCompletesWithAssistantText(t *testing.T) {
	runner := New(Options{}, nil)
	state := newTestState("abcd1234")
	state.started = true

	runner.translate(decodeTestEvent(t,
		`{"type":"message_end","message":{"role":"assistant","content":[{"type":"text","text":"All set."}],"usage":{"input":5}}}`), state)
	events := runner.translate(decodeTestEvent(t, `{"type":"agent_end","messages":[]}`), state)

	completed := events[0].(schema.Completed)
	if !completed.OK || completed.Answer != "All set." {
		t.Fatalf("unexpected completion: %+v", completed)
	}
	if completed.Usage == nil {
		t.Fatalf("usage was dropped")
	}
	if completed.Resume == nil || completed.Resume.Value != "abcd1234" {
		t.Fatalf("completion lost the session: %+v", completed.Resume)
	}
}

func TestAssistantErrorPropagates(t *testing.T) {
	runner := New(Options{}, nil)
	state := newTestState("abcd1234")
	state.started = true

	runner.translate(decodeTestEvent(t,
		`{"type":"message_end","message":{"role":"assistant","content":[],"stopReason":"error","errorMessage":"rate limited"}}`), state)
	events := runner.translate(decodeTestEvent(t, `{"type":"agent_end","messages":[]}`), state)

	completed := events[0].(schema.Completed)
	if completed.OK || completed.Error != "rate limited" {
		t.Fatalf("unexpected completion: %+v", completed)
	}
}

func TestFirstEventWithoutHeaderStillStarts(t *testing.T) {
	runner := New(Options{}, nil)
	state := newTestState("abcd1234")

	events := runner.translate(decodeTestEvent(t,
		`{"type":"tool_execution_start","toolCallId":"tc1","toolName":"bash","args":{}}`), state)
	if len(events) != 2 {
		t.Fatalf("expected Started + action, got %d events", len(events))
	}
	if _, ok := events[0].(schema.Started); !ok {
		t.Fatalf("first event must be Started, got %T", events[0])
	}
}

func TestLooksLikeSessionPath(t *testing.T) {
	cases := map[string]bool{
		"/tmp/x.jsonl": true,
		"sessions/x":   true,
		"~x":           true,
		"abcd1234":     false,
		"":             false,
	}
	for token, want := range cases {
		if got := looksLikeSessionPath(token); got != want {
			t.Errorf("looksLikeSessionPath(%q) = %v, want %v", token, got, want)
		}
	}
}
