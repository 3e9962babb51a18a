package jsonl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"pkt.systems/takopi/core"
	"pkt.systems/takopi/schema"
)

type testState struct{}

// shEngine runs /bin/sh -c <script> and translates a tiny JSONL
// vocabulary: {"type":"started","id":...}, {"type":"act","id":...},
// {"type":"done","answer":...}.
func shEngine(script string) Engine[testState] {
	return Engine[testState]{
		ID:      "sh",
		Command: "/bin/sh",
		BuildArgs: func(_ RunInfo, _ *testState) []string {
			return []string{"-c", script}
		},
		NewState: func(_ RunInfo) *testState { return &testState{} },
		Decode: func(line []byte) (any, error) {
			var decoded map[string]any
			if err := json.Unmarshal(line, &decoded); err != nil {
				return nil, err
			}
			return decoded, nil
		},
		Translate: func(decoded any, _ *testState, resume, found *schema.ResumeToken) ([]schema.Event, error) {
			data := decoded.(map[string]any)
			factory := schema.EventFactory{Engine: "sh"}
			switch data["type"] {
			case "started":
				id, _ := data["id"].(string)
				token := schema.ResumeToken{Engine: "sh", Value: id}
				return []schema.Event{factory.Started(token, "sh", nil)}, nil
			case "act":
				id, _ := data["id"].(string)
				return []schema.Event{factory.ActionCompleted(schema.Action{
					ID: id, Kind: schema.ActionCommand, Title: id,
				}, true)}, nil
			case "done":
				answer, _ := data["answer"].(string)
				token := found
				if token == nil {
					token = resume
				}
				return []schema.Event{factory.CompletedOK(answer, token, nil)}, nil
			case "boom":
				return nil, errors.New("translation blew up")
			}
			return nil, nil
		},
	}
}

func collect(t *testing.T, stream core.EventStream) []schema.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var events []schema.Event
	for {
		event, err := stream.Next(ctx)
		if err == io.EOF {
			return events
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		events = append(events, event)
	}
}

func line(s string) string { return fmt.Sprintf("printf '%%s\\n' '%s'; ", s) }

func TestRunHappyPath(t *testing.T) {
	script := line(`{"type":"started","id":"t1"}`) +
		line(`{"type":"act","id":"a1"}`) +
		line(`{"type":"done","answer":"Done."}`)
	runner := NewRunner(shEngine(script), nil)

	stream, err := runner.Run(context.Background(), "hi", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	events := collect(t, stream)
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d: %+v", len(events), events)
	}
	started := events[0].(schema.Started)
	if started.Resume.Value != "t1" {
		t.Fatalf("unexpected started: %+v", started)
	}
	completed := events[2].(schema.Completed)
	if !completed.OK || completed.Answer != "Done." {
		t.Fatalf("unexpected completion: %+v", completed)
	}
	if completed.Resume == nil || *completed.Resume != started.Resume {
		t.Fatalf("Completed.resume != Started.resume: %+v", completed.Resume)
	}
}

func TestRunStopsAfterCompleted(t *testing.T) {
	script := line(`{"type":"started","id":"t1"}`) +
		line(`{"type":"done","answer":"first"}`) +
		line(`{"type":"act","id":"after"}`) +
		line(`{"type":"done","answer":"second"}`)
	runner := NewRunner(shEngine(script), nil)

	stream, err := runner.Run(context.Background(), "hi", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	events := collect(t, stream)
	last := events[len(events)-1]
	completed, ok := last.(schema.Completed)
	if !ok || completed.Answer != "first" {
		t.Fatalf("expected run to end at first completion, got %+v", events)
	}
	for _, event := range events[:len(events)-1] {
		if _, ok := event.(schema.Completed); ok {
			t.Fatalf("multiple Completed events: %+v", events)
		}
	}
}

func TestRunDuplicateStartedDropped(t *testing.T) {
	script := line(`{"type":"started","id":"t1"}`) +
		line(`{"type":"started","id":"t2"}`) +
		line(`{"type":"done","answer":"x"}`)
	runner := NewRunner(shEngine(script), nil)

	stream, _ := runner.Run(context.Background(), "hi", nil)
	events := collect(t, stream)
	count := 0
	for _, event := range events {
		if _, ok := event.(schema.Started); ok {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one Started, got %d", count)
	}
}

func TestRunNonZeroExitSynthesizesError(t *testing.T) {
	script := line(`{"type":"started","id":"t1"}`) +
		"echo 'kaboom: disk on fire' >&2; exit 3"
	runner := NewRunner(shEngine(script), nil)

	stream, _ := runner.Run(context.Background(), "hi", nil)
	events := collect(t, stream)
	completed, ok := events[len(events)-1].(schema.Completed)
	if !ok {
		t.Fatalf("expected synthetic completion, got %+v", events)
	}
	if completed.OK {
		t.Fatalf("expected failure")
	}
	if !strings.Contains(completed.Error, "rc=3") {
		t.Fatalf("exit code missing from error: %q", completed.Error)
	}
	if !strings.Contains(completed.Error, "disk on fire") {
		t.Fatalf("stderr tail missing from error: %q", completed.Error)
	}
	if completed.Resume == nil || completed.Resume.Value != "t1" {
		t.Fatalf("found session must survive failure: %+v", completed.Resume)
	}
}

func TestRunStreamEndSynthesizesError(t *testing.T) {
	script := line(`{"type":"started","id":"t1"}`)
	runner := NewRunner(shEngine(script), nil)

	stream, _ := runner.Run(context.Background(), "hi", nil)
	events := collect(t, stream)
	completed, ok := events[len(events)-1].(schema.Completed)
	if !ok || completed.OK {
		t.Fatalf("expected synthetic failure, got %+v", events)
	}
	if !strings.Contains(completed.Error, "without a result event") {
		t.Fatalf("unexpected error: %q", completed.Error)
	}
}

func TestRunInvalidJSONEmitsWarning(t *testing.T) {
	script := line(`not json at all`) +
		line(`{"type":"started","id":"t1"}`) +
		line(`{"type":"done","answer":"x"}`)
	runner := NewRunner(shEngine(script), nil)

	stream, _ := runner.Run(context.Background(), "hi", nil)
	events := collect(t, stream)
	act, ok := events[0].(schema.ActionEvent)
	if !ok || act.Action.Kind != schema.ActionWarning {
		t.Fatalf("expected warning action first, got %+v", events[0])
	}
}

func TestRunTranslateErrorEmitsWarning(t *testing.T) {
	script := line(`{"type":"started","id":"t1"}`) +
		line(`{"type":"boom"}`) +
		line(`{"type":"done","answer":"x"}`)
	runner := NewRunner(shEngine(script), nil)

	stream, _ := runner.Run(context.Background(), "hi", nil)
	events := collect(t, stream)
	foundWarning := false
	for _, event := range events {
		if act, ok := event.(schema.ActionEvent); ok && act.Action.Kind == schema.ActionWarning {
			foundWarning = true
		}
	}
	if !foundWarning {
		t.Fatalf("translation error should surface as warning: %+v", events)
	}
	if _, ok := events[len(events)-1].(schema.Completed); !ok {
		t.Fatalf("run must still complete")
	}
}

func TestRunSpawnFailure(t *testing.T) {
	engine := shEngine("true")
	engine.Command = "/does/not/exist-takopi"
	runner := NewRunner(engine, nil)

	stream, _ := runner.Run(context.Background(), "hi", nil)
	events := collect(t, stream)
	if len(events) != 1 {
		t.Fatalf("expected a single synthetic completion, got %+v", events)
	}
	completed := events[0].(schema.Completed)
	if completed.OK || !strings.Contains(completed.Error, "failed to start") {
		t.Fatalf("unexpected completion: %+v", completed)
	}
}

func TestRunCancellation(t *testing.T) {
	script := line(`{"type":"started","id":"t1"}`) + "sleep 30"
	locks := core.NewLockRegistry()
	runner := NewRunner(shEngine(script), locks)

	ctx, cancel := context.WithCancel(context.Background())
	stream, _ := runner.Run(ctx, "hi", nil)

	first, err := stream.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	started := first.(schema.Started)

	start := time.Now()
	cancel()

	deadline, cancelWait := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelWait()
	var completed *schema.Completed
	for {
		event, err := stream.Next(deadline)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next after cancel: %v", err)
		}
		if done, ok := event.(schema.Completed); ok {
			completed = &done
		}
	}
	if completed == nil || completed.OK || completed.Error != "cancelled" {
		t.Fatalf("expected cancelled completion, got %+v", completed)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("cancellation took too long: %s", elapsed)
	}

	// The thread lock must be free shortly after cancellation.
	lockCtx, lockCancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer lockCancel()
	release, err := locks.Acquire(lockCtx, started.Resume)
	if err != nil {
		t.Fatalf("lock was not released after cancel: %v", err)
	}
	release()
}

func TestRunResumeHoldsThreadLock(t *testing.T) {
	locks := core.NewLockRegistry()
	token := schema.ResumeToken{Engine: "sh", Value: "t1"}

	release, err := locks.Acquire(context.Background(), token)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	script := line(`{"type":"started","id":"t1"}`) + line(`{"type":"done","answer":"x"}`)
	runner := NewRunner(shEngine(script), locks)
	stream, _ := runner.Run(context.Background(), "hi", &token)

	shortCtx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if _, err := stream.Next(shortCtx); err == nil {
		t.Fatalf("resumed run must block while the thread lock is held")
	}

	release()
	events := collect(t, stream)
	if _, ok := events[len(events)-1].(schema.Completed); !ok {
		t.Fatalf("run should complete once the lock frees: %+v", events)
	}
}

func TestTailBufferKeepsTail(t *testing.T) {
	tail := newTailBuffer(16)
	tail.WriteLine("aaaaaaaaaa")
	tail.WriteLine("bbbbbbbbbb")
	tail.WriteLine("cccc")
	out := tail.String()
	if !strings.Contains(out, "cccc") {
		t.Fatalf("latest line missing: %q", out)
	}
	if len(out) > 16 {
		t.Fatalf("tail exceeds bound: %d", len(out))
	}
}
