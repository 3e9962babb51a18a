package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"pkt.systems/pslog"

	"pkt.systems/takopi/schema"
)

type logCapture struct {
	buf bytes.Buffer
}

func (c *logCapture) Write(p []byte) (int, error) {
	return c.buf.Write(p)
}

func (c *logCapture) firstEntry(t *testing.T) map[string]any {
	t.Helper()
	data := c.buf.Bytes()
	idx := bytes.IndexByte(data, '\n')
	if idx == -1 {
		idx = len(data)
	}
	line := bytes.TrimSpace(data[:idx])
	entry := map[string]any{}
	if err := json.Unmarshal(line, &entry); err != nil {
		t.Fatalf("parse log entry: %v", err)
	}
	return entry
}

func newTestLogger(capture *logCapture) pslog.Logger {
	return pslog.NewWithOptions(capture, pslog.Options{
		Mode:          pslog.ModeStructured,
		NoColor:       true,
		MinLevel:      pslog.InfoLevel,
		VerboseFields: true,
	})
}

func TestWithChatAddsField(t *testing.T) {
	capture := &logCapture{}
	ctx := pslog.ContextWithLogger(context.Background(), newTestLogger(capture))

	WithChat(ctx, 42).Info("hello")

	entry := capture.firstEntry(t)
	if entry["chat_id"] != float64(42) {
		t.Fatalf("expected chat_id field, got %+v", entry)
	}
}

func TestWithChatDeduplicates(t *testing.T) {
	capture := &logCapture{}
	ctx := pslog.ContextWithLogger(context.Background(), newTestLogger(capture).With("chat_id", int64(42)))
	ctx = ContextWithChat(ctx, 42)

	WithChat(ctx, 42).Info("hello")

	if bytes.Count(capture.buf.Bytes(), []byte("chat_id")) > 1 {
		t.Fatalf("chat_id annotated twice: %s", capture.buf.String())
	}
}

func TestWithChatEngineAddsFields(t *testing.T) {
	capture := &logCapture{}
	ctx := pslog.ContextWithLogger(context.Background(), newTestLogger(capture))

	WithChatEngine(ctx, 42, "codex").Info("hello")

	entry := capture.firstEntry(t)
	if entry["engine"] != "codex" {
		t.Fatalf("expected engine field, got %+v", entry)
	}
	if entry["chat_id"] != float64(42) {
		t.Fatalf("expected chat_id field, got %+v", entry)
	}
}

func TestWithThreadAddsKey(t *testing.T) {
	capture := &logCapture{}
	logger := newTestLogger(capture)

	token := &schema.ResumeToken{Engine: "codex", Value: "U"}
	WithThread(logger, token).Info("hello")

	entry := capture.firstEntry(t)
	if entry["thread"] != "codex:U" {
		t.Fatalf("expected thread field, got %+v", entry)
	}
}

func TestWithThreadNilIsNoop(t *testing.T) {
	capture := &logCapture{}
	logger := newTestLogger(capture)

	WithThread(logger, nil).Info("hello")

	entry := capture.firstEntry(t)
	if _, ok := entry["thread"]; ok {
		t.Fatalf("nil token must not annotate: %+v", entry)
	}
}
