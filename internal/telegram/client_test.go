package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient("123:abc", server.URL), server
}

func TestSendMessage(t *testing.T) {
	var gotPath atomic.Value
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath.Store(r.URL.Path)
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		if payload["text"] != "hello" {
			t.Errorf("text = %v", payload["text"])
		}
		if payload["reply_to_message_id"] != float64(7) {
			t.Errorf("reply_to = %v", payload["reply_to_message_id"])
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":     true,
			"result": map[string]any{"message_id": 99, "chat": map[string]any{"id": 42}},
		})
	})

	id, err := client.SendMessage(context.Background(), 42, "hello", nil, SendOptions{ReplyTo: 7})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if id != 99 {
		t.Fatalf("message id = %d", id)
	}
	if path := gotPath.Load().(string); !strings.HasSuffix(path, "/bot123:abc/sendMessage") {
		t.Fatalf("unexpected path: %q", path)
	}
}

func TestRateLimitRetry(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"ok":         false,
				"error_code": 429,
				"parameters": map[string]any{"retry_after": 1},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":     true,
			"result": map[string]any{"message_id": 1, "chat": map[string]any{"id": 42}},
		})
	})

	start := time.Now()
	_, err := client.SendMessage(context.Background(), 42, "x", nil, SendOptions{})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected one retry, got %d calls", calls.Load())
	}
	if time.Since(start) < time.Second {
		t.Fatalf("retry did not honor retry_after")
	}
}

func TestAPIErrorSurfaces(t *testing.T) {
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok": false, "error_code": 400, "description": "Bad Request: message not found",
		})
	})
	err := client.EditMessageText(context.Background(), 42, 1, "x", nil)
	apiErr, ok := err.(*APIError)
	if !ok || apiErr.Code != 400 {
		t.Fatalf("expected APIError(400), got %v", err)
	}
}

func TestGetUpdates(t *testing.T) {
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		if payload["offset"] != float64(5) {
			t.Errorf("offset = %v", payload["offset"])
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok": true,
			"result": []map[string]any{
				{
					"update_id": 6,
					"message": map[string]any{
						"message_id": 10,
						"chat":       map[string]any{"id": 42},
						"text":       "hello",
						"from":       map[string]any{"id": 7, "is_bot": false},
					},
				},
			},
		})
	})

	updates, err := client.GetUpdates(context.Background(), 5, 0)
	if err != nil {
		t.Fatalf("GetUpdates: %v", err)
	}
	if len(updates) != 1 || updates[0].UpdateID != 6 {
		t.Fatalf("unexpected updates: %+v", updates)
	}
}

func TestParseUpdateFiltersChats(t *testing.T) {
	update := Update{
		UpdateID: 1,
		Message: &Message{
			MessageID: 2,
			Chat:      Chat{ID: 99},
			Text:      "hi",
		},
	}
	if ParseUpdate(update, 42) != nil {
		t.Fatalf("foreign chat must be dropped")
	}
	update.Message.Chat.ID = 42
	incoming := ParseUpdate(update, 42)
	if incoming == nil || incoming.Text != "hi" {
		t.Fatalf("allowed chat dropped: %+v", incoming)
	}
}

func TestParseUpdateReplyFields(t *testing.T) {
	update := Update{
		Message: &Message{
			MessageID: 3,
			Chat:      Chat{ID: 42},
			Text:      "/cancel",
			ReplyToMessage: &Message{
				MessageID: 2,
				Text:      "working · codex · 5s",
				From:      &User{ID: 1, IsBot: true},
			},
		},
	}
	incoming := ParseUpdate(update, 42)
	if incoming == nil || incoming.ReplyToID != 2 || !incoming.ReplyToIsBot {
		t.Fatalf("reply fields missing: %+v", incoming)
	}
}
