// Package logx annotates loggers with run identity: the chat, the
// engine, and the thread a log line belongs to. Markers on the context
// prevent duplicate fields when a call path annotates twice.
package logx

import (
	"context"

	"pkt.systems/pslog"

	"pkt.systems/takopi/schema"
)

type contextKey int

const (
	chatKey contextKey = iota
	engineKey
)

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// WithChat annotates the logger with the chat id if present.
func WithChat(ctx context.Context, chatID int64) pslog.Logger {
	log := pslog.Ctx(ctx)
	if chatID != 0 {
		if current, ok := ctx.Value(chatKey).(int64); ok && current == chatID {
			return log
		}
		log = log.With("chat_id", chatID)
	}
	return log
}

// WithChatEngine annotates the logger with chat and engine identifiers.
func WithChatEngine(ctx context.Context, chatID int64, engine schema.EngineID) pslog.Logger {
	log := WithChat(ctx, chatID)
	if engine != "" {
		if current, ok := ctx.Value(engineKey).(schema.EngineID); ok && current == engine {
			return log
		}
		log = log.With("engine", engine)
	}
	return log
}

// WithThread annotates the logger with a thread token when available.
func WithThread(log pslog.Logger, token *schema.ResumeToken) pslog.Logger {
	if token != nil {
		log = log.With("thread", token.ThreadKey())
	}
	return log
}

// ContextWithChat stores the chat marker on the context for log
// de-duplication.
func ContextWithChat(ctx context.Context, chatID int64) context.Context {
	if ctx == nil || chatID == 0 {
		return ctx
	}
	return context.WithValue(ctx, chatKey, chatID)
}

// ContextWithEngine stores the engine marker on the context for log
// de-duplication.
func ContextWithEngine(ctx context.Context, engine schema.EngineID) context.Context {
	if ctx == nil || engine == "" {
		return ctx
	}
	return context.WithValue(ctx, engineKey, engine)
}
