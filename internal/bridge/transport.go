package bridge

import (
	"context"
	"strings"

	"pkt.systems/pslog"

	"pkt.systems/takopi/internal/markdown"
	"pkt.systems/takopi/internal/progress"
	"pkt.systems/takopi/internal/telegram"
)

// transportHardLimit is Telegram's message size ceiling after entity
// expansion.
const transportHardLimit = 4096

// Outgoing is one message to deliver: Markdown text plus the predicate
// naming lines that must survive truncation (resume lines, ctx footer).
type Outgoing struct {
	Text      string
	Protected func(line string) bool
}

// SendOptions shape delivery.
type SendOptions struct {
	ReplyTo int64
	Silent  bool
}

// Transport delivers rendered messages. Implementations log transport
// errors and report failure through the boolean result instead of
// returning an error; a failed edit or send never aborts a run.
type Transport interface {
	Send(ctx context.Context, chatID int64, msg Outgoing, opts SendOptions) (int64, bool)
	Edit(ctx context.Context, chatID, messageID int64, msg Outgoing) bool
	Delete(ctx context.Context, chatID, messageID int64) bool
}

// telegramTransport renders Markdown to entities, truncates oversized
// messages, and talks to the Bot API.
type telegramTransport struct {
	client *telegram.Client
}

// NewTelegramTransport wraps a Bot API client.
func NewTelegramTransport(client *telegram.Client) Transport {
	return &telegramTransport{client: client}
}

// prepare renders the outgoing Markdown; when the rendering exceeds the
// hard limit it is truncated (protected lines preserved) and entities
// are dropped so offsets cannot go stale.
func prepare(msg Outgoing) (string, []markdown.Entity) {
	text, entities := markdown.Render(msg.Text)
	if len([]rune(text)) <= transportHardLimit {
		return text, entities
	}
	protected := msg.Protected
	if protected == nil {
		protected = func(string) bool { return false }
	}
	return progress.Truncate(text, transportHardLimit, protected), nil
}

func (t *telegramTransport) Send(ctx context.Context, chatID int64, msg Outgoing, opts SendOptions) (int64, bool) {
	text, entities := prepare(msg)
	id, err := t.client.SendMessage(ctx, chatID, text, entities, telegram.SendOptions{
		ReplyTo: opts.ReplyTo,
		Silent:  opts.Silent,
	})
	if err != nil {
		if log := pslog.Ctx(ctx); log != nil {
			log.Warn("telegram send failed", "chat_id", chatID, "err", err)
		}
		return 0, false
	}
	return id, true
}

func (t *telegramTransport) Edit(ctx context.Context, chatID, messageID int64, msg Outgoing) bool {
	text, entities := prepare(msg)
	if err := t.client.EditMessageText(ctx, chatID, messageID, text, entities); err != nil {
		if log := pslog.Ctx(ctx); log != nil {
			log.Warn("telegram edit failed", "chat_id", chatID, "message_id", messageID, "err", err)
		}
		return false
	}
	return true
}

func (t *telegramTransport) Delete(ctx context.Context, chatID, messageID int64) bool {
	if err := t.client.DeleteMessage(ctx, chatID, messageID); err != nil {
		if log := pslog.Ctx(ctx); log != nil {
			log.Warn("telegram delete failed", "chat_id", chatID, "message_id", messageID, "err", err)
		}
		return false
	}
	return true
}

// protectCtxLines extends a resume-line predicate with the ctx footer.
func protectCtxLines(isResumeLine func(string) bool) func(string) bool {
	return func(line string) bool {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "`ctx:") || strings.HasPrefix(strings.ToLower(trimmed), "ctx:") {
			return true
		}
		return isResumeLine != nil && isResumeLine(line)
	}
}
