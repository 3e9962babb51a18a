// Package telegram implements the slice of the Bot API the bridge
// needs: long polling, message send/edit/delete, and the command menu.
// Rate-limit responses are retried after the server's retry_after;
// other API errors surface to the caller, who logs and moves on.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/takopi/internal/markdown"
)

const defaultBaseURL = "https://api.telegram.org"

// maxRateLimitRetries bounds how often one call chases retry_after.
const maxRateLimitRetries = 5

// Client is a Bot API client for one bot token.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// NewClient builds a client. baseURL is overridable for tests; empty
// means api.telegram.org.
func NewClient(token, baseURL string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		// Long polls run up to 50s; leave headroom.
		httpClient: &http.Client{Timeout: 70 * time.Second},
		baseURL:    baseURL,
		token:      token,
	}
}

// APIError is a non-rate-limit Bot API failure.
type APIError struct {
	Method      string
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s failed (%d): %s", e.Method, e.Code, e.Description)
}

func (c *Client) call(ctx context.Context, method string, payload any, result any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", method, err)
	}
	log := pslog.Ctx(ctx)

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method),
			bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("telegram %s: %w", method, err)
		}
		raw, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			return fmt.Errorf("telegram %s read: %w", method, err)
		}

		var decoded apiResponse
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return fmt.Errorf("telegram %s decode: %w", method, err)
		}
		if decoded.OK {
			if result != nil && len(decoded.Result) > 0 {
				return json.Unmarshal(decoded.Result, result)
			}
			return nil
		}

		if decoded.ErrorCode == http.StatusTooManyRequests && attempt < maxRateLimitRetries {
			wait := time.Second
			if decoded.Parameters != nil && decoded.Parameters.RetryAfter > 0 {
				wait = time.Duration(decoded.Parameters.RetryAfter) * time.Second
			}
			if log != nil {
				log.Warn("telegram rate limited", "method", method, "retry_after", wait)
			}
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return &APIError{Method: method, Code: decoded.ErrorCode, Description: decoded.Description}
	}
}

// GetUpdates long-polls for updates after offset. timeout is the
// server-side hold in seconds; 0 returns immediately (backlog drain).
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout int) ([]Update, error) {
	payload := map[string]any{
		"timeout":         timeout,
		"allowed_updates": []string{"message"},
	}
	if offset != 0 {
		payload["offset"] = offset
	}
	var updates []Update
	if err := c.call(ctx, "getUpdates", payload, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// SendOptions shape one outgoing message.
type SendOptions struct {
	ReplyTo int64
	// Silent suppresses the client-side notification.
	Silent bool
}

// SendMessage posts a message and returns its id.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, entities []markdown.Entity, opts SendOptions) (int64, error) {
	payload := map[string]any{
		"chat_id": chatID,
		"text":    text,
	}
	if len(entities) > 0 {
		payload["entities"] = entities
	}
	if opts.ReplyTo != 0 {
		payload["reply_to_message_id"] = opts.ReplyTo
		payload["allow_sending_without_reply"] = true
	}
	if opts.Silent {
		payload["disable_notification"] = true
	}
	var sent Message
	if err := c.call(ctx, "sendMessage", payload, &sent); err != nil {
		return 0, err
	}
	return sent.MessageID, nil
}

// EditMessageText replaces a message's text and entities.
func (c *Client) EditMessageText(ctx context.Context, chatID, messageID int64, text string, entities []markdown.Entity) error {
	payload := map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
		"text":       text,
	}
	if len(entities) > 0 {
		payload["entities"] = entities
	}
	return c.call(ctx, "editMessageText", payload, nil)
}

// DeleteMessage removes a message.
func (c *Client) DeleteMessage(ctx context.Context, chatID, messageID int64) error {
	payload := map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
	}
	return c.call(ctx, "deleteMessage", payload, nil)
}

// SetMyCommands installs the bot command menu.
func (c *Client) SetMyCommands(ctx context.Context, commands []BotCommand) error {
	return c.call(ctx, "setMyCommands", map[string]any{"commands": commands}, nil)
}

// ParseUpdate normalizes an update for the bridge, filtering to the
// allowed chat. Nil means the update is not a usable message.
func ParseUpdate(update Update, chatID int64) *IncomingMessage {
	msg := update.Message
	if msg == nil {
		return nil
	}
	if msg.Chat.ID != chatID {
		return nil
	}
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	if text == "" {
		return nil
	}
	incoming := &IncomingMessage{
		ChatID:    msg.Chat.ID,
		MessageID: msg.MessageID,
		Text:      text,
	}
	if msg.From != nil {
		incoming.SenderID = msg.From.ID
		incoming.SenderIsBot = msg.From.IsBot
	}
	if reply := msg.ReplyToMessage; reply != nil {
		incoming.ReplyToID = reply.MessageID
		incoming.ReplyToText = reply.Text
		if reply.From != nil {
			incoming.ReplyToIsBot = reply.From.IsBot
		}
	}
	return incoming
}
