package bridge

import (
	"context"
	"fmt"
	"strings"

	"pkt.systems/pslog"

	"pkt.systems/takopi/internal/appconfig"
	"pkt.systems/takopi/internal/telegram"
	"pkt.systems/takopi/schema"
)

// commandName extracts the leading /command token, dropping a @botname
// suffix. Empty when the text is not a command.
func commandName(text string) string {
	stripped := strings.TrimSpace(text)
	if !strings.HasPrefix(stripped, "/") {
		return ""
	}
	token := strings.Fields(stripped)[0]
	if at := strings.IndexByte(token, '@'); at >= 0 {
		token = token[:at]
	}
	return token
}

func isCancelCommand(text string) bool { return commandName(text) == "/cancel" }
func isHelpCommand(text string) bool   { return commandName(text) == "/help" }

// parseDefaultCommand returns the requested engine for a /default
// command ("" shows the current default) or found=false for other text.
func parseDefaultCommand(text string) (engine string, found bool) {
	if commandName(text) != "/default" {
		return "", false
	}
	parts := strings.Fields(strings.TrimSpace(text))
	if len(parts) < 2 {
		return "", true
	}
	return parts[1], true
}

// handleCancel routes a /cancel reply to the run bound to the replied
// progress message. Trailing text after /cancel is ignored.
func (b *Bridge) handleCancel(ctx context.Context, msg telegram.IncomingMessage) {
	log := pslog.Ctx(ctx)
	if msg.ReplyToID == 0 {
		b.sendPlain(ctx, msg, "reply to the progress message to cancel.")
		return
	}
	task := b.tasks.get(messageRef{ChatID: msg.ChatID, MessageID: msg.ReplyToID})
	if task == nil {
		b.sendPlain(ctx, msg, "nothing is currently running for that message.")
		return
	}
	if log != nil {
		log.Info("cancel requested", "chat_id", msg.ChatID, "progress_message_id", msg.ReplyToID)
	}
	task.Cancel()
}

func (b *Bridge) handleHelp(ctx context.Context, msg telegram.IncomingMessage) {
	lines := []string{"available commands:", "", "core:"}
	lines = append(lines,
		"/help - show help",
		"/cancel - cancel run",
		"/default - show or set default engine",
	)
	available := b.router.AvailableEntries()
	if len(available) > 0 {
		lines = append(lines, "", "engines:")
		for _, entry := range available {
			engine := strings.ToLower(string(entry.Engine()))
			lines = append(lines, fmt.Sprintf("/%s - start %s", engine, engine))
		}
	}
	b.sendPlain(ctx, msg, strings.Join(lines, "\n"))
}

func (b *Bridge) handleDefault(ctx context.Context, msg telegram.IncomingMessage, requested string) {
	available := b.router.AvailableEntries()
	ids := make([]string, 0, len(available))
	engineMap := make(map[string]schema.EngineID, len(available))
	for _, entry := range available {
		ids = append(ids, string(entry.Engine()))
		engineMap[strings.ToLower(string(entry.Engine()))] = entry.Engine()
	}
	availableList := "none"
	if len(ids) > 0 {
		availableList = strings.Join(ids, ", ")
	}

	if requested == "" {
		b.sendPlain(ctx, msg, fmt.Sprintf(
			"default engine: %s\navailable engines: %s",
			b.router.DefaultEngine(), availableList))
		return
	}

	engine, ok := engineMap[strings.ToLower(requested)]
	if !ok {
		b.sendPlain(ctx, msg, fmt.Sprintf(
			"unknown engine %q. available: %s", requested, availableList))
		return
	}
	if engine == b.router.DefaultEngine() {
		b.sendPlain(ctx, msg, fmt.Sprintf("default engine is already %s.", engine))
		return
	}
	if err := appconfig.UpdateDefaultEngine(b.configPath, string(engine)); err != nil {
		b.sendPlain(ctx, msg, fmt.Sprintf("error updating config: %v", err))
		return
	}
	_ = b.router.SetDefaultEngine(engine)
	b.sendPlain(ctx, msg, fmt.Sprintf("default engine set to %s.", engine))
}

// commandMenu builds the bot command list registered at startup.
func (b *Bridge) commandMenu() []telegram.BotCommand {
	commands := []telegram.BotCommand{
		{Command: "help", Description: "show help"},
		{Command: "cancel", Description: "cancel run"},
		{Command: "default", Description: "show or set default engine"},
	}
	for _, entry := range b.router.AvailableEntries() {
		engine := strings.ToLower(string(entry.Engine()))
		commands = append(commands, telegram.BotCommand{
			Command:     engine,
			Description: "start " + engine,
		})
	}
	return commands
}

func (b *Bridge) sendPlain(ctx context.Context, msg telegram.IncomingMessage, text string) {
	b.transport.Send(ctx, msg.ChatID, Outgoing{Text: text}, SendOptions{ReplyTo: msg.MessageID})
}
