package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"pkt.systems/pslog"
)

const starterConfig = `# takopi configuration
# default_engine picks the adapter used when a message has no /engine
# directive and no resume line.
default_engine: codex

telegram:
  # Create a bot with @BotFather and paste its token here.
  token: ""
  # The only chat the bridge will answer in. Send the bot a message and
  # check the logs for the chat id, or use @userinfobot.
  chat_id: 0

# final_notify: true posts final answers as a new (notifying) message
# and deletes the progress message; false edits the progress message in
# place.
final_notify: true

engines:
  codex: {}
  claude: {}
  # opencode:
  #   model: anthropic/claude-sonnet-4
  # pi:
  #   provider: openai

# projects:
#   web:
#     path: /home/you/src/web
#     default_engine: codex
#     worktree_base: main
`

// onboard writes a starter config when none exists.
func onboard(ctx context.Context, configPath string) error {
	log := pslog.Ctx(ctx)
	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("config already exists at %s\n", configPath)
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(starterConfig), 0o600); err != nil {
		return fmt.Errorf("write starter config: %w", err)
	}
	if log != nil {
		log.Info("starter config written", "path", configPath)
	}
	fmt.Printf("starter config written to %s\nfill in telegram.token and telegram.chat_id, then run `takopi`.\n", configPath)
	return nil
}
