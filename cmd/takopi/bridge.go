package main

import (
	"context"
	"fmt"

	"pkt.systems/pslog"

	"pkt.systems/takopi/core"
	"pkt.systems/takopi/internal/appconfig"
	"pkt.systems/takopi/internal/bridge"
	"pkt.systems/takopi/internal/engines"
	"pkt.systems/takopi/internal/lockfile"
	"pkt.systems/takopi/internal/router"
	"pkt.systems/takopi/internal/telegram"
	"pkt.systems/takopi/schema"
)

func engineIDs() []schema.EngineID { return engines.IDs() }

func runBridge(ctx context.Context, flags *bridgeFlags, engineOverride string) error {
	log := pslog.Ctx(ctx)

	configPath := flags.configPath
	if configPath == "" {
		defaultPath, err := appconfig.DefaultConfigPath()
		if err != nil {
			return err
		}
		configPath = defaultPath
	}

	if flags.onboard {
		return onboard(ctx, configPath)
	}

	cfg, err := appconfig.Load(configPath)
	if err != nil {
		return err
	}
	if engineOverride != "" {
		cfg.DefaultEngine = engineOverride
	}
	if flags.finalNotify {
		cfg.FinalNotify = true
	}
	if flags.noFinalNotify {
		cfg.FinalNotify = false
	}
	if cfg.Telegram.Token == "" {
		return appconfig.NewConfigError(
			"telegram.token is missing in %s; run `takopi --onboard` to create a starter config", configPath)
	}
	if cfg.Telegram.ChatID == 0 {
		return appconfig.NewConfigError("telegram.chat_id is missing in %s", configPath)
	}

	lock, err := lockfile.Acquire(configPath, lockfile.TokenFingerprint(cfg.Telegram.Token))
	if err != nil {
		return err
	}
	defer lock.Release()

	locks := core.NewLockRegistry()
	entries, err := engines.BuildEntries(cfg, locks)
	if err != nil {
		return err
	}
	rt, err := router.New(entries, schema.EngineID(cfg.DefaultEngine), cfg.Projects, cfg.DefaultProject)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if !entry.Available && log != nil {
			log.Warn("engine unavailable", "engine", entry.Engine(), "issue", entry.Issue)
		}
	}

	client := telegram.NewClient(cfg.Telegram.Token, "")
	b := bridge.New(bridge.Config{
		Router:         rt,
		Transport:      bridge.NewTelegramTransport(client),
		Client:         client,
		ChatID:         cfg.Telegram.ChatID,
		FinalNotify:    cfg.FinalNotify,
		Projects:       cfg.Projects,
		ConfigPath:     configPath,
		StartupMessage: fmt.Sprintf("takopi ready · default engine: %s", cfg.DefaultEngine),
	})
	if log != nil {
		log.Info("bridge starting",
			"config", configPath,
			"chat_id", cfg.Telegram.ChatID,
			"default_engine", cfg.DefaultEngine,
			"token_fingerprint", lockfile.TokenFingerprint(cfg.Telegram.Token),
		)
	}
	return b.Run(ctx)
}
