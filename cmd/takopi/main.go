package main

import (
	"context"
	"errors"
	"log"
	"os"

	"github.com/spf13/cobra"

	"pkt.systems/psi"
	"pkt.systems/pslog"

	"pkt.systems/takopi/internal/appconfig"
	"pkt.systems/takopi/internal/lockfile"
)

func main() {
	psi.Run(submain)
}

func submain(ctx context.Context) int {
	if hasDebugFlag(os.Args[1:]) {
		_ = os.Setenv("LOG_LEVEL", "debug")
	}
	logger := pslog.LoggerFromEnv(
		pslog.WithEnvWriter(os.Stderr),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeConsole}),
	)
	ctx = pslog.ContextWithLogger(ctx, logger)
	log.SetOutput(pslog.LogLogger(logger).Writer())
	log.SetFlags(0)

	root := newRootCmd()
	root.SetArgs(os.Args[1:])

	if err := root.ExecuteContext(ctx); err != nil {
		pslog.Ctx(ctx).With("err", err).Error("takopi failed")
		var cfgErr *appconfig.ConfigError
		switch {
		case errors.Is(err, lockfile.ErrAlreadyRunning):
			return 2
		case errors.As(err, &cfgErr):
			return 1
		default:
			return 1
		}
	}
	return 0
}

func hasDebugFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--debug" {
			return true
		}
		if arg == "--no-debug" {
			return false
		}
	}
	return false
}

func newRootCmd() *cobra.Command {
	flags := &bridgeFlags{}
	root := &cobra.Command{
		Use:           "takopi",
		Short:         "Telegram bridge for coding-agent CLIs",
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBridge(cmd.Context(), flags, "")
		},
	}
	flags.register(root)

	for _, engine := range engineIDs() {
		engine := engine
		sub := &cobra.Command{
			Use:   string(engine),
			Short: "start the bridge with " + string(engine) + " as the default engine",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runBridge(cmd.Context(), flags, string(engine))
			},
		}
		root.AddCommand(sub)
	}
	root.AddCommand(newVersionCmd())
	return root
}

type bridgeFlags struct {
	configPath    string
	finalNotify   bool
	noFinalNotify bool
	debug         bool
	noDebug       bool
	onboard       bool
}

func (f *bridgeFlags) register(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.StringVar(&f.configPath, "config", "", "config file path (default ~/.takopi/takopi.yaml)")
	flags.BoolVar(&f.finalNotify, "final-notify", false, "notify on final answers (overrides config)")
	flags.BoolVar(&f.noFinalNotify, "no-final-notify", false, "edit final answers in place without notifying")
	flags.BoolVar(&f.debug, "debug", false, "enable debug logging")
	flags.BoolVar(&f.noDebug, "no-debug", false, "disable debug logging")
	flags.BoolVar(&f.onboard, "onboard", false, "write a starter config and exit")
}
