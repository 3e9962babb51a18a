// Package bridge is the long-poll loop gluing Telegram to the runner
// stack: it ACL-checks updates, routes messages to adapters, schedules
// per-thread FIFO jobs, and binds each run to a progress message.
package bridge

import (
	"context"
	"fmt"
	"sync"

	"pkt.systems/pslog"

	"pkt.systems/takopi/internal/appconfig"
	"pkt.systems/takopi/internal/progress"
	"pkt.systems/takopi/internal/router"
	"pkt.systems/takopi/internal/scheduler"
	"pkt.systems/takopi/internal/telegram"
)

// Config wires a Bridge.
type Config struct {
	Router    *router.Router
	Transport Transport
	// Client drives long polling and the command menu; nil in tests
	// that feed Handle directly.
	Client         *telegram.Client
	ChatID         int64
	FinalNotify    bool
	Projects       map[string]appconfig.ProjectConfig
	ConfigPath     string
	StartupMessage string
}

// Bridge owns the update loop and the run lifecycle.
type Bridge struct {
	router      *router.Router
	transport   Transport
	client      *telegram.Client
	chatID      int64
	finalNotify bool
	projects    map[string]appconfig.ProjectConfig
	configPath  string
	startupMsg  string

	formatter *progress.Formatter
	tasks     *taskTable

	initOnce  sync.Once
	scheduler *scheduler.Scheduler
	jobs      sync.WaitGroup
}

// New builds a Bridge.
func New(cfg Config) *Bridge {
	return &Bridge{
		router:      cfg.Router,
		transport:   cfg.Transport,
		client:      cfg.Client,
		chatID:      cfg.ChatID,
		finalNotify: cfg.FinalNotify,
		projects:    cfg.Projects,
		configPath:  cfg.ConfigPath,
		startupMsg:  cfg.StartupMessage,
		formatter:   progress.NewFormatter(),
		tasks:       newTaskTable(),
	}
}

// init stands up the scheduler once per Run.
func (b *Bridge) init(ctx context.Context) {
	b.initOnce.Do(func() {
		b.scheduler = scheduler.New(ctx, func(jobCtx context.Context, job scheduler.Job) {
			token := job.Resume
			b.runJob(jobCtx, runRequest{
				ChatID:    job.ChatID,
				UserMsgID: job.UserMsgID,
				Text:      job.Text,
				Resume:    &token,
				Context:   job.Context,
			})
		})
	})
}

// Run drains the startup backlog, announces itself, registers the
// command menu, and long-polls until ctx ends.
func (b *Bridge) Run(ctx context.Context) error {
	b.init(ctx)
	log := pslog.Ctx(ctx)

	offset, err := b.drainBacklog(ctx)
	if err != nil {
		return err
	}
	if err := b.client.SetMyCommands(ctx, b.commandMenu()); err != nil && log != nil {
		log.Info("command menu registration failed", "err", err)
	}
	if b.startupMsg != "" {
		b.transport.Send(ctx, b.chatID, Outgoing{Text: b.startupMsg}, SendOptions{})
	}
	if log != nil {
		log.Info("bridge ready", "chat_id", b.chatID, "default_engine", b.router.DefaultEngine())
	}

	for {
		if ctx.Err() != nil {
			break
		}
		updates, err := b.client.GetUpdates(ctx, offset, 50)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if log != nil {
				log.Warn("get updates failed", "err", err)
			}
			continue
		}
		for _, update := range updates {
			offset = update.UpdateID + 1
			incoming := telegram.ParseUpdate(update, b.chatID)
			if incoming == nil {
				continue
			}
			b.Handle(ctx, *incoming)
		}
	}

	b.jobs.Wait()
	b.scheduler.Wait()
	return nil
}

// drainBacklog discards updates that queued up while the bridge was
// down; old prompts must not fire on startup.
func (b *Bridge) drainBacklog(ctx context.Context) (int64, error) {
	log := pslog.Ctx(ctx)
	var offset int64
	drained := 0
	for {
		updates, err := b.client.GetUpdates(ctx, offset, 0)
		if err != nil {
			if ctx.Err() != nil {
				return offset, ctx.Err()
			}
			if log != nil {
				log.Info("backlog drain failed", "err", err)
			}
			return offset, nil
		}
		if len(updates) == 0 {
			if drained > 0 && log != nil {
				log.Info("backlog drained", "count", drained)
			}
			return offset, nil
		}
		offset = updates[len(updates)-1].UpdateID + 1
		drained += len(updates)
	}
}

// Handle dispatches one accepted update. Cancel routes synchronously;
// everything else becomes a job.
func (b *Bridge) Handle(ctx context.Context, msg telegram.IncomingMessage) {
	b.init(ctx)
	log := pslog.Ctx(ctx)

	if isCancelCommand(msg.Text) {
		b.handleCancel(ctx, msg)
		return
	}
	if isHelpCommand(msg.Text) {
		b.handleHelp(ctx, msg)
		return
	}
	if requested, ok := parseDefaultCommand(msg.Text); ok {
		b.handleDefault(ctx, msg, requested)
		return
	}

	resolved, err := b.router.Resolve(msg.Text, msg.ReplyToText)
	if err != nil {
		if log != nil {
			log.Info("routing failed", "err", err, "chat_id", msg.ChatID)
		}
		b.sendPlain(ctx, msg, fmt.Sprintf("error:\n%v", err))
		return
	}

	// Replying to a live progress message continues that thread even
	// before its resume token is known.
	if resolved.Resume == nil && msg.ReplyToID != 0 {
		ref := messageRef{ChatID: msg.ChatID, MessageID: msg.ReplyToID}
		if task := b.tasks.get(ref); task != nil {
			b.jobs.Add(1)
			go func() {
				defer b.jobs.Done()
				b.enqueueAfterResume(ctx, msg, resolved.Prompt, task)
			}()
			return
		}
	}

	if resolved.Resume == nil {
		req := runRequest{
			ChatID:         msg.ChatID,
			UserMsgID:      msg.MessageID,
			Text:           resolved.Prompt,
			EngineOverride: resolved.EngineOverride,
			Context:        resolved.Context,
			onThreadKnown:  b.scheduler.NoteThreadKnown,
		}
		b.jobs.Add(1)
		go func() {
			defer b.jobs.Done()
			b.runJob(ctx, req)
		}()
		return
	}

	b.scheduler.Enqueue(scheduler.Job{
		ChatID:    msg.ChatID,
		UserMsgID: msg.MessageID,
		Text:      resolved.Prompt,
		Resume:    *resolved.Resume,
		Context:   resolved.Context,
	})
}

// enqueueAfterResume waits for a provisional run's token, then queues
// the follow-up behind it.
func (b *Bridge) enqueueAfterResume(ctx context.Context, msg telegram.IncomingMessage, prompt string, task *runningTask) {
	select {
	case <-task.resumeReady:
	case <-task.done:
	case <-ctx.Done():
		return
	}
	resume := task.Resume()
	if resume == nil {
		b.transport.Send(ctx, msg.ChatID, Outgoing{
			Text: "resume token not ready yet; try replying to the final message.",
		}, SendOptions{ReplyTo: msg.MessageID, Silent: true})
		return
	}
	b.scheduler.Enqueue(scheduler.Job{
		ChatID:    msg.ChatID,
		UserMsgID: msg.MessageID,
		Text:      prompt,
		Resume:    *resume,
		Context:   task.context,
	})
}

// Tasks exposes the running-task count for diagnostics.
func (b *Bridge) Tasks() int {
	b.tasks.mu.Lock()
	defer b.tasks.mu.Unlock()
	return len(b.tasks.tasks)
}
