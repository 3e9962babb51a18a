package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"pkt.systems/takopi/core"
	"pkt.systems/takopi/internal/format"
	"pkt.systems/takopi/internal/logx"
	"pkt.systems/takopi/internal/progress"
	"pkt.systems/takopi/internal/router"
	"pkt.systems/takopi/internal/worktrees"
	"pkt.systems/takopi/schema"
)

// eventRenderer logs runner events as readable debug lines.
var eventRenderer = format.NewPlainRenderer()

// runRequest is one accepted message bound for an engine.
type runRequest struct {
	ChatID         int64
	UserMsgID      int64
	Text           string
	Resume         *schema.ResumeToken
	EngineOverride schema.EngineID
	Context        *schema.RunContext
	// onThreadKnown fires when a provisional run learns its thread.
	onThreadKnown func(schema.ResumeToken, <-chan struct{})
}

// runJob resolves the adapter and working directory, then executes the
// run against the progress pipeline.
func (b *Bridge) runJob(ctx context.Context, req runRequest) {
	log := logx.WithChat(ctx, req.ChatID)
	ctx = logx.ContextWithChat(ctx, req.ChatID)

	var entry router.Entry
	var err error
	if req.Resume != nil {
		entry, err = b.router.EntryForToken(*req.Resume)
	} else {
		engine := req.EngineOverride
		if engine == "" {
			engine = b.router.DefaultEngine()
		}
		entry, err = b.router.EntryFor(engine)
	}
	if err != nil {
		b.replyError(ctx, req, fmt.Sprintf("error:\n%v", err))
		return
	}
	if !entry.Available {
		reason := entry.Issue
		if reason == "" {
			reason = "engine unavailable"
		}
		b.replyUnavailable(ctx, req, entry.Runner, reason)
		return
	}

	cwd, err := worktrees.ResolveRunCwd(ctx, req.Context, b.projects)
	if err != nil {
		b.replyError(ctx, req, fmt.Sprintf("error:\n%v", err))
		return
	}
	if cwd != "" {
		ctx = core.WithWorkDir(ctx, cwd)
	}
	if log != nil {
		resume := ""
		if req.Resume != nil {
			resume = req.Resume.Value
		}
		log.Info("run dispatch",
			"engine", entry.Engine(),
			"user_msg_id", req.UserMsgID,
			"resume", resume,
			"cwd", cwd,
		)
	}
	b.executeRun(ctx, entry.Runner, req)
}

type runOutcome struct {
	cancelled bool
	completed *schema.Completed
	resume    *schema.ResumeToken
	runErr    error
}

// executeRun drives one runner invocation end to end: initial progress
// post, throttled edits, cancellation, and the final message.
func (b *Bridge) executeRun(ctx context.Context, runner core.Runner, req runRequest) {
	log := logx.WithChatEngine(ctx, req.ChatID, runner.Engine())
	ctx = logx.ContextWithEngine(ctx, runner.Engine())
	started := time.Now()
	prompt := b.router.StripResumeLines(req.Text)
	contextLine := b.router.FormatContextLine(req.Context)
	protected := protectCtxLines(runner.IsResumeLine)

	tracker := progress.NewTracker(string(runner.Engine()))
	if req.Resume != nil {
		tracker.SetResume(req.Resume)
	}

	snapshot := func() progress.State {
		return tracker.Snapshot(runner.FormatResume, contextLine)
	}

	initial := b.formatter.RenderProgress(snapshot(), 0, "starting")
	progressID, posted := b.transport.Send(ctx, req.ChatID, Outgoing{
		Text: initial, Protected: protected,
	}, SendOptions{ReplyTo: req.UserMsgID, Silent: true})

	task := newRunningTask(req.Context)
	var progressRef messageRef
	if posted {
		progressRef = messageRef{ChatID: req.ChatID, MessageID: progressID}
		b.tasks.put(progressRef, task)
		defer b.tasks.remove(progressRef)
	}
	defer close(task.done)

	edits := progress.NewEdits(tracker, func(elapsed time.Duration) string {
		return b.formatter.RenderProgress(snapshot(), elapsed, "working")
	}, func(editCtx context.Context, text string) bool {
		if !posted {
			return false
		}
		return b.transport.Edit(editCtx, req.ChatID, progressID, Outgoing{
			Text: text, Protected: protected,
		})
	}, initial)

	editsCtx, stopEdits := context.WithCancel(ctx)
	editsDone := make(chan struct{})
	go func() {
		defer close(editsDone)
		if posted {
			edits.Run(editsCtx)
		}
	}()

	outcome := b.consumeRun(ctx, runner, prompt, req, task, edits)

	stopEdits()
	<-editsDone

	elapsed := time.Since(started)
	tracker.SetResume(outcome.resume)
	log = logx.WithThread(log, tracker.Resume())

	switch {
	case outcome.cancelled:
		if log != nil {
			log.Info("run cancelled", "engine", runner.Engine(), "elapsed", elapsed)
		}
		text := b.formatter.RenderProgress(snapshot(), elapsed, "cancelled")
		b.deliverFinal(ctx, req, progressRef, Outgoing{Text: text, Protected: protected},
			false, true)

	case outcome.runErr != nil:
		if log != nil {
			log.Error("run failed", "engine", runner.Engine(), "err", outcome.runErr)
		}
		text := b.formatter.RenderFinal(snapshot(), elapsed, "error", outcome.runErr.Error())
		b.deliverFinal(ctx, req, progressRef, Outgoing{Text: text, Protected: protected},
			false, true)

	case outcome.completed == nil:
		text := b.formatter.RenderFinal(snapshot(), elapsed, "error", "run ended without completion")
		b.deliverFinal(ctx, req, progressRef, Outgoing{Text: text, Protected: protected},
			false, true)

	default:
		completed := outcome.completed
		answer := completed.Answer
		if !completed.OK && completed.Error != "" {
			if strings.TrimSpace(answer) != "" {
				answer = answer + "\n\n" + completed.Error
			} else {
				answer = completed.Error
			}
		}
		status := "error"
		if completed.OK && strings.TrimSpace(answer) != "" {
			status = "done"
		}
		if log != nil {
			log.Info("run completed",
				"engine", runner.Engine(),
				"ok", completed.OK,
				"status", status,
				"answer_len", len(answer),
				"elapsed", elapsed,
			)
		}
		text := b.formatter.RenderFinal(snapshot(), elapsed, status, answer)
		b.deliverFinal(ctx, req, progressRef, Outgoing{Text: text, Protected: protected},
			b.finalNotify, !b.finalNotify)
	}
}

// consumeRun pumps the runner's event stream into the progress loop and
// folds the terminal state.
func (b *Bridge) consumeRun(
	ctx context.Context,
	runner core.Runner,
	prompt string,
	req runRequest,
	task *runningTask,
	edits *progress.Edits,
) runOutcome {
	outcome := runOutcome{resume: req.Resume}
	log := logx.Ctx(ctx)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	go func() {
		select {
		case <-task.cancelled:
			cancelRun()
		case <-runCtx.Done():
		}
	}()

	stream, err := runner.Run(runCtx, prompt, req.Resume)
	if err != nil {
		outcome.runErr = err
		return outcome
	}
	defer func() { _ = stream.Close() }()

	for {
		event, err := stream.Next(runCtx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				if outcome.completed == nil && taskCancelled(task) {
					outcome.cancelled = true
				}
				return outcome
			}
			if errors.Is(err, context.Canceled) {
				outcome.cancelled = true
				return outcome
			}
			outcome.runErr = err
			return outcome
		}
		if log != nil {
			for _, line := range eventRenderer.FormatEvent(event) {
				log.Debug("runner event", "line", line)
			}
		}
		switch event := event.(type) {
		case schema.Started:
			token := event.Resume
			outcome.resume = &token
			task.setResume(token)
			if req.onThreadKnown != nil {
				req.onThreadKnown(token, task.done)
			}
		case schema.Completed:
			completed := event
			outcome.completed = &completed
			if completed.Resume != nil {
				outcome.resume = completed.Resume
			}
			if completed.Error == "cancelled" && !completed.OK && taskCancelled(task) {
				outcome.cancelled = true
				outcome.completed = nil
			}
			edits.OnEvent(event)
			// Terminal; drain the stream's EOF on the next loop turn.
			continue
		}
		edits.OnEvent(event)
	}
}

func taskCancelled(task *runningTask) bool {
	select {
	case <-task.cancelled:
		return true
	default:
		return false
	}
}

// deliverFinal sends the terminal message: edit-in-place when asked and
// possible, otherwise a fresh message (optionally notifying) followed by
// progress-message deletion.
func (b *Bridge) deliverFinal(ctx context.Context, req runRequest, progressRef messageRef, msg Outgoing, notify, editInPlace bool) {
	if editInPlace && progressRef.MessageID != 0 {
		if b.transport.Edit(ctx, progressRef.ChatID, progressRef.MessageID, msg) {
			return
		}
	}
	_, sent := b.transport.Send(ctx, req.ChatID, msg, SendOptions{
		ReplyTo: req.UserMsgID,
		Silent:  !notify,
	})
	if sent && progressRef.MessageID != 0 {
		b.transport.Delete(ctx, progressRef.ChatID, progressRef.MessageID)
	}
}

// replyError posts a routing or setup failure as a plain error reply.
func (b *Bridge) replyError(ctx context.Context, req runRequest, text string) {
	b.transport.Send(ctx, req.ChatID, Outgoing{Text: text}, SendOptions{ReplyTo: req.UserMsgID})
}

// replyUnavailable renders an engine-unavailable error, keeping the
// resume footer so the thread stays addressable.
func (b *Bridge) replyUnavailable(ctx context.Context, req runRequest, runner core.Runner, reason string) {
	tracker := progress.NewTracker(string(runner.Engine()))
	tracker.SetResume(req.Resume)
	state := tracker.Snapshot(runner.FormatResume, b.router.FormatContextLine(req.Context))
	text := b.formatter.RenderFinal(state, 0, "error", "error:\n"+reason)
	b.transport.Send(ctx, req.ChatID, Outgoing{
		Text:      text,
		Protected: protectCtxLines(runner.IsResumeLine),
	}, SendOptions{ReplyTo: req.UserMsgID})
}
