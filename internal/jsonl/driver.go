// Package jsonl implements the subprocess driver shared by every JSONL
// engine adapter: it spawns the CLI in its own process group, streams
// line-delimited JSON from stdout, hands each decoded value to the
// adapter's translation callback, and enforces the run's completion
// semantics (single Started, single Completed, synthetic completions on
// failure, per-thread locking, SIGTERM on cancel).
package jsonl

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"pkt.systems/pslog"

	"pkt.systems/takopi/core"
	"pkt.systems/takopi/schema"
)

// stderrTailSize bounds the diagnostic tail kept from the CLI's stderr.
const stderrTailSize = 4 * 1024

// streamDepth is the adapter→presenter channel bound.
const streamDepth = 256

// RunInfo carries the per-run inputs handed to engine callbacks.
type RunInfo struct {
	Prompt  string
	Resume  *schema.ResumeToken
	WorkDir string
}

// Engine parameterizes the driver for one CLI. Required callbacks:
// Command, BuildArgs, NewState, Decode, Translate. Optional callbacks
// fall back to driver defaults.
type Engine[S any] struct {
	ID  schema.EngineID
	Tag string

	Command      string
	BuildArgs    func(info RunInfo, state *S) []string
	StdinPayload func(info RunInfo, state *S) []byte
	Env          func(state *S) []string
	NewState     func(info RunInfo) *S

	Decode    func(line []byte) (any, error)
	Translate func(decoded any, state *S, resume, found *schema.ResumeToken) ([]schema.Event, error)

	// DecodeErrorEvents maps a Decode failure to events. The default
	// emits a warning action; returning no events drops the line.
	DecodeErrorEvents func(line string, err error, state *S) []schema.Event
	// ProcessErrorEvents maps a non-zero exit without Completed.
	ProcessErrorEvents func(rc int, stderrTail string, resume, found *schema.ResumeToken, state *S) []schema.Event
	// StreamEndEvents maps stream end without Completed.
	StreamEndEvents func(resume, found *schema.ResumeToken, state *S) []schema.Event
}

func (e Engine[S]) tag() string {
	if e.Tag != "" {
		return e.Tag
	}
	return string(e.ID)
}

// Runner drives one Engine spec. It implements the run half of
// core.Runner; adapters embed it next to their ResumeCodec.
type Runner[S any] struct {
	engine Engine[S]
	locks  *core.LockRegistry
}

// NewRunner binds an engine spec to the shared lock registry.
func NewRunner[S any](engine Engine[S], locks *core.LockRegistry) *Runner[S] {
	if locks == nil {
		locks = core.NewLockRegistry()
	}
	return &Runner[S]{engine: engine, locks: locks}
}

// Run spawns the CLI and returns the normalized event stream. Spawn
// failures surface on the stream as Completed{OK:false}; only misuse
// (engine mismatch) returns an error.
func (r *Runner[S]) Run(ctx context.Context, prompt string, resume *schema.ResumeToken) (core.EventStream, error) {
	if resume != nil && resume.Engine != r.engine.ID {
		return nil, fmt.Errorf("%w: token is for %q, runner is %q",
			schema.ErrEngineMismatch, resume.Engine, r.engine.ID)
	}
	stream := core.NewChannelStream(streamDepth)
	go r.produce(ctx, stream, prompt, resume)
	return stream, nil
}

type runState[S any] struct {
	state   *S
	factory schema.EventFactory

	found        *schema.ResumeToken
	emittedStart bool
	completed    bool
	noteSeq      int

	release func()
}

func (rs *runState[S]) noteID(tag string) string {
	rs.noteSeq++
	return fmt.Sprintf("%s.note.%d", tag, rs.noteSeq)
}

func (r *Runner[S]) produce(ctx context.Context, stream *core.ChannelStream, prompt string, resume *schema.ResumeToken) {
	log := pslog.Ctx(ctx)
	info := RunInfo{Prompt: prompt, Resume: resume, WorkDir: core.WorkDir(ctx)}
	rs := &runState[S]{
		state:   r.engine.NewState(info),
		factory: schema.EventFactory{Engine: r.engine.ID},
	}
	defer func() {
		if rs.release != nil {
			rs.release()
		}
		stream.End(nil)
	}()

	// Consumer Close and context cancellation both cancel the run.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stream.Closed():
			cancel()
		case <-runCtx.Done():
		}
	}()

	// Resumed runs serialize on the thread lock before the CLI spawns.
	if resume != nil {
		release, err := r.locks.Acquire(runCtx, *resume)
		if err != nil {
			r.emitCancelled(ctx, stream, rs, resume)
			return
		}
		rs.release = release
	}

	args := r.engine.BuildArgs(info, rs.state)
	cmd := exec.Command(r.engine.Command, args...)
	if info.WorkDir != "" {
		cmd.Dir = info.WorkDir
	}
	if r.engine.Env != nil {
		cmd.Env = r.engine.Env(rs.state)
	}
	setProcessGroup(cmd)

	stdout, stderr, err := r.startProcess(cmd, info, rs)
	if err != nil {
		if log != nil {
			log.Error("runner spawn failed", "engine", r.engine.ID, "err", err)
		}
		evt := rs.factory.CompletedError(
			fmt.Sprintf("%s failed to start: %v", r.engine.tag(), err), "", resume)
		_ = stream.Send(ctx, evt)
		return
	}
	if log != nil {
		log.Info("runner started",
			"engine", r.engine.ID,
			"pid", cmd.Process.Pid,
			"workdir", info.WorkDir,
			"resume", resume != nil,
			"prompt_len", len(prompt),
		)
	}

	tail := newTailBuffer(stderrTailSize)
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		drainStderr(stderr, tail, r.engine.ID, log)
	}()

	// Cancellation must unblock the stdout read: SIGTERM the process
	// group so the pipe closes and the read loop drains out.
	procDone := make(chan struct{})
	defer close(procDone)
	go func() {
		select {
		case <-runCtx.Done():
			terminateGroup(cmd)
		case <-procDone:
		}
	}()

	cancelled := r.readLoop(runCtx, stream, rs, resume, stdout, log)

	if cancelled {
		terminateGroup(cmd)
	}
	// Keep the child from blocking on a full pipe after we stop decoding.
	go func() { _, _ = io.Copy(io.Discard, stdout) }()

	rc := waitExit(cmd)
	<-stderrDone
	if log != nil {
		log.Info("runner exited", "engine", r.engine.ID, "rc", rc, "cancelled", cancelled)
	}

	if rs.completed {
		return
	}
	if cancelled {
		r.emitCancelled(ctx, stream, rs, completionResume(resume, rs.found))
		return
	}
	var events []schema.Event
	if rc != 0 {
		events = r.processErrorEvents(rc, tail.String(), resume, rs)
	} else {
		events = r.streamEndEvents(resume, rs)
	}
	r.emitAll(ctx, stream, rs, resume, events, log)
}

// startProcess wires the pipes, starts the CLI, and feeds stdin.
func (r *Runner[S]) startProcess(cmd *exec.Cmd, info RunInfo, rs *runState[S]) (stdout, stderr io.Reader, err error) {
	outPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, err
	}
	errPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, err
	}
	var payload []byte
	if r.engine.StdinPayload != nil {
		payload = r.engine.StdinPayload(info, rs.state)
	}
	var stdin io.WriteCloser
	if payload != nil {
		stdin, err = cmd.StdinPipe()
		if err != nil {
			return nil, nil, err
		}
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, err
	}
	if stdin != nil {
		go func() {
			_, _ = stdin.Write(payload)
			_ = stdin.Close()
		}()
	}
	return outPipe, errPipe, nil
}

// readLoop decodes and translates stdout lines until the stream ends, a
// Completed event is emitted, or the run is cancelled. It reports
// whether the loop ended because of cancellation.
func (r *Runner[S]) readLoop(
	ctx context.Context,
	stream *core.ChannelStream,
	rs *runState[S],
	resume *schema.ResumeToken,
	stdout io.Reader,
	log pslog.Logger,
) bool {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return true
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		events := r.translateLine(line, rs, resume, log)
		if done, cancelled := r.emitAll(ctx, stream, rs, resume, events, log); done {
			return cancelled
		}
	}
	return ctx.Err() != nil
}

func (r *Runner[S]) translateLine(line []byte, rs *runState[S], resume *schema.ResumeToken, log pslog.Logger) []schema.Event {
	decoded, err := r.engine.Decode(line)
	if err != nil {
		if log != nil {
			log.Warn("jsonl decode failed",
				"engine", r.engine.ID,
				"preview", preview(string(line), 200),
				"err", err,
			)
		}
		if r.engine.DecodeErrorEvents != nil {
			return r.engine.DecodeErrorEvents(string(line), err, rs.state)
		}
		message := fmt.Sprintf("invalid JSON from %s; ignoring line", r.engine.tag())
		return []schema.Event{rs.factory.Warning(rs.noteID(r.engine.tag()), message, map[string]any{
			"line": string(line),
		})}
	}
	events, err := r.engine.Translate(decoded, rs.state, resume, rs.found)
	if err != nil {
		if log != nil {
			log.Warn("translate failed", "engine", r.engine.ID, "err", err)
		}
		message := fmt.Sprintf("%s translation error; ignoring event", r.engine.tag())
		return []schema.Event{rs.factory.Warning(rs.noteID(r.engine.tag()), message, map[string]any{
			"error": err.Error(),
		})}
	}
	return events
}

// emitAll enforces the driver invariants while forwarding events. It
// returns done=true when the run is over (Completed sent or the consumer
// went away) and whether that was due to cancellation.
func (r *Runner[S]) emitAll(
	ctx context.Context,
	stream *core.ChannelStream,
	rs *runState[S],
	resume *schema.ResumeToken,
	events []schema.Event,
	log pslog.Logger,
) (done, cancelled bool) {
	for _, evt := range events {
		switch evt := evt.(type) {
		case schema.Started:
			if !r.admitStarted(ctx, rs, resume, evt, log) {
				continue
			}
		case schema.Completed:
			rs.completed = true
			_ = stream.Send(ctx, evt)
			return true, false
		}
		if err := stream.Send(ctx, evt); err != nil {
			return true, true
		}
	}
	return false, false
}

// admitStarted validates a Started event and, for new sessions, takes
// the thread lock before the event reaches the consumer. Duplicate or
// inconsistent Started events are dropped.
func (r *Runner[S]) admitStarted(ctx context.Context, rs *runState[S], resume *schema.ResumeToken, evt schema.Started, log pslog.Logger) bool {
	if evt.Engine != r.engine.ID {
		if log != nil {
			log.Warn("started event for wrong engine dropped",
				"engine", r.engine.ID, "got", evt.Engine)
		}
		return false
	}
	if resume != nil && evt.Resume != *resume {
		if log != nil {
			log.Warn("started event did not match resumed session",
				"engine", r.engine.ID,
				"expected", resume.Value,
				"got", evt.Resume.Value,
			)
		}
		return false
	}
	if rs.emittedStart {
		if log != nil && rs.found != nil && evt.Resume != *rs.found {
			log.Warn("conflicting session id dropped",
				"engine", r.engine.ID,
				"session", rs.found.Value,
				"got", evt.Resume.Value,
			)
		}
		return false
	}
	if resume == nil && rs.release == nil {
		release, err := r.locks.Acquire(ctx, evt.Resume)
		if err != nil {
			return false
		}
		rs.release = release
	}
	token := evt.Resume
	rs.found = &token
	rs.emittedStart = true
	return true
}

func (r *Runner[S]) processErrorEvents(rc int, stderrTail string, resume *schema.ResumeToken, rs *runState[S]) []schema.Event {
	if r.engine.ProcessErrorEvents != nil {
		return r.engine.ProcessErrorEvents(rc, stderrTail, resume, rs.found, rs.state)
	}
	message := fmt.Sprintf("%s failed (rc=%d).", r.engine.tag(), rc)
	errMsg := message
	if tail := strings.TrimSpace(stderrTail); tail != "" {
		errMsg = message + "\n" + tail
	}
	return []schema.Event{
		rs.factory.Warning(rs.noteID(r.engine.tag()), message, nil),
		rs.factory.CompletedError(errMsg, "", completionResume(resume, rs.found)),
	}
}

func (r *Runner[S]) streamEndEvents(resume *schema.ResumeToken, rs *runState[S]) []schema.Event {
	if r.engine.StreamEndEvents != nil {
		return r.engine.StreamEndEvents(resume, rs.found, rs.state)
	}
	message := fmt.Sprintf("%s finished without a result event", r.engine.tag())
	return []schema.Event{
		rs.factory.CompletedError(message, "", completionResume(resume, rs.found)),
	}
}

func (r *Runner[S]) emitCancelled(ctx context.Context, stream *core.ChannelStream, rs *runState[S], resume *schema.ResumeToken) {
	if rs.completed {
		return
	}
	rs.completed = true
	evt := rs.factory.CompletedError("cancelled", "", resume)
	// The run context is already cancelled here; deliver best-effort
	// unless the consumer abandoned the stream entirely.
	sendCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	go func() {
		select {
		case <-stream.Closed():
			cancel()
		case <-sendCtx.Done():
		}
	}()
	_ = stream.Send(sendCtx, evt)
}

func completionResume(resume, found *schema.ResumeToken) *schema.ResumeToken {
	if found != nil {
		return found
	}
	return resume
}

func preview(value string, max int) string {
	if max <= 0 || len(value) <= max {
		return value
	}
	return value[:max]
}

func drainStderr(stderr io.Reader, tail *tailBuffer, engine schema.EngineID, log pslog.Logger) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		text := scanner.Text()
		if text == "" {
			continue
		}
		tail.WriteLine(text)
		if log != nil {
			log.Trace("engine stderr", "engine", engine, "preview", preview(text, 200))
		}
	}
}
