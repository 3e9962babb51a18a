// Package mock provides in-memory runners used by tests: a fixed-event
// Runner and a step-scripted ScriptRunner with injectable pacing.
package mock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"pkt.systems/takopi/core"
	"pkt.systems/takopi/schema"
)

// EngineID is the default mock engine id.
const EngineID schema.EngineID = "mock"

// Options configure a mock Runner.
type Options struct {
	Engine      schema.EngineID
	Events      []schema.Event
	Answer      string
	ResumeValue string
	Title       string
}

// Runner replays a fixed event list between Started and Completed.
type Runner struct {
	engine schema.EngineID
	codec  core.ResumeCodec
	locks  *core.LockRegistry

	events      []schema.Event
	answer      string
	resumeValue string
	title       string
}

var _ core.Runner = (*Runner)(nil)

// New builds a mock Runner.
func New(opts Options, locks *core.LockRegistry) *Runner {
	engine := opts.Engine
	if engine == "" {
		engine = EngineID
	}
	if locks == nil {
		locks = core.NewLockRegistry()
	}
	title := opts.Title
	if title == "" {
		title = string(engine)
	}
	return &Runner{
		engine:      engine,
		codec:       core.NewResumeCodec(engine, "resume"),
		locks:       locks,
		events:      opts.Events,
		answer:      opts.Answer,
		resumeValue: opts.ResumeValue,
		title:       title,
	}
}

// Engine returns the mock engine id.
func (r *Runner) Engine() schema.EngineID { return r.engine }

// FormatResume renders `<engine> resume <id>`.
func (r *Runner) FormatResume(token schema.ResumeToken) (string, error) {
	return r.codec.FormatResume(token)
}

// ExtractResume scans text for mock resume lines; the last match wins.
func (r *Runner) ExtractResume(text string) *schema.ResumeToken {
	return r.codec.ExtractResume(text)
}

// IsResumeLine reports whether line is a mock resume line.
func (r *Runner) IsResumeLine(line string) bool { return r.codec.IsResumeLine(line) }

// Run replays the configured events.
func (r *Runner) Run(ctx context.Context, prompt string, resume *schema.ResumeToken) (core.EventStream, error) {
	token, err := r.token(resume)
	if err != nil {
		return nil, err
	}
	stream := core.NewChannelStream(0)
	go func() {
		defer stream.End(nil)
		release, err := r.locks.Acquire(ctx, token)
		if err != nil {
			return
		}
		defer release()

		factory := schema.EventFactory{Engine: r.engine}
		if stream.Send(ctx, factory.Started(token, r.title, nil)) != nil {
			return
		}
		for _, event := range r.events {
			if stream.Send(ctx, defaultCompletedOK(event)) != nil {
				return
			}
		}
		_ = stream.Send(ctx, factory.CompletedOK(r.answer, &token, nil))
	}()
	return stream, nil
}

func (r *Runner) token(resume *schema.ResumeToken) (schema.ResumeToken, error) {
	if resume != nil {
		if resume.Engine != r.engine {
			return schema.ResumeToken{}, fmt.Errorf("%w: token is for %q, runner is %q",
				schema.ErrEngineMismatch, resume.Engine, r.engine)
		}
		return *resume, nil
	}
	value := r.resumeValue
	if value == "" {
		value = newToken()
	}
	return schema.ResumeToken{Engine: r.engine, Value: value}, nil
}

// defaultCompletedOK fills in OK=true on completed action events that
// left the outcome unset, so fixtures stay terse.
func defaultCompletedOK(event schema.Event) schema.Event {
	act, ok := event.(schema.ActionEvent)
	if !ok || act.Phase != schema.PhaseCompleted || act.OK != nil {
		return event
	}
	act.OK = schema.Bool(true)
	return act
}

func newToken() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "mock-unknown"
	}
	return hex.EncodeToString(buf[:])
}

// Step is one ScriptRunner instruction.
type Step interface{ step() }

// Emit yields one event.
type Emit struct{ Event schema.Event }

// Sleep pauses the script.
type Sleep struct{ For time.Duration }

// Wait blocks until the channel closes, for cross-run coordination in
// tests.
type Wait struct{ Ch <-chan struct{} }

// Return completes the run successfully with an answer.
type Return struct{ Answer string }

// Fail aborts the stream with an error and no Completed event.
type Fail struct{ Err error }

func (Emit) step()   {}
func (Sleep) step()  {}
func (Wait) step()   {}
func (Return) step() {}
func (Fail) step()   {}

// ScriptRunner executes a step list. It records every Run call.
type ScriptRunner struct {
	*Runner
	Script           []Step
	EmitSessionStart bool

	Calls []ScriptCall
}

// ScriptCall records one Run invocation.
type ScriptCall struct {
	Prompt string
	Resume *schema.ResumeToken
}

// NewScript builds a ScriptRunner.
func NewScript(script []Step, opts Options, locks *core.LockRegistry) *ScriptRunner {
	return &ScriptRunner{
		Runner:           New(opts, locks),
		Script:           script,
		EmitSessionStart: true,
	}
}

// Run executes the script.
func (r *ScriptRunner) Run(ctx context.Context, prompt string, resume *schema.ResumeToken) (core.EventStream, error) {
	token, err := r.token(resume)
	if err != nil {
		return nil, err
	}
	r.Calls = append(r.Calls, ScriptCall{Prompt: prompt, Resume: resume})
	stream := core.NewChannelStream(0)
	go func() {
		release, err := r.locks.Acquire(ctx, token)
		if err != nil {
			stream.End(nil)
			return
		}
		defer release()

		factory := schema.EventFactory{Engine: r.engine}
		if r.EmitSessionStart {
			if stream.Send(ctx, factory.Started(token, r.title, nil)) != nil {
				stream.End(nil)
				return
			}
		}
		for _, raw := range r.Script {
			switch step := raw.(type) {
			case Emit:
				if stream.Send(ctx, defaultCompletedOK(step.Event)) != nil {
					stream.End(nil)
					return
				}
			case Sleep:
				select {
				case <-time.After(step.For):
				case <-ctx.Done():
					stream.End(nil)
					return
				}
			case Wait:
				select {
				case <-step.Ch:
				case <-ctx.Done():
					stream.End(nil)
					return
				}
			case Return:
				_ = stream.Send(ctx, factory.CompletedOK(step.Answer, &token, nil))
				stream.End(nil)
				return
			case Fail:
				stream.End(step.Err)
				return
			}
		}
		_ = stream.Send(ctx, factory.CompletedOK(r.answer, &token, nil))
		stream.End(nil)
	}()
	return stream, nil
}
