// Package codex adapts the Codex CLI (`codex exec --json`) to the
// normalized runner protocol.
package codex

import (
	"fmt"
	"regexp"
	"strings"

	"pkt.systems/takopi/core"
	"pkt.systems/takopi/internal/jsonl"
	"pkt.systems/takopi/schema"
)

// EngineID is the codex adapter id.
const EngineID schema.EngineID = "codex"

var reconnectingRE = regexp.MustCompile(`(?i)^Reconnecting\.{3}\s*(\d+)/(\d+)\s*$`)

// Options configure the codex invocation.
type Options struct {
	Command   string
	ExtraArgs []string
	// Profile appends --profile and retitles the session.
	Profile string
	// Unrestricted adds full-access sandbox overrides unless the extra
	// args already pin them.
	Unrestricted bool
}

type runState struct {
	factory     schema.EventFactory
	workDir     string
	finalAnswer string
	turnIndex   int
	noteSeq     int
}

func (s *runState) noteID() string {
	s.noteSeq++
	return fmt.Sprintf("codex.note.%d", s.noteSeq)
}

// Runner is the codex adapter.
type Runner struct {
	*jsonl.Runner[runState]
	codec     core.ResumeCodec
	title     string
	extraArgs []string
}

var _ core.Runner = (*Runner)(nil)

// New builds a codex Runner.
func New(opts Options, locks *core.LockRegistry) *Runner {
	command := opts.Command
	if command == "" {
		command = "codex"
	}
	extraArgs := opts.ExtraArgs
	if extraArgs == nil {
		extraArgs = []string{"-c", "notify=[]"}
	}
	title := "Codex"
	if opts.Profile != "" {
		extraArgs = append(extraArgs, "--profile", opts.Profile)
		title = opts.Profile
	}
	if opts.Unrestricted {
		for _, override := range []struct{ key, value string }{
			{"sandbox_mode", "danger-full-access"},
			{"approval_policy", "never"},
			{"network_access", "enabled"},
		} {
			if !hasConfigOverride(extraArgs, override.key) {
				extraArgs = append(extraArgs, "-c", override.key+"="+override.value)
			}
		}
	}

	runner := &Runner{
		codec:     core.NewResumeCodec(EngineID, "resume"),
		title:     title,
		extraArgs: extraArgs,
	}
	runner.Runner = jsonl.NewRunner(jsonl.Engine[runState]{
		ID:      EngineID,
		Tag:     "codex exec",
		Command: command,
		BuildArgs: func(info jsonl.RunInfo, _ *runState) []string {
			return buildExecArgs(extraArgs, info.Resume)
		},
		StdinPayload: func(info jsonl.RunInfo, _ *runState) []byte {
			return []byte(info.Prompt)
		},
		NewState: func(info jsonl.RunInfo) *runState {
			return &runState{
				factory: schema.EventFactory{Engine: EngineID},
				workDir: info.WorkDir,
			}
		},
		Decode: func(line []byte) (any, error) { return decodeWire(line) },
		Translate: func(decoded any, state *runState, resume, found *schema.ResumeToken) ([]schema.Event, error) {
			return runner.translate(decoded.(*wireEvent), state, resume, found)
		},
		ProcessErrorEvents: func(rc int, stderrTail string, resume, found *schema.ResumeToken, state *runState) []schema.Event {
			message := fmt.Sprintf("codex exec failed (rc=%d).", rc)
			errMsg := message
			if tail := strings.TrimSpace(stderrTail); tail != "" {
				errMsg = message + "\n" + tail
			}
			return []schema.Event{
				state.factory.Warning(state.noteID(), message, nil),
				state.factory.CompletedError(errMsg, state.finalAnswer, pick(found, resume)),
			}
		},
		StreamEndEvents: func(resume, found *schema.ResumeToken, state *runState) []schema.Event {
			if found == nil {
				message := "codex exec finished but no session_id/thread_id was captured"
				return []schema.Event{
					state.factory.CompletedError(message, state.finalAnswer, resume),
				}
			}
			return []schema.Event{
				state.factory.CompletedOK(state.finalAnswer, found, nil),
			}
		},
	}, locks)
	return runner
}

// Engine returns the adapter id.
func (r *Runner) Engine() schema.EngineID { return EngineID }

// FormatResume renders `codex resume <id>`.
func (r *Runner) FormatResume(token schema.ResumeToken) (string, error) {
	return r.codec.FormatResume(token)
}

// ExtractResume scans text for codex resume lines; the last match wins.
func (r *Runner) ExtractResume(text string) *schema.ResumeToken {
	return r.codec.ExtractResume(text)
}

// IsResumeLine reports whether line is a codex resume line.
func (r *Runner) IsResumeLine(line string) bool { return r.codec.IsResumeLine(line) }

func (r *Runner) translate(event *wireEvent, state *runState, resume, found *schema.ResumeToken) ([]schema.Event, error) {
	factory := state.factory
	switch event.Type {
	case evtThreadStarted:
		if event.ThreadID == "" {
			return nil, nil
		}
		token := schema.ResumeToken{Engine: EngineID, Value: event.ThreadID}
		return []schema.Event{factory.Started(token, r.title, nil)}, nil

	case evtTurnStarted:
		id := fmt.Sprintf("turn_%d", state.turnIndex)
		state.turnIndex++
		return []schema.Event{factory.ActionStarted(schema.Action{
			ID: id, Kind: schema.ActionTurn, Title: "turn started",
		})}, nil

	case evtTurnCompleted:
		return []schema.Event{
			factory.CompletedOK(state.finalAnswer, pick(found, resume), event.Usage),
		}, nil

	case evtTurnFailed:
		message := "codex turn failed"
		if event.Error != nil && event.Error.Message != "" {
			message = event.Error.Message
		}
		return []schema.Event{
			factory.CompletedError(message, state.finalAnswer, pick(found, resume)),
		}, nil

	case evtStreamError:
		return r.translateStreamError(event.Message, state), nil

	case evtItemStarted, evtItemUpdated, evtItemCompleted:
		phase := schema.PhaseStarted
		switch event.Type {
		case evtItemUpdated:
			phase = schema.PhaseUpdated
		case evtItemCompleted:
			phase = schema.PhaseCompleted
		}
		if event.Item == nil {
			return nil, nil
		}
		if event.Item.Type == itemAgentMessage {
			if phase == schema.PhaseCompleted && event.Item.Text != "" {
				state.finalAnswer = event.Item.Text
			}
			return nil, nil
		}
		return r.translateItem(phase, event.Item, state), nil
	}
	return nil, nil
}

func (r *Runner) translateStreamError(message string, state *runState) []schema.Event {
	factory := state.factory
	if match := reconnectingRE.FindStringSubmatch(message); match != nil {
		phase := schema.PhaseUpdated
		if match[1] == "0" || match[1] == "1" {
			phase = schema.PhaseStarted
		}
		return []schema.Event{factory.Action(phase, schema.Action{
			ID:    "codex.reconnect",
			Kind:  schema.ActionNote,
			Title: message,
			Detail: map[string]any{
				"attempt": match[1],
				"max":     match[2],
			},
		})}
	}
	return []schema.Event{factory.Warning(state.noteID(), message, nil)}
}

func (r *Runner) translateItem(phase schema.ActionPhase, item *wireItem, state *runState) []schema.Event {
	factory := state.factory
	switch item.Type {
	case itemError:
		if phase != schema.PhaseCompleted {
			return nil
		}
		return []schema.Event{factory.Warning(item.ID, item.Message, map[string]any{
			"message": item.Message,
		})}

	case itemCommandExecution:
		title := core.RelativizeCommand(item.Command, state.workDir)
		action := schema.Action{ID: item.ID, Kind: schema.ActionCommand, Title: title}
		if phase != schema.PhaseCompleted {
			return []schema.Event{factory.Action(phase, action)}
		}
		ok := item.Status == "completed"
		if item.ExitCode != nil {
			ok = ok && *item.ExitCode == 0
		}
		action.Detail = map[string]any{"status": item.Status}
		if item.ExitCode != nil {
			action.Detail["exit_code"] = *item.ExitCode
		}
		return []schema.Event{factory.ActionCompleted(action, ok)}

	case itemMcpToolCall:
		title := shortToolName(item.Server, item.Tool)
		detail := map[string]any{
			"server":    item.Server,
			"tool":      item.Tool,
			"status":    item.Status,
			"arguments": item.Arguments,
		}
		action := schema.Action{ID: item.ID, Kind: schema.ActionTool, Title: title, Detail: detail}
		if phase != schema.PhaseCompleted {
			return []schema.Event{factory.Action(phase, action)}
		}
		ok := item.Status == "completed" && item.Error == nil
		if item.Error != nil {
			detail["error_message"] = item.Error.Message
		}
		return []schema.Event{factory.ActionCompleted(action, ok)}

	case itemWebSearch:
		action := schema.Action{
			ID: item.ID, Kind: schema.ActionWebSearch, Title: item.Query,
			Detail: map[string]any{"query": item.Query},
		}
		if phase != schema.PhaseCompleted {
			return []schema.Event{factory.Action(phase, action)}
		}
		return []schema.Event{factory.ActionCompleted(action, true)}

	case itemFileChange:
		if phase != schema.PhaseCompleted {
			return nil
		}
		action := schema.Action{
			ID:    item.ID,
			Kind:  schema.ActionFileChange,
			Title: changeSummary(item.Changes),
			Detail: map[string]any{
				"changes": changeDetail(item.Changes),
				"status":  item.Status,
			},
		}
		return []schema.Event{factory.ActionCompleted(action, item.Status == "completed")}

	case itemTodoList:
		done, total, next := summarizeTodos(item.Items)
		action := schema.Action{
			ID:     item.ID,
			Kind:   schema.ActionNote,
			Title:  todoTitle(done, total, next),
			Detail: map[string]any{"done": done, "total": total},
		}
		if phase != schema.PhaseCompleted {
			return []schema.Event{factory.Action(phase, action)}
		}
		return []schema.Event{factory.ActionCompleted(action, true)}

	case itemReasoning:
		action := schema.Action{ID: item.ID, Kind: schema.ActionNote, Title: item.Text}
		if phase != schema.PhaseCompleted {
			return []schema.Event{factory.Action(phase, action)}
		}
		return []schema.Event{factory.ActionCompleted(action, true)}
	}
	return nil
}

func shortToolName(server, tool string) string {
	parts := make([]string, 0, 2)
	if server != "" {
		parts = append(parts, server)
	}
	if tool != "" {
		parts = append(parts, tool)
	}
	if len(parts) == 0 {
		return "tool"
	}
	return strings.Join(parts, ".")
}

func changeSummary(changes []wireChange) string {
	paths := make([]string, 0, len(changes))
	for _, change := range changes {
		if change.Path != "" {
			paths = append(paths, change.Path)
		}
	}
	if len(paths) == 0 {
		if len(changes) == 0 {
			return "files"
		}
		return fmt.Sprintf("%d files", len(changes))
	}
	return strings.Join(paths, ", ")
}

func changeDetail(changes []wireChange) []map[string]string {
	out := make([]map[string]string, 0, len(changes))
	for _, change := range changes {
		if change.Path == "" {
			continue
		}
		entry := map[string]string{"path": change.Path}
		if change.Kind != "" {
			entry["kind"] = change.Kind
		}
		out = append(out, entry)
	}
	return out
}

func summarizeTodos(items []wireTodo) (done, total int, next string) {
	for _, item := range items {
		total++
		if item.Completed {
			done++
			continue
		}
		if next == "" {
			next = item.Text
		}
	}
	return done, total, next
}

func todoTitle(done, total int, next string) string {
	if total <= 0 {
		return "todo"
	}
	if next != "" {
		return fmt.Sprintf("todo %d/%d: %s", done, total, next)
	}
	return fmt.Sprintf("todo %d/%d: done", done, total)
}

func buildExecArgs(extraArgs []string, resume *schema.ResumeToken) []string {
	args := append(append([]string{}, extraArgs...),
		"exec", "--skip-git-repo-check", "--json")
	if resume != nil {
		args = append(args, "resume", resume.Value)
	}
	return append(args, "-")
}

func hasConfigOverride(args []string, key string) bool {
	prefix := key + "="
	for i, arg := range args {
		if arg == "-c" && i+1 < len(args) && strings.HasPrefix(args[i+1], prefix) {
			return true
		}
	}
	return false
}

func pick(found, resume *schema.ResumeToken) *schema.ResumeToken {
	if found != nil {
		return found
	}
	return resume
}
