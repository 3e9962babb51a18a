// Package opencode adapts the OpenCode CLI (`opencode run --format
// json`) to the normalized runner protocol.
//
// OpenCode streams JSON events with types step_start, tool_use, text,
// step_finish (reason "stop" or "tool-calls"), and error. Session ids
// use the ses_XXXX format.
package opencode

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"pkt.systems/takopi/core"
	"pkt.systems/takopi/internal/jsonl"
	"pkt.systems/takopi/schema"
)

// EngineID is the opencode adapter id.
const EngineID schema.EngineID = "opencode"

var resumeRE = regexp.MustCompile(
	`(?im)^\s*` + "`?" + `opencode(?:\s+run)?\s+(?:--session|-s)\s+(ses_[A-Za-z0-9]+)` + "`?" + `\s*$`,
)

// Options configure the opencode invocation.
type Options struct {
	Command string
	Model   string
}

type wireEvent struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionID,omitempty"`
	Part      map[string]any  `json:"part,omitempty"`
	Error     json.RawMessage `json:"error,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
}

type runState struct {
	factory        schema.EventFactory
	workDir        string
	pendingActions map[string]schema.Action
	lastText       strings.Builder
	sessionID      string
	emittedStarted bool
	sawStepFinish  bool
	noteSeq        int
}

// Runner is the opencode adapter.
type Runner struct {
	*jsonl.Runner[runState]
	codec core.ResumeCodec
	title string
}

var _ core.Runner = (*Runner)(nil)

// New builds an opencode Runner.
func New(opts Options, locks *core.LockRegistry) *Runner {
	command := opts.Command
	if command == "" {
		command = "opencode"
	}
	title := "opencode"
	if opts.Model != "" {
		title = opts.Model
	}

	runner := &Runner{
		codec: core.ResumeCodec{
			EngineID: EngineID,
			Pattern:  resumeRE,
			Render: func(value string) string {
				return fmt.Sprintf("`opencode --session %s`", value)
			},
		},
		title: title,
	}
	runner.Runner = jsonl.NewRunner(jsonl.Engine[runState]{
		ID:      EngineID,
		Command: command,
		BuildArgs: func(info jsonl.RunInfo, _ *runState) []string {
			args := []string{"run", "--format", "json"}
			if info.Resume != nil {
				args = append(args, "--session", info.Resume.Value)
			}
			if opts.Model != "" {
				args = append(args, "--model", opts.Model)
			}
			prompt := info.Prompt
			if strings.HasPrefix(prompt, "-") {
				prompt = " " + prompt
			}
			return append(args, "--", prompt)
		},
		NewState: func(info jsonl.RunInfo) *runState {
			return &runState{
				factory:        schema.EventFactory{Engine: EngineID},
				workDir:        info.WorkDir,
				pendingActions: make(map[string]schema.Action),
			}
		},
		Decode: func(line []byte) (any, error) {
			var event wireEvent
			if err := json.Unmarshal(line, &event); err != nil {
				return nil, err
			}
			return &event, nil
		},
		Translate: func(decoded any, state *runState, _, _ *schema.ResumeToken) ([]schema.Event, error) {
			return runner.translate(decoded.(*wireEvent), state), nil
		},
		ProcessErrorEvents: func(rc int, stderrTail string, resume, found *schema.ResumeToken, state *runState) []schema.Event {
			message := fmt.Sprintf("opencode failed (rc=%d).", rc)
			errMsg := message
			if tail := strings.TrimSpace(stderrTail); tail != "" {
				errMsg = message + "\n" + tail
			}
			state.noteSeq++
			return []schema.Event{
				state.factory.Warning(fmt.Sprintf("opencode.note.%d", state.noteSeq), message, nil),
				state.factory.CompletedError(errMsg, state.lastText.String(), state.resumeOr(resume)),
			}
		},
		StreamEndEvents: func(resume, found *schema.ResumeToken, state *runState) []schema.Event {
			if found == nil && state.sessionID == "" {
				message := "opencode finished but no session_id was captured"
				return []schema.Event{
					state.factory.CompletedError(message, state.lastText.String(), resume),
				}
			}
			token := state.resumeOr(found)
			if state.sawStepFinish {
				return []schema.Event{
					state.factory.CompletedOK(state.lastText.String(), token, nil),
				}
			}
			message := "opencode finished without a result event"
			return []schema.Event{
				state.factory.CompletedError(message, state.lastText.String(), token),
			}
		},
	}, locks)
	return runner
}

func (s *runState) resumeOr(fallback *schema.ResumeToken) *schema.ResumeToken {
	if s.sessionID != "" {
		return &schema.ResumeToken{Engine: EngineID, Value: s.sessionID}
	}
	return fallback
}

// Engine returns the adapter id.
func (r *Runner) Engine() schema.EngineID { return EngineID }

// FormatResume renders `opencode --session <id>`.
func (r *Runner) FormatResume(token schema.ResumeToken) (string, error) {
	return r.codec.FormatResume(token)
}

// ExtractResume scans text for opencode resume lines; the last match wins.
func (r *Runner) ExtractResume(text string) *schema.ResumeToken {
	return r.codec.ExtractResume(text)
}

// IsResumeLine reports whether line is an opencode resume line.
func (r *Runner) IsResumeLine(line string) bool { return r.codec.IsResumeLine(line) }

func (r *Runner) translate(event *wireEvent, state *runState) []schema.Event {
	factory := state.factory
	if event.SessionID != "" && state.sessionID == "" {
		state.sessionID = event.SessionID
	}

	switch event.Type {
	case "step_start":
		if state.emittedStarted || state.sessionID == "" {
			return nil
		}
		state.emittedStarted = true
		token := schema.ResumeToken{Engine: EngineID, Value: state.sessionID}
		return []schema.Event{factory.Started(token, r.title, nil)}

	case "tool_use":
		return r.translateToolUse(event.Part, state)

	case "text":
		if text, _ := event.Part["text"].(string); text != "" {
			state.lastText.WriteString(text)
		}
		return nil

	case "step_finish":
		state.sawStepFinish = true
		if reason, _ := event.Part["reason"].(string); reason == "stop" {
			return []schema.Event{
				factory.CompletedOK(state.lastText.String(), state.resumeOr(nil), nil),
			}
		}
		return nil

	case "error":
		message := errorMessage(event)
		return []schema.Event{
			factory.CompletedError(message, state.lastText.String(), state.resumeOr(nil)),
		}
	}
	return nil
}

func (r *Runner) translateToolUse(part map[string]any, state *runState) []schema.Event {
	factory := state.factory
	action, ok := extractToolAction(part, state.workDir)
	if !ok {
		return nil
	}
	toolState, _ := part["state"].(map[string]any)
	status, _ := toolState["status"].(string)
	metadata, _ := toolState["metadata"].(map[string]any)

	switch status {
	case "completed":
		detail := cloneDetail(action.Detail)
		if output, ok := toolState["output"].(string); ok {
			detail["output_preview"] = truncate(output, 500)
		}
		detail["exit_code"] = metadata["exit"]
		delete(state.pendingActions, action.ID)
		action.Detail = detail
		isError := false
		if exit, ok := asInt(metadata["exit"]); ok && exit != 0 {
			isError = true
		}
		return []schema.Event{factory.ActionCompleted(action, !isError)}

	case "error":
		detail := cloneDetail(action.Detail)
		if errValue, ok := toolState["error"]; ok && errValue != nil {
			detail["error"] = errValue
		}
		detail["exit_code"] = metadata["exit"]
		delete(state.pendingActions, action.ID)
		action.Detail = detail
		return []schema.Event{factory.ActionCompleted(action, false)}

	default:
		state.pendingActions[action.ID] = action
		return []schema.Event{factory.ActionStarted(action)}
	}
}

func extractToolAction(part map[string]any, workDir string) (schema.Action, bool) {
	toolState, _ := part["state"].(map[string]any)

	callID, _ := part["callID"].(string)
	if callID == "" {
		callID, _ = part["id"].(string)
		if callID == "" {
			return schema.Action{}, false
		}
	}
	toolName, _ := part["tool"].(string)
	if toolName == "" {
		toolName = "tool"
	}
	toolInput, _ := toolState["input"].(map[string]any)

	kind, title := toolKindAndTitle(toolName, toolInput, workDir)
	if stateTitle, _ := toolState["title"].(string); stateTitle != "" && !strings.Contains(stateTitle, "`") {
		title = stateTitle
	}

	detail := map[string]any{"name": toolName, "input": toolInput, "callID": callID}
	if kind == schema.ActionFileChange {
		if path := inputPath(toolInput); path != "" {
			detail["changes"] = []map[string]string{{"path": path, "kind": "update"}}
		}
	}
	return schema.Action{ID: callID, Kind: kind, Title: title, Detail: detail}, true
}

func toolKindAndTitle(name string, input map[string]any, workDir string) (schema.ActionKind, string) {
	switch strings.ToLower(name) {
	case "bash", "shell":
		command, _ := input["command"].(string)
		if command == "" {
			command = name
		}
		return schema.ActionCommand, core.RelativizeCommand(command, workDir)
	case "edit", "write", "multiedit":
		if path := inputPath(input); path != "" {
			return schema.ActionFileChange, core.RelativizePath(path, workDir)
		}
		return schema.ActionFileChange, name
	case "read":
		if path := inputPath(input); path != "" {
			return schema.ActionTool, fmt.Sprintf("read: `%s`", core.RelativizePath(path, workDir))
		}
		return schema.ActionTool, "read"
	case "glob":
		if pattern, _ := input["pattern"].(string); pattern != "" {
			return schema.ActionTool, fmt.Sprintf("glob: `%s`", pattern)
		}
		return schema.ActionTool, "glob"
	case "grep":
		if pattern, _ := input["pattern"].(string); pattern != "" {
			return schema.ActionTool, "grep: " + pattern
		}
		return schema.ActionTool, "grep"
	case "websearch", "web_search":
		query, _ := input["query"].(string)
		if query == "" {
			query = "search"
		}
		return schema.ActionWebSearch, query
	case "webfetch", "web_fetch":
		url, _ := input["url"].(string)
		if url == "" {
			url = "fetch"
		}
		return schema.ActionWebSearch, url
	case "todowrite":
		return schema.ActionNote, "update todos"
	case "todoread":
		return schema.ActionNote, "read todos"
	case "task":
		desc, _ := input["description"].(string)
		if desc == "" {
			desc, _ = input["prompt"].(string)
		}
		if desc == "" {
			desc = name
		}
		return schema.ActionTool, desc
	}
	return schema.ActionTool, name
}

func inputPath(input map[string]any) string {
	for _, key := range []string{"file_path", "filePath"} {
		if value, ok := input[key].(string); ok && value != "" {
			return value
		}
	}
	return ""
}

// errorMessage digs a readable message out of opencode's error payloads,
// which nest inconsistently.
func errorMessage(event *wireEvent) string {
	raw := event.Message
	if len(raw) == 0 {
		raw = event.Error
	}
	if len(raw) == 0 {
		return "opencode error"
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil && text != "" {
		return text
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil {
		if data, ok := obj["data"].(map[string]any); ok {
			if message, ok := data["message"].(string); ok && message != "" {
				return message
			}
		}
		if message, ok := obj["message"].(string); ok && message != "" {
			return message
		}
		if name, ok := obj["name"].(string); ok && name != "" {
			return name
		}
	}
	return "opencode error"
}

func cloneDetail(detail map[string]any) map[string]any {
	out := make(map[string]any, len(detail)+3)
	for key, value := range detail {
		out[key] = value
	}
	return out
}

func truncate(value string, max int) string {
	if len(value) <= max {
		return value
	}
	return value[:max]
}

func asInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	}
	return 0, false
}
