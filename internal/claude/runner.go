// Package claude adapts the Claude Code CLI (`claude -p --output-format
// stream-json`) to the normalized runner protocol.
package claude

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"pkt.systems/takopi/core"
	"pkt.systems/takopi/internal/jsonl"
	"pkt.systems/takopi/schema"
)

// EngineID is the claude adapter id.
const EngineID schema.EngineID = "claude"

// DefaultAllowedTools is passed via --allowedTools when the config does
// not override the tool set.
var DefaultAllowedTools = []string{"Bash", "Read", "Edit", "Write"}

var resumeRE = regexp.MustCompile(
	`(?im)^\s*` + "`?" + `claude\s+(?:--resume|-r)\s+([^` + "`" + `\s]+)` + "`?" + `\s*$`,
)

// Options configure the claude invocation.
type Options struct {
	Command                    string
	Model                      string
	AllowedTools               []string
	DangerouslySkipPermissions bool
	// UseAPIBilling keeps ANTHROPIC_API_KEY in the child environment;
	// by default it is stripped so the CLI uses subscription auth.
	UseAPIBilling bool
}

type runState struct {
	factory           schema.EventFactory
	workDir           string
	pendingActions    map[string]schema.Action
	lastAssistantText string
	noteSeq           int
}

// Runner is the claude adapter.
type Runner struct {
	*jsonl.Runner[runState]
	codec core.ResumeCodec
	title string
}

var _ core.Runner = (*Runner)(nil)

// New builds a claude Runner.
func New(opts Options, locks *core.LockRegistry) *Runner {
	command := opts.Command
	if command == "" {
		command = "claude"
	}
	allowedTools := opts.AllowedTools
	if allowedTools == nil {
		allowedTools = DefaultAllowedTools
	}
	title := "claude"
	if opts.Model != "" {
		title = opts.Model
	}

	runner := &Runner{
		codec: core.ResumeCodec{
			EngineID: EngineID,
			Pattern:  resumeRE,
			Render: func(value string) string {
				return fmt.Sprintf("`claude --resume %s`", value)
			},
		},
		title: title,
	}
	runner.Runner = jsonl.NewRunner(jsonl.Engine[runState]{
		ID:      EngineID,
		Command: command,
		BuildArgs: func(info jsonl.RunInfo, _ *runState) []string {
			return buildArgs(opts, allowedTools, info)
		},
		Env: func(_ *runState) []string {
			if opts.UseAPIBilling {
				return nil
			}
			return stripEnv(os.Environ(), "ANTHROPIC_API_KEY")
		},
		NewState: func(info jsonl.RunInfo) *runState {
			return &runState{
				factory:        schema.EventFactory{Engine: EngineID},
				workDir:        info.WorkDir,
				pendingActions: make(map[string]schema.Action),
			}
		},
		Decode: func(line []byte) (any, error) { return decodeWire(line) },
		Translate: func(decoded any, state *runState, _, _ *schema.ResumeToken) ([]schema.Event, error) {
			return runner.translate(decoded.(*wireMessage), state), nil
		},
		// Non-JSON noise on stdout is dropped silently; claude prints
		// plain progress lines in some failure modes.
		DecodeErrorEvents: func(string, error, *runState) []schema.Event { return nil },
		ProcessErrorEvents: func(rc int, stderrTail string, resume, found *schema.ResumeToken, state *runState) []schema.Event {
			message := fmt.Sprintf("claude failed (rc=%d).", rc)
			errMsg := message
			if tail := strings.TrimSpace(stderrTail); tail != "" {
				errMsg = message + "\n" + tail
			}
			state.noteSeq++
			return []schema.Event{
				state.factory.Warning(fmt.Sprintf("claude.note.%d", state.noteSeq), message, nil),
				state.factory.CompletedError(errMsg, "", pickToken(found, resume)),
			}
		},
		StreamEndEvents: func(resume, found *schema.ResumeToken, state *runState) []schema.Event {
			if found == nil {
				message := "claude finished but no session_id was captured"
				return []schema.Event{state.factory.CompletedError(message, "", resume)}
			}
			message := "claude finished without a result event"
			return []schema.Event{
				state.factory.CompletedError(message, state.lastAssistantText, found),
			}
		},
	}, locks)
	return runner
}

// Engine returns the adapter id.
func (r *Runner) Engine() schema.EngineID { return EngineID }

// FormatResume renders `claude --resume <id>`.
func (r *Runner) FormatResume(token schema.ResumeToken) (string, error) {
	return r.codec.FormatResume(token)
}

// ExtractResume scans text for claude resume lines; the last match wins.
func (r *Runner) ExtractResume(text string) *schema.ResumeToken {
	return r.codec.ExtractResume(text)
}

// IsResumeLine reports whether line is a claude resume line.
func (r *Runner) IsResumeLine(line string) bool { return r.codec.IsResumeLine(line) }

func buildArgs(opts Options, allowedTools []string, info jsonl.RunInfo) []string {
	args := []string{"-p", "--output-format", "stream-json", "--verbose"}
	if info.Resume != nil {
		args = append(args, "--resume", info.Resume.Value)
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if len(allowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(allowedTools, ","))
	}
	if opts.DangerouslySkipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	prompt := info.Prompt
	if strings.HasPrefix(prompt, "-") {
		prompt = " " + prompt
	}
	return append(args, "--", prompt)
}

func (r *Runner) translate(msg *wireMessage, state *runState) []schema.Event {
	factory := state.factory
	switch msg.Type {
	case "system":
		if msg.Subtype != "init" || msg.SessionID == "" {
			return nil
		}
		meta := map[string]any{}
		if msg.CWD != "" {
			meta["cwd"] = msg.CWD
		}
		if len(msg.Tools) > 0 {
			meta["tools"] = msg.Tools
		}
		if msg.PermissionMode != "" {
			meta["permissionMode"] = msg.PermissionMode
		}
		if msg.APIKeySource != "" {
			meta["apiKeySource"] = msg.APIKeySource
		}
		title := r.title
		if msg.Model != "" {
			title = msg.Model
		}
		token := schema.ResumeToken{Engine: EngineID, Value: msg.SessionID}
		if len(meta) == 0 {
			meta = nil
		}
		return []schema.Event{factory.Started(token, title, meta)}

	case "assistant":
		if msg.Message == nil {
			return nil
		}
		var out []schema.Event
		for _, block := range msg.Message.Content {
			switch block.Type {
			case "tool_use":
				action := toolAction(block, msg.ParentToolUseID, state.workDir)
				state.pendingActions[action.ID] = action
				out = append(out, factory.ActionStarted(action))
			case "thinking":
				if block.Thinking == "" {
					continue
				}
				state.noteSeq++
				detail := map[string]any{}
				if msg.ParentToolUseID != "" {
					detail["parent_tool_use_id"] = msg.ParentToolUseID
				}
				if len(detail) == 0 {
					detail = nil
				}
				out = append(out, factory.ActionCompleted(schema.Action{
					ID:     fmt.Sprintf("claude.thinking.%d", state.noteSeq),
					Kind:   schema.ActionNote,
					Title:  block.Thinking,
					Detail: detail,
				}, true))
			case "text":
				if block.Text != "" {
					state.lastAssistantText = block.Text
				}
			}
		}
		return out

	case "user":
		if msg.Message == nil {
			return nil
		}
		var out []schema.Event
		for _, block := range msg.Message.Content {
			if block.Type != "tool_result" {
				continue
			}
			action, ok := state.pendingActions[block.ToolUseID]
			if ok {
				delete(state.pendingActions, block.ToolUseID)
			} else {
				action = schema.Action{
					ID: block.ToolUseID, Kind: schema.ActionTool, Title: "tool result",
				}
			}
			isError := block.IsError != nil && *block.IsError
			preview := normalizeToolResult(block.Content)
			detail := cloneDetail(action.Detail)
			detail["tool_use_id"] = block.ToolUseID
			detail["result_preview"] = preview
			detail["result_len"] = len(preview)
			detail["is_error"] = isError
			out = append(out, factory.ActionCompleted(schema.Action{
				ID: action.ID, Kind: action.Kind, Title: action.Title, Detail: detail,
			}, !isError))
		}
		return out

	case "result":
		ok := !msg.IsError
		answer := msg.Result
		if ok && answer == "" {
			answer = state.lastAssistantText
		}
		token := schema.ResumeToken{Engine: EngineID, Value: msg.SessionID}
		if !ok {
			errMsg := msg.Result
			if errMsg == "" {
				if msg.Subtype != "" {
					errMsg = fmt.Sprintf("claude run failed (%s)", msg.Subtype)
				} else {
					errMsg = "claude run failed"
				}
			}
			return []schema.Event{factory.CompletedError(errMsg, answer, &token)}
		}
		return []schema.Event{factory.CompletedOK(answer, &token, usagePayload(msg))}
	}
	return nil
}

// toolAction maps a tool_use block to an action, classifying the tool by
// name so progress lines read naturally.
func toolAction(block wireBlock, parentToolUseID, workDir string) schema.Action {
	name := block.Name
	if name == "" {
		name = "tool"
	}
	kind, title := toolKindAndTitle(name, block.Input, workDir)

	detail := map[string]any{"name": name, "input": block.Input}
	if parentToolUseID != "" {
		detail["parent_tool_use_id"] = parentToolUseID
	}
	if kind == schema.ActionFileChange {
		if path := toolInputPath(block.Input); path != "" {
			detail["changes"] = []map[string]string{{"path": path, "kind": "update"}}
		}
	}
	return schema.Action{ID: block.ID, Kind: kind, Title: title, Detail: detail}
}

func toolKindAndTitle(name string, input map[string]any, workDir string) (schema.ActionKind, string) {
	switch name {
	case "Bash", "Shell", "KillShell":
		command, _ := input["command"].(string)
		if command == "" {
			command = name
		}
		return schema.ActionCommand, core.RelativizeCommand(command, workDir)
	case "Edit", "Write", "NotebookEdit", "MultiEdit":
		if path := toolInputPath(input); path != "" {
			return schema.ActionFileChange, core.RelativizePath(path, workDir)
		}
		return schema.ActionFileChange, name
	case "Read":
		if path := toolInputPath(input); path != "" {
			return schema.ActionTool, fmt.Sprintf("read: `%s`", core.RelativizePath(path, workDir))
		}
		return schema.ActionTool, "read"
	case "Glob":
		if pattern, _ := input["pattern"].(string); pattern != "" {
			return schema.ActionTool, fmt.Sprintf("glob: `%s`", pattern)
		}
		return schema.ActionTool, "glob"
	case "Grep":
		if pattern, _ := input["pattern"].(string); pattern != "" {
			return schema.ActionTool, "grep: " + pattern
		}
		return schema.ActionTool, "grep"
	case "WebSearch":
		query, _ := input["query"].(string)
		if query == "" {
			query = "search"
		}
		return schema.ActionWebSearch, query
	case "WebFetch":
		url, _ := input["url"].(string)
		if url == "" {
			url = "fetch"
		}
		return schema.ActionWebSearch, url
	case "TodoWrite":
		return schema.ActionNote, "update todos"
	case "TodoRead":
		return schema.ActionNote, "read todos"
	case "AskUserQuestion":
		return schema.ActionNote, "ask user"
	case "Task", "Agent":
		desc, _ := input["description"].(string)
		if desc == "" {
			desc, _ = input["prompt"].(string)
		}
		if desc == "" {
			desc = name
		}
		return schema.ActionSubagent, desc
	}
	return schema.ActionTool, name
}

func toolInputPath(input map[string]any) string {
	for _, key := range []string{"file_path", "path"} {
		if value, ok := input[key].(string); ok && value != "" {
			return value
		}
	}
	return ""
}

func usagePayload(msg *wireMessage) map[string]any {
	usage := map[string]any{}
	if msg.TotalCostUSD != nil {
		usage["total_cost_usd"] = *msg.TotalCostUSD
	}
	if msg.DurationMS != nil {
		usage["duration_ms"] = *msg.DurationMS
	}
	if msg.DurationAPIMS != nil {
		usage["duration_api_ms"] = *msg.DurationAPIMS
	}
	if msg.NumTurns != nil {
		usage["num_turns"] = *msg.NumTurns
	}
	if msg.Usage != nil {
		usage["usage"] = msg.Usage
	}
	if len(usage) == 0 {
		return nil
	}
	return usage
}

func cloneDetail(detail map[string]any) map[string]any {
	out := make(map[string]any, len(detail)+4)
	for key, value := range detail {
		out[key] = value
	}
	return out
}

func stripEnv(env []string, key string) []string {
	prefix := key + "="
	out := make([]string, 0, len(env))
	for _, entry := range env {
		if strings.HasPrefix(entry, prefix) {
			continue
		}
		out = append(out, entry)
	}
	return out
}

func pickToken(found, resume *schema.ResumeToken) *schema.ResumeToken {
	if found != nil {
		return found
	}
	return resume
}
