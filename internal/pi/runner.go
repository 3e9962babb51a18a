// Package pi adapts the pi coding agent CLI (`pi --print --mode json`)
// to the normalized runner protocol.
//
// Pi addresses sessions by file path. New runs pre-mint a session path
// under the agent's session directory so the resume line is known before
// the CLI reveals its short id; when the session header arrives before
// Started is emitted, the path token is promoted to the short id.
package pi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"pkt.systems/takopi/core"
	"pkt.systems/takopi/internal/jsonl"
	"pkt.systems/takopi/schema"
)

// EngineID is the pi adapter id.
const EngineID schema.EngineID = "pi"

const sessionIDPrefixLen = 8

var resumeRE = regexp.MustCompile(`(?im)^\s*` + "`?" + `pi\s+--session\s+(.+?)` + "`?" + `\s*$`)

// Options configure the pi invocation.
type Options struct {
	ExtraArgs []string
	Model     string
	Provider  string
}

type wireEvent struct {
	Type string `json:"type"`

	// session header
	ID  string `json:"id,omitempty"`
	CWD string `json:"cwd,omitempty"`

	// tool execution events
	ToolCallID string         `json:"toolCallId,omitempty"`
	ToolName   string         `json:"toolName,omitempty"`
	Args       map[string]any `json:"args,omitempty"`
	Result     any            `json:"result,omitempty"`
	IsError    bool           `json:"isError,omitempty"`

	// message events
	Message  map[string]any   `json:"message,omitempty"`
	Messages []map[string]any `json:"messages,omitempty"`
}

type runState struct {
	factory            schema.EventFactory
	workDir            string
	resume             schema.ResumeToken
	allowIDPromotion   bool
	pendingActions     map[string]schema.Action
	lastAssistantText  string
	lastAssistantError string
	lastUsage          map[string]any
	started            bool
	noteSeq            int
}

// Runner is the pi adapter.
type Runner struct {
	*jsonl.Runner[runState]
	codec core.ResumeCodec
	opts  Options
	title string
}

var _ core.Runner = (*Runner)(nil)

// New builds a pi Runner.
func New(opts Options, locks *core.LockRegistry) *Runner {
	runner := &Runner{
		codec: core.ResumeCodec{
			EngineID:   EngineID,
			Pattern:    resumeRE,
			TrimQuotes: true,
			Render: func(value string) string {
				return fmt.Sprintf("`pi --session %s`", quoteToken(value))
			},
		},
		opts:  opts,
		title: "pi",
	}
	runner.Runner = jsonl.NewRunner(jsonl.Engine[runState]{
		ID:      EngineID,
		Command: "pi",
		BuildArgs: func(info jsonl.RunInfo, state *runState) []string {
			args := append(append([]string{}, opts.ExtraArgs...), "--print", "--mode", "json")
			if opts.Provider != "" {
				args = append(args, "--provider", opts.Provider)
			}
			if opts.Model != "" {
				args = append(args, "--model", opts.Model)
			}
			args = append(args, "--session", state.resume.Value)
			prompt := info.Prompt
			if strings.HasPrefix(prompt, "-") {
				prompt = " " + prompt
			}
			return append(args, prompt)
		},
		Env: func(_ *runState) []string {
			env := os.Environ()
			env = setDefaultEnv(env, "NO_COLOR", "1")
			env = setDefaultEnv(env, "CI", "1")
			return env
		},
		NewState: func(info jsonl.RunInfo) *runState {
			state := &runState{
				factory:        schema.EventFactory{Engine: EngineID},
				workDir:        info.WorkDir,
				pendingActions: make(map[string]schema.Action),
			}
			if info.Resume != nil {
				state.resume = *info.Resume
			} else {
				state.resume = schema.ResumeToken{
					Engine: EngineID,
					Value:  newSessionPath(info.WorkDir),
				}
				state.allowIDPromotion = true
			}
			return state
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
			message := fmt.Sprintf("pi failed (rc=%d).", rc)
			errMsg := message
			if tail := strings.TrimSpace(stderrTail); tail != "" {
				errMsg = message + "\n" + tail
			}
			state.noteSeq++
			token := state.resume
			completed := schema.Completed{
				Engine: EngineID, OK: false, Answer: state.lastAssistantText,
				Resume: &token, Error: errMsg, Usage: state.lastUsage,
			}
			return []schema.Event{
				state.factory.Warning(fmt.Sprintf("pi.note.%d", state.noteSeq), message, nil),
				completed,
			}
		},
		StreamEndEvents: func(resume, found *schema.ResumeToken, state *runState) []schema.Event {
			message := "pi finished without an agent_end event"
			token := state.resume
			completed := schema.Completed{
				Engine: EngineID, OK: false, Answer: state.lastAssistantText,
				Resume: &token, Error: message, Usage: state.lastUsage,
			}
			return []schema.Event{completed}
		},
	}, locks)
	return runner
}

// Engine returns the adapter id.
func (r *Runner) Engine() schema.EngineID { return EngineID }

// FormatResume renders `pi --session <value>`, quoting values with
// spaces.
func (r *Runner) FormatResume(token schema.ResumeToken) (string, error) {
	return r.codec.FormatResume(token)
}

// ExtractResume scans text for pi resume lines; the last match wins.
func (r *Runner) ExtractResume(text string) *schema.ResumeToken {
	return r.codec.ExtractResume(text)
}

// IsResumeLine reports whether line is a pi resume line.
func (r *Runner) IsResumeLine(line string) bool { return r.codec.IsResumeLine(line) }

func (r *Runner) translate(event *wireEvent, state *runState) []schema.Event {
	factory := state.factory
	var out []schema.Event

	if event.Type == "session" {
		promoteSessionID(state, event.ID)
		if !state.started {
			out = append(out, factory.Started(state.resume, r.title, r.startedMeta()))
			state.started = true
		}
		return out
	}

	if !state.started {
		out = append(out, factory.Started(state.resume, r.title, r.startedMeta()))
		state.started = true
	}

	switch event.Type {
	case "tool_execution_start":
		if event.ToolCallID == "" {
			return out
		}
		name := event.ToolName
		if name == "" {
			name = "tool"
		}
		kind, title := toolKindAndTitle(name, event.Args, state.workDir)
		detail := map[string]any{"tool_name": name, "args": event.Args}
		if kind == schema.ActionFileChange {
			if path, _ := event.Args["path"].(string); path != "" {
				detail["changes"] = []map[string]string{{"path": path, "kind": "update"}}
			}
		}
		action := schema.Action{ID: event.ToolCallID, Kind: kind, Title: title, Detail: detail}
		state.pendingActions[action.ID] = action
		return append(out, factory.ActionStarted(action))

	case "tool_execution_end":
		if event.ToolCallID == "" {
			return out
		}
		action, ok := state.pendingActions[event.ToolCallID]
		if ok {
			delete(state.pendingActions, event.ToolCallID)
		} else {
			name := event.ToolName
			if name == "" {
				name = "tool"
			}
			action = schema.Action{ID: event.ToolCallID, Kind: schema.ActionTool, Title: name}
		}
		detail := cloneDetail(action.Detail)
		detail["result"] = event.Result
		detail["is_error"] = event.IsError
		action.Detail = detail
		return append(out, factory.ActionCompleted(action, !event.IsError))

	case "message_end":
		noteAssistantMessage(state, event.Message)
		return out

	case "agent_end":
		if assistant := lastAssistantMessage(event.Messages); assistant != nil {
			noteAssistantMessage(state, assistant)
		}
		token := state.resume
		completed := schema.Completed{
			Engine: EngineID,
			OK:     state.lastAssistantError == "",
			Answer: state.lastAssistantText,
			Resume: &token,
			Error:  state.lastAssistantError,
			Usage:  state.lastUsage,
		}
		return append(out, completed)
	}
	return out
}

func (r *Runner) startedMeta() map[string]any {
	meta := map[string]any{}
	if r.opts.Model != "" {
		meta["model"] = r.opts.Model
	}
	if r.opts.Provider != "" {
		meta["provider"] = r.opts.Provider
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}

// promoteSessionID swaps the pre-minted session path for the CLI's short
// id, but only before Started is emitted.
func promoteSessionID(state *runState, sessionID string) {
	if sessionID == "" || state.started || !state.allowIDPromotion {
		return
	}
	if !looksLikeSessionPath(state.resume.Value) {
		return
	}
	state.resume = schema.ResumeToken{Engine: EngineID, Value: shortSessionID(sessionID)}
	state.allowIDPromotion = false
}

func looksLikeSessionPath(token string) bool {
	if token == "" {
		return false
	}
	return strings.HasSuffix(token, ".jsonl") ||
		strings.ContainsAny(token, `/\`) ||
		strings.HasPrefix(token, "~")
}

func shortSessionID(sessionID string) string {
	if idx := strings.IndexByte(sessionID, '-'); idx >= 0 {
		return sessionID[:idx]
	}
	if len(sessionID) > sessionIDPrefixLen {
		return sessionID[:sessionIDPrefixLen]
	}
	return sessionID
}

func noteAssistantMessage(state *runState, message map[string]any) {
	if message == nil || message["role"] != "assistant" {
		return
	}
	if text := extractTextBlocks(message["content"]); text != "" {
		state.lastAssistantText = text
	}
	if usage, ok := message["usage"].(map[string]any); ok {
		state.lastUsage = usage
	}
	if err := assistantError(message); err != "" {
		state.lastAssistantError = err
	}
}

func extractTextBlocks(content any) string {
	blocks, ok := content.([]any)
	if !ok {
		return ""
	}
	var builder strings.Builder
	for _, raw := range blocks {
		block, ok := raw.(map[string]any)
		if !ok || block["type"] != "text" {
			continue
		}
		if text, ok := block["text"].(string); ok {
			builder.WriteString(text)
		}
	}
	return strings.TrimSpace(builder.String())
}

func assistantError(message map[string]any) string {
	stopReason, _ := message["stopReason"].(string)
	if stopReason != "error" && stopReason != "aborted" {
		return ""
	}
	if errMsg, ok := message["errorMessage"].(string); ok && errMsg != "" {
		return errMsg
	}
	return "pi run " + stopReason
}

func lastAssistantMessage(messages []map[string]any) map[string]any {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i]["role"] == "assistant" {
			return messages[i]
		}
	}
	return nil
}

func toolKindAndTitle(name string, args map[string]any, workDir string) (schema.ActionKind, string) {
	switch strings.ToLower(name) {
	case "bash", "shell":
		command, _ := args["command"].(string)
		if command == "" {
			command = name
		}
		return schema.ActionCommand, core.RelativizeCommand(command, workDir)
	case "edit", "write":
		if path, _ := args["path"].(string); path != "" {
			return schema.ActionFileChange, core.RelativizePath(path, workDir)
		}
		return schema.ActionFileChange, name
	case "read":
		if path, _ := args["path"].(string); path != "" {
			return schema.ActionTool, fmt.Sprintf("read: `%s`", core.RelativizePath(path, workDir))
		}
		return schema.ActionTool, "read"
	case "glob":
		if pattern, _ := args["pattern"].(string); pattern != "" {
			return schema.ActionTool, fmt.Sprintf("glob: `%s`", pattern)
		}
		return schema.ActionTool, "glob"
	case "grep":
		if pattern, _ := args["pattern"].(string); pattern != "" {
			return schema.ActionTool, "grep: " + pattern
		}
		return schema.ActionTool, "grep"
	case "web_search", "websearch":
		query, _ := args["query"].(string)
		if query == "" {
			query = "search"
		}
		return schema.ActionWebSearch, query
	}
	return schema.ActionTool, name
}

// newSessionPath mints a session file path under the pi agent directory,
// namespaced by the working directory the way the CLI does it.
func newSessionPath(workDir string) string {
	base := os.Getenv("PI_CODING_AGENT_DIR")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		base = filepath.Join(home, ".pi", "agent")
	}
	cwd := workDir
	if cwd == "" {
		if wd, err := os.Getwd(); err == nil {
			cwd = wd
		}
	}
	slug := strings.NewReplacer("/", "-", `\`, "-", ":", "-").Replace(strings.TrimLeft(cwd, `/\`))
	dir := filepath.Join(base, "sessions", "--"+slug+"--")
	_ = os.MkdirAll(dir, 0o755)

	stamp := time.Now().UTC().Format("2006-01-02T15-04-05")
	var buf [16]byte
	_, _ = rand.Read(buf[:])
	return filepath.Join(dir, fmt.Sprintf("%s_%s.jsonl", stamp, hex.EncodeToString(buf[:])))
}

func quoteToken(token string) string {
	if token == "" {
		return token
	}
	if !strings.ContainsAny(token, " \t") && !strings.Contains(token, `"`) {
		return token
	}
	return `"` + strings.ReplaceAll(token, `"`, `\"`) + `"`
}

func setDefaultEnv(env []string, key, value string) []string {
	prefix := key + "="
	for _, entry := range env {
		if strings.HasPrefix(entry, prefix) {
			return env
		}
	}
	return append(env, prefix+value)
}

func cloneDetail(detail map[string]any) map[string]any {
	out := make(map[string]any, len(detail)+2)
	for key, value := range detail {
		out[key] = value
	}
	return out
}
