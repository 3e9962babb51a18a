package progress

import (
	"fmt"
	"strings"
	"time"

	"pkt.systems/takopi/schema"
)

const (
	glyphRunning = "▸"
	glyphUpdate  = "↻"
	glyphDone    = "✓"
	glyphFail    = "✗"
)

const headerSep = " · "

// hardBreak is a Markdown hard line break; progress lines stay separate
// lines after rendering.
const hardBreak = "  \n"

const (
	// maxProgressCmdLen bounds one action title in the progress body.
	maxProgressCmdLen = 300
	// maxFileChangesInline bounds the per-action file list.
	maxFileChangesInline = 3
)

// FormatElapsed renders a duration as `Xh YYm`, `Xm YYs`, or `Xs`.
func FormatElapsed(elapsed time.Duration) string {
	total := int(elapsed.Seconds())
	if total < 0 {
		total = 0
	}
	hours := total / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60
	if hours > 0 {
		return fmt.Sprintf("%dh %02dm", hours, minutes)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %02ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}

func formatHeader(label, engine string, elapsed time.Duration, step int) string {
	parts := []string{label, engine, FormatElapsed(elapsed)}
	if step > 0 {
		parts = append(parts, fmt.Sprintf("step %d", step))
	}
	return strings.Join(parts, headerSep)
}

func shorten(text string, width int) string {
	if width <= 0 {
		return ""
	}
	runes := []rune(text)
	if len(runes) <= width {
		return text
	}
	return string(runes[:width-1]) + "…"
}

func actionGlyph(state ActionState) string {
	if !state.Completed {
		if state.DisplayPhase == schema.PhaseUpdated {
			return glyphUpdate
		}
		return glyphRunning
	}
	if state.OK != nil {
		if *state.OK {
			return glyphDone
		}
		return glyphFail
	}
	if code, ok := exitCode(state.Action); ok && code != 0 {
		return glyphFail
	}
	return glyphDone
}

func exitCode(action schema.Action) (int, bool) {
	switch code := action.Detail["exit_code"].(type) {
	case int:
		return code, true
	case float64:
		return int(code), true
	}
	return 0, false
}

func actionSuffix(action schema.Action) string {
	if code, ok := exitCode(action); ok && code != 0 {
		return fmt.Sprintf(" (exit %d)", code)
	}
	return ""
}

func formatActionTitle(action schema.Action) string {
	title := action.Title
	switch action.Kind {
	case schema.ActionCommand:
		return fmt.Sprintf("`%s`", shorten(title, maxProgressCmdLen))
	case schema.ActionTool:
		return "tool: " + shorten(title, maxProgressCmdLen)
	case schema.ActionWebSearch:
		return "searched: " + shorten(title, maxProgressCmdLen)
	case schema.ActionSubagent:
		return "subagent: " + shorten(title, maxProgressCmdLen)
	case schema.ActionFileChange:
		return formatFileChangeTitle(action)
	default:
		return shorten(title, maxProgressCmdLen)
	}
}

func formatFileChangeTitle(action schema.Action) string {
	changes, _ := action.Detail["changes"].([]map[string]string)
	if changes == nil {
		if generic, ok := action.Detail["changes"].([]any); ok {
			for _, raw := range generic {
				entry := map[string]string{}
				if m, ok := raw.(map[string]any); ok {
					if path, ok := m["path"].(string); ok {
						entry["path"] = path
					}
					if kind, ok := m["kind"].(string); ok {
						entry["kind"] = kind
					}
				}
				if entry["path"] != "" {
					changes = append(changes, entry)
				}
			}
		}
	}
	if len(changes) > 0 {
		rendered := make([]string, 0, len(changes))
		for _, change := range changes {
			if change["path"] == "" {
				continue
			}
			verb := change["kind"]
			if verb == "" {
				verb = "update"
			}
			rendered = append(rendered, fmt.Sprintf("%s `%s`", verb, change["path"]))
		}
		if len(rendered) > maxFileChangesInline {
			remaining := len(rendered) - maxFileChangesInline
			rendered = append(rendered[:maxFileChangesInline], fmt.Sprintf("…(%d more)", remaining))
		}
		if len(rendered) > 0 {
			return "files: " + shorten(strings.Join(rendered, ", "), maxProgressCmdLen)
		}
	}
	fallback := action.Title
	if fallback != "" && !strings.HasPrefix(fallback, "`") && strings.ContainsRune(fallback, '/') {
		fallback = fmt.Sprintf("`%s`", fallback)
	}
	return "files: " + shorten(fallback, maxProgressCmdLen)
}

func formatActionLine(state ActionState) string {
	line := actionGlyph(state) + " " + formatActionTitle(state.Action)
	if state.Completed {
		line += actionSuffix(state.Action)
	}
	return line
}

// Formatter renders progress and final messages as Markdown.
type Formatter struct {
	// MaxActions bounds the progress body; the most recent lines win.
	MaxActions int
}

// NewFormatter returns a formatter with the default action window.
func NewFormatter() *Formatter { return &Formatter{MaxActions: 5} }

// RenderProgress renders the in-flight progress message.
func (f *Formatter) RenderProgress(state State, elapsed time.Duration, label string) string {
	header := formatHeader(label, state.Engine, elapsed, state.ActionCount)
	actions := state.Actions
	if len(actions) > f.MaxActions {
		actions = actions[len(actions)-f.MaxActions:]
	}
	lines := make([]string, 0, len(actions))
	for _, action := range actions {
		lines = append(lines, formatActionLine(action))
	}
	return assembleParts(header, strings.Join(lines, hardBreak), formatFooter(state))
}

// RenderFinal renders the terminal message: status header, answer body,
// then the footer.
func (f *Formatter) RenderFinal(state State, elapsed time.Duration, status, answer string) string {
	header := formatHeader(status, state.Engine, elapsed, state.ActionCount)
	return assembleParts(header, strings.TrimSpace(answer), formatFooter(state))
}

func formatFooter(state State) string {
	lines := make([]string, 0, 2)
	if state.ContextLine != "" {
		lines = append(lines, state.ContextLine)
	}
	if state.ResumeLine != "" {
		lines = append(lines, state.ResumeLine)
	}
	return strings.Join(lines, hardBreak)
}

func assembleParts(parts ...string) string {
	chunks := make([]string, 0, len(parts))
	for _, part := range parts {
		if part != "" {
			chunks = append(chunks, part)
		}
	}
	return strings.Join(chunks, "\n\n")
}
