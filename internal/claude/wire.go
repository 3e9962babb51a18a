package claude

import "encoding/json"

// Wire shapes for `claude -p --output-format stream-json` output.

type wireMessage struct {
	Type            string          `json:"type"`
	Subtype         string          `json:"subtype,omitempty"`
	SessionID       string          `json:"session_id,omitempty"`
	Model           string          `json:"model,omitempty"`
	CWD             string          `json:"cwd,omitempty"`
	Tools           []string        `json:"tools,omitempty"`
	PermissionMode  string          `json:"permissionMode,omitempty"`
	OutputStyle     string          `json:"output_style,omitempty"`
	APIKeySource    string          `json:"apiKeySource,omitempty"`
	ParentToolUseID string          `json:"parent_tool_use_id,omitempty"`
	Message         *wirePayload    `json:"message,omitempty"`
	IsError         bool            `json:"is_error,omitempty"`
	Result          string          `json:"result,omitempty"`
	TotalCostUSD    *float64        `json:"total_cost_usd,omitempty"`
	DurationMS      *int64          `json:"duration_ms,omitempty"`
	DurationAPIMS   *int64          `json:"duration_api_ms,omitempty"`
	NumTurns        *int            `json:"num_turns,omitempty"`
	Usage           map[string]any  `json:"usage,omitempty"`
	Raw             json.RawMessage `json:"-"`
}

type wirePayload struct {
	Role    string      `json:"role,omitempty"`
	Content []wireBlock `json:"content,omitempty"`
}

type wireBlock struct {
	Type string `json:"type"`

	// text blocks
	Text string `json:"text,omitempty"`

	// tool_use blocks
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// thinking blocks
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`

	// tool_result blocks
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   *bool           `json:"is_error,omitempty"`
}

func decodeWire(line []byte) (*wireMessage, error) {
	var msg wireMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, err
	}
	msg.Raw = append([]byte(nil), line...)
	return &msg, nil
}

// normalizeToolResult flattens a tool_result content payload (string,
// block list, or single block) into preview text.
func normalizeToolResult(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(content, &text); err == nil {
		return text
	}
	var blocks []map[string]any
	if err := json.Unmarshal(content, &blocks); err == nil {
		parts := make([]string, 0, len(blocks))
		for _, block := range blocks {
			if value, ok := block["text"].(string); ok && value != "" {
				parts = append(parts, value)
			}
		}
		return joinNonEmpty(parts)
	}
	var block map[string]any
	if err := json.Unmarshal(content, &block); err == nil {
		if value, ok := block["text"].(string); ok {
			return value
		}
	}
	return string(content)
}

func joinNonEmpty(parts []string) string {
	out := ""
	for _, part := range parts {
		if part == "" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += part
	}
	return out
}
