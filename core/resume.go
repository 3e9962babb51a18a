package core

import (
	"fmt"
	"regexp"
	"strings"

	"pkt.systems/takopi/schema"
)

// ResumeCodec formats, detects, and extracts an engine's canonical resume
// line. Every adapter embeds one. Pattern must be a case-insensitive,
// multi-line anchored expression with a single capture group for the
// token; the last match in a text wins.
type ResumeCodec struct {
	EngineID schema.EngineID
	Pattern  *regexp.Regexp
	// Render produces the canonical line for a token value.
	Render func(value string) string
	// TrimQuotes strips surrounding single or double quotes from the
	// captured token (session-path engines quote values with spaces).
	TrimQuotes bool
}

// NewResumeCodec builds a codec for the common `<engine> <verb> <token>`
// shape, e.g. NewResumeCodec("codex", "resume") matches
// `codex resume <id>` and renders "`codex resume <id>`".
func NewResumeCodec(engine schema.EngineID, verb string) ResumeCodec {
	pattern := regexp.MustCompile(
		`(?im)^\s*` + "`?" + regexp.QuoteMeta(string(engine)) + `\s+` +
			regexp.QuoteMeta(verb) + `\s+([^` + "`" + `\s]+)` + "`?" + `\s*$`,
	)
	return ResumeCodec{
		EngineID: engine,
		Pattern:  pattern,
		Render: func(value string) string {
			return fmt.Sprintf("`%s %s %s`", engine, verb, value)
		},
	}
}

// FormatResume renders the canonical resume line for token.
func (c ResumeCodec) FormatResume(token schema.ResumeToken) (string, error) {
	if token.Engine != c.EngineID {
		return "", fmt.Errorf("%w: token is for %q, codec is %q",
			schema.ErrEngineMismatch, token.Engine, c.EngineID)
	}
	return c.Render(token.Value), nil
}

// IsResumeLine reports whether line matches the codec's pattern.
func (c ResumeCodec) IsResumeLine(line string) bool {
	return c.Pattern.MatchString(line)
}

// ExtractResume scans text for resume lines; the last match wins.
func (c ResumeCodec) ExtractResume(text string) *schema.ResumeToken {
	if text == "" {
		return nil
	}
	var found string
	for _, match := range c.Pattern.FindAllStringSubmatch(text, -1) {
		if len(match) < 2 {
			continue
		}
		token := match[1]
		if c.TrimQuotes {
			token = trimTokenQuotes(strings.TrimSpace(token))
		}
		if token != "" {
			found = token
		}
	}
	if found == "" {
		return nil
	}
	return &schema.ResumeToken{Engine: c.EngineID, Value: found}
}

func trimTokenQuotes(token string) string {
	if len(token) >= 2 {
		first, last := token[0], token[len(token)-1]
		if first == last && (first == '"' || first == '\'') {
			return token[1 : len(token)-1]
		}
	}
	return token
}
