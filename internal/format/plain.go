// Package format renders normalized runner events as plain text lines
// for debug logging and terminal diagnostics.
package format

import (
	"fmt"
	"strings"

	"pkt.systems/takopi/schema"
)

// PlainRenderer formats events as plain text lines.
type PlainRenderer struct{}

// NewPlainRenderer returns a default plain-text renderer.
func NewPlainRenderer() *PlainRenderer {
	return &PlainRenderer{}
}

// FormatEvent converts a runner event into user-facing lines. Events
// with no display value (turn markers) yield nothing.
func (p *PlainRenderer) FormatEvent(event schema.Event) []string {
	switch event := event.(type) {
	case schema.Started:
		line := string(event.Engine)
		if event.Title != "" && event.Title != string(event.Engine) {
			line = fmt.Sprintf("%s (%s)", event.Engine, event.Title)
		}
		return []string{line}

	case schema.ActionEvent:
		if event.Action.Kind == schema.ActionTurn {
			return nil
		}
		return []string{formatActionLine(event)}

	case schema.Completed:
		if event.OK {
			return []string{"completed"}
		}
		if event.Error != "" {
			return []string{"failed: " + event.Error}
		}
		return []string{"failed"}
	}
	return nil
}

func formatActionLine(event schema.ActionEvent) string {
	marker := "..."
	if event.Phase == schema.PhaseCompleted {
		marker = "ok"
		if event.OK != nil && !*event.OK {
			marker = "fail"
		}
	}
	title := strings.TrimSpace(event.Action.Title)
	if title == "" {
		title = string(event.Action.Kind)
	}
	if idx := strings.IndexByte(title, '\n'); idx >= 0 {
		title = title[:idx]
	}
	return fmt.Sprintf("[%s] %s: %s", marker, event.Action.Kind, title)
}
