package progress

import "strings"

// Ellipsis marks the truncation point in a clipped body.
const Ellipsis = "…"

// Truncate fits text inside limit runes while preserving, byte for byte:
// the trailing run of lines the protected predicate accepts (resume
// lines and the ctx footer, with the blank lines between them), and the
// leading status line. The body is clipped and an ellipsis marker ends
// it; protected lines that sit inside the body, above the trailing run,
// are clipped with it. Text within the limit passes through untouched.
func Truncate(text string, limit int, protected func(line string) bool) string {
	if runeLen(text) <= limit {
		return text
	}
	lines := strings.Split(text, "\n")
	if len(lines) == 1 {
		runes := []rune(text)
		if limit <= 1 {
			return Ellipsis
		}
		return string(runes[:limit-1]) + Ellipsis
	}

	head := lines[0]

	// Collect the protected tail block: trailing protected lines plus
	// the blank lines that glue the footer on.
	cut := len(lines)
	for cut > 1 {
		line := lines[cut-1]
		if strings.TrimSpace(line) == "" || (protected != nil && protected(line)) {
			cut--
			continue
		}
		break
	}
	tail := strings.Join(lines[cut:], "\n")

	// Fixed overhead: status line, its newline, the ellipsis line, and
	// the tail with its separating newline.
	fixed := runeLen(head) + 1 + runeLen(Ellipsis)
	if tail != "" {
		fixed += 1 + runeLen(tail)
	}
	bodyBudget := limit - fixed
	if bodyBudget < 0 {
		bodyBudget = 0
	}

	body := strings.Join(lines[1:cut], "\n")
	bodyRunes := []rune(body)
	if len(bodyRunes) > bodyBudget {
		bodyRunes = bodyRunes[:bodyBudget]
	}

	out := head + "\n" + string(bodyRunes) + Ellipsis
	if tail != "" {
		out += "\n" + tail
	}
	return out
}

func runeLen(s string) int { return len([]rune(s)) }
