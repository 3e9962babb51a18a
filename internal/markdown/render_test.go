package markdown

import (
	"strings"
	"testing"
)

func findEntity(entities []Entity, kind string) *Entity {
	for i := range entities {
		if entities[i].Type == kind {
			return &entities[i]
		}
	}
	return nil
}

func TestRenderPlainText(t *testing.T) {
	text, entities := Render("just some words")
	if text != "just some words" {
		t.Fatalf("unexpected text: %q", text)
	}
	if len(entities) != 0 {
		t.Fatalf("plain text must have no entities: %+v", entities)
	}
}

func TestRenderBoldAndItalic(t *testing.T) {
	text, entities := Render("plain **bold** and *italic*")
	if text != "plain bold and italic" {
		t.Fatalf("unexpected text: %q", text)
	}
	bold := findEntity(entities, "bold")
	if bold == nil || text[bold.Offset:bold.Offset+bold.Length] != "bold" {
		t.Fatalf("bold entity wrong: %+v", bold)
	}
	italic := findEntity(entities, "italic")
	if italic == nil || text[italic.Offset:italic.Offset+italic.Length] != "italic" {
		t.Fatalf("italic entity wrong: %+v", italic)
	}
}

func TestRenderCodeSpanAndPre(t *testing.T) {
	text, entities := Render("run `codex resume U`\n\n```go\nfunc main() {}\n```")
	code := findEntity(entities, "code")
	if code == nil || text[code.Offset:code.Offset+code.Length] != "codex resume U" {
		t.Fatalf("code entity wrong: %+v in %q", code, text)
	}
	pre := findEntity(entities, "pre")
	if pre == nil || pre.Language != "go" {
		t.Fatalf("pre entity wrong: %+v", pre)
	}
	if !strings.Contains(text, "func main() {}") {
		t.Fatalf("code block body missing: %q", text)
	}
}

func TestRenderLink(t *testing.T) {
	text, entities := Render("see [the docs](https://example.com/x)")
	link := findEntity(entities, "text_link")
	if link == nil || link.URL != "https://example.com/x" {
		t.Fatalf("link entity wrong: %+v", link)
	}
	if text[link.Offset:link.Offset+link.Length] != "the docs" {
		t.Fatalf("link text wrong: %q", text)
	}
}

func TestRenderList(t *testing.T) {
	text, _ := Render("- one\n- two\n\n1. first\n2. second")
	for _, want := range []string{"- one", "- two", "1. first", "2. second"} {
		if !strings.Contains(text, want) {
			t.Fatalf("list item %q missing from %q", want, text)
		}
	}
}

func TestRenderHeadingIsBold(t *testing.T) {
	text, entities := Render("# Title\n\nbody")
	bold := findEntity(entities, "bold")
	if bold == nil || text[bold.Offset:bold.Offset+bold.Length] != "Title" {
		t.Fatalf("heading must render bold: %+v in %q", bold, text)
	}
}

func TestRenderUTF16Offsets(t *testing.T) {
	// The emoji is two UTF-16 code units; entity offsets must account
	// for that.
	text, entities := Render("🦆 **bold**")
	bold := findEntity(entities, "bold")
	if bold == nil {
		t.Fatalf("missing bold entity")
	}
	if bold.Offset != 3 { // emoji (2) + space (1)
		t.Fatalf("UTF-16 offset wrong: %d", bold.Offset)
	}
	if !strings.HasPrefix(text, "🦆 ") {
		t.Fatalf("unexpected text: %q", text)
	}
}

func TestRenderIsPure(t *testing.T) {
	source := "**a** `b` [c](https://c)"
	text1, entities1 := Render(source)
	text2, entities2 := Render(source)
	if text1 != text2 || len(entities1) != len(entities2) {
		t.Fatalf("render is not deterministic")
	}
}

func TestRenderStrikethrough(t *testing.T) {
	text, entities := Render("~~gone~~")
	strike := findEntity(entities, "strikethrough")
	if strike == nil || text[strike.Offset:strike.Offset+strike.Length] != "gone" {
		t.Fatalf("strikethrough entity wrong: %+v in %q", strike, text)
	}
}
