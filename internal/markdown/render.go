// Package markdown renders Markdown into the plain text plus entity
// spans the Telegram Bot API expects. Offsets and lengths are counted in
// UTF-16 code units, as the API requires.
package markdown

import (
	"fmt"
	"strings"
	"sync"
	"unicode/utf16"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

// Entity is one Telegram message entity span.
type Entity struct {
	Type     string `json:"type"`
	Offset   int    `json:"offset"`
	Length   int    `json:"length"`
	URL      string `json:"url,omitempty"`
	Language string `json:"language,omitempty"`
}

// parserInstance is initialized once and reused; parsing creates
// per-call state via Parse(reader).
var (
	parserInstance goldmark.Markdown
	parserOnce     sync.Once
)

func getParser() goldmark.Markdown {
	parserOnce.Do(func() {
		parserInstance = goldmark.New(
			goldmark.WithExtensions(extension.Strikethrough),
		)
	})
	return parserInstance
}

// Render converts Markdown source to (text, entities). It is pure: the
// same source always yields the same output.
func Render(source string) (string, []Entity) {
	if source == "" {
		return "", nil
	}
	src := []byte(source)
	document := getParser().Parser().Parse(text.NewReader(src))

	r := &renderer{source: src}
	r.blocks(document)
	return strings.TrimRight(r.out.String(), "\n"), r.entities
}

type renderer struct {
	source   []byte
	out      strings.Builder
	offset   int // UTF-16 code units written so far
	entities []Entity
}

func (r *renderer) write(s string) {
	if s == "" {
		return
	}
	r.out.WriteString(s)
	r.offset += utf16Len(s)
}

func utf16Len(s string) int {
	return len(utf16.Encode([]rune(s)))
}

// blocks renders the block-level children of node, separated by blank
// lines.
func (r *renderer) blocks(node ast.Node) {
	for child := node.FirstChild(); child != nil; child = child.NextSibling() {
		r.blockSeparator()
		r.block(child)
	}
}

func (r *renderer) blockSeparator() {
	if r.out.Len() == 0 {
		return
	}
	text := r.out.String()
	if strings.HasSuffix(text, "\n\n") {
		return
	}
	if strings.HasSuffix(text, "\n") {
		r.write("\n")
		return
	}
	r.write("\n\n")
}

func (r *renderer) block(node ast.Node) {
	switch node := node.(type) {
	case *ast.Paragraph, *ast.TextBlock:
		r.inlines(node)

	case *ast.Heading:
		start := r.offset
		r.inlines(node)
		r.addEntity(Entity{Type: "bold", Offset: start, Length: r.offset - start})

	case *ast.FencedCodeBlock:
		language := string(node.Language(r.source))
		r.codeBlock(node, language)

	case *ast.CodeBlock:
		r.codeBlock(node, "")

	case *ast.Blockquote:
		start := r.offset
		r.blocks(node)
		r.addEntity(Entity{Type: "blockquote", Offset: start, Length: r.offset - start})

	case *ast.List:
		r.list(node)

	case *ast.ThematicBreak:
		r.write("———")

	case *ast.HTMLBlock:
		for i := 0; i < node.Lines().Len(); i++ {
			segment := node.Lines().At(i)
			r.write(string(segment.Value(r.source)))
		}

	default:
		if node.Type() == ast.TypeBlock {
			r.inlines(node)
		}
	}
}

func (r *renderer) codeBlock(node interface {
	ast.Node
	Lines() *text.Segments
}, language string) {
	start := r.offset
	var builder strings.Builder
	for i := 0; i < node.Lines().Len(); i++ {
		segment := node.Lines().At(i)
		builder.Write(segment.Value(r.source))
	}
	code := strings.TrimRight(builder.String(), "\n")
	r.write(code)
	r.addEntity(Entity{
		Type: "pre", Offset: start, Length: r.offset - start, Language: language,
	})
}

func (r *renderer) list(node *ast.List) {
	index := node.Start
	if index == 0 {
		index = 1
	}
	first := true
	for item := node.FirstChild(); item != nil; item = item.NextSibling() {
		if !first {
			r.write("\n")
		}
		first = false
		if node.IsOrdered() {
			r.write(fmt.Sprintf("%d. ", index))
			index++
		} else {
			r.write("- ")
		}
		r.listItem(item)
	}
}

func (r *renderer) listItem(item ast.Node) {
	first := true
	for child := item.FirstChild(); child != nil; child = child.NextSibling() {
		if !first {
			r.write("\n")
		}
		first = false
		if nested, ok := child.(*ast.List); ok {
			r.list(nested)
			continue
		}
		r.block(child)
	}
}

// inlines renders the inline children of a block node.
func (r *renderer) inlines(node ast.Node) {
	for child := node.FirstChild(); child != nil; child = child.NextSibling() {
		r.inline(child)
	}
}

func (r *renderer) inline(node ast.Node) {
	switch node := node.(type) {
	case *ast.Text:
		r.write(string(node.Segment.Value(r.source)))
		if node.HardLineBreak() || node.SoftLineBreak() {
			r.write("\n")
		}

	case *ast.String:
		r.write(string(node.Value))

	case *ast.Emphasis:
		start := r.offset
		r.inlines(node)
		kind := "italic"
		if node.Level >= 2 {
			kind = "bold"
		}
		r.addEntity(Entity{Type: kind, Offset: start, Length: r.offset - start})

	case *extast.Strikethrough:
		start := r.offset
		r.inlines(node)
		r.addEntity(Entity{Type: "strikethrough", Offset: start, Length: r.offset - start})

	case *ast.CodeSpan:
		start := r.offset
		for child := node.FirstChild(); child != nil; child = child.NextSibling() {
			if textNode, ok := child.(*ast.Text); ok {
				r.write(string(textNode.Segment.Value(r.source)))
			}
		}
		r.addEntity(Entity{Type: "code", Offset: start, Length: r.offset - start})

	case *ast.Link:
		start := r.offset
		r.inlines(node)
		r.addEntity(Entity{
			Type: "text_link", Offset: start, Length: r.offset - start,
			URL: string(node.Destination),
		})

	case *ast.AutoLink:
		r.write(string(node.URL(r.source)))

	case *ast.Image:
		r.inlines(node)

	case *ast.RawHTML:
		for i := 0; i < node.Segments.Len(); i++ {
			segment := node.Segments.At(i)
			r.write(string(segment.Value(r.source)))
		}

	default:
		if node.Type() == ast.TypeInline {
			r.inlines(node)
		}
	}
}

func (r *renderer) addEntity(entity Entity) {
	if entity.Length <= 0 {
		return
	}
	r.entities = append(r.entities, entity)
}
