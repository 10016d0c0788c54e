// ABOUTME: Converts Markdown model output into WhatsApp message markup
// ABOUTME: Walks the goldmark AST and emits *bold*, _italic_, ~strike~ and plain lists

package whatsapp

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

var markdown = goldmark.New(goldmark.WithExtensions(extension.Strikethrough))

var blankRuns = regexp.MustCompile(`\n{3,}`)

// FormatText renders Markdown as WhatsApp markup. Plain text passes through unchanged.
func FormatText(md string) string {
	if strings.TrimSpace(md) == "" {
		return md
	}
	source := []byte(md)
	doc := markdown.Parser().Parse(text.NewReader(source))

	var b strings.Builder
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		return renderNode(&b, source, n, entering), nil
	})

	out := blankRuns.ReplaceAllString(b.String(), "\n\n")
	return strings.TrimSpace(out)
}

func renderNode(b *strings.Builder, source []byte, n ast.Node, entering bool) ast.WalkStatus {
	switch node := n.(type) {
	case *ast.Text:
		if entering {
			b.Write(node.Segment.Value(source))
			if node.SoftLineBreak() || node.HardLineBreak() {
				b.WriteByte('\n')
			}
		}
	case *ast.String:
		if entering {
			b.Write(node.Value)
		}
	case *ast.Emphasis:
		if node.Level >= 2 {
			b.WriteByte('*')
		} else {
			b.WriteByte('_')
		}
	case *east.Strikethrough:
		b.WriteByte('~')
	case *ast.CodeSpan:
		b.WriteByte('`')
	case *ast.Heading:
		if entering {
			b.WriteByte('*')
		} else {
			b.WriteString("*")
			endBlock(b, n)
		}
	case *ast.Paragraph:
		if entering {
			if _, quoted := n.Parent().(*ast.Blockquote); quoted {
				b.WriteString("> ")
			}
		} else {
			endBlock(b, n)
		}
	case *ast.FencedCodeBlock, *ast.CodeBlock:
		if entering {
			b.WriteString("```\n")
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				b.Write(seg.Value(source))
			}
			b.WriteString("```")
			endBlock(b, n)
		}
		return ast.WalkSkipChildren
	case *ast.ListItem:
		if entering {
			if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
				b.WriteByte('\n')
			}
			b.WriteString(strings.Repeat("  ", listDepth(n)-1))
			b.WriteString(listMarker(node))
		} else if !strings.HasSuffix(b.String(), "\n") {
			b.WriteByte('\n')
		}
	case *ast.List:
		if !entering {
			if _, nested := n.Parent().(*ast.ListItem); !nested {
				b.WriteByte('\n')
			}
		}
	case *ast.Link:
		if !entering {
			dest := string(node.Destination)
			if dest != "" && dest != plainText(n, source) {
				b.WriteString(" (" + dest + ")")
			}
		}
	case *ast.AutoLink:
		if entering {
			b.Write(node.URL(source))
		}
		return ast.WalkSkipChildren
	case *ast.Image:
		if entering {
			b.WriteString(string(node.Destination))
		}
		return ast.WalkSkipChildren
	case *ast.ThematicBreak:
		if entering {
			b.WriteString("---")
			endBlock(b, n)
		}
	case *ast.RawHTML:
		return ast.WalkSkipChildren
	case *ast.HTMLBlock:
		if entering {
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				b.Write(seg.Value(source))
			}
			endBlock(b, n)
		}
		return ast.WalkSkipChildren
	}
	return ast.WalkContinue
}

// endBlock separates top-level blocks with a blank line and nested ones with a newline.
func endBlock(b *strings.Builder, n ast.Node) {
	switch n.Parent().(type) {
	case *ast.Document, *ast.Blockquote:
		b.WriteString("\n\n")
	default:
		b.WriteByte('\n')
	}
}

func listDepth(n ast.Node) int {
	depth := 0
	for p := n.Parent(); p != nil; p = p.Parent() {
		if _, ok := p.(*ast.List); ok {
			depth++
		}
	}
	return depth
}

func listMarker(item *ast.ListItem) string {
	list, ok := item.Parent().(*ast.List)
	if !ok || !list.IsOrdered() {
		return "- "
	}
	idx := 0
	for s := item.PreviousSibling(); s != nil; s = s.PreviousSibling() {
		idx++
	}
	return strconv.Itoa(list.Start+idx) + ". "
}

// plainText concatenates the text segments under n.
func plainText(n ast.Node, source []byte) string {
	var b strings.Builder
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if t, ok := c.(*ast.Text); ok && entering {
			b.Write(t.Segment.Value(source))
		}
		return ast.WalkContinue, nil
	})
	return b.String()
}
