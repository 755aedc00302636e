package render

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// markdown styles. Each is a no-op when color output is disabled.
var (
	headingStyle = color.New(color.FgHiWhite, color.Bold)
	boldStyle    = color.New(color.Bold)
	italicStyle  = color.New(color.Italic)
	codeStyle    = color.New(color.FgYellow)
	linkStyle    = color.New(color.FgBlue, color.Underline)
	quoteStyle   = color.New(color.FgHiBlack)
)

var mdParser = goldmark.New().Parser()

// Markdown renders assistant markdown as terminal text. Structure is
// kept (headings, lists, quotes, code blocks) and markup characters
// are replaced by colors. Input that is not markdown passes through
// with only whitespace normalized.
func Markdown(src string) string {
	source := []byte(src)
	doc := mdParser.Parse(text.NewReader(source))

	m := &mdWriter{source: source}
	m.blocks(doc, "")
	return strings.TrimRight(m.buf.String(), "\n")
}

type mdWriter struct {
	source []byte
	buf    bytes.Buffer
}

// blocks renders each block child of n, separated by blank lines.
func (m *mdWriter) blocks(n ast.Node, indent string) {
	first := true
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		if !first && c.HasBlankPreviousLines() {
			m.buf.WriteString("\n")
		} else if !first && n.Kind() == ast.KindDocument {
			m.buf.WriteString("\n")
		}
		first = false
		m.block(c, indent)
	}
}

func (m *mdWriter) block(n ast.Node, indent string) {
	switch node := n.(type) {
	case *ast.Heading:
		m.line(indent, headingStyle.Sprint(m.inline(node)))
	case *ast.Paragraph, *ast.TextBlock:
		for _, l := range strings.Split(m.inline(node), "\n") {
			m.line(indent, l)
		}
	case *ast.List:
		m.list(node, indent)
	case *ast.Blockquote:
		var sub mdWriter
		sub.source = m.source
		sub.blocks(node, "")
		for _, l := range strings.Split(strings.TrimRight(sub.buf.String(), "\n"), "\n") {
			m.line(indent, quoteStyle.Sprint("│ ")+l)
		}
	case *ast.FencedCodeBlock, *ast.CodeBlock:
		m.code(node, indent)
	case *ast.ThematicBreak:
		m.line(indent, quoteStyle.Sprint(strings.Repeat("─", 40)))
	case *ast.HTMLBlock:
		m.code(node, indent)
	default:
		if n.HasChildren() {
			m.blocks(n, indent)
		}
	}
}

func (m *mdWriter) list(l *ast.List, indent string) {
	num := l.Start
	if num == 0 {
		num = 1
	}
	for item := l.FirstChild(); item != nil; item = item.NextSibling() {
		marker := "• "
		if l.IsOrdered() {
			marker = fmt.Sprintf("%d. ", num)
			num++
		}
		pad := strings.Repeat(" ", len([]rune(marker)))

		var sub mdWriter
		sub.source = m.source
		sub.blocks(item, "")
		lines := strings.Split(strings.TrimRight(sub.buf.String(), "\n"), "\n")
		for i, ln := range lines {
			if i == 0 {
				m.line(indent, marker+ln)
				continue
			}
			if ln == "" {
				m.buf.WriteString("\n")
				continue
			}
			m.line(indent, pad+ln)
		}
	}
}

func (m *mdWriter) code(n ast.Node, indent string) {
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		ln := strings.TrimRight(string(seg.Value(m.source)), "\n")
		m.line(indent+"    ", codeStyle.Sprint(ln))
	}
}

func (m *mdWriter) line(indent, s string) {
	m.buf.WriteString(indent)
	m.buf.WriteString(s)
	m.buf.WriteString("\n")
}

// inline flattens the inline children of n.
func (m *mdWriter) inline(n ast.Node) string {
	var sb strings.Builder
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		m.inlineNode(&sb, c)
	}
	return sb.String()
}

func (m *mdWriter) inlineNode(sb *strings.Builder, n ast.Node) {
	switch node := n.(type) {
	case *ast.Text:
		sb.Write(node.Segment.Value(m.source))
		switch {
		case node.HardLineBreak(), node.SoftLineBreak():
			sb.WriteString("\n")
		}
	case *ast.String:
		sb.Write(node.Value)
	case *ast.CodeSpan:
		sb.WriteString(codeStyle.Sprint(m.plain(node)))
	case *ast.Emphasis:
		inner := m.inline(node)
		if node.Level >= 2 {
			sb.WriteString(boldStyle.Sprint(inner))
		} else {
			sb.WriteString(italicStyle.Sprint(inner))
		}
	case *ast.Link:
		label := m.inline(node)
		dest := string(node.Destination)
		if label == "" || label == dest {
			sb.WriteString(linkStyle.Sprint(dest))
			return
		}
		sb.WriteString(label)
		sb.WriteString(" (")
		sb.WriteString(linkStyle.Sprint(dest))
		sb.WriteString(")")
	case *ast.AutoLink:
		sb.WriteString(linkStyle.Sprint(string(node.URL(m.source))))
	case *ast.Image:
		alt := m.plain(node)
		if alt == "" {
			alt = "image"
		}
		sb.WriteString("[" + alt + "]")
	case *ast.RawHTML:
		for i := 0; i < node.Segments.Len(); i++ {
			seg := node.Segments.At(i)
			sb.Write(seg.Value(m.source))
		}
	default:
		for c := n.FirstChild(); c != nil; c = c.NextSibling() {
			m.inlineNode(sb, c)
		}
	}
}

// plain collects the raw text under n without styling.
func (m *mdWriter) plain(n ast.Node) string {
	var sb strings.Builder
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch t := c.(type) {
		case *ast.Text:
			sb.Write(t.Segment.Value(m.source))
		case *ast.String:
			sb.Write(t.Value)
		}
		return ast.WalkContinue, nil
	})
	return sb.String()
}
