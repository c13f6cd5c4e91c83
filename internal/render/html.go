package render

import (
	"bytes"
	"context"
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/net/html/charset"
)

// HTMLRenderer renders block elements as lines and tables as rows.
type HTMLRenderer struct{}

func (HTMLRenderer) Format() Format { return FormatHTML }

func (HTMLRenderer) Render(_ context.Context, data []byte) (*Document, error) {
	if !utf8.Valid(data) {
		enc, _, _ := charset.DetermineEncoding(data, "text/html")
		decoded, err := enc.NewDecoder().Bytes(data)
		if err != nil {
			return nil, eris.Wrap(err, "html: decode charset")
		}
		data = decoded
	}
	root, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, eris.Wrap(err, "html: parse")
	}

	w := htmlWalker{}
	w.walk(root)
	w.flush()
	return w.b.document(FormatHTML), nil
}

type htmlWalker struct {
	b   builder
	buf strings.Builder
}

func (w *htmlWalker) flush() {
	// Whitespace between elements is layout, not a blank line.
	if strings.TrimSpace(w.buf.String()) != "" {
		w.b.line(w.buf.String())
	}
	w.buf.Reset()
}

func (w *htmlWalker) walk(n *html.Node) {
	switch n.Type {
	case html.TextNode:
		w.buf.WriteString(n.Data)
		return
	case html.ElementNode:
		switch n.DataAtom {
		case atom.Script, atom.Style, atom.Head, atom.Noscript, atom.Template:
			return
		case atom.Br:
			w.flush()
			return
		case atom.Table:
			w.flush()
			w.table(n)
			w.b.line("")
			return
		}
	}

	block := n.Type == html.ElementNode && isBlock(n.DataAtom)
	if block {
		w.flush()
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		w.walk(c)
	}
	if block {
		w.flush()
		if isParagraph(n.DataAtom) {
			w.b.line("")
		}
	}
}

func (w *htmlWalker) table(n *html.Node) {
	t := Table{}
	if caption := findFirst(n, atom.Caption); caption != nil {
		t.Name = canonicalLine(textOf(caption))
		w.b.line(t.Name)
	}
	for _, tr := range findAll(n, atom.Tr) {
		var cells []string
		header := true
		for c := tr.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != html.ElementNode || (c.DataAtom != atom.Td && c.DataAtom != atom.Th) {
				continue
			}
			if c.DataAtom == atom.Td {
				header = false
			}
			cells = append(cells, textOf(c))
		}
		if len(cells) == 0 {
			continue
		}
		if header && t.Header == nil && len(t.Rows) == 0 {
			for _, c := range cells {
				t.Header = append(t.Header, canonicalLine(c))
			}
			w.b.line(joinCells(t.Header))
			continue
		}
		w.b.row(&t, cells)
	}
	w.b.tables = append(w.b.tables, t)
}

// findAll returns descendants with the given tag, not descending into
// nested tables.
func findAll(n *html.Node, a atom.Atom) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(p *html.Node) {
		for c := p.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != html.ElementNode {
				continue
			}
			if c.DataAtom == a {
				out = append(out, c)
				continue
			}
			if c.DataAtom == atom.Table {
				continue
			}
			walk(c)
		}
	}
	walk(n)
	return out
}

func findFirst(n *html.Node, a atom.Atom) *html.Node {
	if all := findAll(n, a); len(all) > 0 {
		return all[0]
	}
	return nil
}

func textOf(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(p *html.Node) {
		if p.Type == html.TextNode {
			sb.WriteString(p.Data)
			return
		}
		if p.Type == html.ElementNode {
			switch p.DataAtom {
			case atom.Script, atom.Style:
				return
			case atom.Br, atom.P, atom.Div:
				sb.WriteByte(' ')
			}
		}
		for c := p.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

func isBlock(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.Section, atom.Article, atom.Header, atom.Footer,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6,
		atom.Li, atom.Ul, atom.Ol, atom.Dl, atom.Dt, atom.Dd,
		atom.Blockquote, atom.Pre, atom.Hr, atom.Main, atom.Nav, atom.Aside,
		atom.Body, atom.Html:
		return true
	}
	return false
}

func isParagraph(a atom.Atom) bool {
	switch a {
	case atom.P, atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6, atom.Blockquote, atom.Pre:
		return true
	}
	return false
}
