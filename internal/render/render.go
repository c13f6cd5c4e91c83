// Package render turns fetched documents into canonical line-numbered text.
// Structured formats (HTML tables, XML rows, CSV, XLSX) also yield tables
// whose rows point at the canonical line they were rendered to, so
// extractors can cite exact lines.
package render

import (
	"bytes"
	"context"
	"mime"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"golang.org/x/text/unicode/norm"
)

// Format names a document format.
type Format string

const (
	FormatHTML Format = "html"
	FormatXML  Format = "xml"
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
	FormatPDF  Format = "pdf"
	FormatText Format = "text"
)

// CellSeparator joins table cells on a canonical line.
const CellSeparator = " | "

// Row is one table row and the 1-based canonical line it was written to.
type Row struct {
	Line  int      `json:"line"`
	Cells []string `json:"cells"`
}

// Table is a structured block found in the document.
type Table struct {
	Name   string   `json:"name,omitempty"`
	Header []string `json:"header,omitempty"`
	Rows   []Row    `json:"rows"`
}

// Document is a rendered document.
type Document struct {
	Format     Format  `json:"format"`
	Text       string  `json:"text"`
	Structured bool    `json:"structured"`
	Tables     []Table `json:"tables,omitempty"`
}

// Lines returns the canonical lines (1-based line n is Lines()[n-1]).
func (d *Document) Lines() []string {
	if d.Text == "" {
		return nil
	}
	return strings.Split(d.Text, "\n")
}

// Renderer converts raw bytes of one format.
type Renderer interface {
	Format() Format
	Render(ctx context.Context, data []byte) (*Document, error)
}

// Set maps formats to renderers.
type Set map[Format]Renderer

// NewSet returns the standard renderers. pdftotextPath may be empty.
func NewSet(pdftotextPath string) Set {
	return Set{
		FormatHTML: HTMLRenderer{},
		FormatXML:  XMLRenderer{},
		FormatCSV:  CSVRenderer{},
		FormatXLSX: XLSXRenderer{},
		FormatPDF:  NewPDFRenderer(pdftotextPath),
		FormatText: TextRenderer{},
	}
}

// ErrNoText is returned for documents that render to nothing, such as
// scanned PDFs without a text layer.
var ErrNoText = eris.New("render: document has no text")

// Render detects the format and renders data. An empty result is an error:
// a document with no text cannot back any fact.
func (s Set) Render(ctx context.Context, contentType, name string, data []byte) (*Document, error) {
	f := Detect(contentType, name, data)
	r, ok := s[f]
	if !ok {
		return nil, eris.Errorf("render: no renderer for %s", f)
	}
	doc, err := r.Render(ctx, data)
	if err != nil {
		return nil, eris.Wrapf(err, "render: %s", f)
	}
	if strings.TrimSpace(doc.Text) == "" {
		return nil, eris.Wrapf(ErrNoText, "render: %s", f)
	}
	return doc, nil
}

// Detect picks a format from content type, file name and magic bytes.
func Detect(contentType, name string, data []byte) Format {
	switch {
	case bytes.HasPrefix(data, []byte("%PDF-")):
		return FormatPDF
	case bytes.HasPrefix(data, []byte("PK\x03\x04")):
		return FormatXLSX
	}

	mt, _, _ := mime.ParseMediaType(contentType)
	switch mt {
	case "text/html", "application/xhtml+xml":
		return FormatHTML
	case "application/xml", "text/xml", "application/rss+xml", "application/atom+xml":
		return FormatXML
	case "text/csv":
		return FormatCSV
	case "application/pdf":
		return FormatPDF
	case "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":
		return FormatXLSX
	}

	switch strings.ToLower(path.Ext(name)) {
	case ".html", ".htm":
		return FormatHTML
	case ".xml":
		return FormatXML
	case ".csv":
		return FormatCSV
	case ".pdf":
		return FormatPDF
	case ".xlsx":
		return FormatXLSX
	}

	head := bytes.ToLower(bytes.TrimSpace(data[:min(len(data), 512)]))
	switch {
	case bytes.HasPrefix(head, []byte("<!doctype html")), bytes.HasPrefix(head, []byte("<html")):
		return FormatHTML
	case bytes.HasPrefix(head, []byte("<?xml")):
		return FormatXML
	}
	return FormatText
}

// builder accumulates canonical lines.
type builder struct {
	lines  []string
	tables []Table
}

// line appends one canonical line and returns its 1-based number. Blank
// lines are collapsed so line numbers do not depend on formatting noise.
func (b *builder) line(s string) int {
	s = canonicalLine(s)
	if s == "" {
		if n := len(b.lines); n == 0 || b.lines[n-1] == "" {
			return n
		}
	}
	b.lines = append(b.lines, s)
	return len(b.lines)
}

func (b *builder) row(t *Table, cells []string) {
	clean := make([]string, len(cells))
	for i, c := range cells {
		clean[i] = canonicalLine(c)
	}
	if allEmpty(clean) {
		return
	}
	n := b.line(strings.Join(clean, CellSeparator))
	t.Rows = append(t.Rows, Row{Line: n, Cells: clean})
}

func (b *builder) document(f Format) *Document {
	for len(b.lines) > 0 && b.lines[len(b.lines)-1] == "" {
		b.lines = b.lines[:len(b.lines)-1]
	}
	var tables []Table
	for _, t := range b.tables {
		if len(t.Rows) > 0 {
			tables = append(tables, t)
		}
	}
	return &Document{
		Format:     f,
		Text:       strings.Join(b.lines, "\n"),
		Structured: len(tables) > 0,
		Tables:     tables,
	}
}

// canonicalLine normalizes to NFC, replaces non-breaking spaces and folds
// whitespace runs.
func canonicalLine(s string) string {
	s = norm.NFC.String(s)
	s = strings.Map(func(r rune) rune {
		switch r {
		case '\u00a0', '\u2007', '\u202f', '\t':
			return ' '
		case '\u200b', '\ufeff':
			return -1
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

func allEmpty(cells []string) bool {
	for _, c := range cells {
		if c != "" {
			return false
		}
	}
	return true
}

// toUTF8 replaces invalid sequences so downstream code can assume UTF-8.
func toUTF8(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}
	return strings.ToValidUTF8(string(data), "\uFFFD")
}
