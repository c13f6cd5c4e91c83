// Package chunk splits canonical document text into bounded spans that
// carry their 1-based line range, so anything extracted from a chunk can be
// cited back to the document.
package chunk

import (
	"regexp"
	"strings"
)

// Defaults for Options zero values.
const (
	DefaultMaxLines = 80
	DefaultMaxChars = 8000
	DefaultOverlap  = 3
)

// Options bounds chunk size.
type Options struct {
	MaxLines int // lines per chunk
	MaxChars int // characters per chunk, newlines included
	Overlap  int // lines repeated at the top of a chunk when a block is cut mid-way
}

func (o Options) withDefaults() Options {
	if o.MaxLines <= 0 {
		o.MaxLines = DefaultMaxLines
	}
	if o.MaxChars <= 0 {
		o.MaxChars = DefaultMaxChars
	}
	if o.Overlap < 0 {
		o.Overlap = 0
	}
	if o.Overlap >= o.MaxLines {
		o.Overlap = o.MaxLines - 1
	}
	return o
}

// Chunk is a span of canonical lines [LineStart, LineEnd].
type Chunk struct {
	Index     int    `json:"index"`
	LineStart int    `json:"line_start"`
	LineEnd   int    `json:"line_end"`
	Heading   string `json:"heading,omitempty"`
	Text      string `json:"text"`
}

// Lines returns the chunk's lines with their document line numbers.
func (c Chunk) Lines() []Line {
	raw := strings.Split(c.Text, "\n")
	out := make([]Line, len(raw))
	for i, l := range raw {
		out[i] = Line{Number: c.LineStart + i, Text: l}
	}
	return out
}

// Line is one numbered canonical line.
type Line struct {
	Number int
	Text   string
}

// headingPattern matches lines that open a new section in regulatory text:
// "Annex I", "Section 2.", "Sec. 3", "Part B", "Item 4", "I. Background",
// "SUPPLEMENTARY INFORMATION:".
var headingPattern = regexp.MustCompile(
	`^(?i:(annex|appendix|section|sec\.|part|item|article|schedule)\s+([0-9]+[a-z]?|[ivxlc]+|[a-z])(\.|:|\s+[-–—]|$))` +
		`|^[IVX]{1,5}\.\s+[A-Z]` +
		`|^[A-Z][A-Z0-9 ,;:()'\-]{6,}$`,
)

// IsHeading reports whether line looks like a section heading.
func IsHeading(line string) bool {
	line = strings.TrimSpace(line)
	return line != "" && len(line) <= 120 && headingPattern.MatchString(line)
}

// span is a half-open range of 0-based line indexes.
type span struct{ from, to int }

// Split chunks text. Blocks (runs of non-blank lines: paragraphs, table
// rows) are packed whole while they fit. A heading starts a new chunk once
// the current one is at least half full. A block larger than the bounds is
// cut into pieces that repeat Overlap lines of the previous piece. Chunks
// never start or end on a blank line.
func Split(text string, opts Options) []Chunk {
	opts = opts.withDefaults()
	if strings.TrimSpace(text) == "" {
		return nil
	}
	lines := strings.Split(text, "\n")

	var (
		chunks      []Chunk
		cur         *span
		curHeading  string
		lastHeading string
	)
	emit := func() {
		if cur == nil {
			return
		}
		chunks = append(chunks, Chunk{
			Index:     len(chunks),
			LineStart: cur.from + 1,
			LineEnd:   cur.to,
			Heading:   curHeading,
			Text:      strings.Join(lines[cur.from:cur.to], "\n"),
		})
		cur = nil
	}
	start := func(s span) {
		cur = &s
		curHeading = lastHeading
	}

	for _, b := range blocks(lines) {
		if IsHeading(lines[b.from]) {
			if cur != nil && (cur.to-cur.from)*2 >= opts.MaxLines {
				emit()
			}
			lastHeading = strings.TrimSpace(lines[b.from])
		}

		if !fits(lines, b, opts) {
			emit()
			for _, piece := range cut(lines, b, opts) {
				start(piece)
				emit()
			}
			continue
		}
		if cur != nil && !fits(lines, span{cur.from, b.to}, opts) {
			emit()
		}
		if cur == nil {
			start(b)
			continue
		}
		cur.to = b.to
	}
	emit()
	return chunks
}

// blocks returns runs of non-blank lines.
func blocks(lines []string) []span {
	var out []span
	from := -1
	for i, l := range lines {
		blank := strings.TrimSpace(l) == ""
		switch {
		case !blank && from < 0:
			from = i
		case blank && from >= 0:
			out = append(out, span{from, i})
			from = -1
		}
	}
	if from >= 0 {
		out = append(out, span{from, len(lines)})
	}
	return out
}

func fits(lines []string, s span, opts Options) bool {
	return s.to-s.from <= opts.MaxLines && charLen(lines[s.from:s.to]) <= opts.MaxChars
}

// cut splits an oversized block. A single line longer than MaxChars is
// kept whole: lines are the unit of citation.
func cut(lines []string, b span, opts Options) []span {
	var out []span
	from := b.from
	for from < b.to {
		to := from + 1
		n := len(lines[from]) + 1
		for to < b.to && to-from < opts.MaxLines && n+len(lines[to])+1 <= opts.MaxChars {
			n += len(lines[to]) + 1
			to++
		}
		out = append(out, span{from, to})
		if to >= b.to {
			break
		}
		from = max(to-opts.Overlap, from+1)
	}
	return out
}

func charLen(lines []string) int {
	n := 0
	for _, l := range lines {
		n += len(l) + 1
	}
	return n
}
