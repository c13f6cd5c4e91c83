package render

import (
	"context"
	"strings"
)

// TextRenderer canonicalizes plain text line by line.
type TextRenderer struct{}

func (TextRenderer) Format() Format { return FormatText }

func (TextRenderer) Render(_ context.Context, data []byte) (*Document, error) {
	return renderPlain(FormatText, toUTF8(data)), nil
}

func renderPlain(f Format, text string) *Document {
	var b builder
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\f", "\n")
	for _, l := range strings.Split(text, "\n") {
		b.line(l)
	}
	return b.document(f)
}
