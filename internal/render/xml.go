package render

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"io"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tariff-cli/internal/fetcher"
)

// XMLRenderer renders publication XML (Federal Register / GPO style).
// GPOTABLE blocks become tables: CHED cells form the header and each ROW
// becomes one line of ENT cells. Other leaf elements become lines.
type XMLRenderer struct{}

func (XMLRenderer) Format() Format { return FormatXML }

// inline elements never end a line.
var xmlInline = map[string]bool{
	"E": true, "SU": true, "FR": true, "I": true, "B": true, "EM": true,
	"STRONG": true, "SUP": true, "SUB": true, "A": true,
}

// xmlSkip elements carry metadata, not text.
var xmlSkip = map[string]bool{
	"PRTPAGE": true, "FRDOC": true, "BILCOD": true, "GPH": true, "GID": true,
}

func (XMLRenderer) Render(ctx context.Context, data []byte) (*Document, error) {
	dec := fetcher.NewXMLDecoder(bytes.NewReader(data))
	dec.Strict = false
	dec.AutoClose = xml.HTMLAutoClose
	dec.Entity = xml.HTMLEntity

	var (
		b       builder
		buf     strings.Builder
		table   *Table
		cells   []string
		cell    *strings.Builder
		heads   []string
		skip    int
		inTitle bool
	)
	flush := func() {
		if strings.TrimSpace(buf.String()) != "" {
			b.line(buf.String())
		}
		buf.Reset()
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "xml: render cancelled")
		}
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, eris.Wrap(err, "xml: decode")
		}

		switch t := tok.(type) {
		case xml.StartElement:
			name := strings.ToUpper(t.Name.Local)
			if skip > 0 || xmlSkip[name] {
				skip++
				continue
			}
			switch name {
			case "GPOTABLE", "TABLE":
				flush()
				table = &Table{}
				heads = nil
			case "TTITLE":
				inTitle = true
				cell = &strings.Builder{}
			case "CHED", "ENT", "TD", "TH":
				cell = &strings.Builder{}
			case "ROW", "TR":
				cells = nil
			case "BOXHD":
			default:
				if !xmlInline[name] && table == nil {
					flush()
				}
			}

		case xml.CharData:
			if skip > 0 {
				continue
			}
			switch {
			case cell != nil:
				cell.Write(t)
			case table == nil:
				buf.Write(t)
			}

		case xml.EndElement:
			name := strings.ToUpper(t.Name.Local)
			if skip > 0 {
				skip--
				continue
			}
			switch name {
			case "TTITLE":
				if table != nil && cell != nil {
					table.Name = canonicalLine(cell.String())
					b.line(table.Name)
				}
				inTitle = false
				cell = nil
			case "CHED", "TH":
				if cell != nil {
					heads = append(heads, canonicalLine(cell.String()))
				}
				cell = nil
			case "ENT", "TD":
				if cell != nil {
					cells = append(cells, cell.String())
				}
				cell = nil
			case "BOXHD":
				if table != nil && len(heads) > 0 {
					table.Header = heads
					b.line(joinCells(heads))
				}
			case "ROW", "TR":
				if table != nil {
					if len(cells) == 0 && len(heads) > 0 && table.Header == nil {
						table.Header = heads
						b.line(joinCells(heads))
					} else {
						b.row(table, cells)
					}
				}
				cells = nil
			case "GPOTABLE", "TABLE":
				if table != nil {
					b.tables = append(b.tables, *table)
					b.line("")
				}
				table = nil
			default:
				if !xmlInline[name] && table == nil && !inTitle {
					flush()
				}
			}
		}
	}
	flush()
	return b.document(FormatXML), nil
}
