package render

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"io"

	"github.com/rotisserie/eris"
)

// CSVRenderer renders delimited text as a single table. The first record is
// the header.
type CSVRenderer struct {
	Delimiter rune // default: tab when the first line has tabs and no commas, else ','
}

func (CSVRenderer) Format() Format { return FormatCSV }

func (r CSVRenderer) Render(ctx context.Context, data []byte) (*Document, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))

	reader := csv.NewReader(bytes.NewReader([]byte(toUTF8(data))))
	reader.Comma = r.delimiter(data)
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1

	var b builder
	t := Table{}
	for {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "csv: render cancelled")
		}
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, eris.Wrap(err, "csv: read row")
		}
		if t.Header == nil {
			t.Header = make([]string, len(record))
			for i, c := range record {
				t.Header[i] = canonicalLine(c)
			}
			b.line(joinCells(t.Header))
			continue
		}
		b.row(&t, record)
	}
	b.tables = append(b.tables, t)
	return b.document(FormatCSV), nil
}

func (r CSVRenderer) delimiter(data []byte) rune {
	if r.Delimiter != 0 {
		return r.Delimiter
	}
	first := data
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		first = data[:i]
	}
	if bytes.IndexByte(first, '\t') >= 0 && bytes.IndexByte(first, ',') < 0 {
		return '\t'
	}
	return ','
}
