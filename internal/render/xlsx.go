package render

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// XLSXRenderer renders every sheet as a table named after the sheet. The
// first non-empty row of a sheet is its header.
type XLSXRenderer struct{}

func (XLSXRenderer) Format() Format { return FormatXLSX }

func (XLSXRenderer) Render(ctx context.Context, data []byte) (*Document, error) {
	f, err := xlsx.OpenBinary(data)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: open")
	}

	var b builder
	for _, sheet := range f.Sheets {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "xlsx: render cancelled")
		}
		t := Table{Name: sheet.Name}
		b.line(sheet.Name)
		for _, row := range sheet.Rows {
			if row == nil {
				continue
			}
			cells := rowToStrings(row)
			if t.Header == nil {
				if allEmpty(cells) {
					continue
				}
				t.Header = cells
				b.line(joinCells(cells))
				continue
			}
			b.row(&t, cells)
		}
		b.tables = append(b.tables, t)
		b.line("")
	}
	return b.document(FormatXLSX), nil
}

func rowToStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		cells[j] = canonicalLine(cell.String())
	}
	// Trailing empty cells are formatting residue.
	for len(cells) > 0 && cells[len(cells)-1] == "" {
		cells = cells[:len(cells)-1]
	}
	return cells
}

func joinCells(cells []string) string {
	return strings.Join(cells, CellSeparator)
}
