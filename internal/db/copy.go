package db

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// Copier is anything that speaks the COPY protocol: a Pool or a pgx.Tx.
type Copier interface {
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Table names a COPY target. A dotted name is schema-qualified
// ("tariff.hts_scope_entries").
type Table struct {
	Name    string
	Columns []string
}

func (t Table) ident() pgx.Identifier {
	return pgx.Identifier(strings.SplitN(t.Name, ".", 2))
}

// CopyEach streams items into t, mapping each to a row with fn. Nothing is
// sent for an empty slice.
func CopyEach[T any](ctx context.Context, c Copier, t Table, items []T, fn func(T) []any) (int64, error) {
	if len(items) == 0 {
		return 0, nil
	}
	src := pgx.CopyFromSlice(len(items), func(i int) ([]any, error) {
		return fn(items[i]), nil
	})
	n, err := c.CopyFrom(ctx, t.ident(), t.Columns, src)
	if err != nil {
		return 0, eris.Wrapf(err, "db: copy %d rows into %s", len(items), t.Name)
	}
	return n, nil
}

// CopyRows is CopyEach for rows already in column order.
func CopyRows(ctx context.Context, c Copier, t Table, rows [][]any) (int64, error) {
	return CopyEach(ctx, c, t, rows, func(r []any) []any { return r })
}
