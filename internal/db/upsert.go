package db

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// Merge upserts rows into a table by staging them with COPY in a
// transaction-scoped temp table and merging with INSERT ... ON CONFLICT.
type Merge struct {
	Into Table
	// On is the unique key the merge resolves conflicts on.
	On []string
	// Update lists the columns overwritten on conflict. Nil means every
	// column outside On.
	Update []string
	// Keep leaves existing rows untouched (ON CONFLICT DO NOTHING).
	Keep bool
	// Cast stages every column as text and casts it to the given SQL type,
	// one per column, when merging.
	Cast []string
}

func (m Merge) validate() error {
	switch {
	case len(m.Into.Columns) == 0:
		return eris.Errorf("db: merge into %s: no columns", m.Into.Name)
	case len(m.On) == 0:
		return eris.Errorf("db: merge into %s: no conflict key", m.Into.Name)
	case len(m.Cast) > 0 && len(m.Cast) != len(m.Into.Columns):
		return eris.Errorf("db: merge into %s: %d casts for %d columns", m.Into.Name, len(m.Cast), len(m.Into.Columns))
	}
	return nil
}

// Exec runs the merge inside tx and returns the rows inserted or updated.
func (m Merge) Exec(ctx context.Context, tx pgx.Tx, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if err := m.validate(); err != nil {
		return 0, err
	}
	stage := m.stage()
	if _, err := tx.Exec(ctx, m.createSQL(stage)); err != nil {
		return 0, eris.Wrapf(err, "db: merge into %s: stage", m.Into.Name)
	}
	if _, err := CopyRows(ctx, tx, stage, rows); err != nil {
		return 0, err
	}
	tag, err := tx.Exec(ctx, m.mergeSQL(stage))
	if err != nil {
		return 0, eris.Wrapf(err, "db: merge into %s", m.Into.Name)
	}
	return tag.RowsAffected(), nil
}

// Run is Exec in its own transaction.
func (m Merge) Run(ctx context.Context, pool Pool, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if err := m.validate(); err != nil {
		return 0, err
	}
	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrapf(err, "db: merge into %s: begin", m.Into.Name)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	n, err := m.Exec(ctx, tx, rows)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrapf(err, "db: merge into %s: commit", m.Into.Name)
	}
	return n, nil
}

func (m Merge) stage() Table {
	return Table{Name: "stage_" + strings.ReplaceAll(m.Into.Name, ".", "_"), Columns: m.Into.Columns}
}

func (m Merge) createSQL(stage Table) string {
	if len(m.Cast) == 0 {
		return "CREATE TEMP TABLE " + stage.ident().Sanitize() +
			" (LIKE " + m.Into.ident().Sanitize() + " INCLUDING DEFAULTS) ON COMMIT DROP"
	}
	return "CREATE TEMP TABLE " + stage.ident().Sanitize() +
		" (" + columnList(m.Into.Columns, func(string, int) string { return " text" }) + ") ON COMMIT DROP"
}

func (m Merge) mergeSQL(stage Table) string {
	selectList := columnList(m.Into.Columns, nil)
	if len(m.Cast) > 0 {
		selectList = columnList(m.Into.Columns, func(_ string, i int) string { return "::" + m.Cast[i] })
	}
	return "INSERT INTO " + m.Into.ident().Sanitize() +
		" (" + columnList(m.Into.Columns, nil) + ")" +
		" SELECT " + selectList + " FROM " + stage.ident().Sanitize() +
		" ON CONFLICT (" + columnList(m.On, nil) + ") " + m.onConflict()
}

func (m Merge) onConflict() string {
	cols := m.Update
	if cols == nil {
		key := make(map[string]bool, len(m.On))
		for _, k := range m.On {
			key[k] = true
		}
		for _, c := range m.Into.Columns {
			if !key[c] {
				cols = append(cols, c)
			}
		}
	}
	if m.Keep || len(cols) == 0 {
		return "DO NOTHING"
	}
	sets := make([]string, len(cols))
	for i, c := range cols {
		q := pgx.Identifier{c}.Sanitize()
		sets[i] = q + " = EXCLUDED." + q
	}
	return "DO UPDATE SET " + strings.Join(sets, ", ")
}

// columnList quotes cols and joins them, appending suffix(col, i) to each
// when suffix is set.
func columnList(cols []string, suffix func(col string, i int) string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = pgx.Identifier{c}.Sanitize()
		if suffix != nil {
			out[i] += suffix(c, i)
		}
	}
	return strings.Join(out, ", ")
}
