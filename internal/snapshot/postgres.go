package snapshot

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-cli/internal/db"
	"github.com/sells-group/tariff-cli/internal/store"
)

const schema = "tariff"

// timestamps are exported in UTC with microsecond precision so the text is
// independent of the session time zone.
const timestampFormat = `'YYYY-MM-DD"T"HH24:MI:SS.US"Z"'`

func qualified(name string) string { return schema + "." + name }

func selectSQL(t table) string {
	exprs := make([]string, len(t.columns))
	for i, c := range t.columns {
		col := pgx.Identifier{c.name}.Sanitize()
		if c.typ == "timestamptz" {
			exprs[i] = "to_char(" + col + " AT TIME ZONE 'UTC', " + timestampFormat + ")"
		} else {
			exprs[i] = col + "::text"
		}
	}
	return "SELECT " + strings.Join(exprs, ", ") +
		" FROM " + pgx.Identifier{schema, t.name}.Sanitize() +
		" ORDER BY " + quoteJoin(t.key)
}

func quoteJoin(names []string) string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = pgx.Identifier{n}.Sanitize()
	}
	return strings.Join(out, ", ")
}

// scanPostgres calls fn with the canonical text cells of every row of t.
func scanPostgres(ctx context.Context, pool db.Pool, t table, fn func(cells []*string) error) error {
	rows, err := pool.Query(ctx, selectSQL(t))
	if err != nil {
		return eris.Wrapf(err, "snapshot: select %s", t.name)
	}
	defer rows.Close()

	vals := make([]pgtype.Text, len(t.columns))
	dest := make([]any, len(vals))
	for i := range vals {
		dest[i] = &vals[i]
	}
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return eris.Wrapf(err, "snapshot: scan %s", t.name)
		}
		cells := make([]*string, len(vals))
		for i, v := range vals {
			if v.Valid {
				s := v.String
				cells[i] = &s
			}
		}
		if err := fn(cells); err != nil {
			return err
		}
	}
	return eris.Wrapf(rows.Err(), "snapshot: iterate %s", t.name)
}

func schemaVersion() string {
	names, err := store.MigrationNames()
	if err != nil || len(names) == 0 {
		return ""
	}
	return names[len(names)-1]
}

// Export writes every exported table of the database to a new snapshot
// file at path. The file is removed if the export fails.
func Export(ctx context.Context, pool db.Pool, path string) (m *Manifest, err error) {
	log := zap.L().With(zap.String("component", "snapshot"), zap.String("path", path))

	f, err := Create(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		f.Close() //nolint:errcheck
		if err != nil {
			os.Remove(path) //nolint:errcheck
		}
	}()

	m = &Manifest{
		FormatVersion: FormatVersion,
		SchemaVersion: schemaVersion(),
		CreatedAt:     time.Now().UTC(),
	}
	for _, t := range tables {
		d := newDigest()
		var rows [][]*string
		if err := scanPostgres(ctx, pool, t, func(cells []*string) error {
			d.add(cells)
			rows = append(rows, cells)
			return nil
		}); err != nil {
			return nil, err
		}
		if err := f.writeTable(ctx, t, rows); err != nil {
			return nil, err
		}
		tm := d.manifest(t.name)
		m.Tables = append(m.Tables, tm)
		log.Debug("snapshot: table exported", zap.String("table", t.name), zap.Int64("rows", tm.Rows))
	}
	if err := f.writeManifest(ctx, m); err != nil {
		return nil, err
	}
	log.Info("snapshot: export complete", zap.Int("tables", len(m.Tables)))
	return m, nil
}

// Digest computes the manifest the database would export right now.
func Digest(ctx context.Context, pool db.Pool) (*Manifest, error) {
	m := &Manifest{FormatVersion: FormatVersion, SchemaVersion: schemaVersion()}
	for _, t := range tables {
		d := newDigest()
		if err := scanPostgres(ctx, pool, t, func(cells []*string) error {
			d.add(cells)
			return nil
		}); err != nil {
			return nil, err
		}
		m.Tables = append(m.Tables, d.manifest(t.name))
	}
	return m, nil
}

func countSQL() string {
	parts := make([]string, len(tables))
	for i, t := range tables {
		parts[i] = "(SELECT count(*) FROM " + pgx.Identifier{schema, t.name}.Sanitize() + ")"
	}
	return "SELECT " + strings.Join(parts, " + ")
}

// Import verifies the snapshot at path, loads it into an empty database
// in one transaction, then checks the loaded tables against the manifest.
func Import(ctx context.Context, pool db.Pool, path string) (*Manifest, error) {
	log := zap.L().With(zap.String("component", "snapshot"), zap.String("path", path))

	f, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close() //nolint:errcheck

	m, err := f.verify(ctx)
	if err != nil {
		return nil, err
	}
	if v := schemaVersion(); m.SchemaVersion != "" && v != "" && m.SchemaVersion > v {
		return nil, eris.Errorf("snapshot: file schema %s is newer than %s", m.SchemaVersion, v)
	}

	var existing int64
	if err := pool.QueryRow(ctx, countSQL()).Scan(&existing); err != nil {
		return nil, eris.Wrap(err, "snapshot: count existing rows")
	}
	if existing > 0 {
		return nil, eris.Wrapf(ErrNotEmpty, "snapshot: %d rows present", existing)
	}

	err = db.InTx(ctx, pool, db.TxOptions{MaxAttempts: 1}, func(tx pgx.Tx) error {
		for _, t := range tables {
			var rows [][]any
			if err := f.readTable(ctx, t, func(cells []*string) error {
				row := make([]any, len(cells))
				for i, c := range cells {
					if c != nil {
						row[i] = *c
					}
				}
				rows = append(rows, row)
				return nil
			}); err != nil {
				return err
			}
			if len(rows) == 0 {
				continue
			}
			n, err := db.Merge{
				Into: db.Table{Name: qualified(t.name), Columns: t.columnNames()},
				On:   t.key,
				Keep: true,
				Cast: t.columnTypes(),
			}.Exec(ctx, tx, rows)
			if err != nil {
				return eris.Wrapf(err, "snapshot: load %s", t.name)
			}
			if t.serial {
				if _, err := tx.Exec(ctx,
					"SELECT setval(pg_get_serial_sequence($1, 'id'), (SELECT max(id) FROM "+
						pgx.Identifier{schema, t.name}.Sanitize()+"))",
					qualified(t.name),
				); err != nil {
					return eris.Wrapf(err, "snapshot: reset sequence of %s", t.name)
				}
			}
			log.Debug("snapshot: table loaded", zap.String("table", t.name), zap.Int64("rows", n))
		}
		return store.BumpRevision(ctx, tx)
	})
	if err != nil {
		return nil, err
	}

	got, err := Digest(ctx, pool)
	if err != nil {
		return nil, err
	}
	if err := m.Compare(got); err != nil {
		return nil, eris.Wrap(err, "snapshot: imported data differs from file")
	}
	log.Info("snapshot: import complete", zap.Int("tables", len(m.Tables)))
	return m, nil
}
