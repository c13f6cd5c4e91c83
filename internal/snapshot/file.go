package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

const manifestDDL = `CREATE TABLE snapshot_manifest (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
)`

// File is an open snapshot file.
type File struct {
	db *sql.DB
}

// Create creates a new snapshot file at path. An existing file is an error.
func Create(path string) (*File, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, eris.Errorf("snapshot: %s already exists", path)
	}
	f, err := open(path)
	if err != nil {
		return nil, err
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=DELETE",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := f.db.Exec(pragma); err != nil {
			f.Close()
			return nil, eris.Wrapf(err, "snapshot: exec %s", pragma)
		}
	}
	if _, err := f.db.Exec(manifestDDL); err != nil {
		f.Close()
		return nil, eris.Wrap(err, "snapshot: create manifest table")
	}
	for _, t := range tables {
		if _, err := f.db.Exec(createTableSQL(t)); err != nil {
			f.Close()
			return nil, eris.Wrapf(err, "snapshot: create table %s", t.name)
		}
	}
	return f, nil
}

// Open opens an existing snapshot file.
func Open(path string) (*File, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, eris.Wrapf(err, "snapshot: open %s", path)
	}
	return open(path)
}

func open(path string) (*File, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrap(err, "snapshot: open sqlite")
	}
	db.SetMaxOpenConns(1)
	return &File{db: db}, nil
}

// Close closes the file.
func (f *File) Close() error {
	return f.db.Close()
}

func createTableSQL(t table) string {
	defs := make([]string, len(t.columns))
	for i, c := range t.columns {
		defs[i] = pgx.Identifier{c.name}.Sanitize() + " TEXT"
	}
	return "CREATE TABLE " + pgx.Identifier{t.name}.Sanitize() + " (" + strings.Join(defs, ", ") + ")"
}

// writeTable appends rows to t inside one transaction.
func (f *File) writeTable(ctx context.Context, t table, rows [][]*string) error {
	tx, err := f.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrapf(err, "snapshot: begin %s", t.name)
	}
	defer tx.Rollback() //nolint:errcheck

	marks := strings.TrimSuffix(strings.Repeat("?, ", len(t.columns)), ", ")
	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO "+pgx.Identifier{t.name}.Sanitize()+" VALUES ("+marks+")")
	if err != nil {
		return eris.Wrapf(err, "snapshot: prepare %s", t.name)
	}
	defer stmt.Close()

	args := make([]any, len(t.columns))
	for _, row := range rows {
		for i, c := range row {
			if c == nil {
				args[i] = nil
			} else {
				args[i] = *c
			}
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return eris.Wrapf(err, "snapshot: insert %s", t.name)
		}
	}
	return eris.Wrapf(tx.Commit(), "snapshot: commit %s", t.name)
}

// readTable calls fn for each row of t in file order.
func (f *File) readTable(ctx context.Context, t table, fn func(cells []*string) error) error {
	rows, err := f.db.QueryContext(ctx,
		"SELECT * FROM "+pgx.Identifier{t.name}.Sanitize()+" ORDER BY rowid")
	if err != nil {
		return eris.Wrapf(err, "snapshot: read %s", t.name)
	}
	defer rows.Close()

	vals := make([]sql.NullString, len(t.columns))
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

func (f *File) writeManifest(ctx context.Context, m *Manifest) error {
	body, err := json.Marshal(m)
	if err != nil {
		return eris.Wrap(err, "snapshot: marshal manifest")
	}
	_, err = f.db.ExecContext(ctx,
		`INSERT INTO snapshot_manifest (key, value) VALUES ('manifest', ?)`, string(body))
	return eris.Wrap(err, "snapshot: write manifest")
}

// Manifest reads the manifest stored in the file.
func (f *File) Manifest(ctx context.Context) (*Manifest, error) {
	var body string
	err := f.db.QueryRowContext(ctx, `SELECT value FROM snapshot_manifest WHERE key = 'manifest'`).Scan(&body)
	if err != nil {
		return nil, eris.Wrap(err, "snapshot: read manifest")
	}
	var m Manifest
	if err := json.Unmarshal([]byte(body), &m); err != nil {
		return nil, eris.Wrap(err, "snapshot: decode manifest")
	}
	if m.FormatVersion != FormatVersion {
		return nil, eris.Errorf("snapshot: unsupported format version %d", m.FormatVersion)
	}
	return &m, nil
}

// Verify recomputes every table checksum of the file at path and compares
// it with the stored manifest.
func Verify(ctx context.Context, path string) (*Manifest, error) {
	f, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close() //nolint:errcheck
	return f.verify(ctx)
}

func (f *File) verify(ctx context.Context) (*Manifest, error) {
	want, err := f.Manifest(ctx)
	if err != nil {
		return nil, err
	}
	got := &Manifest{FormatVersion: want.FormatVersion, SchemaVersion: want.SchemaVersion, CreatedAt: want.CreatedAt}
	for _, t := range tables {
		d := newDigest()
		if err := f.readTable(ctx, t, func(cells []*string) error {
			d.add(cells)
			return nil
		}); err != nil {
			return nil, err
		}
		got.Tables = append(got.Tables, d.manifest(t.name))
	}
	if err := want.Compare(got); err != nil {
		return nil, err
	}
	return want, nil
}
