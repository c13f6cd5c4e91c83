// Package snapshot exports the rule data and fact ledger to a portable
// SQLite file and loads it back. A manifest records the row count and a
// checksum of every table so a file can be verified on its own and an
// import can be checked against the file it came from.
package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"time"

	"github.com/rotisserie/eris"
)

// FormatVersion is written to every snapshot file.
const FormatVersion = 1

// ErrChecksum is returned when a table's content does not match the manifest.
var ErrChecksum = eris.New("snapshot: checksum mismatch")

// ErrNotEmpty is returned when importing into a database that already holds
// ledger rows.
var ErrNotEmpty = eris.New("snapshot: target tables are not empty")

type column struct {
	name string
	typ  string
}

// table describes one exported table. Rows are exported in key order.
type table struct {
	name    string
	key     []string
	serial  bool
	columns []column
}

func cols(spec ...string) []column {
	out := make([]column, 0, len(spec)/2)
	for i := 0; i+1 < len(spec); i += 2 {
		out = append(out, column{name: spec[i], typ: spec[i+1]})
	}
	return out
}

// tables is every exported table in foreign key order. Ingest jobs,
// candidates and watcher runs are operational state and are not exported.
var tables = []table{
	{name: "countries", key: []string{"iso2"}, columns: cols(
		"iso2", "text", "name", "text")},
	{name: "country_groups", key: []string{"id"}, columns: cols(
		"id", "text", "name", "text")},
	{name: "country_group_members", key: []string{"group_id", "country", "effective_start"}, columns: cols(
		"group_id", "text", "country", "text", "effective_start", "date", "effective_end", "date")},
	{name: "programs", key: []string{"id"}, columns: cols(
		"id", "text", "name", "text", "code", "text",
		"country_scope_kind", "text", "country_scope_value", "text", "country_scope_exclude", "boolean",
		"hts_scope_table", "text", "hts_match", "text", "filing_sequence", "integer",
		"active_start", "date", "active_end", "date",
		"duty_method", "text", "formula", "text", "base_rate_program", "text", "content_key", "text",
		"subtracts_from_remaining", "boolean", "based_on_remaining", "boolean",
		"conditions", "jsonb", "updated_at", "timestamptz")},
	{name: "program_suppressions", key: []string{"suppressor_id", "suppressed_id", "effective_start"}, columns: cols(
		"suppressor_id", "text", "suppressed_id", "text", "reason", "text",
		"effective_start", "date", "effective_end", "date")},
	{name: "hts_scope_entries", key: []string{"scope_table", "code"}, columns: cols(
		"scope_table", "text", "code", "text")},
	{name: "registry_audit", key: []string{"id"}, serial: true, columns: cols(
		"id", "bigint", "entity", "text", "entity_id", "text", "action", "text", "actor", "text",
		"before", "jsonb", "after", "jsonb", "created_at", "timestamptz")},
	{name: "source_versions", key: []string{"id"}, serial: true, columns: cols(
		"id", "bigint", "source", "text", "external_id", "text", "content_hash", "text", "url", "text",
		"tier", "text", "blob_key", "text", "format", "text", "size_bytes", "bigint",
		"published_at", "timestamptz", "fetched_at", "timestamptz",
		"canonical_text", "text", "structured", "boolean", "rendered_at", "timestamptz")},
	{name: "evidence_packets", key: []string{"id"}, columns: cols(
		"id", "text", "source_version_id", "bigint", "document_hash", "text",
		"line_start", "integer", "line_end", "integer", "quote", "text", "claims", "jsonb",
		"confidence", "double precision", "validator", "text", "created_at", "timestamptz")},
	{name: "temporal_facts", key: []string{"id"}, serial: true, columns: cols(
		"id", "bigint", "program_id", "text", "hts", "text", "country", "text", "role", "text",
		"rate", "double precision", "filing_code", "text", "legal_basis", "text",
		"effective_start", "date", "effective_end", "date",
		"source_version_id", "bigint", "source_published_at", "timestamptz", "tier", "text",
		"evidence_id", "text", "committed_at", "timestamptz")},
	{name: "exclusion_claims", key: []string{"id"}, serial: true, columns: cols(
		"id", "bigint", "program_id", "text", "hts", "text", "description", "text", "filing_code", "text",
		"verification_required", "boolean", "effective_start", "date", "effective_end", "date",
		"source_version_id", "bigint", "evidence_id", "text", "committed_at", "timestamptz")},
	{name: "hts_codes", key: []string{"code", "effective_start"}, columns: cols(
		"code", "text", "effective_start", "date", "effective_end", "date",
		"description", "text", "replaced_by", "text", "source_version_id", "bigint")},
	{name: "fact_conflicts", key: []string{"id"}, serial: true, columns: cols(
		"id", "bigint", "program_id", "text", "hts", "text", "country", "text", "role", "text",
		"existing_fact_id", "bigint", "new_fact_id", "bigint", "winner", "text", "reason", "text",
		"created_at", "timestamptz")},
	{name: "audit_log", key: []string{"id"}, serial: true, columns: cols(
		"id", "bigint", "action", "text", "entity", "text", "entity_id", "text", "job_id", "bigint",
		"actor", "text", "detail", "jsonb", "created_at", "timestamptz")},
}

// TableNames returns the exported tables in load order.
func TableNames() []string {
	out := make([]string, len(tables))
	for i, t := range tables {
		out[i] = t.name
	}
	return out
}

func (t table) columnNames() []string {
	out := make([]string, len(t.columns))
	for i, c := range t.columns {
		out[i] = c.name
	}
	return out
}

func (t table) columnTypes() []string {
	out := make([]string, len(t.columns))
	for i, c := range t.columns {
		out[i] = c.typ
	}
	return out
}

// TableManifest is the manifest entry of one table.
type TableManifest struct {
	Name     string `json:"name"`
	Rows     int64  `json:"rows"`
	Checksum string `json:"checksum"`
}

// Manifest describes a snapshot file.
type Manifest struct {
	FormatVersion int             `json:"format_version"`
	SchemaVersion string          `json:"schema_version"`
	CreatedAt     time.Time       `json:"created_at"`
	Tables        []TableManifest `json:"tables"`
}

// Table returns the entry named name.
func (m *Manifest) Table(name string) (TableManifest, bool) {
	for _, t := range m.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return TableManifest{}, false
}

// Compare reports every table whose count or checksum differs from other.
func (m *Manifest) Compare(other *Manifest) error {
	for _, want := range m.Tables {
		got, ok := other.Table(want.Name)
		switch {
		case !ok:
			return eris.Wrapf(ErrChecksum, "snapshot: table %s missing", want.Name)
		case got.Rows != want.Rows:
			return eris.Wrapf(ErrChecksum, "snapshot: table %s has %d rows, manifest says %d", want.Name, got.Rows, want.Rows)
		case got.Checksum != want.Checksum:
			return eris.Wrapf(ErrChecksum, "snapshot: table %s checksum %s, manifest says %s", want.Name, got.Checksum, want.Checksum)
		}
	}
	return nil
}

// digest accumulates a table checksum over canonical text cells. NULL and
// the empty string hash differently.
type digest struct {
	h    hash.Hash
	rows int64
}

func newDigest() *digest { return &digest{h: sha256.New()} }

func (d *digest) add(cells []*string) {
	for _, c := range cells {
		if c == nil {
			d.h.Write([]byte{0})
		} else {
			d.h.Write([]byte{1})
			d.h.Write([]byte(*c))
		}
		d.h.Write([]byte{0x1f})
	}
	d.h.Write([]byte{0x1e})
	d.rows++
}

func (d *digest) manifest(name string) TableManifest {
	return TableManifest{Name: name, Rows: d.rows, Checksum: hex.EncodeToString(d.h.Sum(nil))}
}
