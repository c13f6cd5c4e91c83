package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/tariff-cli/internal/model"
)

const versionCols = `id, source, external_id, content_hash, url, tier, blob_key, format, size_bytes,
	published_at, fetched_at, canonical_text, structured, rendered_at`

func scanVersion(row scanner) (*model.SourceVersion, error) {
	var (
		sv   model.SourceVersion
		tier string
	)
	err := row.Scan(&sv.ID, &sv.Source, &sv.ExternalID, &sv.ContentHash, &sv.URL, &tier, &sv.BlobKey,
		&sv.Format, &sv.SizeBytes, &sv.PublishedAt, &sv.FetchedAt, &sv.CanonicalText, &sv.Structured, &sv.RenderedAt)
	if err != nil {
		return nil, err
	}
	sv.Tier = model.Tier(tier)
	return &sv, nil
}

// FindSourceVersion returns nil, nil when no version has the given hash.
func (s *PostgresStore) FindSourceVersion(ctx context.Context, source, externalID, contentHash string) (*model.SourceVersion, error) {
	sv, err := scanVersion(s.pool.QueryRow(ctx,
		`SELECT `+versionCols+` FROM tariff.source_versions
		WHERE source = $1 AND external_id = $2 AND content_hash = $3`,
		source, externalID, contentHash,
	))
	if eris.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find source version")
	}
	return sv, nil
}

// CreateSourceVersion inserts sv unless the same content is already
// recorded. The bool reports whether a new row was created.
func (s *PostgresStore) CreateSourceVersion(ctx context.Context, sv model.SourceVersion) (*model.SourceVersion, bool, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO tariff.source_versions
			(source, external_id, content_hash, url, tier, blob_key, format, size_bytes, published_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT ON CONSTRAINT `+constraintVersionKey+` DO NOTHING
		RETURNING id`,
		sv.Source, sv.ExternalID, sv.ContentHash, sv.URL, string(sv.Tier), sv.BlobKey, sv.Format, sv.SizeBytes, sv.PublishedAt,
	).Scan(&id)
	created := true
	if eris.Is(err, pgx.ErrNoRows) {
		created = false
	} else if err != nil {
		return nil, false, eris.Wrap(err, "postgres: insert source version")
	}

	out, err := s.FindSourceVersion(ctx, sv.Source, sv.ExternalID, sv.ContentHash)
	if err != nil {
		return nil, false, err
	}
	if out == nil {
		return nil, false, eris.Errorf("postgres: source version %s/%s vanished after insert", sv.Source, sv.ExternalID)
	}
	return out, created, nil
}

func (s *PostgresStore) GetSourceVersion(ctx context.Context, id int64) (*model.SourceVersion, error) {
	sv, err := scanVersion(s.pool.QueryRow(ctx,
		`SELECT `+versionCols+` FROM tariff.source_versions WHERE id = $1`, id,
	))
	if eris.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: source version %d", id)
	}
	return sv, eris.Wrapf(err, "postgres: get source version %d", id)
}

func (s *PostgresStore) SaveRender(ctx context.Context, id int64, format, text string, structured bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tariff.source_versions
		SET format = $2, canonical_text = $3, structured = $4, rendered_at = now()
		WHERE id = $1`,
		id, format, text, structured,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: save render %d", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: source version %d", id)
	}
	return nil
}

const candidateCols = `id, job_id, source_version_id, kind, program_id, program_code, old_program_code,
	hts, country, role, schedule, description, replaced_by, quote, line_start, line_end,
	rate_token, extractor, confidence, status, gate_reasons, reviewed_by, review_note,
	created_at, updated_at`

func scanCandidate(row scanner) (*model.Candidate, error) {
	var (
		c                  model.Candidate
		kind, role, status string
		schedule, reasons  []byte
	)
	err := row.Scan(&c.ID, &c.JobID, &c.SourceVersionID, &kind, &c.ProgramID, &c.ProgramCode, &c.OldProgramCode,
		&c.HTS, &c.Country, &role, &schedule, &c.Description, &c.ReplacedBy, &c.Quote, &c.LineStart, &c.LineEnd,
		&c.RateToken, &c.Extractor, &c.Confidence, &status, &reasons, &c.ReviewedBy, &c.ReviewNote,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Kind = model.CandidateKind(kind)
	c.Role = model.Role(role)
	c.Status = model.CandidateStatus(status)
	if err := json.Unmarshal(schedule, &c.Schedule); err != nil {
		return nil, eris.Wrapf(err, "postgres: unmarshal schedule for %s", c.ID)
	}
	if err := json.Unmarshal(reasons, &c.GateReasons); err != nil {
		return nil, eris.Wrapf(err, "postgres: unmarshal gate reasons for %s", c.ID)
	}
	return &c, nil
}

// SaveCandidates inserts candidates; ids are content-derived so a re-run
// of the same job inserts nothing new.
func (s *PostgresStore) SaveCandidates(ctx context.Context, cands []model.Candidate) error {
	if len(cands) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, c := range cands {
		schedule, err := json.Marshal(c.Schedule)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal schedule")
		}
		reasons, err := json.Marshal(nonNil(c.GateReasons))
		if err != nil {
			return eris.Wrap(err, "postgres: marshal gate reasons")
		}
		batch.Queue(
			`INSERT INTO tariff.extraction_candidates
				(id, job_id, source_version_id, kind, program_id, program_code, old_program_code,
				 hts, country, role, schedule, description, replaced_by, quote, line_start, line_end,
				 rate_token, extractor, confidence, status, gate_reasons)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
			ON CONFLICT (id) DO NOTHING`,
			c.ID, c.JobID, c.SourceVersionID, string(c.Kind), c.ProgramID, c.ProgramCode, c.OldProgramCode,
			c.HTS, c.Country, string(c.Role), schedule, c.Description, c.ReplacedBy, c.Quote, c.LineStart, c.LineEnd,
			c.RateToken, c.Extractor, c.Confidence, string(c.Status), reasons,
		)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin save candidates")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return eris.Wrap(err, "postgres: save candidates")
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit candidates")
}

func (s *PostgresStore) GetCandidate(ctx context.Context, id string) (*model.Candidate, error) {
	c, err := scanCandidate(s.pool.QueryRow(ctx,
		`SELECT `+candidateCols+` FROM tariff.extraction_candidates WHERE id = $1`, id,
	))
	if eris.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: candidate %s", id)
	}
	return c, eris.Wrapf(err, "postgres: get candidate %s", id)
}

func (s *PostgresStore) ListCandidates(ctx context.Context, filter CandidateFilter) ([]model.Candidate, error) {
	query := `SELECT ` + candidateCols + ` FROM tariff.extraction_candidates WHERE 1=1`
	var args []any
	argIdx := 1

	if filter.JobID != 0 {
		query += fmt.Sprintf(` AND job_id = $%d`, argIdx)
		args = append(args, filter.JobID)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY created_at, id`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list candidates")
	}
	defer rows.Close()

	var out []model.Candidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan candidate")
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list candidates iterate")
}

// UpdateCandidate moves a candidate from one status to another. Nil
// reasons leave the stored gate reasons untouched.
func (s *PostgresStore) UpdateCandidate(ctx context.Context, id string, from, to model.CandidateStatus, reasons []string, reviewer, note string) error {
	var reasonsJSON []byte
	if reasons != nil {
		var err error
		if reasonsJSON, err = json.Marshal(reasons); err != nil {
			return eris.Wrap(err, "postgres: marshal gate reasons")
		}
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE tariff.extraction_candidates
		SET status = $3,
			gate_reasons = COALESCE($4, gate_reasons),
			reviewed_by = CASE WHEN $5 = '' THEN reviewed_by ELSE $5 END,
			review_note = CASE WHEN $5 = '' THEN review_note ELSE $6 END,
			updated_at = now()
		WHERE id = $1 AND status = $2`,
		id, string(from), string(to), reasonsJSON, reviewer, note,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update candidate %s", id)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetCandidate(ctx, id); err != nil {
			return err
		}
		return eris.Wrapf(ErrStaleStatus, "postgres: candidate %s is not %s", id, from)
	}
	return nil
}

func (s *PostgresStore) GetEvidence(ctx context.Context, id string) (*model.EvidencePacket, error) {
	var (
		ev     model.EvidencePacket
		claims []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, source_version_id, document_hash, line_start, line_end, quote, claims,
			confidence, validator, created_at
		FROM tariff.evidence_packets WHERE id = $1`, id,
	).Scan(&ev.ID, &ev.SourceVersionID, &ev.DocumentHash, &ev.LineStart, &ev.LineEnd, &ev.Quote, &claims,
		&ev.Confidence, &ev.Validator, &ev.CreatedAt)
	if eris.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: evidence %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get evidence %s", id)
	}
	if err := json.Unmarshal(claims, &ev.Claims); err != nil {
		return nil, eris.Wrapf(err, "postgres: unmarshal evidence claims %s", id)
	}
	return &ev, nil
}

func (s *PostgresStore) ListFacts(ctx context.Context, filter FactFilter) ([]model.TemporalFact, error) {
	query := `SELECT ` + factCols + ` FROM tariff.temporal_facts WHERE 1=1`
	var args []any
	argIdx := 1

	if filter.ProgramID != "" {
		query += fmt.Sprintf(` AND program_id = $%d`, argIdx)
		args = append(args, filter.ProgramID)
		argIdx++
	}
	if filter.HTS != "" {
		query += fmt.Sprintf(` AND hts = $%d`, argIdx)
		args = append(args, filter.HTS)
		argIdx++
	}
	if filter.OpenOnly {
		query += ` AND effective_end IS NULL`
	}
	query += ` ORDER BY id`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, argIdx)
		args = append(args, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list facts")
	}
	return collectFacts(rows, "list facts")
}

func (s *PostgresStore) ListClaims(ctx context.Context, programID string) ([]model.ExclusionClaim, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+claimCols+` FROM tariff.exclusion_claims
		WHERE $1 = '' OR program_id = $1 ORDER BY id`, programID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list claims")
	}
	defer rows.Close()

	var out []model.ExclusionClaim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan claim")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list claims iterate")
}

func (s *PostgresStore) ListConflicts(ctx context.Context, limit int) ([]model.FactConflict, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, program_id, hts, country, role, existing_fact_id, new_fact_id, winner, reason, created_at
		FROM tariff.fact_conflicts ORDER BY id DESC LIMIT $1`, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list conflicts")
	}
	defer rows.Close()

	var out []model.FactConflict
	for rows.Next() {
		var (
			c    model.FactConflict
			role string
		)
		if err := rows.Scan(&c.ID, &c.Key.ProgramID, &c.Key.HTS, &c.Key.Country, &role,
			&c.ExistingFactID, &c.NewFactID, &c.Winner, &c.Reason, &c.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan conflict")
		}
		c.Key.Role = model.Role(role)
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list conflicts iterate")
}

func (s *PostgresStore) AppendAudit(ctx context.Context, entry model.AuditEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin audit")
	}
	defer tx.Rollback(ctx) //nolint:errcheck
	if err := insertAudit(ctx, tx, entry); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit audit")
}

func (s *PostgresStore) ListAudit(ctx context.Context, filter AuditFilter) ([]model.AuditEntry, error) {
	query := `SELECT id, action, entity, entity_id, job_id, actor, detail, created_at FROM tariff.audit_log WHERE 1=1`
	var args []any
	argIdx := 1

	if filter.Entity != "" {
		query += fmt.Sprintf(` AND entity = $%d`, argIdx)
		args = append(args, filter.Entity)
		argIdx++
	}
	if filter.EntityID != "" {
		query += fmt.Sprintf(` AND entity_id = $%d`, argIdx)
		args = append(args, filter.EntityID)
		argIdx++
	}
	if filter.JobID != 0 {
		query += fmt.Sprintf(` AND job_id = $%d`, argIdx)
		args = append(args, filter.JobID)
		argIdx++
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` ORDER BY id DESC LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list audit")
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		var (
			e      model.AuditEntry
			detail []byte
		)
		if err := rows.Scan(&e.ID, &e.Action, &e.Entity, &e.EntityID, &e.JobID, &e.Actor, &detail, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan audit")
		}
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &e.Detail); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal audit detail")
			}
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list audit iterate")
}

func (s *PostgresStore) LastCommitted(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT program_id, max(committed_at) FROM tariff.temporal_facts GROUP BY program_id`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: last committed")
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var (
			id string
			at time.Time
		)
		if err := rows.Scan(&id, &at); err != nil {
			return nil, eris.Wrap(err, "postgres: scan last committed")
		}
		out[id] = at
	}
	return out, eris.Wrap(rows.Err(), "postgres: last committed iterate")
}

// Revision reads the change counter. Writers bump it in the transaction
// that changes rule data or facts, so it advances in commit order.
func (s *PostgresStore) Revision(ctx context.Context) (int64, error) {
	var rev int64
	err := s.pool.QueryRow(ctx, `SELECT revision FROM tariff.store_revision`).Scan(&rev)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return rev, eris.Wrap(err, "postgres: revision")
}

// BumpRevision increments the change counter inside tx. The row lock it
// takes serializes concurrent writers until they commit.
func BumpRevision(ctx context.Context, tx pgx.Tx) error {
	_, err := tx.Exec(ctx, `UPDATE tariff.store_revision SET revision = revision + 1, updated_at = now()`)
	return eris.Wrap(err, "postgres: bump revision")
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
