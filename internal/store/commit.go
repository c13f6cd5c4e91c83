package store

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-cli/internal/db"
	"github.com/sells-group/tariff-cli/internal/model"
)

// Constraints whose violations mean a concurrent commit won the race.
const (
	constraintOneOpen    = "temporal_facts_one_open"
	constraintHTSKey     = "hts_codes_pkey"
	constraintClaimKey   = "exclusion_claims_key"
	constraintVersionKey = "source_versions_key"
)

// Commit appends one fact, claim or HTS change in a single transaction.
// Commits on the same key serialize on a transaction advisory lock; the
// open rows are then locked FOR UPDATE and the change is planned by Decide.
func (s *PostgresStore) Commit(ctx context.Context, req CommitRequest) (*CommitResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	var res *CommitResult
	opts := db.TxOptions{
		MaxAttempts:   s.txRetries,
		RetryOnUnique: []string{constraintOneOpen, constraintHTSKey, constraintClaimKey},
	}
	err := db.InTx(ctx, s.pool, opts, func(tx pgx.Tx) error {
		var err error
		switch req.Kind {
		case CommitRate:
			res, err = commitFact(ctx, tx, req)
		case CommitExclusion:
			res, err = commitClaim(ctx, tx, req)
		case CommitHTSChange:
			res, err = commitHTS(ctx, tx, req)
		}
		return err
	})
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: commit %s", req.Kind)
	}

	zap.L().Debug("store: committed",
		zap.String("kind", string(req.Kind)),
		zap.String("outcome", string(res.Outcome)),
		zap.Int64("fact_id", res.FactID),
	)
	return res, nil
}

func lockKey(ctx context.Context, tx pgx.Tx, key string) error {
	_, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", key)
	return eris.Wrapf(err, "postgres: lock %s", key)
}

func commitFact(ctx context.Context, tx pgx.Tx, req CommitRequest) (*CommitResult, error) {
	in := *req.Fact
	if err := lockKey(ctx, tx, "fact|"+in.FactKey.String()); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx,
		`SELECT `+factCols+` FROM tariff.temporal_facts
		WHERE program_id = $1 AND hts = $2 AND country = $3 AND role = $4
			AND (effective_end IS NULL OR effective_start = $5)
		FOR UPDATE`,
		in.ProgramID, in.HTS, in.Country, string(in.Role), model.Day(in.Start),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: select open facts")
	}
	existing, err := collectFacts(rows, "select open facts")
	if err != nil {
		return nil, err
	}

	dec := Decide(existing, in)
	res := &CommitResult{Outcome: dec.Outcome}
	if !dec.Insert {
		res.FactID = dec.ExistingID
		return res, nil
	}

	if err := insertEvidence(ctx, tx, req.Evidence); err != nil {
		return nil, err
	}
	res.EvidenceID = req.Evidence.ID

	for _, c := range dec.Close {
		tag, err := tx.Exec(ctx,
			`UPDATE tariff.temporal_facts SET effective_end = $2 WHERE id = $1 AND effective_end IS NULL`,
			c.FactID, model.Day(c.End),
		)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: close fact %d", c.FactID)
		}
		if tag.RowsAffected() == 1 {
			res.Closed = append(res.Closed, c.FactID)
		}
	}

	var end any
	if dec.Window.End != nil {
		end = model.Day(*dec.Window.End)
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO tariff.temporal_facts
			(program_id, hts, country, role, rate, filing_code, legal_basis, effective_start, effective_end,
			 source_version_id, source_published_at, tier, evidence_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id`,
		in.ProgramID, in.HTS, in.Country, string(in.Role), in.Rate, in.FilingCode, in.LegalBasis,
		model.Day(dec.Window.Start), end,
		in.SourceVersionID, in.SourcePublishedAt, string(in.Tier), req.Evidence.ID,
	).Scan(&res.FactID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert fact")
	}

	if dec.Winner != "" {
		err = tx.QueryRow(ctx,
			`INSERT INTO tariff.fact_conflicts
				(program_id, hts, country, role, existing_fact_id, new_fact_id, winner, reason)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id`,
			in.ProgramID, in.HTS, in.Country, string(in.Role), dec.ExistingID, res.FactID, dec.Winner, dec.Reason,
		).Scan(&res.ConflictID)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: insert conflict")
		}
	}

	entry := commitAudit(req, res, "temporal_fact", strconv.FormatInt(res.FactID, 10), map[string]any{
		"key":    in.FactKey.String(),
		"window": dec.Window.String(),
	})
	return res, recordChange(ctx, tx, entry)
}

func commitClaim(ctx context.Context, tx pgx.Tx, req CommitRequest) (*CommitResult, error) {
	in := *req.Claim
	if err := lockKey(ctx, tx, "claim|"+in.ProgramID+"|"+in.HTS); err != nil {
		return nil, err
	}

	var existingID int64
	err := tx.QueryRow(ctx,
		`SELECT id FROM tariff.exclusion_claims
		WHERE program_id = $1 AND hts = $2 AND effective_start = $3 AND description = $4`,
		in.ProgramID, in.HTS, model.Day(in.Start), in.Description,
	).Scan(&existingID)
	switch {
	case err == nil:
		return &CommitResult{Outcome: OutcomeUnchanged, FactID: existingID}, nil
	case !eris.Is(err, pgx.ErrNoRows):
		return nil, eris.Wrap(err, "postgres: select claim")
	}

	if err := insertEvidence(ctx, tx, req.Evidence); err != nil {
		return nil, err
	}
	res := &CommitResult{Outcome: OutcomeInserted, EvidenceID: req.Evidence.ID}

	var end any
	if in.End != nil {
		end = model.Day(*in.End)
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO tariff.exclusion_claims
			(program_id, hts, description, filing_code, verification_required,
			 effective_start, effective_end, source_version_id, evidence_id)
		VALUES ($1, $2, $3, $4, true, $5, $6, $7, $8)
		RETURNING id`,
		in.ProgramID, in.HTS, in.Description, in.FilingCode,
		model.Day(in.Start), end, in.SourceVersionID, req.Evidence.ID,
	).Scan(&res.FactID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert claim")
	}

	entry := commitAudit(req, res, "exclusion_claim", strconv.FormatInt(res.FactID, 10), map[string]any{
		"program_id": in.ProgramID,
		"hts":        in.HTS,
	})
	return res, recordChange(ctx, tx, entry)
}

func commitHTS(ctx context.Context, tx pgx.Tx, req CommitRequest) (*CommitResult, error) {
	ch := req.HTSChange
	if err := lockKey(ctx, tx, "hts|"+ch.Code.Code[:min(8, len(ch.Code.Code))]); err != nil {
		return nil, err
	}

	var exists bool
	err := tx.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM tariff.hts_codes WHERE code = $1 AND effective_start = $2)`,
		ch.Code.Code, model.Day(ch.Code.Start),
	).Scan(&exists)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: select hts code")
	}
	if exists {
		return &CommitResult{Outcome: OutcomeUnchanged}, nil
	}

	if err := insertEvidence(ctx, tx, req.Evidence); err != nil {
		return nil, err
	}
	res := &CommitResult{Outcome: OutcomeInserted, EvidenceID: req.Evidence.ID}

	if ch.OldCode != "" {
		tag, err := tx.Exec(ctx,
			`UPDATE tariff.hts_codes SET effective_end = $2, replaced_by = $3
			WHERE code = $1 AND effective_end IS NULL AND effective_start < $2`,
			ch.OldCode, model.Day(ch.Code.Start), ch.Code.Code,
		)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: close hts code %s", ch.OldCode)
		}
		if tag.RowsAffected() > 0 {
			res.Outcome = OutcomeSuperseded
		}
	}

	var end any
	if ch.Code.End != nil {
		end = model.Day(*ch.Code.End)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO tariff.hts_codes (code, effective_start, effective_end, description, replaced_by, source_version_id)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		ch.Code.Code, model.Day(ch.Code.Start), end, ch.Code.Description, ch.Code.ReplacedBy, ch.Code.SourceVersionID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert hts code")
	}

	entry := commitAudit(req, res, "hts_code", ch.Code.Code, map[string]any{
		"old_code": ch.OldCode,
		"start":    ch.Code.Start.Format(model.DateLayout),
	})
	return res, recordChange(ctx, tx, entry)
}

func insertEvidence(ctx context.Context, tx pgx.Tx, ev model.EvidencePacket) error {
	claims, err := json.Marshal(ev.Claims)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal evidence claims")
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO tariff.evidence_packets
			(id, source_version_id, document_hash, line_start, line_end, quote, claims, confidence, validator)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`,
		ev.ID, ev.SourceVersionID, ev.DocumentHash, ev.LineStart, ev.LineEnd, ev.Quote, claims, ev.Confidence, ev.Validator,
	)
	return eris.Wrapf(err, "postgres: insert evidence %s", ev.ID)
}

// recordChange advances the store revision and writes the audit row.
func recordChange(ctx context.Context, tx pgx.Tx, e model.AuditEntry) error {
	if err := BumpRevision(ctx, tx); err != nil {
		return err
	}
	return insertAudit(ctx, tx, e)
}

func insertAudit(ctx context.Context, tx pgx.Tx, e model.AuditEntry) error {
	detail, err := json.Marshal(e.Detail)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal audit detail")
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO tariff.audit_log (action, entity, entity_id, job_id, actor, detail)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.Action, e.Entity, e.EntityID, e.JobID, e.Actor, detail,
	)
	return eris.Wrap(err, "postgres: insert audit")
}
