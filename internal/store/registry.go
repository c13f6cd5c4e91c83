package store

import (
	"context"
	"encoding/json"
	"reflect"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-cli/internal/db"
	"github.com/sells-group/tariff-cli/internal/model"
)

// ApplyRegistry loads registry data in one transaction. Programs,
// countries, groups and HTS codes are upserted; edges, group membership and
// scope tables are replaced wholesale. Every program change is recorded in
// registry_audit with its before and after image.
func (s *PostgresStore) ApplyRegistry(ctx context.Context, reg model.Registry, actor string) error {
	log := zap.L().With(zap.String("component", "store.registry"))

	return db.InTx(ctx, s.pool, db.TxOptions{MaxAttempts: s.txRetries}, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext('registry'))"); err != nil {
			return eris.Wrap(err, "postgres: lock registry")
		}

		rows, err := tx.Query(ctx, `SELECT `+programCols+` FROM tariff.programs`)
		if err != nil {
			return eris.Wrap(err, "postgres: load programs")
		}
		existing, err := collectPrograms(rows, "load programs")
		if err != nil {
			return err
		}
		before := make(map[string]model.Program, len(existing))
		for _, p := range existing {
			before[p.ID] = p
		}

		if err := upsertReference(ctx, tx, reg); err != nil {
			return err
		}

		changed := 0
		for _, p := range reg.Programs {
			old, ok := before[p.ID]
			if ok && reflect.DeepEqual(normalizeProgram(old), normalizeProgram(p)) {
				continue
			}
			action := "create"
			var prev any
			if ok {
				action = "update"
				prev = old
			}
			if err := insertRegistryAudit(ctx, tx, "program", p.ID, action, actor, prev, p); err != nil {
				return err
			}
			changed++
		}

		for _, table := range []string{"country_group_members", "program_suppressions", "hts_scope_entries"} {
			if _, err := tx.Exec(ctx, "DELETE FROM tariff."+table); err != nil {
				return eris.Wrapf(err, "postgres: clear %s", table)
			}
		}
		if err := replaceRelations(ctx, tx, reg); err != nil {
			return err
		}
		if err := insertRegistryAudit(ctx, tx, "registry", "relations", "replace", actor, nil, map[string]int{
			"members":      len(reg.Members),
			"suppressions": len(reg.Suppressions),
			"scopes":       len(reg.Scopes),
		}); err != nil {
			return err
		}
		if err := BumpRevision(ctx, tx); err != nil {
			return err
		}

		log.Info("registry applied",
			zap.Int("programs", len(reg.Programs)),
			zap.Int("programs_changed", changed),
			zap.Int("hts_codes", len(reg.HTSCodes)),
		)
		return nil
	})
}

func upsertReference(ctx context.Context, tx pgx.Tx, reg model.Registry) error {
	countries := make([][]any, 0, len(reg.Countries))
	for _, c := range reg.Countries {
		countries = append(countries, []any{c.ISO2, c.Name})
	}
	if _, err := (db.Merge{
		Into: db.Table{Name: "tariff.countries", Columns: []string{"iso2", "name"}},
		On:   []string{"iso2"},
	}).Exec(ctx, tx, countries); err != nil {
		return err
	}

	groups := make([][]any, 0, len(reg.Groups))
	for _, g := range reg.Groups {
		groups = append(groups, []any{g.ID, g.Name})
	}
	if _, err := (db.Merge{
		Into: db.Table{Name: "tariff.country_groups", Columns: []string{"id", "name"}},
		On:   []string{"id"},
	}).Exec(ctx, tx, groups); err != nil {
		return err
	}

	programs := make([][]any, 0, len(reg.Programs))
	for _, p := range reg.Programs {
		conds, err := json.Marshal(conditionsOrEmpty(p.Conditions))
		if err != nil {
			return eris.Wrapf(err, "postgres: marshal conditions for %s", p.ID)
		}
		programs = append(programs, []any{
			p.ID, p.Name, p.Code, string(p.CountryScope.Kind), p.CountryScope.Value, p.CountryScope.Exclude,
			p.HTSScope.Table, string(p.HTSScope.Match), p.FilingSequence, p.Active.Start, p.Active.End,
			string(p.DutyMethod), p.Formula, p.BaseRateProgram, p.ContentKey,
			p.SubtractsFromRemaining, p.BasedOnRemaining, conds,
		})
	}
	if _, err := (db.Merge{
		Into: db.Table{Name: "tariff.programs", Columns: []string{
			"id", "name", "code", "country_scope_kind", "country_scope_value", "country_scope_exclude",
			"hts_scope_table", "hts_match", "filing_sequence", "active_start", "active_end",
			"duty_method", "formula", "base_rate_program", "content_key",
			"subtracts_from_remaining", "based_on_remaining", "conditions",
		}},
		On: []string{"id"},
	}).Exec(ctx, tx, programs); err != nil {
		return err
	}

	// Committed schedule changes own effective_end and replaced_by; the
	// seed only refreshes descriptions.
	codes := make([][]any, 0, len(reg.HTSCodes))
	for _, h := range reg.HTSCodes {
		codes = append(codes, []any{h.Code, h.Start, h.End, h.Description, h.ReplacedBy})
	}
	_, err := db.Merge{
		Into:   db.Table{Name: "tariff.hts_codes", Columns: []string{"code", "effective_start", "effective_end", "description", "replaced_by"}},
		On:     []string{"code", "effective_start"},
		Update: []string{"description"},
	}.Exec(ctx, tx, codes)
	return err
}

var (
	membersTable = db.Table{
		Name:    "tariff.country_group_members",
		Columns: []string{"group_id", "country", "effective_start", "effective_end"},
	}
	suppressionsTable = db.Table{
		Name:    "tariff.program_suppressions",
		Columns: []string{"suppressor_id", "suppressed_id", "reason", "effective_start", "effective_end"},
	}
	scopesTable = db.Table{Name: "tariff.hts_scope_entries", Columns: []string{"scope_table", "code"}}
)

func replaceRelations(ctx context.Context, tx pgx.Tx, reg model.Registry) error {
	if _, err := db.CopyEach(ctx, tx, membersTable, reg.Members, func(m model.CountryGroupMember) []any {
		return []any{m.GroupID, m.Country, m.Start, m.End}
	}); err != nil {
		return err
	}
	if _, err := db.CopyEach(ctx, tx, suppressionsTable, reg.Suppressions, func(e model.Suppression) []any {
		return []any{e.SuppressorID, e.SuppressedID, e.Reason, e.Start, e.End}
	}); err != nil {
		return err
	}
	_, err := db.CopyEach(ctx, tx, scopesTable, reg.Scopes, func(sc model.ScopeEntry) []any {
		return []any{sc.Table, sc.Code}
	})
	return err
}

func insertRegistryAudit(ctx context.Context, tx pgx.Tx, entity, id, action, actor string, before, after any) error {
	var beforeJSON, afterJSON []byte
	var err error
	if before != nil {
		if beforeJSON, err = json.Marshal(before); err != nil {
			return eris.Wrap(err, "postgres: marshal registry before")
		}
	}
	if after != nil {
		if afterJSON, err = json.Marshal(after); err != nil {
			return eris.Wrap(err, "postgres: marshal registry after")
		}
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO tariff.registry_audit (entity, entity_id, action, actor, before, after)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		entity, id, action, actor, beforeJSON, afterJSON,
	)
	return eris.Wrapf(err, "postgres: registry audit %s %s", entity, id)
}

// normalizeProgram strips representation differences (nil vs empty,
// time zone) before comparing a stored program with a seed program.
func normalizeProgram(p model.Program) model.Program {
	p.Active.Start = model.Day(p.Active.Start)
	if p.Active.End != nil {
		end := model.Day(*p.Active.End)
		p.Active.End = &end
	}
	if len(p.Conditions) == 0 {
		p.Conditions = nil
	}
	if p.DutyMethod == "" {
		p.DutyMethod = model.DutyAdditive
	}
	// Round-trip through JSON so numeric params compare as float64.
	if p.Conditions != nil {
		if b, err := json.Marshal(p.Conditions); err == nil {
			var conds []model.ConditionSpec
			if json.Unmarshal(b, &conds) == nil {
				p.Conditions = conds
			}
		}
	}
	return p
}

func conditionsOrEmpty(c []model.ConditionSpec) []model.ConditionSpec {
	if c == nil {
		return []model.ConditionSpec{}
	}
	return c
}
