package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/tariff-cli/internal/db"
	"github.com/sells-group/tariff-cli/internal/engine"
	"github.com/sells-group/tariff-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool      db.Pool
	closeFn   func()
	txRetries int
}

var _ Store = (*PostgresStore)(nil)

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns  int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns  int32 `yaml:"min_conns" mapstructure:"min_conns"`
	TxRetries int   `yaml:"tx_retries" mapstructure:"tx_retries"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	retries := 5
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
		if poolCfg.TxRetries > 0 {
			retries = poolCfg.TxRetries
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close, txRetries: retries}, nil
}

// NewPostgresFromPool wraps an existing pool. The caller owns its lifecycle.
func NewPostgresFromPool(pool db.Pool, txRetries int) *PostgresStore {
	return &PostgresStore{pool: pool, txRetries: txRetries}
}

// Pool returns the underlying database pool for subsystems that need
// direct query access (queue, snapshots, watcher run log).
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Close() {
	if s.closeFn != nil {
		s.closeFn()
	}
}

// scanner is satisfied by pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

const programCols = `id, name, code, country_scope_kind, country_scope_value, country_scope_exclude,
	hts_scope_table, hts_match, filing_sequence, active_start, active_end,
	duty_method, formula, base_rate_program, content_key,
	subtracts_from_remaining, based_on_remaining, conditions`

func scanProgram(row scanner) (model.Program, error) {
	var (
		p                    model.Program
		scopeKind, match, dm string
		conditions           []byte
	)
	err := row.Scan(
		&p.ID, &p.Name, &p.Code, &scopeKind, &p.CountryScope.Value, &p.CountryScope.Exclude,
		&p.HTSScope.Table, &match, &p.FilingSequence, &p.Active.Start, &p.Active.End,
		&dm, &p.Formula, &p.BaseRateProgram, &p.ContentKey,
		&p.SubtractsFromRemaining, &p.BasedOnRemaining, &conditions,
	)
	if err != nil {
		return p, err
	}
	p.CountryScope.Kind = model.CountryScopeKind(scopeKind)
	p.HTSScope.Match = model.MatchKind(match)
	p.DutyMethod = model.DutyMethodKind(dm)
	if len(conditions) > 0 {
		if err := json.Unmarshal(conditions, &p.Conditions); err != nil {
			return p, eris.Wrapf(err, "postgres: unmarshal conditions for %s", p.ID)
		}
	}
	return p, nil
}

func collectPrograms(rows pgx.Rows, op string) ([]model.Program, error) {
	defer rows.Close()
	var out []model.Program
	for rows.Next() {
		p, err := scanProgram(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan program")
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: "+op+" iterate")
}

// ActivePrograms returns programs whose active window covers date.
func (s *PostgresStore) ActivePrograms(ctx context.Context, date time.Time) ([]model.Program, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+programCols+` FROM tariff.programs
		WHERE active_start <= $1 AND (active_end IS NULL OR active_end > $1)
		ORDER BY id`,
		model.Day(date),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: active programs")
	}
	return collectPrograms(rows, "active programs")
}

// ListPrograms returns every program ordered by id.
func (s *PostgresStore) ListPrograms(ctx context.Context) ([]model.Program, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+programCols+` FROM tariff.programs ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list programs")
	}
	return collectPrograms(rows, "list programs")
}

func (s *PostgresStore) CountryKnown(ctx context.Context, iso2 string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM tariff.countries WHERE iso2 = $1)`, iso2,
	).Scan(&ok)
	return ok, eris.Wrap(err, "postgres: country known")
}

func (s *PostgresStore) GroupsForCountry(ctx context.Context, iso2 string, date time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT group_id FROM tariff.country_group_members
		WHERE country = $1 AND effective_start <= $2 AND (effective_end IS NULL OR effective_end > $2)`,
		iso2, model.Day(date),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: groups for country")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan group")
		}
		out = append(out, id)
	}
	return out, eris.Wrap(rows.Err(), "postgres: groups for country iterate")
}

// ScopeContains turns the prefix match into an equality lookup over every
// prefix of hts so the primary key index serves it.
func (s *PostgresStore) ScopeContains(ctx context.Context, table, hts string, match model.MatchKind) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM tariff.hts_scope_entries WHERE scope_table = $1 AND code = ANY($2))`,
		table, engine.MatchCandidates(hts, match),
	).Scan(&ok)
	return ok, eris.Wrap(err, "postgres: scope contains")
}

func (s *PostgresStore) SuppressionsAmong(ctx context.Context, ids []string, date time.Time) ([]model.Suppression, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT suppressor_id, suppressed_id, reason, effective_start, effective_end
		FROM tariff.program_suppressions
		WHERE suppressor_id = ANY($1) AND suppressed_id = ANY($1)
			AND effective_start <= $2 AND (effective_end IS NULL OR effective_end > $2)`,
		ids, model.Day(date),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: suppressions among")
	}
	defer rows.Close()

	var out []model.Suppression
	for rows.Next() {
		var e model.Suppression
		if err := rows.Scan(&e.SuppressorID, &e.SuppressedID, &e.Reason, &e.Start, &e.End); err != nil {
			return nil, eris.Wrap(err, "postgres: scan suppression")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: suppressions iterate")
}

const factCols = `id, program_id, hts, country, role, rate, filing_code, legal_basis,
	effective_start, effective_end, source_version_id, source_published_at, tier,
	evidence_id, committed_at`

func scanFact(row scanner) (model.TemporalFact, error) {
	var (
		f          model.TemporalFact
		role, tier string
	)
	err := row.Scan(
		&f.ID, &f.ProgramID, &f.HTS, &f.Country, &role, &f.Rate, &f.FilingCode, &f.LegalBasis,
		&f.Start, &f.End, &f.SourceVersionID, &f.SourcePublishedAt, &tier,
		&f.EvidenceID, &f.CommittedAt,
	)
	f.Role = model.Role(role)
	f.Tier = model.Tier(tier)
	return f, err
}

func collectFacts(rows pgx.Rows, op string) ([]model.TemporalFact, error) {
	defer rows.Close()
	var out []model.TemporalFact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan fact")
		}
		out = append(out, f)
	}
	return out, eris.Wrap(rows.Err(), "postgres: "+op+" iterate")
}

func (s *PostgresStore) FactsFor(ctx context.Context, q engine.FactQuery) ([]model.TemporalFact, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+factCols+` FROM tariff.temporal_facts
		WHERE program_id = $1 AND (country = '' OR country = $2) AND hts = ANY($3)
			AND effective_start <= $4 AND (effective_end IS NULL OR effective_end > $4)`,
		q.ProgramID, q.Country, engine.MatchCandidates(q.HTS, q.Match), model.Day(q.Date),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: facts for")
	}
	return collectFacts(rows, "facts for")
}

const claimCols = `id, program_id, hts, description, filing_code, verification_required,
	effective_start, effective_end, source_version_id, evidence_id`

func scanClaim(row scanner) (model.ExclusionClaim, error) {
	var c model.ExclusionClaim
	err := row.Scan(&c.ID, &c.ProgramID, &c.HTS, &c.Description, &c.FilingCode, &c.VerificationRequired,
		&c.Start, &c.End, &c.SourceVersionID, &c.EvidenceID)
	return c, err
}

func (s *PostgresStore) ExclusionClaimsFor(ctx context.Context, programID, hts string, date time.Time) ([]model.ExclusionClaim, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+claimCols+` FROM tariff.exclusion_claims
		WHERE program_id = $1 AND hts = ANY($2)
			AND effective_start <= $3 AND (effective_end IS NULL OR effective_end > $3)
		ORDER BY id`,
		programID, engine.HTSPrefixes(hts), model.Day(date),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: exclusion claims for")
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
	return out, eris.Wrap(rows.Err(), "postgres: exclusion claims iterate")
}

const htsCols = `code, description, replaced_by, effective_start, effective_end, COALESCE(source_version_id, 0)`

func collectHTS(rows pgx.Rows, op string) ([]model.HTSCode, error) {
	defer rows.Close()
	var out []model.HTSCode
	for rows.Next() {
		var h model.HTSCode
		if err := rows.Scan(&h.Code, &h.Description, &h.ReplacedBy, &h.Start, &h.End, &h.SourceVersionID); err != nil {
			return nil, eris.Wrap(err, "postgres: scan hts code")
		}
		out = append(out, h)
	}
	return out, eris.Wrap(rows.Err(), "postgres: "+op+" iterate")
}

func (s *PostgresStore) HTSHistory(ctx context.Context, codes []string) ([]model.HTSCode, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+htsCols+` FROM tariff.hts_codes WHERE code = ANY($1) ORDER BY code, effective_start`,
		codes,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: hts history")
	}
	return collectHTS(rows, "hts history")
}

func (s *PostgresStore) HTSCodesWithPrefix(ctx context.Context, prefix string, date time.Time) ([]model.HTSCode, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+htsCols+` FROM tariff.hts_codes
		WHERE code LIKE $1 || '%' AND effective_start <= $2 AND (effective_end IS NULL OR effective_end > $2)
		ORDER BY code`,
		prefix, model.Day(date),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: hts codes with prefix")
	}
	return collectHTS(rows, "hts codes with prefix")
}
