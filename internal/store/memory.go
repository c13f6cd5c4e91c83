package store

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tariff-cli/internal/engine"
	"github.com/sells-group/tariff-cli/internal/model"
)

// Memory is an in-process Store with the same commit semantics as the
// Postgres store. Used by tests, fixtures-only runs and snapshots.
type Memory struct {
	mu sync.RWMutex

	reg    model.Registry
	facts  []model.TemporalFact
	claims []model.ExclusionClaim
	hts    []model.HTSCode

	versions   []model.SourceVersion
	evidence   map[string]model.EvidencePacket
	candidates map[string]model.Candidate
	conflicts  []model.FactConflict
	audit      []model.AuditEntry

	now func() time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		evidence:   make(map[string]model.EvidencePacket),
		candidates: make(map[string]model.Candidate),
		now:        time.Now,
	}
}

// ApplyRegistry replaces registry data. HTS codes are merged by
// (code, start): a known row only takes the new description, so windows
// closed by committed HTS changes stay closed.
func (m *Memory) ApplyRegistry(_ context.Context, reg model.Registry, actor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reg = reg
	for _, h := range reg.HTSCodes {
		found := false
		for i := range m.hts {
			if m.hts[i].Code == h.Code && sameDay(m.hts[i].Start, h.Start) {
				m.hts[i].Description = h.Description
				found = true
				break
			}
		}
		if !found {
			m.hts = append(m.hts, h)
		}
	}
	m.appendAudit(model.AuditEntry{
		Action:   "registry_apply",
		Entity:   "registry",
		EntityID: "seed",
		Actor:    actor,
		Detail:   map[string]any{"programs": len(reg.Programs)},
	})
	return nil
}

// ListPrograms returns every program ordered by id.
func (m *Memory) ListPrograms(_ context.Context) ([]model.Program, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]model.Program(nil), m.reg.Programs...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- engine.RuleSource ---

func (m *Memory) ActivePrograms(_ context.Context, date time.Time) ([]model.Program, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Program
	for _, p := range m.reg.Programs {
		if p.Active.Covers(date) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) CountryKnown(_ context.Context, iso2 string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.reg.Countries {
		if c.ISO2 == iso2 {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) GroupsForCountry(_ context.Context, iso2 string, date time.Time) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for _, gm := range m.reg.Members {
		if gm.Country == iso2 && gm.Covers(date) {
			out = append(out, gm.GroupID)
		}
	}
	return out, nil
}

func (m *Memory) ScopeContains(_ context.Context, table, hts string, match model.MatchKind) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.reg.Scopes {
		if s.Table == table && engine.MatchHTS(s.Code, hts, match) {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) SuppressionsAmong(_ context.Context, ids []string, date time.Time) ([]model.Suppression, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	in := make(map[string]bool, len(ids))
	for _, id := range ids {
		in[id] = true
	}
	var out []model.Suppression
	for _, e := range m.reg.Suppressions {
		if in[e.SuppressorID] && in[e.SuppressedID] && e.Covers(date) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *Memory) FactsFor(_ context.Context, q engine.FactQuery) ([]model.TemporalFact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.TemporalFact
	for _, f := range m.facts {
		if f.ProgramID != q.ProgramID || !f.Covers(q.Date) {
			continue
		}
		if f.Country != "" && f.Country != q.Country {
			continue
		}
		if !engine.MatchHTS(f.HTS, q.HTS, q.Match) {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

func (m *Memory) ExclusionClaimsFor(_ context.Context, programID, hts string, date time.Time) ([]model.ExclusionClaim, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.ExclusionClaim
	for _, c := range m.claims {
		if c.ProgramID == programID && strings.HasPrefix(hts, c.HTS) && c.Covers(date) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *Memory) HTSHistory(_ context.Context, codes []string) ([]model.HTSCode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	want := make(map[string]bool, len(codes))
	for _, c := range codes {
		want[c] = true
	}
	var out []model.HTSCode
	for _, h := range m.hts {
		if want[h.Code] {
			out = append(out, h)
		}
	}
	return out, nil
}

func (m *Memory) HTSCodesWithPrefix(_ context.Context, prefix string, date time.Time) ([]model.HTSCode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.HTSCode
	for _, h := range m.hts {
		if strings.HasPrefix(h.Code, prefix) && h.Covers(date) {
			out = append(out, h)
		}
	}
	return out, nil
}

// --- commit ---

// Commit applies req under the store lock.
func (m *Memory) Commit(_ context.Context, req CommitRequest) (*CommitResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	switch req.Kind {
	case CommitRate:
		return m.commitFact(req), nil
	case CommitExclusion:
		return m.commitClaim(req), nil
	default:
		return m.commitHTS(req), nil
	}
}

func (m *Memory) commitFact(req CommitRequest) *CommitResult {
	in := *req.Fact
	var rows []model.TemporalFact
	for _, f := range m.facts {
		if f.FactKey == in.FactKey && (f.End == nil || sameDay(f.Start, in.Start)) {
			rows = append(rows, f)
		}
	}

	dec := Decide(rows, in)
	res := &CommitResult{Outcome: dec.Outcome}
	if !dec.Insert {
		res.FactID = dec.ExistingID
		return res
	}

	m.putEvidence(req.Evidence)
	res.EvidenceID = req.Evidence.ID

	for _, c := range dec.Close {
		for i := range m.facts {
			if m.facts[i].ID == c.FactID && m.facts[i].End == nil {
				m.facts[i].Window = m.facts[i].ClosedAt(c.End)
				res.Closed = append(res.Closed, c.FactID)
			}
		}
	}

	in.ID = int64(len(m.facts) + 1)
	in.Window = dec.Window
	in.EvidenceID = req.Evidence.ID
	in.CommittedAt = m.now()
	m.facts = append(m.facts, in)
	res.FactID = in.ID

	if dec.Winner != "" {
		m.conflicts = append(m.conflicts, model.FactConflict{
			ID:             int64(len(m.conflicts) + 1),
			Key:            in.FactKey,
			ExistingFactID: dec.ExistingID,
			NewFactID:      in.ID,
			Winner:         dec.Winner,
			Reason:         dec.Reason,
			CreatedAt:      m.now(),
		})
		res.ConflictID = int64(len(m.conflicts))
	}

	m.appendAudit(commitAudit(req, res, "temporal_fact", strconv.FormatInt(in.ID, 10), map[string]any{
		"key":    in.FactKey.String(),
		"window": in.Window.String(),
	}))
	return res
}

func (m *Memory) commitClaim(req CommitRequest) *CommitResult {
	in := *req.Claim
	for _, c := range m.claims {
		if c.ProgramID == in.ProgramID && c.HTS == in.HTS && sameDay(c.Start, in.Start) && c.Description == in.Description {
			return &CommitResult{Outcome: OutcomeUnchanged, FactID: c.ID}
		}
	}
	m.putEvidence(req.Evidence)
	in.ID = int64(len(m.claims) + 1)
	in.VerificationRequired = true
	in.EvidenceID = req.Evidence.ID
	m.claims = append(m.claims, in)

	res := &CommitResult{Outcome: OutcomeInserted, FactID: in.ID, EvidenceID: req.Evidence.ID}
	m.appendAudit(commitAudit(req, res, "exclusion_claim", strconv.FormatInt(in.ID, 10), map[string]any{
		"program_id": in.ProgramID,
		"hts":        in.HTS,
	}))
	return res
}

func (m *Memory) commitHTS(req CommitRequest) *CommitResult {
	ch := req.HTSChange
	for _, h := range m.hts {
		if h.Code == ch.Code.Code && sameDay(h.Start, ch.Code.Start) {
			return &CommitResult{Outcome: OutcomeUnchanged}
		}
	}
	m.putEvidence(req.Evidence)
	res := &CommitResult{Outcome: OutcomeInserted, EvidenceID: req.Evidence.ID}
	if ch.OldCode != "" {
		for i := range m.hts {
			h := &m.hts[i]
			if h.Code == ch.OldCode && h.End == nil && h.Start.Before(ch.Code.Start) {
				h.Window = h.ClosedAt(ch.Code.Start)
				h.ReplacedBy = ch.Code.Code
				res.Outcome = OutcomeSuperseded
			}
		}
	}
	m.hts = append(m.hts, ch.Code)
	m.appendAudit(commitAudit(req, res, "hts_code", ch.Code.Code, map[string]any{
		"old_code": ch.OldCode,
		"start":    ch.Code.Start.Format(model.DateLayout),
	}))
	return res
}

func (m *Memory) putEvidence(ev model.EvidencePacket) {
	if _, ok := m.evidence[ev.ID]; ok {
		return
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = m.now()
	}
	m.evidence[ev.ID] = ev
}

func (m *Memory) appendAudit(e model.AuditEntry) {
	e.ID = int64(len(m.audit) + 1)
	if e.CreatedAt.IsZero() {
		e.CreatedAt = m.now()
	}
	m.audit = append(m.audit, e)
}

// --- source versions ---

func (m *Memory) FindSourceVersion(_ context.Context, source, externalID, contentHash string) (*model.SourceVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, sv := range m.versions {
		if sv.Source == source && sv.ExternalID == externalID && sv.ContentHash == contentHash {
			out := sv
			return &out, nil
		}
	}
	return nil, nil
}

func (m *Memory) CreateSourceVersion(_ context.Context, sv model.SourceVersion) (*model.SourceVersion, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.versions {
		if existing.Source == sv.Source && existing.ExternalID == sv.ExternalID && existing.ContentHash == sv.ContentHash {
			out := existing
			return &out, false, nil
		}
	}
	sv.ID = int64(len(m.versions) + 1)
	if sv.FetchedAt.IsZero() {
		sv.FetchedAt = m.now()
	}
	m.versions = append(m.versions, sv)
	out := sv
	return &out, true, nil
}

func (m *Memory) GetSourceVersion(_ context.Context, id int64) (*model.SourceVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id < 1 || id > int64(len(m.versions)) {
		return nil, eris.Wrapf(ErrNotFound, "memory: source version %d", id)
	}
	out := m.versions[id-1]
	return &out, nil
}

func (m *Memory) SaveRender(_ context.Context, id int64, format, text string, structured bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id < 1 || id > int64(len(m.versions)) {
		return eris.Wrapf(ErrNotFound, "memory: source version %d", id)
	}
	now := m.now()
	sv := &m.versions[id-1]
	sv.Format = format
	sv.CanonicalText = text
	sv.Structured = structured
	sv.RenderedAt = &now
	return nil
}

// --- candidates ---

func (m *Memory) SaveCandidates(_ context.Context, cands []model.Candidate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range cands {
		if _, ok := m.candidates[c.ID]; ok {
			continue
		}
		now := m.now()
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		c.UpdatedAt = now
		m.candidates[c.ID] = c
	}
	return nil
}

func (m *Memory) GetCandidate(_ context.Context, id string) (*model.Candidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.candidates[id]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "memory: candidate %s", id)
	}
	return &c, nil
}

func (m *Memory) ListCandidates(_ context.Context, filter CandidateFilter) ([]model.Candidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Candidate
	for _, c := range m.candidates {
		if filter.JobID != 0 && c.JobID != filter.JobID {
			continue
		}
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return paginate(out, filter.Offset, filter.Limit), nil
}

func (m *Memory) UpdateCandidate(_ context.Context, id string, from, to model.CandidateStatus, reasons []string, reviewer, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.candidates[id]
	if !ok {
		return eris.Wrapf(ErrNotFound, "memory: candidate %s", id)
	}
	if c.Status != from {
		return eris.Wrapf(ErrStaleStatus, "memory: candidate %s is %s, expected %s", id, c.Status, from)
	}
	c.Status = to
	if reasons != nil {
		c.GateReasons = reasons
	}
	if reviewer != "" {
		c.ReviewedBy = reviewer
		c.ReviewNote = note
	}
	c.UpdatedAt = m.now()
	m.candidates[id] = c
	return nil
}

// --- ledger ---

func (m *Memory) GetEvidence(_ context.Context, id string) (*model.EvidencePacket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ev, ok := m.evidence[id]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "memory: evidence %s", id)
	}
	return &ev, nil
}

func (m *Memory) ListFacts(_ context.Context, filter FactFilter) ([]model.TemporalFact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.TemporalFact
	for _, f := range m.facts {
		if filter.ProgramID != "" && f.ProgramID != filter.ProgramID {
			continue
		}
		if filter.HTS != "" && f.HTS != filter.HTS {
			continue
		}
		if filter.OpenOnly && f.End != nil {
			continue
		}
		out = append(out, f)
	}
	return paginate(out, 0, filter.Limit), nil
}

func (m *Memory) ListClaims(_ context.Context, programID string) ([]model.ExclusionClaim, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.ExclusionClaim
	for _, c := range m.claims {
		if programID == "" || c.ProgramID == programID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *Memory) ListConflicts(_ context.Context, limit int) ([]model.FactConflict, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.FactConflict, 0, len(m.conflicts))
	for i := len(m.conflicts) - 1; i >= 0; i-- {
		out = append(out, m.conflicts[i])
	}
	return paginate(out, 0, limit), nil
}

func (m *Memory) AppendAudit(_ context.Context, entry model.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendAudit(entry)
	return nil
}

func (m *Memory) ListAudit(_ context.Context, filter AuditFilter) ([]model.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.AuditEntry
	for i := len(m.audit) - 1; i >= 0; i-- {
		e := m.audit[i]
		if filter.Entity != "" && e.Entity != filter.Entity {
			continue
		}
		if filter.EntityID != "" && e.EntityID != filter.EntityID {
			continue
		}
		if filter.JobID != 0 && (e.JobID == nil || *e.JobID != filter.JobID) {
			continue
		}
		out = append(out, e)
	}
	return paginate(out, 0, filter.Limit), nil
}

func (m *Memory) LastCommitted(_ context.Context) (map[string]time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]time.Time)
	for _, f := range m.facts {
		if f.CommittedAt.After(out[f.ProgramID]) {
			out[f.ProgramID] = f.CommittedAt
		}
	}
	return out, nil
}

func (m *Memory) Revision(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.audit)), nil
}

func (m *Memory) Ping(_ context.Context) error { return nil }

func (m *Memory) Close() {}

func paginate[T any](in []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(in) {
			return nil
		}
		in = in[offset:]
	}
	if limit > 0 && len(in) > limit {
		in = in[:limit]
	}
	return in
}
