package evidence

import (
	"context"
	"strconv"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/internal/store"
)

// Ledger is the read surface the auditor needs.
type Ledger interface {
	ListFacts(ctx context.Context, filter store.FactFilter) ([]model.TemporalFact, error)
	ListClaims(ctx context.Context, programID string) ([]model.ExclusionClaim, error)
	GetEvidence(ctx context.Context, id string) (*model.EvidencePacket, error)
	GetSourceVersion(ctx context.Context, id int64) (*model.SourceVersion, error)
}

// Failure is one ledger row whose evidence did not verify.
type Failure struct {
	Entity     string `json:"entity"`
	EntityID   string `json:"entity_id"`
	EvidenceID string `json:"evidence_id"`
	Error      string `json:"error"`
}

// Report summarizes an audit run.
type Report struct {
	Facts    int       `json:"facts"`
	Claims   int       `json:"claims"`
	Packets  int       `json:"packets"`
	Failures []Failure `json:"failures,omitempty"`
}

// OK reports whether every row verified.
func (r *Report) OK() bool { return len(r.Failures) == 0 }

// Audit re-verifies the evidence packet of every committed fact and claim
// against the canonical text and hash of the document it cites. Packets and
// documents are cached, so each is loaded once.
func Audit(ctx context.Context, l Ledger, programID string) (*Report, error) {
	log := zap.L().With(zap.String("component", "evidence.audit"))

	facts, err := l.ListFacts(ctx, store.FactFilter{ProgramID: programID})
	if err != nil {
		return nil, eris.Wrap(err, "evidence: list facts")
	}
	claims, err := l.ListClaims(ctx, programID)
	if err != nil {
		return nil, eris.Wrap(err, "evidence: list claims")
	}

	a := &auditor{
		ledger:   l,
		verified: make(map[string]error),
		docs:     make(map[int64]*model.SourceVersion),
	}
	rep := &Report{Facts: len(facts), Claims: len(claims)}

	for _, f := range facts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if vErr := a.check(ctx, f.EvidenceID); vErr != nil {
			rep.Failures = append(rep.Failures, Failure{
				Entity: "temporal_fact", EntityID: strconv.FormatInt(f.ID, 10),
				EvidenceID: f.EvidenceID, Error: vErr.Error(),
			})
		}
	}
	for _, c := range claims {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if vErr := a.check(ctx, c.EvidenceID); vErr != nil {
			rep.Failures = append(rep.Failures, Failure{
				Entity: "exclusion_claim", EntityID: strconv.FormatInt(c.ID, 10),
				EvidenceID: c.EvidenceID, Error: vErr.Error(),
			})
		}
	}
	rep.Packets = len(a.verified)

	log.Info("evidence audit complete",
		zap.Int("facts", rep.Facts),
		zap.Int("claims", rep.Claims),
		zap.Int("packets", rep.Packets),
		zap.Int("failures", len(rep.Failures)),
	)
	return rep, nil
}

type auditor struct {
	ledger   Ledger
	verified map[string]error
	docs     map[int64]*model.SourceVersion
}

func (a *auditor) check(ctx context.Context, evidenceID string) error {
	if evidenceID == "" {
		return eris.New("evidence: row has no evidence packet")
	}
	if err, ok := a.verified[evidenceID]; ok {
		return err
	}
	err := a.verify(ctx, evidenceID)
	a.verified[evidenceID] = err
	return err
}

func (a *auditor) verify(ctx context.Context, evidenceID string) error {
	ev, err := a.ledger.GetEvidence(ctx, evidenceID)
	if err != nil {
		return err
	}
	sv, ok := a.docs[ev.SourceVersionID]
	if !ok {
		if sv, err = a.ledger.GetSourceVersion(ctx, ev.SourceVersionID); err != nil {
			return err
		}
		a.docs[ev.SourceVersionID] = sv
	}
	return Verify(*ev, *sv)
}
