package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/tariff-cli/internal/engine"
	"github.com/sells-group/tariff-cli/internal/evidence"
	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/internal/store"
)

// Fixtures is a hand-curated document plus the facts it supports. It lets
// an offline store be populated through the same commit path the pipeline
// uses, evidence included.
type Fixtures struct {
	Source FixtureSource  `yaml:"source"`
	Facts  []FixtureFact  `yaml:"facts"`
	Claims []FixtureClaim `yaml:"claims"`
}

// FixtureSource describes the curated document.
type FixtureSource struct {
	Source      string     `yaml:"source"`
	ExternalID  string     `yaml:"external_id"`
	URL         string     `yaml:"url"`
	Tier        model.Tier `yaml:"tier"`
	PublishedAt string     `yaml:"published_at"`
	Text        string     `yaml:"text"`
}

// FixtureFact is one rate fact cited by line range.
type FixtureFact struct {
	Program    string     `yaml:"program"`
	HTS        string     `yaml:"hts"`
	Country    string     `yaml:"country"`
	Role       model.Role `yaml:"role"`
	Rate       *float64   `yaml:"rate"`
	FilingCode string     `yaml:"filing_code"`
	Start      string     `yaml:"start"`
	End        string     `yaml:"end"`
	LineStart  int        `yaml:"line_start"`
	LineEnd    int        `yaml:"line_end"`
	Quote      string     `yaml:"quote"`
}

// FixtureClaim is one exclusion claim cited by line range.
type FixtureClaim struct {
	Program     string `yaml:"program"`
	HTS         string `yaml:"hts"`
	Description string `yaml:"description"`
	FilingCode  string `yaml:"filing_code"`
	Start       string `yaml:"start"`
	End         string `yaml:"end"`
	LineStart   int    `yaml:"line_start"`
	LineEnd     int    `yaml:"line_end"`
	Quote       string `yaml:"quote"`
}

// FixtureResult counts commit outcomes.
type FixtureResult struct {
	SourceVersionID int64                 `json:"source_version_id"`
	Outcomes        map[store.Outcome]int `json:"outcomes"`
}

// LoadFixtures reads a fixtures file and commits every fact and claim
// through st. Reloading the same file is a no-op.
func LoadFixtures(ctx context.Context, st store.Store, path, actor string) (*FixtureResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "registry: read fixtures")
	}
	var fx Fixtures
	if err := yaml.Unmarshal(data, &fx); err != nil {
		return nil, eris.Wrap(err, "registry: decode fixtures")
	}
	return ApplyFixtures(ctx, st, fx, actor)
}

// ApplyFixtures commits already-decoded fixtures.
func ApplyFixtures(ctx context.Context, st store.Store, fx Fixtures, actor string) (*FixtureResult, error) {
	log := zap.L().With(zap.String("component", "registry.fixtures"))

	src := fx.Source
	if src.Source == "" || src.ExternalID == "" || src.Text == "" {
		return nil, eris.New("registry: fixtures need source, external_id and text")
	}
	if src.Tier == "" {
		src.Tier = model.TierAuthoritative
	}
	if !src.Tier.Valid() {
		return nil, eris.Errorf("registry: fixtures tier %q", src.Tier)
	}
	published, err := model.ParseDate(src.PublishedAt)
	if err != nil {
		return nil, eris.Wrap(err, "registry: fixtures published_at")
	}

	sum := sha256.Sum256([]byte(src.Text))
	hash := hex.EncodeToString(sum[:])
	sv, created, err := st.CreateSourceVersion(ctx, model.SourceVersion{
		Source:      src.Source,
		ExternalID:  src.ExternalID,
		ContentHash: hash,
		URL:         src.URL,
		Tier:        src.Tier,
		Format:      "text",
		SizeBytes:   int64(len(src.Text)),
		PublishedAt: published,
	})
	if err != nil {
		return nil, eris.Wrap(err, "registry: fixtures source version")
	}
	if created || sv.CanonicalText == "" {
		if err := st.SaveRender(ctx, sv.ID, "text", src.Text, false); err != nil {
			return nil, eris.Wrap(err, "registry: fixtures render")
		}
	}

	res := &FixtureResult{SourceVersionID: sv.ID, Outcomes: make(map[store.Outcome]int)}
	cite := func(lineStart, lineEnd int, quote string, claims model.EvidenceClaims) (model.EvidencePacket, error) {
		return evidence.Build(evidence.Input{
			SourceVersionID: sv.ID,
			DocumentHash:    hash,
			CanonicalText:   src.Text,
			LineStart:       lineStart,
			LineEnd:         lineEnd,
			Quote:           quote,
			Claims:          claims,
			Confidence:      1,
			Validator:       "fixture",
		})
	}

	for i, f := range fx.Facts {
		hts, err := factHTS(f.HTS)
		if err != nil {
			return nil, eris.Wrapf(err, "registry: fixture fact %d", i)
		}
		w, err := window(f.Start, f.End)
		if err != nil {
			return nil, eris.Wrapf(err, "registry: fixture fact %d", i)
		}
		role := f.Role
		if role == "" {
			role = model.RoleImpose
		}
		ev, err := cite(f.LineStart, f.LineEnd, f.Quote, model.EvidenceClaims{
			HTS: hts, Rate: f.Rate, EffectiveStart: w.Start, EffectiveEnd: w.End,
		})
		if err != nil {
			return nil, eris.Wrapf(err, "registry: fixture fact %d", i)
		}
		out, err := st.Commit(ctx, store.CommitRequest{
			Kind: store.CommitRate,
			Fact: &model.TemporalFact{
				FactKey:           model.FactKey{ProgramID: f.Program, HTS: hts, Country: f.Country, Role: role},
				Rate:              f.Rate,
				FilingCode:        f.FilingCode,
				Window:            w,
				SourceVersionID:   sv.ID,
				SourcePublishedAt: published,
				Tier:              src.Tier,
				EvidenceID:        ev.ID,
			},
			Evidence: ev,
			Actor:    actor,
		})
		if err != nil {
			return nil, eris.Wrapf(err, "registry: commit fixture fact %d", i)
		}
		res.Outcomes[out.Outcome]++
	}

	for i, c := range fx.Claims {
		hts, err := engine.NormalizeHTSPrefix(c.HTS)
		if err != nil {
			return nil, eris.Wrapf(err, "registry: fixture claim %d", i)
		}
		w, err := window(c.Start, c.End)
		if err != nil {
			return nil, eris.Wrapf(err, "registry: fixture claim %d", i)
		}
		ev, err := cite(c.LineStart, c.LineEnd, c.Quote, model.EvidenceClaims{
			HTS: hts, EffectiveStart: w.Start, EffectiveEnd: w.End,
		})
		if err != nil {
			return nil, eris.Wrapf(err, "registry: fixture claim %d", i)
		}
		out, err := st.Commit(ctx, store.CommitRequest{
			Kind: store.CommitExclusion,
			Claim: &model.ExclusionClaim{
				ProgramID:            c.Program,
				HTS:                  hts,
				Description:          c.Description,
				FilingCode:           c.FilingCode,
				VerificationRequired: true,
				Window:               w,
				SourceVersionID:      sv.ID,
				EvidenceID:           ev.ID,
			},
			Evidence: ev,
			Actor:    actor,
		})
		if err != nil {
			return nil, eris.Wrapf(err, "registry: commit fixture claim %d", i)
		}
		res.Outcomes[out.Outcome]++
	}

	log.Info("fixtures applied",
		zap.Int64("source_version_id", sv.ID),
		zap.Int("facts", len(fx.Facts)),
		zap.Int("claims", len(fx.Claims)),
	)
	return res, nil
}

// factHTS normalizes a fact code; empty means every code in scope.
func factHTS(raw string) (string, error) {
	if raw == "" {
		return "", nil
	}
	return engine.NormalizeHTSPrefix(raw)
}
