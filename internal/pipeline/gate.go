package pipeline

import (
	"github.com/sells-group/tariff-cli/internal/model"
)

// Gate reasons in addition to the validation problems.
const (
	ReasonTierTooLow    = "tier_below_authoritative"
	ReasonHashMissing   = "document_hash_missing"
	ReasonLowConfidence = "confidence_below_threshold"
)

// GateInput is everything the write gate looks at.
type GateInput struct {
	Tier         model.Tier
	DocumentHash string
	Validation   Validation
	Threshold    float64
}

// Decision is the gate's verdict on one candidate.
type Decision struct {
	Pass       bool     `json:"pass"`
	Reasons    []string `json:"reasons,omitempty"`
	Confidence float64  `json:"confidence"`
}

func (d Decision) label() string {
	if d.Pass {
		return "pass"
	}
	return "review"
}

// Gate is the last deterministic check before a commit. Every condition is
// required; there is no partial credit and no override here.
func Gate(in GateInput) Decision {
	d := Decision{Confidence: in.Validation.Confidence}
	if in.Tier.Rank() < model.TierAuthoritative.Rank() {
		d.Reasons = append(d.Reasons, ReasonTierTooLow)
	}
	if in.DocumentHash == "" {
		d.Reasons = append(d.Reasons, ReasonHashMissing)
	}
	d.Reasons = append(d.Reasons, in.Validation.Problems...)
	if in.Validation.Confidence < in.Threshold {
		d.Reasons = append(d.Reasons, ReasonLowConfidence)
	}
	d.Pass = len(d.Reasons) == 0
	return d
}
