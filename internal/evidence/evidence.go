// Package evidence builds and verifies the packets that tie every committed
// fact to the exact lines of the document it came from.
package evidence

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/tariff-cli/internal/model"
)

// namespace scopes packet ids; packets with identical content share an id.
var namespace = uuid.MustParse("6f1d6c2e-8d0a-5b7e-9c43-2f3b7a1e4d90")

// Input is everything needed to build a packet.
type Input struct {
	SourceVersionID int64
	DocumentHash    string
	CanonicalText   string
	LineStart       int
	LineEnd         int
	Quote           string
	Claims          model.EvidenceClaims
	Confidence      float64
	Validator       string
}

// Build checks that the quote occurs verbatim inside the cited lines and
// returns a packet with a content-derived id.
func Build(in Input) (model.EvidencePacket, error) {
	if strings.TrimSpace(in.Quote) == "" {
		return model.EvidencePacket{}, eris.New("evidence: empty quote")
	}
	if in.DocumentHash == "" {
		return model.EvidencePacket{}, eris.New("evidence: missing document hash")
	}
	if err := QuoteInLines(in.CanonicalText, in.LineStart, in.LineEnd, in.Quote); err != nil {
		return model.EvidencePacket{}, err
	}

	claims, err := json.Marshal(in.Claims)
	if err != nil {
		return model.EvidencePacket{}, eris.Wrap(err, "evidence: marshal claims")
	}
	key := fmt.Sprintf("%d|%s|%d|%d|%s|%s", in.SourceVersionID, in.DocumentHash, in.LineStart, in.LineEnd, in.Quote, claims)

	return model.EvidencePacket{
		ID:              uuid.NewSHA1(namespace, []byte(key)).String(),
		SourceVersionID: in.SourceVersionID,
		DocumentHash:    in.DocumentHash,
		LineStart:       in.LineStart,
		LineEnd:         in.LineEnd,
		Quote:           in.Quote,
		Claims:          in.Claims,
		Confidence:      in.Confidence,
		Validator:       in.Validator,
	}, nil
}

// Verify re-checks a stored packet against the document version it cites.
func Verify(ev model.EvidencePacket, sv model.SourceVersion) error {
	if ev.SourceVersionID != sv.ID {
		return eris.Errorf("evidence: packet %s cites version %d, got %d", ev.ID, ev.SourceVersionID, sv.ID)
	}
	if ev.DocumentHash != sv.ContentHash {
		return eris.Errorf("evidence: packet %s hash %s does not match document hash %s", ev.ID, ev.DocumentHash, sv.ContentHash)
	}
	if sv.CanonicalText == "" {
		return eris.Errorf("evidence: version %d has no canonical text", sv.ID)
	}
	return eris.Wrapf(QuoteInLines(sv.CanonicalText, ev.LineStart, ev.LineEnd, ev.Quote), "evidence: packet %s", ev.ID)
}

// Lines splits canonical text into 1-based addressable lines.
func Lines(text string) []string {
	return strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
}

// Span returns lines start..end (inclusive, 1-based) joined by newlines.
func Span(text string, start, end int) (string, error) {
	lines := Lines(text)
	if start < 1 || end < start || end > len(lines) {
		return "", eris.Errorf("evidence: line range %d-%d outside document of %d lines", start, end, len(lines))
	}
	return strings.Join(lines[start-1:end], "\n"), nil
}

// QuoteInLines reports whether quote appears in the cited span. Runs of
// whitespace compare equal so a quote may cross line breaks.
func QuoteInLines(text string, start, end int, quote string) error {
	span, err := Span(text, start, end)
	if err != nil {
		return err
	}
	if strings.Contains(span, quote) {
		return nil
	}
	if strings.Contains(CollapseSpace(span), CollapseSpace(quote)) {
		return nil
	}
	return eris.Errorf("evidence: quote not found verbatim in lines %d-%d", start, end)
}

// CollapseSpace trims s and folds every whitespace run to one space.
func CollapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
