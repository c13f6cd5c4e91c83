package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-cli/internal/chunk"
	"github.com/sells-group/tariff-cli/internal/cost"
	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/pkg/anthropic"
)

// NarrativeExtractorName identifies candidates from NarrativeExtractor.
const NarrativeExtractorName = "narrative"

// narrativeMaxConfidence caps what a model may claim about itself.
const narrativeMaxConfidence = 0.9

const narrativeInstructions = `You extract tariff changes from U.S. trade notices.

Input is a numbered excerpt: each line is "L<number>| <text>".

Return ONLY a JSON array (no prose, no code fences). Each element:
{
  "kind": "rate" | "exclusion" | "hts_change",
  "hts": "8544.42.90",            // the HTS number exactly as written
  "program_code": "9903.88.03",   // the Chapter 99 provision, if stated
  "old_program_code": "",         // provision it replaces, if stated
  "replaced_by": "",              // hts_change only: the successor HTS number
  "country": "",                  // ISO alpha-2 if the change is country-specific
  "role": "impose" | "exclude",
  "schedule": [{"rate": 25, "start": "2025-03-04", "end": null}],
  "description": "",              // exclusions: the product description
  "quote": "...",                 // verbatim text copied from ONE OR MORE CONSECUTIVE lines
  "line_start": 12,
  "line_end": 12,
  "confidence": 0.0-1.0
}

Rules:
- Report only what the text states. Never infer a rate, date or code.
- rate is a percent number (25 for 25 percent); null if the text says the rate is pending.
- A staged schedule (rate rises on later dates) is one element with several schedule entries.
- quote must be copied character for character and must contain the HTS number and the rate or provision.
- Return [] when the excerpt announces no change.`

// NarrativeOptions configures the model-assisted extractor.
type NarrativeOptions struct {
	Model     string
	MaxTokens int64
}

// NarrativeExtractor asks a model to read free-form text. Its output passes
// the same validation and gate as table output.
type NarrativeExtractor struct {
	client  anthropic.Client
	opts    NarrativeOptions
	tracker *cost.Tracker
}

// NewNarrativeExtractor creates a narrative extractor. tracker may be nil.
func NewNarrativeExtractor(client anthropic.Client, opts NarrativeOptions, tracker *cost.Tracker) *NarrativeExtractor {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 2048
	}
	return &NarrativeExtractor{client: client, opts: opts, tracker: tracker}
}

func (n *NarrativeExtractor) Name() string { return NarrativeExtractorName }

type narrativeWindow struct {
	Rate  *float64 `json:"rate"`
	Start string   `json:"start"`
	End   *string  `json:"end"`
}

type narrativeItem struct {
	Kind           string            `json:"kind"`
	HTS            string            `json:"hts"`
	ProgramCode    string            `json:"program_code"`
	OldProgramCode string            `json:"old_program_code"`
	ReplacedBy     string            `json:"replaced_by"`
	Country        string            `json:"country"`
	Role           string            `json:"role"`
	Schedule       []narrativeWindow `json:"schedule"`
	Description    string            `json:"description"`
	Quote          string            `json:"quote"`
	LineStart      int               `json:"line_start"`
	LineEnd        int               `json:"line_end"`
	Confidence     float64           `json:"confidence"`
}

// Extract sends each chunk that mentions an HTS number together with a
// rate or provision. Chunks without those signals cannot yield a
// gate-passing candidate and are not sent.
func (n *NarrativeExtractor) Extract(ctx context.Context, in Input) ([]model.Candidate, error) {
	log := zap.L().With(zap.String("component", "extract.narrative"), zap.Int64("job_id", in.JobID))
	programs := newProgramIndex(in.Programs)
	system := anthropic.CachedSystem(narrativeInstructions)

	var cands []model.Candidate
	sent := 0
	for _, ch := range in.Chunks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !hasSignal(ch.Text) {
			continue
		}
		if n.tracker != nil && n.tracker.Exceeded(in.JobID) {
			log.Warn("extraction budget exceeded, remaining chunks skipped", zap.Int("chunk", ch.Index))
			break
		}

		resp, err := n.client.CreateMessage(ctx, anthropic.MessageRequest{
			Model:     n.opts.Model,
			MaxTokens: n.opts.MaxTokens,
			System:    system,
			Messages:  []anthropic.Message{{Role: anthropic.RoleUser, Content: prompt(in, ch)}},
		})
		if err != nil {
			return nil, eris.Wrapf(err, "narrative: chunk %d", ch.Index)
		}
		sent++
		if n.tracker != nil {
			n.tracker.Record(in.JobID, n.opts.Model, cost.Usage{
				Input:      resp.Usage.InputTokens,
				Output:     resp.Usage.OutputTokens,
				CacheWrite: resp.Usage.CacheCreationInputTokens,
				CacheRead:  resp.Usage.CacheReadInputTokens,
			})
		}

		if resp.Truncated() {
			log.Warn("model output hit max_tokens", zap.Int("chunk", ch.Index), zap.Int64("max_tokens", n.opts.MaxTokens))
		}
		items, err := parseItems(resp.Text())
		if err != nil {
			// A malformed answer loses this chunk only.
			log.Warn("unparseable model output", zap.Int("chunk", ch.Index), zap.Error(err))
			continue
		}
		for _, it := range items {
			c, ok := it.candidate(ch, programs)
			if !ok {
				log.Debug("model item dropped", zap.Int("chunk", ch.Index), zap.String("hts", it.HTS))
				continue
			}
			cands = append(cands, c)
		}
	}

	out := finalize(in, NarrativeExtractorName, cands)
	fields := []zap.Field{zap.Int("chunks_sent", sent), zap.Int("candidates", len(out))}
	if n.tracker != nil {
		jc := n.tracker.Job(in.JobID)
		fields = append(fields, zap.Float64("cost_usd", jc.CostUSD), zap.Int64("input_tokens", jc.Usage.Input), zap.Int64("output_tokens", jc.Usage.Output))
	}
	log.Info("narrative extraction complete", fields...)
	return out, nil
}

func hasSignal(text string) bool {
	return len(FindHTS(text)) > 0 && (len(FindRates(text)) > 0 || len(FindCodes(text)) > 0)
}

func prompt(in Input, ch chunk.Chunk) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Source: %s (%s), published %s.\n", in.Version.Source, in.Version.ExternalID, in.Version.PublishedAt.Format("2006-01-02"))
	if ch.Heading != "" {
		fmt.Fprintf(&sb, "Section: %s\n", ch.Heading)
	}
	sb.WriteString("\n")
	for _, l := range ch.Lines() {
		fmt.Fprintf(&sb, "L%d| %s\n", l.Number, l.Text)
	}
	return sb.String()
}

// parseItems reads the model's JSON array, tolerating code fences and
// surrounding prose.
func parseItems(text string) ([]narrativeItem, error) {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end < start {
		return nil, eris.New("narrative: no JSON array in response")
	}
	var items []narrativeItem
	if err := json.Unmarshal([]byte(text[start:end+1]), &items); err != nil {
		return nil, eris.Wrap(err, "narrative: decode response")
	}
	return items, nil
}

func (it narrativeItem) candidate(ch chunk.Chunk, programs programIndex) (model.Candidate, bool) {
	hts, ok := NormalizeCode(it.HTS)
	if !ok || it.Quote == "" {
		return model.Candidate{}, false
	}
	// Citations outside the excerpt cannot have been read.
	if it.LineStart < ch.LineStart || it.LineEnd > ch.LineEnd || it.LineEnd < it.LineStart {
		return model.Candidate{}, false
	}

	c := model.Candidate{
		Kind:           model.CandidateKind(it.Kind),
		HTS:            hts,
		ProgramCode:    strings.TrimSpace(it.ProgramCode),
		OldProgramCode: strings.TrimSpace(it.OldProgramCode),
		Country:        strings.ToUpper(strings.TrimSpace(it.Country)),
		Role:           model.Role(it.Role),
		Description:    it.Description,
		Quote:          it.Quote,
		LineStart:      it.LineStart,
		LineEnd:        it.LineEnd,
		Confidence:     clamp(min(it.Confidence, narrativeMaxConfidence)),
	}
	switch c.Kind {
	case model.CandidateRate, model.CandidateExclusion:
	case model.CandidateHTSChange:
		if it.ReplacedBy != "" {
			next, ok := NormalizeCode(it.ReplacedBy)
			if !ok {
				return model.Candidate{}, false
			}
			c.ReplacedBy = next
		}
	default:
		return model.Candidate{}, false
	}
	if c.Role != model.RoleExclude {
		c.Role = model.RoleImpose
	}
	if c.Kind == model.CandidateExclusion {
		c.Role = model.RoleExclude
	}
	if len(c.Country) != 2 {
		c.Country = ""
	}

	if p, ok := programs.lookup(c.ProgramCode); ok {
		c.ProgramID = p.ID
	} else if p, ok := programs.family(c.ProgramCode); ok && c.Kind == model.CandidateExclusion {
		c.ProgramID = p.ID
	}

	for _, w := range it.Schedule {
		start, err := model.ParseDate(w.Start)
		if err != nil {
			return model.Candidate{}, false
		}
		rw := model.RateWindow{Rate: w.Rate, Window: model.Window{Start: start}}
		if w.End != nil && *w.End != "" {
			end, err := model.ParseDate(*w.End)
			if err != nil {
				return model.Candidate{}, false
			}
			rw.End = &end
		}
		c.Schedule = append(c.Schedule, rw)
	}
	if len(c.Schedule) == 0 {
		return model.Candidate{}, false
	}
	if r := c.Schedule[0].Rate; r != nil {
		for _, tok := range FindRates(c.Quote) {
			if tok.Value == *r {
				c.RateToken = tok.Text
				break
			}
		}
	}
	return c, true
}
