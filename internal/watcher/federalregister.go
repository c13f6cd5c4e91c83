package watcher

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-cli/internal/fetcher"
	"github.com/sells-group/tariff-cli/internal/model"
)

// FederalRegisterName is the source name of Federal Register documents.
const FederalRegisterName = "federal_register"

const (
	frPerPage  = 100
	frMaxPages = 20
	// frLookback bounds the first poll.
	frLookback = 30 * 24 * time.Hour
)

var frFields = []string{
	"document_number", "title", "type", "publication_date", "effective_on",
	"html_url", "body_html_url", "full_text_xml_url", "pdf_url", "correction_of",
}

type frDocument struct {
	DocumentNumber  string `json:"document_number"`
	Title           string `json:"title"`
	Type            string `json:"type"`
	PublicationDate string `json:"publication_date"`
	EffectiveOn     string `json:"effective_on"`
	HTMLURL         string `json:"html_url"`
	BodyHTMLURL     string `json:"body_html_url"`
	FullTextXMLURL  string `json:"full_text_xml_url"`
	PDFURL          string `json:"pdf_url"`
	CorrectionOf    string `json:"correction_of"`
}

type frPage struct {
	Count       int          `json:"count"`
	Results     []frDocument `json:"results"`
	NextPageURL string       `json:"next_page_url"`
}

// FederalRegister polls the Federal Register documents API for notices from
// the trade agencies. Its documents are binding legal text.
type FederalRegister struct {
	f        fetcher.Fetcher
	base     string
	agencies []string
	terms    []string
	now      func() time.Time
}

// NewFederalRegister creates the Federal Register watcher. base is the
// documents.json endpoint.
func NewFederalRegister(f fetcher.Fetcher, base string, agencies, terms []string) *FederalRegister {
	return &FederalRegister{f: f, base: base, agencies: agencies, terms: terms, now: time.Now}
}

func (w *FederalRegister) Name() string     { return FederalRegisterName }
func (w *FederalRegister) Tier() model.Tier { return model.TierBinding }

// Poll lists documents published on or after the checkpoint date. The
// checkpoint day is polled again; the queue drops what it already has.
func (w *FederalRegister) Poll(ctx context.Context, checkpoint string) (*Poll, error) {
	since := w.now().UTC().Add(-frLookback)
	if checkpoint != "" {
		d, err := model.ParseDate(checkpoint)
		if err != nil {
			return nil, eris.Wrapf(err, "federal register: bad checkpoint %q", checkpoint)
		}
		since = d
	}

	out := &Poll{Checkpoint: checkpoint}
	next := w.query(since)
	for page := 0; next != "" && page < frMaxPages; page++ {
		resp, err := fetcher.ReadJSON[frPage](ctx, w.f, next)
		if err != nil {
			return nil, eris.Wrap(err, "federal register: list documents")
		}
		for _, doc := range resp.Results {
			d, ok := w.descriptor(doc)
			if !ok {
				continue
			}
			out.Documents = append(out.Documents, d)
			if day := d.PublishedAt.Format(model.DateLayout); day > out.Checkpoint {
				out.Checkpoint = day
			}
		}
		next = resp.NextPageURL
	}
	if next != "" {
		zap.L().Warn("federal register: page limit reached, remainder left for next poll",
			zap.Int("pages", frMaxPages),
		)
	}
	return out, nil
}

func (w *FederalRegister) query(since time.Time) string {
	q := url.Values{}
	for _, a := range w.agencies {
		q.Add("conditions[agencies][]", a)
	}
	if len(w.terms) > 0 {
		quoted := make([]string, len(w.terms))
		for i, t := range w.terms {
			quoted[i] = `"` + t + `"`
		}
		q.Set("conditions[term]", strings.Join(quoted, " | "))
	}
	q.Set("conditions[publication_date][gte]", since.Format(model.DateLayout))
	for _, f := range frFields {
		q.Add("fields[]", f)
	}
	q.Set("order", "oldest")
	q.Set("per_page", strconv.Itoa(frPerPage))
	return w.base + "?" + q.Encode()
}

func (w *FederalRegister) descriptor(doc frDocument) (model.Descriptor, bool) {
	if doc.DocumentNumber == "" {
		return model.Descriptor{}, false
	}
	published, err := model.ParseDate(doc.PublicationDate)
	if err != nil {
		zap.L().Debug("federal register: skipping document without date", zap.String("document_number", doc.DocumentNumber))
		return model.Descriptor{}, false
	}
	urls := nonEmpty(doc.FullTextXMLURL, doc.BodyHTMLURL, doc.PDFURL)
	if len(urls) == 0 {
		return model.Descriptor{}, false
	}
	d := model.Descriptor{
		Source:      FederalRegisterName,
		ExternalID:  doc.DocumentNumber,
		URLs:        urls,
		Title:       doc.Title,
		Tier:        model.TierBinding,
		PublishedAt: published,
		ContentHash: Fingerprint(doc.DocumentNumber, doc.PublicationDate, doc.EffectiveOn, doc.FullTextXMLURL, doc.CorrectionOf),
	}
	if eff, err := model.ParseDate(doc.EffectiveOn); err == nil {
		d.EffectiveAt = eff
	}
	return d, true
}
