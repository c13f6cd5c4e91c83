package review

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-cli/internal/engine"
	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/pkg/notion"
)

// Notion status options of the review database.
const (
	StatusNeedsReview = "Needs Review"
	StatusApproved    = "Approved"
	StatusRejected    = "Rejected"
	StatusCommitted   = "Committed"
	StatusClosed      = "Closed"
)

const (
	propCandidateID = "Candidate ID"
	// Notion rejects rich text items longer than this.
	notionTextLimit = 2000
)

// NotionMirror copies the review backlog into a Notion database so
// reviewers can work there, and reads their decisions back.
type NotionMirror struct {
	client notion.Client
	dbID   string
}

// NewNotionMirror creates a mirror writing to database dbID.
func NewNotionMirror(c notion.Client, dbID string) *NotionMirror {
	return &NotionMirror{client: c, dbID: dbID}
}

// NotifyReview creates one page per candidate. Candidates that already
// have a page are left alone so retried jobs do not duplicate rows.
func (m *NotionMirror) NotifyReview(ctx context.Context, job model.IngestJob, cands []model.Candidate) error {
	var errs []error
	for _, c := range cands {
		existing, err := notion.FindByText(ctx, m.client, m.dbID, propCandidateID, c.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if existing != nil {
			continue
		}
		_, err = m.client.CreatePage(ctx, &notionapi.PageCreateRequest{
			Parent: notionapi.Parent{
				Type:       notionapi.ParentTypeDatabaseID,
				DatabaseID: notionapi.DatabaseID(m.dbID),
			},
			Properties: candidateProperties(job, c),
		})
		if err != nil {
			errs = append(errs, eris.Wrapf(err, "review: mirror candidate %s", c.ID))
		}
	}
	return errors.Join(errs...)
}

// MarkResolved sets the page of a decided candidate to Committed or Closed.
func (m *NotionMirror) MarkResolved(ctx context.Context, c model.Candidate) error {
	page, err := notion.FindByText(ctx, m.client, m.dbID, propCandidateID, c.ID)
	if err != nil {
		return err
	}
	if page == nil {
		return nil
	}
	status := StatusClosed
	if c.Status == model.CandidateCommitted {
		status = StatusCommitted
	}
	_, err = m.client.UpdatePage(ctx, string(page.ID), &notionapi.PageUpdateRequest{
		Properties: notionapi.Properties{
			"Status": notionapi.StatusProperty{Status: notionapi.Status{Name: status}},
		},
	})
	return eris.Wrapf(err, "review: mark page of %s %s", c.ID, status)
}

// Decision is a reviewer's verdict recorded in Notion.
type Decision struct {
	PageID      string
	CandidateID string
	Approve     bool
	Reviewer    string
	Note        string
}

// Decisions returns pages reviewers moved to Approved or Rejected.
func (m *NotionMirror) Decisions(ctx context.Context) ([]Decision, error) {
	var out []Decision
	for _, status := range []string{StatusApproved, StatusRejected} {
		pages, err := notion.QueryByStatus(ctx, m.client, m.dbID, status)
		if err != nil {
			return nil, eris.Wrap(err, "review: read decisions")
		}
		for _, p := range pages {
			d := Decision{
				PageID:      string(p.ID),
				CandidateID: richText(p, propCandidateID),
				Approve:     status == StatusApproved,
				Reviewer:    richText(p, "Reviewer"),
				Note:        richText(p, "Review Note"),
			}
			if d.CandidateID == "" {
				zap.L().Warn("review: notion page without candidate id", zap.String("page_id", d.PageID))
				continue
			}
			out = append(out, d)
		}
	}
	return out, nil
}

func candidateProperties(job model.IngestJob, c model.Candidate) notionapi.Properties {
	title := engine.FormatHTS(c.HTS) + " " + string(c.Kind)
	if c.ProgramCode != "" {
		title += " " + c.ProgramCode
	}
	props := notionapi.Properties{
		"Name": notionapi.TitleProperty{
			Type:  notionapi.PropertyTypeTitle,
			Title: []notionapi.RichText{text(title)},
		},
		propCandidateID: richTextProperty(c.ID),
		"Source":        richTextProperty(job.Source + " " + job.ExternalID),
		"Quote":         richTextProperty(c.Quote),
		"Lines":         richTextProperty(fmt.Sprintf("%d-%d", c.LineStart, c.LineEnd)),
		"Job": notionapi.NumberProperty{
			Type:   notionapi.PropertyTypeNumber,
			Number: float64(job.ID),
		},
		"Confidence": notionapi.NumberProperty{
			Type:   notionapi.PropertyTypeNumber,
			Number: c.Confidence,
		},
		"Status": notionapi.StatusProperty{
			Type:   notionapi.PropertyTypeStatus,
			Status: notionapi.Status{Name: StatusNeedsReview},
		},
	}
	if c.ProgramID != "" {
		props["Program"] = notionapi.SelectProperty{
			Type:   notionapi.PropertyTypeSelect,
			Select: notionapi.Option{Name: c.ProgramID},
		}
	}
	if len(c.GateReasons) > 0 {
		opts := make([]notionapi.Option, len(c.GateReasons))
		for i, r := range c.GateReasons {
			opts[i] = notionapi.Option{Name: r}
		}
		props["Reasons"] = notionapi.MultiSelectProperty{
			Type:        notionapi.PropertyTypeMultiSelect,
			MultiSelect: opts,
		}
	}
	return props
}

func text(s string) notionapi.RichText {
	if r := []rune(s); len(r) > notionTextLimit {
		s = string(r[:notionTextLimit])
	}
	return notionapi.RichText{Type: notionapi.ObjectTypeText, Text: &notionapi.Text{Content: s}}
}

func richTextProperty(s string) notionapi.RichTextProperty {
	return notionapi.RichTextProperty{
		Type:     notionapi.PropertyTypeRichText,
		RichText: []notionapi.RichText{text(s)},
	}
}

func richText(p notionapi.Page, name string) string {
	prop, ok := p.Properties[name]
	if !ok {
		return ""
	}
	rtp, ok := prop.(*notionapi.RichTextProperty)
	if !ok {
		return ""
	}
	var b strings.Builder
	for _, rt := range rtp.RichText {
		b.WriteString(rt.PlainText)
	}
	return strings.TrimSpace(b.String())
}
