package review

import (
	"context"
	"testing"

	"github.com/jomei/notionapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tariff-cli/internal/model"
)

type mockNotion struct {
	mock.Mock
}

func (m *mockNotion) QueryDatabase(ctx context.Context, dbID string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error) {
	args := m.Called(ctx, dbID, req)
	if v := args.Get(0); v != nil {
		return v.(*notionapi.DatabaseQueryResponse), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockNotion) CreatePage(ctx context.Context, req *notionapi.PageCreateRequest) (*notionapi.Page, error) {
	args := m.Called(ctx, req)
	if v := args.Get(0); v != nil {
		return v.(*notionapi.Page), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockNotion) UpdatePage(ctx context.Context, pageID string, req *notionapi.PageUpdateRequest) (*notionapi.Page, error) {
	args := m.Called(ctx, pageID, req)
	if v := args.Get(0); v != nil {
		return v.(*notionapi.Page), args.Error(1)
	}
	return nil, args.Error(1)
}

func findCandidate(id string) any {
	return mock.MatchedBy(func(req *notionapi.DatabaseQueryRequest) bool {
		pf, ok := req.Filter.(notionapi.PropertyFilter)
		return ok && pf.Property == propCandidateID && pf.RichText != nil && pf.RichText.Equals == id
	})
}

func byStatus(status string) any {
	return mock.MatchedBy(func(req *notionapi.DatabaseQueryRequest) bool {
		pf, ok := req.Filter.(notionapi.PropertyFilter)
		return ok && pf.Status != nil && pf.Status.Equals == status
	})
}

func reviewCandidate(id string) model.Candidate {
	return model.Candidate{
		ID:          id,
		JobID:       7,
		Kind:        model.CandidateRate,
		ProgramID:   "s301",
		ProgramCode: "9903.88.03",
		HTS:         "85444290",
		Quote:       "8544.42.90 | 9903.88.03 | 25%",
		LineStart:   4,
		LineEnd:     4,
		Confidence:  0.62,
		Status:      model.CandidateNeedsReview,
		GateReasons: []string{"low_confidence", "tier_too_low"},
	}
}

func TestNotifyReview_CreatesMissingPages(t *testing.T) {
	mc := new(mockNotion)
	ctx := context.Background()
	m := NewNotionMirror(mc, "db-review")
	job := model.IngestJob{ID: 7, Source: "csms", ExternalID: "64000000"}

	mc.On("QueryDatabase", ctx, "db-review", findCandidate("c-1")).
		Return(&notionapi.DatabaseQueryResponse{Results: []notionapi.Page{{ID: "existing"}}}, nil).Once()
	mc.On("QueryDatabase", ctx, "db-review", findCandidate("c-2")).
		Return(&notionapi.DatabaseQueryResponse{}, nil).Once()

	var created *notionapi.PageCreateRequest
	mc.On("CreatePage", ctx, mock.AnythingOfType("*notionapi.PageCreateRequest")).
		Run(func(args mock.Arguments) { created = args.Get(1).(*notionapi.PageCreateRequest) }).
		Return(&notionapi.Page{ID: "new"}, nil).Once()

	err := m.NotifyReview(ctx, job, []model.Candidate{reviewCandidate("c-1"), reviewCandidate("c-2")})
	require.NoError(t, err)
	mc.AssertExpectations(t)

	require.NotNil(t, created)
	assert.Equal(t, notionapi.DatabaseID("db-review"), created.Parent.DatabaseID)

	title := created.Properties["Name"].(notionapi.TitleProperty)
	assert.Equal(t, "8544.42.90 rate 9903.88.03", title.Title[0].Text.Content)

	id := created.Properties[propCandidateID].(notionapi.RichTextProperty)
	assert.Equal(t, "c-2", id.RichText[0].Text.Content)

	src := created.Properties["Source"].(notionapi.RichTextProperty)
	assert.Equal(t, "csms 64000000", src.RichText[0].Text.Content)

	status := created.Properties["Status"].(notionapi.StatusProperty)
	assert.Equal(t, StatusNeedsReview, status.Status.Name)

	reasons := created.Properties["Reasons"].(notionapi.MultiSelectProperty)
	assert.Len(t, reasons.MultiSelect, 2)
}

func TestNotifyReview_CollectsErrors(t *testing.T) {
	mc := new(mockNotion)
	ctx := context.Background()
	m := NewNotionMirror(mc, "db-review")

	mc.On("QueryDatabase", ctx, "db-review", findCandidate("c-1")).Return(nil, assert.AnError).Once()
	mc.On("QueryDatabase", ctx, "db-review", findCandidate("c-2")).
		Return(&notionapi.DatabaseQueryResponse{}, nil).Once()
	mc.On("CreatePage", ctx, mock.Anything).Return(nil, assert.AnError).Once()

	err := m.NotifyReview(ctx, model.IngestJob{ID: 7}, []model.Candidate{reviewCandidate("c-1"), reviewCandidate("c-2")})
	require.Error(t, err)
	assert.ErrorContains(t, err, "notion: find Candidate ID=c-1")
	assert.ErrorContains(t, err, "review: mirror candidate c-2")
}

func TestMarkResolved(t *testing.T) {
	mc := new(mockNotion)
	ctx := context.Background()
	m := NewNotionMirror(mc, "db-review")

	mc.On("QueryDatabase", ctx, "db-review", findCandidate("c-1")).
		Return(&notionapi.DatabaseQueryResponse{Results: []notionapi.Page{{ID: "page-1"}}}, nil).Once()
	mc.On("UpdatePage", ctx, "page-1", mock.MatchedBy(func(req *notionapi.PageUpdateRequest) bool {
		st, ok := req.Properties["Status"].(notionapi.StatusProperty)
		return ok && st.Status.Name == StatusCommitted
	})).Return(&notionapi.Page{ID: "page-1"}, nil).Once()

	mc.On("QueryDatabase", ctx, "db-review", findCandidate("c-2")).
		Return(&notionapi.DatabaseQueryResponse{Results: []notionapi.Page{{ID: "page-2"}}}, nil).Once()
	mc.On("UpdatePage", ctx, "page-2", mock.MatchedBy(func(req *notionapi.PageUpdateRequest) bool {
		st, ok := req.Properties["Status"].(notionapi.StatusProperty)
		return ok && st.Status.Name == StatusClosed
	})).Return(&notionapi.Page{ID: "page-2"}, nil).Once()

	mc.On("QueryDatabase", ctx, "db-review", findCandidate("c-3")).
		Return(&notionapi.DatabaseQueryResponse{}, nil).Once()

	c1 := reviewCandidate("c-1")
	c1.Status = model.CandidateCommitted
	require.NoError(t, m.MarkResolved(ctx, c1))

	c2 := reviewCandidate("c-2")
	c2.Status = model.CandidateRejected
	require.NoError(t, m.MarkResolved(ctx, c2))

	require.NoError(t, m.MarkResolved(ctx, reviewCandidate("c-3")))
	mc.AssertExpectations(t)
}

func decisionPage(id, candidate, reviewer string) notionapi.Page {
	props := notionapi.Properties{}
	if candidate != "" {
		props[propCandidateID] = &notionapi.RichTextProperty{RichText: []notionapi.RichText{{PlainText: candidate}}}
	}
	if reviewer != "" {
		props["Reviewer"] = &notionapi.RichTextProperty{RichText: []notionapi.RichText{{PlainText: reviewer}}}
	}
	return notionapi.Page{ID: notionapi.ObjectID(id), Properties: props}
}

func TestDecisions(t *testing.T) {
	mc := new(mockNotion)
	ctx := context.Background()
	m := NewNotionMirror(mc, "db-review")

	mc.On("QueryDatabase", ctx, "db-review", byStatus(StatusApproved)).
		Return(&notionapi.DatabaseQueryResponse{Results: []notionapi.Page{
			decisionPage("p1", "c-1", "jane"),
			decisionPage("p2", "", "jane"),
		}}, nil).Once()
	mc.On("QueryDatabase", ctx, "db-review", byStatus(StatusRejected)).
		Return(&notionapi.DatabaseQueryResponse{Results: []notionapi.Page{
			decisionPage("p3", " c-2 ", ""),
		}}, nil).Once()

	ds, err := m.Decisions(ctx)
	require.NoError(t, err)
	require.Len(t, ds, 2)
	assert.Equal(t, Decision{PageID: "p1", CandidateID: "c-1", Approve: true, Reviewer: "jane"}, ds[0])
	assert.Equal(t, Decision{PageID: "p3", CandidateID: "c-2"}, ds[1])
	mc.AssertExpectations(t)
}

func TestDecisions_QueryError(t *testing.T) {
	mc := new(mockNotion)
	ctx := context.Background()
	mc.On("QueryDatabase", ctx, "db-review", mock.Anything).Return(nil, assert.AnError).Once()

	_, err := NewNotionMirror(mc, "db-review").Decisions(ctx)
	assert.ErrorContains(t, err, "review: read decisions")
}
