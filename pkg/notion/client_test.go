package notion

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jomei/notionapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tariff-cli/internal/resilience"
)

// MockClient implements Client for testing.
type MockClient struct {
	mock.Mock
}

func (m *MockClient) QueryDatabase(ctx context.Context, dbID string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error) {
	args := m.Called(ctx, dbID, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*notionapi.DatabaseQueryResponse), args.Error(1)
}

func (m *MockClient) CreatePage(ctx context.Context, req *notionapi.PageCreateRequest) (*notionapi.Page, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*notionapi.Page), args.Error(1)
}

func (m *MockClient) UpdatePage(ctx context.Context, pageID string, req *notionapi.PageUpdateRequest) (*notionapi.Page, error) {
	args := m.Called(ctx, pageID, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*notionapi.Page), args.Error(1)
}

type fakeDatabases struct {
	errs  []error
	calls int
}

func (f *fakeDatabases) Query(_ context.Context, id notionapi.DatabaseID, _ *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error) {
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	return &notionapi.DatabaseQueryResponse{Results: []notionapi.Page{{ID: notionapi.ObjectID(id + "-p1")}}}, nil
}

type fakePages struct {
	updated []notionapi.PageID
	err     error
}

func (f *fakePages) Create(_ context.Context, _ *notionapi.PageCreateRequest) (*notionapi.Page, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &notionapi.Page{ID: "new-page"}, nil
}

func (f *fakePages) Update(_ context.Context, id notionapi.PageID, _ *notionapi.PageUpdateRequest) (*notionapi.Page, error) {
	f.updated = append(f.updated, id)
	return &notionapi.Page{ID: notionapi.ObjectID(id)}, f.err
}

func testClient(db databases, p pages) *client {
	return newClient(db, p, WithRateLimit(0), WithRetry(resilience.Policy{Attempts: 3, Base: time.Millisecond}))
}

func TestClient_RetriesRateLimited(t *testing.T) {
	db := &fakeDatabases{errs: []error{
		&notionapi.Error{Status: 429, Code: "rate_limited", Message: "slow down"},
		&notionapi.Error{Status: 502, Message: "bad gateway"},
	}}
	resp, err := testClient(db, &fakePages{}).QueryDatabase(context.Background(), "db-review", &notionapi.DatabaseQueryRequest{})
	require.NoError(t, err)
	assert.Equal(t, 3, db.calls)
	assert.Equal(t, notionapi.ObjectID("db-review-p1"), resp.Results[0].ID)
}

func TestClient_DoesNotRetryValidationErrors(t *testing.T) {
	db := &fakeDatabases{errs: []error{&notionapi.Error{Status: 400, Code: "validation_error", Message: "bad filter"}}}
	_, err := testClient(db, &fakePages{}).QueryDatabase(context.Background(), "db-review", &notionapi.DatabaseQueryRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "query database db-review")
	assert.Equal(t, 1, db.calls)
}

func TestClient_CreateAndUpdate(t *testing.T) {
	p := &fakePages{}
	c := testClient(&fakeDatabases{}, p)

	page, err := c.CreatePage(context.Background(), &notionapi.PageCreateRequest{})
	require.NoError(t, err)
	assert.Equal(t, notionapi.ObjectID("new-page"), page.ID)

	_, err = c.UpdatePage(context.Background(), "page-7", &notionapi.PageUpdateRequest{})
	require.NoError(t, err)
	assert.Equal(t, []notionapi.PageID{"page-7"}, p.updated)

	p.err = errors.New("archived")
	_, err = c.CreatePage(context.Background(), &notionapi.PageCreateRequest{})
	assert.ErrorContains(t, err, "notion: create page")
}

func TestClient_RateLimitHonorsContext(t *testing.T) {
	c := newClient(&fakeDatabases{}, &fakePages{}, WithRateLimit(0.001))
	ctx, cancel := context.WithCancel(context.Background())
	_, err := c.QueryDatabase(ctx, "db", &notionapi.DatabaseQueryRequest{})
	require.NoError(t, err, "the first call uses the burst")

	cancel()
	_, err = c.QueryDatabase(ctx, "db", &notionapi.DatabaseQueryRequest{})
	assert.ErrorContains(t, err, "rate limit")
}

func TestNewClient(t *testing.T) {
	var c Client = NewClient("secret_token")
	assert.NotNil(t, c)
}
