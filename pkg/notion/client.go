// Package notion wraps the Notion API calls used by the review mirror.
package notion

import (
	"context"
	"errors"
	"time"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/tariff-cli/internal/resilience"
)

// Client is the part of the Notion API the review mirror uses.
type Client interface {
	QueryDatabase(ctx context.Context, dbID string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error)
	CreatePage(ctx context.Context, req *notionapi.PageCreateRequest) (*notionapi.Page, error)
	UpdatePage(ctx context.Context, pageID string, req *notionapi.PageUpdateRequest) (*notionapi.Page, error)
}

type databases interface {
	Query(ctx context.Context, id notionapi.DatabaseID, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error)
}

type pages interface {
	Create(ctx context.Context, req *notionapi.PageCreateRequest) (*notionapi.Page, error)
	Update(ctx context.Context, id notionapi.PageID, req *notionapi.PageUpdateRequest) (*notionapi.Page, error)
}

// ClientOption configures the client.
type ClientOption func(*client)

// WithRateLimit overrides the 3 req/s throttle. rps <= 0 disables it.
func WithRateLimit(rps float64) ClientOption {
	return func(c *client) {
		c.limiter = nil
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
		}
	}
}

// WithRetry replaces the retry policy applied to rate-limited and 5xx
// responses.
func WithRetry(p resilience.Policy) ClientOption {
	return func(c *client) { c.retry = p }
}

type client struct {
	db      databases
	pages   pages
	limiter *rate.Limiter
	retry   resilience.Policy
}

// NewClient creates a client for an integration token. Calls are throttled
// to Notion's 3 req/s and retried on 429 and 5xx.
func NewClient(token string, opts ...ClientOption) Client {
	api := notionapi.NewClient(notionapi.Token(token))
	return newClient(api.Database, api.Page, opts...)
}

func newClient(db databases, p pages, opts ...ClientOption) *client {
	c := &client{
		db:      db,
		pages:   p,
		limiter: rate.NewLimiter(3, 1),
		retry:   resilience.Policy{Attempts: 4, Base: time.Second, Max: 30 * time.Second, Jitter: 0.25},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.retry.Retryable = retryable
	return c
}

// retryable reports whether Notion asked us to come back later.
func retryable(err error) bool {
	var apiErr *notionapi.Error
	if errors.As(err, &apiErr) {
		return resilience.TransientStatus(apiErr.Status)
	}
	return resilience.IsTransient(err)
}

func call[T any](ctx context.Context, c *client, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	p := c.retry
	p.OnRetry = func(attempt int, err error, wait time.Duration) {
		zap.L().Warn("notion: retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}
	return resilience.RetryVal(ctx, p, func(ctx context.Context) (T, error) {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				var zero T
				return zero, eris.Wrap(err, "notion: rate limit")
			}
		}
		return fn(ctx)
	})
}

func (c *client) QueryDatabase(ctx context.Context, dbID string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error) {
	resp, err := call(ctx, c, "query", func(ctx context.Context) (*notionapi.DatabaseQueryResponse, error) {
		return c.db.Query(ctx, notionapi.DatabaseID(dbID), req)
	})
	return resp, eris.Wrapf(err, "notion: query database %s", dbID)
}

func (c *client) CreatePage(ctx context.Context, req *notionapi.PageCreateRequest) (*notionapi.Page, error) {
	page, err := call(ctx, c, "create", func(ctx context.Context) (*notionapi.Page, error) {
		return c.pages.Create(ctx, req)
	})
	return page, eris.Wrap(err, "notion: create page")
}

func (c *client) UpdatePage(ctx context.Context, pageID string, req *notionapi.PageUpdateRequest) (*notionapi.Page, error) {
	page, err := call(ctx, c, "update", func(ctx context.Context) (*notionapi.Page, error) {
		return c.pages.Update(ctx, notionapi.PageID(pageID), req)
	})
	return page, eris.Wrapf(err, "notion: update page %s", pageID)
}
