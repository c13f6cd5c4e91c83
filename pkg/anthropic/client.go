// Package anthropic puts the Anthropic SDK behind a narrow Client interface
// so extraction code can be tested without network access.
package anthropic

import (
	"context"
	"errors"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-cli/internal/resilience"
)

// Client is the subset of the Messages API used by extraction.
type Client interface {
	CreateMessage(ctx context.Context, req MessageRequest) (*MessageResponse, error)
}

// messageService is the SDK surface the client calls.
type messageService interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

type settings struct {
	baseURL string
	retry   resilience.Policy
}

// Option configures NewClient.
type Option func(*settings)

// WithBaseURL points the client at another endpoint.
func WithBaseURL(u string) Option {
	return func(s *settings) { s.baseURL = u }
}

// WithRetry replaces the retry policy. The SDK's own retries are disabled
// so that overloaded and rate-limited calls back off in one place.
func WithRetry(p resilience.Policy) Option {
	return func(s *settings) { s.retry = p }
}

type client struct {
	messages messageService
	retry    resilience.Policy
}

// NewClient returns an SDK-backed client.
func NewClient(apiKey string, opts ...Option) Client {
	s := settings{retry: resilience.Policy{Attempts: 4, Base: 2 * time.Second, Max: time.Minute, Jitter: 0.25}}
	for _, o := range opts {
		o(&s)
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if s.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(s.baseURL))
	}
	sc := sdk.NewClient(reqOpts...)
	return newClient(&sc.Messages, s.retry)
}

func newClient(m messageService, p resilience.Policy) *client {
	log := zap.L().With(zap.String("component", "anthropic"))
	if p.OnRetry == nil {
		p.OnRetry = func(attempt int, err error, wait time.Duration) {
			log.Warn("message call failed, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
				zap.Error(err),
			)
		}
	}
	return &client{messages: m, retry: p}
}

func (c *client) CreateMessage(ctx context.Context, req MessageRequest) (*MessageResponse, error) {
	params := newParams(req)
	msg, err := resilience.RetryVal(ctx, c.retry, func(ctx context.Context) (*sdk.Message, error) {
		m, err := c.messages.New(ctx, params)
		if err != nil {
			return nil, classify(err)
		}
		return m, nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "anthropic: create message (%s)", req.Model)
	}
	return newResponse(msg), nil
}

// classify turns a retryable API status into a resilience.TransientError
// carrying any Retry-After hint.
func classify(err error) error {
	var apiErr *sdk.Error
	if !errors.As(err, &apiErr) || apiErr.Response == nil {
		return err
	}
	if te := resilience.FromResponse(apiErr.Response, err); te != nil {
		return te
	}
	return err
}

func newParams(req MessageRequest) sdk.MessageNewParams {
	p := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: req.MaxTokens,
		Messages:  make([]sdk.MessageParam, 0, len(req.Messages)),
	}
	for _, m := range req.Messages {
		block := sdk.NewTextBlock(m.Content)
		if m.Role == RoleAssistant {
			p.Messages = append(p.Messages, sdk.NewAssistantMessage(block))
		} else {
			p.Messages = append(p.Messages, sdk.NewUserMessage(block))
		}
	}
	for _, b := range req.System {
		tb := sdk.TextBlockParam{Text: b.Text}
		if b.Cache != CacheOff {
			cc := sdk.NewCacheControlEphemeralParam()
			cc.TTL = sdk.CacheControlEphemeralTTL(b.Cache)
			tb.CacheControl = cc
		}
		p.System = append(p.System, tb)
	}
	if req.Temperature != nil {
		p.Temperature = sdk.Float(*req.Temperature)
	}
	return p
}

func newResponse(msg *sdk.Message) *MessageResponse {
	out := &MessageResponse{
		ID:         msg.ID,
		Model:      string(msg.Model),
		StopReason: string(msg.StopReason),
		Usage: TokenUsage{
			InputTokens:              msg.Usage.InputTokens,
			OutputTokens:             msg.Usage.OutputTokens,
			CacheCreationInputTokens: msg.Usage.CacheCreationInputTokens,
			CacheReadInputTokens:     msg.Usage.CacheReadInputTokens,
		},
	}
	for _, b := range msg.Content {
		out.Content = append(out.Content, ContentBlock{Type: b.Type, Text: b.Text})
	}
	return out
}
