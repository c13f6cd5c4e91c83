package anthropic

import "strings"

// Role is the author of a conversational turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// CacheTTL is the lifetime of a prompt cache breakpoint. The zero value
// places no breakpoint.
type CacheTTL string

const (
	CacheOff   CacheTTL = ""
	Cache5Min  CacheTTL = "5m"
	CacheOneHr CacheTTL = "1h"
)

// MessageRequest is one Messages API call.
type MessageRequest struct {
	Model       string
	MaxTokens   int64
	System      []SystemBlock
	Messages    []Message
	Temperature *float64
}

// SystemBlock is a piece of the system prompt.
type SystemBlock struct {
	Text  string
	Cache CacheTTL
}

// CachedSystem returns a single system block with a cache breakpoint. Every
// chunk of a document is sent with the same instructions, so the prefix is
// written once and read back on later calls.
func CachedSystem(text string) []SystemBlock {
	return []SystemBlock{{Text: text, Cache: Cache5Min}}
}

// Message is a single conversational turn.
type Message struct {
	Role    Role
	Content string
}

// MessageResponse is the model's answer.
type MessageResponse struct {
	ID         string
	Model      string
	Content    []ContentBlock
	StopReason string
	Usage      TokenUsage
}

// ContentBlock is one block of a response. Only text blocks carry Text.
type ContentBlock struct {
	Type string
	Text string
}

// TokenUsage counts the tokens billed for a call.
type TokenUsage struct {
	InputTokens              int64
	OutputTokens             int64
	CacheCreationInputTokens int64
	CacheReadInputTokens     int64
}

// Text joins the text blocks of the response.
func (r *MessageResponse) Text() string {
	var sb strings.Builder
	for _, b := range r.Content {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// Truncated reports whether the answer stopped at the token limit.
func (r *MessageResponse) Truncated() bool {
	return r.StopReason == "max_tokens"
}
