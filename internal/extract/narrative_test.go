package extract

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tariff-cli/internal/chunk"
	"github.com/sells-group/tariff-cli/internal/cost"
	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/pkg/anthropic"
)

type mockClaude struct {
	mock.Mock
}

func (m *mockClaude) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

func textResponse(text string, inputTokens int64) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: text}},
		Usage:   anthropic.TokenUsage{InputTokens: inputTokens, OutputTokens: 100},
	}
}

const noticeChunk = "II. Modification\n" +
	"Effective March 4, 2025, products of 8544.42.90 are subject to an additional 25 percent duty under 9903.88.03.\n" +
	"Other text."

func narrativeInput(chunks ...chunk.Chunk) Input {
	return Input{
		JobID:    11,
		Version:  model.SourceVersion{ID: 4},
		Chunks:   chunks,
		Programs: testPrograms(),
	}
}

func TestNarrativeExtractor_ParsesCandidates(t *testing.T) {
	client := &mockClaude{}
	answer := "Here you go:\n```json\n[" +
		`{"kind":"rate","hts":"8544.42.90","program_code":"9903.88.03","role":"impose",` +
		`"schedule":[{"rate":25,"start":"2025-03-04","end":null}],` +
		`"quote":"products of 8544.42.90 are subject to an additional 25 percent duty","line_start":2,"line_end":2,"confidence":0.99},` +
		`{"kind":"rate","hts":"7308.90.95","program_code":"9903.81.91","schedule":[{"rate":50,"start":"2025-06-04"}],` +
		`"quote":"steel at 50 percent","line_start":9,"line_end":9,"confidence":0.8}` +
		"]\n```"
	client.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return req.Model == "claude-test" && len(req.System) == 1 &&
			len(req.Messages) == 1 && req.Messages[0].Role == "user" &&
			strings.Contains(req.Messages[0].Content, "L2| Effective March 4, 2025") &&
			strings.Contains(req.Messages[0].Content, "Section: II. Modification")
	})).Return(textResponse(answer, 1000), nil).Once()

	ex := NewNarrativeExtractor(client, NarrativeOptions{Model: "claude-test"}, nil)
	ch := chunk.Chunk{Index: 0, LineStart: 1, LineEnd: 3, Heading: "II. Modification", Text: noticeChunk}

	cands, err := ex.Extract(context.Background(), narrativeInput(ch))
	require.NoError(t, err)
	require.Len(t, cands, 1, "item citing line 9 lies outside the chunk")

	c := cands[0]
	assert.Equal(t, model.CandidateRate, c.Kind)
	assert.Equal(t, "85444290", c.HTS)
	assert.Equal(t, "s301", c.ProgramID)
	assert.Equal(t, model.RoleImpose, c.Role)
	assert.Equal(t, 2, c.LineStart)
	assert.Equal(t, "25 percent", c.RateToken)
	assert.InDelta(t, narrativeMaxConfidence, c.Confidence, 1e-9)
	assert.Equal(t, NarrativeExtractorName, c.Extractor)
	assert.Equal(t, int64(11), c.JobID)
	assert.Equal(t, int64(4), c.SourceVersionID)
	require.Len(t, c.Schedule, 1)
	assert.Equal(t, model.MustDate("2025-03-04"), c.Schedule[0].Start)
	client.AssertExpectations(t)
}

func TestNarrativeExtractor_SkipsChunksWithoutSignal(t *testing.T) {
	client := &mockClaude{}
	ex := NewNarrativeExtractor(client, NarrativeOptions{Model: "claude-test"}, nil)

	ch := chunk.Chunk{LineStart: 1, LineEnd: 2, Text: "Background\nThe agency received comments."}
	cands, err := ex.Extract(context.Background(), narrativeInput(ch))
	require.NoError(t, err)
	assert.Empty(t, cands)
	client.AssertNotCalled(t, "CreateMessage", mock.Anything, mock.Anything)
}

func TestNarrativeExtractor_StopsAtBudget(t *testing.T) {
	client := &mockClaude{}
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(textResponse("[]", 1_000_000), nil).Once()

	tracker := cost.NewTracker(cost.NewCalculator(map[string]cost.ModelRate{
		"claude-test": {Input: 3, Output: 15},
	}), 1.0)
	ex := NewNarrativeExtractor(client, NarrativeOptions{Model: "claude-test"}, tracker)

	first := chunk.Chunk{Index: 0, LineStart: 1, LineEnd: 3, Text: noticeChunk}
	second := chunk.Chunk{Index: 1, LineStart: 4, LineEnd: 6, Text: noticeChunk}
	_, err := ex.Extract(context.Background(), narrativeInput(first, second))
	require.NoError(t, err)

	client.AssertNumberOfCalls(t, "CreateMessage", 1)
	jc := tracker.Job(11)
	assert.True(t, jc.BudgetExceeded)
	assert.Equal(t, 1, jc.Calls)
	assert.Greater(t, jc.CostUSD, 3.0)
}

func TestNarrativeExtractor_UnparseableAnswerSkipsChunk(t *testing.T) {
	client := &mockClaude{}
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(textResponse("I could not find anything.", 10), nil).Once()

	ex := NewNarrativeExtractor(client, NarrativeOptions{Model: "claude-test"}, nil)
	cands, err := ex.Extract(context.Background(), narrativeInput(chunk.Chunk{LineStart: 1, LineEnd: 3, Text: noticeChunk}))
	require.NoError(t, err)
	assert.Empty(t, cands)
}

func TestNarrativeExtractor_ClientError(t *testing.T) {
	client := &mockClaude{}
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, errors.New("overloaded")).Once()

	ex := NewNarrativeExtractor(client, NarrativeOptions{Model: "claude-test"}, nil)
	_, err := ex.Extract(context.Background(), narrativeInput(chunk.Chunk{LineStart: 1, LineEnd: 3, Text: noticeChunk}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overloaded")
}

func TestNarrativeItem_Kinds(t *testing.T) {
	ch := chunk.Chunk{LineStart: 1, LineEnd: 5}
	programs := newProgramIndex(testPrograms())

	excl := narrativeItem{
		Kind: "exclusion", HTS: "8544.42.90", ProgramCode: "9903.88.69", Role: "impose",
		Schedule: []narrativeWindow{{Start: "2025-01-01"}}, Quote: "q", LineStart: 1, LineEnd: 1,
	}
	c, ok := excl.candidate(ch, programs)
	require.True(t, ok)
	assert.Equal(t, model.RoleExclude, c.Role)
	assert.Equal(t, "s301", c.ProgramID)

	change := narrativeItem{
		Kind: "hts_change", HTS: "8544.42.90", ReplacedBy: "8544.42.91",
		Schedule: []narrativeWindow{{Start: "2026-07-01"}}, Quote: "q", LineStart: 2, LineEnd: 3,
	}
	c, ok = change.candidate(ch, programs)
	require.True(t, ok)
	assert.Equal(t, "85444291", c.ReplacedBy)

	bad := change
	bad.Kind = "guess"
	_, ok = bad.candidate(ch, programs)
	assert.False(t, ok)

	noDate := change
	noDate.Schedule = []narrativeWindow{{Start: "soon"}}
	_, ok = noDate.candidate(ch, programs)
	assert.False(t, ok)
}
