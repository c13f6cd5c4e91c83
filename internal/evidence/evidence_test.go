package evidence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tariff-cli/internal/model"
)

const doc = "Heading\n9903.88.03 applies an additional 25 percent\nad valorem duty to 8544.42.90.\nFooter"

func input() Input {
	return Input{
		SourceVersionID: 4,
		DocumentHash:    "abc",
		CanonicalText:   doc,
		LineStart:       2,
		LineEnd:         3,
		Quote:           "additional 25 percent ad valorem duty",
		Claims:          model.EvidenceClaims{HTS: "85444290", Rate: model.Rate(25), EffectiveStart: model.MustDate("2018-09-24")},
		Confidence:      0.97,
		Validator:       "table",
	}
}

func TestBuild(t *testing.T) {
	ev, err := Build(input())
	require.NoError(t, err)
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, int64(4), ev.SourceVersionID)
	assert.Equal(t, 2, ev.LineStart)

	again, err := Build(input())
	require.NoError(t, err)
	assert.Equal(t, ev.ID, again.ID, "identical content yields the same id")

	other := input()
	other.LineEnd = 4
	moved, err := Build(other)
	require.NoError(t, err)
	assert.NotEqual(t, ev.ID, moved.ID)
}

func TestBuild_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Input)
	}{
		{"empty quote", func(in *Input) { in.Quote = "  " }},
		{"no hash", func(in *Input) { in.DocumentHash = "" }},
		{"quote outside lines", func(in *Input) { in.LineStart, in.LineEnd = 1, 1 }},
		{"paraphrase", func(in *Input) { in.Quote = "extra 25 percent duty" }},
		{"range past end", func(in *Input) { in.LineEnd = 9 }},
		{"inverted range", func(in *Input) { in.LineStart, in.LineEnd = 3, 2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := input()
			tt.mutate(&in)
			_, err := Build(in)
			assert.Error(t, err)
		})
	}
}

func TestVerify(t *testing.T) {
	ev, err := Build(input())
	require.NoError(t, err)

	sv := model.SourceVersion{ID: 4, ContentHash: "abc", CanonicalText: doc}
	assert.NoError(t, Verify(ev, sv))

	tampered := sv
	tampered.CanonicalText = "Heading\n9903.88.03 applies an additional 20 percent\nad valorem duty.\nFooter"
	assert.Error(t, Verify(ev, tampered))

	rehashed := sv
	rehashed.ContentHash = "def"
	assert.Error(t, Verify(ev, rehashed))

	wrongDoc := sv
	wrongDoc.ID = 5
	assert.Error(t, Verify(ev, wrongDoc))

	unrendered := sv
	unrendered.CanonicalText = ""
	assert.Error(t, Verify(ev, unrendered))
}

func TestSpan(t *testing.T) {
	s, err := Span("a\r\nb\nc", 2, 3)
	require.NoError(t, err)
	assert.Equal(t, "b\nc", s)

	_, err = Span("a", 0, 1)
	assert.Error(t, err)
}

func TestCollapseSpace(t *testing.T) {
	assert.Equal(t, "a b c", CollapseSpace("  a\n\tb   c "))
}
