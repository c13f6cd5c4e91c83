package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func percentRequest(value int64, contents ...Content) Request {
	req := scenarioRequest()
	req.ValueCents = value
	req.Composition = contents
	return req
}

func TestNormalize_PercentSharesCoverValueExactly(t *testing.T) {
	tests := []struct {
		name     string
		value    int64
		contents []Content
		want     map[string]int64
	}{
		{"halves of three cents", 3, []Content{{Key: "copper", Percent: 50}, {Key: "steel", Percent: 50}},
			map[string]int64{"copper": 2, "steel": 1}},
		{"thirds", 100, []Content{{Key: "aluminum", Percent: 100.0 / 3}, {Key: "copper", Percent: 100.0 / 3}, {Key: "steel", Percent: 100.0 / 3}},
			map[string]int64{"aluminum": 34, "copper": 33, "steel": 33}},
		{"partial share", 1_001, []Content{{Key: "copper", Percent: 25}},
			map[string]int64{"copper": 250}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := Normalize(context.Background(), scenarioSource(), percentRequest(tt.value, tt.contents...))
			require.NoError(t, err)

			var sum int64
			for key, want := range tt.want {
				got, ok := q.ContentValue(key)
				require.True(t, ok)
				assert.Equal(t, want, got, key)
				sum += got
			}
			assert.LessOrEqual(t, sum, tt.value)
		})
	}
}

func TestNormalize_FullPercentCompositionPlansExactSlices(t *testing.T) {
	q, err := Normalize(context.Background(), scenarioSource(),
		percentRequest(3, Content{Key: "copper", Percent: 50}, Content{Key: "steel", Percent: 50}))
	require.NoError(t, err)

	plan, err := PlanSlices(q, []string{"copper", "steel"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), plan.Total())
	residual, ok := plan.Slice(ResidualKey)
	require.True(t, ok)
	assert.Zero(t, residual.ValueCents)
}

func TestNormalize_PercentOverHundredRejected(t *testing.T) {
	_, err := Normalize(context.Background(), scenarioSource(),
		percentRequest(1_000, Content{Key: "copper", Percent: 60}, Content{Key: "steel", Percent: 41}))
	var ve *ValidationError
	require.True(t, errors.As(err, &ve), "got %v", err)
	assert.Equal(t, "composition", ve.Field)
}

func TestNormalize_MixedDeclarationsOverValueRejected(t *testing.T) {
	_, err := Normalize(context.Background(), scenarioSource(),
		percentRequest(1_000, Content{Key: "copper", Percent: 60}, Content{Key: "steel", ValueCents: 500}))
	var ve *ValidationError
	require.True(t, errors.As(err, &ve), "got %v", err)
	assert.Equal(t, "composition", ve.Field)
}
