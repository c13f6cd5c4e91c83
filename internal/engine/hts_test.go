package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tariff-cli/internal/model"
)

func TestNormalizeHTS(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"8544.42.9090", "8544429090", false},
		{" 8544-42-90 ", "85444290", false},
		{"8544 42 9090", "8544429090", false},
		{"854442", "", true},
		{"8544.42.90901", "", true},
		{"8544.4A.9090", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizeHTS(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				var ve *ValidationError
				assert.ErrorAs(t, err, &ve)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatHTS(t *testing.T) {
	assert.Equal(t, "8544.42.9090", FormatHTS("8544429090"))
	assert.Equal(t, "8544.42.90", FormatHTS("85444290"))
	assert.Equal(t, "8544.42", FormatHTS("854442"))
	assert.Equal(t, "85", FormatHTS("85"))
}

func TestMatchHTS(t *testing.T) {
	assert.True(t, MatchHTS("8544", "8544429090", model.MatchPrefix))
	assert.False(t, MatchHTS("8544", "8544429090", model.MatchExact))
	assert.True(t, MatchHTS("8544429090", "8544429090", model.MatchExact))
	// The query code is never shortened to fit a longer pattern.
	assert.False(t, MatchHTS("8544429090", "85444290", model.MatchPrefix))
}

func TestHTSPrefixes(t *testing.T) {
	assert.Equal(t, []string{"", "8", "85", "854"}, HTSPrefixes("854"))
	assert.Equal(t, []string{"85444290"}, MatchCandidates("85444290", model.MatchExact))
	assert.Len(t, MatchCandidates("85444290", model.MatchPrefix), 9)
}

func TestNormalizeHTSPrefix(t *testing.T) {
	for _, tc := range []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{raw: "85", want: "85"},
		{raw: "8544", want: "8544"},
		{raw: "8544.42", want: "854442"},
		{raw: "8544.42.90", want: "85444290"},
		{raw: "8544.42.9090", want: "8544429090"},
		{raw: "854", wantErr: true},
		{raw: "85a4", wantErr: true},
		{raw: "", wantErr: true},
	} {
		got, err := NormalizeHTSPrefix(tc.raw)
		if tc.wantErr {
			assert.Error(t, err, tc.raw)
			continue
		}
		assert.NoError(t, err, tc.raw)
		assert.Equal(t, tc.want, got)
	}
}
