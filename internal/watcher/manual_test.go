package watcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/internal/queue"
)

func TestSubmission_Descriptor(t *testing.T) {
	now := time.Date(2025, 3, 5, 14, 0, 0, 0, time.UTC)
	d, err := Submission{
		URL:  " https://content.govdelivery.test/bulletins/64000000 ",
		Tier: model.TierGuidance,
	}.Descriptor(now)
	require.NoError(t, err)

	assert.Equal(t, ManualSource, d.Source)
	assert.Equal(t, "https://content.govdelivery.test/bulletins/64000000", d.ExternalID)
	assert.Equal(t, []string{d.ExternalID}, d.URLs)
	assert.Equal(t, now, d.PublishedAt)
	assert.Len(t, d.ContentHash, 64)
}

func TestSubmission_DescriptorRejects(t *testing.T) {
	now := time.Now()
	_, err := Submission{URL: "bulletin.pdf", Tier: model.TierGuidance}.Descriptor(now)
	assert.ErrorContains(t, err, "not absolute")

	_, err = Submission{URL: "https://x.test/a.pdf", Tier: "rumor"}.Descriptor(now)
	assert.ErrorContains(t, err, "unknown tier")
}

func TestSubmit_Deduplicates(t *testing.T) {
	q := queue.NewMemory(queue.Options{})
	published := model.MustDate("2025-03-04")
	s := Submission{
		Source:      CSMSName,
		ExternalID:  "64000000",
		URL:         "https://content.govdelivery.test/bulletins/64000000",
		Tier:        model.TierGuidance,
		PublishedAt: published,
	}

	job, created, err := Submit(context.Background(), q, s, time.Now())
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, CSMSName, job.Source)

	again, created, err := Submit(context.Background(), q, s, time.Now())
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, job.ID, again.ID)

	s.EffectiveAt = model.MustDate("2025-03-12")
	_, created, err = Submit(context.Background(), q, s, time.Now())
	require.NoError(t, err)
	assert.True(t, created, "a changed effective date is a new version")
}
