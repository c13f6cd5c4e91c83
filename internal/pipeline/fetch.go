package pipeline

import (
	"context"
	"mime"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-cli/internal/blob"
	"github.com/sells-group/tariff-cli/internal/fetcher"
	"github.com/sells-group/tariff-cli/internal/model"
)

// maxUnpackedBytes bounds the file extracted from a ZIP download.
const maxUnpackedBytes = 256 << 20

// fetch downloads the first reachable URL, unwraps a single-file ZIP,
// stores the bytes under their hash and records the source version. A body
// already recorded by another job short-circuits the rest of the pipeline;
// reprocessing jobs (with a parent) and retries of this job continue.
func (p *Pipeline) fetch(ctx context.Context, jc JobContext) (JobContext, error) {
	job := jc.Job()
	log := zap.L().With(zap.String("component", "pipeline.fetch"), zap.Int64("job_id", job.ID))

	doc, err := p.download(ctx, job.URLs)
	if err != nil {
		return jc, err
	}
	if doc, err = fetcher.Unpack(doc, maxUnpackedBytes); err != nil {
		return jc, permanent(StageFetch, err)
	}
	hash := blob.Hash(doc.Body)
	key := blob.Key(hash)
	mediaType := mediaTypeOf(doc.ContentType)

	if err := p.deps.Blobs.Put(ctx, key, doc.Body, mediaType); err != nil {
		return jc, retryable(StageFetch, eris.Wrap(err, "store raw artifact"))
	}

	sv, created, err := p.deps.Store.CreateSourceVersion(ctx, model.SourceVersion{
		Source:      job.Source,
		ExternalID:  job.ExternalID,
		ContentHash: hash,
		URL:         doc.URL,
		Tier:        job.Tier,
		BlobKey:     key,
		SizeBytes:   int64(len(doc.Body)),
		PublishedAt: job.PublishedAt,
		FetchedAt:   time.Now().UTC(),
	})
	if err != nil {
		return jc, retryable(StageFetch, eris.Wrap(err, "record source version"))
	}
	if err := p.deps.Queue.AttachSourceVersion(ctx, job.ID, sv.ID); err != nil {
		return jc, retryable(StageFetch, err)
	}

	ownRetry := job.SourceVersionID != nil && *job.SourceVersionID == sv.ID
	if !created && !ownRetry && job.ParentJobID == nil {
		log.Info("document already recorded", zap.Int64("source_version_id", sv.ID), zap.String("hash", hash))
		return jc.withUnchanged(sv), nil
	}

	log.Info("document fetched",
		zap.String("url", doc.URL),
		zap.Int("bytes", len(doc.Body)),
		zap.String("hash", hash),
		zap.Bool("new_version", created),
	)
	return jc.withFetched(doc.Body, mediaType, sv), nil
}

// download tries each URL in order. A transient failure on any URL makes
// the whole fetch retryable; only when every URL fails permanently is the
// job failed for good.
func (p *Pipeline) download(ctx context.Context, urls []string) (*fetcher.Document, error) {
	if len(urls) == 0 {
		return nil, permanent(StageFetch, eris.New("job has no urls"))
	}
	var (
		lastErr   error
		transient bool
	)
	for _, u := range urls {
		doc, err := p.deps.Fetcher.Fetch(ctx, u)
		if err == nil {
			if len(doc.Body) == 0 {
				lastErr = eris.Errorf("empty body from %s", u)
				continue
			}
			return doc, nil
		}
		if ctx.Err() != nil {
			return nil, retryable(StageFetch, ctx.Err())
		}
		zap.L().Debug("pipeline: url failed", zap.String("url", u), zap.Error(err))
		lastErr = err
		if !fetcher.IsPermanent(err) {
			transient = true
		}
	}
	if transient {
		return nil, retryable(StageFetch, lastErr)
	}
	return nil, permanent(StageFetch, lastErr)
}

func mediaTypeOf(contentType string) string {
	if contentType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return contentType
	}
	return mt
}
