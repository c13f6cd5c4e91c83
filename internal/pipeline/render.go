package pipeline

import (
	"context"
	"net/url"
	"path"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-cli/internal/chunk"
)

// render converts the raw artifact to canonical line-numbered text and
// stores it on the source version. Rendering is deterministic, so a retry
// overwrites with identical text.
func (p *Pipeline) render(ctx context.Context, jc JobContext) (JobContext, error) {
	sv := jc.Version()
	doc, err := p.deps.Renderers.Render(ctx, jc.mediaType, fileName(sv.URL), jc.body)
	if err != nil {
		return jc, err
	}
	if err := p.deps.Store.SaveRender(ctx, sv.ID, string(doc.Format), doc.Text, doc.Structured); err != nil {
		return jc, retryable(StageRender, eris.Wrap(err, "save render"))
	}
	zap.L().Info("pipeline: document rendered",
		zap.Int64("job_id", jc.Job().ID),
		zap.String("format", string(doc.Format)),
		zap.Int("lines", len(doc.Lines())),
		zap.Int("tables", len(doc.Tables)),
	)
	return jc.withDocument(doc), nil
}

// chunk splits the canonical text into bounded spans for extraction.
func (p *Pipeline) chunk(_ context.Context, jc JobContext) (JobContext, error) {
	chunks := chunk.Split(jc.Document().Text, p.opts.Chunk)
	if len(chunks) == 0 {
		return jc, review(StageChunk, eris.New("document produced no chunks"))
	}
	return jc.withChunks(chunks), nil
}

func fileName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return path.Base(u.Path)
}
