package pipeline

import (
	"github.com/sells-group/tariff-cli/internal/chunk"
	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/internal/render"
)

// JobContext is the state one job accumulates as it moves through the
// stages. Stages never mutate a JobContext; each returns a new one with
// its own output filled in.
type JobContext struct {
	job        model.IngestJob
	body       []byte
	mediaType  string
	version    *model.SourceVersion
	doc        *render.Document
	chunks     []chunk.Chunk
	candidates []model.Candidate
	decisions  map[string]Decision
	// unchanged is set when the fetched document is already known and the
	// job has nothing left to do.
	unchanged bool
}

// NewJobContext starts a context for a claimed job.
func NewJobContext(job model.IngestJob) JobContext {
	return JobContext{job: job}
}

func (jc JobContext) Job() model.IngestJob { return jc.job }
func (jc JobContext) Version() *model.SourceVersion { return jc.version }
func (jc JobContext) Document() *render.Document { return jc.doc }
func (jc JobContext) Chunks() []chunk.Chunk { return jc.chunks }
func (jc JobContext) Candidates() []model.Candidate { return jc.candidates }
func (jc JobContext) Decision(id string) (Decision, bool) {
	d, ok := jc.decisions[id]
	return d, ok
}

// Unchanged reports whether fetch found a document that was already
// processed.
func (jc JobContext) Unchanged() bool { return jc.unchanged }

func (jc JobContext) withFetched(body []byte, mediaType string, sv *model.SourceVersion) JobContext {
	jc.body = body
	jc.mediaType = mediaType
	v := *sv
	jc.version = &v
	return jc
}

func (jc JobContext) withUnchanged(sv *model.SourceVersion) JobContext {
	v := *sv
	jc.version = &v
	jc.unchanged = true
	return jc
}

func (jc JobContext) withDocument(doc *render.Document) JobContext {
	jc.doc = doc
	v := *jc.version
	v.CanonicalText = doc.Text
	v.Format = string(doc.Format)
	v.Structured = doc.Structured
	jc.version = &v
	return jc
}

func (jc JobContext) withChunks(chunks []chunk.Chunk) JobContext {
	jc.chunks = append([]chunk.Chunk(nil), chunks...)
	return jc
}

func (jc JobContext) withCandidates(cands []model.Candidate) JobContext {
	jc.candidates = append([]model.Candidate(nil), cands...)
	return jc
}

func (jc JobContext) withDecisions(decisions map[string]Decision) JobContext {
	cp := make(map[string]Decision, len(decisions))
	for k, v := range decisions {
		cp[k] = v
	}
	jc.decisions = cp
	return jc
}
