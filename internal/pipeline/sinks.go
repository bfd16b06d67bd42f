package pipeline

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/PulsePipe/pulsepipe/internal/model"
)

// Downstream collaborators. The pipeline treats them as black boxes and
// forwards a record only after de-identification completes. All three
// must be provided together or not at all.

// Chunk is one embeddable slice of a de-identified record.
type Chunk struct {
	ID       string
	Text     string
	Metadata map[string]string
}

// Chunker splits canonical content into chunks.
type Chunker interface {
	Chunk(content model.Content) []Chunk
}

// Embedding is the vector for one chunk.
type Embedding struct {
	ChunkID string
	Vector  []float32
}

// Embedder turns chunks into vectors.
type Embedder interface {
	Embed(ctx context.Context, chunks []Chunk) ([]Embedding, error)
}

// VectorStore persists embeddings keyed by pipeline name.
type VectorStore interface {
	Upsert(ctx context.Context, pipeline string, embs []Embedding) error
}

// export pushes one completed record through the chunk-embed-store path.
// A nil chunker means no downstream stage is configured.
func (e *Engine) export(ctx context.Context, content model.Content) error {
	if e.chunker == nil {
		return nil
	}
	chunks := e.chunker.Chunk(content)
	if len(chunks) == 0 {
		return nil
	}
	embs, err := e.embedder.Embed(ctx, chunks)
	if err != nil {
		return eris.Wrap(err, "pipeline: embed")
	}
	if err := e.vstore.Upsert(ctx, e.name, embs); err != nil {
		return eris.Wrap(err, "pipeline: vector upsert")
	}
	return nil
}
