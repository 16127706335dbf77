package providers

import (
	"context"

	"golang.org/x/sync/singleflight"
)

// DedupedEmbedder wraps an Embedder so concurrent Embed calls for the
// same content hash share one underlying provider call instead of firing
// N identical requests — the in-memory half of the embedding cache;
// the durable half lives in the vectorstore record itself (re-embedding a
// key whose vector already exists is a no-op at the keeper layer).
type DedupedEmbedder struct {
	Embedder
	group singleflight.Group
}

// NewDedupedEmbedder wraps inner.
func NewDedupedEmbedder(inner Embedder) *DedupedEmbedder {
	return &DedupedEmbedder{Embedder: inner}
}

// Embed dedups concurrent calls keyed by text itself. Use EmbedKeyed
// when the caller already knows a shorter key such as the content hash.
func (d *DedupedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return d.EmbedKeyed(ctx, text, text)
}

// EmbedKeyed dedups on an explicit key (typically the content hash)
// rather than re-deriving one from text.
func (d *DedupedEmbedder) EmbedKeyed(ctx context.Context, key, text string) ([]float32, error) {
	v, err, _ := d.group.Do(key, func() (any, error) {
		return d.Embedder.Embed(ctx, text)
	})
	if err != nil {
		return nil, err
	}
	return v.([]float32), nil
}
