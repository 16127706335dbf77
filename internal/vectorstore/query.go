package vectorstore

import (
	"math"
	"sort"
	"time"

	"github.com/starford/noesis/internal/types"
)

// QueryOptions narrows a nearest-neighbor scan. TagFilter is an AND of
// equalities; an empty value means key-presence only. Since/Until filter on the record's UpdatedAt.
type QueryOptions struct {
	TagFilter    types.Tags
	Since, Until *time.Time
	Limit        int
	ExcludeKey   string
}

// ScoredRecord is a query hit carrying its raw cosine similarity.
type ScoredRecord struct {
	Record
	Cosine float64
}

// Query runs a cosine-similarity nearest-neighbor scan over vectors that
// survive the tag and time pre-filter. Filtering happens before
// scoring, not after, so it is a correctness feature — tags are used for
// tenant isolation — not merely a performance shortcut.
func (s *Store) Query(vector []float32, opts QueryOptions) ([]ScoredRecord, error) {
	s.cacheMu.RLock()
	cache := s.cache
	s.cacheMu.RUnlock()

	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}

	var candidates []ScoredRecord
	for _, e := range cache {
		if e.key == opts.ExcludeKey {
			continue
		}
		if !e.tags.MatchesFilter(opts.TagFilter) {
			continue
		}
		if opts.Since != nil || opts.Until != nil {
			updated, err := types.ParseTime(e.updated)
			if err != nil {
				continue
			}
			if opts.Since != nil && updated.Before(*opts.Since) {
				continue
			}
			if opts.Until != nil && updated.After(*opts.Until) {
				continue
			}
		}
		if len(e.vector) != len(vector) {
			continue
		}
		cos := cosineSimilarity(vector, e.vector)
		candidates = append(candidates, ScoredRecord{
			Record: Record{Key: e.key, Vector: e.vector, Summary: e.summary, Tags: e.tags, UpdatedAt: e.updated},
			Cosine: cos,
		})
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Cosine > candidates[j].Cosine })
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

// QueryByKey looks up the vector stored at key and runs Query with it,
// automatically excluding the key itself from the results.
func (s *Store) QueryByKey(key string, opts QueryOptions) ([]ScoredRecord, error) {
	rec, err := s.Get(key)
	if err != nil {
		return nil, err
	}
	if opts.ExcludeKey == "" {
		opts.ExcludeKey = key
	}
	return s.Query(rec.Vector, opts)
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return dot / denom
}

// EffectiveScore applies the recency decay to a raw cosine
// score: cosine * 0.5^(elapsed/halfLife).
func EffectiveScore(cosine float64, elapsed, halfLife time.Duration) float64 {
	return cosine * types.DecayFactor(elapsed, halfLife)
}
