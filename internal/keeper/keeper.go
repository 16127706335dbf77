// Package keeper is the orchestration facade: it is the only
// component that sees DocStore, VectorStore, PendingQueue, MetaResolver,
// and ProviderRouter together, and the only component that enforces the
// write protocol's invariants end to end.
package keeper

import (
	"context"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/noesis/internal/apperr"
	"github.com/starford/noesis/internal/docstore"
	"github.com/starford/noesis/internal/metaresolver"
	"github.com/starford/noesis/internal/providers"
	"github.com/starford/noesis/internal/queue"
	"github.com/starford/noesis/internal/types"
	"github.com/starford/noesis/internal/vectorstore"
)

// Config holds the per-deployment tunables: default/env tags merged into
// every write, the required-tags gate, summary truncation length, and
// the similar/meta/version block sizes used by Get.
type Config struct {
	DefaultTags      types.Tags
	EnvTags          types.Tags
	RequiredTags     []string
	MaxSummaryLength int
	SimilarLimit     int
	MetaLimit        int
	VersionNavLimit  int
	RecencyHalfLife  time.Duration
	FindCandidateCap int
	DeepFindBudget   int // characters; approximates tokens at chars/4
	DeepFindDepth    int
}

// Validate rejects a Config with settings that would make the write/read
// protocols behave inconsistently.
func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.MaxSummaryLength, validation.Min(1)),
		validation.Field(&c.SimilarLimit, validation.Min(0)),
		validation.Field(&c.MetaLimit, validation.Min(0)),
		validation.Field(&c.VersionNavLimit, validation.Min(0)),
		validation.Field(&c.FindCandidateCap, validation.Min(1)),
		validation.Field(&c.DeepFindBudget, validation.Min(0)),
		validation.Field(&c.DeepFindDepth, validation.Min(0)),
	)
}

// DefaultConfig returns the values the original system ships with.
func DefaultConfig() Config {
	return Config{
		MaxSummaryLength: 2000,
		SimilarLimit:     5,
		MetaLimit:        3,
		VersionNavLimit:  3,
		RecencyHalfLife:  30 * 24 * time.Hour,
		FindCandidateCap: 200,
		DeepFindBudget:   8000,
		DeepFindDepth:    2,
	}
}

// Keeper wires DocStore, VectorStore, PendingQueue, MetaResolver, and
// ProviderRouter into the engine's single API surface.
type Keeper struct {
	docs      *docstore.DB
	vectors   *vectorstore.Store
	queue     *queue.Queue
	meta      *metaresolver.Resolver
	providers *providers.Router
	cfg       Config
	log       *slog.Logger
}

// New builds a Keeper over the given stores. cfg is validated eagerly so
// a misconfigured deployment fails at startup, not on the first write.
func New(docs *docstore.DB, vectors *vectorstore.Store, q *queue.Queue, meta *metaresolver.Resolver, router *providers.Router, cfg Config, log *slog.Logger) (*Keeper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, apperr.InvalidInput("keeper config: %v", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Keeper{docs: docs, vectors: vectors, queue: q, meta: meta, providers: router, cfg: cfg, log: log}, nil
}

func (k *Keeper) edgeKeyMap() docstore.EdgeKeys {
	out := make(docstore.EdgeKeys)
	for _, ek := range k.meta.EdgeKeys() {
		out[ek.Key] = ek.Inverse
	}
	return out
}

// afterSystemDocWrite re-parses the resolver's caches after a write under
// `.tag/`, `.meta/`, or `.prompt/`, and enqueues backfill-edges scans for
// every document carrying a key that just became an edge key.
func (k *Keeper) afterSystemDocWrite(id string) {
	if !types.IsSystemID(id) {
		return
	}
	before := k.edgeKeyMap()
	if err := k.meta.Refresh(); err != nil {
		k.log.Warn("metaresolver refresh failed", "id", id, "err", err)
		return
	}
	for key := range k.edgeKeyMap() {
		if _, had := before[key]; had {
			continue
		}
		ids, err := k.docs.QueryDocuments(docstore.QueryOptions{TagFilter: types.Tags{key: ""}, Limit: 1 << 20})
		if err != nil {
			k.log.Warn("backfill scan failed", "key", key, "err", err)
			continue
		}
		for _, docID := range ids {
			if _, err := k.queue.Enqueue(docID, types.TaskBackfillEdges, nil); err != nil {
				k.log.Warn("enqueue backfill-edges failed", "id", docID, "err", err)
			}
		}
	}
}

// touchAccessed stamps accessed_at on id without otherwise touching the
// document.
func (k *Keeper) touchAccessed(id string) {
	doc, err := k.docs.GetDocument(id)
	if err != nil {
		return
	}
	doc.AccessedAt = types.Now()
	if _, err := k.docs.UpdateTagsOnly(id, doc.Tags, doc.UpdatedAt, doc.AccessedAt, k.edgeKeyMap()); err != nil {
		k.log.Warn("touch accessed_at failed", "id", id, "err", err)
	}
}

// EnqueueReembedAll implements providers.ReembedEnqueuer: it enqueues a
// TaskReembed for every document, used when the ProviderRouter detects an
// embedding-identity change.
func (k *Keeper) EnqueueReembedAll(ctx context.Context) (int, error) {
	ids, err := k.docs.QueryDocuments(docstore.QueryOptions{IncludeSystem: true, Limit: 1 << 20})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		if _, err := k.queue.Enqueue(id, types.TaskReembed, nil); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Exists implements metaresolver.Seeder.
func (k *Keeper) Exists(id string) bool {
	_, err := k.docs.GetDocument(id)
	return err == nil
}

// PutSystemDoc implements metaresolver.Seeder: it writes a bundled default
// document directly, bypassing the write protocol's embedding/summary
// machinery since system docs are seeded, not authored.
func (k *Keeper) PutSystemDoc(id, summary string, tags types.Tags) error {
	now := types.Now()
	doc := types.Document{
		ID: id, Summary: summary, Tags: tags,
		CreatedAt: now, UpdatedAt: now, AccessedAt: now,
	}
	if _, err := k.docs.CreateDocument(doc, k.edgeKeyMap()); err != nil {
		return err
	}
	k.afterSystemDocWrite(id)
	return nil
}
