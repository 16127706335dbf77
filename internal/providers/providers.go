// Package providers dispatches the five capabilities the engine may need
// to block on network for — embed, summarize, analyze, describe, fetch —
// and tracks the embedding provider's identity so a provider swap triggers
// a reindex sweep instead of silently corrupting the vector index.
package providers

import (
	"context"

	"github.com/starford/noesis/internal/apperr"
)

// Embedder generates vector embeddings for text.
type Embedder interface {
	Name() string
	Model() string
	Dimension() int
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Summarizer produces a concise summary of content, optionally steered by
// a system prompt selected by MetaResolver.
type Summarizer interface {
	Summarize(ctx context.Context, content, systemPrompt string) (string, error)
}

// AnalyzedPart is one decomposition result from Analyzer.Analyze.
type AnalyzedPart struct {
	Summary string
	Content string
	Tags    map[string]string
}

// Analyzer decomposes content into parts.
type Analyzer interface {
	Analyze(ctx context.Context, content, guide, systemPrompt string) ([]AnalyzedPart, error)
}

// Describer produces a text description of non-text media.
type Describer interface {
	Describe(ctx context.Context, media []byte, contentType string) (string, error)
}

// Fetched is the result of a Fetcher.Fetch call.
type Fetched struct {
	Bytes       []byte
	ContentType string
}

// Fetcher retrieves bytes from an external URI, used by
// put(uri=…) to acquire content before it is stored.
type Fetcher interface {
	Fetch(ctx context.Context, uri string) (Fetched, error)
}

// IdentityStore is the subset of vectorstore.Store the router needs to
// persist the active embedding identity and drive the reindex transition.
type IdentityStore interface {
	Identity() (name, model string, err error)
	SetIdentity(name, model string) error
	Reindexing() (bool, error)
	SetReindexing(on bool) error
	ResetDimension() error
}

// ReembedEnqueuer schedules a reembed task per existing document when the
// provider identity changes out from under the store.
type ReembedEnqueuer interface {
	EnqueueReembedAll(ctx context.Context) (int, error)
}

// Router holds the per-capability provider handles and the identity/
// reindex bookkeeping. Providers are supplied already constructed;
// loading one lazily on first use and surfacing ProviderUnavailable
// instead of panicking at construction is the caller's (cmd/app's)
// responsibility.
type Router struct {
	embedder   Embedder
	summarizer Summarizer
	analyzer   Analyzer
	describer  Describer
	fetcher    Fetcher

	identity IdentityStore
	reembed  ReembedEnqueuer
}

// New constructs a Router. Any capability left nil surfaces
// ProviderUnavailable when called, rather than panicking.
func New(identity IdentityStore, reembed ReembedEnqueuer, embedder Embedder, summarizer Summarizer, analyzer Analyzer, describer Describer, fetcher Fetcher) *Router {
	return &Router{
		identity:   identity,
		reembed:    reembed,
		embedder:   embedder,
		summarizer: summarizer,
		analyzer:   analyzer,
		describer:  describer,
		fetcher:    fetcher,
	}
}

// Embed generates an embedding and, on the first call or whenever the
// embedder's identity no longer matches what's recorded in the store,
// reconciles the identity and kicks off a reindex sweep.
func (r *Router) Embed(ctx context.Context, text string) ([]float32, error) {
	if r.embedder == nil {
		return nil, apperr.ProviderUnavailable("no embedding provider configured")
	}
	if err := r.reconcileIdentity(ctx); err != nil {
		return nil, err
	}
	vec, err := r.embedder.Embed(ctx, text)
	if err != nil {
		return nil, classifyProviderError(err)
	}
	return vec, nil
}

// reconcileIdentity compares the embedder's current identity against the
// one recorded in the store. A mismatch (first run, or a provider/model
// swap) updates the record, resets the pinned dimension, marks the store
// "reindexing", and enqueues a reembed task for every document.
func (r *Router) reconcileIdentity(ctx context.Context) error {
	name, model, err := r.identity.Identity()
	if err != nil {
		return apperr.Wrap(apperr.KindStorageFailure, err, "read provider identity")
	}
	if name == r.embedder.Name() && model == r.embedder.Model() {
		return nil
	}
	// First-ever call: nothing to reindex, just record identity.
	firstRun := name == "" && model == ""

	if err := r.identity.SetIdentity(r.embedder.Name(), r.embedder.Model()); err != nil {
		return apperr.Wrap(apperr.KindStorageFailure, err, "set provider identity")
	}
	if firstRun {
		return nil
	}
	if err := r.identity.ResetDimension(); err != nil {
		return apperr.Wrap(apperr.KindStorageFailure, err, "reset dimension")
	}
	if err := r.identity.SetReindexing(true); err != nil {
		return apperr.Wrap(apperr.KindStorageFailure, err, "set reindexing")
	}
	if r.reembed != nil {
		if _, err := r.reembed.EnqueueReembedAll(ctx); err != nil {
			return apperr.Wrap(apperr.KindStorageFailure, err, "enqueue reembed sweep")
		}
	}
	return nil
}

// Summarize runs the configured summarizer.
func (r *Router) Summarize(ctx context.Context, content, systemPrompt string) (string, error) {
	if r.summarizer == nil {
		return "", apperr.ProviderUnavailable("no summarization provider configured")
	}
	out, err := r.summarizer.Summarize(ctx, content, systemPrompt)
	if err != nil {
		return "", classifyProviderError(err)
	}
	return out, nil
}

// Analyze runs the configured analyzer.
func (r *Router) Analyze(ctx context.Context, content, guide, systemPrompt string) ([]AnalyzedPart, error) {
	if r.analyzer == nil {
		return nil, apperr.ProviderUnavailable("no analyzer provider configured")
	}
	parts, err := r.analyzer.Analyze(ctx, content, guide, systemPrompt)
	if err != nil {
		return nil, classifyProviderError(err)
	}
	return parts, nil
}

// Describe runs the configured media describer.
func (r *Router) Describe(ctx context.Context, media []byte, contentType string) (string, error) {
	if r.describer == nil {
		return "", apperr.ProviderUnavailable("no media describer configured")
	}
	out, err := r.describer.Describe(ctx, media, contentType)
	if err != nil {
		return "", classifyProviderError(err)
	}
	return out, nil
}

// Fetch retrieves bytes from uri using the configured fetcher.
func (r *Router) Fetch(ctx context.Context, uri string) (Fetched, error) {
	if r.fetcher == nil {
		return Fetched{}, apperr.ProviderUnavailable("no fetch provider configured")
	}
	out, err := r.fetcher.Fetch(ctx, uri)
	if err != nil {
		return Fetched{}, classifyProviderError(err)
	}
	return out, nil
}

// SetReembedEnqueuer wires the reembed fan-out target after construction,
// breaking the Router/Keeper construction cycle: the Router needs a
// ReembedEnqueuer to fan out a reindex sweep, but the only implementation
// (*keeper.Keeper) needs a fully-built Router first.
func (r *Router) SetReembedEnqueuer(reembed ReembedEnqueuer) {
	r.reembed = reembed
}

// Reindexing reports whether the store is mid-reindex after an identity
// change; callers (find/deep-find) may use this to warn about degraded
// results.
func (r *Router) Reindexing() (bool, error) {
	return r.identity.Reindexing()
}

// classifyProviderError maps a raw provider error to the apperr taxonomy
// unless it's already an *apperr.Error, in which case it passes through.
// Concrete providers are expected to return context.DeadlineExceeded for
// timeouts and net.Error for transient network failures; anything else is
// treated as fatal, matching the original's "no silent partial state"
// stance on unexpected provider failures.
func classifyProviderError(err error) error {
	if err == nil {
		return nil
	}
	if apperr.Is(err, apperr.KindProviderTimeout) || apperr.Is(err, apperr.KindProviderTransient) ||
		apperr.Is(err, apperr.KindProviderUnavailable) || apperr.Is(err, apperr.KindProviderFatal) {
		return err
	}
	if isTimeout(err) {
		return apperr.Wrap(apperr.KindProviderTimeout, err, "provider call timed out")
	}
	if isTemporary(err) {
		return apperr.Wrap(apperr.KindProviderTransient, err, "provider call failed transiently")
	}
	return apperr.Wrap(apperr.KindProviderFatal, err, "provider call failed")
}
