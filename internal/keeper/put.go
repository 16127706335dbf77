package keeper

import (
	"context"
	"fmt"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/noesis/internal/apperr"
	"github.com/starford/noesis/internal/docstore"
	"github.com/starford/noesis/internal/queue"
	"github.com/starford/noesis/internal/types"
)

// PutInput is the normalized request for Put. Exactly one of
// Content or URI must be set.
type PutInput struct {
	ID        string
	Content   string
	URI       string
	Summary   string
	Tags      types.Tags
	CreatedAt *time.Time
}

func (in PutInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Content, validation.When(in.URI == "", validation.Required.Error("content or uri is required"))),
	)
}

// Put creates or updates a document, keeping the vector index in step.
func (k *Keeper) Put(ctx context.Context, in PutInput) (*types.Document, error) {
	if err := in.Validate(); err != nil {
		return nil, apperr.InvalidInput("put: %v", err)
	}
	if in.Content != "" && in.URI != "" {
		return nil, apperr.InvalidInput("put: content and uri are mutually exclusive")
	}
	if in.ID != "" {
		if err := types.ValidateID(in.ID); err != nil {
			return nil, apperr.InvalidInput("put: %v", err)
		}
		if types.IsPartID(in.ID) {
			return nil, apperr.InvalidInput("put: %q is a part id; parts are managed by analyze", in.ID)
		}
	}

	// Normalize input.
	content, contentType, source, deferOCR, err := k.resolveContent(ctx, in)
	if err != nil {
		return nil, err
	}
	hash := types.ContentHash([]byte(content))

	id := in.ID
	if id == "" {
		if in.URI != "" {
			// URI-sourced documents are addressed by the URI itself,
			// normalized so equivalent spellings land on one document.
			if id, err = types.NormalizeID(in.URI); err != nil {
				return nil, apperr.InvalidInput("put: %v", err)
			}
		} else {
			id = types.ContentID([]byte(content))
		}
	}

	existing, err := k.docs.GetDocument(id)
	if err != nil && !apperr.Is(err, apperr.KindNotFound) {
		return nil, err
	}
	var existingTags types.Tags
	if existing != nil {
		existingTags = existing.Tags
	}

	now := types.Now()
	if in.CreatedAt != nil {
		now = *in.CreatedAt
	}
	systemTags := types.Tags{
		types.TagContentType: contentType,
		types.TagSource:      source,
	}
	if source == types.SourceURI {
		systemTags[types.TagSavedFrom] = in.URI
		// Stamped only when the fetched content actually changed, so an
		// unchanged re-fetch stays a no-op.
		if existing == nil || existing.ContentHash != hash {
			systemTags[types.TagSavedAt] = types.FormatTime(types.Now())
		}
	}

	callerTags := types.StripSystem(in.Tags)
	// `.tag/K` docs are user-editable system state: their `_constrained` and
	// `_inverse` declarations are the one place callers may write a
	// system-prefixed key.
	if strings.HasPrefix(id, ".tag/") {
		for _, key := range []string{types.TagConstrained, types.TagInverse} {
			if v, ok := in.Tags[key]; ok {
				callerTags[key] = v
			}
		}
	}
	merged := existingTags.Merge(k.cfg.DefaultTags).Merge(k.cfg.EnvTags).Merge(callerTags).Merge(systemTags)

	if err := k.validateConstrainedTags(merged); err != nil {
		return nil, err
	}
	if !types.IsSystemID(id) {
		if err := k.checkRequiredTags(merged); err != nil {
			return nil, err
		}
	}

	// Change detection.
	var doc *types.Document
	switch {
	case existing == nil:
		doc, err = k.createDocument(ctx, id, content, contentType, hash, merged, now, in.Summary)
	case existing.ContentHash == hash && existing.Tags.Equal(merged):
		return existing, nil // no-op
	case existing.ContentHash == hash:
		doc, err = k.tagRevision(id, existing, merged)
	default:
		doc, err = k.versionedUpdate(ctx, id, existing, content, contentType, hash, merged, now, in.Summary)
	}
	if err != nil {
		return nil, err
	}
	if deferOCR {
		payload, _ := queue.EncodePayload(ocrPayload{URI: in.URI, ContentType: contentType})
		if _, err := k.queue.Enqueue(id, types.TaskOCR, payload); err != nil {
			k.log.Warn("enqueue ocr task failed", "id", id, "err", err)
		}
	}
	k.afterSystemDocWrite(id)
	return doc, nil
}

func (k *Keeper) validateConstrainedTags(tags types.Tags) error {
	for key, val := range tags {
		if types.IsSystemKey(key) {
			continue
		}
		if err := k.meta.ValidateConstrained(key, val); err != nil {
			return err
		}
	}
	return nil
}

func (k *Keeper) checkRequiredTags(tags types.Tags) error {
	for _, key := range k.cfg.RequiredTags {
		if _, ok := tags[key]; !ok {
			return apperr.InvalidInput("put: required tag %q is missing", key)
		}
	}
	return nil
}

// resolveContent delegates to the ProviderRouter's fetch capability for
// uri-sourced puts, otherwise uses content directly. Non-text media is
// described via the Describer rather than parsed; the description
// becomes the document's text. When no describer is reachable right now,
// the write proceeds with a placeholder and deferOCR asks the caller to
// enqueue an ocr task to fill it in later.
func (k *Keeper) resolveContent(ctx context.Context, in PutInput) (content, contentType, source string, deferOCR bool, err error) {
	if in.URI == "" {
		return in.Content, "text/plain", types.SourceInline, false, nil
	}
	fetched, err := k.providers.Fetch(ctx, in.URI)
	if err != nil {
		return "", "", "", false, fmt.Errorf("fetch %q: %w", in.URI, err)
	}
	if fetched.ContentType == "" || strings.HasPrefix(fetched.ContentType, "text/") {
		return string(fetched.Bytes), fetched.ContentType, types.SourceURI, false, nil
	}
	desc, err := k.providers.Describe(ctx, fetched.Bytes, fetched.ContentType)
	if err != nil {
		if apperr.Is(err, apperr.KindProviderFatal) {
			return "", "", "", false, fmt.Errorf("describe %q: %w", in.URI, err)
		}
		k.log.Warn("describe failed, deferring to ocr task", "uri", in.URI, "err", err)
		placeholder := fmt.Sprintf("[pending description of %s from %s]", fetched.ContentType, in.URI)
		return placeholder, fetched.ContentType, types.SourceURI, true, nil
	}
	return desc, fetched.ContentType, types.SourceURI, false, nil
}

// acquireEmbedding obtains a vector for new content: a dedup probe
// against any other document sharing the same content hash, then a synchronous embed call,
// falling back to a pending placeholder on provider failure. A dedup hit
// is trusted only when its dimension matches the collection's pinned
// dimension — mid-reindex, another document's vector may still be the
// old provider's size.
func (k *Keeper) acquireEmbedding(ctx context.Context, id, hash, summaryForEmbed string) (vector []float32, pending bool, err error) {
	if dupID, err := k.docs.FindByContentHash(hash, id); err == nil && dupID != "" {
		if rec, err := k.vectors.Get(dupID); err == nil && len(rec.Vector) > 0 {
			if dim, err := k.vectors.Dimension(); err == nil && (dim == 0 || len(rec.Vector) == dim) {
				return rec.Vector, false, nil
			}
		}
	}
	v, err := k.providers.Embed(ctx, summaryForEmbed)
	if err != nil {
		k.log.Warn("embed failed, deferring", "id", id, "err", err)
		return k.embeddingPlaceholder(), true, nil
	}
	return v, false, nil
}

// embeddingPlaceholder returns a zero vector sized to the pinned
// dimension; with no dimension pinned yet it is empty, so it pins nothing
// and the later real vector sets the collection's dimension.
func (k *Keeper) embeddingPlaceholder() []float32 {
	dim, err := k.vectors.Dimension()
	if err != nil || dim <= 0 {
		dim = 0
	}
	return make([]float32, dim)
}

// deferEmbed flags a document whose current vector could not be written
// (dimension mismatch mid-reindex, storage hiccup) as `_embed_pending`
// and enqueues a deferred embed, so the vector gets repaired instead of
// the document silently dropping out of search.
func (k *Keeper) deferEmbed(id string) {
	doc, err := k.docs.GetDocument(id)
	if err != nil {
		k.log.Warn("defer embed: load document failed", "id", id, "err", err)
		return
	}
	if doc.Tags[types.TagEmbedPending] != "1" {
		if _, err := k.tagOnlyUpdate(id, doc, doc.Tags.Merge(types.Tags{types.TagEmbedPending: "1"})); err != nil {
			k.log.Warn("defer embed: flag pending failed", "id", id, "err", err)
		}
	}
	if _, err := k.queue.Enqueue(id, types.TaskEmbed, nil); err != nil {
		k.log.Warn("defer embed: enqueue failed", "id", id, "err", err)
	}
}

// resolveSummary picks the summary for new content: a caller-supplied
// summary wins; short content is used verbatim; long content is truncated
// in the document and the full text travels only in the queue payload
// (never persisted) for an async summarize task to consume.
func (k *Keeper) resolveSummary(id, content, callerSummary string) (summary string, enqueueTask bool) {
	if callerSummary != "" {
		return callerSummary, false
	}
	if len(content) <= k.cfg.MaxSummaryLength {
		return content, false
	}
	return content[:k.cfg.MaxSummaryLength], true
}

type summarizePayload struct {
	Text string `json:"text"`
}

func (k *Keeper) createDocument(ctx context.Context, id, content, contentType, hash string, tags types.Tags, now time.Time, callerSummary string) (*types.Document, error) {
	summary, needSummarize := k.resolveSummary(id, content, callerSummary)
	vector, pending, err := k.acquireEmbedding(ctx, id, hash, summary)
	if err != nil {
		return nil, err
	}
	if pending {
		tags = tags.Merge(types.Tags{types.TagEmbedPending: "1"})
	}

	doc := types.Document{
		ID: id, Summary: summary, Tags: tags, ContentHash: hash,
		CreatedAt: now, UpdatedAt: now, AccessedAt: now,
	}
	delta, err := k.docs.CreateDocument(doc, k.edgeKeyMap())
	if err != nil {
		return nil, err
	}

	if err := k.vectors.Upsert(vectorstoreRecord(id, vector, summary, tags, now, now)); err != nil {
		k.log.Warn("vector upsert failed", "id", id, "err", err)
		if !pending {
			k.deferEmbed(id)
		}
	}

	if pending {
		if _, err := k.queue.Enqueue(id, types.TaskEmbed, nil); err != nil {
			k.log.Warn("enqueue embed task failed", "id", id, "err", err)
		}
	}
	if needSummarize {
		payload, _ := queue.EncodePayload(summarizePayload{Text: content})
		if _, err := k.queue.Enqueue(id, types.TaskSummarize, payload); err != nil {
			k.log.Warn("enqueue summarize task failed", "id", id, "err", err)
		}
	}

	k.applyEdgeMaintenance(delta)
	return k.docs.GetDocument(id)
}

func (k *Keeper) versionedUpdate(ctx context.Context, id string, existing *types.Document, content, contentType, hash string, tags types.Tags, now time.Time, callerSummary string) (*types.Document, error) {
	oldVector, _ := k.vectors.Get(id)

	summary, needSummarize := k.resolveSummary(id, content, callerSummary)
	vector, pending, err := k.acquireEmbedding(ctx, id, hash, summary)
	if err != nil {
		return nil, err
	}
	if pending {
		tags = tags.Merge(types.Tags{types.TagEmbedPending: "1"})
	}

	newDoc := types.Document{
		ID: id, Summary: summary, Tags: tags, ContentHash: hash,
		CreatedAt: existing.CreatedAt, UpdatedAt: now, AccessedAt: now, PartCount: existing.PartCount,
	}
	delta, err := k.docs.ArchiveAndUpdate(newDoc, k.edgeKeyMap())
	if err != nil {
		return nil, err
	}

	if oldVector != nil && len(oldVector.Vector) > 0 {
		versions, err := k.docs.ListVersions(id)
		if err == nil && len(versions) > 0 {
			ordinal := versions[0].VersionOrdinal
			archivedKey := types.VersionEmbeddingKey(id, ordinal)
			if err := k.vectors.Upsert(vectorstoreRecord(archivedKey, oldVector.Vector, oldVector.Summary, oldVector.Tags, existing.UpdatedAt, existing.UpdatedAt)); err != nil {
				k.log.Warn("archive vector upsert failed", "id", id, "err", err)
			}
		}
	}
	if err := k.vectors.Upsert(vectorstoreRecord(id, vector, summary, tags, existing.CreatedAt, now)); err != nil {
		k.log.Warn("vector upsert failed", "id", id, "err", err)
		if !pending {
			k.deferEmbed(id)
		}
	}

	if pending {
		if _, err := k.queue.Enqueue(id, types.TaskEmbed, nil); err != nil {
			k.log.Warn("enqueue embed task failed", "id", id, "err", err)
		}
	}
	if needSummarize {
		payload, _ := queue.EncodePayload(summarizePayload{Text: content})
		if _, err := k.queue.Enqueue(id, types.TaskSummarize, payload); err != nil {
			k.log.Warn("enqueue summarize task failed", "id", id, "err", err)
		}
	}

	k.applyEdgeMaintenance(delta)
	return k.docs.GetDocument(id)
}

// tagRevision handles a re-put whose content is unchanged but whose
// merged tags differ: the prior state is archived like any other
// versioned update, but the vector is carried over untouched (same
// content, same embedding — the dedup guarantee) and no summarize or
// embed work is enqueued.
func (k *Keeper) tagRevision(id string, existing *types.Document, tags types.Tags) (*types.Document, error) {
	oldVector, _ := k.vectors.Get(id)
	now := types.Now()
	newDoc := types.Document{
		ID: id, Summary: existing.Summary, Tags: tags, ContentHash: existing.ContentHash,
		CreatedAt: existing.CreatedAt, UpdatedAt: now, AccessedAt: now, PartCount: existing.PartCount,
	}
	delta, err := k.docs.ArchiveAndUpdate(newDoc, k.edgeKeyMap())
	if err != nil {
		return nil, err
	}
	if oldVector != nil && len(oldVector.Vector) > 0 {
		versions, err := k.docs.ListVersions(id)
		if err == nil && len(versions) > 0 {
			archivedKey := types.VersionEmbeddingKey(id, versions[0].VersionOrdinal)
			if err := k.vectors.Upsert(vectorstoreRecord(archivedKey, oldVector.Vector, oldVector.Summary, existing.Tags, existing.UpdatedAt, existing.UpdatedAt)); err != nil {
				k.log.Warn("archive vector upsert failed", "id", id, "err", err)
			}
		}
		if err := k.vectors.Upsert(vectorstoreRecord(id, oldVector.Vector, existing.Summary, tags, existing.CreatedAt, now)); err != nil {
			k.log.Warn("vector upsert failed", "id", id, "err", err)
		}
	}
	k.applyEdgeMaintenance(delta)
	return k.docs.GetDocument(id)
}

func (k *Keeper) tagOnlyUpdate(id string, existing *types.Document, tags types.Tags) (*types.Document, error) {
	now := types.Now()
	delta, err := k.docs.UpdateTagsOnly(id, tags, existing.UpdatedAt, now, k.edgeKeyMap())
	if err != nil {
		return nil, err
	}
	projected := types.ProjectTimestamps(tags, existing.CreatedAt, existing.UpdatedAt, now)
	if err := k.vectors.UpdateTags(id, types.CasefoldKeys(projected), types.FormatTime(existing.UpdatedAt)); err != nil && !apperr.Is(err, apperr.KindNotFound) {
		k.log.Warn("vector tag update failed", "id", id, "err", err)
	}
	k.applyEdgeMaintenance(delta)
	return k.docs.GetDocument(id)
}

// applyEdgeMaintenance auto-vivifies any newly-added
// edge target that doesn't exist yet, and enqueue a backfill-edges task
// for it (its own edges, if any, were declared before it existed).
func (k *Keeper) applyEdgeMaintenance(delta docstore.EdgeDelta) {
	for _, e := range delta.Added {
		if _, err := k.docs.GetDocument(e.TargetID); err == nil {
			continue
		}
		now := types.Now()
		vivified := types.Document{
			ID: e.TargetID, Tags: types.Tags{types.TagSource: types.SourceAutoVivify},
			CreatedAt: now, UpdatedAt: now, AccessedAt: now,
		}
		if _, err := k.docs.CreateDocument(vivified, k.edgeKeyMap()); err != nil {
			k.log.Warn("auto-vivify failed", "target", e.TargetID, "err", err)
			continue
		}
		if _, err := k.queue.Enqueue(e.TargetID, types.TaskBackfillEdges, nil); err != nil {
			k.log.Warn("enqueue backfill-edges failed", "target", e.TargetID, "err", err)
		}
	}
}
