package keeper

import (
	"context"
	"fmt"
	"strings"

	"github.com/starford/noesis/internal/apperr"
	"github.com/starford/noesis/internal/queue"
	"github.com/starford/noesis/internal/types"
)

// MarkError dead-letters a task's failure onto its owning document as a
// `_error` tag carrying the kind and a truncated message. It writes the
// tag directly rather than going through Put/Tag, matching
// touchAccessed's bypass of the write protocol for system-managed
// bookkeeping.
func (k *Keeper) MarkError(docID string, kind apperr.Kind, message string) error {
	doc, err := k.docs.GetDocument(docID)
	if err != nil {
		return err
	}
	const maxLen = 200
	if len(message) > maxLen {
		message = message[:maxLen]
	}
	tags := doc.Tags.Merge(types.Tags{types.TagError: fmt.Sprintf("%s: %s", kind, message)})
	_, err = k.docs.UpdateTagsOnly(docID, tags, doc.UpdatedAt, doc.AccessedAt, k.edgeKeyMap())
	return err
}

// ClearError removes a document's `_error` tag once a subsequent task
// succeeds.
func (k *Keeper) ClearError(docID string) error {
	doc, err := k.docs.GetDocument(docID)
	if err != nil {
		return err
	}
	if _, ok := doc.Tags[types.TagError]; !ok {
		return nil
	}
	tags := doc.Tags.Merge(types.Tags{types.TagError: ""})
	_, err = k.docs.UpdateTagsOnly(docID, tags, doc.UpdatedAt, doc.AccessedAt, k.edgeKeyMap())
	return err
}

// ProcessTask executes one deferred PendingQueue task against this
// Keeper's stores and providers. It is the dispatch table a worker.Pool
// calls after Queue.Claim; the worker only knows how to Ack/Nack, not
// how any particular kind is fulfilled.
func (k *Keeper) ProcessTask(ctx context.Context, t types.PendingTask) error {
	switch t.Kind {
	case types.TaskEmbed:
		return k.processEmbed(ctx, t.DocID)
	case types.TaskSummarize:
		return k.processSummarize(ctx, t)
	case types.TaskAnalyze:
		return k.processAnalyze(ctx, t.DocID)
	case types.TaskReembed:
		return k.processReembed(ctx, t.DocID)
	case types.TaskOCR:
		return k.processOCR(ctx, t)
	case types.TaskBackfillEdges:
		return k.processBackfillEdges(t.DocID)
	case types.TaskTagClassify:
		return k.processTagClassify(ctx, t.DocID)
	default:
		return apperr.InvalidInput("unknown task kind %q", t.Kind)
	}
}

// processEmbed fulfils a deferred embed: the document was written with a
// zero-vector placeholder because the provider was unavailable or slow
// at write time; this computes the real vector and clears
// `_embed_pending` so the document re-enters search.
func (k *Keeper) processEmbed(ctx context.Context, docID string) error {
	doc, err := k.docs.GetDocument(docID)
	if err != nil {
		return err
	}
	vec, err := k.providers.Embed(ctx, doc.Summary)
	if err != nil {
		return err
	}
	if err := k.vectors.Upsert(vectorstoreRecord(docID, vec, doc.Summary, doc.Tags, doc.CreatedAt, doc.UpdatedAt)); err != nil {
		return apperr.Wrap(apperr.KindStorageFailure, err, "upsert embedding")
	}
	if _, ok := doc.Tags[types.TagEmbedPending]; ok {
		cleared := doc.Tags.Clone()
		delete(cleared, types.TagEmbedPending)
		if _, err := k.tagOnlyUpdate(docID, doc, cleared); err != nil {
			return err
		}
	}
	return nil
}

// processSummarize fulfils a deferred summarize: the payload carries the
// original text Put declined to persist inline (only a truncated
// placeholder was stored). The resulting summary replaces the
// placeholder without archiving a version. The embedding is refreshed
// unconditionally rather than thresholding on cosine drift between the
// placeholder and the real summary.
func (k *Keeper) processSummarize(ctx context.Context, t types.PendingTask) error {
	var payload summarizePayload
	if err := queue.DecodePayload(t.Payload, &payload); err != nil {
		return apperr.InvalidInput("summarize: decode payload: %v", err)
	}
	doc, err := k.docs.GetDocument(t.DocID)
	if err != nil {
		return err
	}
	var systemPrompt string
	if k.meta != nil {
		if p := k.meta.SelectPrompt("summarize", doc.Tags); p != nil {
			systemPrompt = p.Prompt
		}
	}
	summary, err := k.providers.Summarize(ctx, payload.Text, systemPrompt)
	if err != nil {
		return err
	}
	if summary == "" {
		summary = doc.Summary
	}
	now := types.Now()
	if err := k.docs.UpdateSummary(t.DocID, summary, now); err != nil {
		return err
	}
	vec, err := k.providers.Embed(ctx, summary)
	if err != nil {
		k.log.Warn("summarize: re-embed failed, keeping prior vector", "id", t.DocID, "err", err)
		return nil
	}
	if err := k.vectors.Upsert(vectorstoreRecord(t.DocID, vec, summary, doc.Tags, doc.CreatedAt, now)); err != nil {
		return apperr.Wrap(apperr.KindStorageFailure, err, "upsert embedding")
	}
	return nil
}

// processAnalyze runs the synchronous Analyze operation on behalf of a
// deferred `analyze` task (enqueued, for example, by an MCP or CLI caller
// that wants analysis off the request path).
func (k *Keeper) processAnalyze(ctx context.Context, docID string) error {
	_, err := k.Analyze(ctx, AnalyzeInput{ID: docID})
	return err
}

// processReembed recomputes the current document's (and, if present, its
// parts') embeddings against the active provider — used both for an
// individual re-embed request and as the fan-out target of an
// identity-change reindex sweep.
func (k *Keeper) processReembed(ctx context.Context, docID string) error {
	doc, err := k.docs.GetDocument(docID)
	if err != nil {
		return err
	}
	vec, err := k.providers.Embed(ctx, doc.Summary)
	if err != nil {
		return err
	}
	if err := k.vectors.Upsert(vectorstoreRecord(docID, vec, doc.Summary, doc.Tags, doc.CreatedAt, doc.UpdatedAt)); err != nil {
		return apperr.Wrap(apperr.KindStorageFailure, err, "upsert embedding")
	}

	parts, err := k.docs.ListParts(docID)
	if err != nil {
		return err
	}
	for _, p := range parts {
		pvec, err := k.providers.Embed(ctx, p.Summary)
		if err != nil {
			k.log.Warn("reembed: part embed failed", "id", docID, "part_num", p.PartNum, "err", err)
			continue
		}
		key := types.PartEmbeddingKey(docID, p.PartNum)
		if err := k.vectors.Upsert(vectorstoreRecord(key, pvec, p.Summary, p.Tags, p.CreatedAt, p.CreatedAt)); err != nil {
			k.log.Warn("reembed: part vector upsert failed", "id", docID, "part_num", p.PartNum, "err", err)
		}
	}
	return nil
}

type ocrPayload struct {
	URI         string `json:"uri"`
	ContentType string `json:"content_type"`
}

// processOCR fulfils a deferred `ocr` task: re-fetch the media and run it
// through the Describer, then replace the summary that put() left as a
// pending placeholder for non-text content it couldn't synchronously
// describe.
func (k *Keeper) processOCR(ctx context.Context, t types.PendingTask) error {
	var payload ocrPayload
	if err := queue.DecodePayload(t.Payload, &payload); err != nil {
		return apperr.InvalidInput("ocr: decode payload: %v", err)
	}
	fetched, err := k.providers.Fetch(ctx, payload.URI)
	if err != nil {
		return err
	}
	contentType := payload.ContentType
	if contentType == "" {
		contentType = fetched.ContentType
	}
	text, err := k.providers.Describe(ctx, fetched.Bytes, contentType)
	if err != nil {
		return err
	}
	doc, err := k.docs.GetDocument(t.DocID)
	if err != nil {
		return err
	}
	summary := text
	if len(summary) > k.cfg.MaxSummaryLength {
		summary = summary[:k.cfg.MaxSummaryLength]
	}
	now := types.Now()
	if err := k.docs.UpdateSummary(t.DocID, summary, now); err != nil {
		return err
	}
	vec, err := k.providers.Embed(ctx, summary)
	if err != nil {
		k.log.Warn("ocr: re-embed failed, keeping placeholder vector", "id", t.DocID, "err", err)
		return nil
	}
	if err := k.vectors.Upsert(vectorstoreRecord(t.DocID, vec, summary, doc.Tags, doc.CreatedAt, now)); err != nil {
		return apperr.Wrap(apperr.KindStorageFailure, err, "upsert embedding")
	}
	return nil
}

// processBackfillEdges materializes edges for a document whose tags may
// declare a key that has only just been marked an edge key (via `.tag/K`
// gaining `_inverse=V` after this document already set tags[K]), or for a
// freshly auto-vivified target document that never had its own outbound
// tags evaluated against the edge-key set.
func (k *Keeper) processBackfillEdges(docID string) error {
	return k.docs.RecomputeEdges(docID, k.edgeKeyMap())
}

// processTagClassify runs the constrained-tag classifier over a
// document's parts: for each part, it asks the Summarizer (steered by a
// built-in system prompt enumerating the vocabulary; `.prompt/*` docs are
// not consulted here) to pick a value from each `.tag/K`'s constrained
// vocabulary, then tags the part accordingly.
func (k *Keeper) processTagClassify(ctx context.Context, docID string) error {
	parts, err := k.docs.ListParts(docID)
	if err != nil {
		return err
	}
	if len(parts) == 0 {
		return nil
	}
	keys := k.meta.ConstrainedKeys()
	if len(keys) == 0 {
		return nil
	}
	for _, p := range parts {
		updates := types.Tags{}
		for _, spec := range keys {
			if _, already := p.Tags[spec.Key]; already {
				continue
			}
			prompt := classifyPrompt(spec.Key, spec.Vocabulary)
			choice, err := k.providers.Summarize(ctx, p.Content, prompt)
			if err != nil {
				k.log.Warn("tag-classify: classification call failed", "id", docID, "part_num", p.PartNum, "key", spec.Key, "err", err)
				continue
			}
			if v := matchVocabulary(choice, spec.Vocabulary); v != "" {
				updates[spec.Key] = v
			}
		}
		if len(updates) == 0 {
			continue
		}
		if _, err := k.docs.TagPart(docID, p.PartNum, updates); err != nil {
			k.log.Warn("tag-classify: tag part failed", "id", docID, "part_num", p.PartNum, "err", err)
		}
	}
	return nil
}

func classifyPrompt(key string, vocabulary []string) string {
	return fmt.Sprintf("Classify the following text by %q. Respond with exactly one of: %v. If none applies, respond with an empty string.", key, vocabulary)
}

// matchVocabulary returns the vocabulary entry contained in raw (case- and
// whitespace-insensitively), or "" if none matches — the classifier's free
// text is trusted only as far as it names a valid constrained value.
func matchVocabulary(raw string, vocabulary []string) string {
	norm := strings.TrimSpace(strings.ToLower(raw))
	for _, v := range vocabulary {
		if strings.ToLower(v) == norm {
			return v
		}
	}
	for _, v := range vocabulary {
		if strings.Contains(norm, strings.ToLower(v)) {
			return v
		}
	}
	return ""
}
