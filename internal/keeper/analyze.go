package keeper

import (
	"context"
	"fmt"
	"strings"

	"github.com/starford/noesis/internal/apperr"
	"github.com/starford/noesis/internal/types"
)

// AnalyzeInput is the normalized request for Analyze.
type AnalyzeInput struct {
	ID        string
	GuideTags []string // tag keys whose .tag/K description seeds decomposition context
	Force     bool     // skip the _analyzed_hash short-circuit
	Defer     bool     // enqueue instead of running on the caller's thread
}

// Analyze decomposes a document's content (URI-fetched, or its inline
// version history) into Parts via the configured Analyzer, replacing any
// previously-stored parts atomically.
// Re-analysis is skipped when the document's content hash already matches
// the recorded _analyzed_hash tag, unless Force is set.
func (k *Keeper) Analyze(ctx context.Context, in AnalyzeInput) ([]types.Part, error) {
	if err := types.ValidateID(in.ID); err != nil {
		return nil, apperr.InvalidInput("analyze: %v", err)
	}
	if types.IsPartID(in.ID) {
		return nil, apperr.InvalidInput("analyze: %q is itself a part id", in.ID)
	}

	doc, err := k.docs.GetDocument(in.ID)
	if err != nil {
		return nil, err
	}

	if in.Defer {
		if _, err := k.queue.Enqueue(in.ID, types.TaskAnalyze, nil); err != nil {
			return nil, err
		}
		return nil, nil
	}

	if !in.Force && doc.ContentHash != "" && doc.Tags[types.TagAnalyzedHash] == doc.ContentHash {
		k.log.Info("analyze: skipping, parts already current", "id", in.ID)
		return k.docs.ListParts(in.ID)
	}

	parentTags := types.StripSystem(doc.Tags)

	content, err := k.buildAnalysisContent(ctx, in.ID, doc, parentTags)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(content)) < 50 {
		return nil, apperr.InvalidInput("analyze: document content too short to analyze: %s", in.ID)
	}

	guide := k.buildGuideContext(in.GuideTags)

	var systemPrompt string
	if k.meta != nil {
		if p := k.meta.SelectPrompt("analyze", doc.Tags); p != nil {
			systemPrompt = p.Prompt
		}
	}

	raw, err := k.providers.Analyze(ctx, content, guide, systemPrompt)
	if err != nil {
		return nil, err
	}
	if len(raw) <= 1 {
		k.log.Info("analyze: content not decomposable into multiple parts", "id", in.ID)
		return nil, nil
	}

	now := types.Now()
	parts := make([]types.Part, 0, len(raw))
	for i, r := range raw {
		partTags := parentTags.Clone()
		for tk, tv := range r.Tags {
			partTags[tk] = tv
		}
		summary := r.Summary
		if summary == "" {
			summary = r.Content
			if len(summary) > 200 {
				summary = summary[:200]
			}
		}
		parts = append(parts, types.Part{
			DocID: in.ID, PartNum: i + 1, Summary: summary, Tags: partTags,
			Content: r.Content, CreatedAt: now,
		})
	}

	for _, p := range parts {
		_ = k.vectors.Delete(types.PartEmbeddingKey(in.ID, p.PartNum))
	}
	if err := k.docs.ReplaceParts(in.ID, parts); err != nil {
		return nil, err
	}

	for _, p := range parts {
		vector, err := k.providers.Embed(ctx, p.Summary)
		if err != nil {
			k.log.Warn("analyze: part embed failed, using placeholder", "id", in.ID, "part_num", p.PartNum, "err", err)
			vector = k.embeddingPlaceholder()
		}
		rec := vectorstoreRecord(types.PartEmbeddingKey(in.ID, p.PartNum), vector, p.Summary, p.Tags, now, now)
		if err := k.vectors.Upsert(rec); err != nil {
			k.log.Warn("analyze: part vector upsert failed", "id", in.ID, "part_num", p.PartNum, "err", err)
		}
	}

	if doc.ContentHash != "" {
		if _, err := k.tagOnlyUpdate(in.ID, doc, doc.Tags.Merge(types.Tags{types.TagAnalyzedHash: doc.ContentHash})); err != nil {
			k.log.Warn("analyze: failed to record analyzed hash", "id", in.ID, "err", err)
		}
	}

	if len(k.meta.ConstrainedKeys()) > 0 {
		if _, err := k.queue.Enqueue(in.ID, types.TaskTagClassify, nil); err != nil {
			k.log.Warn("analyze: enqueue tag-classify failed", "id", in.ID, "err", err)
		}
	}

	return parts, nil
}

// buildAnalysisContent assembles the content to decompose: a single
// re-fetched chunk for URI-sourced documents, or the chronological version
// history (oldest archived first, current last) for inline notes.
func (k *Keeper) buildAnalysisContent(ctx context.Context, id string, doc *types.Document, parentTags types.Tags) (string, error) {
	if doc.Tags[types.TagSource] == types.SourceURI {
		fetched, err := k.providers.Fetch(ctx, id)
		if err == nil {
			return string(fetched.Bytes), nil
		}
		k.log.Warn("analyze: could not re-fetch, falling back to version history", "id", id, "err", err)
	}

	versions, err := k.docs.ListVersions(id) // newest-first
	if err != nil {
		return "", err
	}
	if len(versions) == 0 {
		return doc.Summary, nil
	}

	var sb strings.Builder
	for i := len(versions) - 1; i >= 0; i-- {
		v := versions[i]
		date := ""
		if !v.CreatedAt.IsZero() {
			date = v.CreatedAt.Format("2006-01-02")
		}
		fmt.Fprintf(&sb, "[%s]\n%s\n\n", date, v.Summary)
	}
	fmt.Fprintf(&sb, "[current]\n%s", doc.Summary)
	return sb.String(), nil
}

// buildGuideContext fetches `.tag/K` descriptions for the given guide tag
// keys, used to steer the Analyzer's decomposition.
func (k *Keeper) buildGuideContext(tagKeys []string) string {
	if len(tagKeys) == 0 {
		return ""
	}
	var parts []string
	for _, key := range tagKeys {
		doc, err := k.docs.GetDocument(".tag/" + key)
		if err != nil {
			continue
		}
		parts = append(parts, fmt.Sprintf("## Tag: %s\n%s", key, doc.Summary))
	}
	return strings.Join(parts, "\n\n")
}

// GetPart fetches a single part of a document.
func (k *Keeper) GetPart(id string, partNum int) (*types.Part, error) {
	return k.docs.GetPart(id, partNum)
}

// ListParts returns a document's parts in order.
func (k *Keeper) ListParts(id string) ([]types.Part, error) {
	return k.docs.ListParts(id)
}
