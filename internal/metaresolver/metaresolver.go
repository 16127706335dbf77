// Package metaresolver evaluates the three families of user-editable
// system documents that steer read-time context assembly and write-time
// prompt/tag selection: `.tag/K` tag descriptions, `.meta/NAME`
// contextual queries, and `.prompt/{kind}/NAME` prompt overrides.
package metaresolver

import (
	"strings"
	"sync"

	"github.com/starford/noesis/internal/types"
)

// TagSpec is the parsed form of a `.tag/K` system document.
type TagSpec struct {
	Key         string
	Constrained bool
	Inverse     string // edge verb if this key is an edge key, else ""
	Vocabulary  []string
}

// MetaQuery is one OR-branch of a `.meta/NAME` document body: a set of
// AND-ed key/value clauses plus prerequisite keys that must be present on
// the current document for the branch to apply at all.
type MetaQuery struct {
	Equals       map[string]string // key=value clauses
	FillFromSelf []string          // key= clauses, filled from the current doc's tags
	Prerequisite []string          // key=* clauses
}

// MetaDoc is the parsed form of a `.meta/NAME` system document.
type MetaDoc struct {
	ID      string
	Queries []MetaQuery
}

// PromptDoc is the parsed form of a `.prompt/{kind}/NAME` system document.
type PromptDoc struct {
	ID     string
	Kind   string // summarize, analyze, agent
	Match  []MetaQuery
	Prompt string // contents of the "## Prompt" section
}

// DocReader is the subset of docstore/keeper read access MetaResolver
// needs: list system docs by id prefix and fetch the full tag/summary of
// one doc. Kept narrow and interface-shaped so metaresolver has no import
// dependency on docstore or keeper.
type DocReader interface {
	ListByIDPrefix(prefix string) ([]types.Document, error)
	GetDocument(id string) (*types.Document, error)
}

// Resolver caches the parsed system-document families and answers queries
// against them. It is safe for concurrent use; Refresh swaps the cache
// under a lock so readers never observe a partially rebuilt state.
type Resolver struct {
	reader DocReader

	mu      sync.RWMutex
	tags    map[string]TagSpec
	metas   map[string]MetaDoc
	prompts map[string][]PromptDoc // keyed by kind
}

// New constructs a Resolver over reader and performs an initial Refresh.
func New(reader DocReader) (*Resolver, error) {
	r := &Resolver{reader: reader}
	if err := r.Refresh(); err != nil {
		return nil, err
	}
	return r, nil
}

// Refresh reloads all three document families from the store. Call it
// after any write under `.tag/`, `.meta/`, or `.prompt/`, and from the
// fsnotify watcher when bundled system docs are hand-edited on disk.
func (r *Resolver) Refresh() error {
	tagDocs, err := r.reader.ListByIDPrefix(".tag/")
	if err != nil {
		return err
	}
	metaDocs, err := r.reader.ListByIDPrefix(".meta/")
	if err != nil {
		return err
	}
	promptDocs, err := r.reader.ListByIDPrefix(".prompt/")
	if err != nil {
		return err
	}

	tags := make(map[string]TagSpec)
	for _, d := range tagDocs {
		spec := parseTagSpec(d)
		tags[spec.Key] = spec
	}
	// Second pass: attach `.tag/K/v` children as vocabulary entries of the
	// constrained parent, mirroring `_constrained=true` enumeration.
	for _, d := range tagDocs {
		key := strings.TrimPrefix(d.ID, ".tag/")
		if idx := strings.LastIndex(key, "/"); idx >= 0 {
			parentKey := key[:idx]
			value := key[idx+1:]
			if parent, ok := tags[parentKey]; ok && parent.Constrained {
				parent.Vocabulary = append(parent.Vocabulary, value)
				tags[parentKey] = parent
			}
		}
	}

	metas := make(map[string]MetaDoc)
	for _, d := range metaDocs {
		metas[d.ID] = MetaDoc{ID: d.ID, Queries: parseQueryLines(d.Summary)}
	}

	prompts := make(map[string][]PromptDoc)
	for _, d := range promptDocs {
		pd, ok := parsePromptDoc(d)
		if !ok {
			continue
		}
		prompts[pd.Kind] = append(prompts[pd.Kind], pd)
	}

	r.mu.Lock()
	r.tags, r.metas, r.prompts = tags, metas, prompts
	r.mu.Unlock()
	return nil
}

// TagSpec returns the parsed `.tag/K` spec, if any.
func (r *Resolver) TagSpec(key string) (TagSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.tags[key]
	return spec, ok
}

// EdgeKeys returns every key declared an edge key via `_inverse=V`.
func (r *Resolver) EdgeKeys() []types.EdgeKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []types.EdgeKey
	for _, spec := range r.tags {
		if spec.Inverse != "" {
			out = append(out, types.EdgeKey{Key: spec.Key, Inverse: spec.Inverse})
		}
	}
	return out
}

// ConstrainedKeys returns every parsed `.tag/K` spec with `_constrained`
// set, used by the `tag-classify` background task to enumerate which tag
// keys a part should be classified against.
func (r *Resolver) ConstrainedKeys() []TagSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []TagSpec
	for _, spec := range r.tags {
		if spec.Constrained {
			out = append(out, spec)
		}
	}
	return out
}

// ValidateConstrained checks the constrained-tag rule: if key is
// constrained, value must name an existing `.tag/K/value` document.
func (r *Resolver) ValidateConstrained(key, value string) error {
	spec, ok := r.TagSpec(key)
	if !ok || !spec.Constrained {
		return nil
	}
	for _, v := range spec.Vocabulary {
		if v == value {
			return nil
		}
	}
	if _, err := r.reader.GetDocument(".tag/" + key + "/" + value); err == nil {
		return nil
	}
	return errConstraintViolation(key, value)
}

// MetaDocs returns every parsed `.meta/NAME` document, for Keeper.Get to
// evaluate against the current document's tags.
func (r *Resolver) MetaDocs() []MetaDoc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]MetaDoc, 0, len(r.metas))
	for _, m := range r.metas {
		out = append(out, m)
	}
	return out
}

// ResolveFilter turns a MetaQuery into a concrete AND-of-equalities filter
// against the current document's tags, one clause kind at a time:
//   - `key=value`: copied verbatim.
//   - `key=`: filled from self's tags[key]; branch doesn't apply if absent.
//   - `key=*`: prerequisite only; self must carry the key, contributes no
//     filter value.
//
// ok is false if the branch doesn't apply to self (a `key=` clause with no
// matching tag on self, or an unmet `key=*` prerequisite).
func ResolveFilter(q MetaQuery, self types.Tags) (types.Tags, bool) {
	filter := types.Tags{}
	for k, v := range q.Equals {
		filter[k] = v
	}
	for _, k := range q.FillFromSelf {
		v, ok := self[k]
		if !ok || v == "" {
			return nil, false
		}
		filter[k] = v
	}
	for _, k := range q.Prerequisite {
		if v, ok := self[k]; !ok || v == "" {
			return nil, false
		}
	}
	return filter, true
}

// SelectPrompt picks the override for kind whose match rules are most
// satisfied by self's tags, falling back to nil (caller uses the built-in
// default) when none match at all. Ties break by lexical id order.
func (r *Resolver) SelectPrompt(kind string, self types.Tags) *PromptDoc {
	r.mu.RLock()
	candidates := append([]PromptDoc(nil), r.prompts[kind]...)
	r.mu.RUnlock()

	var best *PromptDoc
	bestScore := -1
	for i := range candidates {
		pd := candidates[i]
		score := satisfiedCount(pd.Match, self)
		if score <= 0 {
			continue
		}
		if score > bestScore || (score == bestScore && (best == nil || pd.ID < best.ID)) {
			best = &candidates[i]
			bestScore = score
		}
	}
	return best
}

// satisfiedCount scores a prompt doc's match rules against self: the best
// (highest-clause-count) OR-branch that fully resolves and matches wins,
// so a prompt doc with more specific AND-ed clauses outranks a more
// general one when both match.
// Branches that don't apply at all (unmet prerequisite or fill-from-self)
// or that resolve but don't match self's tags contribute nothing.
func satisfiedCount(rules []MetaQuery, self types.Tags) int {
	best := 0
	for _, q := range rules {
		filter, ok := ResolveFilter(q, self)
		if !ok || !self.MatchesFilter(filter) {
			continue
		}
		n := len(filter)
		if n == 0 {
			n = 1 // a prerequisite-only branch with no filter still counts as a match.
		}
		if n > best {
			best = n
		}
	}
	return best
}
