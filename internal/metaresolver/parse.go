package metaresolver

import (
	"strings"

	"github.com/starford/noesis/internal/apperr"
	"github.com/starford/noesis/internal/types"
)

func errConstraintViolation(key, value string) error {
	return apperr.TagConstraintViolation("tags[%s]=%q: not in %s's constrained vocabulary", key, value, ".tag/"+key)
}

// parseTagSpec reads `_constrained`/`_inverse` off a `.tag/K` document's
// tags. The vocabulary is filled in by Refresh's second pass over
// `.tag/K/*` children.
func parseTagSpec(d types.Document) TagSpec {
	key := strings.TrimPrefix(d.ID, ".tag/")
	return TagSpec{
		Key:         key,
		Constrained: d.Tags[types.TagConstrained] == "true",
		Inverse:     d.Tags[types.TagInverse],
	}
}

// parseQueryLines parses a `.meta/NAME` body into OR-ed MetaQuery
// branches. Each non-blank, non-comment line is one clause;
// consecutive clauses accumulate into a single branch until a blank line
// (or `---`) starts a new OR branch. This mirrors how the original bundled
// meta docs group related filters under one paragraph per branch.
func parseQueryLines(body string) []MetaQuery {
	var queries []MetaQuery
	cur := MetaQuery{Equals: map[string]string{}}
	empty := true

	flush := func() {
		if !empty {
			queries = append(queries, cur)
		}
		cur = MetaQuery{Equals: map[string]string{}}
		empty = true
	}

	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line == "---" {
			flush()
			continue
		}
		if strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := splitClause(line)
		if !ok {
			continue
		}
		switch {
		case v == "*":
			cur.Prerequisite = append(cur.Prerequisite, k)
		case v == "":
			cur.FillFromSelf = append(cur.FillFromSelf, k)
		default:
			cur.Equals[k] = v
		}
		empty = false
	}
	flush()
	return queries
}

func splitClause(line string) (key, value string, ok bool) {
	idx := strings.Index(line, "=")
	if idx < 0 {
		return "", "", false
	}
	key = strings.TrimSpace(line[:idx])
	value = strings.TrimSpace(line[idx+1:])
	if key == "" {
		return "", "", false
	}
	return key, value, true
}

// parsePromptDoc splits a `.prompt/{kind}/NAME` document into its match
// rules (everything before "## Prompt", parsed with the same meta DSL) and
// the prompt text itself (everything after).
func parsePromptDoc(d types.Document) (PromptDoc, bool) {
	rest := strings.TrimPrefix(d.ID, ".prompt/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		return PromptDoc{}, false
	}
	kind := parts[0]

	const marker = "## Prompt"
	idx := strings.Index(d.Summary, marker)
	if idx < 0 {
		return PromptDoc{ID: d.ID, Kind: kind, Match: parseQueryLines(d.Summary)}, true
	}
	matchBody := d.Summary[:idx]
	promptBody := strings.TrimSpace(d.Summary[idx+len(marker):])
	return PromptDoc{
		ID:     d.ID,
		Kind:   kind,
		Match:  parseQueryLines(matchBody),
		Prompt: promptBody,
	}, true
}
