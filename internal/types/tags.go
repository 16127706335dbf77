package types

import (
	"strings"
	"time"
)

// Tags is the flat string-to-string map that carries both user and
// system-managed metadata.
type Tags map[string]string

// System tag keys, auto-managed and never directly settable by
// callers.
const (
	TagCreated     = "_created"
	TagUpdated     = "_updated"
	TagUpdatedDate = "_updated_date"
	TagAccessed    = "_accessed"
	TagAccessedDate = "_accessed_date"
	TagContentType = "_content_type"
	TagSource      = "_source"
	TagSavedFrom   = "_saved_from"
	TagSavedAt     = "_saved_at"
	TagEmbedPending = "_embed_pending"
	TagError       = "_error"
	TagConstrained = "_constrained"
	TagInverse     = "_inverse"
	TagAnalyzedHash = "_analyzed_hash"
)

// Source values for the _source tag.
const (
	SourceInline    = "inline"
	SourceURI       = "uri"
	SourceAutoVivify = "auto-vivify"
	SourceImport    = "import"
)

// IsSystemKey reports whether a tag key is system-managed.
func IsSystemKey(key string) bool {
	return strings.HasPrefix(key, SystemTagPrefix)
}

// StripSystem returns a copy of tags with all system-managed keys removed,
// enforcing the reserved-prefix rule on caller-supplied tag maps before merge.
func StripSystem(tags Tags) Tags {
	out := make(Tags, len(tags))
	for k, v := range tags {
		if !IsSystemKey(k) {
			out[k] = v
		}
	}
	return out
}

// Clone returns a shallow copy of tags.
func (t Tags) Clone() Tags {
	out := make(Tags, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// Merge applies overlay onto t, deleting any key whose overlay value is the
// empty string, and returns the result as a new map. Later callers in
// the write path's priority chain should call Merge in
// order: existing -> defaults -> env -> caller -> system.
func (t Tags) Merge(overlay Tags) Tags {
	out := t.Clone()
	for k, v := range overlay {
		if v == "" {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

// Equal reports whether two tag maps contain the same keys and values.
func (t Tags) Equal(other Tags) bool {
	if len(t) != len(other) {
		return false
	}
	for k, v := range t {
		if ov, ok := other[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// CasefoldKeys returns tags with non-system keys casefolded for
// case-insensitive lookup, preserving value case for display fidelity.
func CasefoldKeys(tags Tags) Tags {
	out := make(Tags, len(tags))
	for k, v := range tags {
		if !IsSystemKey(k) {
			k = strings.ToLower(k)
		}
		out[k] = v
	}
	return out
}

// ProjectTimestamps returns tags plus the auto-managed timestamp tags
// (_created, _updated, _updated_date, _accessed, _accessed_date). The
// projection happens at the read/index boundary only; the stored tag map
// stays free of them so change detection never trips on a clock tick.
func ProjectTimestamps(tags Tags, created, updated, accessed time.Time) Tags {
	out := tags.Clone()
	out[TagCreated] = FormatTime(created)
	out[TagUpdated] = FormatTime(updated)
	out[TagUpdatedDate] = DateProjection(updated)
	out[TagAccessed] = FormatTime(accessed)
	out[TagAccessedDate] = DateProjection(accessed)
	return out
}

// MatchesFilter reports whether tags satisfies an AND-of-equalities filter,
// where an empty filter value means "key must be present" (key-exists).
func (t Tags) MatchesFilter(filter Tags) bool {
	for k, want := range filter {
		got, ok := t[k]
		if !ok {
			return false
		}
		if want != "" && got != want {
			return false
		}
	}
	return true
}
