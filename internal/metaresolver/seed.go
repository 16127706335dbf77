package metaresolver

import (
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"io/fs"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/starford/noesis/internal/types"
)

//go:embed bundled/*.md
var bundledDocs embed.FS

// bundledDocIDs maps a bundled filename to its stable system-doc id, the
// same filename-to-id convention as the original's SYSTEM_DOC_IDS table
// (sans `.md`, hyphens become `/`, prefixed with `.`).
var bundledDocIDs = map[string]string{
	"tag-act.md":                   ".tag/act",
	"tag-act-request.md":           ".tag/act/request",
	"tag-act-commitment.md":        ".tag/act/commitment",
	"tag-status.md":                ".tag/status",
	"tag-status-open.md":           ".tag/status/open",
	"tag-status-fulfilled.md":      ".tag/status/fulfilled",
	"tag-topic.md":                 ".tag/topic",
	"tag-project.md":               ".tag/project",
	"meta-todo.md":                 ".meta/todo",
	"prompt-summarize-default.md":  ".prompt/summarize/default",
}

// Seeder is the narrow write surface SeedBundled needs from Keeper: create
// a system document only if it doesn't already exist (preserving user
// edits), matching migrate_system_documents' "skip if present" rule.
type Seeder interface {
	Exists(id string) bool
	PutSystemDoc(id, summary string, tags types.Tags) error
}

// SeedStats reports what SeedBundled did, mirroring migrate_system_documents'
// stats dict (created/skipped counts; no migration/cleanup phases since
// Noesis has no legacy id scheme to migrate away from).
type SeedStats struct {
	Created int
	Skipped int
}

// SeedBundled loads the bundled default `.tag/`, `.meta/`, and `.prompt/`
// documents into seeder, skipping any id that already exists so local
// edits are never clobbered.
// Each bundled file may carry a YAML frontmatter block (`---` delimited)
// supplying system tags such as `_constrained`/`_inverse`, the same
// convention `_load_frontmatter` parses.
func SeedBundled(seeder Seeder) (SeedStats, error) {
	var stats SeedStats
	entries, err := fs.Glob(bundledDocs, "bundled/*.md")
	if err != nil {
		return stats, err
	}
	for _, path := range entries {
		name := strings.TrimPrefix(path, "bundled/")
		id, ok := bundledDocIDs[name]
		if !ok {
			continue
		}
		if seeder.Exists(id) {
			stats.Skipped++
			continue
		}
		raw, err := bundledDocs.ReadFile(path)
		if err != nil {
			return stats, err
		}
		content, tags := splitFrontmatter(string(raw))
		tags["category"] = "system"
		tags["bundled_hash"] = contentHash(content)
		if err := seeder.PutSystemDoc(id, content, tags); err != nil {
			return stats, err
		}
		stats.Created++
	}
	return stats, nil
}

// splitFrontmatter mirrors _load_frontmatter: a leading `---`-delimited
// block is parsed as YAML with a `tags` map; everything after is the
// document body.
func splitFrontmatter(text string) (content string, tags types.Tags) {
	tags = types.Tags{}
	if !strings.HasPrefix(text, "---") {
		return text, tags
	}
	parts := strings.SplitN(text, "---", 3)
	if len(parts) < 3 {
		return text, tags
	}
	var fm struct {
		Tags map[string]string `yaml:"tags"`
	}
	if err := yaml.Unmarshal([]byte(parts[1]), &fm); err != nil {
		return text, tags
	}
	for k, v := range fm.Tags {
		tags[k] = v
	}
	return strings.TrimLeft(parts[2], "\n"), tags
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	hexSum := hex.EncodeToString(sum[:])
	return hexSum[len(hexSum)-10:]
}
