package metaresolver

import (
	"testing"

	"github.com/starford/noesis/internal/types"
)

type fakeSeeder struct {
	existing map[string]bool
	put      map[string]types.Tags
}

func newFakeSeeder() *fakeSeeder {
	return &fakeSeeder{existing: map[string]bool{}, put: map[string]types.Tags{}}
}

func (f *fakeSeeder) Exists(id string) bool { return f.existing[id] }

func (f *fakeSeeder) PutSystemDoc(id, summary string, tags types.Tags) error {
	f.put[id] = tags
	return nil
}

func TestSeedBundled_CreatesMissingDocs(t *testing.T) {
	seeder := newFakeSeeder()
	stats, err := SeedBundled(seeder)
	if err != nil {
		t.Fatalf("SeedBundled: %v", err)
	}
	if stats.Created == 0 {
		t.Fatal("expected at least one bundled doc created")
	}
	tags, ok := seeder.put[".tag/act"]
	if !ok {
		t.Fatal("expected .tag/act to be seeded")
	}
	if tags[types.TagConstrained] != "true" {
		t.Fatalf("expected frontmatter to set _constrained=true, got %v", tags)
	}
	if tags["bundled_hash"] == "" {
		t.Fatal("expected bundled_hash to be set")
	}
}

func TestSeedBundled_SkipsExisting(t *testing.T) {
	seeder := newFakeSeeder()
	seeder.existing[".tag/act"] = true
	stats, err := SeedBundled(seeder)
	if err != nil {
		t.Fatalf("SeedBundled: %v", err)
	}
	if stats.Skipped == 0 {
		t.Fatal("expected at least one doc skipped")
	}
	if _, ok := seeder.put[".tag/act"]; ok {
		t.Fatal("existing doc should not be overwritten")
	}
}
