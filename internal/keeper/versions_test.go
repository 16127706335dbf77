package keeper

import (
	"testing"

	"github.com/starford/noesis/internal/apperr"
)

func TestGetVersion_ReturnsArchivedState(t *testing.T) {
	env := newTestEnv(t)
	mustPut(t, env.k, PutInput{ID: "note/v", Content: "v1"})
	mustPut(t, env.k, PutInput{ID: "note/v", Content: "v2"})

	v, err := env.k.GetVersion("note/v", 1)
	if err != nil {
		t.Fatalf("get_version: %v", err)
	}
	if v.Summary != "v1" {
		t.Fatalf("summary = %q", v.Summary)
	}
}

func TestListVersions_NewestFirst(t *testing.T) {
	env := newTestEnv(t)
	mustPut(t, env.k, PutInput{ID: "note/lv", Content: "a"})
	mustPut(t, env.k, PutInput{ID: "note/lv", Content: "b"})
	mustPut(t, env.k, PutInput{ID: "note/lv", Content: "c"})

	versions, err := env.k.ListVersions("note/lv")
	if err != nil {
		t.Fatalf("list_versions: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("expected 2 archived versions, got %d", len(versions))
	}
	if versions[0].Summary != "b" {
		t.Fatalf("expected newest archived version first, got %q", versions[0].Summary)
	}
}

func TestRevert_PromotesNewestArchivedVersion(t *testing.T) {
	env := newTestEnv(t)
	mustPut(t, env.k, PutInput{ID: "note/rv", Content: "v1"})
	mustPut(t, env.k, PutInput{ID: "note/rv", Content: "v2"})

	reverted, err := env.k.Revert("note/rv")
	if err != nil {
		t.Fatalf("revert: %v", err)
	}
	if reverted.Summary != "v1" {
		t.Fatalf("expected reverted summary v1, got %q", reverted.Summary)
	}
	versions, err := env.docs.ListVersions("note/rv")
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	if len(versions) != 0 {
		t.Fatalf("expected archived version consumed by revert, got %d remaining", len(versions))
	}
}

func TestRevert_NoVersionsDeletesDocument(t *testing.T) {
	env := newTestEnv(t)
	mustPut(t, env.k, PutInput{ID: "note/nv", Content: "only version"})

	doc, err := env.k.Revert("note/nv")
	if err != nil {
		t.Fatalf("revert with no history must succeed by deleting: %v", err)
	}
	if doc != nil {
		t.Fatalf("expected nil document when nothing remains, got %+v", doc)
	}
	if _, err := env.docs.GetDocument("note/nv"); err == nil {
		t.Fatal("expected document removed when reverting past its first state")
	}
	if _, err := env.vectors.Get("note/nv"); err == nil {
		t.Fatal("expected vector removed along with the document")
	}
}

func TestRevert_MissingDocumentIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.k.Revert("note/ghost"); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not-found for a document that never existed, got %v", err)
	}
}

func TestDelete_RemovesDocumentAndVector(t *testing.T) {
	env := newTestEnv(t)
	mustPut(t, env.k, PutInput{ID: "note/dead", Content: "gone soon"})

	if err := env.k.Delete("note/dead", true); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.docs.GetDocument("note/dead"); err == nil {
		t.Fatal("expected document to be gone after delete")
	}
	if _, err := env.vectors.Get("note/dead"); err == nil {
		t.Fatal("expected vector to be gone after delete")
	}
}

func TestDelete_RejectsPartID(t *testing.T) {
	env := newTestEnv(t)
	if err := env.k.Delete("note/x@P1", true); err == nil {
		t.Fatal("expected error deleting a part id directly")
	}
}
