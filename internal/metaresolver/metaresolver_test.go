package metaresolver

import (
	"testing"

	"github.com/starford/noesis/internal/apperr"
	"github.com/starford/noesis/internal/types"
)

// fakeReader is an in-memory DocReader stand-in so these tests exercise
// the parsing/evaluation logic without a real docstore.
type fakeReader struct {
	docs map[string]types.Document
}

func newFakeReader() *fakeReader { return &fakeReader{docs: map[string]types.Document{}} }

func (f *fakeReader) put(id, summary string, tags types.Tags) {
	f.docs[id] = types.Document{ID: id, Summary: summary, Tags: tags}
}

func (f *fakeReader) ListByIDPrefix(prefix string) ([]types.Document, error) {
	var out []types.Document
	for id, d := range f.docs {
		if len(id) >= len(prefix) && id[:len(prefix)] == prefix {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeReader) GetDocument(id string) (*types.Document, error) {
	d, ok := f.docs[id]
	if !ok {
		return nil, apperr.NotFound("doc %q not found", id)
	}
	return &d, nil
}

func TestTagSpec_ConstrainedVocabulary(t *testing.T) {
	r := newFakeReader()
	r.put(".tag/status", "status values", types.Tags{types.TagConstrained: "true"})
	r.put(".tag/status/open", "", nil)
	r.put(".tag/status/blocked", "", nil)

	res, err := New(r)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	spec, ok := res.TagSpec("status")
	if !ok {
		t.Fatal("expected status tag spec")
	}
	if !spec.Constrained {
		t.Fatal("expected constrained=true")
	}
	if len(spec.Vocabulary) != 2 {
		t.Fatalf("expected 2 vocabulary entries, got %d: %v", len(spec.Vocabulary), spec.Vocabulary)
	}
}

func TestValidateConstrained(t *testing.T) {
	r := newFakeReader()
	r.put(".tag/status", "", types.Tags{types.TagConstrained: "true"})
	r.put(".tag/status/open", "", nil)

	res, err := New(r)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := res.ValidateConstrained("status", "open"); err != nil {
		t.Fatalf("expected open to satisfy constraint, got %v", err)
	}
	if err := res.ValidateConstrained("status", "nonexistent"); !apperr.Is(err, apperr.KindTagConstraintViolation) {
		t.Fatalf("expected TagConstraintViolation, got %v", err)
	}
	// Unconstrained keys never fail.
	if err := res.ValidateConstrained("topic", "anything"); err != nil {
		t.Fatalf("unconstrained key should never fail: %v", err)
	}
}

func TestEdgeKeys(t *testing.T) {
	r := newFakeReader()
	r.put(".tag/act", "", types.Tags{types.TagInverse: "fulfilled-by"})
	r.put(".tag/topic", "", nil)

	res, err := New(r)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	edges := res.EdgeKeys()
	if len(edges) != 1 || edges[0].Key != "act" || edges[0].Inverse != "fulfilled-by" {
		t.Fatalf("unexpected edge keys: %+v", edges)
	}
}

func TestParseQueryLines_ThreeClauseKinds(t *testing.T) {
	body := "project=\nstatus=open\ntopic=*\n"
	queries := parseQueryLines(body)
	if len(queries) != 1 {
		t.Fatalf("expected one OR branch, got %d", len(queries))
	}
	q := queries[0]
	if q.Equals["status"] != "open" {
		t.Fatalf("expected status=open, got %v", q.Equals)
	}
	if len(q.FillFromSelf) != 1 || q.FillFromSelf[0] != "project" {
		t.Fatalf("expected project as fill-from-self, got %v", q.FillFromSelf)
	}
	if len(q.Prerequisite) != 1 || q.Prerequisite[0] != "topic" {
		t.Fatalf("expected topic as prerequisite, got %v", q.Prerequisite)
	}
}

func TestParseQueryLines_MultipleBranches(t *testing.T) {
	body := "status=open\n\nstatus=blocked\n"
	queries := parseQueryLines(body)
	if len(queries) != 2 {
		t.Fatalf("expected 2 OR branches, got %d", len(queries))
	}
}

func TestResolveFilter_FillFromSelfMissing(t *testing.T) {
	q := MetaQuery{Equals: map[string]string{}, FillFromSelf: []string{"project"}}
	_, ok := ResolveFilter(q, types.Tags{})
	if ok {
		t.Fatal("expected branch to not apply when self lacks the fill-from-self key")
	}
}

func TestResolveFilter_Prerequisite(t *testing.T) {
	q := MetaQuery{Equals: map[string]string{"status": "open"}, Prerequisite: []string{"project"}}
	_, ok := ResolveFilter(q, types.Tags{})
	if ok {
		t.Fatal("expected branch to not apply when prerequisite is unmet")
	}
	filter, ok := ResolveFilter(q, types.Tags{"project": "noesis"})
	if !ok {
		t.Fatal("expected branch to apply once prerequisite is met")
	}
	if filter["status"] != "open" {
		t.Fatalf("expected status=open in resolved filter, got %v", filter)
	}
}

func TestSelectPrompt_MostSatisfiedWins(t *testing.T) {
	r := newFakeReader()
	r.put(".prompt/summarize/general", "status=open\n\n## Prompt\ngeneral prompt", nil)
	r.put(".prompt/summarize/project-x", "status=open\nproject=x\n\n## Prompt\nproject-x prompt", nil)

	res, err := New(r)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	self := types.Tags{"status": "open", "project": "x"}
	best := res.SelectPrompt("summarize", self)
	if best == nil {
		t.Fatal("expected a matching prompt")
	}
	if best.ID != ".prompt/summarize/project-x" {
		t.Fatalf("expected project-x to win on more satisfied rules, got %s", best.ID)
	}
}

func TestSelectPrompt_TieBrokenByLexicalID(t *testing.T) {
	r := newFakeReader()
	r.put(".prompt/summarize/b-doc", "status=open\n\n## Prompt\nb", nil)
	r.put(".prompt/summarize/a-doc", "status=open\n\n## Prompt\na", nil)

	res, err := New(r)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	best := res.SelectPrompt("summarize", types.Tags{"status": "open"})
	if best == nil || best.ID != ".prompt/summarize/a-doc" {
		t.Fatalf("expected lexically-first id to win tie, got %+v", best)
	}
}

func TestSelectPrompt_NoMatchReturnsNil(t *testing.T) {
	r := newFakeReader()
	r.put(".prompt/summarize/project-x", "project=x\n\n## Prompt\nprompt", nil)

	res, err := New(r)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if best := res.SelectPrompt("summarize", types.Tags{"project": "y"}); best != nil {
		t.Fatalf("expected no match, got %+v", best)
	}
}

func TestRefresh_PicksUpChanges(t *testing.T) {
	r := newFakeReader()
	res, err := New(r)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := res.TagSpec("status"); ok {
		t.Fatal("expected no status spec before refresh")
	}
	r.put(".tag/status", "", types.Tags{types.TagConstrained: "true"})
	if err := res.Refresh(); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if _, ok := res.TagSpec("status"); !ok {
		t.Fatal("expected status spec after refresh")
	}
}
