package keeper

import (
	"context"
	"testing"
)

func TestGetNow_AutoCreatesDefaultOnFirstAccess(t *testing.T) {
	env := newTestEnv(t)
	doc, err := env.k.GetNow(context.Background(), "")
	if err != nil {
		t.Fatalf("get_now: %v", err)
	}
	if doc.Summary != defaultNowContent {
		t.Fatalf("expected default nowdoc content, got %q", doc.Summary)
	}
}

func TestSetNow_ThenGetNowReturnsUpdatedContent(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.k.SetNow(context.Background(), "", "working on the thing", nil); err != nil {
		t.Fatalf("set_now: %v", err)
	}
	doc, err := env.k.GetNow(context.Background(), "")
	if err != nil {
		t.Fatalf("get_now: %v", err)
	}
	if doc.Summary != "working on the thing" {
		t.Fatalf("summary = %q", doc.Summary)
	}
}

func TestGetNow_ScopedSingletonsAreIndependent(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.k.SetNow(context.Background(), "work", "focused on work", nil); err != nil {
		t.Fatalf("set_now(work): %v", err)
	}
	personal, err := env.k.GetNow(context.Background(), "personal")
	if err != nil {
		t.Fatalf("get_now(personal): %v", err)
	}
	if personal.Summary != defaultNowContent {
		t.Fatalf("expected personal scope to be untouched, got %q", personal.Summary)
	}
}
