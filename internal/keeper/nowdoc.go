package keeper

import (
	"context"
	"strings"

	"github.com/starford/noesis/internal/apperr"
	"github.com/starford/noesis/internal/types"
)

const defaultNowContent = "Nothing set yet. Use set_now to record current intentions."

// GetNow returns the singleton (or scoped) nowdoc, auto-created from a
// default on first access.
func (k *Keeper) GetNow(ctx context.Context, scope string) (*types.Document, error) {
	id := types.NowScope(scope)
	doc, err := k.docs.GetDocument(id)
	if apperr.Is(err, apperr.KindNotFound) {
		return k.SetNow(ctx, scope, defaultNowContent, nil)
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// SetNow replaces the nowdoc's content, a thin wrapper over Put with a
// fixed, scope-derived id.
func (k *Keeper) SetNow(ctx context.Context, scope, content string, tags types.Tags) (*types.Document, error) {
	return k.Put(ctx, PutInput{ID: types.NowScope(scope), Content: content, Tags: tags})
}

// nowScopeOf reports whether id addresses a nowdoc and, if so, its scope.
func nowScopeOf(id string) (string, bool) {
	if id == "now" {
		return "", true
	}
	if scope, ok := strings.CutPrefix(id, "now:"); ok {
		return scope, true
	}
	return "", false
}
