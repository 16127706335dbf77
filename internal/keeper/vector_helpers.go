package keeper

import (
	"time"

	"github.com/starford/noesis/internal/types"
	"github.com/starford/noesis/internal/vectorstore"
)

// vectorstoreRecord builds a vectorstore.Record with tags casefolded for
// index matching and the timestamp tags projected in so the pre-filter
// can match on _updated_date and friends.
func vectorstoreRecord(key string, vector []float32, summary string, tags types.Tags, createdAt, updatedAt time.Time) vectorstore.Record {
	projected := types.ProjectTimestamps(tags, createdAt, updatedAt, updatedAt)
	return vectorstore.Record{
		Key:       key,
		Vector:    vector,
		Summary:   summary,
		Tags:      types.CasefoldKeys(projected),
		CreatedAt: types.FormatTime(createdAt),
		UpdatedAt: types.FormatTime(updatedAt),
	}
}
