package repository_test

import (
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/ina/pkg/model"
	"github.com/m-mizutani/ina/pkg/repository"
)

func TestSortScored(t *testing.T) {
	older := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)
	scored := func(name string, distance float64, createdAt time.Time, index int) *model.ScoredChunk {
		return &model.ScoredChunk{
			Chunk:    &model.Chunk{Text: name, CreatedAt: createdAt, Index: index},
			Distance: distance,
		}
	}

	// rows as an index scan may return them: by distance only
	results := []*model.ScoredChunk{
		scored("far", 0.5, newer, 0),
		scored("old", 0.1, older, 0),
		scored("new second", 0.1, newer, 1),
		scored("new first", 0.1, newer, 0),
	}
	repository.SortScored(results)

	names := make([]string, len(results))
	for i, r := range results {
		names[i] = r.Chunk.Text
	}
	gt.Equal(t, names, []string{"new first", "new second", "old", "far"})
}

func TestValidateQuery(t *testing.T) {
	vec := make([]float32, 4)

	gt.NoError(t, repository.ValidateQuery(vec, model.Scope{UserID: 1}, 3, 4))
	gt.True(t, model.IsQueryError(repository.ValidateQuery(vec, model.Scope{UserID: 1}, 0, 4)))
	gt.True(t, model.IsQueryError(repository.ValidateQuery(vec, model.Scope{UserID: 1}, 3, 8)))
}
