package firestore

import (
	"context"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/ina/pkg/model"
	"github.com/m-mizutani/ina/pkg/repository/repotest"
)

func TestQuerySimilarRejectsLimitAboveMax(t *testing.T) {
	// no client: the limit is checked before any request
	r := &Repository{dimensions: repotest.Dimensions}

	_, err := r.QuerySimilar(context.Background(), repotest.Vec(1), model.Scope{ChatID: 1}, MaxNearestLimit+1)
	gt.Error(t, err)
	gt.True(t, model.IsQueryError(err))
}
