package memory_test

import (
	"context"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/ina/pkg/model"
	"github.com/m-mizutani/ina/pkg/repository"
	"github.com/m-mizutani/ina/pkg/repository/memory"
	"github.com/m-mizutani/ina/pkg/repository/repotest"
)

func TestMemory(t *testing.T) {
	repotest.Run(t, func(t *testing.T) repository.Repository {
		repo, err := memory.New(repotest.Dimensions)
		gt.NoError(t, err)
		return repo
	})
}

func TestNewInvalidDimensions(t *testing.T) {
	_, err := memory.New(0)
	gt.Error(t, err)
	gt.True(t, model.IsConfigurationError(err))
}

func TestPutChunkUnknownMessage(t *testing.T) {
	repo, err := memory.New(repotest.Dimensions)
	gt.NoError(t, err)

	_, err = repo.PutChunk(context.Background(), &model.Chunk{
		MessageID: model.NewMessageID(),
		Text:      "orphan",
		Embedding: repotest.Vec(1),
	})
	gt.Error(t, err)
	gt.True(t, model.IsPersistenceError(err))
}
