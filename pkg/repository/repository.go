package repository

import (
	"context"

	"github.com/m-mizutani/ina/pkg/model"
)

// Repository persists messages and their embedded chunks. Similarity is
// cosine distance. QuerySimilar applies the scope as a hard filter before
// ranking, orders results by ascending distance with ties broken by newer
// creation time then lower chunk index, and returns at most k results.
//
// Backend failures are persistence errors. Invalid query arguments (k <= 0,
// a scope without user or chat, a query vector of the wrong dimension) are
// query errors. Writing a chunk whose embedding does not match Dimensions is
// a configuration error.
type Repository interface {
	// PutMessage creates or replaces a message
	PutMessage(ctx context.Context, msg *model.Message) error

	// GetMessage returns model.ErrMessageNotFound when id does not exist
	GetMessage(ctx context.Context, id model.MessageID) (*model.Message, error)

	// TouchMessage moves updated_at of the message and nothing else
	TouchMessage(ctx context.Context, id model.MessageID) error

	// ListMessages returns up to limit messages in scope, newest first
	ListMessages(ctx context.Context, scope model.Scope, limit int) ([]*model.Message, error)

	// ListFileMessages returns messages of the user that carry a document,
	// newest first. An empty fileType matches every type.
	ListFileMessages(ctx context.Context, userID int64, fileType model.FileType, limit int) ([]*model.Message, error)

	// DeleteMessage removes the message and all of its chunks
	DeleteMessage(ctx context.Context, id model.MessageID) error

	// PutChunk stores a chunk of an existing message and returns its id
	PutChunk(ctx context.Context, chunk *model.Chunk) (model.ChunkID, error)

	// GetChunk returns model.ErrChunkNotFound when the message has no chunk
	// at index
	GetChunk(ctx context.Context, messageID model.MessageID, index int) (*model.Chunk, error)

	// NextChunkIndex returns one past the highest chunk index of the message
	NextChunkIndex(ctx context.Context, messageID model.MessageID) (int, error)

	QuerySimilar(ctx context.Context, embedding []float32, scope model.Scope, k int) ([]*model.ScoredChunk, error)

	// Dimensions is the embedding dimension the store was configured with
	Dimensions() int

	Close() error
}
