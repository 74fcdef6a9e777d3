package model

import (
	"time"

	"github.com/google/uuid"
)

type ChunkID string

// NewChunkID generates a new unique ChunkID
func NewChunkID() ChunkID {
	return ChunkID(uuid.New().String())
}

func (x ChunkID) String() string { return string(x) }

// Chunk is a bounded slice of a message body together with its embedding.
// Chunks are owned by their message and removed with it.
type Chunk struct {
	ID        ChunkID
	MessageID MessageID
	Text      string
	Index     int
	Embedding []float32
	CreatedAt time.Time
}

// ScoredChunk is a chunk returned from similarity search. Distance is the
// cosine distance to the query, 0 for identical direction and 2 for opposite.
type ScoredChunk struct {
	Chunk    *Chunk
	Distance float64
}
