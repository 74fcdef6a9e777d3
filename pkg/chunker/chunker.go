package chunker

import (
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/ina/pkg/model"
)

const (
	DefaultMaxChunkSize = 1000
	DefaultOverlap      = 100
)

// Chunker splits text into overlapping windows measured in runes
type Chunker struct {
	maxChunkSize int
	overlap      int
}

// New validates the window parameters. maxChunkSize must be greater than
// overlap and overlap must not be negative, otherwise the window could not
// advance.
func New(maxChunkSize, overlap int) (*Chunker, error) {
	if maxChunkSize <= 0 {
		return nil, goerr.New("max chunk size must be positive",
			goerr.V("max_chunk_size", maxChunkSize),
			goerr.T(model.TagConfiguration))
	}
	if overlap < 0 {
		return nil, goerr.New("overlap must not be negative",
			goerr.V("overlap", overlap),
			goerr.T(model.TagConfiguration))
	}
	if overlap >= maxChunkSize {
		return nil, goerr.New("overlap must be smaller than max chunk size",
			goerr.V("max_chunk_size", maxChunkSize),
			goerr.V("overlap", overlap),
			goerr.T(model.TagConfiguration))
	}

	return &Chunker{
		maxChunkSize: maxChunkSize,
		overlap:      overlap,
	}, nil
}

func (x *Chunker) MaxChunkSize() int { return x.maxChunkSize }
func (x *Chunker) Overlap() int      { return x.overlap }

// Split returns the chunks of text in order. The slice index is the chunk
// index. The last window is the remaining tail as is.
func (x *Chunker) Split(text string) []string {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}

	step := x.maxChunkSize - x.overlap
	var chunks []string
	for start := 0; ; start += step {
		end := start + x.maxChunkSize
		if end >= len(runes) {
			chunks = append(chunks, string(runes[start:]))
			break
		}
		chunks = append(chunks, string(runes[start:end]))
	}

	return chunks
}

// Chunk is a shortcut of New and Split
func Chunk(text string, maxChunkSize, overlap int) ([]string, error) {
	c, err := New(maxChunkSize, overlap)
	if err != nil {
		return nil, err
	}
	return c.Split(text), nil
}
