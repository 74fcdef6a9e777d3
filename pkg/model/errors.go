package model

import (
	"github.com/m-mizutani/goerr/v2"
)

var (
	// TagConfiguration marks invalid settings such as bad chunk parameters
	// or an embedding dimension that does not match the store. Not retried.
	TagConfiguration = goerr.NewTag("configuration")
	// TagEmbeddingService marks failures of the embedding backend. Transient.
	TagEmbeddingService = goerr.NewTag("embedding_service")
	// TagPersistence marks store failures. Additive writes may be retried.
	TagPersistence = goerr.NewTag("persistence")
	// TagQuery marks invalid query parameters. Not retried.
	TagQuery = goerr.NewTag("query")
)

var (
	ErrMessageNotFound = goerr.New("message not found")
	ErrChunkNotFound   = goerr.New("chunk not found")
)

// The Is*Error helpers match a tag set anywhere in the error chain
func IsConfigurationError(err error) bool    { return goerr.HasTag(err, TagConfiguration) }
func IsEmbeddingServiceError(err error) bool { return goerr.HasTag(err, TagEmbeddingService) }
func IsPersistenceError(err error) bool      { return goerr.HasTag(err, TagPersistence) }
func IsQueryError(err error) bool            { return goerr.HasTag(err, TagQuery) }
