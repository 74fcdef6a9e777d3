// Package memory remembers chat messages and documents as embedded chunks
// and recalls them as context for later requests.
package memory

import (
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/ina/pkg/adapter"
	"github.com/m-mizutani/ina/pkg/chunker"
	"github.com/m-mizutani/ina/pkg/embedding"
	"github.com/m-mizutani/ina/pkg/model"
	"github.com/m-mizutani/ina/pkg/repository"
	"github.com/m-mizutani/ina/pkg/retrieval"
)

const (
	DefaultConcurrency   = 4
	DefaultRetryAttempts = 3
	DefaultRetryBackoff  = 200 * time.Millisecond
	DefaultCallTimeout   = 30 * time.Second
)

// UseCase provides remember and recall operations
type UseCase struct {
	repo     repository.Repository
	embedder embedding.Client
	chunker  *chunker.Chunker
	storage  adapter.Storage

	assembler     *retrieval.Assembler
	retrievalOpts []retrieval.Option

	concurrency   int
	retryAttempts int
	retryBackoff  time.Duration
	callTimeout   time.Duration

	locks *keyedMutex
	now   func() time.Time
}

// Option is a functional option for UseCase
type Option func(*UseCase)

// WithStorage archives raw uploaded documents in storage
func WithStorage(storage adapter.Storage) Option {
	return func(uc *UseCase) {
		uc.storage = storage
	}
}

// WithConcurrency sets how many chunks of one message are embedded at once
func WithConcurrency(n int) Option {
	return func(uc *UseCase) {
		uc.concurrency = n
	}
}

// WithRetry sets attempts and initial backoff for store writes. The backoff
// doubles after every failed attempt.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(uc *UseCase) {
		uc.retryAttempts = attempts
		uc.retryBackoff = backoff
	}
}

// WithCallTimeout bounds each embedding and store call. Zero disables it.
func WithCallTimeout(d time.Duration) Option {
	return func(uc *UseCase) {
		uc.callTimeout = d
	}
}

// WithRetrievalOptions passes options to the retrieval assembler
func WithRetrievalOptions(opts ...retrieval.Option) Option {
	return func(uc *UseCase) {
		uc.retrievalOpts = append(uc.retrievalOpts, opts...)
	}
}

// WithClock replaces time.Now for message timestamps
func WithClock(now func() time.Time) Option {
	return func(uc *UseCase) {
		uc.now = now
	}
}

// New creates a memory UseCase. The embedder must produce vectors of the
// dimension the repository stores.
func New(
	repo repository.Repository,
	embedder embedding.Client,
	chunker *chunker.Chunker,
	opts ...Option,
) (*UseCase, error) {
	uc := &UseCase{
		repo:          repo,
		embedder:      embedder,
		chunker:       chunker,
		concurrency:   DefaultConcurrency,
		retryAttempts: DefaultRetryAttempts,
		retryBackoff:  DefaultRetryBackoff,
		callTimeout:   DefaultCallTimeout,
		locks:         newKeyedMutex(),
		now:           time.Now,
	}

	for _, opt := range opts {
		opt(uc)
	}

	if embedder.Dimensions() != repo.Dimensions() {
		return nil, goerr.New("embedding dimension does not match store dimension",
			goerr.V("embedding", embedder.Dimensions()),
			goerr.V("store", repo.Dimensions()),
			goerr.T(model.TagConfiguration))
	}
	if uc.concurrency < 1 {
		uc.concurrency = 1
	}
	if uc.retryAttempts < 1 {
		uc.retryAttempts = 1
	}

	uc.embedder = embedding.WithTimeout(embedder, uc.callTimeout)
	retrievalOpts := append([]retrieval.Option{retrieval.WithCallTimeout(uc.callTimeout)}, uc.retrievalOpts...)
	uc.assembler = retrieval.New(uc.embedder, repo, retrievalOpts...)

	return uc, nil
}
