// Package retrieval turns a query into a bounded, deduplicated list of
// remembered chunk texts.
package retrieval

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/ina/pkg/embedding"
	"github.com/m-mizutani/ina/pkg/model"
	"github.com/m-mizutani/ina/pkg/repository"
	"github.com/m-mizutani/ina/pkg/utils/logging"
)

const DefaultOverfetchFactor = 3

type Assembler struct {
	embedder    embedding.Client
	repo        repository.Repository
	overfetch   int
	degrade     bool
	callTimeout time.Duration

	maxDistance   float64
	limitDistance bool
}

type Option func(*Assembler)

// WithOverfetchFactor sets how many candidates per requested chunk are
// fetched before deduplication. Values below 1 are treated as 1.
func WithOverfetchFactor(n int) Option {
	return func(a *Assembler) {
		if n < 1 {
			n = 1
		}
		a.overfetch = n
	}
}

// WithDegradeOnFailure makes embedding and store failures return an empty
// context instead of an error. The failure is logged as a warning.
func WithDegradeOnFailure(degrade bool) Option {
	return func(a *Assembler) {
		a.degrade = degrade
	}
}

// WithCallTimeout bounds the store query. A query still running at the
// deadline is abandoned and fails as a persistence error. Zero disables it.
func WithCallTimeout(d time.Duration) Option {
	return func(a *Assembler) {
		a.callTimeout = d
	}
}

// WithMaxDistance drops candidates whose cosine distance is above d before
// they are considered for the context. A negative d disables the limit.
func WithMaxDistance(d float64) Option {
	return func(a *Assembler) {
		a.maxDistance = d
		a.limitDistance = d >= 0
	}
}

func New(embedder embedding.Client, repo repository.Repository, opts ...Option) *Assembler {
	a := &Assembler{
		embedder:  embedder,
		repo:      repo,
		overfetch: DefaultOverfetchFactor,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Assemble returns chunk texts closest to query in ascending distance. The
// total rune count of the result never exceeds maxContextChars and at most
// k texts are returned.
func (a *Assembler) Assemble(ctx context.Context, query string, scope model.Scope, k, maxContextChars int) ([]string, error) {
	scored, err := a.AssembleScored(ctx, query, scope, k, maxContextChars)
	if err != nil {
		return nil, err
	}

	texts := make([]string, len(scored))
	for i, s := range scored {
		texts[i] = s.Chunk.Text
	}
	return texts, nil
}

// AssembleScored is Assemble keeping the chunk and its distance
func (a *Assembler) AssembleScored(ctx context.Context, query string, scope model.Scope, k, maxContextChars int) ([]*model.ScoredChunk, error) {
	if k <= 0 {
		return nil, goerr.New("k must be positive", goerr.V("k", k), goerr.T(model.TagQuery))
	}
	if maxContextChars < 0 {
		return nil, goerr.New("max context chars must not be negative",
			goerr.V("max_context_chars", maxContextChars),
			goerr.T(model.TagQuery))
	}
	if strings.TrimSpace(query) == "" {
		return nil, goerr.New("query is empty", goerr.T(model.TagQuery))
	}
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	candidates, err := a.fetch(ctx, query, scope, k)
	if err != nil {
		if a.degrade && !model.IsQueryError(err) && !model.IsConfigurationError(err) {
			logging.From(ctx).Warn("proceeding without memory context", logging.ErrAttr(err))
			return []*model.ScoredChunk{}, nil
		}
		return nil, err
	}

	if a.limitDistance {
		candidates = withinDistance(candidates, a.maxDistance)
	}
	return selectChunks(candidates, k, maxContextChars), nil
}

func (a *Assembler) fetch(ctx context.Context, query string, scope model.Scope, k int) ([]*model.ScoredChunk, error) {
	vec, err := a.embedder.Embed(ctx, query)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to embed query")
	}

	candidates, err := a.querySimilar(ctx, vec, scope, k*a.overfetch)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query similar chunks",
			goerr.V("user_id", scope.UserID),
			goerr.V("chat_id", scope.ChatID))
	}

	logging.From(ctx).Debug("fetched memory candidates",
		"count", len(candidates),
		"k", k,
		"user_id", scope.UserID,
		"chat_id", scope.ChatID)
	return candidates, nil
}

type queryResult struct {
	chunks []*model.ScoredChunk
	err    error
}

func (a *Assembler) querySimilar(ctx context.Context, vec []float32, scope model.Scope, n int) ([]*model.ScoredChunk, error) {
	if a.callTimeout <= 0 {
		return a.repo.QuerySimilar(ctx, vec, scope, n)
	}

	ctx, cancel := context.WithTimeout(ctx, a.callTimeout)
	defer cancel()

	// buffered so an abandoned query can still finish
	done := make(chan queryResult, 1)
	go func() {
		chunks, err := a.repo.QuerySimilar(ctx, vec, scope, n)
		done <- queryResult{chunks: chunks, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !model.IsPersistenceError(r.err) {
			return nil, a.timeoutError(r.err)
		}
		return r.chunks, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, a.timeoutError(ctx.Err())
		}
		return nil, goerr.Wrap(ctx.Err(), "store query canceled")
	}
}

func (a *Assembler) timeoutError(err error) error {
	return goerr.Wrap(err, "store query timed out",
		goerr.V("timeout", a.callTimeout.String()),
		goerr.T(model.TagPersistence))
}

// withinDistance keeps candidates not further than maxDistance. Candidates
// are ordered by distance so the first one over the limit ends the list.
func withinDistance(candidates []*model.ScoredChunk, maxDistance float64) []*model.ScoredChunk {
	for i, c := range candidates {
		if c.Distance > maxDistance {
			return candidates[:i]
		}
	}
	return candidates
}

func dedupKey(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}

// selectChunks drops duplicate texts and greedily keeps candidates in order
// until the next one would overflow the budget
func selectChunks(candidates []*model.ScoredChunk, k, maxChars int) []*model.ScoredChunk {
	selected := []*model.ScoredChunk{}
	seen := make(map[string]struct{}, len(candidates))
	used := 0

	for _, c := range candidates {
		if len(selected) >= k {
			break
		}

		key := dedupKey(c.Chunk.Text)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}

		n := utf8.RuneCountInString(c.Chunk.Text)
		if used+n > maxChars {
			break
		}
		used += n
		selected = append(selected, c)
	}

	return selected
}
