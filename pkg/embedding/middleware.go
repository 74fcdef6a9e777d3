package embedding

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/ina/pkg/model"
	"golang.org/x/time/rate"
)

type timeoutClient struct {
	Client
	timeout time.Duration
}

// WithTimeout bounds every Embed call. A call that hits the deadline fails
// as an embedding service error.
func WithTimeout(c Client, timeout time.Duration) Client {
	if timeout <= 0 {
		return c
	}
	return &timeoutClient{Client: c, timeout: timeout}
}

func (x *timeoutClient) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()

	vec, err := x.Client.Embed(ctx, text)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, goerr.Wrap(err, "embedding timed out",
				goerr.V("timeout", x.timeout.String()),
				goerr.T(model.TagEmbeddingService))
		}
		return nil, err
	}
	return vec, nil
}

type rateLimitClient struct {
	Client
	limiter *rate.Limiter
}

// WithRateLimit waits on limiter before every Embed call
func WithRateLimit(c Client, limiter *rate.Limiter) Client {
	if limiter == nil {
		return c
	}
	return &rateLimitClient{Client: c, limiter: limiter}
}

func (x *rateLimitClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := x.limiter.Wait(ctx); err != nil {
		return nil, goerr.Wrap(err, "rate limit wait failed", goerr.T(model.TagEmbeddingService))
	}
	return x.Client.Embed(ctx, text)
}

type cacheClient struct {
	Client
	cache *ristretto.Cache
}

// WithCache keeps up to maxEntries embeddings in memory across calls
func WithCache(c Client, maxEntries int64) (Client, error) {
	if maxEntries <= 0 {
		return c, nil
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,

		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create embedding cache",
			goerr.V("max_entries", maxEntries),
			goerr.T(model.TagConfiguration))
	}

	return &cacheClient{Client: c, cache: cache}, nil
}

func (x *cacheClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := x.cache.Get(text); ok {
		if vec, ok := v.([]float32); ok {
			return slices.Clone(vec), nil
		}
	}

	vec, err := x.Client.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	x.cache.Set(text, slices.Clone(vec), 1)
	x.cache.Wait()
	return vec, nil
}
