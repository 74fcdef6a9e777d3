package memory

import (
	"context"
	"errors"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/ina/pkg/model"
	"github.com/m-mizutani/ina/pkg/utils/logging"
)

// call runs fn under the call timeout. A deadline hit by a store call is a
// persistence error.
func (u *UseCase) call(ctx context.Context, fn func(ctx context.Context) error) error {
	if u.callTimeout <= 0 {
		return fn(ctx)
	}

	ctx, cancel := context.WithTimeout(ctx, u.callTimeout)
	defer cancel()

	err := fn(ctx)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !model.IsPersistenceError(err) {
		return goerr.Wrap(err, "store call timed out",
			goerr.V("timeout", u.callTimeout),
			goerr.T(model.TagPersistence))
	}
	return err
}

// retry runs fn until it succeeds, fails with an error other than a
// persistence error, or runs out of attempts. attempt starts at 1.
func (u *UseCase) retry(ctx context.Context, op string, fn func(ctx context.Context, attempt int) error) error {
	backoff := u.retryBackoff

	for attempt := 1; ; attempt++ {
		err := u.call(ctx, func(ctx context.Context) error {
			return fn(ctx, attempt)
		})
		if err == nil {
			return nil
		}
		if !model.IsPersistenceError(err) || attempt >= u.retryAttempts {
			return err
		}

		logging.From(ctx).Warn("retrying store write",
			"op", op,
			"attempt", attempt,
			"backoff", backoff,
			logging.ErrAttr(err))

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return goerr.Wrap(ctx.Err(), "store write canceled",
				goerr.V("op", op),
				goerr.V("last_error", err.Error()),
				goerr.T(model.TagPersistence))
		case <-timer.C:
		}
		backoff *= 2
	}
}
