package memory

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/ina/pkg/adapter"
	"github.com/m-mizutani/ina/pkg/model"
	"github.com/m-mizutani/ina/pkg/utils/logging"
)

// Forget deletes a message with all of its chunks and its archived document
func (u *UseCase) Forget(ctx context.Context, id model.MessageID) error {
	unlock := u.locks.Lock(id)
	defer unlock()

	var msg *model.Message
	if err := u.call(ctx, func(ctx context.Context) error {
		var err error
		msg, err = u.repo.GetMessage(ctx, id)
		return err
	}); err != nil {
		return goerr.Wrap(err, "failed to get message", goerr.V("message_id", id))
	}

	if err := u.call(ctx, func(ctx context.Context) error {
		return u.repo.DeleteMessage(ctx, id)
	}); err != nil {
		return goerr.Wrap(err, "failed to delete message", goerr.V("message_id", id))
	}

	if u.storage != nil && msg.HasFile() {
		if err := u.storage.Delete(ctx, adapter.DocumentPrefix(id.String())); err != nil {
			logging.From(ctx).Warn("failed to delete archived document",
				"message_id", id,
				logging.ErrAttr(err))
		}
	}

	return nil
}
