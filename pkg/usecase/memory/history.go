package memory

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/ina/pkg/model"
)

// Conversation is the recent history around a user and a chat
type Conversation struct {
	UserMessages []*model.Message
	ChatMessages []*model.Message
	Files        []*model.Message
}

// ConversationContext returns the latest messages of the user, of the chat
// and the user's documents, each list newest first and bounded by limit. A
// zero userID or chatID skips the lists that need it.
func (u *UseCase) ConversationContext(ctx context.Context, userID, chatID int64, limit int) (*Conversation, error) {
	if userID == 0 && chatID == 0 {
		return nil, goerr.New("user id or chat id is required", goerr.T(model.TagQuery))
	}

	var conv Conversation

	if userID != 0 {
		if err := u.call(ctx, func(ctx context.Context) error {
			var err error
			conv.UserMessages, err = u.repo.ListMessages(ctx, model.Scope{UserID: userID}, limit)
			return err
		}); err != nil {
			return nil, goerr.Wrap(err, "failed to list user messages", goerr.V("user_id", userID))
		}

		if err := u.call(ctx, func(ctx context.Context) error {
			var err error
			conv.Files, err = u.repo.ListFileMessages(ctx, userID, "", limit)
			return err
		}); err != nil {
			return nil, goerr.Wrap(err, "failed to list user files", goerr.V("user_id", userID))
		}
	}

	if chatID != 0 {
		if err := u.call(ctx, func(ctx context.Context) error {
			var err error
			conv.ChatMessages, err = u.repo.ListMessages(ctx, model.Scope{ChatID: chatID}, limit)
			return err
		}); err != nil {
			return nil, goerr.Wrap(err, "failed to list chat messages", goerr.V("chat_id", chatID))
		}
	}

	return &conv, nil
}
