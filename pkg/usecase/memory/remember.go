package memory

import (
	"context"
	"errors"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/ina/pkg/model"
	"github.com/m-mizutani/ina/pkg/utils/logging"
	"golang.org/x/sync/errgroup"
)

// File is a document whose text is already extracted
type File struct {
	Name    string
	Type    model.FileType
	Content string
}

type RememberInput struct {
	UserID int64
	ChatID int64
	Text   string
	File   *File // Optional
}

// Remember stores a new message and its embedded chunks. The document text
// is chunked instead of Text when a file is attached.
func (u *UseCase) Remember(ctx context.Context, input RememberInput) (*model.Message, error) {
	now := u.now().UTC()
	msg := &model.Message{
		ID:        model.NewMessageID(),
		UserID:    input.UserID,
		ChatID:    input.ChatID,
		Text:      input.Text,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if input.File != nil {
		msg.FileContent = input.File.Content
		msg.FileName = input.File.Name
		msg.FileType = input.File.Type
	}

	if err := u.remember(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (u *UseCase) remember(ctx context.Context, msg *model.Message) error {
	if msg.UserID == 0 && msg.ChatID == 0 {
		return goerr.New("message must have user id or chat id", goerr.T(model.TagQuery))
	}
	if strings.TrimSpace(msg.Body()) == "" {
		return goerr.New("nothing to remember", goerr.T(model.TagQuery))
	}

	unlock := u.locks.Lock(msg.ID)
	defer unlock()

	texts := u.chunker.Split(msg.Body())
	vectors, err := u.embedAll(ctx, texts)
	if err != nil {
		return goerr.Wrap(err, "failed to embed message", goerr.V("message_id", msg.ID))
	}

	if err := u.retry(ctx, "put_message", func(ctx context.Context, _ int) error {
		return u.repo.PutMessage(ctx, msg)
	}); err != nil {
		return goerr.Wrap(err, "failed to store message", goerr.V("message_id", msg.ID))
	}

	if err := u.storeChunks(ctx, msg.ID, 0, texts, vectors); err != nil {
		u.rollback(ctx, msg.ID)
		return err
	}

	logging.From(ctx).Debug("remembered message",
		"message_id", msg.ID,
		"user_id", msg.UserID,
		"chat_id", msg.ChatID,
		"chunks", len(texts))
	return nil
}

// Append adds chunks of text to an existing message, continuing its chunk
// index, and touches the message
func (u *UseCase) Append(ctx context.Context, messageID model.MessageID, text string) error {
	if strings.TrimSpace(text) == "" {
		return goerr.New("nothing to append", goerr.T(model.TagQuery))
	}

	unlock := u.locks.Lock(messageID)
	defer unlock()

	if err := u.call(ctx, func(ctx context.Context) error {
		_, err := u.repo.GetMessage(ctx, messageID)
		return err
	}); err != nil {
		return goerr.Wrap(err, "failed to get message", goerr.V("message_id", messageID))
	}

	var start int
	if err := u.call(ctx, func(ctx context.Context) error {
		var err error
		start, err = u.repo.NextChunkIndex(ctx, messageID)
		return err
	}); err != nil {
		return goerr.Wrap(err, "failed to get next chunk index", goerr.V("message_id", messageID))
	}

	texts := u.chunker.Split(text)
	vectors, err := u.embedAll(ctx, texts)
	if err != nil {
		return goerr.Wrap(err, "failed to embed appended text", goerr.V("message_id", messageID))
	}

	if err := u.storeChunks(ctx, messageID, start, texts, vectors); err != nil {
		return err
	}

	if err := u.retry(ctx, "touch_message", func(ctx context.Context, _ int) error {
		return u.repo.TouchMessage(ctx, messageID)
	}); err != nil {
		return goerr.Wrap(err, "failed to touch message", goerr.V("message_id", messageID))
	}

	return nil
}

// embedAll embeds texts with bounded parallelism. Identical texts are
// embedded once.
func (u *UseCase) embedAll(ctx context.Context, texts []string) ([][]float32, error) {
	unique := make(map[string]int, len(texts))
	var distinct []string
	for _, text := range texts {
		if _, ok := unique[text]; !ok {
			unique[text] = len(distinct)
			distinct = append(distinct, text)
		}
	}

	results := make([][]float32, len(distinct))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.concurrency)

	for i, text := range distinct {
		g.Go(func() error {
			vec, err := u.embedder.Embed(gctx, text)
			if err != nil {
				return goerr.Wrap(err, "failed to embed chunk", goerr.V("chunk", i))
			}
			results[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vectors[i] = results[unique[text]]
	}
	return vectors, nil
}

// storeChunks writes chunks one by one in index order. A retried write first
// looks for a chunk left behind by the failed attempt.
func (u *UseCase) storeChunks(ctx context.Context, messageID model.MessageID, start int, texts []string, vectors [][]float32) error {
	for i, text := range texts {
		chunk := &model.Chunk{
			MessageID: messageID,
			Text:      text,
			Index:     start + i,
			Embedding: vectors[i],
			CreatedAt: u.now().UTC(),
		}

		err := u.retry(ctx, "put_chunk", func(ctx context.Context, attempt int) error {
			if attempt > 1 {
				existing, err := u.repo.GetChunk(ctx, messageID, chunk.Index)
				if err == nil {
					chunk.ID = existing.ID
					return nil
				}
				if !errors.Is(err, model.ErrChunkNotFound) {
					return err
				}
			}

			id, err := u.repo.PutChunk(ctx, chunk)
			if err != nil {
				return err
			}
			chunk.ID = id
			return nil
		})
		if err != nil {
			return goerr.Wrap(err, "failed to store chunk",
				goerr.V("message_id", messageID),
				goerr.V("index", chunk.Index))
		}
	}
	return nil
}

// rollback removes a message whose chunks could not all be stored so that
// no message is left with a gap in its chunk index
func (u *UseCase) rollback(ctx context.Context, id model.MessageID) {
	// The original context may already be canceled
	ctx = context.WithoutCancel(ctx)
	if err := u.call(ctx, func(ctx context.Context) error {
		return u.repo.DeleteMessage(ctx, id)
	}); err != nil {
		logging.From(ctx).Error("failed to roll back partially stored message",
			"message_id", id,
			logging.ErrAttr(err))
	}
}
