package memory

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/ina/pkg/adapter"
	"github.com/m-mizutani/ina/pkg/extract"
	"github.com/m-mizutani/ina/pkg/model"
	"github.com/m-mizutani/ina/pkg/utils/logging"
)

type DocumentInput struct {
	UserID   int64
	ChatID   int64
	Caption  string // Optional message text sent with the file
	FileName string
	Data     []byte
}

// RememberDocument extracts the text of an uploaded file and remembers it.
// The raw bytes are archived when storage is configured.
func (u *UseCase) RememberDocument(ctx context.Context, input DocumentInput) (*model.Message, error) {
	fileType, ok := extract.DetectFileType(input.FileName)
	if !ok {
		return nil, goerr.New("unsupported document",
			goerr.V("file_name", input.FileName),
			goerr.T(model.TagQuery))
	}

	text, err := extract.Text(ctx, fileType, input.Data)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read document", goerr.V("file_name", input.FileName))
	}
	text = extract.Normalize(text)
	if text == "" {
		return nil, goerr.New("document has no text",
			goerr.V("file_name", input.FileName),
			goerr.T(model.TagQuery))
	}

	now := u.now().UTC()
	msg := &model.Message{
		ID:          model.NewMessageID(),
		UserID:      input.UserID,
		ChatID:      input.ChatID,
		Text:        input.Caption,
		FileContent: text,
		FileName:    input.FileName,
		FileType:    fileType,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if u.storage != nil {
		if err := u.archive(ctx, msg, input.Data); err != nil {
			return nil, err
		}
	}

	if err := u.remember(ctx, msg); err != nil {
		return nil, err
	}

	logging.From(ctx).Info("remembered document",
		"message_id", msg.ID,
		"file_name", msg.FileName,
		"file_type", msg.FileType.Description(),
		"chars", len([]rune(text)))
	return msg, nil
}

func (u *UseCase) archive(ctx context.Context, msg *model.Message, data []byte) error {
	key := adapter.DocumentKey(msg.ID.String(), msg.FileName)

	return u.retry(ctx, "archive_document", func(ctx context.Context, _ int) error {
		w, err := u.storage.Put(ctx, key)
		if err != nil {
			return goerr.Wrap(err, "failed to open archive writer", goerr.V("key", key), goerr.T(model.TagPersistence))
		}
		if _, err := w.Write(data); err != nil {
			_ = w.Close()
			return goerr.Wrap(err, "failed to write archive", goerr.V("key", key), goerr.T(model.TagPersistence))
		}
		if err := w.Close(); err != nil {
			return goerr.Wrap(err, "failed to close archive writer", goerr.V("key", key), goerr.T(model.TagPersistence))
		}
		return nil
	})
}
