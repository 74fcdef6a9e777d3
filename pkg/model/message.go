package model

import (
	"time"

	"github.com/google/uuid"
)

type MessageID string

// NewMessageID generates a new unique MessageID
func NewMessageID() MessageID {
	return MessageID(uuid.New().String())
}

func (x MessageID) String() string { return string(x) }

// Message is one user or bot utterance, or one document ingestion event.
// Once its chunks are embedded the content is immutable; only UpdatedAt moves.
type Message struct {
	ID     MessageID
	UserID int64
	ChatID int64
	Text   string

	// Attached document. Empty when the message has no file.
	FileContent string
	FileName    string
	FileType    FileType

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasFile returns true if the message carries document text
func (x *Message) HasFile() bool {
	return x.FileContent != ""
}

// Body returns the text that is chunked and embedded for the message
func (x *Message) Body() string {
	if x.HasFile() {
		return x.FileContent
	}
	return x.Text
}
