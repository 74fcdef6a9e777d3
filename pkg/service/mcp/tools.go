package mcp

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/ina/pkg/model"
	"github.com/m-mizutani/ina/pkg/usecase/memory"
	"github.com/m-mizutani/ina/pkg/utils/logging"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type RememberInput struct {
	UserID    int64  `json:"user_id,omitempty" jsonschema:"ID of the user who sent the message"`
	ChatID    int64  `json:"chat_id,omitempty" jsonschema:"ID of the chat the message belongs to"`
	Text      string `json:"text" jsonschema:"message text to remember"`
	MessageID string `json:"message_id,omitempty" jsonschema:"append text to this existing message instead of creating a new one"`
}

type RememberOutput struct {
	MessageID string `json:"message_id"`
}

type RecallInput struct {
	Query           string `json:"query" jsonschema:"text to find related memories for"`
	UserID          int64  `json:"user_id,omitempty" jsonschema:"restrict to memories of this user"`
	ChatID          int64  `json:"chat_id,omitempty" jsonschema:"restrict to memories of this chat"`
	K               int    `json:"k,omitempty" jsonschema:"maximum number of chunks to return"`
	MaxContextChars int    `json:"max_context_chars,omitempty" jsonschema:"maximum total characters of returned chunks"`
	SinceDays       int    `json:"since_days,omitempty" jsonschema:"only memories from the last N days"`
}

type RecallChunk struct {
	Text      string  `json:"text"`
	MessageID string  `json:"message_id"`
	Index     int     `json:"index"`
	Distance  float64 `json:"distance"`
}

type RecallOutput struct {
	Chunks []RecallChunk `json:"chunks"`
	Count  int           `json:"count"`
}

type ForgetInput struct {
	MessageID string `json:"message_id" jsonschema:"ID of the message to delete with all its chunks"`
}

type ForgetOutput struct {
	Deleted bool `json:"deleted"`
}

func (s *Server) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "remember",
		Description: "Store a chat message in long-term memory, or append text to a stored message",
	}, s.handleRemember)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "recall",
		Description: "Find remembered text related to a query within a user or chat",
	}, s.handleRecall)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "forget",
		Description: "Delete a remembered message and all of its chunks",
	}, s.handleForget)
}

func (s *Server) handleRemember(ctx context.Context, _ *mcp.CallToolRequest, input RememberInput) (*mcp.CallToolResult, RememberOutput, error) {
	if input.MessageID != "" {
		id := model.MessageID(input.MessageID)
		if err := s.memory.Append(ctx, id, input.Text); err != nil {
			return nil, RememberOutput{}, s.toolError(ctx, "remember", err)
		}
		return nil, RememberOutput{MessageID: input.MessageID}, nil
	}

	msg, err := s.memory.Remember(ctx, memory.RememberInput{
		UserID: input.UserID,
		ChatID: input.ChatID,
		Text:   input.Text,
	})
	if err != nil {
		return nil, RememberOutput{}, s.toolError(ctx, "remember", err)
	}
	return nil, RememberOutput{MessageID: msg.ID.String()}, nil
}

func (s *Server) handleRecall(ctx context.Context, _ *mcp.CallToolRequest, input RecallInput) (*mcp.CallToolResult, RecallOutput, error) {
	k := input.K
	if k == 0 {
		k = s.defaultK
	}
	maxChars := input.MaxContextChars
	if maxChars == 0 {
		maxChars = s.defaultMaxChars
	}

	scope := model.Scope{UserID: input.UserID, ChatID: input.ChatID}.WithinDays(input.SinceDays, s.now())
	result, err := s.memory.Recall(ctx, memory.RecallInput{
		Query:           input.Query,
		Scope:           scope,
		K:               k,
		MaxContextChars: maxChars,
	})
	if err != nil {
		return nil, RecallOutput{}, s.toolError(ctx, "recall", err)
	}

	out := RecallOutput{
		Chunks: make([]RecallChunk, len(result.Chunks)),
		Count:  len(result.Chunks),
	}
	for i, c := range result.Chunks {
		out.Chunks[i] = RecallChunk{
			Text:      c.Chunk.Text,
			MessageID: c.Chunk.MessageID.String(),
			Index:     c.Chunk.Index,
			Distance:  c.Distance,
		}
	}
	return nil, out, nil
}

func (s *Server) handleForget(ctx context.Context, _ *mcp.CallToolRequest, input ForgetInput) (*mcp.CallToolResult, ForgetOutput, error) {
	if input.MessageID == "" {
		return nil, ForgetOutput{}, goerr.New("message_id is required")
	}
	if err := s.memory.Forget(ctx, model.MessageID(input.MessageID)); err != nil {
		return nil, ForgetOutput{}, s.toolError(ctx, "forget", err)
	}
	return nil, ForgetOutput{Deleted: true}, nil
}

// toolError logs err and returns it with a message safe to show the caller
func (s *Server) toolError(ctx context.Context, tool string, err error) error {
	logging.From(ctx).Warn("tool call failed", "tool", tool, logging.ErrAttr(err))

	switch {
	case model.IsQueryError(err):
		return goerr.New("invalid arguments: " + err.Error())
	case model.IsEmbeddingServiceError(err):
		return goerr.New("memory is temporarily unavailable: embedding service failed")
	case model.IsPersistenceError(err):
		return goerr.New("memory is temporarily unavailable: store failed")
	}
	return err
}
