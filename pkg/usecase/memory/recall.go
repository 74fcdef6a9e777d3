package memory

import (
	"context"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/ina/pkg/model"
)

type RecallInput struct {
	Query           string
	Scope           model.Scope
	K               int
	MaxContextChars int
}

// Context is the remembered text relevant to a query, closest first
type Context struct {
	Chunks []*model.ScoredChunk
}

// Texts returns the chunk texts in order
func (x *Context) Texts() []string {
	texts := make([]string, len(x.Chunks))
	for i, c := range x.Chunks {
		texts[i] = c.Chunk.Text
	}
	return texts
}

// String joins the texts into one block for a prompt
func (x *Context) String() string {
	return strings.Join(x.Texts(), "\n\n")
}

func (x *Context) Empty() bool { return len(x.Chunks) == 0 }

// Recall returns remembered chunks relevant to the query within scope
func (u *UseCase) Recall(ctx context.Context, input RecallInput) (*Context, error) {
	chunks, err := u.assembler.AssembleScored(ctx, input.Query, input.Scope, input.K, input.MaxContextChars)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to recall",
			goerr.V("user_id", input.Scope.UserID),
			goerr.V("chat_id", input.Scope.ChatID))
	}
	return &Context{Chunks: chunks}, nil
}
