package pipeline

import (
	"context"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/ina/pkg/adapter"
	"google.golang.org/genai"
)

// LLM generates one reply for a system prompt and a user prompt.
// adapter.Claude satisfies it as is.
type LLM interface {
	Generate(ctx context.Context, system, prompt string) (string, error)
}

type geminiLLM struct {
	client adapter.Gemini
}

// NewGeminiLLM adapts a Gemini client to LLM
func NewGeminiLLM(client adapter.Gemini) LLM {
	return &geminiLLM{client: client}
}

func (x *geminiLLM) Generate(ctx context.Context, system, prompt string) (string, error) {
	contents := []*genai.Content{
		genai.NewContentFromText(prompt, genai.RoleUser),
	}
	config := &genai.GenerateContentConfig{}
	if system != "" {
		config.SystemInstruction = genai.NewContentFromText(system, "")
	}

	resp, err := x.client.GenerateContent(ctx, contents, config)
	if err != nil {
		return "", goerr.Wrap(err, "failed to generate content")
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", goerr.New("no candidate in response")
	}

	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.Text != "" && !part.Thought {
			b.WriteString(part.Text)
		}
	}
	return b.String(), nil
}
