package policy_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/ina/pkg/model"
	"github.com/m-mizutani/ina/pkg/policy"
)

func TestDefaultDecision(t *testing.T) {
	ctx := context.Background()
	engine, err := policy.New(ctx, policy.DefaultTriggers)
	gt.NoError(t, err)

	testCases := []struct {
		name  string
		input policy.Input
		want  policy.Decision
	}{
		{
			name:  "trigger",
			input: policy.Input{Text: "Ina, what did I say yesterday?", ChatID: -1},
			want:  policy.Decision{Respond: true, Remember: true},
		},
		{
			name:  "second trigger with leading space",
			input: policy.Input{Text: "  INNA hello", ChatID: -1},
			want:  policy.Decision{Respond: true, Remember: true},
		},
		{
			name:  "plain message",
			input: policy.Input{Text: "lunch at noon", ChatID: -1},
			want:  policy.Decision{Respond: false, Remember: true},
		},
		{
			name:  "empty message",
			input: policy.Input{Text: " ", ChatID: -1},
			want:  policy.Decision{Respond: false, Remember: false},
		},
		{
			name:  "document without caption",
			input: policy.Input{FileType: model.FileTypePDF, ChatID: -1},
			want:  policy.Decision{Respond: false, Remember: true},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			d, err := engine.Evaluate(ctx, tc.input)
			gt.NoError(t, err)
			gt.Equal(t, *d, tc.want)
		})
	}
}

func TestStripTrigger(t *testing.T) {
	testCases := map[string]string{
		"Ina, what's up":  "what's up",
		"inna: summarize": "summarize",
		"INA":             "",
		"  ina   hello  ": "hello",
		"hello ina":       "hello ina",
		"Инна привет":     "Инна привет",
		"innA! remind me": "remind me",
	}

	for input, want := range testCases {
		t.Run(input, func(t *testing.T) {
			gt.Equal(t, policy.StripTrigger(input, policy.DefaultTriggers), want)
		})
	}
}

func TestStripTriggerPrefersLongest(t *testing.T) {
	gt.Equal(t, policy.StripTrigger("inna hi", []string{"in", "inna"}), "hi")
}

func TestTriggersNormalized(t *testing.T) {
	engine, err := policy.New(context.Background(), []string{" Ina ", "", "BOT"})
	gt.NoError(t, err)
	gt.Equal(t, engine.Triggers(), []string{"ina", "bot"})
	gt.True(t, policy.HasTrigger("bot, hi", engine.Triggers()))
}

func TestRegoPolicy(t *testing.T) {
	ctx := context.Background()
	tmpDir := t.TempDir()

	ingestPolicy := `package ingest

respond if {
	input.chat_id > 0
}

remember := false if {
	contains(input.text, "secret")
}
`
	gt.NoError(t, os.WriteFile(filepath.Join(tmpDir, "ingest.rego"), []byte(ingestPolicy), 0644))

	engine, err := policy.New(ctx, policy.DefaultTriggers, policy.WithPolicyDir(tmpDir))
	gt.NoError(t, err)

	// Private chat: rule answers without trigger
	d, err := engine.Evaluate(ctx, policy.Input{Text: "hello", UserID: 1, ChatID: 1})
	gt.NoError(t, err)
	gt.True(t, d.Respond)
	gt.True(t, d.Remember)

	// Group chat: respond rule undefined, the trigger default applies
	d, err = engine.Evaluate(ctx, policy.Input{Text: "ina hello", UserID: 1, ChatID: -1})
	gt.NoError(t, err)
	gt.True(t, d.Respond)

	d, err = engine.Evaluate(ctx, policy.Input{Text: "my secret", UserID: 1, ChatID: -1})
	gt.NoError(t, err)
	gt.False(t, d.Respond)
	gt.False(t, d.Remember)
}

func TestRegoPolicyNonBoolean(t *testing.T) {
	ctx := context.Background()
	tmpDir := t.TempDir()

	gt.NoError(t, os.WriteFile(filepath.Join(tmpDir, "ingest.rego"), []byte(`package ingest

respond := "yes"
`), 0644))

	engine, err := policy.New(ctx, policy.DefaultTriggers, policy.WithPolicyDir(tmpDir))
	gt.NoError(t, err)

	_, err = engine.Evaluate(ctx, policy.Input{Text: "hello", ChatID: -1})
	gt.Error(t, err)
	gt.True(t, model.IsConfigurationError(err))
}

func TestNoPolicyFiles(t *testing.T) {
	ctx := context.Background()
	engine, err := policy.New(ctx, policy.DefaultTriggers, policy.WithPolicyDir(t.TempDir()))
	gt.NoError(t, err)

	d, err := engine.Evaluate(ctx, policy.Input{Text: "ina hi", ChatID: -1})
	gt.NoError(t, err)
	gt.True(t, d.Respond)
}

func TestInvalidPolicy(t *testing.T) {
	tmpDir := t.TempDir()
	gt.NoError(t, os.WriteFile(filepath.Join(tmpDir, "broken.rego"), []byte("package ingest\n\nrespond if {"), 0644))

	_, err := policy.New(context.Background(), policy.DefaultTriggers, policy.WithPolicyDir(tmpDir))
	gt.Error(t, err)
	gt.True(t, model.IsConfigurationError(err))
}
