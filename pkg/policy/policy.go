// Package policy decides whether the bot answers an incoming message and
// whether the message is remembered.
//
// Without a policy directory the bot answers messages that start with one
// of its trigger names and remembers every non-empty message. A directory of
// Rego files can override both decisions with rules in package ingest:
//
//	package ingest
//
//	respond if startswith(lower(input.text), "ina")
//	remember if input.chat_id < 0
//
// A rule that is not defined keeps the default decision. The input document
// has text, user_id, chat_id, file_type and has_file.
package policy

import (
	"context"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/ina/pkg/model"
	"github.com/m-mizutani/ina/pkg/utils/logging"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/topdown/print"
)

// DefaultTriggers are the names the bot answers to
var DefaultTriggers = []string{"ina", "inna"}

// Input is one incoming message
type Input struct {
	Text     string
	UserID   int64
	ChatID   int64
	FileType model.FileType
}

type Decision struct {
	Respond  bool
	Remember bool
}

type Engine struct {
	triggers []string
	query    *rego.PreparedEvalQuery
}

type Option func(*engineConfig)

type engineConfig struct {
	dir string
}

// WithPolicyDir loads Rego files from dir
func WithPolicyDir(dir string) Option {
	return func(c *engineConfig) {
		c.dir = dir
	}
}

// New creates an Engine. Triggers are matched case-insensitively; empty
// names are ignored.
func New(ctx context.Context, triggers []string, opts ...Option) (*Engine, error) {
	var cfg engineConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	e := &Engine{}
	for _, t := range triggers {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			e.triggers = append(e.triggers, t)
		}
	}

	if cfg.dir != "" {
		query, err := loadPolicy(ctx, cfg.dir)
		if err != nil {
			return nil, err
		}
		e.query = query
	}

	return e, nil
}

// Triggers returns the normalized trigger names
func (e *Engine) Triggers() []string { return e.triggers }

type printHook struct{}

func (h *printHook) Print(pctx print.Context, message string) error {
	ctx := pctx.Context
	if ctx == nil {
		ctx = context.Background()
	}
	logging.From(ctx).Debug("rego print", "message", message)
	return nil
}

// Evaluate returns the decision for in
func (e *Engine) Evaluate(ctx context.Context, in Input) (*Decision, error) {
	decision := &Decision{
		Respond:  HasTrigger(in.Text, e.triggers),
		Remember: strings.TrimSpace(in.Text) != "" || in.FileType != "",
	}
	if e.query == nil {
		return decision, nil
	}

	input := map[string]any{
		"text":      in.Text,
		"user_id":   in.UserID,
		"chat_id":   in.ChatID,
		"file_type": string(in.FileType),
		"has_file":  in.FileType != "",
	}

	rs, err := e.query.Eval(ctx, rego.EvalInput(input), rego.EvalPrintHook(&printHook{}))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to evaluate ingest policy",
			goerr.V("user_id", in.UserID),
			goerr.V("chat_id", in.ChatID))
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return decision, nil
	}

	data, ok := rs[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return nil, goerr.New("invalid ingest policy result",
			goerr.V("value", rs[0].Expressions[0].Value),
			goerr.T(model.TagConfiguration))
	}

	if err := override(data, "respond", &decision.Respond); err != nil {
		return nil, err
	}
	if err := override(data, "remember", &decision.Remember); err != nil {
		return nil, err
	}

	return decision, nil
}

func override(data map[string]any, key string, dst *bool) error {
	v, ok := data[key]
	if !ok {
		return nil
	}
	b, ok := v.(bool)
	if !ok {
		return goerr.New("ingest policy rule must be boolean",
			goerr.V("rule", key),
			goerr.V("value", v),
			goerr.T(model.TagConfiguration))
	}
	*dst = b
	return nil
}

// HasTrigger reports whether text starts with one of triggers, ignoring case
// and leading spaces
func HasTrigger(text string, triggers []string) bool {
	_, ok := matchTrigger(text, triggers)
	return ok
}

// StripTrigger removes a leading trigger name and the punctuation and spaces
// after it. Text without a trigger is returned trimmed.
func StripTrigger(text string, triggers []string) string {
	rest, ok := matchTrigger(text, triggers)
	if !ok {
		return strings.TrimSpace(text)
	}
	return strings.TrimLeftFunc(rest, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r)
	})
}

// matchTrigger returns text after the longest matching trigger
func matchTrigger(text string, triggers []string) (string, bool) {
	text = strings.TrimSpace(text)

	var (
		rest  string
		found bool
	)
	for _, t := range triggers {
		r, ok := cutPrefixFold(text, t)
		if ok && (!found || len(r) < len(rest)) {
			rest, found = r, true
		}
	}
	if !found {
		return text, false
	}
	return rest, true
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if prefix == "" {
		return s, false
	}
	for _, want := range prefix {
		got, size := utf8.DecodeRuneInString(s)
		if size == 0 || unicode.ToLower(got) != unicode.ToLower(want) {
			return s, false
		}
		s = s[size:]
	}
	return s, true
}
