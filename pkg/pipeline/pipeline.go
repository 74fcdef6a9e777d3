// Package pipeline answers a chat message with a sequence of prompt stages:
// planner, doer, critic and responder. Every stage reads the State built so
// far and returns a new one; no stage mutates its input.
package pipeline

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/ina/pkg/model"
	"github.com/m-mizutani/ina/pkg/usecase/memory"
	"github.com/m-mizutani/ina/pkg/utils/logging"
)

// State is the value passed through the stages
type State struct {
	Request string
	UserID  int64
	ChatID  int64

	// Memory holds remembered chunk texts relevant to Request
	Memory []string
	// History holds recent chat messages, oldest first
	History []string
	// Files holds names of documents the user shared
	Files []string

	Plan     string
	Draft    string
	Critique string
	Response string
}

// Stage transforms a state
type Stage func(ctx context.Context, state State) (State, error)

// Memory is the part of the memory use case the pipeline needs
type Memory interface {
	Remember(ctx context.Context, input memory.RememberInput) (*model.Message, error)
	Recall(ctx context.Context, input memory.RecallInput) (*memory.Context, error)
	ConversationContext(ctx context.Context, userID, chatID int64, limit int) (*memory.Conversation, error)
}

type Pipeline struct {
	llm    LLM
	memory Memory
	agents *Agents
	stages []Stage

	recallK      int
	maxChars     int
	historyLimit int
}

type Option func(*Pipeline)

// WithAgents replaces the built-in agent definitions
func WithAgents(agents *Agents) Option {
	return func(p *Pipeline) {
		p.agents = agents
	}
}

// WithRecall sets k and the character budget of recalled context
func WithRecall(k, maxChars int) Option {
	return func(p *Pipeline) {
		p.recallK = k
		p.maxChars = maxChars
	}
}

// WithHistoryLimit sets how many recent messages are shown to the planner.
// Zero disables history.
func WithHistoryLimit(n int) Option {
	return func(p *Pipeline) {
		p.historyLimit = n
	}
}

// New creates a pipeline. mem may be nil to run without memory.
func New(llm LLM, mem Memory, opts ...Option) *Pipeline {
	p := &Pipeline{
		llm:          llm,
		memory:       mem,
		recallK:      5,
		maxChars:     4000,
		historyLimit: 10,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.agents == nil {
		p.agents = DefaultAgents()
	}

	p.stages = []Stage{
		p.agentStage(p.agents.Planner, func(s *State, out string) { s.Plan = out }),
		p.agentStage(p.agents.Doer, func(s *State, out string) { s.Draft = out }),
		p.agentStage(p.agents.Critic, func(s *State, out string) { s.Critique = out }),
		p.agentStage(p.agents.Responder, func(s *State, out string) { s.Response = out }),
	}
	return p
}

// Request is one incoming message to answer
type Request struct {
	UserID int64
	ChatID int64
	Text   string
	// Remember stores Text after answering. The response is always stored
	// when the pipeline has memory.
	Remember bool
}

// Run answers req and returns the final state
func (p *Pipeline) Run(ctx context.Context, req Request) (State, error) {
	if strings.TrimSpace(req.Text) == "" {
		return State{}, goerr.New("request is empty", goerr.T(model.TagQuery))
	}

	state := State{
		Request: req.Text,
		UserID:  req.UserID,
		ChatID:  req.ChatID,
	}
	state = p.withMemory(ctx, state)

	for _, stage := range p.stages {
		next, err := stage(ctx, state)
		if err != nil {
			return state, err
		}
		state = next
	}

	if strings.TrimSpace(state.Response) == "" {
		return state, goerr.New("responder returned empty reply")
	}

	p.remember(ctx, req, state.Response)
	return state, nil
}

func (p *Pipeline) agentStage(agent *Agent, set func(*State, string)) Stage {
	return func(ctx context.Context, state State) (State, error) {
		prompt, err := agent.Render(state)
		if err != nil {
			return state, err
		}

		logging.From(ctx).Debug("run agent", "agent", agent.Name, "prompt_chars", len(prompt))
		out, err := p.llm.Generate(ctx, agent.System(), prompt)
		if err != nil {
			return state, goerr.Wrap(err, "agent failed", goerr.V("agent", agent.Name))
		}

		next := state.clone()
		set(&next, strings.TrimSpace(out))
		return next, nil
	}
}

// withMemory fills Memory, History and Files. Failures leave them empty.
func (p *Pipeline) withMemory(ctx context.Context, state State) State {
	if p.memory == nil {
		return state
	}
	logger := logging.From(ctx)
	next := state.clone()

	scope := model.Scope{UserID: state.UserID, ChatID: state.ChatID}
	if p.recallK > 0 {
		recalled, err := p.memory.Recall(ctx, memory.RecallInput{
			Query:           state.Request,
			Scope:           scope,
			K:               p.recallK,
			MaxContextChars: p.maxChars,
		})
		if err != nil {
			logger.Warn("proceeding without memory context", logging.ErrAttr(err))
		} else {
			next.Memory = recalled.Texts()
		}
	}

	if p.historyLimit > 0 {
		conv, err := p.memory.ConversationContext(ctx, state.UserID, state.ChatID, p.historyLimit)
		if err != nil {
			logger.Warn("proceeding without conversation history", logging.ErrAttr(err))
		} else {
			next.History = historyLines(conv)
			for _, f := range conv.Files {
				next.Files = append(next.Files, fmt.Sprintf("%s (%s)", f.FileName, f.FileType.Description()))
			}
		}
	}

	return next
}

func historyLines(conv *memory.Conversation) []string {
	msgs := conv.ChatMessages
	if len(msgs) == 0 {
		msgs = conv.UserMessages
	}

	lines := make([]string, 0, len(msgs))
	for _, m := range slices.Backward(msgs) {
		text := strings.TrimSpace(m.Text)
		if text == "" && m.HasFile() {
			text = "[" + m.FileName + "]"
		}
		if text != "" {
			lines = append(lines, text)
		}
	}
	return lines
}

func (p *Pipeline) remember(ctx context.Context, req Request, response string) {
	if p.memory == nil {
		return
	}
	logger := logging.From(ctx)

	if req.Remember {
		if _, err := p.memory.Remember(ctx, memory.RememberInput{
			UserID: req.UserID,
			ChatID: req.ChatID,
			Text:   req.Text,
		}); err != nil {
			logger.Warn("failed to remember request", logging.ErrAttr(err))
		}
	}

	if _, err := p.memory.Remember(ctx, memory.RememberInput{
		UserID: req.UserID,
		ChatID: req.ChatID,
		Text:   response,
	}); err != nil {
		logger.Warn("failed to remember response", logging.ErrAttr(err))
	}
}

func (x State) clone() State {
	x.Memory = slices.Clone(x.Memory)
	x.History = slices.Clone(x.History)
	x.Files = slices.Clone(x.Files)
	return x
}
