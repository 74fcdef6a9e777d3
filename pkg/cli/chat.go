package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/chzyer/readline"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/ina/pkg/model"
	"github.com/m-mizutani/ina/pkg/pipeline"
	"github.com/m-mizutani/ina/pkg/policy"
	"github.com/m-mizutani/ina/pkg/usecase/memory"
	"github.com/m-mizutani/ina/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

type chatSession struct {
	userID     int64
	chatID     int64
	respondAll bool

	memory   *memory.UseCase
	pipeline *pipeline.Pipeline
	policy   *policy.Engine
	w        io.Writer
}

func chatCommand() *cli.Command {
	var (
		cfg        config
		userID     int64
		chatID     int64
		respondAll bool
	)

	flags := []cli.Flag{
		&cli.IntFlag{
			Name:        "user",
			Aliases:     []string{"u"},
			Usage:       "User ID of the chat participant",
			Value:       1,
			Sources:     cli.EnvVars("INA_USER_ID"),
			Destination: &userID,
		},
		&cli.IntFlag{
			Name:        "chat",
			Aliases:     []string{"c"},
			Usage:       "Chat ID of the conversation",
			Sources:     cli.EnvVars("INA_CHAT_ID"),
			Destination: &chatID,
		},
		&cli.BoolFlag{
			Name:        "respond-all",
			Usage:       "Answer every message, not only ones addressed to a trigger name",
			Destination: &respondAll,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, storeFlags(&cfg)...)
	flags = append(flags, embeddingFlags(&cfg)...)
	flags = append(flags, memoryFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)

	return &cli.Command{
		Name:  "chat",
		Usage: "Talk with the agent pipeline backed by memory",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.withLogger(ctx, c.Root().ErrWriter)

			uc, closer, err := cfg.newMemory(ctx)
			if err != nil {
				return err
			}
			defer closer()

			p, err := cfg.newPipeline(ctx, uc)
			if err != nil {
				return err
			}
			engine, err := cfg.newPolicy(ctx)
			if err != nil {
				return err
			}

			session := &chatSession{
				userID:     userID,
				chatID:     chatID,
				respondAll: respondAll,
				memory:     uc,
				pipeline:   p,
				policy:     engine,
				w:          c.Root().Writer,
			}
			return session.loop(ctx)
		},
	}
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".ina_history")
}

func (s *chatSession) loop(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "> ",
		HistoryFile:     historyFile(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		Stdout:          s.w,
	})
	if err != nil {
		return goerr.Wrap(err, "failed to initialize readline")
	}
	defer rl.Close()

	fmt.Fprintf(s.w, "Chat session started. Type 'exit' to quit, '/file <path> [caption]' to share a document.\n")
	if triggers := s.policy.Triggers(); !s.respondAll && len(triggers) > 0 {
		fmt.Fprintf(s.w, "Start a message with %q to get an answer.\n", triggers[0])
	}

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				break
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return goerr.Wrap(err, "failed to read input")
		}

		line = strings.TrimSpace(line)
		switch {
		case line == "":
			continue
		case line == "exit" || line == "quit":
			fmt.Fprintf(s.w, "\nChat session completed\n")
			return nil
		case strings.HasPrefix(line, "/file "):
			s.shareFile(ctx, strings.TrimSpace(strings.TrimPrefix(line, "/file ")))
			continue
		}

		if err := s.handle(ctx, line); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logging.From(ctx).Error("failed to handle message", logging.ErrAttr(err))
			fmt.Fprintf(s.w, "Sorry, something went wrong. Please try again.\n")
		}
	}

	fmt.Fprintf(s.w, "\nChat session completed\n")
	return nil
}

func (s *chatSession) handle(ctx context.Context, text string) error {
	decision, err := s.policy.Evaluate(ctx, policy.Input{
		Text:   text,
		UserID: s.userID,
		ChatID: s.chatID,
	})
	if err != nil {
		return err
	}
	if s.respondAll {
		decision.Respond = true
	}

	if !decision.Respond {
		if decision.Remember {
			if _, err := s.memory.Remember(ctx, memory.RememberInput{
				UserID: s.userID,
				ChatID: s.chatID,
				Text:   text,
			}); err != nil {
				return goerr.Wrap(err, "failed to remember message")
			}
		}
		return nil
	}

	request := policy.StripTrigger(text, s.policy.Triggers())
	if request == "" {
		fmt.Fprintf(s.w, "Yes? How can I help?\n")
		return nil
	}

	sp := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
	sp.Suffix = " thinking..."
	sp.Start()
	state, err := s.pipeline.Run(ctx, pipeline.Request{
		UserID:   s.userID,
		ChatID:   s.chatID,
		Text:     request,
		Remember: decision.Remember,
	})
	sp.Stop()
	if err != nil {
		return err
	}

	fmt.Fprintf(s.w, "%s\n", state.Response)
	return nil
}

func (s *chatSession) shareFile(ctx context.Context, arg string) {
	path, caption, _ := strings.Cut(arg, " ")
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(s.w, "Can not read %s: %v\n", path, err)
		return
	}

	msg, err := s.memory.RememberDocument(ctx, memory.DocumentInput{
		UserID:   s.userID,
		ChatID:   s.chatID,
		Caption:  strings.TrimSpace(caption),
		FileName: filepath.Base(path),
		Data:     data,
	})
	switch {
	case model.IsQueryError(err):
		fmt.Fprintf(s.w, "Can not remember %s: %v\n", filepath.Base(path), err)
	case err != nil:
		logging.From(ctx).Error("failed to remember document", logging.ErrAttr(err))
		fmt.Fprintf(s.w, "Sorry, the document could not be saved.\n")
	default:
		fmt.Fprintf(s.w, "Saved %s (%s) as %s\n", msg.FileName, msg.FileType.Description(), msg.ID)
	}
}
