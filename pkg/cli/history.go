package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/ina/pkg/model"
	"github.com/urfave/cli/v3"
)

func historyCommand() *cli.Command {
	var (
		cfg    config
		userID int64
		chatID int64
		limit  int64
	)

	flags := []cli.Flag{
		&cli.IntFlag{
			Name:        "user",
			Aliases:     []string{"u"},
			Usage:       "User ID",
			Sources:     cli.EnvVars("INA_USER_ID"),
			Destination: &userID,
		},
		&cli.IntFlag{
			Name:        "chat",
			Aliases:     []string{"c"},
			Usage:       "Chat ID",
			Sources:     cli.EnvVars("INA_CHAT_ID"),
			Destination: &chatID,
		},
		&cli.IntFlag{
			Name:        "limit",
			Aliases:     []string{"l"},
			Usage:       "Maximum number of messages to display",
			Value:       10,
			Destination: &limit,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, storeFlags(&cfg)...)
	flags = append(flags, embeddingFlags(&cfg)...)
	flags = append(flags, memoryFlags(&cfg)...)

	return &cli.Command{
		Name:  "history",
		Usage: "Show recent messages and shared documents",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.withLogger(ctx, c.Root().ErrWriter)

			uc, closer, err := cfg.newMemory(ctx)
			if err != nil {
				return err
			}
			defer closer()

			conv, err := uc.ConversationContext(ctx, userID, chatID, int(limit))
			if err != nil {
				return goerr.Wrap(err, "failed to get conversation")
			}

			w := c.Root().Writer
			printMessages := func(title string, msgs []*model.Message) {
				if len(msgs) == 0 {
					return
				}
				fmt.Fprintf(w, "%s:\n", title)
				for _, m := range msgs {
					fmt.Fprintf(w, "  %s  %s  %s\n", m.CreatedAt.Format("2006-01-02 15:04"), m.ID, summarize(m))
				}
				fmt.Fprintf(w, "\n")
			}

			printMessages("Chat", conv.ChatMessages)
			printMessages("User", conv.UserMessages)
			printMessages("Files", conv.Files)

			if len(conv.ChatMessages)+len(conv.UserMessages)+len(conv.Files) == 0 {
				fmt.Fprintf(w, "No messages found\n")
			}
			return nil
		},
	}
}

func summarize(m *model.Message) string {
	text := strings.Join(strings.Fields(m.Text), " ")
	if m.HasFile() {
		text = fmt.Sprintf("[%s] %s", m.FileName, text)
	}
	if r := []rune(text); len(r) > 80 {
		text = string(r[:77]) + "..."
	}
	return text
}
