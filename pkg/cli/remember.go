package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/ina/pkg/model"
	"github.com/m-mizutani/ina/pkg/usecase/memory"
	"github.com/urfave/cli/v3"
)

func rememberCommand() *cli.Command {
	var (
		cfg       config
		userID    int64
		chatID    int64
		text      string
		filePath  string
		messageID string
	)

	flags := []cli.Flag{
		&cli.IntFlag{
			Name:        "user",
			Aliases:     []string{"u"},
			Usage:       "User ID of the message",
			Sources:     cli.EnvVars("INA_USER_ID"),
			Destination: &userID,
		},
		&cli.IntFlag{
			Name:        "chat",
			Aliases:     []string{"c"},
			Usage:       "Chat ID of the message",
			Sources:     cli.EnvVars("INA_CHAT_ID"),
			Destination: &chatID,
		},
		&cli.StringFlag{
			Name:        "text",
			Aliases:     []string{"t"},
			Usage:       "Message text, or caption when --file is given",
			Destination: &text,
		},
		&cli.StringFlag{
			Name:        "file",
			Aliases:     []string{"f"},
			Usage:       "Path of a PDF, DOCX or TXT document to remember",
			Destination: &filePath,
		},
		&cli.StringFlag{
			Name:        "message-id",
			Aliases:     []string{"m"},
			Usage:       "Append text to this stored message",
			Destination: &messageID,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, storeFlags(&cfg)...)
	flags = append(flags, embeddingFlags(&cfg)...)
	flags = append(flags, memoryFlags(&cfg)...)

	return &cli.Command{
		Name:  "remember",
		Usage: "Store a message or a document in memory",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.withLogger(ctx, c.Root().ErrWriter)

			if messageID != "" && filePath != "" {
				return goerr.New("--message-id can not be used with --file", goerr.T(model.TagQuery))
			}

			uc, closer, err := cfg.newMemory(ctx)
			if err != nil {
				return err
			}
			defer closer()

			switch {
			case messageID != "":
				if err := uc.Append(ctx, model.MessageID(messageID), text); err != nil {
					return goerr.Wrap(err, "failed to append to message")
				}
				fmt.Fprintf(c.Root().Writer, "Appended to message: %s\n", messageID)
				return nil

			case filePath != "":
				data, err := os.ReadFile(filePath)
				if err != nil {
					return goerr.Wrap(err, "failed to read file", goerr.V("path", filePath))
				}
				msg, err := uc.RememberDocument(ctx, memory.DocumentInput{
					UserID:   userID,
					ChatID:   chatID,
					Caption:  text,
					FileName: filepath.Base(filePath),
					Data:     data,
				})
				if err != nil {
					return goerr.Wrap(err, "failed to remember document")
				}
				fmt.Fprintf(c.Root().Writer, "Remembered document: %s (%s)\n", msg.ID, msg.FileType.Description())
				return nil
			}

			msg, err := uc.Remember(ctx, memory.RememberInput{
				UserID: userID,
				ChatID: chatID,
				Text:   text,
			})
			if err != nil {
				return goerr.Wrap(err, "failed to remember message")
			}
			fmt.Fprintf(c.Root().Writer, "Remembered message: %s\n", msg.ID)
			return nil
		},
	}
}
