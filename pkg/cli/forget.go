package cli

import (
	"context"
	"fmt"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/ina/pkg/model"
	"github.com/urfave/cli/v3"
)

func forgetCommand() *cli.Command {
	var (
		cfg       config
		messageID string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "message-id",
			Aliases:     []string{"m"},
			Usage:       "ID of the message to delete",
			Destination: &messageID,
			Required:    true,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, storeFlags(&cfg)...)
	flags = append(flags, embeddingFlags(&cfg)...)
	flags = append(flags, memoryFlags(&cfg)...)

	return &cli.Command{
		Name:  "forget",
		Usage: "Delete a message and all of its chunks",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.withLogger(ctx, c.Root().ErrWriter)

			uc, closer, err := cfg.newMemory(ctx)
			if err != nil {
				return err
			}
			defer closer()

			if err := uc.Forget(ctx, model.MessageID(messageID)); err != nil {
				return goerr.Wrap(err, "failed to forget message", goerr.V("message_id", messageID))
			}

			fmt.Fprintf(c.Root().Writer, "Forgot message: %s\n", messageID)
			return nil
		},
	}
}
