package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/ina/pkg/model"
	"github.com/m-mizutani/ina/pkg/usecase/memory"
	"github.com/urfave/cli/v3"
)

type recalledChunk struct {
	MessageID string  `json:"message_id"`
	Index     int     `json:"index"`
	Distance  float64 `json:"distance"`
	Text      string  `json:"text"`
}

func recallCommand() *cli.Command {
	var (
		cfg        config
		userID     int64
		chatID     int64
		query      string
		k          int64
		maxChars   int64
		sinceDays  int64
		outputJSON bool
	)

	flags := []cli.Flag{
		&cli.IntFlag{
			Name:        "user",
			Aliases:     []string{"u"},
			Usage:       "Restrict to memories of this user",
			Sources:     cli.EnvVars("INA_USER_ID"),
			Destination: &userID,
		},
		&cli.IntFlag{
			Name:        "chat",
			Aliases:     []string{"c"},
			Usage:       "Restrict to memories of this chat",
			Sources:     cli.EnvVars("INA_CHAT_ID"),
			Destination: &chatID,
		},
		&cli.StringFlag{
			Name:        "query",
			Aliases:     []string{"q"},
			Usage:       "Text to find related memories for",
			Destination: &query,
			Required:    true,
		},
		&cli.IntFlag{
			Name:        "k",
			Usage:       "Maximum number of chunks",
			Value:       5,
			Sources:     cli.EnvVars("INA_RECALL_K"),
			Destination: &k,
		},
		&cli.IntFlag{
			Name:        "max-chars",
			Usage:       "Maximum total characters of returned chunks",
			Value:       4000,
			Sources:     cli.EnvVars("INA_RECALL_MAX_CHARS"),
			Destination: &maxChars,
		},
		&cli.IntFlag{
			Name:        "since-days",
			Usage:       "Only memories from the last N days (0 for all)",
			Destination: &sinceDays,
		},
		&cli.BoolFlag{
			Name:        "json",
			Usage:       "Print chunks as JSON",
			Destination: &outputJSON,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, storeFlags(&cfg)...)
	flags = append(flags, embeddingFlags(&cfg)...)
	flags = append(flags, memoryFlags(&cfg)...)

	return &cli.Command{
		Name:  "recall",
		Usage: "Print remembered context related to a query",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.withLogger(ctx, c.Root().ErrWriter)

			uc, closer, err := cfg.newMemory(ctx)
			if err != nil {
				return err
			}
			defer closer()

			scope := model.Scope{UserID: userID, ChatID: chatID}.WithinDays(int(sinceDays), time.Now())
			result, err := uc.Recall(ctx, memory.RecallInput{
				Query:           query,
				Scope:           scope,
				K:               int(k),
				MaxContextChars: int(maxChars),
			})
			if err != nil {
				return goerr.Wrap(err, "failed to recall")
			}

			w := c.Root().Writer
			if outputJSON {
				chunks := make([]recalledChunk, len(result.Chunks))
				for i, sc := range result.Chunks {
					chunks[i] = recalledChunk{
						MessageID: sc.Chunk.MessageID.String(),
						Index:     sc.Chunk.Index,
						Distance:  sc.Distance,
						Text:      sc.Chunk.Text,
					}
				}
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				if err := enc.Encode(chunks); err != nil {
					return goerr.Wrap(err, "failed to encode chunks")
				}
				return nil
			}

			if result.Empty() {
				fmt.Fprintf(w, "No related memory found\n")
				return nil
			}

			for i, sc := range result.Chunks {
				fmt.Fprintf(w, "%d. [%.4f] %s#%d\n", i+1, sc.Distance, sc.Chunk.MessageID, sc.Chunk.Index)
				fmt.Fprintf(w, "   %s\n\n", sc.Chunk.Text)
			}
			return nil
		},
	}
}
