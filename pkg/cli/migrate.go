package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/ina/pkg/repository/postgres"
	"github.com/urfave/cli/v3"
)

// firestoreScopes lists the filter fields of every scope a vector query can
// carry. Each needs its own composite vector index.
var firestoreScopes = [][]string{
	{"user_id"},
	{"chat_id"},
	{"user_id", "chat_id"},
	{"user_id", "created_at"},
	{"chat_id", "created_at"},
	{"user_id", "chat_id", "created_at"},
}

func migrateCommand() *cli.Command {
	var cfg config

	flags := globalFlags(&cfg)
	flags = append(flags, storeFlags(&cfg)...)

	return &cli.Command{
		Name:  "migrate",
		Usage: "Create tables and indexes of the vector store",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.withLogger(ctx, c.Root().ErrWriter)
			w := c.Root().Writer

			switch cfg.store {
			case "postgres":
				if cfg.postgresDSN == "" {
					return configError("postgres-dsn is required")
				}
				if err := postgres.Migrate(ctx, cfg.postgresDSN, int(cfg.storeDimension),
					postgres.WithTablePrefix(cfg.tablePrefix)); err != nil {
					return err
				}
				fmt.Fprintf(w, "Schema is ready\n")
				return nil

			case "firestore":
				// Firestore indexes can not be created from the client library
				printFirestoreIndexes(w, &cfg)
				return nil

			case "memory":
				fmt.Fprintf(w, "Nothing to migrate for memory store\n")
				return nil
			}

			return configError("unknown store", goerr.V("store", cfg.store))
		},
	}
}

func printFirestoreIndexes(w io.Writer, cfg *config) {
	fmt.Fprintf(w, "Create the vector indexes with:\n")
	for _, fields := range firestoreScopes {
		fmt.Fprintf(w, "\ngcloud firestore indexes composite create --project=%s --database='%s' \\\n", cfg.firestoreProject, cfg.firestoreDatabase)
		fmt.Fprintf(w, "  --collection-group=%smessage_embeddings --query-scope=COLLECTION \\\n", cfg.collectionPrefix)
		for _, field := range fields {
			fmt.Fprintf(w, "  --field-config=field-path=%s,order=ASCENDING \\\n", field)
		}
		fmt.Fprintf(w, "  --field-config='vector-config={\"dimension\":\"%d\",\"flat\":\"{}\"},field-path=embedding'\n", cfg.storeDimension)
	}
}
