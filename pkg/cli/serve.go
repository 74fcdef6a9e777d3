package cli

import (
	"context"
	"os"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/ina/pkg/service/mcp"
	"github.com/m-mizutani/ina/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

func serveCommand() *cli.Command {
	var (
		cfg       config
		transport string
		addr      string
		recallK   int64
		maxChars  int64
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "transport",
			Usage:       "MCP transport (stdio, http)",
			Value:       "stdio",
			Sources:     cli.EnvVars("INA_MCP_TRANSPORT"),
			Destination: &transport,
		},
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "Listen address of the HTTP transport",
			Value:       "127.0.0.1:8080",
			Sources:     cli.EnvVars("INA_MCP_ADDR"),
			Destination: &addr,
		},
		&cli.IntFlag{
			Name:        "k",
			Usage:       "Default number of recalled chunks",
			Value:       5,
			Sources:     cli.EnvVars("INA_RECALL_K"),
			Destination: &recallK,
		},
		&cli.IntFlag{
			Name:        "max-chars",
			Usage:       "Default character budget of recalled chunks",
			Value:       4000,
			Sources:     cli.EnvVars("INA_RECALL_MAX_CHARS"),
			Destination: &maxChars,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, storeFlags(&cfg)...)
	flags = append(flags, embeddingFlags(&cfg)...)
	flags = append(flags, memoryFlags(&cfg)...)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve remember, recall and forget as MCP tools",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			if transport == "stdio" {
				// stdout carries the protocol
				cfg.logFormat = string(logging.FormatJSON)
			}
			ctx = cfg.withLogger(ctx, os.Stderr)

			uc, closer, err := cfg.newMemory(ctx)
			if err != nil {
				return err
			}
			defer closer()

			server := mcp.NewServer(uc, mcp.WithRecallDefaults(int(recallK), int(maxChars)))

			switch transport {
			case "stdio":
				return server.Run(ctx)
			case "http":
				return server.RunHTTP(ctx, addr)
			}
			return configError("unknown transport", goerr.V("transport", transport))
		},
	}
}
