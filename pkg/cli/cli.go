package cli

import (
	"context"
	"errors"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/m-mizutani/ina/pkg/model"
	"github.com/m-mizutani/ina/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

type Error struct {
	Code    int
	Message string
}

const (
	exitFailure       = 1
	exitConfiguration = 2
)

func Run(ctx context.Context, argv []string) *Error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logging.Default().Warn("failed to load .env", logging.ErrAttr(err))
	}

	cmd := &cli.Command{
		Name:  "ina",
		Usage: "Conversational memory for a multi-agent chat bot",
		Commands: []*cli.Command{
			migrateCommand(),
			rememberCommand(),
			recallCommand(),
			forgetCommand(),
			historyCommand(),
			chatCommand(),
			serveCommand(),
		},
	}

	if err := cmd.Run(ctx, argv); err != nil {
		code := exitFailure
		if model.IsConfigurationError(err) {
			code = exitConfiguration
		}
		logging.Default().Error("command failed", logging.ErrAttr(err))
		return &Error{
			Code:    code,
			Message: err.Error(),
		}
	}

	return nil
}
