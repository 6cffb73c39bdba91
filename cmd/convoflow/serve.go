package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	cli "github.com/urfave/cli/v3"

	"github.com/dukex/convoflow/pkg/cmd"
	"github.com/dukex/convoflow/pkg/log"
	"github.com/dukex/convoflow/pkg/web"
)

const defaultPort = 9091

// ServeCommand runs the API and the worker in one process.
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:    "serve",
		Aliases: []string{"s"},
		Usage:   "Start the API and the worker in a single process",
		Flags:   append(cmd.CommonFlags(), cmd.PortFlag(defaultPort)),
		Action: func(ctx context.Context, command *cli.Command) error {
			cfg := cmd.ConfigFromCommand(command, "convoflow")
			log.Setup(cfg.LogLevel, cfg.LogFormat)
			logger := log.WithModule("convoflow")

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			runtime, err := cmd.NewRuntime(ctx, cfg, logger)
			if err != nil {
				return err
			}

			defer func() {
				err := runtime.Close(context.WithoutCancel(ctx))
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close runtime", "error", err)
				}
			}()

			err = runtime.StartWorker(ctx)
			if err != nil {
				return err
			}

			app := web.NewApp(runtime.APIHandlers(), runtime.Metrics, logger)

			return cmd.Serve(ctx, app, command.Int("port"), logger)
		},
	}
}
