// Package main provides the convoflow API server.
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

func main() {
	command := &cli.Command{
		Name:                  "convoflow-api",
		Usage:                 "Manage flows and accept platform events",
		EnableShellCompletion: true,
		Flags:                 append(cmd.CommonFlags(), cmd.PortFlag(defaultPort)),
		Action: func(ctx context.Context, command *cli.Command) error {
			cfg := cmd.ConfigFromCommand(command, "convoflow-api")
			log.Setup(cfg.LogLevel, cfg.LogFormat)
			logger := log.WithModule("convoflow-api")

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.InfoContext(ctx, "Initializing convoflow API")

			if cfg.EventBus != "kafka" {
				logger.WarnContext(ctx, "In-process event bus selected, events reach only workers in this process",
					"event_bus", cfg.EventBus)
			}

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

			app := web.NewApp(runtime.APIHandlers(), runtime.Metrics, logger)

			return cmd.Serve(ctx, app, command.Int("port"), logger)
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
