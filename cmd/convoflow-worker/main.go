// Package main provides the convoflow worker: it consumes inbound events and runs scheduled jobs.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	"github.com/dukex/convoflow/pkg/cmd"
	"github.com/dukex/convoflow/pkg/log"
)

func main() {
	command := &cli.Command{
		Name:                  "convoflow-worker",
		EnableShellCompletion: true,
		Usage:                 "Execute flows for inbound events and run scheduled jobs",
		Flags: append(cmd.CommonFlags(),
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Value:   "",
				Sources: cli.EnvVars("WORKER_ID"),
			},
		),
		Action: func(ctx context.Context, command *cli.Command) error {
			cfg := cmd.ConfigFromCommand(command, "convoflow-worker")

			workerID := command.String("worker-id")
			if workerID == "" {
				workerID = "worker-" + uuid.New().String()[:8]
			}

			log.Setup(cfg.LogLevel, cfg.LogFormat)
			logger := log.WithModule("convoflow-worker").With("worker_id", workerID)

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.InfoContext(ctx, "Initializing convoflow worker")

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
				logger.ErrorContext(ctx, "Failed to start worker", "error", err)

				return err
			}

			logger.InfoContext(ctx, "Worker started successfully")

			<-ctx.Done()
			logger.InfoContext(ctx, "Shutting down worker...")

			return nil
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
