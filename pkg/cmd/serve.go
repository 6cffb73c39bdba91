package cmd

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"github.com/gofiber/fiber/v3"
)

// Serve runs app on port until ctx is cancelled, then shuts it down gracefully.
func Serve(ctx context.Context, app *fiber.App, port int, logger *slog.Logger) error {
	errCh := make(chan error, 1)

	go func() {
		errCh <- app.Listen(":"+strconv.Itoa(port), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	logger.InfoContext(ctx, "HTTP server listening", "port", port)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.InfoContext(ctx, "Shutting down HTTP server")

	err := app.ShutdownWithTimeout(DefaultShutdownTimeout)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}
