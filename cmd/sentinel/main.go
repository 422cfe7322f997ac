// Command sentinel runs the Elasticsearch log-alerting service.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	sentinel "github.com/elasticwatch/sentinel"
)

var version = "dev"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := sentinel.New(sentinel.WithVersion(version), sentinel.WithLogger(logger))
	if err != nil {
		return err
	}

	return app.Run(ctx)
}
