// Command suspend is the Lambda entry point for budget alerts delivered by SNS.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/libops/budget-watch/internal/app"
	"github.com/libops/budget-watch/internal/config"
	"github.com/libops/budget-watch/internal/guard"
	"github.com/libops/budget-watch/internal/logging"
	"github.com/libops/budget-watch/internal/metrics"
)

func main() {
	logging.Setup(os.Stderr, os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "err", err)
		os.Exit(1)
	}

	a, err := app.New(context.Background(), cfg)
	if err != nil {
		slog.Error("Failed to initialize", "err", err)
		os.Exit(1)
	}

	lambda.Start(func(ctx context.Context, evt events.SNSEvent) (*guard.SuspendReport, error) {
		defer a.Flush(ctx, "budget_watch_"+metrics.ControllerSuspend)
		return a.Suspender.Handle(ctx, evt)
	})
}
