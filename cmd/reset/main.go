// Command reset is the Lambda entry point for the custom resource that
// restores suspended functions on stack update and delete.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/cfn"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/libops/budget-watch/internal/app"
	"github.com/libops/budget-watch/internal/cfnresponse"
	"github.com/libops/budget-watch/internal/config"
	"github.com/libops/budget-watch/internal/logging"
	"github.com/libops/budget-watch/internal/metrics"
)

type handler func(ctx context.Context, evt cfn.Event) error

func main() {
	logging.Setup(os.Stderr, os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
	lambda.Start(newHandler(context.Background()))
}

// newHandler builds the reset handler. The handler is returned even when
// initialization fails, so every lifecycle event is still acknowledged.
func newHandler(ctx context.Context) handler {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "err", err)
		return initFailure(cfnresponse.NewSender(0), fmt.Errorf("load configuration: %w", err))
	}

	a, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize", "err", err)
		return initFailure(cfnresponse.NewSender(cfg.AckTimeout), fmt.Errorf("initialize: %w", err))
	}

	return func(ctx context.Context, evt cfn.Event) error {
		defer a.Flush(ctx, "budget_watch_"+metrics.ControllerReset)
		return a.Resetter.Handle(ctx, evt)
	}
}

// initFailure acknowledges every event as FAILED with the startup error.
func initFailure(ack cfnresponse.Acknowledger, initErr error) handler {
	return func(ctx context.Context, evt cfn.Event) error {
		slog.ErrorContext(ctx, "Rejecting lifecycle event, reset is not initialized",
			"request_type", evt.RequestType,
			"request_id", evt.RequestID,
			"error", initErr)

		err := ack.Send(ctx, evt, cfnresponse.Ack{
			Status: cfn.StatusFailed,
			Reason: "budget watch reset failed to start: " + initErr.Error(),
		})
		metrics.RecordAck(string(cfn.StatusFailed), err == nil)
		return err
	}
}
