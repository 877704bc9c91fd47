// Package app wires the controllers from configuration. Both Lambda entry
// points and the HTTP mode share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	tagging "github.com/aws/aws-sdk-go-v2/service/resourcegroupstaggingapi"

	"github.com/libops/budget-watch/internal/awsclient"
	"github.com/libops/budget-watch/internal/batch"
	"github.com/libops/budget-watch/internal/cfnresponse"
	"github.com/libops/budget-watch/internal/concurrency"
	"github.com/libops/budget-watch/internal/config"
	"github.com/libops/budget-watch/internal/discovery"
	"github.com/libops/budget-watch/internal/events"
	"github.com/libops/budget-watch/internal/guard"
	"github.com/libops/budget-watch/internal/metrics"
	"github.com/libops/budget-watch/internal/snapshot/backend"
)

// App holds both controllers and the resources they share.
type App struct {
	Config    *config.Config
	Suspender *guard.Suspender
	Resetter  *guard.Resetter

	closers []func() error
}

// New loads AWS configuration and builds the controllers.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	awsCfg, err := awsclient.Load(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewWithAWS(ctx, cfg, awsCfg)
}

// NewWithAWS builds the controllers over an already resolved aws.Config.
func NewWithAWS(ctx context.Context, cfg *config.Config, awsCfg aws.Config) (*App, error) {
	a := &App{Config: cfg}

	store, closeStore, err := backend.New(ctx, cfg, awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot store: %w", err)
	}
	a.closers = append(a.closers, closeStore)

	publisher, closePublisher, err := events.NewFromConfig(ctx, cfg)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("failed to create events publisher: %w", err)
	}
	a.closers = append(a.closers, closePublisher)

	deps := guard.Deps{
		Discoverer: discovery.NewTaggingDiscoverer(tagging.NewFromConfig(awsCfg), discovery.Options{
			TagKey:              cfg.StackTagKey,
			ResourceTypeFilters: cfg.ResourceTypeFilters,
			ResourcesPerPage:    int32(cfg.ResourcesPerPage),
		}),
		Functions: concurrency.NewLambdaStore(lambda.NewFromConfig(awsCfg), concurrency.BreakerSettings{
			FailureThreshold: uint32(max(cfg.BreakerFailureThreshold, 0)),
			Timeout:          cfg.BreakerTimeout,
		}),
		Snapshots: store,
		Runner: batch.NewRunner(batch.Options{
			Limit: cfg.FanoutLimit,
			Rate:  cfg.APIRateLimit,
			Burst: cfg.APIRateBurst,
		}),
		Events: publisher,
	}

	a.Suspender = guard.NewSuspender(cfg, deps)
	a.Resetter = guard.NewResetter(cfg, deps, cfnresponse.NewSender(cfg.AckTimeout))

	slog.Info("Budget watch configured",
		"stack", cfg.StackName,
		"snapshot_backend", cfg.SnapshotBackend,
		"snapshot_key", cfg.SnapshotKey,
		"fanout_limit", cfg.FanoutLimit,
		"excluded", cfg.ExcludedFunctions())

	return a, nil
}

// Flush pushes metrics for job when a Pushgateway is configured. Failures
// are logged only.
func (a *App) Flush(ctx context.Context, job string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := metrics.Push(ctx, a.Config.PushgatewayURL, job, a.Config.StackName); err != nil {
		slog.WarnContext(ctx, "Metrics push failed", "error", err)
	}
}

// Close releases the snapshot store and the events publisher.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
