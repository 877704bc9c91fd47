package events

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/libops/budget-watch/internal/config"
)

// NewFromConfig selects the audit sink: Pub/Sub, then an HTTP sink, else
// NoOp. The returned closer is never nil.
func NewFromConfig(ctx context.Context, cfg *config.Config) (Publisher, func() error, error) {
	noClose := func() error { return nil }

	switch {
	case cfg.EventsPubSubProject != "":
		sender, err := NewPubSubSender(ctx, cfg.EventsPubSubProject, cfg.EventsPubSubTopic)
		if err != nil {
			return nil, noClose, err
		}
		slog.Info("Publishing audit events to Pub/Sub", "project", cfg.EventsPubSubProject, "topic", cfg.EventsPubSubTopic)
		return NewEmitter(NewPubSubCloudEventsClient(sender), EventSourceBudgetWatch), sender.Close, nil

	case cfg.EventsSinkURL != "":
		emitter, err := NewHTTPEmitter(cfg.EventsSinkURL, EventSourceBudgetWatch)
		if err != nil {
			return nil, noClose, fmt.Errorf("failed to create events sink: %w", err)
		}
		slog.Info("Publishing audit events over HTTP", "target", cfg.EventsSinkURL)
		return emitter, noClose, nil

	default:
		return NoOp{}, noClose, nil
	}
}
