package guard

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	awsevents "github.com/aws/aws-lambda-go/events"

	"github.com/libops/budget-watch/internal/batch"
	"github.com/libops/budget-watch/internal/config"
	"github.com/libops/budget-watch/internal/events"
	"github.com/libops/budget-watch/internal/logging"
	"github.com/libops/budget-watch/internal/metrics"
	"github.com/libops/budget-watch/internal/snapshot"
)

// ErrNoTargetsCaptured is returned when targets exist but none of their
// current limits could be read, so there is nothing safe to suspend.
var ErrNoTargetsCaptured = errors.New("no target concurrency could be captured")

// SuspendReport summarizes one Suspender invocation.
type SuspendReport struct {
	Stack      string            `json:"stack"`
	Budget     string            `json:"budget,omitempty"`
	Discovered int               `json:"discovered"`
	Excluded   []string          `json:"excluded,omitempty"`
	Captured   int               `json:"captured"`
	Suspended  int               `json:"suspended"`
	Failures   []TargetFailure   `json:"failures,omitempty"`
	Snapshot   snapshot.Snapshot `json:"snapshot"`
}

// Suspender captures and zeroes the reserved concurrency of a stack.
type Suspender struct {
	cfg       *config.Config
	deps      Deps
	exclusion Exclusion
}

// NewSuspender creates a Suspender for the stack described by cfg.
func NewSuspender(cfg *config.Config, deps Deps) *Suspender {
	return &Suspender{
		cfg:       cfg,
		deps:      deps.withDefaults(),
		exclusion: NewExclusion(cfg.ExcludedFunctions()...),
	}
}

// Handle runs discover, capture, persist and suspend in that order. Each
// phase completes before the next starts; the snapshot is durable before
// the first function is suspended.
func (s *Suspender) Handle(ctx context.Context, evt awsevents.SNSEvent) (*SuspendReport, error) {
	record, ok := notification(evt)
	if !ok {
		slog.WarnContext(ctx, "Ignoring event without a budget notification", "records", len(evt.Records))
		metrics.RecordInvocation(metrics.ControllerSuspend, "ignored")
		return nil, nil
	}

	ctx = logging.WithInvocation(ctx, metrics.ControllerSuspend, s.cfg.StackName, record.MessageID)
	slog.DebugContext(ctx, "Budget notification received", "topic", record.TopicArn, "subject", record.Subject, "message", record.Message)

	report, err := s.suspend(ctx, budgetName(record.Message))
	if err != nil {
		slog.ErrorContext(ctx, "Suspension failed", "error", err)
		metrics.RecordInvocation(metrics.ControllerSuspend, "error")
		return report, err
	}

	slog.InfoContext(ctx, "Stack suspended",
		"discovered", report.Discovered,
		"excluded", len(report.Excluded),
		"captured", report.Captured,
		"suspended", report.Suspended,
		"failed", len(report.Failures))
	metrics.RecordInvocation(metrics.ControllerSuspend, "success")

	if err := s.deps.Events.Publish(ctx, events.EventTypeStackSuspended, s.cfg.StackName, events.StackSuspended{
		Stack:       s.cfg.StackName,
		SnapshotKey: s.cfg.SnapshotKey,
		Budget:      report.Budget,
		Discovered:  report.Discovered,
		Excluded:    len(report.Excluded),
		Captured:    report.Captured,
		Suspended:   report.Suspended,
		Failed:      failedIDs(report.Failures),
	}); err != nil {
		slog.WarnContext(ctx, "Failed to publish suspension event", "error", err)
	}

	return report, nil
}

func (s *Suspender) suspend(ctx context.Context, budget string) (*SuspendReport, error) {
	report := &SuspendReport{Stack: s.cfg.StackName, Budget: budget}

	start := time.Now()
	ids, err := s.deps.Discoverer.Discover(ctx, s.cfg.StackName)
	metrics.ObservePhase(metrics.ControllerSuspend, metrics.PhaseDiscover, start)
	if err != nil {
		return report, fmt.Errorf("failed to discover stack %s: %w", s.cfg.StackName, err)
	}

	targets, excluded := s.exclusion.Filter(ids)
	report.Discovered = len(ids)
	report.Excluded = excluded
	slog.InfoContext(ctx, "Discovered suspension targets", "targets", len(targets), "excluded", excluded)

	start = time.Now()
	captured := batch.Run(ctx, s.deps.Runner, targets, s.deps.Functions.Get)
	metrics.ObservePhase(metrics.ControllerSuspend, metrics.PhaseCapture, start)

	snap := make(snapshot.Snapshot, 0, len(captured))
	for _, res := range captured {
		if res.Err != nil {
			slog.WarnContext(ctx, "Failed to capture concurrency, function will not be suspended", "function", res.ID, "error", res.Err)
			continue
		}
		snap = append(snap, snapshot.Entry{ResourceID: res.ID, Limit: res.Value})
	}
	report.Failures = collectFailures(metrics.PhaseCapture, captured)
	report.Captured = len(snap)
	report.Snapshot = snap
	metrics.RecordTargetCalls(metrics.PhaseCapture, len(snap), len(report.Failures))

	if len(targets) > 0 && len(snap) == 0 {
		return report, fmt.Errorf("%w: %d targets failed", ErrNoTargetsCaptured, len(targets))
	}

	if err := s.persist(ctx, snap); err != nil {
		return report, err
	}

	start = time.Now()
	suspended := batch.Run(ctx, s.deps.Runner, snap.IDs(), func(ctx context.Context, id string) (struct{}, error) {
		return struct{}{}, s.deps.Functions.Set(ctx, id, 0)
	})
	metrics.ObservePhase(metrics.ControllerSuspend, metrics.PhaseSuspend, start)

	suspendFailures := collectFailures(metrics.PhaseSuspend, suspended)
	for _, f := range suspendFailures {
		slog.WarnContext(ctx, "Failed to suspend function", "function", f.ID, "error", f.Error)
	}
	report.Failures = append(report.Failures, suspendFailures...)
	report.Suspended = len(suspended) - len(suspendFailures)
	metrics.RecordTargetCalls(metrics.PhaseSuspend, report.Suspended, len(suspendFailures))

	return report, nil
}

// persist overwrites any earlier snapshot under the same key.
func (s *Suspender) persist(ctx context.Context, snap snapshot.Snapshot) error {
	value, err := snapshot.Encode(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	start := time.Now()
	err = s.deps.Snapshots.Put(ctx, s.cfg.SnapshotKey, value, snapshot.Metadata{Tags: s.cfg.SnapshotTags()})
	metrics.ObservePhase(metrics.ControllerSuspend, metrics.PhasePersist, start)
	if err != nil {
		metrics.RecordSnapshotOp("put", "error")
		return fmt.Errorf("failed to persist snapshot %s: %w", s.cfg.SnapshotKey, err)
	}
	metrics.RecordSnapshotOp("put", "success")

	slog.InfoContext(ctx, "Snapshot persisted", "key", s.cfg.SnapshotKey, "entries", len(snap))
	return nil
}

// notification returns the first record that looks like an SNS delivery.
func notification(evt awsevents.SNSEvent) (awsevents.SNSEntity, bool) {
	for _, r := range evt.Records {
		if r.SNS.MessageID != "" || r.SNS.TopicArn != "" || r.SNS.Message != "" {
			return r.SNS, true
		}
	}
	return awsevents.SNSEntity{}, false
}

// budgetName extracts the "Budget Name:" line of an AWS Budgets email-style
// notification, if there is one.
func budgetName(message string) string {
	scanner := bufio.NewScanner(strings.NewReader(message))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if name, ok := strings.CutPrefix(line, "Budget Name:"); ok {
			return strings.TrimSpace(name)
		}
	}
	return ""
}
