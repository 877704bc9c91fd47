package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/cfn"

	"github.com/libops/budget-watch/internal/batch"
	"github.com/libops/budget-watch/internal/cfnresponse"
	"github.com/libops/budget-watch/internal/config"
	"github.com/libops/budget-watch/internal/events"
	"github.com/libops/budget-watch/internal/logging"
	"github.com/libops/budget-watch/internal/metrics"
	"github.com/libops/budget-watch/internal/snapshot"
)

// ResetReport summarizes one Resetter invocation.
type ResetReport struct {
	RequestType   cfn.RequestType `json:"request_type"`
	SnapshotFound bool            `json:"snapshot_found"`
	Restored      int             `json:"restored"`
	Failures      []TargetFailure `json:"failures,omitempty"`
	// Retained entries were never restored because time ran out; they stay
	// in the snapshot for the next lifecycle event.
	Retained []string `json:"retained,omitempty"`
}

// publishTimeout bounds the audit event sent after the acknowledgment.
const publishTimeout = 5 * time.Second

// Resetter restores the captured concurrency on stack update or delete.
type Resetter struct {
	cfg  *config.Config
	deps Deps
	ack  cfnresponse.Acknowledger
}

// NewResetter creates a Resetter that acknowledges through ack.
func NewResetter(cfg *config.Config, deps Deps, ack cfnresponse.Acknowledger) *Resetter {
	return &Resetter{
		cfg:  cfg,
		deps: deps.withDefaults(),
		ack:  ack,
	}
}

// Handle processes one custom resource event and sends exactly one
// acknowledgment. The returned error is that of the acknowledgment only.
//
// The invocation deadline is split: the reset runs until AckTimeout before
// it, and the acknowledgment gets the remainder on a detached context.
func (r *Resetter) Handle(ctx context.Context, evt cfn.Event) (err error) {
	ctx = logging.WithInvocation(ctx, metrics.ControllerReset, r.cfg.StackName, evt.RequestID)

	ack := cfnresponse.Ack{
		Status:             cfn.StatusFailed,
		Reason:             "reset did not complete",
		PhysicalResourceID: r.physicalResourceID(evt),
	}
	var report *ResetReport

	defer func() {
		if p := recover(); p != nil {
			slog.ErrorContext(ctx, "Reset panicked", "panic", p, "stack_trace", string(debug.Stack()))
			metrics.RecordInvocation(metrics.ControllerReset, "error")
			ack.Status = cfn.StatusFailed
			ack.Reason = fmt.Sprintf("reset panicked: %v", p)
			ack.Data = nil
			report = nil
		}
		err = r.acknowledge(ctx, evt, ack)
		if ack.Status == cfn.StatusSuccess && report != nil && report.SnapshotFound {
			r.publishRestored(ctx, evt, report)
		}
	}()

	workCtx, cancel := withReserve(ctx, r.cfg.AckTimeout)
	defer cancel()

	slog.InfoContext(ctx, "Lifecycle event received", "request_type", evt.RequestType, "logical_resource_id", evt.LogicalResourceID)

	rep, rerr := r.reset(workCtx, evt)
	if rerr != nil {
		slog.ErrorContext(ctx, "Reset failed", "error", rerr)
		metrics.RecordInvocation(metrics.ControllerReset, "error")
		ack.Reason = rerr.Error()
		return nil
	}
	report = rep

	ack.Status = cfn.StatusSuccess
	ack.Reason = ""
	ack.Data = map[string]any{
		"DependsOn": "ready",
		"Restored":  strconv.Itoa(report.Restored),
		"Failed":    strconv.Itoa(len(report.Failures)),
	}

	outcome := "success"
	if !report.SnapshotFound {
		outcome = "noop"
	}
	metrics.RecordInvocation(metrics.ControllerReset, outcome)
	return nil
}

// withReserve derives a context that ends reserve before ctx's deadline.
// Without a deadline or a reserve it only adds cancellation.
func withReserve(ctx context.Context, reserve time.Duration) (context.Context, context.CancelFunc) {
	deadline, ok := ctx.Deadline()
	if !ok || reserve <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithDeadline(ctx, deadline.Add(-reserve))
}

func (r *Resetter) acknowledge(ctx context.Context, evt cfn.Event, ack cfnresponse.Ack) error {
	ctx = context.WithoutCancel(ctx)
	if r.cfg.AckTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.AckTimeout)
		defer cancel()
	}

	err := r.ack.Send(ctx, evt, ack)
	metrics.RecordAck(string(ack.Status), err == nil)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to acknowledge lifecycle event", "status", ack.Status, "error", err)
		return err
	}
	return nil
}

func (r *Resetter) physicalResourceID(evt cfn.Event) string {
	if evt.PhysicalResourceID != "" {
		return evt.PhysicalResourceID
	}
	return r.cfg.StackName + "-budget-watch-reset"
}

func (r *Resetter) reset(ctx context.Context, evt cfn.Event) (*ResetReport, error) {
	report := &ResetReport{RequestType: evt.RequestType}

	switch evt.RequestType {
	case cfn.RequestUpdate, cfn.RequestDelete:
	case cfn.RequestCreate:
		slog.InfoContext(ctx, "Nothing to restore on create")
		return report, nil
	default:
		slog.WarnContext(ctx, "Unknown request type, acknowledging", "request_type", evt.RequestType)
		return report, nil
	}

	raw, err := r.deps.Snapshots.Get(ctx, r.cfg.SnapshotKey)
	switch {
	case errors.Is(err, snapshot.ErrNotFound):
		metrics.RecordSnapshotOp("get", "not_found")
		slog.InfoContext(ctx, "No snapshot found, nothing to restore", "key", r.cfg.SnapshotKey)
		return report, nil
	case err != nil:
		metrics.RecordSnapshotOp("get", "error")
		slog.WarnContext(ctx, "Failed to read snapshot, nothing to restore", "key", r.cfg.SnapshotKey, "error", err)
		return report, nil
	}
	metrics.RecordSnapshotOp("get", "success")
	report.SnapshotFound = true

	snap, err := snapshot.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode snapshot %s: %w", r.cfg.SnapshotKey, err)
	}

	// The snapshot store gets the last AckTimeout of the work budget.
	restoreCtx, cancel := withReserve(ctx, r.cfg.AckTimeout)
	retained := r.restore(restoreCtx, snap, report)
	cancel()

	if len(retained) > 0 {
		if err := r.retain(ctx, retained); err != nil {
			return nil, err
		}
		report.Retained = retained.IDs()
	} else {
		if err := r.deps.Snapshots.Delete(ctx, r.cfg.SnapshotKey); err != nil {
			metrics.RecordSnapshotOp("delete", "error")
			return nil, fmt.Errorf("failed to delete snapshot %s: %w", r.cfg.SnapshotKey, err)
		}
		metrics.RecordSnapshotOp("delete", "success")
	}

	slog.InfoContext(ctx, "Stack restored",
		"entries", len(snap),
		"restored", report.Restored,
		"failed", len(report.Failures),
		"retained", len(report.Retained))

	return report, nil
}

// retain rewrites the snapshot with only the entries that were never
// restored, so a later lifecycle event can finish the job.
func (r *Resetter) retain(ctx context.Context, retained snapshot.Snapshot) error {
	value, err := snapshot.Encode(retained)
	if err != nil {
		return fmt.Errorf("failed to encode retained snapshot: %w", err)
	}
	if err := r.deps.Snapshots.Put(ctx, r.cfg.SnapshotKey, value, snapshot.Metadata{Tags: r.cfg.SnapshotTags()}); err != nil {
		metrics.RecordSnapshotOp("put", "error")
		return fmt.Errorf("failed to retain %d unrestored entries in snapshot %s: %w", len(retained), r.cfg.SnapshotKey, err)
	}
	metrics.RecordSnapshotOp("put", "success")

	slog.WarnContext(ctx, "Ran out of time restoring, unrestored entries kept in snapshot",
		"key", r.cfg.SnapshotKey,
		"retained", retained.IDs())
	return nil
}

func (r *Resetter) publishRestored(ctx context.Context, evt cfn.Event, report *ResetReport) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if err := r.deps.Events.Publish(ctx, events.EventTypeStackRestored, r.cfg.StackName, events.StackRestored{
		Stack:         r.cfg.StackName,
		SnapshotKey:   r.cfg.SnapshotKey,
		RequestType:   string(evt.RequestType),
		SnapshotFound: true,
		Restored:      report.Restored,
		Failed:        failedIDs(report.Failures),
		Retained:      report.Retained,
	}); err != nil {
		slog.WarnContext(ctx, "Failed to publish restore event", "error", err)
	}
}

// restore applies every entry: unset clears the override, anything else is
// set back verbatim, zero included. It returns the entries whose call never
// completed because the context ended.
func (r *Resetter) restore(ctx context.Context, snap snapshot.Snapshot, report *ResetReport) snapshot.Snapshot {
	limits := make(map[string]snapshot.Limit, len(snap))
	for _, e := range snap {
		limits[e.ResourceID] = e.Limit
	}

	start := time.Now()
	results := batch.Run(ctx, r.deps.Runner, snap.IDs(), func(ctx context.Context, id string) (snapshot.Limit, error) {
		limit := limits[id]
		if v, ok := limit.Value(); ok {
			return limit, r.deps.Functions.Set(ctx, id, v)
		}
		return limit, r.deps.Functions.Clear(ctx, id)
	})
	metrics.ObservePhase(metrics.ControllerReset, metrics.PhaseRestore, start)

	var retained snapshot.Snapshot
	for _, res := range batch.Failed(results) {
		if outOfTime(res.Err) {
			retained = append(retained, snapshot.Entry{ResourceID: res.ID, Limit: limits[res.ID]})
		}
	}

	report.Failures = collectFailures(metrics.PhaseRestore, results)
	for _, f := range report.Failures {
		slog.WarnContext(ctx, "Failed to restore function", "function", f.ID, "error", f.Error)
	}
	report.Restored = len(results) - len(report.Failures)
	metrics.RecordTargetCalls(metrics.PhaseRestore, report.Restored, len(report.Failures))
	return retained
}

// outOfTime reports whether a restore failed for lack of time rather than
// being rejected, so it is worth trying again later.
func outOfTime(err error) bool {
	return errors.Is(err, batch.ErrNotAttempted) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}
