package guard

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-lambda-go/cfn"
	awsevents "github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libops/budget-watch/internal/concurrency"
	"github.com/libops/budget-watch/internal/events"
	"github.com/libops/budget-watch/internal/snapshot"
)

func TestSuspendThenReset_Scenario(t *testing.T) {
	h := newHarness(t, []string{"fn1", "fn2"}, map[string]snapshot.Limit{
		"fn1": snapshot.Of(10),
		"fn2": snapshot.Unset(),
	})
	ctx := context.Background()

	report, err := h.suspender.Handle(ctx, budgetAlert())
	require.NoError(t, err)
	require.NotNil(t, report)

	stored, ok := h.storedSnapshot(t)
	require.True(t, ok)
	assert.JSONEq(t, `[["fn1",10],["fn2",null]]`, stored)
	assert.Equal(t, snapshot.Of(0), h.functions.Limit("fn1"))
	assert.Equal(t, snapshot.Of(0), h.functions.Limit("fn2"))
	assert.Equal(t, 2, report.Suspended)
	assert.Equal(t, "MyAppStaging-monthly", report.Budget)

	tags, _ := h.store.Tags(testSnapshotKey)
	assert.Equal(t, map[string]string{"budget-watch:stack-name": testStack}, tags)

	require.NoError(t, h.resetter.Handle(ctx, lifecycleEvent(cfn.RequestUpdate)))

	assert.Equal(t, snapshot.Of(10), h.functions.Limit("fn1"))
	assert.False(t, h.functions.Limit("fn2").IsSet())
	_, ok = h.storedSnapshot(t)
	assert.False(t, ok, "snapshot should be deleted")

	require.Len(t, h.acks.sent, 1)
	ack := h.acks.sent[0].ack
	assert.Equal(t, cfn.StatusSuccess, ack.Status)
	assert.Equal(t, "ready", ack.Data["DependsOn"])
	assert.Equal(t, "2", ack.Data["Restored"])
}

func TestSuspendThenReset_RoundTripRestoresExactValues(t *testing.T) {
	original := map[string]snapshot.Limit{
		"A": snapshot.Of(5),
		"B": snapshot.Unset(),
		"C": snapshot.Of(0),
	}
	h := newHarness(t, []string{"A", "B", "C"}, original)
	ctx := context.Background()

	_, err := h.suspender.Handle(ctx, budgetAlert())
	require.NoError(t, err)
	for id := range original {
		assert.Equal(t, snapshot.Of(0), h.functions.Limit(id), id)
	}

	require.NoError(t, h.resetter.Handle(ctx, lifecycleEvent(cfn.RequestDelete)))
	for id, want := range original {
		assert.Equal(t, want, h.functions.Limit(id), id)
	}

	// C had an explicit zero and must be set, not cleared.
	var restoreC []concurrency.Call
	for _, c := range h.setCalls() {
		if c.ID == "C" {
			restoreC = append(restoreC, c)
		}
	}
	require.Len(t, restoreC, 2)
	assert.Equal(t, concurrency.Call{Op: concurrency.OpSet, ID: "C", Limit: 0}, restoreC[1])
}

func TestSuspend_PreservesDiscoveryOrder(t *testing.T) {
	var ids []string
	limits := map[string]snapshot.Limit{}
	for i := range 40 {
		id := fmt.Sprintf("arn:aws:lambda:us-west-2:123:function:MyAppStaging-fn%02d", 39-i)
		ids = append(ids, id)
		limits[id] = snapshot.Of(int32(i))
	}
	h := newHarness(t, ids, limits)

	report, err := h.suspender.Handle(context.Background(), budgetAlert())
	require.NoError(t, err)

	assert.Equal(t, ids, report.Snapshot.IDs())
	raw, _ := h.storedSnapshot(t)
	decoded, err := snapshot.Decode([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, ids, decoded.IDs())
}

func TestSuspend_NeverTargetsControllers(t *testing.T) {
	trigger := "arn:aws:lambda:us-west-2:123:function:" + triggerName + "-AbC123"
	reset := "arn:aws:lambda:us-west-2:123:function:" + resetName + "-XyZ789"
	app := "arn:aws:lambda:us-west-2:123:function:MyAppStaging-GetIndex-1"

	h := newHarness(t, []string{trigger, app, reset}, map[string]snapshot.Limit{
		trigger: snapshot.Unset(),
		reset:   snapshot.Unset(),
		app:     snapshot.Of(3),
	})

	report, err := h.suspender.Handle(context.Background(), budgetAlert())
	require.NoError(t, err)

	assert.Equal(t, []string{app}, report.Snapshot.IDs())
	assert.ElementsMatch(t, []string{trigger, reset}, report.Excluded)
	for _, c := range h.functions.Calls() {
		assert.NotEqual(t, trigger, c.ID)
		assert.NotEqual(t, reset, c.ID)
	}
	assert.False(t, h.functions.Limit(trigger).IsSet())
}

func TestSuspend_PartialSuspendFailure(t *testing.T) {
	h := newHarness(t, []string{"a", "b", "c", "d"}, map[string]snapshot.Limit{
		"a": snapshot.Of(1), "b": snapshot.Of(2), "c": snapshot.Unset(), "d": snapshot.Of(4),
	})
	h.functions.FailOn(concurrency.OpSet, "b", errors.New("TooManyRequestsException"))

	report, err := h.suspender.Handle(context.Background(), budgetAlert())
	require.NoError(t, err)

	stored, _ := h.storedSnapshot(t)
	assert.JSONEq(t, `[["a",1],["b",2],["c",null],["d",4]]`, stored)
	for _, id := range []string{"a", "c", "d"} {
		assert.Equal(t, snapshot.Of(0), h.functions.Limit(id), id)
	}
	assert.Equal(t, snapshot.Of(2), h.functions.Limit("b"))
	assert.Equal(t, 3, report.Suspended)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, TargetFailure{ID: "b", Phase: "suspend", Error: "TooManyRequestsException"}, report.Failures[0])
}

func TestSuspend_CaptureFailureLeavesTargetUntouched(t *testing.T) {
	h := newHarness(t, []string{"a", "b"}, map[string]snapshot.Limit{
		"a": snapshot.Of(1), "b": snapshot.Of(2),
	})
	h.functions.FailOn(concurrency.OpGet, "a", errors.New("AccessDenied"))

	report, err := h.suspender.Handle(context.Background(), budgetAlert())
	require.NoError(t, err)

	stored, _ := h.storedSnapshot(t)
	assert.JSONEq(t, `[["b",2]]`, stored)
	assert.Equal(t, snapshot.Of(1), h.functions.Limit("a"))
	assert.Equal(t, snapshot.Of(0), h.functions.Limit("b"))
	assert.Equal(t, 1, report.Captured)
}

func TestSuspend_AllCapturesFail(t *testing.T) {
	h := newHarness(t, []string{"a", "b"}, map[string]snapshot.Limit{
		"a": snapshot.Of(1), "b": snapshot.Of(2),
	})
	h.functions.FailOn(concurrency.OpGet, "a", errors.New("AccessDenied"))
	h.functions.FailOn(concurrency.OpGet, "b", errors.New("AccessDenied"))

	_, err := h.suspender.Handle(context.Background(), budgetAlert())
	require.ErrorIs(t, err, ErrNoTargetsCaptured)

	assert.Zero(t, h.snapshots.puts)
	assert.Empty(t, h.setCalls())
}

func TestSuspend_EmptyStackPersistsEmptySnapshot(t *testing.T) {
	h := newHarness(t, []string{"arn:fn:" + triggerName, "arn:fn:" + resetName}, map[string]snapshot.Limit{})

	report, err := h.suspender.Handle(context.Background(), budgetAlert())
	require.NoError(t, err)

	stored, ok := h.storedSnapshot(t)
	require.True(t, ok)
	assert.Equal(t, `[]`, stored)
	assert.Empty(t, h.functions.Calls())
	assert.Zero(t, report.Suspended)
}

func TestSuspend_DiscoveryFailureAborts(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.discovery.err = errors.New("AccessDeniedException")

	_, err := h.suspender.Handle(context.Background(), budgetAlert())
	require.Error(t, err)

	assert.Zero(t, h.snapshots.puts)
	assert.Empty(t, h.functions.Calls())
}

func TestSuspend_PersistFailureSkipsSuspension(t *testing.T) {
	h := newHarness(t, []string{"a"}, map[string]snapshot.Limit{"a": snapshot.Of(7)})
	h.snapshots.putErr = errors.New("ParameterLimitExceeded")

	_, err := h.suspender.Handle(context.Background(), budgetAlert())
	require.Error(t, err)

	assert.Empty(t, h.setCalls())
	assert.Equal(t, snapshot.Of(7), h.functions.Limit("a"))
}

func TestSuspend_SnapshotWrittenBeforeAnySuspension(t *testing.T) {
	h := newHarness(t, []string{"a", "b", "c"}, map[string]snapshot.Limit{
		"a": snapshot.Of(1), "b": snapshot.Unset(), "c": snapshot.Of(3),
	})
	log := &opLog{}

	deps := h.deps()
	deps.Functions = loggingFunctions{Store: h.functions, log: log}
	deps.Snapshots = loggingSnapshots{Store: h.snapshots, log: log}

	report, err := NewSuspender(h.cfg, deps).Handle(context.Background(), budgetAlert())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Suspended)

	ops := log.snapshot()
	require.Len(t, ops, 4)
	assert.Equal(t, "put done", ops[0])
	assert.ElementsMatch(t, []string{"set a=0", "set b=0", "set c=0"}, ops[1:])
}

func TestSuspend_OverwritesPreviousSnapshot(t *testing.T) {
	h := newHarness(t, []string{"a"}, map[string]snapshot.Limit{"a": snapshot.Of(7)})
	ctx := context.Background()

	_, err := h.suspender.Handle(ctx, budgetAlert())
	require.NoError(t, err)
	_, err = h.suspender.Handle(ctx, budgetAlert())
	require.NoError(t, err)

	// The second capture saw the already suspended value.
	stored, _ := h.storedSnapshot(t)
	assert.JSONEq(t, `[["a",0]]`, stored)
}

func TestSuspend_IgnoresEventWithoutNotification(t *testing.T) {
	h := newHarness(t, []string{"a"}, map[string]snapshot.Limit{"a": snapshot.Of(1)})

	for _, evt := range []awsevents.SNSEvent{
		{},
		{Records: []awsevents.SNSEventRecord{{EventSource: "aws:sns"}}},
	} {
		report, err := h.suspender.Handle(context.Background(), evt)
		require.NoError(t, err)
		assert.Nil(t, report)
	}
	assert.Zero(t, h.discovery.calls)
}

func TestSuspend_PublishesAuditEvent(t *testing.T) {
	h := newHarness(t, []string{"a", "b"}, map[string]snapshot.Limit{"a": snapshot.Of(1), "b": snapshot.Of(2)})
	h.functions.FailOn(concurrency.OpSet, "b", errors.New("boom"))
	h.events.err = errors.New("sink down")

	_, err := h.suspender.Handle(context.Background(), budgetAlert())
	require.NoError(t, err, "audit failures never fail the invocation")

	require.Len(t, h.events.events, 1)
	evt := h.events.events[0]
	assert.Equal(t, events.EventTypeStackSuspended, evt.eventType)
	assert.Equal(t, testStack, evt.subject)
	payload, ok := evt.data.(events.StackSuspended)
	require.True(t, ok)
	assert.Equal(t, 1, payload.Suspended)
	assert.Equal(t, []string{"b"}, payload.Failed)
}

func TestExclusion(t *testing.T) {
	e := NewExclusion("trigger", "", "reset")

	assert.True(t, e.Excludes("arn:fn:stack-trigger-1"))
	assert.True(t, e.Excludes("reset"))
	assert.False(t, e.Excludes("arn:fn:stack-api"))

	targets, excluded := e.Filter([]string{"x", "trigger-1", "y", "z-reset"})
	assert.Equal(t, []string{"x", "y"}, targets)
	assert.Equal(t, []string{"trigger-1", "z-reset"}, excluded)

	// An empty exclusion set excludes nothing.
	assert.False(t, NewExclusion("", "").Excludes("anything"))
}

func TestBudgetName(t *testing.T) {
	assert.Equal(t, "monthly", budgetName("header\n  Budget Name: monthly \nfooter"))
	assert.Empty(t, budgetName(`{"type":"json"}`))
}
