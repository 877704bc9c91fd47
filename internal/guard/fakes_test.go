package guard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/aws/aws-lambda-go/cfn"
	awsevents "github.com/aws/aws-lambda-go/events"

	"github.com/libops/budget-watch/internal/batch"
	"github.com/libops/budget-watch/internal/cfnresponse"
	"github.com/libops/budget-watch/internal/concurrency"
	"github.com/libops/budget-watch/internal/config"
	"github.com/libops/budget-watch/internal/snapshot"
)

const (
	testStack       = "MyAppStaging"
	testSnapshotKey = "/MyAppStaging/ThrottledFunctions"
	triggerName     = "MyAppStaging-BudgetWatchTrigger"
	resetName       = "MyAppStaging-BudgetWatchReset"
)

func testConfig() *config.Config {
	return &config.Config{
		StackName:       testStack,
		TriggerFunction: triggerName,
		ResetFunction:   resetName,
		SnapshotKey:     testSnapshotKey,
		SnapshotTagKey:  "budget-watch:stack-name",
	}
}

type fakeDiscoverer struct {
	ids   []string
	err   error
	calls int
}

func (f *fakeDiscoverer) Discover(_ context.Context, stack string) ([]string, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return append([]string(nil), f.ids...), nil
}

// faultySnapshots injects errors or panics around a real store.
type faultySnapshots struct {
	snapshot.Store
	putErr   error
	getErr   error
	delErr   error
	getPanic bool
	puts     int
}

func (f *faultySnapshots) Put(ctx context.Context, key string, value []byte, meta snapshot.Metadata) error {
	f.puts++
	if f.putErr != nil {
		return f.putErr
	}
	return f.Store.Put(ctx, key, value, meta)
}

func (f *faultySnapshots) Get(ctx context.Context, key string) ([]byte, error) {
	if f.getPanic {
		panic("store connection is nil")
	}
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.Store.Get(ctx, key)
}

func (f *faultySnapshots) Delete(ctx context.Context, key string) error {
	if f.delErr != nil {
		return f.delErr
	}
	return f.Store.Delete(ctx, key)
}

type sentAck struct {
	event cfn.Event
	ack   cfnresponse.Ack
}

type recordingAck struct {
	mu   sync.Mutex
	sent []sentAck
	err  error
}

func (r *recordingAck) Send(_ context.Context, evt cfn.Event, ack cfnresponse.Ack) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentAck{event: evt, ack: ack})
	return r.err
}

// opLog records the order of calls across several fakes.
type opLog struct {
	mu  sync.Mutex
	ops []string
}

func (l *opLog) add(op string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ops = append(l.ops, op)
}

func (l *opLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ops...)
}

// loggingFunctions logs each Set as it starts.
type loggingFunctions struct {
	concurrency.Store
	log *opLog
}

func (f loggingFunctions) Set(ctx context.Context, id string, limit int32) error {
	f.log.add(fmt.Sprintf("set %s=%d", id, limit))
	return f.Store.Set(ctx, id, limit)
}

// loggingSnapshots logs each Put once it has completed.
type loggingSnapshots struct {
	snapshot.Store
	log *opLog
}

func (s loggingSnapshots) Put(ctx context.Context, key string, value []byte, meta snapshot.Metadata) error {
	err := s.Store.Put(ctx, key, value, meta)
	s.log.add("put done")
	return err
}

// hangingFunctions blocks every Set until its context ends.
type hangingFunctions struct {
	concurrency.Store
}

func (hangingFunctions) Set(ctx context.Context, id string, limit int32) error {
	<-ctx.Done()
	return fmt.Errorf("set %s: %w", id, ctx.Err())
}

type published struct {
	eventType string
	subject   string
	data      any
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
	err    error
	// acks, when set, is sampled at publish time.
	acks          *recordingAck
	acksAtPublish []int
}

func (r *recordingPublisher) Publish(_ context.Context, eventType, subject string, data any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, published{eventType: eventType, subject: subject, data: data})
	if r.acks != nil {
		r.acks.mu.Lock()
		r.acksAtPublish = append(r.acksAtPublish, len(r.acks.sent))
		r.acks.mu.Unlock()
	}
	return r.err
}

// harness wires both controllers over in-memory collaborators.
type harness struct {
	cfg       *config.Config
	discovery *fakeDiscoverer
	functions *concurrency.MemoryStore
	store     *snapshot.MemoryStore
	snapshots *faultySnapshots
	acks      *recordingAck
	events    *recordingPublisher
	suspender *Suspender
	resetter  *Resetter
}

func newHarness(t *testing.T, ids []string, limits map[string]snapshot.Limit) *harness {
	t.Helper()
	h := &harness{
		cfg:       testConfig(),
		discovery: &fakeDiscoverer{ids: ids},
		functions: concurrency.NewMemoryStore(limits),
		store:     snapshot.NewMemoryStore(),
		acks:      &recordingAck{},
		events:    &recordingPublisher{},
	}
	h.snapshots = &faultySnapshots{Store: h.store}
	h.events.acks = h.acks

	h.suspender = NewSuspender(h.cfg, h.deps())
	h.resetter = NewResetter(h.cfg, h.deps(), h.acks)
	return h
}

func (h *harness) deps() Deps {
	return Deps{
		Discoverer: h.discovery,
		Functions:  h.functions,
		Snapshots:  h.snapshots,
		Runner:     batch.NewRunner(batch.Options{Limit: 4}),
		Events:     h.events,
	}
}

func (h *harness) storedSnapshot(t *testing.T) (string, bool) {
	t.Helper()
	raw, err := h.store.Get(context.Background(), testSnapshotKey)
	if errors.Is(err, snapshot.ErrNotFound) {
		return "", false
	}
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	return string(raw), true
}

func (h *harness) setCalls() []concurrency.Call {
	var calls []concurrency.Call
	for _, c := range h.functions.Calls() {
		if c.Op != concurrency.OpGet {
			calls = append(calls, c)
		}
	}
	return calls
}

func budgetAlert() awsevents.SNSEvent {
	return awsevents.SNSEvent{Records: []awsevents.SNSEventRecord{{
		EventSource: "aws:sns",
		SNS: awsevents.SNSEntity{
			MessageID: "5f2c7f4e-msg",
			TopicArn:  "arn:aws:sns:us-west-2:123456789012:MyAppStaging-BudgetAlerts",
			Subject:   "AWS Budgets: MyAppStaging has exceeded your alert threshold",
			Message:   "AWS Budget Notification\nBudget Name: MyAppStaging-monthly\nAlert Threshold: > $20.00",
		},
	}}}
}

func lifecycleEvent(requestType cfn.RequestType) cfn.Event {
	return cfn.Event{
		RequestType:        requestType,
		RequestID:          "req-" + string(requestType),
		ResponseURL:        "https://cloudformation-custom-resource-response.example/ack",
		StackID:            "arn:aws:cloudformation:us-west-2:123456789012:stack/MyAppStaging/guid",
		LogicalResourceID:  "BudgetWatchReset",
		PhysicalResourceID: "",
	}
}
