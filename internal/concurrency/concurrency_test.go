package concurrency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libops/budget-watch/internal/snapshot"
)

// mockLambdaClient keeps reserved concurrency per function name.
type mockLambdaClient struct {
	mu       sync.Mutex
	reserved map[string]*int32
	err      error
	calls    int
}

func newMockLambdaClient() *mockLambdaClient {
	return &mockLambdaClient{reserved: make(map[string]*int32)}
}

func (m *mockLambdaClient) lookup(name *string) (string, error) {
	m.calls++
	if m.err != nil {
		return "", m.err
	}
	id := aws.ToString(name)
	if _, ok := m.reserved[id]; !ok {
		return "", &types.ResourceNotFoundException{Message: aws.String("Function not found: " + id)}
	}
	return id, nil
}

func (m *mockLambdaClient) GetFunctionConcurrency(_ context.Context, in *lambda.GetFunctionConcurrencyInput, _ ...func(*lambda.Options)) (*lambda.GetFunctionConcurrencyOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, err := m.lookup(in.FunctionName)
	if err != nil {
		return nil, err
	}
	return &lambda.GetFunctionConcurrencyOutput{ReservedConcurrentExecutions: m.reserved[id]}, nil
}

func (m *mockLambdaClient) PutFunctionConcurrency(_ context.Context, in *lambda.PutFunctionConcurrencyInput, _ ...func(*lambda.Options)) (*lambda.PutFunctionConcurrencyOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, err := m.lookup(in.FunctionName)
	if err != nil {
		return nil, err
	}
	m.reserved[id] = aws.Int32(aws.ToInt32(in.ReservedConcurrentExecutions))
	return &lambda.PutFunctionConcurrencyOutput{ReservedConcurrentExecutions: in.ReservedConcurrentExecutions}, nil
}

func (m *mockLambdaClient) DeleteFunctionConcurrency(_ context.Context, in *lambda.DeleteFunctionConcurrencyInput, _ ...func(*lambda.Options)) (*lambda.DeleteFunctionConcurrencyOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, err := m.lookup(in.FunctionName)
	if err != nil {
		return nil, err
	}
	m.reserved[id] = nil
	return &lambda.DeleteFunctionConcurrencyOutput{}, nil
}

func TestLambdaStore_GetSetClear(t *testing.T) {
	client := newMockLambdaClient()
	client.reserved["fn1"] = aws.Int32(10)
	client.reserved["fn2"] = nil
	store := NewLambdaStore(client, BreakerSettings{FailureThreshold: 5, Timeout: time.Second})
	ctx := context.Background()

	got, err := store.Get(ctx, "fn1")
	require.NoError(t, err)
	assert.Equal(t, snapshot.Of(10), got)

	got, err = store.Get(ctx, "fn2")
	require.NoError(t, err)
	assert.False(t, got.IsSet())

	require.NoError(t, store.Set(ctx, "fn1", 0))
	assert.Equal(t, int32(0), aws.ToInt32(client.reserved["fn1"]))
	require.NotNil(t, client.reserved["fn1"])

	require.NoError(t, store.Clear(ctx, "fn1"))
	assert.Nil(t, client.reserved["fn1"])
}

func TestLambdaStore_RejectsNegativeLimit(t *testing.T) {
	client := newMockLambdaClient()
	client.reserved["fn1"] = nil
	store := NewLambdaStore(client, BreakerSettings{})

	require.Error(t, store.Set(context.Background(), "fn1", -1))
	assert.Zero(t, client.calls)
}

func TestLambdaStore_NotFoundIsReported(t *testing.T) {
	store := NewLambdaStore(newMockLambdaClient(), BreakerSettings{})

	_, err := store.Get(context.Background(), "gone")
	require.Error(t, err)

	var nf *types.ResourceNotFoundException
	assert.ErrorAs(t, err, &nf)
}

func TestLambdaStore_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	client := newMockLambdaClient()
	client.reserved["fn1"] = aws.Int32(1)
	client.err = errors.New("TooManyRequestsException: Rate exceeded")
	store := NewLambdaStore(client, BreakerSettings{FailureThreshold: 3, Timeout: time.Minute})
	ctx := context.Background()

	for range 3 {
		require.Error(t, store.Set(ctx, "fn1", 0))
	}
	assert.Equal(t, 3, client.calls)

	// Open: fails fast without reaching the API.
	err := store.Set(ctx, "fn1", 0)
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 3, client.calls)
}

func TestLambdaStore_NotFoundDoesNotTripBreaker(t *testing.T) {
	client := newMockLambdaClient()
	store := NewLambdaStore(client, BreakerSettings{FailureThreshold: 2, Timeout: time.Minute})
	ctx := context.Background()

	for range 5 {
		require.Error(t, store.Clear(ctx, "gone"))
	}
	assert.Equal(t, 5, client.calls)
}

func TestLambdaStore_BreakerDisabled(t *testing.T) {
	client := newMockLambdaClient()
	client.err = errors.New("ServiceException")
	store := NewLambdaStore(client, BreakerSettings{})

	for range 20 {
		_, err := store.Get(context.Background(), "fn1")
		require.Error(t, err)
		assert.NotErrorIs(t, err, gobreaker.ErrOpenState)
	}
	assert.Equal(t, 20, client.calls)
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore(map[string]snapshot.Limit{"a": snapshot.Of(5), "b": snapshot.Unset()})
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "b", 0))
	assert.Equal(t, snapshot.Of(0), store.Limit("b"))

	require.NoError(t, store.Clear(ctx, "a"))
	assert.False(t, store.Limit("a").IsSet())

	_, err := store.Get(ctx, "missing")
	require.Error(t, err)

	boom := errors.New("boom")
	store.FailOn(OpSet, "a", boom)
	assert.ErrorIs(t, store.Set(ctx, "a", 1), boom)
	assert.Len(t, store.Calls(), 4)
}
