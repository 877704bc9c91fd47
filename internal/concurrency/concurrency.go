// Package concurrency reads and writes per-function reserved concurrency.
package concurrency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/sony/gobreaker/v2"

	"github.com/libops/budget-watch/internal/metrics"
	"github.com/libops/budget-watch/internal/snapshot"
)

// Store gets and sets the concurrency limit of a single resource.
// Every call is independent and failures are returned, never retried here.
type Store interface {
	Get(ctx context.Context, id string) (snapshot.Limit, error)
	Set(ctx context.Context, id string, limit int32) error
	Clear(ctx context.Context, id string) error
}

// LambdaClient is the subset of the Lambda API the store uses.
type LambdaClient interface {
	GetFunctionConcurrency(ctx context.Context, params *lambda.GetFunctionConcurrencyInput, optFns ...func(*lambda.Options)) (*lambda.GetFunctionConcurrencyOutput, error)
	PutFunctionConcurrency(ctx context.Context, params *lambda.PutFunctionConcurrencyInput, optFns ...func(*lambda.Options)) (*lambda.PutFunctionConcurrencyOutput, error)
	DeleteFunctionConcurrency(ctx context.Context, params *lambda.DeleteFunctionConcurrencyInput, optFns ...func(*lambda.Options)) (*lambda.DeleteFunctionConcurrencyOutput, error)
}

// BreakerSettings configure the circuit breaker around Lambda calls.
// A zero FailureThreshold disables the breaker.
type BreakerSettings struct {
	FailureThreshold uint32
	Timeout          time.Duration
}

// LambdaStore implements Store on the Lambda reserved concurrency API.
type LambdaStore struct {
	client  LambdaClient
	breaker *gobreaker.CircuitBreaker[snapshot.Limit]
}

// NewLambdaStore creates a store over client.
func NewLambdaStore(client LambdaClient, settings BreakerSettings) *LambdaStore {
	s := &LambdaStore{client: client}
	if settings.FailureThreshold == 0 {
		return s
	}

	threshold := settings.FailureThreshold
	s.breaker = gobreaker.NewCircuitBreaker[snapshot.Limit](gobreaker.Settings{
		Name:        "lambda-concurrency",
		MaxRequests: 1,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			// A missing function says nothing about the health of the API.
			return err == nil || isNotFound(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Circuit breaker changed state", "breaker", name, "from", from.String(), "to", to.String())
			metrics.SetBreakerOpen(name, to != gobreaker.StateClosed)
		},
	})
	return s
}

func (s *LambdaStore) execute(fn func() (snapshot.Limit, error)) (snapshot.Limit, error) {
	if s.breaker == nil {
		return fn()
	}
	return s.breaker.Execute(fn)
}

// Get returns the reserved concurrency of id, or Unset when none is configured.
func (s *LambdaStore) Get(ctx context.Context, id string) (snapshot.Limit, error) {
	limit, err := s.execute(func() (snapshot.Limit, error) {
		out, err := s.client.GetFunctionConcurrency(ctx, &lambda.GetFunctionConcurrencyInput{
			FunctionName: aws.String(id),
		})
		if err != nil {
			return snapshot.Unset(), err
		}
		return snapshot.FromPtr(out.ReservedConcurrentExecutions), nil
	})
	if err != nil {
		return snapshot.Unset(), fmt.Errorf("failed to get concurrency of %s: %w", id, err)
	}
	return limit, nil
}

// Set reserves limit concurrent executions for id. Zero suspends the function.
func (s *LambdaStore) Set(ctx context.Context, id string, limit int32) error {
	if limit < 0 {
		return fmt.Errorf("invalid concurrency limit %d for %s", limit, id)
	}
	_, err := s.execute(func() (snapshot.Limit, error) {
		_, err := s.client.PutFunctionConcurrency(ctx, &lambda.PutFunctionConcurrencyInput{
			FunctionName:                 aws.String(id),
			ReservedConcurrentExecutions: aws.Int32(limit),
		})
		return snapshot.Of(limit), err
	})
	if err != nil {
		return fmt.Errorf("failed to set concurrency of %s to %d: %w", id, limit, err)
	}
	return nil
}

// Clear removes the reserved concurrency override from id.
func (s *LambdaStore) Clear(ctx context.Context, id string) error {
	_, err := s.execute(func() (snapshot.Limit, error) {
		_, err := s.client.DeleteFunctionConcurrency(ctx, &lambda.DeleteFunctionConcurrencyInput{
			FunctionName: aws.String(id),
		})
		return snapshot.Unset(), err
	})
	if err != nil {
		return fmt.Errorf("failed to clear concurrency of %s: %w", id, err)
	}
	return nil
}

func isNotFound(err error) bool {
	var nf *types.ResourceNotFoundException
	return errors.As(err, &nf)
}
