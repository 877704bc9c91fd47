// Package batch fans per-resource calls out over a bounded, paced worker pool.
package batch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// ErrNotAttempted marks an item whose call never ran because the context
// ended or the pacing budget could not be met before its deadline.
var ErrNotAttempted = errors.New("not attempted")

// Options bound a Runner. Limit caps in-flight calls; Rate is calls per
// second with Burst headroom, and zero disables pacing.
type Options struct {
	Limit int
	Rate  float64
	Burst int
}

// Runner executes batches. One Runner is shared by every phase of an
// invocation so the pacing spans phases.
type Runner struct {
	limit   int
	limiter *rate.Limiter
}

// NewRunner creates a Runner from opts.
func NewRunner(opts Options) *Runner {
	r := &Runner{limit: opts.Limit}
	if r.limit < 1 {
		r.limit = 1
	}
	if opts.Rate > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(opts.Rate), burst)
	}
	return r
}

// Result is the outcome of one item.
type Result[T any] struct {
	ID    string
	Value T
	Err   error
}

// Run calls fn once per id and waits for all of them. Results are in the
// order of ids. An item error never cancels its siblings.
func Run[T any](ctx context.Context, r *Runner, ids []string, fn func(context.Context, string) (T, error)) []Result[T] {
	results := make([]Result[T], len(ids))

	var g errgroup.Group
	g.SetLimit(r.limit)

	for i, id := range ids {
		results[i].ID = id
		g.Go(func() error {
			results[i].Value, results[i].Err = call(ctx, r, id, fn)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func call[T any](ctx context.Context, r *Runner, id string, fn func(context.Context, string) (T, error)) (value T, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic processing %s: %v\n%s", id, p, debug.Stack())
		}
	}()

	if err := ctx.Err(); err != nil {
		return value, fmt.Errorf("%w: %w", ErrNotAttempted, err)
	}
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return value, fmt.Errorf("%w: rate limiter: %w", ErrNotAttempted, err)
		}
	}
	return fn(ctx, id)
}

// Failed returns the results whose call returned an error.
func Failed[T any](results []Result[T]) []Result[T] {
	var failed []Result[T]
	for _, res := range results {
		if res.Err != nil {
			failed = append(failed, res)
		}
	}
	return failed
}

// NotAttempted returns the results whose call never ran.
func NotAttempted[T any](results []Result[T]) []Result[T] {
	var skipped []Result[T]
	for _, res := range results {
		if errors.Is(res.Err, ErrNotAttempted) {
			skipped = append(skipped, res)
		}
	}
	return skipped
}

// Succeeded returns the results whose call returned no error.
func Succeeded[T any](results []Result[T]) []Result[T] {
	var ok []Result[T]
	for _, res := range results {
		if res.Err == nil {
			ok = append(ok, res)
		}
	}
	return ok
}
