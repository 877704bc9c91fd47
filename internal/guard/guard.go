// Package guard implements the two controllers of the cost guard: the
// Suspender, which snapshots and zeroes the reserved concurrency of every
// function in a stack, and the Resetter, which restores it on the next
// stack update or delete.
package guard

import (
	"strings"

	"github.com/libops/budget-watch/internal/batch"
	"github.com/libops/budget-watch/internal/concurrency"
	"github.com/libops/budget-watch/internal/discovery"
	"github.com/libops/budget-watch/internal/events"
	"github.com/libops/budget-watch/internal/snapshot"
)

// Deps are the collaborators shared by both controllers.
type Deps struct {
	Discoverer discovery.Discoverer
	Functions  concurrency.Store
	Snapshots  snapshot.Store
	Runner     *batch.Runner
	Events     events.Publisher
}

func (d Deps) withDefaults() Deps {
	if d.Runner == nil {
		d.Runner = batch.NewRunner(batch.Options{Limit: 16})
	}
	if d.Events == nil {
		d.Events = events.NoOp{}
	}
	return d
}

// Exclusion holds the identifiers that are never targets.
type Exclusion struct {
	names []string
}

// NewExclusion drops empty names, which would otherwise match everything.
func NewExclusion(names ...string) Exclusion {
	var e Exclusion
	for _, n := range names {
		if n != "" {
			e.names = append(e.names, n)
		}
	}
	return e
}

// Excludes reports whether id contains any excluded name. Discovered ARNs
// embed the function name, so equality is not enough.
func (e Exclusion) Excludes(id string) bool {
	for _, n := range e.names {
		if strings.Contains(id, n) {
			return true
		}
	}
	return false
}

// Filter splits ids into targets and excluded, keeping the input order.
func (e Exclusion) Filter(ids []string) (targets, excluded []string) {
	for _, id := range ids {
		if e.Excludes(id) {
			excluded = append(excluded, id)
		} else {
			targets = append(targets, id)
		}
	}
	return targets, excluded
}

// TargetFailure is one per-function call that failed.
type TargetFailure struct {
	ID    string `json:"id"`
	Phase string `json:"phase"`
	Error string `json:"error"`
}

func collectFailures[T any](phase string, results []batch.Result[T]) []TargetFailure {
	var failures []TargetFailure
	for _, res := range batch.Failed(results) {
		failures = append(failures, TargetFailure{ID: res.ID, Phase: phase, Error: res.Err.Error()})
	}
	return failures
}

func failedIDs(failures []TargetFailure) []string {
	ids := make([]string, 0, len(failures))
	for _, f := range failures {
		ids = append(ids, f.ID)
	}
	return ids
}
