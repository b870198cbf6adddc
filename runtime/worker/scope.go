package worker

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// DispatchScope bounds concurrent phase dispatches to a fixed number of
// slots. It is adapted from the teacher's engine.WorkflowContext/Future
// abstraction (runtime/agent/engine/engine.go), narrowed from a general
// activity-scheduling API to exactly one use case: "dispatch one phase,
// without blocking the poll loop if no slot is free."
type DispatchScope struct {
	sem *semaphore.Weighted
}

// NewDispatchScope creates a scope with maxConcurrent available slots.
func NewDispatchScope(maxConcurrent int64) *DispatchScope {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &DispatchScope{sem: semaphore.NewWeighted(maxConcurrent)}
}

// TryGo attempts to acquire a slot without blocking. If none is free it
// returns (nil, false) immediately — the poll loop moves on to the next
// cycle rather than queuing, matching the "for each Issue up to available
// slots" wording of the main loop. On success fn runs in its own goroutine
// and the slot is released when it returns.
func (s *DispatchScope) TryGo(ctx context.Context, fn func(ctx context.Context) (Result, error)) (*Future, bool) {
	if !s.sem.TryAcquire(1) {
		return nil, false
	}
	fut := &Future{done: make(chan struct{})}
	go func() {
		defer s.sem.Release(1)
		defer close(fut.done)
		fut.result, fut.err = fn(ctx)
	}()
	return fut, true
}

// Future represents a phase dispatch in flight. Calling Get multiple times
// is safe and returns the same result/error every time.
type Future struct {
	done   chan struct{}
	result Result
	err    error
}

// Get blocks until the dispatch completes or ctx is cancelled.
func (f *Future) Get(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// IsReady reports whether Get will return immediately.
func (f *Future) IsReady() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}
