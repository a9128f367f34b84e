// Package batch runs an ordered sequence of independent unit operations
// under one of two failure policies and reports per-item errors plus an
// aggregate status.
package batch

import (
	"context"
	"fmt"
	"sync"

	"github.com/andresmejia3/biomatch/internal/types"
)

// Outcome is the result of one attempted item.
type Outcome[T any] struct {
	Value T
	Err   error
}

// Values is the result of a batch that produces a value per item.
// Items holds one entry per attempted item, in input order.
type Values[T any] struct {
	Items  []Outcome[T]
	Status error
}

// Result is the result of a batch whose items only report success or failure.
type Result struct {
	Items  []error
	Status error
}

// Failed counts the items that returned an error.
func (r Result) Failed() int {
	n := 0
	for _, err := range r.Items {
		if err != nil {
			n++
		}
	}
	return n
}

// FirstError returns the first per-item error in input order, or nil.
func (r Result) FirstError() error {
	for _, err := range r.Items {
		if err != nil {
			return err
		}
	}
	return nil
}

// Errors strips the values, keeping one error per attempted item.
func (v Values[T]) Errors() Result {
	items := make([]error, len(v.Items))
	for i, o := range v.Items {
		items[i] = o.Err
	}
	return Result{Items: items, Status: v.Status}
}

type options struct {
	workers  int
	progress func(done int)
}

// Option tunes how a batch is executed. Options never change the results.
type Option func(*options)

// WithWorkers lets FlagAndFinish batches run up to n items concurrently.
// AbortEarly batches always run sequentially so nothing past the first
// failure is attempted.
func WithWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithProgress registers a callback invoked after every finished item.
// Calls are serialized.
func WithProgress(fn func(done int)) Option {
	return func(o *options) { o.progress = fn }
}

// Run applies fn to the indices 0..n-1 under policy.
func Run(ctx context.Context, policy types.BatchPolicy, n int, fn func(ctx context.Context, i int) error, opts ...Option) Result {
	v := Map(ctx, policy, n, func(ctx context.Context, i int) (struct{}, error) {
		return struct{}{}, fn(ctx, i)
	}, opts...)
	return v.Errors()
}

// Map applies fn to the indices 0..n-1 under policy and keeps every value.
//
// AbortEarly stops at the first failing item k: Items has k+1 entries and
// Status is ErrBatchAbortedEarly. FlagAndFinish attempts all n items: Items
// has n entries and Status is ErrBatchFinishedWithErrors if any item failed.
func Map[T any](ctx context.Context, policy types.BatchPolicy, n int, fn func(ctx context.Context, i int) (T, error), opts ...Option) Values[T] {
	o := options{workers: 1}
	for _, opt := range opts {
		opt(&o)
	}
	if n <= 0 {
		return Values[T]{}
	}

	p := &progress{fn: o.progress}
	if policy == types.AbortEarly {
		return runAbortEarly(ctx, n, fn, p)
	}
	if o.workers > 1 && n > 1 {
		return runPool(ctx, n, min(o.workers, n), fn, p)
	}
	return runSequential(ctx, n, fn, p)
}

func runAbortEarly[T any](ctx context.Context, n int, fn func(context.Context, int) (T, error), p *progress) Values[T] {
	items := make([]Outcome[T], 0, n)
	for i := 0; i < n; i++ {
		out := attempt(ctx, i, fn)
		items = append(items, out)
		p.tick()
		if out.Err != nil {
			return Values[T]{Items: items, Status: types.ErrBatchAbortedEarly}
		}
	}
	return Values[T]{Items: items}
}

func runSequential[T any](ctx context.Context, n int, fn func(context.Context, int) (T, error), p *progress) Values[T] {
	items := make([]Outcome[T], n)
	for i := range items {
		items[i] = attempt(ctx, i, fn)
		p.tick()
	}
	return finish(items)
}

type indexed[T any] struct {
	index int
	out   Outcome[T]
}

// runPool fans items out to a fixed set of workers. Results arrive in
// completion order and are slotted back by index so the output matches
// input order regardless of scheduling.
func runPool[T any](ctx context.Context, n, workers int, fn func(context.Context, int) (T, error), p *progress) Values[T] {
	tasks := make(chan int, workers)
	results := make(chan indexed[T], workers*2)
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range tasks {
				results <- indexed[T]{index: i, out: attempt(ctx, i, fn)}
			}
		}()
	}

	go func() {
		for i := 0; i < n; i++ {
			tasks <- i
		}
		close(tasks)
		wg.Wait()
		close(results)
	}()

	items := make([]Outcome[T], n)
	for r := range results {
		items[r.index] = r.out
		p.tick()
	}
	return finish(items)
}

// attempt runs one item, turning cancellation and panics into item errors
// so nothing escapes the batch boundary.
func attempt[T any](ctx context.Context, i int, fn func(context.Context, int) (T, error)) (out Outcome[T]) {
	if err := ctx.Err(); err != nil {
		out.Err = err
		return out
	}
	defer func() {
		if r := recover(); r != nil {
			out = Outcome[T]{Err: fmt.Errorf("batch item %d panicked: %v", i, r)}
		}
	}()
	out.Value, out.Err = fn(ctx, i)
	return out
}

func finish[T any](items []Outcome[T]) Values[T] {
	for _, it := range items {
		if it.Err != nil {
			return Values[T]{Items: items, Status: types.ErrBatchFinishedWithErrors}
		}
	}
	return Values[T]{Items: items}
}

type progress struct {
	mu   sync.Mutex
	done int
	fn   func(int)
}

func (p *progress) tick() {
	if p.fn == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done++
	p.fn(p.done)
}
