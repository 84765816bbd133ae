// Package workerpool runs independent units of work on a bounded number of
// goroutines and joins them before returning.
package workerpool

import (
	"context"
	"fmt"
	"sort"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/multierr"
)

// Task is a named unit of work.
type Task[T any] struct {
	Name string
	Run  func(ctx context.Context) (T, error)
}

// Outcome is the result of a single Task. A failed task keeps its Err and a
// zero Value.
type Outcome[T any] struct {
	Name  string
	Value T
	Err   error
	index int
}

// Run executes tasks with at most workers running concurrently and waits for
// all of them. Outcomes are returned in task order regardless of scheduling.
// A failing or panicking task never cancels its siblings.
func Run[T any](ctx context.Context, workers int, tasks []Task[T]) []Outcome[T] {
	if len(tasks) == 0 {
		return nil
	}
	if workers < 1 {
		workers = 1
	}
	if workers > len(tasks) {
		workers = len(tasks)
	}

	p := pool.NewWithResults[Outcome[T]]().WithContext(ctx).WithMaxGoroutines(workers)
	for i, task := range tasks {
		i, task := i, task
		p.Go(func(ctx context.Context) (out Outcome[T], _ error) {
			out = Outcome[T]{Name: task.Name, index: i}
			defer func() {
				if r := recover(); r != nil {
					var zero T
					out.Value = zero
					out.Err = fmt.Errorf("task %s panicked: %v", task.Name, r)
				}
			}()

			if err := ctx.Err(); err != nil {
				out.Err = err
				return out, nil
			}
			out.Value, out.Err = task.Run(ctx)
			if out.Err != nil {
				var zero T
				out.Value = zero
			}
			return out, nil
		})
	}

	outcomes, _ := p.Wait()
	sort.Slice(outcomes, func(a, b int) bool { return outcomes[a].index < outcomes[b].index })
	return outcomes
}

// Errors combines the errors of all failed outcomes, labelled by task name.
func Errors[T any](outcomes []Outcome[T]) error {
	var err error
	for _, o := range outcomes {
		if o.Err != nil {
			err = multierr.Append(err, fmt.Errorf("%s: %w", o.Name, o.Err))
		}
	}
	return err
}
