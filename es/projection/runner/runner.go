// Package runner fans a batch of events out to several dispatchers at once.
// It is explicit and deterministic: nothing is scheduled in the background,
// and Dispatch returns only after every dispatcher has finished.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/getpup/cqrsstore/es"
	"github.com/getpup/cqrsstore/es/projection"
	"github.com/getpup/cqrsstore/es/store"
)

// ErrNoDispatchers indicates that no dispatchers were provided.
var ErrNoDispatchers = errors.New("no dispatchers provided")

// Target pairs a dispatcher with the name used in errors and logs.
type Target[E any] struct {
	Name       string
	Dispatcher store.EventDispatcher[E]
}

// Runner dispatches every batch to all of its targets concurrently.
//
// Example:
//
//	contacts := store.NewQueryStore(backend, ContactQuery)
//	counters := store.NewQueryStore(backend, CounterQuery)
//
//	r, err := runner.New(
//	    runner.Target[CustomerEvent]{Name: "contacts", Dispatcher: contacts},
//	    runner.Target[CustomerEvent]{Name: "counters", Dispatcher: counters},
//	)
//	err = r.Dispatch(ctx, id, events)
type Runner[E any] struct {
	targets []Target[E]
	logger  es.Logger
}

var _ store.EventDispatcher[struct{}] = (*Runner[struct{}])(nil)

// New creates a runner. Every target must have a dispatcher.
func New[E any](targets ...Target[E]) (*Runner[E], error) {
	if len(targets) == 0 {
		return nil, ErrNoDispatchers
	}
	targets = append([]Target[E](nil), targets...)
	for i, t := range targets {
		if t.Dispatcher == nil {
			return nil, fmt.Errorf("dispatcher at index %d is nil", i)
		}
		if t.Name == "" {
			targets[i].Name = fmt.Sprintf("dispatcher-%d", i)
		}
	}
	return &Runner[E]{targets: targets}, nil
}

// WithLogger returns a copy of the runner that logs failures to logger.
func (r *Runner[E]) WithLogger(logger es.Logger) *Runner[E] {
	return &Runner[E]{targets: r.targets, logger: logger}
}

// Partitions builds one target per partition, each wrapping the dispatcher
// newDispatcher returns for that partition.
func Partitions[E any](name string, total int, newDispatcher func(partition int) store.EventDispatcher[E]) ([]Target[E], error) {
	if total < 1 {
		return nil, fmt.Errorf("%w: total partitions must be positive, got %d", projection.ErrInvalidPartitionConfig, total)
	}

	targets := make([]Target[E], total)
	for i := 0; i < total; i++ {
		p, err := projection.NewPartitioned(newDispatcher(i), projection.PartitionConfig{
			PartitionKey:    i,
			TotalPartitions: total,
		})
		if err != nil {
			return nil, err
		}
		targets[i] = Target[E]{Name: fmt.Sprintf("%s-%d", name, i), Dispatcher: p}
	}
	return targets, nil
}

// Dispatch implements store.EventDispatcher.
//
// If a dispatcher fails, the context passed to the others is canceled and
// the first error is returned once all of them have returned.
func (r *Runner[E]) Dispatch(ctx context.Context, aggregateID string, events []es.EventContext[E]) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errChan := make(chan error, len(r.targets))

	for _, target := range r.targets {
		wg.Add(1)
		go func(t Target[E]) {
			defer wg.Done()

			err := t.Dispatcher.Dispatch(ctx, aggregateID, events)

			// Cancellations caused by a sibling's failure are not reported.
			if err != nil && !errors.Is(err, context.Canceled) {
				cancel()
				errChan <- fmt.Errorf("dispatcher %q failed: %w", t.Name, err)
			}
		}(target)
	}

	wg.Wait()
	close(errChan)

	err, ok := <-errChan
	if !ok {
		return ctx.Err()
	}
	if r.logger != nil {
		r.logger.Error(ctx, "dispatch failed",
			"aggregate_id", aggregateID,
			"event_count", len(events),
			"error", err)
	}
	return err
}
