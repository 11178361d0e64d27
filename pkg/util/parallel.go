package util

import (
	"context"
	"sync"
)

// Parallel calls fn for every input with at most limit calls in flight
// (limit <= 0 means one per input). The first failure cancels the context
// the other calls see; Parallel waits for every started call and returns
// that failure.
func Parallel[T any](ctx context.Context, inputs []T, limit int, fn func(context.Context, T) error) error {
	if limit <= 0 || limit > len(inputs) {
		limit = len(inputs)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg    sync.WaitGroup
		once  sync.Once
		first error
		slots = make(chan struct{}, limit)
	)

feed:
	for _, in := range inputs {
		select {
		case <-ctx.Done():
			break feed
		case slots <- struct{}{}:
		}
		wg.Add(1)
		go func(in T) {
			defer func() {
				<-slots
				wg.Done()
			}()
			if err := fn(ctx, in); err != nil {
				once.Do(func() {
					first = err
					cancel()
				})
			}
		}(in)
	}

	wg.Wait()
	return first
}
