package syncengine

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Refresh pulls every registered kind concurrently, incrementally from the
// last fetch time unless full is set. Concurrent refreshes of one kind share
// a single request. It never overlaps a push pass.
func (e *Engine) Refresh(ctx context.Context, full bool) error {
	e.exclusive.Lock()
	defer e.exclusive.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, b := range e.bindings {
		g.Go(func() error {
			key := string(b.kind())
			if full {
				key += "/full"
			}
			_, err, _ := e.flight.Do(key, func() (any, error) {
				return b.fetch(gctx, e, full)
			})
			return err
		})
	}
	return g.Wait()
}
