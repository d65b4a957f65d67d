package activitypub

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// fanOut runs fn for every item with at most limit calls in flight. The first
// error cancels the remaining calls and is returned.
func fanOut[T any](ctx context.Context, limit int, items []T, fn func(ctx context.Context, item T) error) error {
	if limit < 1 {
		limit = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, item := range items {
		g.Go(func() error {
			return fn(gctx, item)
		})
	}
	return g.Wait()
}

// fanOutAll is like fanOut but collects every error instead of stopping at the
// first one. errs[i] belongs to items[i].
func fanOutAll[T any](ctx context.Context, limit int, items []T, fn func(ctx context.Context, item T) error) []error {
	if limit < 1 {
		limit = 1
	}
	errs := make([]error, len(items))
	var g errgroup.Group
	g.SetLimit(limit)
	for i, item := range items {
		g.Go(func() error {
			errs[i] = fn(ctx, item)
			return nil
		})
	}
	g.Wait()
	return errs
}
