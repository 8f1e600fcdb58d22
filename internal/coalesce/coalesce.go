// Package coalesce collapses concurrent calls for the same key into one.
package coalesce

import (
	"context"

	"golang.org/x/sync/singleflight"
)

// Group coalesces calls returning T. The zero value is ready to use.
type Group[T any] struct {
	sf singleflight.Group
}

// Do runs fn once per key at a time. Callers arriving while a call for key
// is in flight wait for it and receive its result, with shared set to true.
// The value is returned alongside a non-nil error when fn produced both.
// fn runs with the context of the caller that started it; a waiting caller
// whose own ctx ends stops waiting without affecting the in-flight call.
func (g *Group[T]) Do(ctx context.Context, key string, fn func(context.Context) (T, error)) (v T, shared bool, err error) {
	ch := g.sf.DoChan(key, func() (interface{}, error) {
		return fn(ctx)
	})

	select {
	case res := <-ch:
		if res.Val != nil {
			v = res.Val.(T)
		}
		return v, res.Shared, res.Err
	case <-ctx.Done():
		return v, false, ctx.Err()
	}
}

// Forget drops any in-flight call for key so the next Do starts afresh.
func (g *Group[T]) Forget(key string) {
	g.sf.Forget(key)
}
