// Package groutine starts goroutines carrying a name, visible both in pprof
// goroutine labels and through the context passed to the goroutine.
package groutine

import (
	"context"
	"runtime/pprof"
	"sync"
)

type ctxKey struct{}

// Go runs fn in a new goroutine labelled name. A nil parent means
// context.Background().
//
//	groutine.Go(ctx, "disconnect-monitor", func(ctx context.Context) {
//	    <-link.Disconnected()
//	})
func Go(parent context.Context, name string, fn func(ctx context.Context)) {
	if parent == nil {
		parent = context.Background()
	}
	go pprof.Do(parent, pprof.Labels("goroutine_name", name), func(ctx context.Context) {
		fn(context.WithValue(ctx, ctxKey{}, name))
	})
}

// GoWait is like Go but registers the goroutine with wg.
func GoWait(parent context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	Go(parent, name, func(ctx context.Context) {
		defer wg.Done()
		fn(ctx)
	})
}

// Name returns the goroutine name stored in ctx, or "".
func Name(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if s, ok := ctx.Value(ctxKey{}).(string); ok {
		return s
	}
	return ""
}
