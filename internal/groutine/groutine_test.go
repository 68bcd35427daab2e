package groutine

import (
	"context"
	"runtime/pprof"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGo_NamesGoroutine(t *testing.T) {
	var wg sync.WaitGroup
	var gotName, gotLabel string

	GoWait(context.Background(), &wg, "scan-loop", func(ctx context.Context) {
		gotName = Name(ctx)
		gotLabel, _ = pprof.Label(ctx, "goroutine_name")
	})
	wg.Wait()

	assert.Equal(t, "scan-loop", gotName)
	assert.Equal(t, "scan-loop", gotLabel)
}

func TestGo_NilParent(t *testing.T) {
	done := make(chan string, 1)

	//nolint:staticcheck // nil parent is part of the contract
	Go(nil, "worker", func(ctx context.Context) {
		done <- Name(ctx)
	})

	assert.Equal(t, "worker", <-done)
}

func TestName_WithoutValue(t *testing.T) {
	assert.Equal(t, "", Name(context.Background()))
	//nolint:staticcheck // nil context is tolerated
	assert.Equal(t, "", Name(nil))
}
