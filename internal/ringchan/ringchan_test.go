package ringchan

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannel_OverwritesOldest(t *testing.T) {
	rc := New[int](3)

	for i := 0; i < 5; i++ {
		rc.Send(i)
	}

	require.Equal(t, 3, rc.Len())
	assert.Equal(t, int64(5), rc.Written())
	assert.Equal(t, int64(2), rc.Dropped())

	got := []int{<-rc.C(), <-rc.C(), <-rc.C()}
	assert.Equal(t, []int{2, 3, 4}, got)
}

func TestChannel_TrySend(t *testing.T) {
	rc := New[string](1)

	assert.True(t, rc.TrySend("a"))
	assert.False(t, rc.TrySend("b"))
	assert.Equal(t, "a", <-rc.C())
	assert.Equal(t, int64(0), rc.Dropped())
}

func TestChannel_ConcurrentProducersNeverBlock(t *testing.T) {
	rc := New[int](8)

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				rc.Send(i)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(4000), rc.Written())
	assert.Equal(t, int64(4000-8), rc.Dropped())
	assert.Equal(t, 8, rc.Len())
}

func TestNew_PanicsOnZeroCapacity(t *testing.T) {
	assert.Panics(t, func() { New[int](0) })
}
