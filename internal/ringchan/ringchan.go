// Package ringchan provides a bounded channel with overwrite-oldest semantics.
package ringchan

import (
	"sync"
	"sync/atomic"
)

// Channel wraps a buffered channel so that producers never block: when the
// buffer is full, the oldest element is discarded to make room.
//
// Radio notification callbacks push into a Channel; consumers read from C()
// like a normal Go channel.
//
//	rc := ringchan.New[device.Sample](256)
//	rc.Send(sample) // never blocks
//	for s := range rc.C() { ... }
type Channel[T any] struct {
	ch     chan T
	sendMu sync.Mutex // keeps drop-then-send atomic with respect to other producers

	written int64
	dropped int64
}

// New creates a Channel with the given capacity.
func New[T any](capacity int) *Channel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &Channel[T]{ch: make(chan T, capacity)}
}

// C returns the underlying receive-only channel.
func (rc *Channel[T]) C() <-chan T {
	return rc.ch
}

// Send inserts v, discarding the oldest element if the buffer is full.
// It reports whether an element was dropped.
func (rc *Channel[T]) Send(v T) bool {
	rc.sendMu.Lock()
	defer rc.sendMu.Unlock()

	dropped := false
	select {
	case rc.ch <- v:
	default:
		select {
		case <-rc.ch:
			atomic.AddInt64(&rc.dropped, 1)
			dropped = true
		default:
		}
		rc.ch <- v
	}
	atomic.AddInt64(&rc.written, 1)
	return dropped
}

// TrySend inserts v only if there is room.
func (rc *Channel[T]) TrySend(v T) bool {
	rc.sendMu.Lock()
	defer rc.sendMu.Unlock()

	select {
	case rc.ch <- v:
		atomic.AddInt64(&rc.written, 1)
		return true
	default:
		return false
	}
}

// Len returns the number of buffered elements.
func (rc *Channel[T]) Len() int { return len(rc.ch) }

// Cap returns the channel capacity.
func (rc *Channel[T]) Cap() int { return cap(rc.ch) }

// Written returns the number of elements accepted so far.
func (rc *Channel[T]) Written() int64 { return atomic.LoadInt64(&rc.written) }

// Dropped returns the number of elements discarded to make room.
func (rc *Channel[T]) Dropped() int64 { return atomic.LoadInt64(&rc.dropped) }
