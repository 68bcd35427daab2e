package board

import "time"

// ReconnectPolicy decides whether and when to retry after an unexpected
// disconnect. Next is called with attempt starting at 1 and the error that
// ended the previous link or attempt; it returns the delay before the attempt
// and false to give up.
type ReconnectPolicy interface {
	Next(attempt int, cause error) (time.Duration, bool)
}

type noReconnect struct{}

func (noReconnect) Next(int, error) (time.Duration, bool) { return 0, false }

// NoReconnect reports the disconnect and gives up immediately.
var NoReconnect ReconnectPolicy = noReconnect{}

// BoundedBackoff retries up to MaxAttempts times, doubling the delay from
// Initial and capping it at Max.
type BoundedBackoff struct {
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
}

func (b BoundedBackoff) Next(attempt int, _ error) (time.Duration, bool) {
	if attempt < 1 || attempt > b.MaxAttempts {
		return 0, false
	}

	d := b.Initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max, true
		}
		if d <= 0 { // overflow
			return b.Max, true
		}
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d, true
}
