// Package clock emits elapsed-time increments while a run is being tracked.
package clock

import (
	"context"
	"time"
)

// DefaultInterval is the cadence of elapsed-time emissions.
const DefaultInterval = 200 * time.Millisecond

// Ticker emits time deltas until ctx is cancelled, then closes the channel.
type Ticker interface {
	Tick(ctx context.Context) <-chan time.Duration
}

// Realtime measures wall time between emissions, so a slow consumer sees
// larger deltas instead of losing time.
type Realtime struct {
	interval time.Duration
	now      func() time.Time
}

func NewRealtime(interval time.Duration) *Realtime {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Realtime{interval: interval, now: time.Now}
}

func (r *Realtime) Tick(ctx context.Context) <-chan time.Duration {
	out := make(chan time.Duration)
	go func() {
		defer close(out)
		t := time.NewTicker(r.interval)
		defer t.Stop()

		last := r.now()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				now := r.now()
				delta := now.Sub(last)
				last = now
				select {
				case out <- delta:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
