// Package location provides the fix sources the tracker observes.
package location

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sstent/pacetrack-go/internal/models"
)

// Push delivers fixes posted by a device. There is at most one observer;
// a new observation supersedes the previous one.
type Push struct {
	mu     sync.Mutex
	out    chan models.GeoFix
	buffer int
	log    *slog.Logger
}

func NewPush(buffer int) *Push {
	if buffer <= 0 {
		buffer = 16
	}
	return &Push{
		buffer: buffer,
		log:    slog.Default().With("component", "location.push"),
	}
}

// Observe registers the observer until ctx is cancelled. The device controls
// the sampling rate, so interval is advisory only.
func (p *Push) Observe(ctx context.Context, interval time.Duration) (<-chan models.GeoFix, error) {
	ch := make(chan models.GeoFix, p.buffer)

	p.mu.Lock()
	if p.out != nil {
		close(p.out)
	}
	p.out = ch
	p.mu.Unlock()
	p.log.Debug("observer registered", "interval", interval)

	go func() {
		<-ctx.Done()
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.out == ch {
			close(ch)
			p.out = nil
			p.log.Debug("observer released")
		}
	}()
	return ch, nil
}

// Feed hands fix to the current observer. It reports false when nobody is
// observing or the observer is not keeping up.
func (p *Push) Feed(fix models.GeoFix) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.out == nil {
		return false
	}
	select {
	case p.out <- fix:
		return true
	default:
		p.log.Warn("dropping fix, observer is behind")
		return false
	}
}

// Active reports whether an observation is registered.
func (p *Push) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.out != nil
}
