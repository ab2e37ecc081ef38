package location

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sstent/pacetrack-go/internal/models"
	"github.com/sstent/pacetrack-go/internal/parser"
)

var ErrInvalidInterval = errors.New("sampling interval must be positive")

// Replay plays a recorded track back at the sampling interval. Pausing
// the observation keeps its position, so a resumed run continues where it
// stopped; a new run rewinds to the first point. The stream closes after
// the last point.
type Replay struct {
	mu     sync.Mutex
	points []models.GeoFix
	cursor int
}

func NewReplay(track *parser.Track) *Replay {
	r := &Replay{}
	for _, seg := range track.Segments {
		for _, p := range seg {
			r.points = append(r.points, p.Fix)
		}
	}
	return r
}

// NewReplayFile loads a FIT, GPX or TCX file for replay.
func NewReplayFile(filename string) (*Replay, error) {
	track, err := parser.ParseFile(filename)
	if err != nil {
		return nil, err
	}
	return NewReplay(track), nil
}

func (r *Replay) Observe(ctx context.Context, interval time.Duration) (<-chan models.GeoFix, error) {
	if interval <= 0 {
		return nil, ErrInvalidInterval
	}
	out := make(chan models.GeoFix)
	go func() {
		defer close(out)
		t := time.NewTicker(interval)
		defer t.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}

			r.mu.Lock()
			if r.cursor >= len(r.points) {
				r.mu.Unlock()
				return
			}
			fix := r.points[r.cursor]
			r.mu.Unlock()

			select {
			case out <- fix:
				r.mu.Lock()
				r.cursor++
				r.mu.Unlock()
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Remaining is the number of points not yet delivered.
func (r *Replay) Remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.points) - r.cursor
}

// Rewind restarts playback from the first point.
func (r *Replay) Rewind() {
	r.mu.Lock()
	r.cursor = 0
	r.mu.Unlock()
}
