package parser

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sstent/pacetrack-go/internal/models"
)

var ErrNoTrackData = errors.New("no track data found")

// TrackPoint is a recorded fix with its wall clock timestamp. Time is zero
// when the source file carries none.
type TrackPoint struct {
	Fix  models.GeoFix
	Time time.Time
}

// Track is a recorded activity split into the segments the recording
// device produced (GPX trkseg, TCX lap, FIT timer start/stop).
type Track struct {
	Name     string
	Segments [][]TrackPoint
}

// Parser decodes one file format into a Track.
type Parser interface {
	ParseData(data []byte) (*Track, error)
}

// ParseFile reads and decodes a FIT, GPX or TCX file.
func ParseFile(filename string) (*Track, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read track file: %w", err)
	}
	p, err := NewParser(filename, data)
	if err != nil {
		return nil, err
	}
	return p.ParseData(data)
}

func (t *Track) Points() int {
	n := 0
	for _, seg := range t.Segments {
		n += len(seg)
	}
	return n
}

// StartTime is the first timestamp in the track.
func (t *Track) StartTime() time.Time {
	for _, seg := range t.Segments {
		for _, p := range seg {
			if !p.Time.IsZero() {
				return p.Time
			}
		}
	}
	return time.Time{}
}

// Duration is the moving time: the sum of each segment's time span.
func (t *Track) Duration() time.Duration {
	var total time.Duration
	for _, seg := range t.PathSegments() {
		if len(seg) > 1 {
			total += seg[len(seg)-1].Elapsed - seg[0].Elapsed
		}
	}
	return total
}

// PathSegments converts the track into tracker path segments. Elapsed time
// is moving time since the first point, so gaps between segments do not
// count. Points without a timestamp inherit the previous point's elapsed
// time.
func (t *Track) PathSegments() []models.PathSegment {
	var (
		out     []models.PathSegment
		elapsed time.Duration
		prev    time.Time
	)
	for _, seg := range t.Segments {
		if len(seg) == 0 {
			continue
		}
		path := make(models.PathSegment, 0, len(seg))
		prev = time.Time{}
		for _, p := range seg {
			if !p.Time.IsZero() {
				if !prev.IsZero() && p.Time.After(prev) {
					elapsed += p.Time.Sub(prev)
				}
				prev = p.Time
			}
			path = append(path, models.TimedFix{Fix: p.Fix, Elapsed: elapsed})
		}
		out = append(out, path)
	}
	return out
}
