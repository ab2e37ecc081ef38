package tracker

import (
	"math"
	"time"

	"github.com/sstent/pacetrack-go/internal/geo"
	"github.com/sstent/pacetrack-go/internal/metrics"
	"github.com/sstent/pacetrack-go/internal/models"
)

// Aggregator folds elapsed-time ticks and location fixes into RunMetrics.
// It is not safe for concurrent use; the Tracker event loop is its only
// caller.
type Aggregator struct {
	active     bool
	newSegment bool
	elapsed    time.Duration
	segments   []models.PathSegment
	metrics    models.RunMetrics
	rejected   int
}

func NewAggregator() *Aggregator {
	return &Aggregator{newSegment: true}
}

// StartSegment activates the aggregator. The next accepted fix opens a new
// segment.
func (a *Aggregator) StartSegment() {
	a.active = true
	a.newSegment = true
}

// PauseSegment freezes elapsed time and stops accepting fixes.
func (a *Aggregator) PauseSegment() {
	a.active = false
}

func (a *Aggregator) Active() bool { return a.active }

func (a *Aggregator) OnTick(delta time.Duration) {
	if !a.active || delta <= 0 {
		return
	}
	a.elapsed += delta
}

// OnFix appends fix to the path and recomputes the metrics. It reports
// whether the fix was accepted.
func (a *Aggregator) OnFix(fix models.GeoFix) bool {
	if !a.active {
		return false
	}
	if !geo.Valid(fix) {
		a.rejected++
		metrics.FixesRejected.Inc()
		return false
	}

	tf := models.TimedFix{Fix: fix, Elapsed: a.elapsed}
	if a.newSegment || len(a.segments) == 0 {
		a.segments = append(a.segments, models.PathSegment{tf})
		a.newSegment = false
	} else {
		last := len(a.segments) - 1
		a.segments[last] = append(a.segments[last], tf)
	}
	metrics.FixesAccepted.Inc()

	a.recompute(tf.Elapsed)
	return true
}

// recompute derives distance and pace from the whole path. Fixes may be
// corrected or arrive out of order upstream, so nothing is accumulated.
func (a *Aggregator) recompute(at time.Duration) {
	a.metrics = deriveMetrics(copySegments(a.segments), at)
}

func deriveMetrics(segments []models.PathSegment, at time.Duration) models.RunMetrics {
	distance := int64(math.Round(geo.PathDistance(segments)))

	var pace int64
	if distance > 0 {
		km := float64(distance) / 1000
		pace = int64(math.Round(float64(int64(at/time.Second)) / km))
	}

	return models.RunMetrics{
		TotalDistanceMeters:     distance,
		CurrentPaceSecondsPerKm: pace,
		Segments:                segments,
	}
}

// CurrentMetrics returns the metrics computed at the last accepted fix.
func (a *Aggregator) CurrentMetrics() models.RunMetrics {
	return a.metrics
}

func (a *Aggregator) Elapsed() time.Duration { return a.elapsed }

// Rejected is the number of malformed fixes dropped so far.
func (a *Aggregator) Rejected() int { return a.rejected }

func copySegments(in []models.PathSegment) []models.PathSegment {
	out := make([]models.PathSegment, len(in))
	for i, seg := range in {
		out[i] = append(models.PathSegment(nil), seg...)
	}
	return out
}
