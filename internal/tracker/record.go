package tracker

import (
	"math"
	"time"

	"github.com/sstent/pacetrack-go/internal/dataerr"
	"github.com/sstent/pacetrack-go/internal/geo"
	"github.com/sstent/pacetrack-go/internal/models"
)

// MinFixes is the smallest path that yields a RunRecord.
const MinFixes = 2

// BuildRecord derives a pending RunRecord from a finished path. It returns
// dataerr.ErrInvalidRun when the path holds fewer than MinFixes fixes.
func BuildRecord(m models.RunMetrics, elapsed time.Duration, startedAt time.Time) (models.RunRecord, error) {
	if m.FixCount() < MinFixes {
		return models.RunRecord{}, dataerr.ErrInvalidRun
	}
	end, _ := m.LastFix()
	return models.RunRecord{
		Duration:            elapsed,
		StartTime:           startedAt.UTC(),
		DistanceMeters:      m.TotalDistanceMeters,
		EndLocation:         end,
		MaxSpeedKmh:         geo.MaxSpeedKmh(m.Segments),
		ElevationGainMeters: int64(math.Round(geo.ElevationGain(m.Segments))),
		SyncStatus:          models.SyncPending,
	}, nil
}

// MetricsFor derives RunMetrics for a complete path, pacing against the
// elapsed time of its last fix.
func MetricsFor(segments []models.PathSegment) models.RunMetrics {
	var at time.Duration
	for i := len(segments) - 1; i >= 0; i-- {
		if s := segments[i]; len(s) > 0 {
			at = s[len(s)-1].Elapsed
			break
		}
	}
	return deriveMetrics(copySegments(segments), at)
}
