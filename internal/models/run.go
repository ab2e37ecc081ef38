package models

import "time"

// GeoFix is a single location reading.
type GeoFix struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Altitude  float64 `json:"altitude"` // meters
}

// TimedFix is a fix stamped with the run's elapsed time at arrival.
type TimedFix struct {
	Fix     GeoFix        `json:"fix"`
	Elapsed time.Duration `json:"elapsed"`
}

// PathSegment is a contiguous run of fixes recorded without a pause.
type PathSegment []TimedFix

// RunMetrics is derived from Segments on every accepted fix.
// Values handed out by the tracker are shared and must not be modified.
type RunMetrics struct {
	TotalDistanceMeters     int64         `json:"total_distance_meters"`
	CurrentPaceSecondsPerKm int64         `json:"pace_seconds_per_km"`
	Segments                []PathSegment `json:"segments"`
}

// FixCount returns the number of fixes across all segments.
func (m RunMetrics) FixCount() int {
	n := 0
	for _, s := range m.Segments {
		n += len(s)
	}
	return n
}

// LastFix returns the most recent fix of the run.
func (m RunMetrics) LastFix() (GeoFix, bool) {
	for i := len(m.Segments) - 1; i >= 0; i-- {
		if s := m.Segments[i]; len(s) > 0 {
			return s[len(s)-1].Fix, true
		}
	}
	return GeoFix{}, false
}

type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSynced  SyncStatus = "synced"
)

// RunRecord is a finished run as persisted locally and mirrored remotely.
type RunRecord struct {
	ID                  string        `json:"id"`
	Duration            time.Duration `json:"duration"`
	StartTime           time.Time     `json:"start_time"`
	DistanceMeters      int64         `json:"distance_meters"`
	EndLocation         GeoFix        `json:"end_location"`
	MaxSpeedKmh         float64       `json:"max_speed_kmh"`
	ElevationGainMeters int64         `json:"elevation_gain_meters"`
	MapSnapshotURL      string        `json:"map_snapshot_url,omitempty"`
	SyncStatus          SyncStatus    `json:"sync_status"`
}

// AvgSpeedKmh is the average speed over the whole run.
func (r RunRecord) AvgSpeedKmh() float64 {
	hours := r.Duration.Hours()
	if hours <= 0 {
		return 0
	}
	return (float64(r.DistanceMeters) / 1000) / hours
}
