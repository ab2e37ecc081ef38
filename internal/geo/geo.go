// Package geo holds the path math used for live runs and imported tracks.
package geo

import (
	"math"

	"github.com/sstent/pacetrack-go/internal/models"
)

const earthRadius = 6371000 // meters

// Haversine returns the great-circle distance in meters between two points.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	φ1 := lat1 * math.Pi / 180
	φ2 := lat2 * math.Pi / 180
	Δφ := (lat2 - lat1) * math.Pi / 180
	Δλ := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(Δφ/2)*math.Sin(Δφ/2) +
		math.Cos(φ1)*math.Cos(φ2)*
			math.Sin(Δλ/2)*math.Sin(Δλ/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadius * c
}

// Distance is the haversine distance between two fixes.
func Distance(a, b models.GeoFix) float64 {
	return Haversine(a.Latitude, a.Longitude, b.Latitude, b.Longitude)
}

// Valid reports whether a fix has finite, in-range coordinates.
func Valid(f models.GeoFix) bool {
	if math.IsNaN(f.Latitude) || math.IsNaN(f.Longitude) || math.IsNaN(f.Altitude) {
		return false
	}
	if math.IsInf(f.Latitude, 0) || math.IsInf(f.Longitude, 0) || math.IsInf(f.Altitude, 0) {
		return false
	}
	return f.Latitude >= -90 && f.Latitude <= 90 &&
		f.Longitude >= -180 && f.Longitude <= 180
}

// PathDistance sums the distance between consecutive fixes inside each
// segment. The gap between two segments is not counted.
func PathDistance(segments []models.PathSegment) float64 {
	var total float64
	for _, seg := range segments {
		for i := 1; i < len(seg); i++ {
			total += Distance(seg[i-1].Fix, seg[i].Fix)
		}
	}
	return total
}

// ElevationGain sums the positive altitude deltas inside each segment.
func ElevationGain(segments []models.PathSegment) float64 {
	var gain float64
	for _, seg := range segments {
		for i := 1; i < len(seg); i++ {
			if d := seg[i].Fix.Altitude - seg[i-1].Fix.Altitude; d > 0 {
				gain += d
			}
		}
	}
	return gain
}

// MaxSpeedKmh is the highest speed between consecutive fixes of a segment.
// Pairs recorded at the same elapsed time are skipped.
func MaxSpeedKmh(segments []models.PathSegment) float64 {
	var fastest float64
	for _, seg := range segments {
		for i := 1; i < len(seg); i++ {
			dt := (seg[i].Elapsed - seg[i-1].Elapsed).Hours()
			if dt <= 0 {
				continue
			}
			speed := Distance(seg[i-1].Fix, seg[i].Fix) / 1000 / dt
			if speed > fastest {
				fastest = speed
			}
		}
	}
	return fastest
}
