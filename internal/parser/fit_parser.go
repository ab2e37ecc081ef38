package parser

import (
	"bytes"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/sstent/pacetrack-go/internal/models"
	"github.com/tormoder/fit"
)

type FITParser struct{}

func NewFITParser() *FITParser {
	return &FITParser{}
}

// ParseData reads the record messages of a FIT activity. A timer stop
// event closes the current segment.
func (p *FITParser) ParseData(data []byte) (*Track, error) {
	fitFile, err := fit.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode FIT file: %w", err)
	}

	activity, err := fitFile.Activity()
	if err != nil {
		return nil, fmt.Errorf("failed to get activity from FIT: %w", err)
	}

	var stops []time.Time
	for _, ev := range activity.Events {
		if ev.Event == fit.EventTimer && (ev.EventType == fit.EventTypeStop || ev.EventType == fit.EventTypeStopAll) {
			stops = append(stops, ev.Timestamp)
		}
	}
	sort.Slice(stops, func(i, j int) bool { return stops[i].Before(stops[j]) })

	track := &Track{}
	if len(activity.Sessions) > 0 {
		track.Name = activity.Sessions[0].Sport.String()
	}

	var current []TrackPoint
	for _, rec := range activity.Records {
		if rec.PositionLat.Invalid() || rec.PositionLong.Invalid() {
			continue
		}
		for len(stops) > 0 && !rec.Timestamp.Before(stops[0]) {
			if len(current) > 0 {
				track.Segments = append(track.Segments, current)
				current = nil
			}
			stops = stops[1:]
		}
		current = append(current, TrackPoint{
			Fix: models.GeoFix{
				Latitude:  rec.PositionLat.Degrees(),
				Longitude: rec.PositionLong.Degrees(),
				Altitude:  recordAltitude(rec),
			},
			Time: rec.Timestamp.UTC(),
		})
	}
	if len(current) > 0 {
		track.Segments = append(track.Segments, current)
	}

	if track.Points() == 0 {
		return nil, ErrNoTrackData
	}
	return track, nil
}

func recordAltitude(rec *fit.RecordMsg) float64 {
	if alt := rec.GetEnhancedAltitudeScaled(); !math.IsNaN(alt) {
		return alt
	}
	if alt := rec.GetAltitudeScaled(); !math.IsNaN(alt) {
		return alt
	}
	return 0
}
