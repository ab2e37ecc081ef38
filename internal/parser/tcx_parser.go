package parser

import (
	"encoding/xml"
	"fmt"

	"github.com/sstent/pacetrack-go/internal/models"
)

type TCXParser struct{}

func NewTCXParser() *TCXParser {
	return &TCXParser{}
}

type TCXTrainingCenterDatabase struct {
	Activities TCXActivities `xml:"Activities"`
}

type TCXActivities struct {
	Activity []TCXActivity `xml:"Activity"`
}

type TCXActivity struct {
	Sport string   `xml:"Sport,attr"`
	ID    string   `xml:"Id"`
	Laps  []TCXLap `xml:"Lap"`
}

type TCXLap struct {
	StartTime string     `xml:"StartTime,attr"`
	Tracks    []TCXTrack `xml:"Track"`
}

type TCXTrack struct {
	Trackpoints []TCXTrackpoint `xml:"Trackpoint"`
}

type TCXTrackpoint struct {
	Time           string       `xml:"Time"`
	Position       *TCXPosition `xml:"Position"`
	AltitudeMeters float64      `xml:"AltitudeMeters"`
}

type TCXPosition struct {
	LatitudeDegrees  float64 `xml:"LatitudeDegrees"`
	LongitudeDegrees float64 `xml:"LongitudeDegrees"`
}

// ParseData maps every TCX Track to a segment. Trackpoints without a
// position (indoor or signal loss) are skipped.
func (p *TCXParser) ParseData(data []byte) (*Track, error) {
	var tcx TCXTrainingCenterDatabase
	if err := xml.Unmarshal(data, &tcx); err != nil {
		return nil, fmt.Errorf("failed to decode TCX file: %w", err)
	}
	if len(tcx.Activities.Activity) == 0 {
		return nil, ErrNoTrackData
	}

	activity := tcx.Activities.Activity[0]
	track := &Track{Name: activity.Sport}
	for _, lap := range activity.Laps {
		for _, trk := range lap.Tracks {
			var points []TrackPoint
			for _, tp := range trk.Trackpoints {
				if tp.Position == nil {
					continue
				}
				points = append(points, TrackPoint{
					Fix: models.GeoFix{
						Latitude:  tp.Position.LatitudeDegrees,
						Longitude: tp.Position.LongitudeDegrees,
						Altitude:  tp.AltitudeMeters,
					},
					Time: parseTime(tp.Time),
				})
			}
			if len(points) > 0 {
				track.Segments = append(track.Segments, points)
			}
		}
	}

	if track.Points() == 0 {
		return nil, ErrNoTrackData
	}
	return track, nil
}
