package parser

import (
	"encoding/xml"
	"fmt"
	"time"

	"github.com/sstent/pacetrack-go/internal/models"
)

// GPX represents the root element of a GPX file
type GPX struct {
	XMLName xml.Name `xml:"gpx"`
	Trk     []Trk    `xml:"trk"`
}

// Trk represents a track in a GPX file
type Trk struct {
	Name   string   `xml:"name"`
	TrkSeg []TrkSeg `xml:"trkseg"`
}

// TrkSeg represents a track segment in a GPX file
type TrkSeg struct {
	TrkPt []TrkPt `xml:"trkpt"`
}

// TrkPt represents a track point in a GPX file
type TrkPt struct {
	Lat  float64 `xml:"lat,attr"`
	Lon  float64 `xml:"lon,attr"`
	Ele  float64 `xml:"ele"`
	Time string  `xml:"time"`
}

type GPXParser struct{}

func NewGPXParser() *GPXParser {
	return &GPXParser{}
}

func (p *GPXParser) ParseData(data []byte) (*Track, error) {
	var gpx GPX
	if err := xml.Unmarshal(data, &gpx); err != nil {
		return nil, fmt.Errorf("failed to decode GPX file: %w", err)
	}

	track := &Track{}
	for _, trk := range gpx.Trk {
		if track.Name == "" {
			track.Name = trk.Name
		}
		for _, seg := range trk.TrkSeg {
			points := make([]TrackPoint, 0, len(seg.TrkPt))
			for _, pt := range seg.TrkPt {
				points = append(points, TrackPoint{
					Fix:  models.GeoFix{Latitude: pt.Lat, Longitude: pt.Lon, Altitude: pt.Ele},
					Time: parseTime(pt.Time),
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

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
