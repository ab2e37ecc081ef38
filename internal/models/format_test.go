package models

import (
	"testing"
	"time"
)

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "00:00:00"},
		{1500 * time.Millisecond, "00:00:01"},
		{time.Hour + 2*time.Minute + 3*time.Second, "01:02:03"},
		{26 * time.Hour, "26:00:00"},
	}
	for _, tt := range tests {
		if got := FormatDuration(tt.in); got != tt.want {
			t.Errorf("FormatDuration(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatPace(t *testing.T) {
	if got := FormatPace(0, 5); got != "-" {
		t.Errorf("zero duration: got %q", got)
	}
	if got := FormatPace(time.Minute, 0); got != "-" {
		t.Errorf("zero distance: got %q", got)
	}
	if got := FormatPace(25*time.Minute, 5); got != "5:00 / km" {
		t.Errorf("got %q, want 5:00 / km", got)
	}
	if got := FormatPace(10*time.Minute+30*time.Second, 2); got != "5:15 / km" {
		t.Errorf("got %q, want 5:15 / km", got)
	}
	if got := FormatPaceSeconds(367); got != "6:07 / km" {
		t.Errorf("got %q, want 6:07 / km", got)
	}
	if got := FormatPaceSeconds(0); got != "-" {
		t.Errorf("zero pace: got %q", got)
	}
}

func TestFormatDistanceAndSpeed(t *testing.T) {
	if got := FormatKm(12.345); got != "12.3 km" {
		t.Errorf("FormatKm = %q", got)
	}
	if got := FormatKmh(9.96); got != "10.0 km/h" {
		t.Errorf("FormatKmh = %q", got)
	}
	if got := FormatMeters(42); got != "42 m" {
		t.Errorf("FormatMeters = %q", got)
	}
}

func TestRunMetricsHelpers(t *testing.T) {
	m := RunMetrics{Segments: []PathSegment{
		{{Fix: GeoFix{Latitude: 1}}, {Fix: GeoFix{Latitude: 2}}},
		{},
	}}
	if m.FixCount() != 2 {
		t.Fatalf("FixCount = %d, want 2", m.FixCount())
	}
	last, ok := m.LastFix()
	if !ok || last.Latitude != 2 {
		t.Fatalf("LastFix = %+v, %v", last, ok)
	}
	if _, ok := (RunMetrics{}).LastFix(); ok {
		t.Fatal("expected no last fix on empty metrics")
	}
}

func TestAvgSpeedKmh(t *testing.T) {
	r := RunRecord{Duration: 30 * time.Minute, DistanceMeters: 5000}
	if got := r.AvgSpeedKmh(); got != 10 {
		t.Fatalf("AvgSpeedKmh = %v, want 10", got)
	}
	if got := (RunRecord{DistanceMeters: 100}).AvgSpeedKmh(); got != 0 {
		t.Fatalf("AvgSpeedKmh with zero duration = %v", got)
	}
}
