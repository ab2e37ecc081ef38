package models

import (
	"fmt"
	"math"
	"time"
)

// FormatDuration renders d as HH:MM:SS.
func FormatDuration(d time.Duration) string {
	total := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total%3600)/60, total%60)
}

// FormatPace renders the average pace as "M:SS / km", or "-" when undefined.
func FormatPace(d time.Duration, distanceKm float64) string {
	if d <= 0 || distanceKm <= 0 {
		return "-"
	}
	return FormatPaceSeconds(int64(math.Round(float64(int64(d/time.Second)) / distanceKm)))
}

// FormatPaceSeconds renders a pace in seconds per km as "M:SS / km".
func FormatPaceSeconds(secondsPerKm int64) string {
	if secondsPerKm <= 0 {
		return "-"
	}
	return fmt.Sprintf("%d:%02d / km", secondsPerKm/60, secondsPerKm%60)
}

func FormatKm(km float64) string {
	return fmt.Sprintf("%.1f km", math.Round(km*10)/10)
}

func FormatKmh(kmh float64) string {
	return fmt.Sprintf("%.1f km/h", math.Round(kmh*10)/10)
}

func FormatMeters(m int64) string {
	return fmt.Sprintf("%d m", m)
}
