package domain

import (
	"fmt"
	"time"
)

// RideActivityType is the only Strava activity type retained by the sync
// pipeline. Runs, swims and everything else are discarded before storage.
const RideActivityType = "Ride"

// Conversion factors shared with the reporting UI. The exact values matter:
// stored metrics are metric, everything user-facing is imperial.
const (
	metersToMilesFactor = 0.000621371
	metersToFeetFactor  = 3.28084
	mpsToMphFactor      = 2.23694
)

// MetersToMiles converts a distance in meters to miles.
func MetersToMiles(meters float64) float64 { return meters * metersToMilesFactor }

// MetersToFeet converts an elevation in meters to feet.
func MetersToFeet(meters float64) float64 { return meters * metersToFeetFactor }

// MpsToMph converts a speed in meters per second to miles per hour.
func MpsToMph(mps float64) float64 { return mps * mpsToMphFactor }

// IsWednesdayRide reports whether the start instant falls on a Wednesday,
// the club's weekly ride night. The instant is evaluated in its own
// location; callers pass UTC-normalized times.
func IsWednesdayRide(start time.Time) bool {
	return start.Weekday() == time.Wednesday
}

// FormatDuration renders a second count as "3h 24m" or "24m 10s".
func FormatDuration(seconds int64) string {
	hours := seconds / 3600
	minutes := (seconds % 3600) / 60
	secs := seconds % 60

	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm %ds", minutes, secs)
}
