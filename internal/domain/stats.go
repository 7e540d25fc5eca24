package domain

// ActivitySummary aggregates a user's stored rides for the stats endpoint.
type ActivitySummary struct {
	TotalRides             int
	TotalDistanceMeters    float64
	TotalElevationMeters   float64
	TotalMovingTimeSeconds int64
	WednesdayRides         int
	LongestRide            *Activity
}

// Summarize folds a slice of activities into an ActivitySummary.
func Summarize(activities []Activity) ActivitySummary {
	summary := ActivitySummary{TotalRides: len(activities)}

	for i := range activities {
		a := &activities[i]
		summary.TotalDistanceMeters += a.Distance
		summary.TotalElevationMeters += a.TotalElevationGain
		summary.TotalMovingTimeSeconds += int64(a.MovingTime)
		if a.IsWednesdayRide {
			summary.WednesdayRides++
		}
		if summary.LongestRide == nil || a.Distance > summary.LongestRide.Distance {
			summary.LongestRide = a
		}
	}

	return summary
}
