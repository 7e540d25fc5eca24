// Package domain defines the business types for the ride sync service.
package domain

import (
	"errors"
	"time"
)

var (
	// ErrNotConnected is returned when a user has no stored Strava credentials.
	ErrNotConnected = errors.New("strava not connected")
	// ErrRefreshFailed indicates the token refresh was rejected by Strava.
	// Stored credentials are left untouched so a transient provider outage
	// does not silently disconnect the user.
	ErrRefreshFailed = errors.New("strava token refresh failed")
)

// Credentials holds the per-user Strava OAuth grant. A nil value or one
// without both tokens means the user is not connected.
type Credentials struct {
	AthleteID    string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	ConnectedAt  time.Time
}

// Connected reports whether the record carries a usable token pair.
func (c *Credentials) Connected() bool {
	return c != nil && c.AccessToken != "" && c.RefreshToken != ""
}

// Activity is the canonical ride record stored in PostgreSQL. It is keyed
// by StravaActivityID, which is globally unique on Strava's side, and
// intentionally carries no reference to the credential columns so history
// survives a disconnect.
type Activity struct {
	ID                 string
	UserID             string
	StravaActivityID   string
	ActivityType       string
	Name               string
	Distance           float64 // meters
	MovingTime         int     // seconds
	ElapsedTime        int     // seconds
	TotalElevationGain float64 // meters
	StartDate          time.Time
	AverageSpeed       *float64 // m/s, absent for manual uploads
	MaxSpeed           *float64 // m/s
	IsWednesdayRide    bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}
