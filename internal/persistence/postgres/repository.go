// Package postgres provides pgx-backed persistence for Strava credentials
// and synced activities.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/ridesync/internal/domain"
)

// Repository wraps a pgx pool. It implements the token store, activity
// store and athlete resolution used by the sync engine.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetCredentials loads the user's Strava credential set. It returns nil
// without error when the user does not exist or has never connected.
func (r *Repository) GetCredentials(ctx context.Context, userID string) (*domain.Credentials, error) {
	const query = `SELECT strava_athlete_id, strava_access_token, strava_refresh_token, strava_token_expiry, strava_connected_at
        FROM users WHERE id=$1`

	var (
		athleteID    *string
		accessToken  *string
		refreshToken *string
		expiresAt    *time.Time
		connectedAt  *time.Time
	)
	err := r.pool.QueryRow(ctx, query, userID).Scan(&athleteID, &accessToken, &refreshToken, &expiresAt, &connectedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query credentials: %w", err)
	}

	if accessToken == nil || refreshToken == nil {
		return nil, nil
	}

	creds := &domain.Credentials{
		AccessToken:  *accessToken,
		RefreshToken: *refreshToken,
	}
	if athleteID != nil {
		creds.AthleteID = *athleteID
	}
	if expiresAt != nil {
		creds.ExpiresAt = expiresAt.UTC()
	}
	if connectedAt != nil {
		creds.ConnectedAt = connectedAt.UTC()
	}
	return creds, nil
}

// SaveCredentials replaces the user's stored credential set. Concurrent
// refreshes race benignly: the last writer lands a complete, valid pair.
func (r *Repository) SaveCredentials(ctx context.Context, userID string, creds domain.Credentials) error {
	const stmt = `UPDATE users
        SET strava_athlete_id=$2, strava_access_token=$3, strava_refresh_token=$4, strava_token_expiry=$5, strava_connected_at=$6
        WHERE id=$1`

	tag, err := r.pool.Exec(ctx, stmt,
		userID,
		creds.AthleteID,
		creds.AccessToken,
		creds.RefreshToken,
		creds.ExpiresAt,
		creds.ConnectedAt,
	)
	if err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("save credentials: user %s not found", userID)
	}
	return nil
}

// ClearCredentials nulls the credential columns. Activity rows are left
// alone so history survives a disconnect.
func (r *Repository) ClearCredentials(ctx context.Context, userID string) error {
	const stmt = `UPDATE users
        SET strava_athlete_id=NULL, strava_access_token=NULL, strava_refresh_token=NULL, strava_token_expiry=NULL, strava_connected_at=NULL
        WHERE id=$1`

	if _, err := r.pool.Exec(ctx, stmt, userID); err != nil {
		return fmt.Errorf("clear credentials: %w", err)
	}
	return nil
}

// UserIDByAthlete resolves a Strava athlete id to the local user id,
// returning "" when no connected user matches.
func (r *Repository) UserIDByAthlete(ctx context.Context, athleteID string) (string, error) {
	const query = `SELECT id FROM users WHERE strava_athlete_id=$1 LIMIT 1`

	var userID string
	err := r.pool.QueryRow(ctx, query, athleteID).Scan(&userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("resolve athlete: %w", err)
	}
	return userID, nil
}

// Upsert inserts or updates an activity keyed on the unique index over
// strava_activity_id, reporting whether a new row was created. Racing
// writers for the same id collapse onto the constraint instead of a
// check-then-act window.
func (r *Repository) Upsert(ctx context.Context, activity domain.Activity) (bool, error) {
	const stmt = `INSERT INTO activities
        (id, user_id, strava_activity_id, activity_type, name, distance, moving_time, elapsed_time, total_elevation_gain, start_date, average_speed, max_speed, is_wednesday_ride, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
        ON CONFLICT (strava_activity_id) DO UPDATE SET
            activity_type=EXCLUDED.activity_type,
            name=EXCLUDED.name,
            distance=EXCLUDED.distance,
            moving_time=EXCLUDED.moving_time,
            elapsed_time=EXCLUDED.elapsed_time,
            total_elevation_gain=EXCLUDED.total_elevation_gain,
            start_date=EXCLUDED.start_date,
            average_speed=EXCLUDED.average_speed,
            max_speed=EXCLUDED.max_speed,
            is_wednesday_ride=EXCLUDED.is_wednesday_ride,
            updated_at=EXCLUDED.updated_at
        RETURNING (xmax = 0)`

	// xmax = 0 only holds for rows inserted by this statement.
	var inserted bool
	err := r.pool.QueryRow(ctx, stmt,
		activity.ID,
		activity.UserID,
		activity.StravaActivityID,
		activity.ActivityType,
		activity.Name,
		activity.Distance,
		activity.MovingTime,
		activity.ElapsedTime,
		activity.TotalElevationGain,
		activity.StartDate,
		activity.AverageSpeed,
		activity.MaxSpeed,
		activity.IsWednesdayRide,
		activity.CreatedAt,
		activity.UpdatedAt,
	).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("upsert activity: %w", err)
	}
	return inserted, nil
}

// Delete removes the activity matching the user and Strava id, reporting
// whether a row existed.
func (r *Repository) Delete(ctx context.Context, userID, stravaActivityID string) (bool, error) {
	const stmt = `DELETE FROM activities WHERE user_id=$1 AND strava_activity_id=$2`

	tag, err := r.pool.Exec(ctx, stmt, userID, stravaActivityID)
	if err != nil {
		return false, fmt.Errorf("delete activity: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListByUser returns the user's activities ordered newest first.
func (r *Repository) ListByUser(ctx context.Context, userID string) ([]domain.Activity, error) {
	const query = `SELECT id, user_id, strava_activity_id, activity_type, name, distance, moving_time, elapsed_time, total_elevation_gain, start_date, average_speed, max_speed, is_wednesday_ride, created_at, updated_at
        FROM activities WHERE user_id=$1 ORDER BY start_date DESC, strava_activity_id DESC`

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	defer rows.Close()

	var results []domain.Activity
	for rows.Next() {
		var a domain.Activity
		if err := rows.Scan(
			&a.ID,
			&a.UserID,
			&a.StravaActivityID,
			&a.ActivityType,
			&a.Name,
			&a.Distance,
			&a.MovingTime,
			&a.ElapsedTime,
			&a.TotalElevationGain,
			&a.StartDate,
			&a.AverageSpeed,
			&a.MaxSpeed,
			&a.IsWednesdayRide,
			&a.CreatedAt,
			&a.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		results = append(results, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	return results, nil
}
