package sync

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"

	"example.com/ridesync/internal/domain"
	"example.com/ridesync/internal/events"
	"example.com/ridesync/internal/observability"
	"example.com/ridesync/internal/strava"
)

const (
	// Pull sync looks back 90 days, one page of 100 activities, matching
	// what the dashboard sync button promises.
	lookbackWindow = 90 * 24 * time.Hour
	syncPageSize   = 100

	objectTypeActivity = "activity"

	aspectCreate = "create"
	aspectUpdate = "update"
	aspectDelete = "delete"
)

// TokenSource supplies a currently-valid access token for a user.
type TokenSource interface {
	AccessToken(ctx context.Context, userID string) (string, error)
}

// ActivityFetcher is the slice of the Strava client the engine needs.
type ActivityFetcher interface {
	Activity(ctx context.Context, accessToken string, activityID int64) (*strava.Activity, error)
	Activities(ctx context.Context, accessToken string, after, before time.Time, page, perPage int) ([]strava.Activity, error)
}

// ActivityStore captures persistence operations for synced activities.
// Upsert must be keyed on a storage-level uniqueness constraint over the
// Strava activity id so concurrent writers cannot create duplicates.
type ActivityStore interface {
	Upsert(ctx context.Context, activity domain.Activity) (created bool, err error)
	Delete(ctx context.Context, userID, stravaActivityID string) (deleted bool, err error)
}

// UserResolver maps a Strava athlete id to the local user, returning ""
// when the athlete is unknown to this system.
type UserResolver interface {
	UserIDByAthlete(ctx context.Context, athleteID string) (string, error)
}

// EventPublisher receives activity change notifications after storage
// commits. Delivery is best-effort.
type EventPublisher interface {
	Publish(ctx context.Context, event events.ActivityEvent) error
}

// SyncResult summarizes a pull sync for the caller.
type SyncResult struct {
	Created        int `json:"created"`
	Updated        int `json:"updated"`
	TotalProcessed int `json:"total_processed"`
}

// Option configures optional behaviour for the Engine.
type Option func(*Engine)

// WithLogger overrides the logger used for webhook processing failures.
func WithLogger(logger *log.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithPublisher attaches a change-event publisher.
func WithPublisher(publisher EventPublisher) Option {
	return func(e *Engine) {
		e.publisher = publisher
	}
}

// Engine is the reconciler. Both entry points obtain a token, fetch raw
// activities, drop everything that is not a Ride, and upsert by Strava
// activity id, so replays and overlapping windows are harmless.
type Engine struct {
	tokens    TokenSource
	fetcher   ActivityFetcher
	store     ActivityStore
	users     UserResolver
	publisher EventPublisher
	logger    *log.Logger
	now       func() time.Time
}

// NewEngine constructs an Engine.
func NewEngine(tokens TokenSource, fetcher ActivityFetcher, store ActivityStore, users UserResolver, opts ...Option) *Engine {
	e := &Engine{
		tokens:  tokens,
		fetcher: fetcher,
		store:   store,
		users:   users,
		logger:  log.New(log.Writer(), "[sync] ", log.LstdFlags|log.Lshortfile),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SyncUserActivities pulls the user's recent activities from Strava and
// reconciles them into the store. The operation is non-transactional:
// a failure partway leaves earlier upserts committed, and rerunning is
// safe because the upsert is idempotent.
func (e *Engine) SyncUserActivities(ctx context.Context, userID string) (SyncResult, error) {
	token, err := e.tokens.AccessToken(ctx, userID)
	if err != nil {
		return SyncResult{}, err
	}

	after := e.now().Add(-lookbackWindow)
	activities, err := e.fetcher.Activities(ctx, token, after, time.Time{}, 1, syncPageSize)
	if err != nil {
		return SyncResult{}, fmt.Errorf("list activities: %w", err)
	}

	result := SyncResult{TotalProcessed: len(activities)}
	for i := range activities {
		raw := &activities[i]
		if raw.Type != domain.RideActivityType {
			continue
		}

		created, err := e.upsert(ctx, userID, raw)
		if err != nil {
			return result, err
		}
		if created {
			result.Created++
		} else {
			result.Updated++
		}
	}

	observability.RecordSync(result.Created, result.Updated, result.TotalProcessed)
	return result, nil
}

// HandleEvent processes a Strava webhook event. Failures are logged and
// swallowed: the delivery has already been acknowledged upstream, and a
// retry storm buys nothing the next pull sync will not fix.
func (e *Engine) HandleEvent(ctx context.Context, event strava.WebhookEvent) {
	if event.ObjectType != objectTypeActivity {
		return
	}
	observability.RecordWebhookEvent(event.AspectType)

	athleteID := strconv.FormatInt(event.OwnerID, 10)
	userID, err := e.users.UserIDByAthlete(ctx, athleteID)
	if err != nil {
		e.logger.Printf("webhook: resolve athlete %s: %v", athleteID, err)
		return
	}
	if userID == "" {
		// Not an error: the athlete never connected here.
		return
	}

	switch event.AspectType {
	case aspectCreate, aspectUpdate:
		e.applyRemote(ctx, userID, event.ObjectID)
	case aspectDelete:
		e.applyDelete(ctx, userID, event.ObjectID)
	}
}

func (e *Engine) applyRemote(ctx context.Context, userID string, activityID int64) {
	token, err := e.tokens.AccessToken(ctx, userID)
	if err != nil {
		e.logger.Printf("webhook: token for user %s: %v", userID, err)
		return
	}

	raw, err := e.fetcher.Activity(ctx, token, activityID)
	if err != nil {
		e.logger.Printf("webhook: fetch activity %d: %v", activityID, err)
		return
	}
	if raw.Type != domain.RideActivityType {
		return
	}

	if _, err := e.upsert(ctx, userID, raw); err != nil {
		e.logger.Printf("webhook: %v", err)
	}
}

func (e *Engine) applyDelete(ctx context.Context, userID string, activityID int64) {
	stravaID := strconv.FormatInt(activityID, 10)
	deleted, err := e.store.Delete(ctx, userID, stravaID)
	if err != nil {
		e.logger.Printf("webhook: delete activity %s: %v", stravaID, err)
		return
	}
	if deleted {
		e.publish(ctx, events.TypeActivityDeleted, domain.Activity{UserID: userID, StravaActivityID: stravaID})
	}
}

func (e *Engine) upsert(ctx context.Context, userID string, raw *strava.Activity) (bool, error) {
	now := e.now().UTC()
	activity := domain.Activity{
		ID:                 uuid.NewString(),
		UserID:             userID,
		StravaActivityID:   strconv.FormatInt(raw.ID, 10),
		ActivityType:       raw.Type,
		Name:               raw.Name,
		Distance:           raw.Distance,
		MovingTime:         raw.MovingTime,
		ElapsedTime:        raw.ElapsedTime,
		TotalElevationGain: raw.TotalElevationGain,
		StartDate:          raw.StartDate.UTC(),
		AverageSpeed:       raw.AverageSpeed,
		MaxSpeed:           raw.MaxSpeed,
		IsWednesdayRide:    domain.IsWednesdayRide(raw.StartDate.UTC()),
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	created, err := e.store.Upsert(ctx, activity)
	if err != nil {
		return false, fmt.Errorf("upsert activity %d: %w", raw.ID, err)
	}

	eventType := events.TypeActivityUpdated
	if created {
		eventType = events.TypeActivityCreated
	}
	e.publish(ctx, eventType, activity)
	return created, nil
}

func (e *Engine) publish(ctx context.Context, eventType string, activity domain.Activity) {
	if e.publisher == nil {
		return
	}
	event := events.ActivityEvent{
		EventType:        eventType,
		UserID:           activity.UserID,
		StravaActivityID: activity.StravaActivityID,
		ActivityType:     activity.ActivityType,
		DistanceMeters:   activity.Distance,
		StartDate:        activity.StartDate,
		IsWednesdayRide:  activity.IsWednesdayRide,
		OccurredAt:       e.now().UTC(),
	}
	if err := e.publisher.Publish(ctx, event); err != nil {
		e.logger.Printf("publish %s for activity %s: %v", eventType, activity.StravaActivityID, err)
	}
}
