package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/ridesync/internal/auth"
	"example.com/ridesync/internal/domain"
	"example.com/ridesync/internal/strava"
	syncengine "example.com/ridesync/internal/sync"
)

// fakeBackend implements the engine and handler dependencies over maps so
// handler tests run against real reconciliation logic.
type fakeBackend struct {
	creds      map[string]*domain.Credentials
	byStravaID map[string]domain.Activity
	listed     []strava.Activity
	single     map[int64]*strava.Activity
	clearCalls int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		creds:      make(map[string]*domain.Credentials),
		byStravaID: make(map[string]domain.Activity),
		single:     make(map[int64]*strava.Activity),
	}
}

func (f *fakeBackend) GetCredentials(_ context.Context, userID string) (*domain.Credentials, error) {
	return f.creds[userID], nil
}

func (f *fakeBackend) SaveCredentials(_ context.Context, userID string, creds domain.Credentials) error {
	f.creds[userID] = &creds
	return nil
}

func (f *fakeBackend) ClearCredentials(_ context.Context, userID string) error {
	f.clearCalls++
	delete(f.creds, userID)
	return nil
}

func (f *fakeBackend) AccessToken(_ context.Context, userID string) (string, error) {
	creds := f.creds[userID]
	if !creds.Connected() {
		return "", domain.ErrNotConnected
	}
	return creds.AccessToken, nil
}

func (f *fakeBackend) Activity(_ context.Context, _ string, id int64) (*strava.Activity, error) {
	activity, ok := f.single[id]
	if !ok {
		return nil, strava.ErrNotFound
	}
	return activity, nil
}

func (f *fakeBackend) Activities(context.Context, string, time.Time, time.Time, int, int) ([]strava.Activity, error) {
	return f.listed, nil
}

func (f *fakeBackend) Upsert(_ context.Context, activity domain.Activity) (bool, error) {
	existing, ok := f.byStravaID[activity.StravaActivityID]
	if ok {
		activity.ID = existing.ID
	}
	f.byStravaID[activity.StravaActivityID] = activity
	return !ok, nil
}

func (f *fakeBackend) Delete(_ context.Context, userID, stravaActivityID string) (bool, error) {
	existing, ok := f.byStravaID[stravaActivityID]
	if !ok || existing.UserID != userID {
		return false, nil
	}
	delete(f.byStravaID, stravaActivityID)
	return true, nil
}

func (f *fakeBackend) UserIDByAthlete(_ context.Context, athleteID string) (string, error) {
	for userID, creds := range f.creds {
		if creds != nil && creds.AthleteID == athleteID {
			return userID, nil
		}
	}
	return "", nil
}

func (f *fakeBackend) ListByUser(_ context.Context, userID string) ([]domain.Activity, error) {
	var out []domain.Activity
	for _, a := range f.byStravaID {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	return out, nil
}

type stubOAuth struct {
	grant *strava.TokenGrant
	err   error
}

func (s *stubOAuth) AuthorizationURL(redirectURI, state string) string {
	return "https://www.strava.com/oauth/authorize?redirect_uri=" + redirectURI + "&state=" + state
}

func (s *stubOAuth) ExchangeCode(context.Context, string) (*strava.TokenGrant, error) {
	return s.grant, s.err
}

func newTestHandler(t *testing.T, backend *fakeBackend, oauth *stubOAuth) *Handler {
	t.Helper()
	engine := syncengine.NewEngine(backend, backend, backend, backend,
		syncengine.WithLogger(log.New(testWriter{t}, "", 0)))
	handler := NewHandler(engine, backend, backend, oauth, "verify-me", "/dashboard")
	handler.logger = log.New(testWriter{t}, "", 0)
	return handler
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func authedRequest(method, target string, scopes ...string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	scopeSet := make(map[string]struct{}, len(scopes))
	for _, scope := range scopes {
		scopeSet[scope] = struct{}{}
	}
	claims := &auth.Claims{
		Subject:   "user-1",
		Scopes:    scopeSet,
		ExpiresAt: time.Now().Add(time.Hour),
	}
	return req.WithContext(auth.WithClaims(req.Context(), claims))
}

func connectUser(backend *fakeBackend) {
	backend.creds["user-1"] = &domain.Credentials{
		AthleteID:    "987654",
		AccessToken:  "at-1",
		RefreshToken: "rt-1",
		ExpiresAt:    time.Now().Add(6 * time.Hour),
		ConnectedAt:  time.Now().Add(-time.Hour),
	}
}

func TestSyncEndpointRequiresAuth(t *testing.T) {
	handler := newTestHandler(t, newFakeBackend(), &stubOAuth{})

	rr := httptest.NewRecorder()
	handler.syncActivities(rr, httptest.NewRequest(http.MethodPost, "/v1/strava/sync", nil))

	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestSyncEndpointNotConnected(t *testing.T) {
	handler := newTestHandler(t, newFakeBackend(), &stubOAuth{})

	rr := httptest.NewRecorder()
	handler.syncActivities(rr, authedRequest(http.MethodPost, "/v1/strava/sync", auth.ScopeRidesSync))

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Contains(t, rr.Body.String(), "strava_not_connected")
}

func TestSyncEndpointSuccess(t *testing.T) {
	backend := newFakeBackend()
	connectUser(backend)
	speed := 5.9
	backend.listed = []strava.Activity{
		{
			ID:           42,
			Name:         "Wednesday Night Ride",
			Type:         "Ride",
			Distance:     32000,
			MovingTime:   5400,
			StartDate:    time.Date(2025, time.October, 22, 18, 30, 0, 0, time.UTC),
			AverageSpeed: &speed,
		},
		{ID: 7, Name: "Morning Run", Type: "Run", StartDate: time.Date(2025, time.October, 23, 7, 0, 0, 0, time.UTC)},
	}
	handler := newTestHandler(t, backend, &stubOAuth{})

	rr := httptest.NewRecorder()
	handler.syncActivities(rr, authedRequest(http.MethodPost, "/v1/strava/sync", auth.ScopeRidesSync))

	require.Equal(t, http.StatusOK, rr.Code)

	var result syncengine.SyncResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &result))
	require.Equal(t, syncengine.SyncResult{Created: 1, Updated: 0, TotalProcessed: 2}, result)

	require.Len(t, backend.byStravaID, 1)
	require.True(t, backend.byStravaID["42"].IsWednesdayRide)
}

func TestSyncEndpointRejectsMissingScope(t *testing.T) {
	handler := newTestHandler(t, newFakeBackend(), &stubOAuth{})

	rr := httptest.NewRecorder()
	handler.syncActivities(rr, authedRequest(http.MethodPost, "/v1/strava/sync", auth.ScopeRidesRead))

	require.Equal(t, http.StatusForbidden, rr.Code)
}

func TestWebhookChallengeEcho(t *testing.T) {
	handler := newTestHandler(t, newFakeBackend(), &stubOAuth{})

	req := httptest.NewRequest(http.MethodGet, "/v1/strava/webhook?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=abc123", nil)
	rr := httptest.NewRecorder()
	handler.webhook(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"hub.challenge":"abc123"}`, rr.Body.String())
}

func TestWebhookChallengeWrongToken(t *testing.T) {
	handler := newTestHandler(t, newFakeBackend(), &stubOAuth{})

	req := httptest.NewRequest(http.MethodGet, "/v1/strava/webhook?hub.mode=subscribe&hub.verify_token=nope&hub.challenge=abc123", nil)
	rr := httptest.NewRecorder()
	handler.webhook(rr, req)

	require.Equal(t, http.StatusForbidden, rr.Code)
}

func TestWebhookEventCreateStoresRide(t *testing.T) {
	backend := newFakeBackend()
	connectUser(backend)
	backend.single[42] = &strava.Activity{
		ID:        42,
		Name:      "Wednesday Night Ride",
		Type:      "Ride",
		Distance:  32000,
		StartDate: time.Date(2025, time.October, 22, 18, 30, 0, 0, time.UTC),
	}
	handler := newTestHandler(t, backend, &stubOAuth{})

	body := `{"object_type":"activity","object_id":42,"aspect_type":"create","owner_id":987654,"subscription_id":1,"event_time":1761158000}`
	req := httptest.NewRequest(http.MethodPost, "/v1/strava/webhook", strings.NewReader(body))
	rr := httptest.NewRecorder()
	handler.webhook(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"success":true}`, rr.Body.String())
	require.Contains(t, backend.byStravaID, "42")
}

func TestWebhookEventUpdateRefreshesDistance(t *testing.T) {
	backend := newFakeBackend()
	connectUser(backend)
	backend.byStravaID["42"] = domain.Activity{UserID: "user-1", StravaActivityID: "42", Distance: 1000}
	backend.single[42] = &strava.Activity{
		ID:        42,
		Type:      "Ride",
		Distance:  1200,
		StartDate: time.Date(2025, time.October, 22, 18, 30, 0, 0, time.UTC),
	}
	handler := newTestHandler(t, backend, &stubOAuth{})

	body := `{"object_type":"activity","object_id":42,"aspect_type":"update","owner_id":987654}`
	req := httptest.NewRequest(http.MethodPost, "/v1/strava/webhook", strings.NewReader(body))
	rr := httptest.NewRecorder()
	handler.webhook(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, backend.byStravaID, 1)
	require.InDelta(t, 1200, backend.byStravaID["42"].Distance, 1e-9)
}

func TestWebhookEventAcksFetchFailure(t *testing.T) {
	backend := newFakeBackend()
	connectUser(backend)
	// No single activity registered: the fetch 404s internally.
	handler := newTestHandler(t, backend, &stubOAuth{})

	body := `{"object_type":"activity","object_id":4040,"aspect_type":"create","owner_id":987654}`
	req := httptest.NewRequest(http.MethodPost, "/v1/strava/webhook", strings.NewReader(body))
	rr := httptest.NewRecorder()
	handler.webhook(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"success":true}`, rr.Body.String())
}

func TestWebhookEventAcksMalformedBody(t *testing.T) {
	handler := newTestHandler(t, newFakeBackend(), &stubOAuth{})

	req := httptest.NewRequest(http.MethodPost, "/v1/strava/webhook", strings.NewReader("{not json"))
	rr := httptest.NewRecorder()
	handler.webhook(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
}

func TestConnectReturnsAuthorizationURL(t *testing.T) {
	handler := newTestHandler(t, newFakeBackend(), &stubOAuth{})

	req := authedRequest(http.MethodGet, "http://portal.example.org/v1/strava/connect", auth.ScopeRidesSync)
	rr := httptest.NewRecorder()
	handler.connect(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Contains(t, resp["url"], "http://portal.example.org/v1/strava/callback")
	require.Contains(t, resp["url"], "state=user-1")
}

func TestCallbackStoresCredentialsAndRedirects(t *testing.T) {
	backend := newFakeBackend()
	expiresAt := time.Now().Add(6 * time.Hour).UTC()
	oauth := &stubOAuth{grant: &strava.TokenGrant{
		AccessToken:  "at-1",
		RefreshToken: "rt-1",
		ExpiresAt:    expiresAt,
		AthleteID:    "987654",
	}}
	handler := newTestHandler(t, backend, oauth)

	req := httptest.NewRequest(http.MethodGet, "/v1/strava/callback?code=the-code&state=user-1", nil)
	rr := httptest.NewRecorder()
	handler.callback(rr, req)

	require.Equal(t, http.StatusFound, rr.Code)
	require.Equal(t, "/dashboard?strava_connected=true", rr.Header().Get("Location"))

	creds := backend.creds["user-1"]
	require.NotNil(t, creds)
	require.Equal(t, "987654", creds.AthleteID)
	require.Equal(t, "at-1", creds.AccessToken)
	require.Equal(t, expiresAt, creds.ExpiresAt)
	require.False(t, creds.ConnectedAt.IsZero())
}

func TestCallbackProviderDenied(t *testing.T) {
	handler := newTestHandler(t, newFakeBackend(), &stubOAuth{})

	req := httptest.NewRequest(http.MethodGet, "/v1/strava/callback?error=access_denied", nil)
	rr := httptest.NewRecorder()
	handler.callback(rr, req)

	require.Equal(t, http.StatusFound, rr.Code)
	require.Equal(t, "/dashboard?strava_error=access_denied", rr.Header().Get("Location"))
}

func TestCallbackMissingParams(t *testing.T) {
	handler := newTestHandler(t, newFakeBackend(), &stubOAuth{})

	req := httptest.NewRequest(http.MethodGet, "/v1/strava/callback?code=only-code", nil)
	rr := httptest.NewRecorder()
	handler.callback(rr, req)

	require.Equal(t, http.StatusFound, rr.Code)
	require.Equal(t, "/dashboard?strava_error=missing_params", rr.Header().Get("Location"))
}

func TestDisconnectClearsCredentialsKeepsActivities(t *testing.T) {
	backend := newFakeBackend()
	connectUser(backend)
	backend.byStravaID["42"] = domain.Activity{UserID: "user-1", StravaActivityID: "42"}
	handler := newTestHandler(t, backend, &stubOAuth{})

	rr := httptest.NewRecorder()
	handler.disconnect(rr, authedRequest(http.MethodPost, "/v1/strava/disconnect", auth.ScopeRidesSync))

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, 1, backend.clearCalls)
	require.Nil(t, backend.creds["user-1"])
	require.Contains(t, backend.byStravaID, "42")
}

func TestStatsNotConnected(t *testing.T) {
	handler := newTestHandler(t, newFakeBackend(), &stubOAuth{})

	rr := httptest.NewRecorder()
	handler.stats(rr, authedRequest(http.MethodGet, "/v1/strava/stats", auth.ScopeRidesRead))

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Contains(t, rr.Body.String(), "strava_not_connected")
}

func TestStatsAggregatesAndConverts(t *testing.T) {
	backend := newFakeBackend()
	connectUser(backend)
	speed := 5.9
	backend.byStravaID["42"] = domain.Activity{
		ID:                 "row-1",
		UserID:             "user-1",
		StravaActivityID:   "42",
		Name:               "Wednesday Night Ride",
		Distance:           32000,
		MovingTime:         5400,
		TotalElevationGain: 250,
		StartDate:          time.Date(2025, time.October, 22, 18, 30, 0, 0, time.UTC),
		AverageSpeed:       &speed,
		IsWednesdayRide:    true,
	}
	handler := newTestHandler(t, backend, &stubOAuth{})

	rr := httptest.NewRecorder()
	handler.stats(rr, authedRequest(http.MethodGet, "/v1/strava/stats", auth.ScopeRidesRead))

	require.Equal(t, http.StatusOK, rr.Code)

	var resp StatsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.TotalRides)
	require.Equal(t, "19.9", resp.TotalDistanceMiles)
	require.Equal(t, "820", resp.TotalElevationFeet)
	require.Equal(t, int64(5400), resp.TotalMovingTimeSeconds)
	require.Equal(t, "1h 30m", resp.TotalMovingTimeDisplay)
	require.Equal(t, 1, resp.WednesdayRides)
	require.NotNil(t, resp.LongestRide)
	require.Equal(t, "19.88", resp.LongestRide.DistanceMiles)
	require.Len(t, resp.RecentActivities, 1)
	require.NotNil(t, resp.RecentActivities[0].AverageSpeedMph)
	require.Equal(t, "13.2", *resp.RecentActivities[0].AverageSpeedMph)
}
