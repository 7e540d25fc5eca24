// Package api exposes the HTTP surface of the ride sync service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"time"

	"example.com/ridesync/internal/auth"
	"example.com/ridesync/internal/domain"
	"example.com/ridesync/internal/strava"
	syncengine "example.com/ridesync/internal/sync"
)

// ActivityReader lists a user's stored activities for the stats endpoint.
type ActivityReader interface {
	ListByUser(ctx context.Context, userID string) ([]domain.Activity, error)
}

// OAuthClient is the slice of the Strava client used by the connect flow.
type OAuthClient interface {
	AuthorizationURL(redirectURI, state string) string
	ExchangeCode(ctx context.Context, code string) (*strava.TokenGrant, error)
}

// Handler coordinates HTTP requests with the sync engine and stores.
type Handler struct {
	engine      *syncengine.Engine
	tokens      syncengine.TokenStore
	activities  ActivityReader
	oauth       OAuthClient
	verifyToken string
	dashboard   string
	logger      *log.Logger
}

// NewHandler builds a Handler.
func NewHandler(engine *syncengine.Engine, tokens syncengine.TokenStore, activities ActivityReader, oauth OAuthClient, verifyToken, dashboardURL string) *Handler {
	return &Handler{
		engine:      engine,
		tokens:      tokens,
		activities:  activities,
		oauth:       oauth,
		verifyToken: verifyToken,
		dashboard:   dashboardURL,
		logger:      log.New(log.Writer(), "[api] ", log.LstdFlags),
	}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/strava/sync", h.syncActivities)
	mux.HandleFunc("/v1/strava/webhook", h.webhook)
	mux.HandleFunc("/v1/strava/connect", h.connect)
	mux.HandleFunc("/v1/strava/callback", h.callback)
	mux.HandleFunc("/v1/strava/disconnect", h.disconnect)
	mux.HandleFunc("/v1/strava/stats", h.stats)
	mux.HandleFunc("/healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) syncActivities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeRidesSync) {
		writeError(w, http.StatusForbidden, "forbidden", "scope rides:sync required")
		return
	}

	result, err := h.engine.SyncUserActivities(r.Context(), claims.Subject)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNotConnected):
			writeError(w, http.StatusBadRequest, "strava_not_connected", "connect Strava before syncing")
		case errors.Is(err, domain.ErrRefreshFailed):
			writeError(w, http.StatusBadGateway, "strava_refresh_failed", "Strava rejected the stored tokens; reconnect to continue")
		default:
			h.logger.Printf("sync for user %s: %v", claims.Subject, err)
			writeError(w, http.StatusBadGateway, "sync_failed", "failed to sync activities, try again")
		}
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// webhook handles Strava push deliveries. GET is the one-time subscription
// validation handshake; POST carries events. The POST path always
// acknowledges with 200 so Strava does not pile up redeliveries.
func (h *Handler) webhook(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.webhookChallenge(w, r)
	case http.MethodPost:
		h.webhookEvent(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
	}
}

func (h *Handler) webhookChallenge(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	mode := query.Get("hub.mode")
	token := query.Get("hub.verify_token")
	challenge := query.Get("hub.challenge")

	if mode != "subscribe" || token != h.verifyToken {
		writeError(w, http.StatusForbidden, "forbidden", "verify token mismatch")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"hub.challenge": challenge})
}

func (h *Handler) webhookEvent(w http.ResponseWriter, r *http.Request) {
	var event strava.WebhookEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		h.logger.Printf("webhook: decode event: %v", err)
	} else {
		h.engine.HandleEvent(r.Context(), event)
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *Handler) connect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeRidesSync) {
		writeError(w, http.StatusForbidden, "forbidden", "scope rides:sync required")
		return
	}

	scheme := "https"
	if r.TLS == nil {
		scheme = "http"
	}
	redirectURI := fmt.Sprintf("%s://%s/v1/strava/callback", scheme, r.Host)

	// The user id rides along as the state string and comes back on the
	// callback, which carries no portal token.
	authURL := h.oauth.AuthorizationURL(redirectURI, claims.Subject)
	writeJSON(w, http.StatusOK, map[string]string{"url": authURL})
}

func (h *Handler) callback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	query := r.URL.Query()
	if query.Get("error") != "" {
		h.redirectDashboard(w, r, "strava_error", "access_denied")
		return
	}

	code := query.Get("code")
	state := query.Get("state")
	if code == "" || state == "" {
		h.redirectDashboard(w, r, "strava_error", "missing_params")
		return
	}

	grant, err := h.oauth.ExchangeCode(r.Context(), code)
	if err != nil {
		h.logger.Printf("callback: exchange code: %v", err)
		h.redirectDashboard(w, r, "strava_error", "connection_failed")
		return
	}

	creds := domain.Credentials{
		AthleteID:    grant.AthleteID,
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		ExpiresAt:    grant.ExpiresAt,
		ConnectedAt:  time.Now().UTC(),
	}
	if err := h.tokens.SaveCredentials(r.Context(), state, creds); err != nil {
		h.logger.Printf("callback: persist credentials: %v", err)
		h.redirectDashboard(w, r, "strava_error", "connection_failed")
		return
	}

	h.redirectDashboard(w, r, "strava_connected", "true")
}

func (h *Handler) redirectDashboard(w http.ResponseWriter, r *http.Request, key, value string) {
	target := fmt.Sprintf("%s?%s=%s", h.dashboard, key, url.QueryEscape(value))
	http.Redirect(w, r, target, http.StatusFound)
}

// disconnect clears the stored credentials. Activities are preserved so
// the member's ride history survives.
func (h *Handler) disconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeRidesSync) {
		writeError(w, http.StatusForbidden, "forbidden", "scope rides:sync required")
		return
	}

	if err := h.tokens.ClearCredentials(r.Context(), claims.Subject); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeRidesRead) && !claims.HasScope(auth.ScopeRidesSync) {
		writeError(w, http.StatusForbidden, "forbidden", "scope rides:read required")
		return
	}

	creds, err := h.tokens.GetCredentials(r.Context(), claims.Subject)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	if !creds.Connected() {
		writeError(w, http.StatusBadRequest, "strava_not_connected", "connect Strava to see ride stats")
		return
	}

	activities, err := h.activities.ListByUser(r.Context(), claims.Subject)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, buildStats(activities))
}

// StatsResponse carries aggregate ride stats with imperial display units.
type StatsResponse struct {
	TotalRides             int              `json:"total_rides"`
	TotalDistanceMiles     string           `json:"total_distance_miles"`
	TotalElevationFeet     string           `json:"total_elevation_feet"`
	TotalMovingTimeSeconds int64            `json:"total_moving_time_seconds"`
	TotalMovingTimeDisplay string           `json:"total_moving_time_display"`
	WednesdayRides         int              `json:"wednesday_rides"`
	LongestRide            *LongestRideView `json:"longest_ride"`
	RecentActivities       []ActivityView   `json:"recent_activities"`
}

// LongestRideView summarizes the user's longest stored ride.
type LongestRideView struct {
	Name          string    `json:"name"`
	DistanceMiles string    `json:"distance_miles"`
	Date          time.Time `json:"date"`
}

// ActivityView exposes one activity with converted units.
type ActivityView struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	DistanceMiles   string    `json:"distance_miles"`
	ElevationFeet   string    `json:"elevation_feet"`
	MovingTime      int       `json:"moving_time"`
	StartDate       time.Time `json:"start_date"`
	IsWednesdayRide bool      `json:"is_wednesday_ride"`
	AverageSpeedMph *string   `json:"average_speed_mph"`
}

const recentActivityLimit = 10

func buildStats(activities []domain.Activity) StatsResponse {
	summary := domain.Summarize(activities)

	resp := StatsResponse{
		TotalRides:             summary.TotalRides,
		TotalDistanceMiles:     fmt.Sprintf("%.1f", domain.MetersToMiles(summary.TotalDistanceMeters)),
		TotalElevationFeet:     fmt.Sprintf("%.0f", domain.MetersToFeet(summary.TotalElevationMeters)),
		TotalMovingTimeSeconds: summary.TotalMovingTimeSeconds,
		TotalMovingTimeDisplay: domain.FormatDuration(summary.TotalMovingTimeSeconds),
		WednesdayRides:         summary.WednesdayRides,
		RecentActivities:       make([]ActivityView, 0, recentActivityLimit),
	}

	if summary.LongestRide != nil {
		resp.LongestRide = &LongestRideView{
			Name:          summary.LongestRide.Name,
			DistanceMiles: fmt.Sprintf("%.2f", domain.MetersToMiles(summary.LongestRide.Distance)),
			Date:          summary.LongestRide.StartDate,
		}
	}

	for i, a := range activities {
		if i >= recentActivityLimit {
			break
		}
		view := ActivityView{
			ID:              a.ID,
			Name:            a.Name,
			DistanceMiles:   fmt.Sprintf("%.2f", domain.MetersToMiles(a.Distance)),
			ElevationFeet:   fmt.Sprintf("%.0f", domain.MetersToFeet(a.TotalElevationGain)),
			MovingTime:      a.MovingTime,
			StartDate:       a.StartDate,
			IsWednesdayRide: a.IsWednesdayRide,
		}
		if a.AverageSpeed != nil {
			mph := fmt.Sprintf("%.1f", domain.MpsToMph(*a.AverageSpeed))
			view.AverageSpeedMph = &mph
		}
		resp.RecentActivities = append(resp.RecentActivities, view)
	}

	return resp
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
