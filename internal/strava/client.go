// Package strava implements the subset of the Strava v3 API consumed by
// the sync pipeline: the OAuth token endpoints and the activity reads.
package strava

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const (
	defaultAPIURL   = "https://www.strava.com/api/v3"
	defaultOAuthURL = "https://www.strava.com/oauth/authorize"
	defaultTokenURL = "https://www.strava.com/oauth/token"

	// activityReadScope is requested at connect time so the webhook and
	// pull sync can read private activities too.
	activityReadScope = "read,activity:read_all"

	requestTimeout = 10 * time.Second
	maxAttempts    = 3
)

// ErrNotFound is returned when Strava reports 404 for an activity, which
// happens routinely after a user deletes one mid-sync.
var ErrNotFound = errors.New("strava: activity not found")

// APIError captures a non-2xx response from Strava.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("strava: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Activity mirrors the fields of a Strava activity the pipeline stores.
type Activity struct {
	ID                 int64     `json:"id"`
	Name               string    `json:"name"`
	Type               string    `json:"type"`
	Distance           float64   `json:"distance"`
	MovingTime         int       `json:"moving_time"`
	ElapsedTime        int       `json:"elapsed_time"`
	TotalElevationGain float64   `json:"total_elevation_gain"`
	StartDate          time.Time `json:"start_date"`
	AverageSpeed       *float64  `json:"average_speed,omitempty"`
	MaxSpeed           *float64  `json:"max_speed,omitempty"`
}

// TokenGrant is the normalized result of a code exchange or token refresh.
// AthleteID is only populated by the code exchange.
type TokenGrant struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	AthleteID    string
}

// WebhookEvent is the push notification Strava delivers on activity and
// athlete changes.
type WebhookEvent struct {
	ObjectType     string `json:"object_type"`
	ObjectID       int64  `json:"object_id"`
	AspectType     string `json:"aspect_type"`
	OwnerID        int64  `json:"owner_id"`
	SubscriptionID int64  `json:"subscription_id"`
	EventTime      int64  `json:"event_time"`
}

// Config holds the OAuth application credentials.
type Config struct {
	ClientID     string
	ClientSecret string
}

// Option configures optional behaviour for the Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client, mainly for tests.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithBaseURL points the client at an alternative API base, mainly for tests.
func WithBaseURL(apiURL, oauthURL, tokenURL string) Option {
	return func(c *Client) {
		c.apiURL = apiURL
		c.oauthURL = oauthURL
		c.tokenURL = tokenURL
	}
}

// Client is a thin Strava API client. Token freshness is the caller's
// concern; the activity reads take whatever access token they are handed.
type Client struct {
	cfg        Config
	httpClient *http.Client
	apiURL     string
	oauthURL   string
	tokenURL   string
}

// NewClient constructs a Client with a bounded request timeout.
func NewClient(cfg Config, opts ...Option) *Client {
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: requestTimeout},
		apiURL:     defaultAPIURL,
		oauthURL:   defaultOAuthURL,
		tokenURL:   defaultTokenURL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AuthorizationURL builds the provider authorization URL for the connect
// flow. The state string is opaque and round-tripped through Strava.
func (c *Client) AuthorizationURL(redirectURI, state string) string {
	params := url.Values{}
	params.Set("client_id", c.cfg.ClientID)
	params.Set("redirect_uri", redirectURI)
	params.Set("response_type", "code")
	params.Set("scope", activityReadScope)
	params.Set("state", state)
	return c.oauthURL + "?" + params.Encode()
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
	Athlete      *struct {
		ID int64 `json:"id"`
	} `json:"athlete"`
}

// ExchangeCode trades an authorization code for tokens and the athlete id.
func (c *Client) ExchangeCode(ctx context.Context, code string) (*TokenGrant, error) {
	return c.requestToken(ctx, map[string]string{
		"client_id":     c.cfg.ClientID,
		"client_secret": c.cfg.ClientSecret,
		"code":          code,
		"grant_type":    "authorization_code",
	})
}

// RefreshToken exchanges a refresh token for a new token pair. Strava
// rotates refresh tokens, so callers must persist the returned one.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*TokenGrant, error) {
	return c.requestToken(ctx, map[string]string{
		"client_id":     c.cfg.ClientID,
		"client_secret": c.cfg.ClientSecret,
		"refresh_token": refreshToken,
		"grant_type":    "refresh_token",
	})
}

func (c *Client) requestToken(ctx context.Context, form map[string]string) (*TokenGrant, error) {
	body, err := json.Marshal(form)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, newAPIError(resp)
	}

	var parsed tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("strava: decode token response: %w", err)
	}

	grant := &TokenGrant{
		AccessToken:  parsed.AccessToken,
		RefreshToken: parsed.RefreshToken,
		ExpiresAt:    time.Unix(parsed.ExpiresAt, 0).UTC(),
	}
	if parsed.Athlete != nil {
		grant.AthleteID = strconv.FormatInt(parsed.Athlete.ID, 10)
	}
	return grant, nil
}

// Activity fetches a single activity by its Strava id.
func (c *Client) Activity(ctx context.Context, accessToken string, activityID int64) (*Activity, error) {
	endpoint := fmt.Sprintf("%s/activities/%d", c.apiURL, activityID)

	resp, err := c.do(ctx, func() (*http.Request, error) {
		return c.newGet(ctx, endpoint, accessToken)
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrNotFound
	default:
		return nil, newAPIError(resp)
	}

	var activity Activity
	if err := json.NewDecoder(resp.Body).Decode(&activity); err != nil {
		return nil, fmt.Errorf("strava: decode activity: %w", err)
	}
	return &activity, nil
}

// Activities lists the athlete's activities. A zero after/before is
// omitted from the query. An empty page is a valid end-of-pagination
// result, not an error.
func (c *Client) Activities(ctx context.Context, accessToken string, after, before time.Time, page, perPage int) ([]Activity, error) {
	params := url.Values{}
	params.Set("page", strconv.Itoa(page))
	params.Set("per_page", strconv.Itoa(perPage))
	if !after.IsZero() {
		params.Set("after", strconv.FormatInt(after.Unix(), 10))
	}
	if !before.IsZero() {
		params.Set("before", strconv.FormatInt(before.Unix(), 10))
	}

	endpoint := c.apiURL + "/athlete/activities?" + params.Encode()

	resp, err := c.do(ctx, func() (*http.Request, error) {
		return c.newGet(ctx, endpoint, accessToken)
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrNotFound
	default:
		return nil, newAPIError(resp)
	}

	var activities []Activity
	if err := json.NewDecoder(resp.Body).Decode(&activities); err != nil {
		return nil, fmt.Errorf("strava: decode activities: %w", err)
	}
	return activities, nil
}

func (c *Client) newGet(ctx context.Context, endpoint, accessToken string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	return req, nil
}

// do executes the request with a small bounded retry on transport errors.
// HTTP error statuses are never retried; the body factory rebuilds the
// request per attempt so request bodies are not reused.
func (c *Client) do(ctx context.Context, build func() (*http.Request, error)) (*http.Response, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		req, err := build()
		if err != nil {
			return nil, err
		}

		resp, err := c.httpClient.Do(req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * 250 * time.Millisecond):
		}
	}
	return nil, fmt.Errorf("strava: request failed after %d attempts: %w", maxAttempts, lastErr)
}

func newAPIError(resp *http.Response) error {
	buf := make([]byte, 512)
	n, _ := resp.Body.Read(buf)
	return &APIError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(buf[:n]))}
}
