package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/halcyonfm/aria/internal/models"
	"github.com/halcyonfm/aria/internal/shared"
)

const (
	spotifyAuthURL  = "https://accounts.spotify.com/authorize"
	spotifyTokenURL = "https://accounts.spotify.com/api/token"
)

// SpotifyTokenURL returns the provider token endpoint used for both
// client-credentials and refresh-token grants.
func SpotifyTokenURL() string { return spotifyTokenURL }

// OAuthConfig builds the [oauth2.Config] for the Spotify authorization-code
// login leg.
func OAuthConfig(cfg shared.SpotifyConfig) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURI,
		Scopes: []string{
			"user-read-private",
			"user-read-email",
			"user-library-read",
			"user-top-read",
			"user-read-recently-played",
		},
		Endpoint: oauth2.Endpoint{
			AuthURL:  spotifyAuthURL,
			TokenURL: spotifyTokenURL,
		},
	}
}

// SessionRefresher exchanges a session's stored refresh token for a new
// access token once the old one expires. It is invoked opportunistically by
// the proxy layer on upstream 401s rather than by a timer.
type SessionRefresher struct {
	clientID     string
	clientSecret string
	tokenURL     string
	httpClient   *http.Client

	now func() time.Time
}

// NewSessionRefresher creates a [SessionRefresher] for the given app credential pair.
func NewSessionRefresher(clientID, clientSecret, tokenURL string, client *http.Client) (*SessionRefresher, error) {
	if clientID == "" || clientSecret == "" {
		return nil, fmt.Errorf("%w: client id or secret is empty", shared.ErrMissingCredentials)
	}
	if client == nil {
		client = http.DefaultClient
	}

	return &SessionRefresher{
		clientID:     clientID,
		clientSecret: clientSecret,
		tokenURL:     tokenURL,
		httpClient:   client,

		now: time.Now,
	}, nil
}

// Refresh performs a refresh-token grant and updates the session in place.
// The stored refresh token is only replaced when the provider issues a new
// one. On failure the session is left untouched, so the caller can decide
// whether to force a full re-login.
func (r *SessionRefresher) Refresh(ctx context.Context, session *models.Session) error {
	if session.RefreshToken() == "" {
		return fmt.Errorf("%w for session %s", shared.ErrNoRefreshToken, session.ID())
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {session.RefreshToken()},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create refresh request: %w", err)
	}

	basic := base64.StdEncoding.EncodeToString([]byte(r.clientID + ":" + r.clientSecret))
	req.Header.Set("Authorization", "Basic "+basic)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: token endpoint unreachable: %v", shared.ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read refresh response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: token endpoint returned %d", shared.ErrRefreshFailed, resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return fmt.Errorf("%w: malformed refresh response: %v", shared.ErrRefreshFailed, err)
	}
	if tr.AccessToken == "" {
		return fmt.Errorf("%w: refresh response missing access_token", shared.ErrRefreshFailed)
	}

	session.SetAccessToken(tr.AccessToken)
	session.SetExpiresAt(r.now().Add(time.Duration(tr.ExpiresIn) * time.Second))
	session.SetRefreshToken(tr.RefreshToken)

	return nil
}
