// Spotify catalog client
//
// App-level reads authenticate with a client-credentials bearer from
// [auth.TokenManager]; user-scoped reads ("my library") use the caller's
// session access token.
package services

import (
	"context"
	"net/http"
	"net/url"

	"github.com/halcyonfm/aria/internal/auth"
)

const spotifyBaseURL = "https://api.spotify.com/v1"

// SpotifyClient performs catalog reads against the Spotify Web API.
type SpotifyClient struct {
	baseURL    string
	httpClient *http.Client
	tokens     *auth.TokenManager
}

// NewSpotifyClient creates a Spotify catalog client backed by the given token manager.
func NewSpotifyClient(tokens *auth.TokenManager, client *http.Client) *SpotifyClient {
	if client == nil {
		client = http.DefaultClient
	}

	return &SpotifyClient{
		baseURL:    spotifyBaseURL,
		httpClient: client,
		tokens:     tokens,
	}
}

// SetBaseURL overrides the upstream base URL. Used in tests.
func (s *SpotifyClient) SetBaseURL(base string) { s.baseURL = base }

func (s *SpotifyClient) Name() string { return "Spotify" }

// Get performs an app-credentialed catalog read. A 401 from upstream
// invalidates the cached bearer and retries exactly once with a fresh one.
func (s *SpotifyClient) Get(ctx context.Context, _ string, endpoint string, query url.Values) (*CatalogResponse, error) {
	var result *CatalogResponse

	err := s.tokens.MakeRequest(ctx, func(ctx context.Context, token string) error {
		resp, err := doGet(ctx, s.httpClient, buildURL(s.baseURL, endpoint, query), token)
		if err != nil {
			return err
		}
		result = resp
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// UserGet performs a user-scoped read with the given session access token.
// Refresh-and-retry on 401 is the proxy layer's responsibility, so this is a
// single attempt.
func (s *SpotifyClient) UserGet(ctx context.Context, accessToken, endpoint string, query url.Values) (*CatalogResponse, error) {
	return doGet(ctx, s.httpClient, buildURL(s.baseURL, endpoint, query), accessToken)
}
