// Apple Music catalog client
//
// Authenticates with the ES256 developer token from [auth.DeveloperToken].
// The catalog is partitioned by storefront, so every read folds the
// storefront into the upstream path.
package services

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/halcyonfm/aria/internal/auth"
)

const (
	appleBaseURL      = "https://api.music.apple.com/v1"
	defaultStorefront = "us"
)

// AppleClient performs catalog reads against the Apple Music API.
type AppleClient struct {
	baseURL    string
	httpClient *http.Client
	developer  *auth.DeveloperToken
}

// NewAppleClient creates an Apple Music catalog client backed by the given developer-token signer.
func NewAppleClient(developer *auth.DeveloperToken, client *http.Client) *AppleClient {
	if client == nil {
		client = http.DefaultClient
	}

	return &AppleClient{
		baseURL:    appleBaseURL,
		httpClient: client,
		developer:  developer,
	}
}

// SetBaseURL overrides the upstream base URL. Used in tests.
func (a *AppleClient) SetBaseURL(base string) { a.baseURL = base }

func (a *AppleClient) Name() string { return "Apple Music" }

// Get performs a catalog read scoped to the given storefront. The developer
// token authenticates the application itself, so a 401 here means a
// misconfigured signing identity and is not retried.
func (a *AppleClient) Get(ctx context.Context, storefront, endpoint string, query url.Values) (*CatalogResponse, error) {
	if storefront == "" {
		storefront = defaultStorefront
	}

	token, err := a.developer.Generate()
	if err != nil {
		return nil, fmt.Errorf("developer token: %w", err)
	}

	path := fmt.Sprintf("catalog/%s/%s", url.PathEscape(storefront), endpoint)
	return doGet(ctx, a.httpClient, buildURL(a.baseURL, path, query), token)
}
