package services

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/halcyonfm/aria/internal/shared"
)

// CatalogResponse represents a raw upstream response with status and body.
// The proxy layer relays it verbatim.
type CatalogResponse struct {
	StatusCode int
	Body       []byte
}

// Catalog defines the interface for provider catalog clients consumed by the
// proxy layer. The storefront parameter is ignored by providers that do not
// partition their catalog regionally.
type Catalog interface {
	// Get performs an app-credentialed catalog read.
	Get(ctx context.Context, storefront, endpoint string, query url.Values) (*CatalogResponse, error)

	// Name returns the name of the provider (e.g., "Spotify", "Apple Music")
	Name() string
}

// doGet performs an authenticated GET against fullURL with the given bearer
// credential. Non-2xx responses are returned as [shared.UpstreamError] so
// callers can distinguish credential rejection from transport failure.
func doGet(ctx context.Context, client *http.Client, fullURL, bearer string) (*CatalogResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &shared.UpstreamError{StatusCode: resp.StatusCode, Body: body}
	}

	return &CatalogResponse{StatusCode: resp.StatusCode, Body: body}, nil
}

// buildURL joins a base URL, endpoint path, and passthrough query parameters.
func buildURL(base, endpoint string, query url.Values) string {
	full := base + "/" + endpoint
	if len(query) > 0 {
		full += "?" + query.Encode()
	}
	return full
}
