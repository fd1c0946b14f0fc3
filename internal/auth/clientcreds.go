package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/halcyonfm/aria/internal/shared"
)

// tokenExpirySafetyMargin is subtracted from the provider-reported expiry so
// a token is never presented within a hair of its true expiry.
const tokenExpirySafetyMargin = 5 * time.Second

// tokenResponse models exactly the fields of the provider token endpoint
// response that this package touches.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
}

// cachedToken is a bearer token with its local expiry deadline.
type cachedToken struct {
	value     string
	expiresAt time.Time
}

// TokenManager acquires and caches a bearer token via the OAuth2
// client-credentials grant. Each instance owns one credential pair and one
// cached token; independent instances behave independently.
//
// Concurrent refreshes for the same instance are coalesced through a
// singleflight group, so contending callers share a single grant instead of
// each issuing their own.
type TokenManager struct {
	clientID     string
	clientSecret string
	tokenURL     string
	httpClient   *http.Client

	now func() time.Time

	mu     sync.Mutex
	cached *cachedToken
	group  singleflight.Group
}

// NewTokenManager creates a [TokenManager] for the given credential pair.
// Fails fast when the client id or secret is empty so a misconfigured
// deployment surfaces before any network call.
func NewTokenManager(clientID, clientSecret, tokenURL string, client *http.Client) (*TokenManager, error) {
	if clientID == "" {
		return nil, fmt.Errorf("%w: client id is empty", shared.ErrMissingCredentials)
	}
	if clientSecret == "" {
		return nil, fmt.Errorf("%w: client secret is empty", shared.ErrMissingCredentials)
	}
	if client == nil {
		client = http.DefaultClient
	}

	return &TokenManager{
		clientID:     clientID,
		clientSecret: clientSecret,
		tokenURL:     tokenURL,
		httpClient:   client,
		now:          time.Now,
	}, nil
}

// Token returns the cached bearer token when it is still inside its validity
// window, otherwise performs a client-credentials grant and caches the result.
func (m *TokenManager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.cached != nil && m.now().Before(m.cached.expiresAt) {
		token := m.cached.value
		m.mu.Unlock()
		return token, nil
	}
	m.mu.Unlock()

	value, err, _ := m.group.Do("token", func() (any, error) {
		// Re-check under the flight: a concurrent caller may have already
		// refreshed while this one waited.
		m.mu.Lock()
		if m.cached != nil && m.now().Before(m.cached.expiresAt) {
			token := m.cached.value
			m.mu.Unlock()
			return token, nil
		}
		m.mu.Unlock()

		token, err := m.grant(ctx)
		if err != nil {
			return "", err
		}

		m.mu.Lock()
		m.cached = token
		m.mu.Unlock()

		return token.value, nil
	})
	if err != nil {
		return "", err
	}

	return value.(string), nil
}

// Invalidate clears the cached token unconditionally; the next [TokenManager.Token]
// call forces a fresh grant.
func (m *TokenManager) Invalidate() {
	m.mu.Lock()
	m.cached = nil
	m.mu.Unlock()
}

// MakeRequest obtains a token and invokes fn with it. When fn fails because
// the upstream rejected the credential (401), the cached token is invalidated
// and fn is retried with a fresh token exactly once. Any other failure, or a
// second failure after the retry, propagates unchanged.
func (m *TokenManager) MakeRequest(ctx context.Context, fn func(ctx context.Context, token string) error) error {
	token, err := m.Token(ctx)
	if err != nil {
		return err
	}

	err = fn(ctx, token)
	if !isUnauthorized(err) {
		return err
	}

	m.Invalidate()

	token, err = m.Token(ctx)
	if err != nil {
		return err
	}

	return fn(ctx, token)
}

// grant performs the client-credentials grant against the token endpoint.
func (m *TokenManager) grant(ctx context.Context) (*cachedToken, error) {
	form := url.Values{"grant_type": {"client_credentials"}}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}

	basic := base64.StdEncoding.EncodeToString([]byte(m.clientID + ":" + m.clientSecret))
	req.Header.Set("Authorization", "Basic "+basic)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: token endpoint unreachable: %v", shared.ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: token endpoint returned %d", shared.ErrAuthFailed, resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("%w: malformed token response: %v", shared.ErrAuthFailed, err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("%w: token response missing access_token", shared.ErrAuthFailed)
	}

	expiresIn := time.Duration(tr.ExpiresIn)*time.Second - tokenExpirySafetyMargin

	return &cachedToken{
		value:     tr.AccessToken,
		expiresAt: m.now().Add(expiresIn),
	}, nil
}

// isUnauthorized reports whether err represents an upstream 401.
func isUnauthorized(err error) bool {
	var upstream *shared.UpstreamError
	return errors.As(err, &upstream) && upstream.IsUnauthorized()
}
