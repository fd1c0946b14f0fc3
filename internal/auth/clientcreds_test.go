package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/halcyonfm/aria/internal/shared"
)

// fakeClock is a mutable clock for driving token expiry in tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// newTokenEndpoint returns a mock token endpoint that counts grants and
// issues a distinct token per grant.
func newTokenEndpoint(t *testing.T, calls *int, mu *sync.Mutex) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if user, pass, ok := r.BasicAuth(); !ok || user != "test_client_id" || pass != "test_client_secret" {
			t.Errorf("expected basic auth with app credentials, got %q/%q", user, pass)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("failed to parse form: %v", err)
		}
		if grant := r.PostForm.Get("grant_type"); grant != "client_credentials" {
			t.Errorf("expected grant_type=client_credentials, got %q", grant)
		}

		mu.Lock()
		*calls++
		n := *calls
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": fmt.Sprintf("token_%d", n),
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
}

func TestTokenManager(t *testing.T) {
	t.Run("NewTokenManager", func(t *testing.T) {
		t.Run("Missing Client ID", func(t *testing.T) {
			_, err := NewTokenManager("", "secret", "http://localhost", nil)
			if !errors.Is(err, shared.ErrMissingCredentials) {
				t.Errorf("expected ErrMissingCredentials, got %v", err)
			}
		})

		t.Run("Missing Client Secret", func(t *testing.T) {
			_, err := NewTokenManager("id", "", "http://localhost", nil)
			if !errors.Is(err, shared.ErrMissingCredentials) {
				t.Errorf("expected ErrMissingCredentials, got %v", err)
			}
		})
	})

	t.Run("Token", func(t *testing.T) {
		t.Run("Caches Within Validity Window", func(t *testing.T) {
			var calls int
			var mu sync.Mutex
			endpoint := newTokenEndpoint(t, &calls, &mu)
			defer endpoint.Close()

			clock := newFakeClock()
			m, err := NewTokenManager("test_client_id", "test_client_secret", endpoint.URL, nil)
			if err != nil {
				t.Fatalf("failed to create manager: %v", err)
			}
			m.now = clock.Now

			first, err := m.Token(context.Background())
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}

			second, err := m.Token(context.Background())
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}

			if first != second {
				t.Errorf("expected identical cached token, got %q and %q", first, second)
			}
			if calls != 1 {
				t.Errorf("expected exactly 1 grant, got %d", calls)
			}
		})

		t.Run("Expiry Triggers Refresh", func(t *testing.T) {
			var calls int
			var mu sync.Mutex
			endpoint := newTokenEndpoint(t, &calls, &mu)
			defer endpoint.Close()

			clock := newFakeClock()
			m, err := NewTokenManager("test_client_id", "test_client_secret", endpoint.URL, nil)
			if err != nil {
				t.Fatalf("failed to create manager: %v", err)
			}
			m.now = clock.Now

			first, err := m.Token(context.Background())
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}

			clock.Advance(time.Hour)

			second, err := m.Token(context.Background())
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}

			if first == second {
				t.Error("expected a new token after expiry")
			}
			if calls != 2 {
				t.Errorf("expected exactly 2 grants, got %d", calls)
			}
		})

		t.Run("Safety Margin Expires Token Early", func(t *testing.T) {
			var calls int
			var mu sync.Mutex
			endpoint := newTokenEndpoint(t, &calls, &mu)
			defer endpoint.Close()

			clock := newFakeClock()
			m, err := NewTokenManager("test_client_id", "test_client_secret", endpoint.URL, nil)
			if err != nil {
				t.Fatalf("failed to create manager: %v", err)
			}
			m.now = clock.Now

			if _, err := m.Token(context.Background()); err != nil {
				t.Fatalf("expected no error, got %v", err)
			}

			// 3600s expiry minus the 5s margin: 3596s is already past.
			clock.Advance(3596 * time.Second)

			if _, err := m.Token(context.Background()); err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if calls != 2 {
				t.Errorf("expected refresh inside safety margin, got %d grants", calls)
			}
		})

		t.Run("Concurrent Callers Share One Grant", func(t *testing.T) {
			var calls int
			var mu sync.Mutex
			endpoint := newTokenEndpoint(t, &calls, &mu)
			defer endpoint.Close()

			m, err := NewTokenManager("test_client_id", "test_client_secret", endpoint.URL, nil)
			if err != nil {
				t.Fatalf("failed to create manager: %v", err)
			}

			var wg sync.WaitGroup
			tokens := make([]string, 10)
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					token, err := m.Token(context.Background())
					if err != nil {
						t.Errorf("expected no error, got %v", err)
					}
					tokens[i] = token
				}(i)
			}
			wg.Wait()

			if calls != 1 {
				t.Errorf("expected coalesced single grant, got %d", calls)
			}
			for _, token := range tokens {
				if token != tokens[0] {
					t.Errorf("expected all callers to share one token, got %q and %q", tokens[0], token)
				}
			}
		})

		t.Run("Grant Failure Is Not Cached", func(t *testing.T) {
			var calls int
			var mu sync.Mutex
			endpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				mu.Lock()
				calls++
				mu.Unlock()
				w.WriteHeader(http.StatusBadRequest)
			}))
			defer endpoint.Close()

			m, err := NewTokenManager("test_client_id", "test_client_secret", endpoint.URL, nil)
			if err != nil {
				t.Fatalf("failed to create manager: %v", err)
			}

			if _, err := m.Token(context.Background()); !errors.Is(err, shared.ErrAuthFailed) {
				t.Errorf("expected ErrAuthFailed, got %v", err)
			}
			if _, err := m.Token(context.Background()); !errors.Is(err, shared.ErrAuthFailed) {
				t.Errorf("expected ErrAuthFailed, got %v", err)
			}
			if calls != 2 {
				t.Errorf("expected a network call per attempt after failure, got %d", calls)
			}
		})

		t.Run("Missing Access Token In Response", func(t *testing.T) {
			endpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.Write([]byte(`{"expires_in": 3600}`))
			}))
			defer endpoint.Close()

			m, err := NewTokenManager("test_client_id", "test_client_secret", endpoint.URL, nil)
			if err != nil {
				t.Fatalf("failed to create manager: %v", err)
			}

			if _, err := m.Token(context.Background()); !errors.Is(err, shared.ErrAuthFailed) {
				t.Errorf("expected ErrAuthFailed, got %v", err)
			}
		})

		t.Run("Unreachable Endpoint", func(t *testing.T) {
			endpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
			endpoint.Close()

			m, err := NewTokenManager("test_client_id", "test_client_secret", endpoint.URL, nil)
			if err != nil {
				t.Fatalf("failed to create manager: %v", err)
			}

			if _, err := m.Token(context.Background()); !errors.Is(err, shared.ErrServiceUnavailable) {
				t.Errorf("expected ErrServiceUnavailable, got %v", err)
			}
		})
	})

	t.Run("Invalidate", func(t *testing.T) {
		var calls int
		var mu sync.Mutex
		endpoint := newTokenEndpoint(t, &calls, &mu)
		defer endpoint.Close()

		m, err := NewTokenManager("test_client_id", "test_client_secret", endpoint.URL, nil)
		if err != nil {
			t.Fatalf("failed to create manager: %v", err)
		}

		first, err := m.Token(context.Background())
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}

		m.Invalidate()

		second, err := m.Token(context.Background())
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}

		if first == second {
			t.Error("expected a fresh token after invalidation")
		}
		if calls != 2 {
			t.Errorf("expected 2 grants, got %d", calls)
		}
	})

	t.Run("MakeRequest", func(t *testing.T) {
		t.Run("Retries Once After 401", func(t *testing.T) {
			var calls int
			var mu sync.Mutex
			endpoint := newTokenEndpoint(t, &calls, &mu)
			defer endpoint.Close()

			m, err := NewTokenManager("test_client_id", "test_client_secret", endpoint.URL, nil)
			if err != nil {
				t.Fatalf("failed to create manager: %v", err)
			}

			var attempts int
			var seen []string
			err = m.MakeRequest(context.Background(), func(ctx context.Context, token string) error {
				attempts++
				seen = append(seen, token)
				if attempts == 1 {
					return &shared.UpstreamError{StatusCode: 401}
				}
				return nil
			})
			if err != nil {
				t.Fatalf("expected retry to succeed, got %v", err)
			}

			if attempts != 2 {
				t.Errorf("expected exactly 2 attempts, got %d", attempts)
			}
			if calls != 2 {
				t.Errorf("expected invalidate+refresh to grant a new token, got %d grants", calls)
			}
			if seen[0] == seen[1] {
				t.Error("expected a fresh token on retry")
			}
		})

		t.Run("Second 401 Propagates", func(t *testing.T) {
			var calls int
			var mu sync.Mutex
			endpoint := newTokenEndpoint(t, &calls, &mu)
			defer endpoint.Close()

			m, err := NewTokenManager("test_client_id", "test_client_secret", endpoint.URL, nil)
			if err != nil {
				t.Fatalf("failed to create manager: %v", err)
			}

			var attempts int
			err = m.MakeRequest(context.Background(), func(ctx context.Context, token string) error {
				attempts++
				return &shared.UpstreamError{StatusCode: 401}
			})

			var upstream *shared.UpstreamError
			if !errors.As(err, &upstream) || upstream.StatusCode != 401 {
				t.Errorf("expected the 401 to propagate unchanged, got %v", err)
			}
			if attempts != 2 {
				t.Errorf("expected retry bound of 1, got %d attempts", attempts)
			}
		})

		t.Run("Other Errors Do Not Retry", func(t *testing.T) {
			var calls int
			var mu sync.Mutex
			endpoint := newTokenEndpoint(t, &calls, &mu)
			defer endpoint.Close()

			m, err := NewTokenManager("test_client_id", "test_client_secret", endpoint.URL, nil)
			if err != nil {
				t.Fatalf("failed to create manager: %v", err)
			}

			var attempts int
			requestErr := &shared.UpstreamError{StatusCode: 503}
			err = m.MakeRequest(context.Background(), func(ctx context.Context, token string) error {
				attempts++
				return requestErr
			})

			if !errors.Is(err, requestErr) {
				t.Errorf("expected error to propagate unchanged, got %v", err)
			}
			if attempts != 1 {
				t.Errorf("expected no retry on non-401, got %d attempts", attempts)
			}
			if calls != 1 {
				t.Errorf("expected no re-grant on non-401, got %d grants", calls)
			}
		})
	})
}
