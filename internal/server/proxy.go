package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/halcyonfm/aria/internal/auth"
	"github.com/halcyonfm/aria/internal/models"
	"github.com/halcyonfm/aria/internal/repositories"
	"github.com/halcyonfm/aria/internal/services"
	"github.com/halcyonfm/aria/internal/shared"
)

// ProxyHandler exposes the same-origin proxy surface the UI calls. It
// resolves the right credential for each route, forwards the request
// upstream, and normalizes every failure into the {"error": string}
// envelope. Upstream secrets never reach the client.
type ProxyHandler struct {
	spotify   *services.SpotifyClient
	apple     *services.AppleClient
	developer *auth.DeveloperToken
	refresher *auth.SessionRefresher
	sessions  *repositories.SessionRepository

	cookieName string
	logger     *log.Logger
}

// NewProxyHandler creates a [ProxyHandler] wired to the given credential sources.
func NewProxyHandler(
	spotify *services.SpotifyClient,
	apple *services.AppleClient,
	developer *auth.DeveloperToken,
	refresher *auth.SessionRefresher,
	sessions *repositories.SessionRepository,
	cookieName string,
	logger *log.Logger,
) *ProxyHandler {
	return &ProxyHandler{
		spotify:    spotify,
		apple:      apple,
		developer:  developer,
		refresher:  refresher,
		sessions:   sessions,
		cookieName: cookieName,
		logger:     logger,
	}
}

// Routes returns the HTTP routes this handler serves.
func (h *ProxyHandler) Routes() []string {
	return []string{
		"/proxy/token",
		"/proxy/spotify/",
		"/proxy/apple/",
		"/proxy/me/",
	}
}

// ServeHTTP dispatches to the provider-specific proxy paths.
func (h *ProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	path := r.URL.Path
	switch {
	case path == "/proxy/token":
		h.handleToken(w, r)
	case strings.HasPrefix(path, "/proxy/spotify/"):
		h.handleSpotify(w, r, strings.TrimPrefix(path, "/proxy/spotify/"))
	case strings.HasPrefix(path, "/proxy/apple/"):
		h.handleApple(w, r, strings.TrimPrefix(path, "/proxy/apple/"))
	case strings.HasPrefix(path, "/proxy/me/"):
		h.handleUser(w, r, strings.TrimPrefix(path, "/proxy/me/"))
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// handleToken returns the signed developer token for client-side use cases
// that need it directly. Only ever the app-level credential, never a user
// session token.
func (h *ProxyHandler) handleToken(w http.ResponseWriter, r *http.Request) {
	token, err := h.developer.Generate()
	if err != nil {
		h.logger.Error("developer token generation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// handleSpotify proxies an app-level catalog read using the
// client-credentials bearer.
func (h *ProxyHandler) handleSpotify(w http.ResponseWriter, r *http.Request, endpoint string) {
	resp, err := h.spotify.Get(r.Context(), "", endpoint, r.URL.Query())
	if err != nil {
		h.relayError(w, err)
		return
	}

	h.relay(w, resp)
}

// handleApple proxies an Apple Music catalog read. The storefront query
// parameter is folded into the upstream path; all other parameters pass
// through unchanged.
func (h *ProxyHandler) handleApple(w http.ResponseWriter, r *http.Request, endpoint string) {
	query := r.URL.Query()
	storefront := query.Get("storefront")
	query.Del("storefront")

	resp, err := h.apple.Get(r.Context(), storefront, endpoint, query)
	if err != nil {
		h.relayError(w, err)
		return
	}

	h.relay(w, resp)
}

// handleUser proxies a user-scoped read with the caller's session token.
// An upstream 401 triggers exactly one refresh-and-retry cycle before the
// 401 is relayed.
func (h *ProxyHandler) handleUser(w http.ResponseWriter, r *http.Request, endpoint string) {
	session := h.currentSession(r)
	if session == nil {
		writeError(w, http.StatusUnauthorized, "no credentials")
		return
	}

	query := r.URL.Query()

	resp, err := h.spotify.UserGet(r.Context(), session.AccessToken(), endpoint, query)
	if isUnauthorized(err) {
		if refreshErr := h.refresher.Refresh(r.Context(), session); refreshErr != nil {
			h.logger.Warn("session refresh failed", "session", session.ID(), "error", refreshErr)
			h.relayError(w, err)
			return
		}

		if updateErr := h.sessions.Update(session); updateErr != nil {
			h.logger.Error("failed to persist refreshed session", "session", session.ID(), "error", updateErr)
		}

		resp, err = h.spotify.UserGet(r.Context(), session.AccessToken(), endpoint, query)
	}
	if err != nil {
		h.relayError(w, err)
		return
	}

	h.relay(w, resp)
}

// currentSession resolves the caller's session from the session cookie.
// Returns nil when there is no cookie or no matching session record.
func (h *ProxyHandler) currentSession(r *http.Request) *models.Session {
	cookie, err := r.Cookie(h.cookieName)
	if err != nil || cookie.Value == "" {
		return nil
	}

	session, err := h.sessions.Get(cookie.Value)
	if err != nil {
		return nil
	}

	return session
}

// relay writes a successful upstream response through unchanged.
func (h *ProxyHandler) relay(w http.ResponseWriter, resp *services.CatalogResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}

// relayError normalizes any failure into the error envelope. Upstream
// non-2xx responses keep their status and a best-effort parsed body; network
// and credential-acquisition failures become a plain 500.
func (h *ProxyHandler) relayError(w http.ResponseWriter, err error) {
	var upstream *shared.UpstreamError
	if errors.As(err, &upstream) {
		var parsed any
		if jsonErr := json.Unmarshal(upstream.Body, &parsed); jsonErr == nil && len(upstream.Body) > 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(upstream.StatusCode)
			w.Write(upstream.Body)
			return
		}

		writeError(w, upstream.StatusCode, upstream.Error())
		return
	}

	h.logger.Error("proxy request failed", "error", err)
	writeError(w, http.StatusInternalServerError, "server error")
}

// isUnauthorized reports whether err is an upstream 401.
func isUnauthorized(err error) bool {
	var upstream *shared.UpstreamError
	return errors.As(err, &upstream) && upstream.IsUnauthorized()
}
