package server

import (
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/oauth2"

	"github.com/halcyonfm/aria/internal/models"
	"github.com/halcyonfm/aria/internal/repositories"
	"github.com/halcyonfm/aria/internal/shared"
)

const stateCookieName = "aria_oauth_state"

// AuthHandler runs the Spotify authorization-code flow for browser users and
// persists the resulting tokens as a session record. Implements the
// [Handler] interface for registration with a [Router].
type AuthHandler struct {
	config     *oauth2.Config
	sessions   *repositories.SessionRepository
	cookieName string
	logger     *log.Logger
}

// NewAuthHandler creates an [AuthHandler] with the given OAuth2 config and session store.
func NewAuthHandler(config *oauth2.Config, sessions *repositories.SessionRepository, cookieName string, logger *log.Logger) *AuthHandler {
	return &AuthHandler{
		config:     config,
		sessions:   sessions,
		cookieName: cookieName,
		logger:     logger,
	}
}

// Routes returns the HTTP routes this handler serves.
func (h *AuthHandler) Routes() []string {
	return []string{"/auth/login", "/auth/callback", "/auth/logout"}
}

func (h *AuthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/auth/login":
		h.handleLogin(w, r)
	case "/auth/callback":
		h.handleCallback(w, r)
	case "/auth/logout":
		h.handleLogout(w, r)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// handleLogin redirects the browser to the provider consent page with a
// random state token kept in a short-lived cookie for CSRF protection.
func (h *AuthHandler) handleLogin(w http.ResponseWriter, r *http.Request) {
	state := shared.GenerateID()

	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    state,
		Path:     "/auth",
		MaxAge:   600,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, h.config.AuthCodeURL(state, oauth2.AccessTypeOffline), http.StatusFound)
}

// handleCallback validates state, exchanges the authorization code for
// tokens, and persists a session record referenced by the session cookie.
func (h *AuthHandler) handleCallback(w http.ResponseWriter, r *http.Request) {
	stateCookie, err := r.Cookie(stateCookieName)
	if err != nil || stateCookie.Value == "" || stateCookie.Value != r.URL.Query().Get("state") {
		writeError(w, http.StatusBadRequest, "invalid state parameter")
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		h.logger.Warn("authorization denied",
			"error", r.URL.Query().Get("error"),
			"description", r.URL.Query().Get("error_description"),
		)
		writeError(w, http.StatusBadRequest, "authorization failed")
		return
	}

	token, err := h.config.Exchange(r.Context(), code)
	if err != nil {
		h.logger.Error("token exchange failed", "error", err)
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}

	session := models.NewSession(0, "spotify", token.AccessToken, token.RefreshToken, token.Expiry)
	if err := h.sessions.Create(session); err != nil {
		h.logger.Error("failed to persist session", "error", err)
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}

	// State cookie is single-use.
	http.SetCookie(w, &http.Cookie{Name: stateCookieName, Path: "/auth", MaxAge: -1})

	http.SetCookie(w, &http.Cookie{
		Name:     h.cookieName,
		Value:    session.ID(),
		Path:     "/",
		Expires:  time.Now().Add(30 * 24 * time.Hour),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, "/", http.StatusFound)
}

// handleLogout revokes the caller's session record and clears the cookie.
func (h *AuthHandler) handleLogout(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(h.cookieName)
	if err == nil && cookie.Value != "" {
		if err := h.sessions.Delete(cookie.Value); err != nil {
			h.logger.Warn("failed to delete session", "error", err)
		}
	}

	http.SetCookie(w, &http.Cookie{Name: h.cookieName, Path: "/", MaxAge: -1, HttpOnly: true})

	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}
