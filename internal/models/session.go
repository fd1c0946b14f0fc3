package models

import (
	"fmt"
	"time"
)

// Session represents an authenticated user's provider tokens. The refresh
// token is long-lived and survives access-token rotations; it is only
// replaced when the provider issues a new one.
type Session struct {
	id           string
	sequence     int
	provider     string
	accessToken  string
	refreshToken string
	expiresAt    time.Time
	createdAt    time.Time
	updatedAt    time.Time
	deletedAt    *time.Time
}

// NewSession creates a session for the given provider and token material.
func NewSession(sequence int, provider, accessToken, refreshToken string, expiresAt time.Time) *Session {
	now := time.Now()
	return &Session{
		sequence:     sequence,
		provider:     provider,
		accessToken:  accessToken,
		refreshToken: refreshToken,
		expiresAt:    expiresAt,
		createdAt:    now,
		updatedAt:    now,
	}
}

func (s *Session) ID() string            { return s.id }
func (s *Session) Sequence() int         { return s.sequence }
func (s *Session) Provider() string      { return s.provider }
func (s *Session) AccessToken() string   { return s.accessToken }
func (s *Session) RefreshToken() string  { return s.refreshToken }
func (s *Session) ExpiresAt() time.Time  { return s.expiresAt }
func (s *Session) CreatedAt() time.Time  { return s.createdAt }
func (s *Session) UpdatedAt() time.Time  { return s.updatedAt }
func (s *Session) DeletedAt() *time.Time { return s.deletedAt }

func (s *Session) SetID(id string)             { s.id = id }
func (s *Session) SetCreatedAt(t time.Time)    { s.createdAt = t }
func (s *Session) SetUpdatedAt(t time.Time)    { s.updatedAt = t }
func (s *Session) SetDeletedAt(t *time.Time)   { s.deletedAt = t }
func (s *Session) SetExpiresAt(t time.Time)    { s.expiresAt = t }
func (s *Session) SetAccessToken(token string) { s.accessToken = token }

// SetRefreshToken replaces the stored refresh token. Empty values are
// ignored: a provider that omits refresh_token in a refresh response has not
// rotated the credential.
func (s *Session) SetRefreshToken(token string) {
	if token == "" {
		return
	}
	s.refreshToken = token
}

// Expired reports whether the access token is past its expiry at the given instant.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.expiresAt)
}

// Validate checks if the session's data is valid.
func (s *Session) Validate() error {
	if s.provider == "" {
		return fmt.Errorf("session provider is required")
	}
	if s.accessToken == "" {
		return fmt.Errorf("session access token is required")
	}
	return nil
}
