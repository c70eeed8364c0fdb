package models

import "time"

// RefreshRequest asks the platform for a new session token.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// RefreshResponse from the token refresh endpoint.
type RefreshResponse struct {
	Token        string    `json:"token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// TokenInfo stores authentication details.
type TokenInfo struct {
	Token        string    `json:"token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
	Email        string    `json:"email,omitempty"`
}

// IsExpired checks if the token has expired. A zero expiry never expires
// here; the JWT claim is checked separately.
func (t *TokenInfo) IsExpired() bool {
	return !t.ExpiresAt.IsZero() && time.Now().After(t.ExpiresAt)
}
