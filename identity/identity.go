// Package identity defines the authenticated principal produced by every
// agentauth authority.
package identity

import (
	"context"
	"slices"
	"time"
)

// AuthMethod indicates how authentication was performed.
type AuthMethod string

const (
	AuthMethodAPIKey AuthMethod = "api_key"
	AuthMethodBearer AuthMethod = "bearer"
	AuthMethodOAuth2 AuthMethod = "oauth2"
	AuthMethodHMAC   AuthMethod = "hmac"
	AuthMethodJWT    AuthMethod = "jwt"
)

// UserContext represents an authenticated principal.
type UserContext struct {
	// UserID is the unique identifier (user ID, client ID or service ID).
	UserID string `json:"user_id"`

	// Username is a display name. Defaults to UserID.
	Username string `json:"username"`

	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`

	// AuthMethod indicates which authority produced this context.
	AuthMethod AuthMethod `json:"auth_method"`

	// SessionID links JWT access and refresh tokens of one login.
	SessionID string `json:"session_id,omitempty"`

	// Attributes carries extra claims or record metadata.
	Attributes map[string]any `json:"attributes,omitempty"`

	// ExpiresAt is when the underlying credential expires (zero = never).
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

// HasRole checks if the user has a specific role.
func (uc *UserContext) HasRole(role string) bool {
	return slices.Contains(uc.Roles, role)
}

// IsExpired checks if the underlying credential has expired.
func (uc *UserContext) IsExpired() bool {
	if uc.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().After(uc.ExpiresAt)
}

// Name returns Username, falling back to UserID.
func (uc *UserContext) Name() string {
	if uc.Username != "" {
		return uc.Username
	}
	return uc.UserID
}

type contextKey struct{}

// WithUser returns a new context with the given user attached.
func WithUser(ctx context.Context, uc *UserContext) context.Context {
	return context.WithValue(ctx, contextKey{}, uc)
}

// FromContext retrieves the user from the context.
// Returns nil if no user is present.
func FromContext(ctx context.Context) *UserContext {
	uc, _ := ctx.Value(contextKey{}).(*UserContext)
	return uc
}
