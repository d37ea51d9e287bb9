package store

import (
	"time"

	"github.com/aloks98/agentauth/permission"
)

// APIKey represents a stored API key.
type APIKey struct {
	// ID is the unique identifier for management.
	ID string `json:"id"`

	// KeyHash is the salted keyed hash of the full key.
	// The raw key is never stored.
	KeyHash string `json:"key_hash"`

	// Prefix is the visible prefix (e.g., "ak").
	Prefix string `json:"prefix"`

	// Hint is the last few characters of the key for identification.
	Hint string `json:"hint"`

	// ClientID identifies the client this key belongs to.
	ClientID string `json:"client_id"`

	// ClientName is a human-readable name for the key.
	ClientName string `json:"client_name,omitempty"`

	// Permissions granted directly to the key.
	Permissions []string `json:"permissions,omitempty"`

	// Roles granted to the key.
	Roles []string `json:"roles,omitempty"`

	CreatedAt time.Time `json:"created_at"`

	// ExpiresAt is when the key expires (nil = never).
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	UsageCount int64      `json:"usage_count"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`

	// IsActive is false once the key has been revoked.
	IsActive  bool       `json:"is_active"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// IsExpired returns true if the key has expired.
func (k *APIKey) IsExpired() bool {
	if k.ExpiresAt == nil {
		return false
	}
	return time.Now().After(*k.ExpiresAt)
}

// IsValid returns true if the key is active and not expired.
func (k *APIKey) IsValid() bool {
	return k.IsActive && !k.IsExpired()
}

// BearerToken represents a stored opaque access token.
type BearerToken struct {
	// TokenHash is the SHA256 hash of the token value.
	TokenHash string `json:"token_hash"`

	Prefix      string   `json:"prefix,omitempty"`
	ClientID    string   `json:"client_id"`
	Permissions []string `json:"permissions,omitempty"`
	Scope       string   `json:"scope,omitempty"`

	CreatedAt time.Time `json:"created_at"`

	// ExpiresAt is when the token expires (nil = never).
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	UsageCount int64      `json:"usage_count"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`

	// RefreshTokenHash links the token to the refresh token that minted it.
	RefreshTokenHash string `json:"refresh_token_hash,omitempty"`
}

// IsExpired returns true if the token has expired.
func (t *BearerToken) IsExpired() bool {
	if t.ExpiresAt == nil {
		return false
	}
	return time.Now().After(*t.ExpiresAt)
}

// TokenTypeRefresh marks refresh token records.
const TokenTypeRefresh = "refresh"

// BearerRefreshToken represents a stored OAuth2 refresh token.
type BearerRefreshToken struct {
	TokenHash string `json:"token_hash"`

	// Type is always TokenTypeRefresh.
	Type string `json:"type"`

	ClientID    string    `json:"client_id"`
	Permissions []string  `json:"permissions,omitempty"`
	Scope       string    `json:"scope,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`

	// MintedAccessTokens holds the hashes of every access token issued
	// from this refresh token.
	MintedAccessTokens []string `json:"minted_access_tokens,omitempty"`
}

// IsExpired returns true if the refresh token has expired.
func (t *BearerRefreshToken) IsExpired() bool {
	return time.Now().After(t.ExpiresAt)
}

// HMACClient represents a registered request-signing client.
type HMACClient struct {
	ClientID  string    `json:"client_id"`
	Secret    string    `json:"secret"`
	Roles     []string  `json:"roles,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// RefreshToken represents a tracked JWT refresh session.
type RefreshToken struct {
	// ID is the unique identifier (JTI) for the token.
	ID string `json:"id"`

	// UserID is the user this token belongs to.
	UserID string `json:"user_id"`

	// SessionID groups the access and refresh tokens of one login.
	SessionID string `json:"session_id,omitempty"`

	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IsExpired returns true if the token has expired.
func (t *RefreshToken) IsExpired() bool {
	return time.Now().After(t.ExpiresAt)
}

// BlacklistEntry represents a blacklisted access token or a user-wide
// revocation cutoff.
type BlacklistEntry struct {
	// JTI is the token identifier, or "user:<id>" for a cutoff.
	JTI string `json:"jti"`

	// ExpiresAt is when this entry can be removed.
	// Should match the original token's expiration.
	ExpiresAt int64 `json:"expires_at"`

	// RevokedBefore is set on cutoff entries: tokens issued at or before
	// this unix time are rejected.
	RevokedBefore int64 `json:"revoked_before,omitempty"`

	// RevokedBeforeNano is RevokedBefore in unix nanoseconds.
	RevokedBeforeNano int64 `json:"revoked_before_ns,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// IsExpired returns true if the entry can be removed.
func (e *BlacklistEntry) IsExpired() bool {
	return time.Now().Unix() > e.ExpiresAt
}

// Role represents a stored role definition.
type Role struct {
	Name        string                  `json:"name" yaml:"name"`
	Description string                  `json:"description,omitempty" yaml:"description,omitempty"`
	Permissions []permission.Permission `json:"permissions" yaml:"permissions"`

	// Parents are role names this role inherits permissions from.
	Parents []string `json:"parents,omitempty" yaml:"parents,omitempty"`

	Metadata  map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at" yaml:"-"`
	UpdatedAt time.Time         `json:"updated_at" yaml:"-"`
}

// RoleAssignment maps a user to role names.
type RoleAssignment struct {
	UserID    string    `json:"user_id"`
	Roles     []string  `json:"roles"`
	UpdatedAt time.Time `json:"updated_at"`
}
