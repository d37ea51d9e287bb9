// Package bearer provides opaque bearer tokens and an OAuth2-style
// access/refresh token pair flow with introspection.
//
// Tokens are random values stored under their hash. An expired token is
// reported as absent by VerifyToken so callers cannot tell it apart from a
// token that never existed.
package bearer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aloks98/agentauth/identity"
	"github.com/aloks98/agentauth/internal/crypto"
	"github.com/aloks98/agentauth/internal/hash"
	"github.com/aloks98/agentauth/store"
)

// Errors returned by the bearer token service.
var (
	// ErrClientIDRequired indicates a token was requested without a client.
	ErrClientIDRequired = errors.New("client id is required")

	// ErrRefreshTokenInvalid indicates the refresh token is unknown or not a refresh token.
	ErrRefreshTokenInvalid = errors.New("refresh token is invalid")

	// ErrRefreshTokenExpired indicates the refresh token has expired.
	ErrRefreshTokenExpired = errors.New("refresh token has expired")
)

// Default values.
const (
	DefaultTokenLength     = 32
	DefaultAccessTokenTTL  = time.Hour
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour
	DefaultRefreshPrefix   = "rt"
)

// Config holds configuration for the bearer token service.
type Config struct {
	// Prefix is prepended to generated access tokens (optional).
	Prefix string

	// RefreshPrefix is prepended to generated refresh tokens.
	RefreshPrefix string

	// TokenLength is the number of random bytes per token.
	TokenLength int

	// DefaultTTL applies to GenerateToken when no TTL is given.
	// Zero means tokens never expire.
	DefaultTTL time.Duration

	// AccessTokenTTL is the access token lifetime in a token pair.
	AccessTokenTTL time.Duration

	// RefreshTokenTTL is the refresh token lifetime in a token pair.
	RefreshTokenTTL time.Duration

	// Salt keys the token hash. When empty, plain SHA-256 is used.
	Salt []byte

	// Logger receives debug output.
	Logger *slog.Logger
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		RefreshPrefix:   DefaultRefreshPrefix,
		TokenLength:     DefaultTokenLength,
		AccessTokenTTL:  DefaultAccessTokenTTL,
		RefreshTokenTTL: DefaultRefreshTokenTTL,
	}
}

// Service handles bearer token issuance and verification.
type Service struct {
	config *Config
	store  store.Store
	logger *slog.Logger
}

// NewService creates a new bearer token service.
func NewService(cfg *Config, s store.Store) *Service {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.TokenLength < DefaultTokenLength {
		cfg.TokenLength = DefaultTokenLength
	}
	if cfg.AccessTokenTTL <= 0 {
		cfg.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if cfg.RefreshTokenTTL <= 0 {
		cfg.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if cfg.RefreshPrefix == "" {
		cfg.RefreshPrefix = DefaultRefreshPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{config: cfg, store: s, logger: logger}
}

// GenerateOptions holds options for GenerateToken.
type GenerateOptions struct {
	// TTL is the token lifetime. Zero uses Config.DefaultTTL.
	TTL time.Duration

	// Prefix overrides Config.Prefix for this token.
	Prefix string

	// Scope is an OAuth2-style space-separated scope string.
	Scope string
}

// HashToken returns the storage hash for a raw token.
func (s *Service) HashToken(token string) string {
	if len(s.config.Salt) == 0 {
		return hash.SHA256(token)
	}
	return hash.Keyed(s.config.Salt, token)
}

// GenerateToken issues a new opaque access token for a client.
func (s *Service) GenerateToken(ctx context.Context, clientID string, permissions []string, opts *GenerateOptions) (string, error) {
	if opts == nil {
		opts = &GenerateOptions{}
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = s.config.DefaultTTL
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = s.config.Prefix
	}
	raw, _, err := s.issueAccess(ctx, clientID, permissions, opts.Scope, prefix, ttl, "")
	return raw, err
}

// issueAccess creates and stores an access token record. A ttl of zero
// means the token never expires.
func (s *Service) issueAccess(ctx context.Context, clientID string, permissions []string, scope, prefix string, ttl time.Duration, refreshHash string) (string, *store.BearerToken, error) {
	if clientID == "" {
		return "", nil, ErrClientIDRequired
	}
	raw, err := crypto.NewToken(prefix, s.config.TokenLength)
	if err != nil {
		return "", nil, err
	}

	now := time.Now()
	rec := &store.BearerToken{
		TokenHash:        s.HashToken(raw),
		Prefix:           prefix,
		ClientID:         clientID,
		Permissions:      permissions,
		Scope:            scope,
		CreatedAt:        now,
		RefreshTokenHash: refreshHash,
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		rec.ExpiresAt = &exp
	}

	if err := store.PutJSON(ctx, s.store, store.TableBearerTokens, rec.TokenHash, rec); err != nil {
		return "", nil, fmt.Errorf("failed to save bearer token: %w", err)
	}
	return raw, rec, nil
}

// VerifyToken validates a token and records its use. It returns the owning
// client ID and true on success. Unknown and expired tokens both yield
// "", false, nil.
func (s *Service) VerifyToken(ctx context.Context, token string) (string, bool, error) {
	rec, err := s.use(ctx, token)
	if err != nil || rec == nil {
		return "", false, err
	}
	return rec.ClientID, true, nil
}

// Authenticate validates a token and returns the client's user context.
// Returns nil, nil for unknown or expired tokens.
func (s *Service) Authenticate(ctx context.Context, token string) (*identity.UserContext, error) {
	rec, err := s.use(ctx, token)
	if err != nil || rec == nil {
		return nil, err
	}
	uc := &identity.UserContext{
		UserID:      rec.ClientID,
		Username:    rec.ClientID,
		Permissions: rec.Permissions,
		AuthMethod:  identity.AuthMethodBearer,
		Attributes: map[string]any{
			"usage_count": rec.UsageCount,
		},
	}
	if rec.Scope != "" {
		uc.Attributes["scope"] = rec.Scope
	}
	if rec.RefreshTokenHash != "" {
		uc.AuthMethod = identity.AuthMethodOAuth2
	}
	if rec.ExpiresAt != nil {
		uc.ExpiresAt = *rec.ExpiresAt
	}
	return uc, nil
}

// use looks up a live token and increments its usage atomically.
func (s *Service) use(ctx context.Context, token string) (*store.BearerToken, error) {
	if token == "" {
		return nil, nil
	}
	var live *store.BearerToken
	err := store.UpdateJSON(ctx, s.store, store.TableBearerTokens, s.HashToken(token), func(rec *store.BearerToken) (*store.BearerToken, error) {
		live = nil
		if rec == nil || rec.IsExpired() {
			return nil, store.ErrSkipWrite
		}
		now := time.Now()
		rec.UsageCount++
		rec.LastUsedAt = &now
		live = rec
		return rec, nil
	})
	if err != nil {
		return nil, err
	}
	if live == nil {
		s.logger.Debug("bearer token rejected")
	}
	return live, nil
}

// RevokeToken revokes an access or refresh token. Revoking a refresh token
// also revokes every access token it minted. Reports whether a token was
// found.
func (s *Service) RevokeToken(ctx context.Context, token string) (bool, error) {
	existed, err := s.store.Delete(ctx, store.TableBearerTokens, s.HashToken(token))
	if err != nil || existed {
		return existed, err
	}
	_, err = s.RevokeRefreshToken(ctx, token)
	if errors.Is(err, ErrRefreshTokenInvalid) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RevokeClientTokens revokes every access and refresh token held by a
// client. Each token is removed independently: the returned count is the
// number actually removed and the error joins every failure.
func (s *Service) RevokeClientTokens(ctx context.Context, clientID string) (int, error) {
	var count int
	var errs []error

	access, err := store.ListJSON[store.BearerToken](ctx, s.store, store.TableBearerTokens)
	if err != nil {
		return 0, err
	}
	for key, rec := range access {
		if rec.ClientID != clientID {
			continue
		}
		existed, err := s.store.Delete(ctx, store.TableBearerTokens, key)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if existed {
			count++
		}
	}

	refresh, err := store.ListJSON[store.BearerRefreshToken](ctx, s.store, store.TableBearerRefreshTokens)
	if err != nil {
		errs = append(errs, err)
		return count, errors.Join(errs...)
	}
	for key, rec := range refresh {
		if rec.ClientID != clientID {
			continue
		}
		existed, err := s.store.Delete(ctx, store.TableBearerRefreshTokens, key)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if existed {
			count++
		}
	}

	s.logger.Debug("client tokens revoked", "client_id", clientID, "count", count)
	return count, errors.Join(errs...)
}

// CleanupExpired removes expired access and refresh tokens.
func (s *Service) CleanupExpired(ctx context.Context) (int64, error) {
	var count int64
	var errs []error

	access, err := store.ListJSON[store.BearerToken](ctx, s.store, store.TableBearerTokens)
	if err != nil {
		return 0, err
	}
	for key, rec := range access {
		if !rec.IsExpired() {
			continue
		}
		deleted := false
		err := store.UpdateJSON(ctx, s.store, store.TableBearerTokens, key, func(cur *store.BearerToken) (*store.BearerToken, error) {
			if cur == nil || !cur.IsExpired() {
				return nil, store.ErrSkipWrite
			}
			deleted = true
			return nil, nil
		})
		if err != nil {
			errs = append(errs, err)
		} else if deleted {
			count++
		}
	}

	refresh, err := store.ListJSON[store.BearerRefreshToken](ctx, s.store, store.TableBearerRefreshTokens)
	if err != nil {
		errs = append(errs, err)
		return count, errors.Join(errs...)
	}
	for key, rec := range refresh {
		if !rec.IsExpired() {
			continue
		}
		existed, err := s.store.Delete(ctx, store.TableBearerRefreshTokens, key)
		if err != nil {
			errs = append(errs, err)
		} else if existed {
			count++
		}
	}

	return count, errors.Join(errs...)
}
