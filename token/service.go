// Package token issues and validates signed JWT claims tokens with
// server-side refresh tracking and a bounded revocation blacklist.
package token

import (
	"context"
	"crypto/rsa"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/aloks98/agentauth/identity"
	"github.com/aloks98/agentauth/internal/crypto"
	"github.com/aloks98/agentauth/store"
)

// Defaults for the token service.
const (
	DefaultIssuer          = "agentauth"
	DefaultAudience        = "agentauth"
	DefaultAccessTokenTTL  = 15 * time.Minute
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour
	DefaultMaxRefreshAge   = 7 * 24 * time.Hour
	DefaultServiceTokenTTL = time.Hour
)

// Pair represents an access/refresh token pair returned to clients.
type Pair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	ExpiresIn        int64     `json:"expires_in"`
	ExpiresAt        time.Time `json:"expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	SessionID        string    `json:"session_id"`
}

// Config holds configuration for the token service.
type Config struct {
	// Secret is the HMAC signing key (for HS* methods).
	Secret string

	// PrivateKey is the RSA private key (for RS* methods).
	PrivateKey *rsa.PrivateKey

	// PublicKey is the RSA public key (for RS* methods).
	PublicKey *rsa.PublicKey

	// SigningMethod is the JWT signing algorithm. Default is HS256.
	SigningMethod string

	// Issuer and Audience are written into every token and must match
	// exactly on validation.
	Issuer   string
	Audience string

	// AccessTokenTTL is the access token lifetime.
	AccessTokenTTL time.Duration

	// RefreshTokenTTL is the refresh token lifetime.
	RefreshTokenTTL time.Duration

	// MaxRefreshAge bounds how long after issue a refresh token may be
	// used, regardless of its own expiry.
	MaxRefreshAge time.Duration

	// ServiceTokenTTL is the default lifetime of service tokens.
	ServiceTokenTTL time.Duration

	// ClockSkew allows for clock differences between servers.
	ClockSkew time.Duration

	Logger *slog.Logger
}

// Service handles token generation, validation, and management.
type Service struct {
	config *Config
	store  store.Store
	logger *slog.Logger

	// method is the resolved JWT signing method.
	method jwt.SigningMethod
}

// NewService creates a new token service.
func NewService(cfg *Config, s store.Store) (*Service, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Issuer == "" {
		cfg.Issuer = DefaultIssuer
	}
	if cfg.Audience == "" {
		cfg.Audience = DefaultAudience
	}
	if cfg.AccessTokenTTL <= 0 {
		cfg.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if cfg.RefreshTokenTTL <= 0 {
		cfg.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if cfg.MaxRefreshAge <= 0 {
		cfg.MaxRefreshAge = DefaultMaxRefreshAge
	}
	if cfg.ServiceTokenTTL <= 0 {
		cfg.ServiceTokenTTL = DefaultServiceTokenTTL
	}

	svc := &Service{
		config: cfg,
		store:  s,
		logger: cfg.Logger,
	}
	if svc.logger == nil {
		svc.logger = slog.New(slog.DiscardHandler)
	}

	// Resolve signing method
	switch cfg.SigningMethod {
	case "HS384":
		svc.method = jwt.SigningMethodHS384
	case "HS512":
		svc.method = jwt.SigningMethodHS512
	case "RS256":
		svc.method = jwt.SigningMethodRS256
	case "RS384":
		svc.method = jwt.SigningMethodRS384
	case "RS512":
		svc.method = jwt.SigningMethodRS512
	case "HS256", "":
		svc.method = jwt.SigningMethodHS256
	default:
		return nil, fmt.Errorf("unsupported signing method %q", cfg.SigningMethod)
	}

	switch svc.method.(type) {
	case *jwt.SigningMethodRSA:
		if cfg.PrivateKey == nil {
			return nil, ErrSigningKeyRequired
		}
		if cfg.PublicKey == nil {
			cfg.PublicKey = &cfg.PrivateKey.PublicKey
		}
	default:
		if cfg.Secret == "" {
			return nil, ErrSigningKeyRequired
		}
	}

	return svc, nil
}

// SigningMethod returns the algorithm name tokens are signed with.
func (s *Service) SigningMethod() string {
	return s.method.Alg()
}

// CreateTokens issues an access token and a tracked refresh token for uc.
// Both carry the user's name, roles, permissions and session.
func (s *Service) CreateTokens(ctx context.Context, uc *identity.UserContext, custom map[string]any) (*Pair, error) {
	if uc == nil || uc.UserID == "" {
		return nil, ErrUserIDRequired
	}

	sessionID := uc.SessionID
	if sessionID == "" {
		id, err := crypto.NewID()
		if err != nil {
			return nil, err
		}
		sessionID = id
	}

	now := time.Now()
	access, err := s.newClaims(TypeAccess, uc.UserID, now, s.config.AccessTokenTTL)
	if err != nil {
		return nil, err
	}
	refresh, err := s.newClaims(TypeRefresh, uc.UserID, now, s.config.RefreshTokenTTL)
	if err != nil {
		return nil, err
	}
	for _, c := range []*Claims{access, refresh} {
		c.Username = uc.Username
		c.Roles = uc.Roles
		c.Permissions = uc.Permissions
		c.SessionID = sessionID
		c.Custom = custom
	}

	accessToken, err := s.sign(access)
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}
	refreshToken, err := s.sign(refresh)
	if err != nil {
		return nil, fmt.Errorf("failed to sign refresh token: %w", err)
	}

	record := &store.RefreshToken{
		ID:        refresh.ID,
		UserID:    uc.UserID,
		SessionID: sessionID,
		IssuedAt:  now,
		ExpiresAt: refresh.ExpiresAt.Time,
	}
	if err := store.PutJSON(ctx, s.store, store.TableJWTRefreshTokens, record.ID, record); err != nil {
		return nil, fmt.Errorf("failed to save refresh token: %w", err)
	}

	s.logger.Debug("jwt pair issued", "user_id", uc.UserID, "session_id", sessionID)

	return &Pair{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		TokenType:        "Bearer",
		ExpiresIn:        int64(s.config.AccessTokenTTL.Seconds()),
		ExpiresAt:        access.ExpiresAt.Time,
		RefreshExpiresAt: record.ExpiresAt,
		SessionID:        sessionID,
	}, nil
}

// CreateServiceToken issues a token for a non-human caller. A ttl of zero
// uses the configured ServiceTokenTTL. Service tokens are not refreshable.
func (s *Service) CreateServiceToken(ctx context.Context, serviceID string, permissions []string, ttl time.Duration) (string, error) {
	if serviceID == "" {
		return "", ErrUserIDRequired
	}
	if ttl <= 0 {
		ttl = s.config.ServiceTokenTTL
	}

	claims, err := s.newClaims(TypeService, serviceID, time.Now(), ttl)
	if err != nil {
		return "", err
	}
	claims.Username = serviceID
	claims.Permissions = permissions

	tok, err := s.sign(claims)
	if err != nil {
		return "", fmt.Errorf("failed to sign service token: %w", err)
	}
	return tok, nil
}

// validate runs the full validation pipeline: revocation checks first,
// then signature and claims.
func (s *Service) validate(ctx context.Context, tokenString string) (*Claims, error) {
	unverified, err := parseUnverified(tokenString)
	if err != nil {
		return nil, err
	}
	if err := s.checkRevoked(ctx, unverified); err != nil {
		return nil, err
	}
	return s.parse(tokenString)
}

// ValidateToken validates an access or service token and returns the
// caller's user context. Refresh tokens are rejected.
func (s *Service) ValidateToken(ctx context.Context, tokenString string) (*identity.UserContext, error) {
	claims, err := s.validate(ctx, tokenString)
	if err != nil {
		s.logger.Debug("jwt rejected", "reason", err.Error())
		return nil, err
	}
	if claims.Type == TypeRefresh {
		return nil, fmt.Errorf("%w: refresh token used as access token", ErrWrongTokenType)
	}
	return userContext(claims), nil
}

func userContext(c *Claims) *identity.UserContext {
	attrs := make(map[string]any, len(c.Custom)+2)
	maps.Copy(attrs, c.Custom)
	attrs["jti"] = c.ID
	attrs["token_type"] = c.Type

	uc := &identity.UserContext{
		UserID:      c.Subject,
		Username:    c.Username,
		Roles:       c.Roles,
		Permissions: c.Permissions,
		AuthMethod:  identity.AuthMethodJWT,
		SessionID:   c.SessionID,
		Attributes:  attrs,
	}
	if c.ExpiresAt != nil {
		uc.ExpiresAt = c.ExpiresAt.Time
	}
	return uc
}
