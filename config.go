package agentauth

import (
	"crypto/rsa"
	"fmt"
	"log/slog"
	"time"

	"github.com/aloks98/agentauth/ratelimit"
	"github.com/aloks98/agentauth/rbac"
	"github.com/aloks98/agentauth/signature"
	"github.com/aloks98/agentauth/store"
)

// SigningMethod represents the JWT signing algorithm.
type SigningMethod string

const (
	// SigningMethodHS256 uses HMAC-SHA256 for signing (symmetric).
	SigningMethodHS256 SigningMethod = "HS256"

	// SigningMethodHS384 uses HMAC-SHA384 for signing (symmetric).
	SigningMethodHS384 SigningMethod = "HS384"

	// SigningMethodHS512 uses HMAC-SHA512 for signing (symmetric).
	SigningMethodHS512 SigningMethod = "HS512"

	// SigningMethodRS256 uses RSA-SHA256 for signing (asymmetric).
	SigningMethodRS256 SigningMethod = "RS256"

	// SigningMethodRS384 uses RSA-SHA384 for signing (asymmetric).
	SigningMethodRS384 SigningMethod = "RS384"

	// SigningMethodRS512 uses RSA-SHA512 for signing (asymmetric).
	SigningMethodRS512 SigningMethod = "RS512"
)

// Default configuration values.
const (
	DefaultAccessTokenTTL  = 15 * time.Minute
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour
	DefaultMaxRefreshAge   = 7 * 24 * time.Hour
	DefaultStoreTimeout    = 5 * time.Second
	DefaultAPIKeyPrefix    = "ak"
	DefaultAPIKeyLength    = 32
	DefaultFailureWindow   = time.Minute
	DefaultCleanupInterval = 1 * time.Hour

	// MinSecretLength is the minimum required length for the master secret
	// and the JWT secret.
	MinSecretLength = 32
)

// HKDF labels for salts derived from the master secret.
const (
	apiKeySaltInfo = "agentauth/api-key-salt"
	bearerSaltInfo = "agentauth/bearer-salt"
	jwtSecretInfo  = "agentauth/jwt-secret"
	derivedKeyLen  = 32
)

// Config holds all configuration for the Auth instance.
type Config struct {
	// Store persists every credential and role. Required.
	Store store.Store

	// MasterSecret seeds the API key and bearer token hashing salts. When
	// JWTSecret is empty it also seeds the JWT signing key. Required.
	MasterSecret string

	// JWTSecret is the key for HS* signing methods.
	JWTSecret string

	// PrivateKey is the private key for RS* signing methods.
	PrivateKey *rsa.PrivateKey

	// PublicKey verifies RS* tokens. Defaults to the private key's public half.
	PublicKey *rsa.PublicKey

	// SigningMethod is the JWT signing algorithm to use.
	SigningMethod SigningMethod

	// Issuer and Audience are written into and required on every JWT.
	Issuer   string
	Audience string

	// AccessTokenTTL is how long JWT access tokens are valid.
	AccessTokenTTL time.Duration

	// RefreshTokenTTL is how long JWT refresh tokens are valid.
	RefreshTokenTTL time.Duration

	// MaxRefreshAge bounds how long after issue a JWT refresh token may be used.
	MaxRefreshAge time.Duration

	// APIKeyPrefix is the prefix for generated API keys (e.g., "ak_live").
	APIKeyPrefix string

	// APIKeyLength is the number of random bytes in generated API keys.
	APIKeyLength int

	// BearerPrefix is prepended to generated bearer access tokens.
	BearerPrefix string

	// BearerTokenTTL is the lifetime of OAuth2 access tokens.
	BearerTokenTTL time.Duration

	// HMACAlgorithm is the request signing algorithm. Default is SHA256.
	HMACAlgorithm signature.Algorithm

	// HMACTolerance is the accepted clock difference for signed requests.
	HMACTolerance time.Duration

	// RBACConfig holds the RBAC configuration. When none of RBACConfig,
	// RBACConfigPath and RBACConfigData is set the built-in roles are used.
	RBACConfig *rbac.Config

	// RBACConfigPath is the path to the RBAC configuration file.
	RBACConfigPath string

	// RBACConfigData is raw YAML RBAC configuration data.
	RBACConfigData []byte

	// StoreTimeout bounds store calls when the caller's context has no
	// deadline.
	StoreTimeout time.Duration

	// CleanupInterval is how often expired records are swept. Defaults to
	// DefaultCleanupInterval; zero disables background cleanup.
	CleanupInterval time.Duration

	// MaxFailures is the number of failed authentication attempts allowed
	// per client address within FailureWindow. Zero disables limiting.
	MaxFailures int

	// FailureWindow is the period over which MaxFailures refills.
	FailureWindow time.Duration

	// RateLimiter overrides the in-memory failure limiter, e.g. with a
	// ratelimit.RedisLimiter shared across instances.
	RateLimiter ratelimit.Limiter

	// TrustProxyHeaders keys failure limiting on X-Forwarded-For and
	// X-Real-IP instead of the connection address.
	TrustProxyHeaders bool

	// Logger receives structured logs. Defaults to discarding.
	Logger *slog.Logger
}

// NewConfig creates a new Config with default values.
func NewConfig() *Config {
	return &Config{
		SigningMethod:   SigningMethodHS256,
		AccessTokenTTL:  DefaultAccessTokenTTL,
		RefreshTokenTTL: DefaultRefreshTokenTTL,
		MaxRefreshAge:   DefaultMaxRefreshAge,
		APIKeyPrefix:    DefaultAPIKeyPrefix,
		APIKeyLength:    DefaultAPIKeyLength,
		HMACAlgorithm:   signature.SHA256,
		HMACTolerance:   signature.DefaultTolerance,
		StoreTimeout:    DefaultStoreTimeout,
		FailureWindow:   DefaultFailureWindow,
		CleanupInterval: DefaultCleanupInterval,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Store == nil {
		return fmt.Errorf("%w: store is required", ErrConfigInvalid)
	}
	if len(c.MasterSecret) < MinSecretLength {
		return fmt.Errorf("%w: master secret must be at least %d characters", ErrConfigInvalid, MinSecretLength)
	}

	switch c.SigningMethod {
	case SigningMethodHS256, SigningMethodHS384, SigningMethodHS512:
		if c.JWTSecret != "" && len(c.JWTSecret) < MinSecretLength {
			return fmt.Errorf("%w: JWT secret must be at least %d characters", ErrConfigInvalid, MinSecretLength)
		}
	case SigningMethodRS256, SigningMethodRS384, SigningMethodRS512:
		if c.PrivateKey == nil {
			return fmt.Errorf("%w: private key is required for RSA signing", ErrConfigInvalid)
		}
	default:
		return fmt.Errorf("%w: unsupported signing method: %s", ErrConfigInvalid, c.SigningMethod)
	}

	if c.AccessTokenTTL <= 0 {
		return fmt.Errorf("%w: access token TTL must be positive", ErrConfigInvalid)
	}
	if c.RefreshTokenTTL <= c.AccessTokenTTL {
		return fmt.Errorf("%w: refresh token TTL must be greater than access token TTL", ErrConfigInvalid)
	}
	if c.MaxRefreshAge <= 0 {
		return fmt.Errorf("%w: max refresh age must be positive", ErrConfigInvalid)
	}

	if c.APIKeyLength < DefaultAPIKeyLength {
		return fmt.Errorf("%w: API key length must be at least %d", ErrConfigInvalid, DefaultAPIKeyLength)
	}
	if c.APIKeyPrefix == "" {
		return fmt.Errorf("%w: API key prefix cannot be empty", ErrConfigInvalid)
	}
	if c.BearerTokenTTL < 0 {
		return fmt.Errorf("%w: bearer token TTL cannot be negative", ErrConfigInvalid)
	}

	if _, err := c.HMACAlgorithm.New(); err != nil {
		return fmt.Errorf("%w: %w", ErrConfigInvalid, err)
	}
	if c.HMACTolerance <= 0 {
		return fmt.Errorf("%w: HMAC tolerance must be positive", ErrConfigInvalid)
	}

	if c.StoreTimeout <= 0 {
		return fmt.Errorf("%w: store timeout must be positive", ErrConfigInvalid)
	}
	if c.CleanupInterval < 0 {
		return fmt.Errorf("%w: cleanup interval cannot be negative", ErrConfigInvalid)
	}
	if c.MaxFailures < 0 {
		return fmt.Errorf("%w: max failures cannot be negative", ErrConfigInvalid)
	}
	if c.MaxFailures > 0 && c.FailureWindow <= 0 {
		return fmt.Errorf("%w: failure window must be positive", ErrConfigInvalid)
	}

	return nil
}

// IsRSA returns true if the signing method is RSA-based.
func (c *Config) IsRSA() bool {
	switch c.SigningMethod {
	case SigningMethodRS256, SigningMethodRS384, SigningMethodRS512:
		return true
	default:
		return false
	}
}

// loadRBAC resolves the RBAC configuration source. A nil result selects
// the built-in roles.
func (c *Config) loadRBAC() (*rbac.Config, error) {
	switch {
	case c.RBACConfig != nil:
		return c.RBACConfig, nil
	case c.RBACConfigPath != "":
		return rbac.LoadFromFile(c.RBACConfigPath)
	case len(c.RBACConfigData) > 0:
		return rbac.LoadFromBytes(c.RBACConfigData, ".yaml")
	}
	return nil, nil
}
