package agentauth

import (
	"crypto/rsa"
	"log/slog"
	"os"
	"time"

	"github.com/aloks98/agentauth/ratelimit"
	"github.com/aloks98/agentauth/rbac"
	"github.com/aloks98/agentauth/signature"
	"github.com/aloks98/agentauth/store"
)

// Option is a function that modifies the configuration.
type Option func(*Config)

// WithStore sets the credential store.
func WithStore(s store.Store) Option {
	return func(c *Config) {
		c.Store = s
	}
}

// WithMasterSecret sets the secret from which hashing salts are derived.
// The secret must be at least 32 characters long.
func WithMasterSecret(secret string) Option {
	return func(c *Config) {
		c.MasterSecret = secret
	}
}

// WithJWTSecret sets the secret key for HS* signing.
func WithJWTSecret(secret string) Option {
	return func(c *Config) {
		c.JWTSecret = secret
	}
}

// WithSigningMethod sets the JWT signing algorithm.
func WithSigningMethod(method SigningMethod) Option {
	return func(c *Config) {
		c.SigningMethod = method
	}
}

// WithKeyPair sets the RSA key pair for RS* signing methods.
// publicKey may be nil to use the private key's public half.
func WithKeyPair(privateKey *rsa.PrivateKey, publicKey *rsa.PublicKey) Option {
	return func(c *Config) {
		c.PrivateKey = privateKey
		c.PublicKey = publicKey
	}
}

// WithIssuer sets the JWT issuer and audience.
func WithIssuer(issuer, audience string) Option {
	return func(c *Config) {
		c.Issuer = issuer
		c.Audience = audience
	}
}

// WithAccessTokenTTL sets the JWT access token time-to-live.
func WithAccessTokenTTL(ttl time.Duration) Option {
	return func(c *Config) {
		c.AccessTokenTTL = ttl
	}
}

// WithRefreshTokenTTL sets the JWT refresh token time-to-live.
func WithRefreshTokenTTL(ttl time.Duration) Option {
	return func(c *Config) {
		c.RefreshTokenTTL = ttl
	}
}

// WithMaxRefreshAge bounds how long after issue a refresh token is honored.
func WithMaxRefreshAge(d time.Duration) Option {
	return func(c *Config) {
		c.MaxRefreshAge = d
	}
}

// WithAPIKeyPrefix sets the prefix for generated API keys.
func WithAPIKeyPrefix(prefix string) Option {
	return func(c *Config) {
		c.APIKeyPrefix = prefix
	}
}

// WithAPIKeyLength sets the length of the random portion of API keys.
func WithAPIKeyLength(length int) Option {
	return func(c *Config) {
		c.APIKeyLength = length
	}
}

// WithBearerPrefix sets the prefix for generated bearer access tokens.
func WithBearerPrefix(prefix string) Option {
	return func(c *Config) {
		c.BearerPrefix = prefix
	}
}

// WithBearerTokenTTL sets the OAuth2 access token lifetime.
func WithBearerTokenTTL(ttl time.Duration) Option {
	return func(c *Config) {
		c.BearerTokenTTL = ttl
	}
}

// WithHMAC sets the request signing algorithm and clock tolerance.
func WithHMAC(alg signature.Algorithm, tolerance time.Duration) Option {
	return func(c *Config) {
		c.HMACAlgorithm = alg
		c.HMACTolerance = tolerance
	}
}

// WithRBAC sets the RBAC configuration directly.
func WithRBAC(cfg *rbac.Config) Option {
	return func(c *Config) {
		c.RBACConfig = cfg
	}
}

// WithRBACFromFile loads RBAC configuration from a YAML or JSON file.
func WithRBACFromFile(path string) Option {
	return func(c *Config) {
		c.RBACConfigPath = path
	}
}

// WithRBACFromBytes loads RBAC configuration from raw YAML bytes.
func WithRBACFromBytes(data []byte) Option {
	return func(c *Config) {
		c.RBACConfigData = data
	}
}

// WithRBACFromEnv loads RBAC configuration from the AGENTAUTH_RBAC_CONFIG
// environment variable.
func WithRBACFromEnv() Option {
	return func(c *Config) {
		if data := os.Getenv("AGENTAUTH_RBAC_CONFIG"); data != "" {
			c.RBACConfigData = []byte(data)
		}
	}
}

// WithStoreTimeout bounds store calls made without a caller deadline.
func WithStoreTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.StoreTimeout = d
	}
}

// WithCleanupInterval sets how often expired records are swept.
// The default is DefaultCleanupInterval. Set to 0 to disable background
// cleanup.
func WithCleanupInterval(interval time.Duration) Option {
	return func(c *Config) {
		c.CleanupInterval = interval
	}
}

// WithFailureLimit allows at most maxFailures failed authentications per
// client address, refilling over window.
func WithFailureLimit(maxFailures int, window time.Duration) Option {
	return func(c *Config) {
		c.MaxFailures = maxFailures
		c.FailureWindow = window
	}
}

// WithRateLimiter sets the limiter that counts failed authentications.
func WithRateLimiter(l ratelimit.Limiter) Option {
	return func(c *Config) {
		c.RateLimiter = l
	}
}

// WithTrustProxyHeaders keys failure limiting on proxy-supplied client
// addresses.
func WithTrustProxyHeaders() Option {
	return func(c *Config) {
		c.TrustProxyHeaders = true
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}
