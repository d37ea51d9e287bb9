// Package agentauth issues and verifies credentials for agents, tools and
// the people operating them, and authorizes what they may do.
//
// Four authorities verify credentials: static API keys, opaque bearer
// tokens with an OAuth2-style refresh flow, HMAC-signed requests and JWT
// claims tokens. Each produces a UserContext which the RBAC engine then
// authorizes. Auth ties them together over one store:
//
//	auth, err := agentauth.New(
//		agentauth.WithStore(memory.New()),
//		agentauth.WithMasterSecret(os.Getenv("AGENTAUTH_MASTER_SECRET")),
//	)
//	uc, err := auth.AuthenticateRequest(ctx, r)
//	err = auth.Authorize(ctx, uc, "tool", "execute", nil)
package agentauth

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/aloks98/agentauth/apikey"
	"github.com/aloks98/agentauth/bearer"
	"github.com/aloks98/agentauth/cleanup"
	"github.com/aloks98/agentauth/identity"
	"github.com/aloks98/agentauth/internal/hash"
	"github.com/aloks98/agentauth/ratelimit"
	"github.com/aloks98/agentauth/rbac"
	"github.com/aloks98/agentauth/signature"
	"github.com/aloks98/agentauth/store"
	"github.com/aloks98/agentauth/token"
)

// UserContext is the authenticated principal every authority produces.
type UserContext = identity.UserContext

// Auth is the main entry point.
type Auth struct {
	config *Config
	store  store.Store
	logger *slog.Logger

	apiKeys *apikey.Service
	bearer  *bearer.Service
	hmac    *signature.Service
	jwt     *token.Service
	rbac    *rbac.Service

	guard   *ratelimit.Guard
	cleanup *cleanup.Worker

	closeOnce sync.Once
}

// New creates a new Auth instance. Configured roles missing from the
// store are written to it before New returns.
func New(opts ...Option) (*Auth, error) {
	cfg := NewConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	a := &Auth{
		config: cfg,
		store:  cfg.Store,
		logger: logger,
	}

	secret := []byte(cfg.MasterSecret)
	apiKeySalt, err := hash.DeriveKey(secret, apiKeySaltInfo, derivedKeyLen)
	if err != nil {
		return nil, fmt.Errorf("derive api key salt: %w", err)
	}
	bearerSalt, err := hash.DeriveKey(secret, bearerSaltInfo, derivedKeyLen)
	if err != nil {
		return nil, fmt.Errorf("derive bearer salt: %w", err)
	}
	jwtSecret := cfg.JWTSecret
	if jwtSecret == "" && !cfg.IsRSA() {
		derived, err := hash.DeriveKey(secret, jwtSecretInfo, derivedKeyLen)
		if err != nil {
			return nil, fmt.Errorf("derive jwt secret: %w", err)
		}
		jwtSecret = hex.EncodeToString(derived)
	}

	a.apiKeys, err = apikey.NewService(&apikey.Config{
		Prefix:     cfg.APIKeyPrefix,
		KeyLength:  cfg.APIKeyLength,
		HintLength: 4,
		Salt:       apiKeySalt,
		Logger:     logger.With("authority", "api_key"),
	}, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigInvalid, err)
	}

	a.bearer = bearer.NewService(&bearer.Config{
		Prefix:         cfg.BearerPrefix,
		AccessTokenTTL: cfg.BearerTokenTTL,
		Salt:           bearerSalt,
		Logger:         logger.With("authority", "bearer"),
	}, cfg.Store)

	a.hmac, err = signature.NewService(&signature.Config{
		Algorithm: cfg.HMACAlgorithm,
		Tolerance: cfg.HMACTolerance,
		Logger:    logger.With("authority", "hmac"),
	}, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigInvalid, err)
	}

	a.jwt, err = token.NewService(&token.Config{
		Secret:          jwtSecret,
		PrivateKey:      cfg.PrivateKey,
		PublicKey:       cfg.PublicKey,
		SigningMethod:   string(cfg.SigningMethod),
		Issuer:          cfg.Issuer,
		Audience:        cfg.Audience,
		AccessTokenTTL:  cfg.AccessTokenTTL,
		RefreshTokenTTL: cfg.RefreshTokenTTL,
		MaxRefreshAge:   cfg.MaxRefreshAge,
		Logger:          logger.With("authority", "jwt"),
	}, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigInvalid, err)
	}

	rbacCfg, err := cfg.loadRBAC()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigInvalid, err)
	}
	a.rbac, err = rbac.NewService(rbacCfg, cfg.Store, logger.With("component", "rbac"))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigInvalid, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.StoreTimeout)
	defer cancel()
	if err := a.rbac.Bootstrap(ctx); err != nil {
		return nil, normalize(err)
	}

	switch {
	case cfg.RateLimiter != nil:
		a.guard = ratelimit.NewGuard(cfg.RateLimiter, logger)
	case cfg.MaxFailures > 0:
		a.guard = ratelimit.NewGuard(ratelimit.NewMemoryLimiter(cfg.MaxFailures, cfg.FailureWindow), logger)
	}

	if cfg.CleanupInterval > 0 {
		a.cleanup = cleanup.NewWorker(&cleanup.Config{
			Interval: cfg.CleanupInterval,
			Logger:   logger,
		}, a.CleanupTasks()...)
		a.cleanup.Start()
	}

	return a, nil
}

// Config returns the configuration.
func (a *Auth) Config() *Config {
	return a.config
}

// Store returns the underlying store.
func (a *Auth) Store() store.Store {
	return a.store
}

// APIKeys returns the API key authority.
func (a *Auth) APIKeys() *apikey.Service {
	return a.apiKeys
}

// Bearer returns the bearer token authority.
func (a *Auth) Bearer() *bearer.Service {
	return a.bearer
}

// HMAC returns the request signing authority.
func (a *Auth) HMAC() *signature.Service {
	return a.hmac
}

// JWT returns the JWT authority.
func (a *Auth) JWT() *token.Service {
	return a.jwt
}

// RBAC returns the RBAC engine.
func (a *Auth) RBAC() *rbac.Service {
	return a.rbac
}

// CleanupTasks returns the expiry sweeps of every authority, for callers
// running their own cleanup schedule.
func (a *Auth) CleanupTasks() []cleanup.Task {
	return []cleanup.Task{
		{Name: store.TableAPIKeys, Run: a.apiKeys.CleanupExpired},
		{Name: store.TableBearerTokens, Run: a.bearer.CleanupExpired},
		{Name: store.TableJWTBlacklist, Run: a.jwt.CleanupExpired},
	}
}

// CleanupStats returns background cleanup statistics. ok is false when
// background cleanup is disabled.
func (a *Auth) CleanupStats() (stats cleanup.Stats, ok bool) {
	if a.cleanup == nil {
		return cleanup.Stats{}, false
	}
	return a.cleanup.Stats(), true
}

// Ping checks the store connection.
func (a *Auth) Ping(ctx context.Context) error {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	return normalize(a.store.Ping(ctx))
}

// Close stops background work and closes the store.
func (a *Auth) Close() error {
	var err error
	a.closeOnce.Do(func() {
		if a.cleanup != nil {
			a.cleanup.Stop()
		}
		var errs []error
		if a.guard != nil {
			errs = append(errs, a.guard.Close())
		}
		errs = append(errs, a.store.Close())
		err = errors.Join(errs...)
	})
	return err
}

// withTimeout applies StoreTimeout when ctx carries no deadline.
func (a *Auth) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, a.config.StoreTimeout)
}

// Authenticate verifies a credential and returns its principal. Every
// failure is an *AuthError; use errors.Is with ErrAuthentication,
// ErrTokenExpired, ErrValidation or ErrStoreTimeout to tell them apart.
func (a *Auth) Authenticate(ctx context.Context, cred Credential) (*UserContext, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	uc, err := a.authenticate(ctx, cred)
	if err != nil {
		err = normalize(err)
		a.logger.Debug("authentication failed", "scheme", scheme(cred), "error", err)
		return nil, err
	}
	return uc, nil
}

func (a *Auth) authenticate(ctx context.Context, cred Credential) (*UserContext, error) {
	switch c := cred.(type) {
	case APIKeyCredential:
		uc, err := a.apiKeys.Authenticate(ctx, c.Key)
		return found(uc, err, SchemeAPIKey)

	case JWTCredential:
		return a.jwt.ValidateToken(ctx, c.Token)

	case BearerCredential:
		if token.LooksLikeJWT(c.Token) {
			return a.jwt.ValidateToken(ctx, c.Token)
		}
		uc, err := a.bearer.Authenticate(ctx, c.Token)
		if err != nil || uc != nil {
			return uc, err
		}
		uc, err = a.apiKeys.Authenticate(ctx, c.Token)
		return found(uc, err, SchemeBearer)

	case HMACCredential:
		uc, err := a.hmac.Authenticate(ctx, signature.Request{
			ClientID:  c.ClientID,
			Signature: c.Signature,
			Timestamp: c.Timestamp,
			Method:    c.Method,
			Path:      c.Path,
			Body:      c.Body,
		})
		if err != nil {
			return nil, err
		}
		if uc == nil {
			return nil, NewAuthError(KindAuthentication, CodeSignatureInvalid, "request signature rejected", nil)
		}
		return uc, nil
	}

	return nil, NewAuthError(KindValidation, CodeNoCredential, "unsupported credential", ErrNoCredential)
}

// found turns an authority's nil, nil "not found" result into an error.
func found(uc *UserContext, err error, scheme string) (*UserContext, error) {
	if err != nil {
		return nil, err
	}
	if uc == nil {
		return nil, notFound(scheme)
	}
	return uc, nil
}

func scheme(cred Credential) string {
	if cred == nil {
		return ""
	}
	return cred.Scheme()
}

// AuthenticateRequest extracts and verifies the credential of an incoming
// request. When failure limiting is enabled, a client address that has
// exhausted its failure budget is refused before any verification.
func (a *Auth) AuthenticateRequest(ctx context.Context, r *http.Request) (*UserContext, error) {
	key := a.clientKey(r)
	if a.guard != nil {
		if err := a.guard.Check(ctx, key); err != nil {
			return nil, NewAuthError(KindAuthentication, CodeRateLimitExceeded, "too many failed attempts", err)
		}
	}

	cred, err := ExtractRequestCredential(r)
	if err == nil {
		var uc *UserContext
		uc, err = a.Authenticate(ctx, cred)
		if err == nil {
			return uc, nil
		}
	}

	if a.guard != nil && !errors.Is(err, ErrNoCredential) && (IsAuthenticationError(err) || IsValidationError(err)) {
		a.guard.Fail(ctx, key)
	}
	return nil, err
}

func (a *Auth) clientKey(r *http.Request) string {
	if a.config.TrustProxyHeaders {
		return ratelimit.GetClientIP(r)
	}
	return ratelimit.RemoteIP(r)
}

// Authorize checks that uc may perform action on resource. attrs are
// matched against permission constraints together with uc.Attributes.
func (a *Auth) Authorize(ctx context.Context, uc *UserContext, resource, action string, attrs map[string]any) error {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	return normalize(a.rbac.Authorize(ctx, uc, resource, action, attrs))
}

// AuthorizeOperation checks every permission a named operation requires.
func (a *Auth) AuthorizeOperation(ctx context.Context, uc *UserContext, operation string) error {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	return normalize(a.rbac.AuthorizeOperation(ctx, uc, operation))
}

// CheckPermission authenticates cred and reports whether its principal
// holds perm ("resource:action"). Authentication failures are returned as
// errors; a missing permission is false, nil.
func (a *Auth) CheckPermission(ctx context.Context, cred Credential, perm string) (bool, error) {
	uc, err := a.Authenticate(ctx, cred)
	if err != nil {
		return false, err
	}

	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	ok, err := a.rbac.HasPermission(ctx, uc, perm)
	if err != nil {
		return false, normalize(err)
	}
	return ok, nil
}
