// Package gin provides Gin middleware for agentauth authentication and
// authorization.
package gin

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aloks98/agentauth/identity"
	"github.com/aloks98/agentauth/middleware"
	"github.com/aloks98/agentauth/permission"
)

// UserKey is the Gin context key holding the authenticated principal.
const UserKey = "agentauth.user"

// Authenticator is an alias for middleware.Authenticator.
type Authenticator = middleware.Authenticator

// Authorizer is an alias for middleware.Authorizer.
type Authorizer = middleware.Authorizer

// ErrorHandler handles authentication and authorization errors in Gin.
// It must abort the context.
type ErrorHandler func(c *gin.Context, err error)

// Config holds Gin-specific middleware configuration.
type Config struct {
	// ErrorHandler handles errors. Defaults to DefaultErrorHandler.
	ErrorHandler ErrorHandler

	// SkipPaths are paths that skip authentication.
	SkipPaths []string

	// Logger receives rejected requests at debug level.
	Logger *slog.Logger
}

// DefaultConfig returns a default Gin middleware configuration.
func DefaultConfig() *Config {
	return &Config{
		ErrorHandler: DefaultErrorHandler,
		Logger:       slog.New(slog.DiscardHandler),
	}
}

func (c *Config) withDefaults() *Config {
	if c == nil {
		return DefaultConfig()
	}
	out := *c
	if out.ErrorHandler == nil {
		out.ErrorHandler = DefaultErrorHandler
	}
	if out.Logger == nil {
		out.Logger = slog.New(slog.DiscardHandler)
	}
	return &out
}

// DefaultErrorHandler aborts with the JSON body of
// middleware.DefaultErrorHandler.
func DefaultErrorHandler(c *gin.Context, err error) {
	status, body := middleware.NewErrorResponse(err)
	if status == http.StatusUnauthorized {
		c.Header("WWW-Authenticate", middleware.WWWAuthenticate)
	}
	c.AbortWithStatusJSON(status, body)
}

// Authenticate creates a Gin middleware that verifies the request
// credential and stores the principal in both the Gin context and the
// request context.
func Authenticate(auth Authenticator, cfg *Config) gin.HandlerFunc {
	cfg = cfg.withDefaults()

	return func(c *gin.Context) {
		if middleware.ShouldSkipPath(c.Request.URL.Path, cfg.SkipPaths) {
			c.Next()
			return
		}

		uc, err := auth.AuthenticateRequest(c.Request.Context(), c.Request)
		if err != nil {
			cfg.Logger.Debug("request rejected", "path", c.Request.URL.Path, "code", middleware.ErrorCode(err))
			cfg.ErrorHandler(c, err)
			return
		}

		c.Set(UserKey, uc)
		c.Request = c.Request.WithContext(identity.WithUser(c.Request.Context(), uc))
		c.Next()
	}
}

// RequirePermission creates a Gin middleware that checks the principal
// holds perm ("resource:action"), passing the route's path parameters as
// authorization attributes. It panics if perm is malformed.
func RequirePermission(authz Authorizer, perm string, cfg *Config) gin.HandlerFunc {
	p := permission.MustParse(perm)
	return authorize(cfg, func(c *gin.Context, uc *identity.UserContext) error {
		return authz.Authorize(c.Request.Context(), uc, p.Resource, p.Action, PathParams(c))
	})
}

// RequireOperation creates a Gin middleware that checks every permission a
// named operation requires.
func RequireOperation(authz Authorizer, operation string, cfg *Config) gin.HandlerFunc {
	return authorize(cfg, func(c *gin.Context, uc *identity.UserContext) error {
		return authz.AuthorizeOperation(c.Request.Context(), uc, operation)
	})
}

func authorize(cfg *Config, fn func(c *gin.Context, uc *identity.UserContext) error) gin.HandlerFunc {
	cfg = cfg.withDefaults()

	return func(c *gin.Context) {
		uc := User(c)
		if uc == nil {
			cfg.ErrorHandler(c, middleware.ErrNoUser)
			return
		}
		if err := fn(c, uc); err != nil {
			cfg.Logger.Debug("request denied", "path", c.Request.URL.Path, "user", uc.Name(), "code", middleware.ErrorCode(err))
			cfg.ErrorHandler(c, err)
			return
		}
		c.Next()
	}
}

// PathParams returns the route's path parameters, or nil if it has none.
func PathParams(c *gin.Context) map[string]any {
	if len(c.Params) == 0 {
		return nil
	}
	params := make(map[string]any, len(c.Params))
	for _, p := range c.Params {
		params[p.Key] = p.Value
	}
	return params
}

// User retrieves the authenticated principal from the Gin context.
func User(c *gin.Context) *identity.UserContext {
	if v, ok := c.Get(UserKey); ok {
		if uc, ok := v.(*identity.UserContext); ok {
			return uc
		}
	}
	return identity.FromContext(c.Request.Context())
}
