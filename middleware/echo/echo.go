// Package echo provides Echo middleware for agentauth authentication and
// authorization.
package echo

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/aloks98/agentauth/identity"
	"github.com/aloks98/agentauth/middleware"
	"github.com/aloks98/agentauth/permission"
)

// UserKey is the Echo context key holding the authenticated principal.
const UserKey = "agentauth.user"

// Authenticator is an alias for middleware.Authenticator.
type Authenticator = middleware.Authenticator

// Authorizer is an alias for middleware.Authorizer.
type Authorizer = middleware.Authorizer

// ErrorHandler handles authentication and authorization errors in Echo.
type ErrorHandler func(c echo.Context, err error) error

// Config holds Echo-specific middleware configuration.
type Config struct {
	// ErrorHandler handles errors. Defaults to DefaultErrorHandler.
	ErrorHandler ErrorHandler

	// SkipPaths are paths that skip authentication.
	SkipPaths []string

	// Logger receives rejected requests at debug level.
	Logger *slog.Logger
}

// DefaultConfig returns a default Echo middleware configuration.
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

// DefaultErrorHandler is the default error handler for Echo. It writes the
// same JSON body as middleware.DefaultErrorHandler.
func DefaultErrorHandler(c echo.Context, err error) error {
	status, body := middleware.NewErrorResponse(err)
	if status == http.StatusUnauthorized {
		c.Response().Header().Set(echo.HeaderWWWAuthenticate, middleware.WWWAuthenticate)
	}
	return c.JSON(status, body)
}

// Authenticate creates an Echo middleware that verifies the request
// credential and stores the principal in both the Echo context and the
// request context.
func Authenticate(auth Authenticator, cfg *Config) echo.MiddlewareFunc {
	cfg = cfg.withDefaults()

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if middleware.ShouldSkipPath(req.URL.Path, cfg.SkipPaths) {
				return next(c)
			}

			uc, err := auth.AuthenticateRequest(req.Context(), req)
			if err != nil {
				cfg.Logger.Debug("request rejected", "path", req.URL.Path, "code", middleware.ErrorCode(err))
				return cfg.ErrorHandler(c, err)
			}

			c.Set(UserKey, uc)
			c.SetRequest(req.WithContext(identity.WithUser(req.Context(), uc)))
			return next(c)
		}
	}
}

// RequirePermission creates an Echo middleware that checks the principal
// holds perm ("resource:action"), passing the route's path parameters as
// authorization attributes. It panics if perm is malformed.
func RequirePermission(authz Authorizer, perm string, cfg *Config) echo.MiddlewareFunc {
	p := permission.MustParse(perm)
	return authorize(cfg, func(c echo.Context, uc *identity.UserContext) error {
		return authz.Authorize(c.Request().Context(), uc, p.Resource, p.Action, PathParams(c))
	})
}

// RequireOperation creates an Echo middleware that checks every permission
// a named operation requires.
func RequireOperation(authz Authorizer, operation string, cfg *Config) echo.MiddlewareFunc {
	return authorize(cfg, func(c echo.Context, uc *identity.UserContext) error {
		return authz.AuthorizeOperation(c.Request().Context(), uc, operation)
	})
}

func authorize(cfg *Config, fn func(c echo.Context, uc *identity.UserContext) error) echo.MiddlewareFunc {
	cfg = cfg.withDefaults()

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			uc := User(c)
			if uc == nil {
				return cfg.ErrorHandler(c, middleware.ErrNoUser)
			}
			if err := fn(c, uc); err != nil {
				cfg.Logger.Debug("request denied", "path", c.Request().URL.Path, "user", uc.Name(), "code", middleware.ErrorCode(err))
				return cfg.ErrorHandler(c, err)
			}
			return next(c)
		}
	}
}

// PathParams returns the route's path parameters, or nil if it has none.
func PathParams(c echo.Context) map[string]any {
	names := c.ParamNames()
	if len(names) == 0 {
		return nil
	}
	params := make(map[string]any, len(names))
	for _, name := range names {
		params[name] = c.Param(name)
	}
	return params
}

// User retrieves the authenticated principal from the Echo context.
func User(c echo.Context) *identity.UserContext {
	if uc, ok := c.Get(UserKey).(*identity.UserContext); ok {
		return uc
	}
	return identity.FromContext(c.Request().Context())
}
