// Package fiber provides Fiber middleware for agentauth authentication and
// authorization.
//
// Fiber runs on fasthttp, so requests are converted to *http.Request before
// they reach the Authenticator. Signed request bodies are carried over.
package fiber

import (
	"log/slog"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/aloks98/agentauth/identity"
	"github.com/aloks98/agentauth/middleware"
	"github.com/aloks98/agentauth/permission"
)

// UserKey is the Fiber locals key holding the authenticated principal.
const UserKey = "agentauth.user"

// Authenticator is an alias for middleware.Authenticator.
type Authenticator = middleware.Authenticator

// Authorizer is an alias for middleware.Authorizer.
type Authorizer = middleware.Authorizer

// ErrorHandler handles authentication and authorization errors in Fiber.
type ErrorHandler func(c *fiber.Ctx, err error) error

// Config holds Fiber-specific middleware configuration.
type Config struct {
	// ErrorHandler handles errors. Defaults to DefaultErrorHandler.
	ErrorHandler ErrorHandler

	// SkipPaths are paths that skip authentication.
	SkipPaths []string

	// Logger receives rejected requests at debug level.
	Logger *slog.Logger
}

// DefaultConfig returns a default Fiber middleware configuration.
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

// DefaultErrorHandler writes the JSON body of
// middleware.DefaultErrorHandler.
func DefaultErrorHandler(c *fiber.Ctx, err error) error {
	status, body := middleware.NewErrorResponse(err)
	if status == http.StatusUnauthorized {
		c.Set(fiber.HeaderWWWAuthenticate, middleware.WWWAuthenticate)
	}
	return c.Status(status).JSON(body)
}

// Authenticate creates a Fiber middleware that verifies the request
// credential and stores the principal in both the Fiber locals and the
// user context.
func Authenticate(auth Authenticator, cfg *Config) fiber.Handler {
	cfg = cfg.withDefaults()

	return func(c *fiber.Ctx) error {
		if middleware.ShouldSkipPath(c.Path(), cfg.SkipPaths) {
			return c.Next()
		}

		req, err := Request(c)
		if err != nil {
			return cfg.ErrorHandler(c, err)
		}

		uc, err := auth.AuthenticateRequest(req.Context(), req)
		if err != nil {
			cfg.Logger.Debug("request rejected", "path", c.Path(), "code", middleware.ErrorCode(err))
			return cfg.ErrorHandler(c, err)
		}

		c.Locals(UserKey, uc)
		c.SetUserContext(identity.WithUser(c.UserContext(), uc))
		return c.Next()
	}
}

// RequirePermission creates a Fiber middleware that checks the principal
// holds perm ("resource:action"), passing the route's path parameters as
// authorization attributes. It panics if perm is malformed.
func RequirePermission(authz Authorizer, perm string, cfg *Config) fiber.Handler {
	p := permission.MustParse(perm)
	return authorize(cfg, func(c *fiber.Ctx, uc *identity.UserContext) error {
		return authz.Authorize(c.UserContext(), uc, p.Resource, p.Action, PathParams(c))
	})
}

// RequireOperation creates a Fiber middleware that checks every permission
// a named operation requires.
func RequireOperation(authz Authorizer, operation string, cfg *Config) fiber.Handler {
	return authorize(cfg, func(c *fiber.Ctx, uc *identity.UserContext) error {
		return authz.AuthorizeOperation(c.UserContext(), uc, operation)
	})
}

func authorize(cfg *Config, fn func(c *fiber.Ctx, uc *identity.UserContext) error) fiber.Handler {
	cfg = cfg.withDefaults()

	return func(c *fiber.Ctx) error {
		uc := User(c)
		if uc == nil {
			return cfg.ErrorHandler(c, middleware.ErrNoUser)
		}
		if err := fn(c, uc); err != nil {
			cfg.Logger.Debug("request denied", "path", c.Path(), "user", uc.Name(), "code", middleware.ErrorCode(err))
			return cfg.ErrorHandler(c, err)
		}
		return c.Next()
	}
}

// Request converts the Fiber request to an *http.Request bound to the
// user context. The body is copied, so signed requests verify.
func Request(c *fiber.Ctx) (*http.Request, error) {
	req := new(http.Request)
	if err := fasthttpadaptor.ConvertRequest(c.Context(), req, true); err != nil {
		return nil, err
	}
	return req.WithContext(c.UserContext()), nil
}

// PathParams returns the route's path parameters, or nil if it has none.
func PathParams(c *fiber.Ctx) map[string]any {
	all := c.AllParams()
	if len(all) == 0 {
		return nil
	}
	params := make(map[string]any, len(all))
	for k, v := range all {
		params[k] = v
	}
	return params
}

// User retrieves the authenticated principal from the Fiber locals.
func User(c *fiber.Ctx) *identity.UserContext {
	if uc, ok := c.Locals(UserKey).(*identity.UserContext); ok {
		return uc
	}
	return identity.FromContext(c.UserContext())
}
