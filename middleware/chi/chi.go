// Package chi provides Chi middleware for agentauth.
// Chi uses standard net/http middleware, so most of this package aliases
// the middleware package. Route-aware helpers feed chi URL parameters into
// permission constraints.
package chi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/aloks98/agentauth/identity"
	"github.com/aloks98/agentauth/middleware"
	"github.com/aloks98/agentauth/permission"
)

// Config is an alias for middleware.Config.
type Config = middleware.Config

// Authenticator is an alias for middleware.Authenticator.
type Authenticator = middleware.Authenticator

// Authorizer is an alias for middleware.Authorizer.
type Authorizer = middleware.Authorizer

// DefaultConfig returns a default middleware configuration.
func DefaultConfig() *Config {
	return middleware.DefaultConfig()
}

// Authenticate creates a Chi middleware that authenticates requests.
func Authenticate(auth Authenticator, cfg *Config) func(http.Handler) http.Handler {
	return middleware.Authenticate(auth, cfg)
}

// OptionalAuthenticate creates a Chi middleware that authenticates requests
// carrying a credential.
func OptionalAuthenticate(auth Authenticator, cfg *Config) func(http.Handler) http.Handler {
	return middleware.OptionalAuthenticate(auth, cfg)
}

// RequirePermission creates a Chi middleware that checks for a specific permission.
func RequirePermission(authz Authorizer, perm string, cfg *Config) func(http.Handler) http.Handler {
	return middleware.RequirePermission(authz, perm, cfg)
}

// RequireAllPermissions creates a Chi middleware that checks for all specified permissions.
func RequireAllPermissions(authz Authorizer, perms []string, cfg *Config) func(http.Handler) http.Handler {
	return middleware.RequireAllPermissions(authz, perms, cfg)
}

// RequireAnyPermission creates a Chi middleware that checks for any of the specified permissions.
func RequireAnyPermission(authz Authorizer, perms []string, cfg *Config) func(http.Handler) http.Handler {
	return middleware.RequireAnyPermission(authz, perms, cfg)
}

// RequireOperation creates a Chi middleware that checks a named operation.
func RequireOperation(authz Authorizer, operation string, cfg *Config) func(http.Handler) http.Handler {
	return middleware.RequireOperation(authz, operation, cfg)
}

// RequireRole creates a Chi middleware that checks for a directly held role.
func RequireRole(role string, cfg *Config) func(http.Handler) http.Handler {
	return middleware.RequireRole(role, cfg)
}

// RequireRoutePermission is RequirePermission with the route's URL
// parameters passed as authorization attributes, so a permission
// constrained on {"agent_id": "a1"} only admits /agents/{agent_id} when
// agent_id is a1. Use it inside a route so the parameters are resolved.
func RequireRoutePermission(authz Authorizer, perm string, cfg *Config) func(http.Handler) http.Handler {
	p := permission.MustParse(perm)
	return middleware.Require(func(r *http.Request, uc *identity.UserContext) error {
		return authz.Authorize(r.Context(), uc, p.Resource, p.Action, URLParams(r))
	}, cfg)
}

// URLParams returns the route's URL parameters, or nil outside a chi route.
func URLParams(r *http.Request) map[string]any {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil || len(rctx.URLParams.Keys) == 0 {
		return nil
	}
	params := make(map[string]any, len(rctx.URLParams.Keys))
	for i, key := range rctx.URLParams.Keys {
		params[key] = rctx.URLParams.Values[i]
	}
	return params
}

// User retrieves the authenticated principal from the request context.
func User(r *http.Request) *identity.UserContext {
	return middleware.User(r)
}

// URLParam returns a URL parameter from Chi's route context.
func URLParam(r *http.Request, key string) string {
	return chi.URLParam(r, key)
}
