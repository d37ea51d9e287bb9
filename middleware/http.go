package middleware

import (
	"errors"
	"net/http"

	"github.com/aloks98/agentauth"
	"github.com/aloks98/agentauth/identity"
	"github.com/aloks98/agentauth/permission"
)

// Authenticate creates a middleware that verifies the request credential
// and stores the resulting principal in the request context.
func Authenticate(auth Authenticator, cfg *Config) func(http.Handler) http.Handler {
	cfg = cfg.withDefaults()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if ShouldSkip(r, cfg.SkipPaths) {
				next.ServeHTTP(w, r)
				return
			}

			uc, err := auth.AuthenticateRequest(r.Context(), r)
			if err != nil {
				cfg.Logger.Debug("request rejected", "path", r.URL.Path, "code", ErrorCode(err))
				cfg.ErrorHandler(w, r, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(identity.WithUser(r.Context(), uc)))
		})
	}
}

// OptionalAuthenticate creates a middleware that authenticates requests
// carrying a credential and lets requests without one through anonymously.
// A credential that is present but rejected still fails the request, as do
// store failures.
func OptionalAuthenticate(auth Authenticator, cfg *Config) func(http.Handler) http.Handler {
	cfg = cfg.withDefaults()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			uc, err := auth.AuthenticateRequest(r.Context(), r)
			switch {
			case errors.Is(err, agentauth.ErrNoCredential):
				next.ServeHTTP(w, r)
			case err != nil:
				cfg.Logger.Debug("request rejected", "path", r.URL.Path, "code", ErrorCode(err))
				cfg.ErrorHandler(w, r, err)
			default:
				next.ServeHTTP(w, r.WithContext(identity.WithUser(r.Context(), uc)))
			}
		})
	}
}

// RequirePermission creates a middleware that checks the authenticated
// principal holds perm ("resource:action"). It panics if perm is malformed.
func RequirePermission(authz Authorizer, perm string, cfg *Config) func(http.Handler) http.Handler {
	return RequireAllPermissions(authz, []string{perm}, cfg)
}

// RequireAllPermissions creates a middleware that checks for all specified permissions.
func RequireAllPermissions(authz Authorizer, perms []string, cfg *Config) func(http.Handler) http.Handler {
	required := mustParseAll(perms)
	return authorize(cfg, func(r *http.Request, uc *identity.UserContext) error {
		for _, p := range required {
			if err := authz.Authorize(r.Context(), uc, p.Resource, p.Action, nil); err != nil {
				return err
			}
		}
		return nil
	})
}

// RequireAnyPermission creates a middleware that checks for any of the specified permissions.
func RequireAnyPermission(authz Authorizer, perms []string, cfg *Config) func(http.Handler) http.Handler {
	required := mustParseAll(perms)
	return authorize(cfg, func(r *http.Request, uc *identity.UserContext) error {
		var denied error
		for _, p := range required {
			err := authz.Authorize(r.Context(), uc, p.Resource, p.Action, nil)
			if err == nil {
				return nil
			}
			if !errors.Is(err, agentauth.ErrAuthorization) {
				return err
			}
			denied = err
		}
		return denied
	})
}

// RequireOperation creates a middleware that checks every permission a
// named operation requires.
func RequireOperation(authz Authorizer, operation string, cfg *Config) func(http.Handler) http.Handler {
	return authorize(cfg, func(r *http.Request, uc *identity.UserContext) error {
		return authz.AuthorizeOperation(r.Context(), uc, operation)
	})
}

// RequireRole creates a middleware that checks the principal carries role
// directly. Roles reached through inheritance or store assignments are not
// considered; use RequirePermission for those.
func RequireRole(role string, cfg *Config) func(http.Handler) http.Handler {
	return authorize(cfg, func(r *http.Request, uc *identity.UserContext) error {
		if uc.HasRole(role) {
			return nil
		}
		return agentauth.NewAuthError(agentauth.KindAuthorization, agentauth.CodePermissionDenied, "role "+role+" required", nil)
	})
}

// AuthorizeFunc is the decision of a custom authorization middleware.
type AuthorizeFunc func(r *http.Request, uc *identity.UserContext) error

// Require creates a middleware from a custom authorization decision. It
// rejects unauthenticated requests before fn is called.
func Require(fn AuthorizeFunc, cfg *Config) func(http.Handler) http.Handler {
	return authorize(cfg, fn)
}

func authorize(cfg *Config, fn AuthorizeFunc) func(http.Handler) http.Handler {
	cfg = cfg.withDefaults()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			uc := identity.FromContext(r.Context())
			if uc == nil {
				cfg.ErrorHandler(w, r, ErrNoUser)
				return
			}

			if err := fn(r, uc); err != nil {
				cfg.Logger.Debug("request denied", "path", r.URL.Path, "user", uc.Name(), "code", ErrorCode(err))
				cfg.ErrorHandler(w, r, err)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func mustParseAll(perms []string) []permission.Permission {
	out := make([]permission.Permission, len(perms))
	for i, p := range perms {
		out[i] = permission.MustParse(p)
	}
	return out
}
