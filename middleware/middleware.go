// Package middleware provides net/http middleware for agentauth
// authentication and authorization.
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aloks98/agentauth"
	"github.com/aloks98/agentauth/identity"
)

// Authenticator verifies the credential carried by a request.
// *agentauth.Auth implements it.
type Authenticator interface {
	AuthenticateRequest(ctx context.Context, r *http.Request) (*identity.UserContext, error)
}

// Authorizer decides whether an authenticated principal may proceed.
// *agentauth.Auth implements it.
type Authorizer interface {
	Authorize(ctx context.Context, uc *identity.UserContext, resource, action string, attrs map[string]any) error
	AuthorizeOperation(ctx context.Context, uc *identity.UserContext, operation string) error
}

// ErrorHandler handles authentication and authorization errors.
type ErrorHandler func(w http.ResponseWriter, r *http.Request, err error)

// ErrNoUser is passed to the ErrorHandler when an authorization middleware
// runs on a request that was never authenticated.
var ErrNoUser = errors.New("request is not authenticated")

// Config holds middleware configuration.
type Config struct {
	// ErrorHandler handles errors. Defaults to DefaultErrorHandler.
	ErrorHandler ErrorHandler

	// SkipPaths are paths that skip authentication. A trailing "/*"
	// matches a prefix and a "*" segment matches any single segment.
	SkipPaths []string

	// Logger receives rejected requests at debug level.
	Logger *slog.Logger
}

// DefaultConfig returns a default middleware configuration.
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

// ErrorResponse is the JSON error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// WWWAuthenticate is the challenge sent with 401 responses.
const WWWAuthenticate = `Bearer realm="agentauth"`

// NewErrorResponse returns the status and body reported for err. Failure
// details beyond the error code are withheld.
func NewErrorResponse(err error) (int, ErrorResponse) {
	status := ErrorToHTTPStatus(err)
	return status, ErrorResponse{Error: ErrorCode(err), Message: http.StatusText(status)}
}

// DefaultErrorHandler writes a JSON error with the status from
// ErrorToHTTPStatus.
func DefaultErrorHandler(w http.ResponseWriter, r *http.Request, err error) {
	status, body := NewErrorResponse(err)
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", WWWAuthenticate)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// ErrorToHTTPStatus converts an error to an HTTP status code.
func ErrorToHTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, agentauth.ErrRateLimitExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrNoUser), errors.Is(err, agentauth.ErrNoCredential):
		return http.StatusUnauthorized
	case errors.Is(err, agentauth.ErrAuthentication):
		return http.StatusUnauthorized
	case errors.Is(err, agentauth.ErrAuthorization):
		return http.StatusForbidden
	case errors.Is(err, agentauth.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, agentauth.ErrStoreTimeout), errors.Is(err, agentauth.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ErrorCode returns the agentauth error code of err, or a generic code.
func ErrorCode(err error) string {
	var ae *agentauth.AuthError
	if errors.As(err, &ae) {
		return ae.Code
	}
	if errors.Is(err, ErrNoUser) {
		return agentauth.CodeNoCredential
	}
	return "INTERNAL_ERROR"
}

// ShouldSkip checks if the request path should skip authentication.
func ShouldSkip(r *http.Request, skipPaths []string) bool {
	return ShouldSkipPath(r.URL.Path, skipPaths)
}

// ShouldSkipPath reports whether path matches one of skipPaths.
func ShouldSkipPath(path string, skipPaths []string) bool {
	for _, skip := range skipPaths {
		if matchPath(skip, path) {
			return true
		}
	}
	return false
}

// matchPath checks if a path matches a pattern.
// Supports * as a wildcard for path segments.
func matchPath(pattern, path string) bool {
	if pattern == path {
		return true
	}

	// Handle wildcard patterns like /api/*
	if strings.HasSuffix(pattern, "/*") {
		prefix := pattern[:len(pattern)-1]
		return strings.HasPrefix(path, prefix)
	}

	// Handle wildcard patterns like /api/*/users
	if strings.Contains(pattern, "*") {
		patternParts := strings.Split(pattern, "/")
		pathParts := strings.Split(path, "/")

		if len(patternParts) != len(pathParts) {
			return false
		}

		for i, part := range patternParts {
			if part != "*" && part != pathParts[i] {
				return false
			}
		}
		return true
	}

	return false
}

// User returns the authenticated principal of a request, or nil.
func User(r *http.Request) *identity.UserContext {
	return identity.FromContext(r.Context())
}
