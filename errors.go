package agentauth

import (
	"context"
	"errors"
	"fmt"

	"github.com/aloks98/agentauth/apikey"
	"github.com/aloks98/agentauth/bearer"
	"github.com/aloks98/agentauth/permission"
	"github.com/aloks98/agentauth/rbac"
	"github.com/aloks98/agentauth/signature"
	"github.com/aloks98/agentauth/store"
	"github.com/aloks98/agentauth/token"
)

// Kind classifies a facade error.
type Kind string

// Error kinds.
const (
	KindAuthentication   Kind = "authentication"
	KindTokenExpired     Kind = "token_expired"
	KindAuthorization    Kind = "authorization"
	KindValidation       Kind = "validation"
	KindStoreTimeout     Kind = "store_timeout"
	KindStoreUnavailable Kind = "store_unavailable"
	KindConfig           Kind = "config"
)

// Error codes for categorizing errors.
const (
	CodeCredentialNotFound  = "CREDENTIAL_NOT_FOUND"
	CodeAPIKeyRevoked       = "API_KEY_REVOKED"
	CodeAPIKeyExpired       = "API_KEY_EXPIRED"
	CodeTokenExpired        = "TOKEN_EXPIRED"
	CodeTokenMalformed      = "TOKEN_MALFORMED"
	CodeTokenInvalid        = "TOKEN_INVALID"
	CodeTokenBlacklisted    = "TOKEN_BLACKLISTED"
	CodeWrongTokenType      = "WRONG_TOKEN_TYPE"
	CodeRefreshTokenExpired = "REFRESH_TOKEN_EXPIRED"
	CodeRefreshTokenInvalid = "REFRESH_TOKEN_INVALID"
	CodeSignatureInvalid    = "SIGNATURE_INVALID"
	CodeMissingHeaders      = "MISSING_HEADERS"
	CodeRequestInvalid      = "REQUEST_INVALID"
	CodeNoCredential        = "NO_CREDENTIAL"
	CodeInvalidPermission   = "INVALID_PERMISSION_FORMAT"
	CodePermissionDenied    = "PERMISSION_DENIED"
	CodeUnknownOperation    = "UNKNOWN_OPERATION"
	CodeRateLimitExceeded   = "RATE_LIMIT_EXCEEDED"
	CodeStoreTimeout        = "STORE_TIMEOUT"
	CodeStoreUnavailable    = "STORE_UNAVAILABLE"
	CodeConfigInvalid       = "CONFIG_INVALID"
)

// kindError is a sentinel that optionally matches a broader sentinel.
type kindError struct {
	msg    string
	parent error
}

func (e *kindError) Error() string { return e.msg }
func (e *kindError) Unwrap() error { return e.parent }

// Sentinel errors for use with errors.Is().
var (
	// ErrAuthentication indicates a well-formed credential was rejected.
	ErrAuthentication = errors.New("authentication failed")

	// ErrTokenExpired indicates an expired credential. It also matches
	// ErrAuthentication.
	ErrTokenExpired error = &kindError{msg: "credential has expired", parent: ErrAuthentication}

	// ErrRateLimitExceeded indicates too many failed attempts. It also
	// matches ErrAuthentication.
	ErrRateLimitExceeded error = &kindError{msg: "too many failed attempts", parent: ErrAuthentication}

	// ErrAuthorization indicates an authenticated principal lacks permission.
	ErrAuthorization = errors.New("permission denied")

	// ErrValidation indicates input too malformed to attempt verification.
	ErrValidation = errors.New("invalid credential input")

	// ErrStoreTimeout indicates the backing store did not answer in time.
	ErrStoreTimeout = errors.New("store operation timed out")

	// ErrStoreUnavailable indicates the backing store failed.
	ErrStoreUnavailable = errors.New("store is unavailable")

	// ErrConfigInvalid indicates the configuration is invalid.
	ErrConfigInvalid = errors.New("configuration is invalid")

	// ErrNoCredential indicates a request carried no recognizable credential.
	ErrNoCredential = errors.New("no credential presented")
)

// AuthError is a structured error carrying a kind, a code, and the
// underlying cause.
type AuthError struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AuthError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's kind.
func (e *AuthError) Is(target error) bool {
	if e.Code == CodeRateLimitExceeded && target == ErrRateLimitExceeded {
		return true
	}
	if s := kindSentinel(e.Kind); s != nil {
		return errors.Is(s, target)
	}
	return false
}

// NewAuthError creates a new AuthError.
func NewAuthError(kind Kind, code, message string, err error) *AuthError {
	return &AuthError{Kind: kind, Code: code, Message: message, Err: err}
}

func kindSentinel(k Kind) error {
	switch k {
	case KindAuthentication:
		return ErrAuthentication
	case KindTokenExpired:
		return ErrTokenExpired
	case KindAuthorization:
		return ErrAuthorization
	case KindValidation:
		return ErrValidation
	case KindStoreTimeout:
		return ErrStoreTimeout
	case KindStoreUnavailable:
		return ErrStoreUnavailable
	case KindConfig:
		return ErrConfigInvalid
	}
	return nil
}

// normalize maps an authority error onto the facade's error kinds. Errors
// that are already *AuthError pass through unchanged.
func normalize(err error) error {
	if err == nil {
		return nil
	}
	var ae *AuthError
	if errors.As(err, &ae) {
		return err
	}

	switch {
	case errors.Is(err, store.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return NewAuthError(KindStoreTimeout, CodeStoreTimeout, "store did not respond in time", err)

	// Expired credentials.
	case errors.Is(err, apikey.ErrKeyExpired):
		return NewAuthError(KindTokenExpired, CodeAPIKeyExpired, "api key has expired", err)
	case errors.Is(err, token.ErrRefreshTokenExpired), errors.Is(err, bearer.ErrRefreshTokenExpired):
		return NewAuthError(KindTokenExpired, CodeRefreshTokenExpired, "refresh token has expired", err)
	case errors.Is(err, token.ErrTokenExpired):
		return NewAuthError(KindTokenExpired, CodeTokenExpired, "token has expired", err)

	// Malformed input.
	case errors.Is(err, signature.ErrMissingHeaders):
		return NewAuthError(KindValidation, CodeMissingHeaders, "signature headers are incomplete", err)
	case errors.Is(err, token.ErrTokenMalformed):
		return NewAuthError(KindValidation, CodeTokenMalformed, "token is malformed", err)
	case errors.Is(err, permission.ErrInvalidFormat):
		return NewAuthError(KindValidation, CodeInvalidPermission, "permission is malformed", err)

	// Rejected credentials.
	case errors.Is(err, apikey.ErrKeyInactive):
		return NewAuthError(KindAuthentication, CodeAPIKeyRevoked, "api key has been revoked", err)
	case errors.Is(err, token.ErrTokenBlacklisted):
		return NewAuthError(KindAuthentication, CodeTokenBlacklisted, "token has been revoked", err)
	case errors.Is(err, token.ErrRefreshTokenInvalid), errors.Is(err, bearer.ErrRefreshTokenInvalid):
		return NewAuthError(KindAuthentication, CodeRefreshTokenInvalid, "refresh token is invalid", err)
	case errors.Is(err, token.ErrWrongTokenType):
		return NewAuthError(KindAuthentication, CodeWrongTokenType, "wrong token type", err)
	case errors.Is(err, token.ErrTokenInvalid):
		return NewAuthError(KindAuthentication, CodeTokenInvalid, "token is invalid", err)

	// Authorization.
	case errors.Is(err, rbac.ErrPermissionDenied):
		return NewAuthError(KindAuthorization, CodePermissionDenied, "permission denied", err)
	case errors.Is(err, rbac.ErrUnknownOperation):
		return NewAuthError(KindAuthorization, CodeUnknownOperation, "unknown operation", err)
	}

	return NewAuthError(KindStoreUnavailable, CodeStoreUnavailable, "credential store failed", err)
}

func notFound(method string) error {
	return NewAuthError(KindAuthentication, CodeCredentialNotFound, method+" credential not recognized", nil)
}

// IsAuthenticationError reports whether err is an authentication failure,
// including expiry.
func IsAuthenticationError(err error) bool {
	return errors.Is(err, ErrAuthentication)
}

// IsTokenExpired reports whether err is an expired credential.
func IsTokenExpired(err error) bool {
	return errors.Is(err, ErrTokenExpired)
}

// IsAuthorizationError reports whether err is an authorization failure.
func IsAuthorizationError(err error) bool {
	return errors.Is(err, ErrAuthorization)
}

// IsValidationError reports whether err is a validation failure.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsStoreError reports whether err originated in the backing store.
func IsStoreError(err error) bool {
	return errors.Is(err, ErrStoreTimeout) || errors.Is(err, ErrStoreUnavailable)
}
