package token

import "errors"

// Token-related errors.
var (
	// ErrTokenExpired indicates the token has expired.
	ErrTokenExpired = errors.New("token has expired")

	// ErrTokenMalformed indicates the token cannot be decoded at all.
	ErrTokenMalformed = errors.New("token is malformed")

	// ErrTokenInvalid indicates a well-formed token failed signature or
	// claim validation.
	ErrTokenInvalid = errors.New("token is invalid")

	// ErrTokenBlacklisted indicates the token has been revoked.
	ErrTokenBlacklisted = errors.New("token has been revoked")

	// ErrWrongTokenType indicates a token of one type was presented where
	// another is required.
	ErrWrongTokenType = errors.New("wrong token type")

	// ErrRefreshTokenInvalid indicates the refresh token is invalid.
	ErrRefreshTokenInvalid = errors.New("refresh token is invalid")

	// ErrRefreshTokenExpired indicates the refresh token has expired or is
	// older than the maximum refresh age.
	ErrRefreshTokenExpired = errors.New("refresh token has expired")

	// ErrUserIDRequired indicates the user context has no user ID.
	ErrUserIDRequired = errors.New("user id is required")

	// ErrSigningKeyRequired indicates no key is configured for the signing method.
	ErrSigningKeyRequired = errors.New("signing key is required")
)
