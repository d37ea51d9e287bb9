package token

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/aloks98/agentauth/internal/crypto"
)

// Token types carried in the "type" claim.
const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
	TypeService = "service"
)

// Claims represents the JWT claims structure.
type Claims struct {
	Type        string         `json:"type"`
	Username    string         `json:"username,omitempty"`
	Roles       []string       `json:"roles,omitempty"`
	Permissions []string       `json:"permissions,omitempty"`
	SessionID   string         `json:"session_id,omitempty"`
	Custom      map[string]any `json:"custom,omitempty"`

	// IssuedAtNano is the issue time in unix nanoseconds. Revoke-all
	// cutoffs are compared against it rather than the second-granular iat.
	IssuedAtNano int64 `json:"iat_ns,omitempty"`

	jwt.RegisteredClaims
}

// UserID returns the subject claim.
func (c *Claims) UserID() string {
	return c.Subject
}

// newClaims fills the registered claims for a token issued now.
func (s *Service) newClaims(typ, subject string, now time.Time, ttl time.Duration) (*Claims, error) {
	jti, err := crypto.NewID()
	if err != nil {
		return nil, err
	}
	return &Claims{
		Type:         typ,
		IssuedAtNano: now.UnixNano(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    s.config.Issuer,
			Audience:  jwt.ClaimStrings{s.config.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        jti,
		},
	}, nil
}

// sign encodes and signs claims with the configured key.
func (s *Service) sign(claims *Claims) (string, error) {
	token := jwt.NewWithClaims(s.method, claims)

	switch s.method.(type) {
	case *jwt.SigningMethodRSA:
		return token.SignedString(s.config.PrivateKey)
	default:
		return token.SignedString([]byte(s.config.Secret))
	}
}

func (s *Service) keyFunc(*jwt.Token) (any, error) {
	switch s.method.(type) {
	case *jwt.SigningMethodRSA:
		return s.config.PublicKey, nil
	default:
		return []byte(s.config.Secret), nil
	}
}

// parse verifies the signature and every mandatory claim.
func (s *Service) parse(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, s.keyFunc,
		jwt.WithValidMethods([]string{s.method.Alg()}),
		jwt.WithIssuer(s.config.Issuer),
		jwt.WithAudience(s.config.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(s.config.ClockSkew),
	)
	if err != nil {
		return nil, mapJWTError(err)
	}
	if claims.ID == "" {
		return nil, ErrTokenMalformed
	}
	return claims, nil
}

// parseSigned verifies only the signature, ignoring expiry and the other
// time-based claims.
func (s *Service) parseSigned(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, s.keyFunc,
		jwt.WithValidMethods([]string{s.method.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return nil, mapJWTError(err)
	}
	if claims.ID == "" {
		return nil, ErrTokenMalformed
	}
	return claims, nil
}

// parseUnverified decodes claims without checking the signature.
func parseUnverified(tokenString string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil, ErrTokenMalformed
	}
	if claims.ID == "" {
		return nil, ErrTokenMalformed
	}
	return claims, nil
}

// mapJWTError maps JWT library errors to our error types.
func mapJWTError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ErrTokenMalformed
	default:
		return errors.Join(ErrTokenInvalid, err)
	}
}

// LooksLikeJWT reports whether s has the shape of a compact JWS: three
// dot-separated segments whose header decodes to JSON naming an algorithm.
func LooksLikeJWT(s string) bool {
	parts := strings.Split(s, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return false
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return false
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(raw, &header); err != nil {
		return false
	}
	return header.Alg != ""
}
