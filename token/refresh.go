package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aloks98/agentauth/store"
)

// RefreshAccessToken issues a new access token from a refresh token. The
// refresh token must carry type=refresh, still be tracked server-side, and
// have been issued no longer than MaxRefreshAge ago. It is returned
// unchanged in the pair.
func (s *Service) RefreshAccessToken(ctx context.Context, refreshToken string) (*Pair, error) {
	claims, err := s.validate(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, ErrTokenExpired) {
			return nil, ErrRefreshTokenExpired
		}
		return nil, fmt.Errorf("%w: %w", ErrRefreshTokenInvalid, err)
	}
	if claims.Type != TypeRefresh {
		return nil, fmt.Errorf("%w: %w", ErrRefreshTokenInvalid, ErrWrongTokenType)
	}

	now := time.Now()
	if claims.IssuedAt == nil || now.Sub(claims.IssuedAt.Time) > s.config.MaxRefreshAge {
		return nil, ErrRefreshTokenExpired
	}

	record, err := store.GetJSON[store.RefreshToken](ctx, s.store, store.TableJWTRefreshTokens, claims.ID)
	if err != nil {
		return nil, err
	}
	if record == nil || record.UserID != claims.Subject {
		return nil, ErrRefreshTokenInvalid
	}
	if record.IsExpired() {
		return nil, ErrRefreshTokenExpired
	}

	access, err := s.newClaims(TypeAccess, claims.Subject, now, s.config.AccessTokenTTL)
	if err != nil {
		return nil, err
	}
	access.Username = claims.Username
	access.Roles = claims.Roles
	access.Permissions = claims.Permissions
	access.SessionID = claims.SessionID
	access.Custom = claims.Custom

	accessToken, err := s.sign(access)
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}

	return &Pair{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		TokenType:        "Bearer",
		ExpiresIn:        int64(s.config.AccessTokenTTL.Seconds()),
		ExpiresAt:        access.ExpiresAt.Time,
		RefreshExpiresAt: record.ExpiresAt,
		SessionID:        claims.SessionID,
	}, nil
}

// ListSessions returns the tracked refresh sessions of a user.
func (s *Service) ListSessions(ctx context.Context, userID string) ([]*store.RefreshToken, error) {
	all, err := store.ListJSON[store.RefreshToken](ctx, s.store, store.TableJWTRefreshTokens)
	if err != nil {
		return nil, err
	}
	var out []*store.RefreshToken
	for _, rec := range all {
		if rec.UserID == userID && !rec.IsExpired() {
			out = append(out, rec)
		}
	}
	return out, nil
}
