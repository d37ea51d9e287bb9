package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aloks98/agentauth/store"
)

const userCutoffPrefix = "user:"

func userCutoffKey(userID string) string {
	return userCutoffPrefix + userID
}

// checkRevoked rejects blacklisted jtis and tokens issued at or before the
// subject's revoke-all cutoff. Store errors are returned, never ignored.
func (s *Service) checkRevoked(ctx context.Context, c *Claims) error {
	entry, err := store.GetJSON[store.BlacklistEntry](ctx, s.store, store.TableJWTBlacklist, c.ID)
	if err != nil {
		return fmt.Errorf("blacklist lookup: %w", err)
	}
	if entry != nil {
		return ErrTokenBlacklisted
	}

	if c.Subject == "" {
		return nil
	}
	cutoff, err := store.GetJSON[store.BlacklistEntry](ctx, s.store, store.TableJWTBlacklist, userCutoffKey(c.Subject))
	if err != nil {
		return fmt.Errorf("blacklist lookup: %w", err)
	}
	if cutoff != nil && issuedBeforeCutoff(c, cutoff) {
		return ErrTokenBlacklisted
	}
	return nil
}

// issuedBeforeCutoff compares nanosecond issue times when both sides carry
// them and falls back to whole seconds otherwise, rejecting ties.
func issuedBeforeCutoff(c *Claims, cutoff *store.BlacklistEntry) bool {
	if c.IssuedAtNano > 0 && cutoff.RevokedBeforeNano > 0 {
		return c.IssuedAtNano <= cutoff.RevokedBeforeNano
	}
	return c.IssuedAt == nil || c.IssuedAt.Unix() <= cutoff.RevokedBefore
}

// IsBlacklisted reports whether a jti has been revoked.
func (s *Service) IsBlacklisted(ctx context.Context, jti string) (bool, error) {
	entry, err := store.GetJSON[store.BlacklistEntry](ctx, s.store, store.TableJWTBlacklist, jti)
	if err != nil {
		return false, err
	}
	return entry != nil, nil
}

// addToBlacklist records jti until the token's own expiry.
func (s *Service) addToBlacklist(ctx context.Context, jti string, expiresAt time.Time) error {
	entry := &store.BlacklistEntry{
		JTI:       jti,
		ExpiresAt: expiresAt.Unix(),
		CreatedAt: time.Now(),
	}
	return store.PutJSON(ctx, s.store, store.TableJWTBlacklist, jti, entry)
}

// RevokeToken revokes a single token. Refresh tokens are removed from the
// tracking table; every kind is blacklisted by jti until it expires.
// Revoking an already expired token is a no-op.
func (s *Service) RevokeToken(ctx context.Context, tokenString string) error {
	claims, err := s.parseSigned(tokenString)
	if err != nil {
		return err
	}

	if claims.Type == TypeRefresh {
		if _, err := s.store.Delete(ctx, store.TableJWTRefreshTokens, claims.ID); err != nil {
			return fmt.Errorf("failed to remove refresh token: %w", err)
		}
	}

	if claims.ExpiresAt == nil || !claims.ExpiresAt.After(time.Now()) {
		return nil
	}
	if err := s.addToBlacklist(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
		return fmt.Errorf("failed to blacklist token: %w", err)
	}
	s.logger.Debug("jwt revoked", "jti", claims.ID, "type", claims.Type)
	return nil
}

// RevokeAllTokens removes every tracked refresh session of a user and
// records a cutoff rejecting all of the user's tokens issued up to now,
// including self-contained access tokens. Returns the number of refresh
// sessions removed.
func (s *Service) RevokeAllTokens(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, ErrUserIDRequired
	}

	sessions, err := store.ListJSON[store.RefreshToken](ctx, s.store, store.TableJWTRefreshTokens)
	if err != nil {
		return 0, err
	}

	var count int
	var errs []error
	for jti, rec := range sessions {
		if rec.UserID != userID {
			continue
		}
		deleted, err := s.store.Delete(ctx, store.TableJWTRefreshTokens, jti)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if deleted {
			count++
		}
	}

	now := time.Now()
	cutoff := &store.BlacklistEntry{
		JTI:               userCutoffKey(userID),
		RevokedBefore:     now.Unix(),
		RevokedBeforeNano: now.UnixNano(),
		ExpiresAt:         now.Add(s.longestTTL()).Unix(),
		CreatedAt:         now,
	}
	if err := store.PutJSON(ctx, s.store, store.TableJWTBlacklist, cutoff.JTI, cutoff); err != nil {
		errs = append(errs, fmt.Errorf("failed to record cutoff: %w", err))
	}

	s.logger.Info("all jwt tokens revoked", "user_id", userID, "sessions", count)
	return count, errors.Join(errs...)
}

func (s *Service) longestTTL() time.Duration {
	return max(s.config.AccessTokenTTL, s.config.RefreshTokenTTL, s.config.ServiceTokenTTL)
}

// CleanupExpired removes blacklist entries and refresh sessions whose
// tokens can no longer validate anyway.
func (s *Service) CleanupExpired(ctx context.Context) (int64, error) {
	var count int64
	var errs []error

	entries, err := store.ListJSON[store.BlacklistEntry](ctx, s.store, store.TableJWTBlacklist)
	if err != nil {
		return 0, err
	}
	for key, e := range entries {
		if !e.IsExpired() {
			continue
		}
		deleted := false
		err := store.UpdateJSON(ctx, s.store, store.TableJWTBlacklist, key, func(cur *store.BlacklistEntry) (*store.BlacklistEntry, error) {
			if cur == nil || !cur.IsExpired() {
				return nil, store.ErrSkipWrite
			}
			deleted = true
			return nil, nil
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if deleted {
			count++
		}
	}

	sessions, err := store.ListJSON[store.RefreshToken](ctx, s.store, store.TableJWTRefreshTokens)
	if err != nil {
		return count, errors.Join(append(errs, err)...)
	}
	for jti, rec := range sessions {
		if !rec.IsExpired() {
			continue
		}
		deleted, err := s.store.Delete(ctx, store.TableJWTRefreshTokens, jti)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if deleted {
			count++
		}
	}

	return count, errors.Join(errs...)
}
