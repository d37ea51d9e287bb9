package bearer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aloks98/agentauth/internal/crypto"
	"github.com/aloks98/agentauth/store"
)

// Token type hints used in introspection responses.
const (
	TokenTypeAccess  = "access_token"
	TokenTypeRefresh = "refresh_token"
)

// TokenPair is an OAuth2 token response.
type TokenPair struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshExpiresIn int64  `json:"refresh_expires_in"`
	Scope            string `json:"scope,omitempty"`
}

// PairOptions holds options for GenerateTokenPair.
type PairOptions struct {
	Scope string

	// AccessTTL overrides Config.AccessTokenTTL.
	AccessTTL time.Duration

	// RefreshTTL overrides Config.RefreshTokenTTL.
	RefreshTTL time.Duration
}

// Introspection is an RFC 7662 style introspection response.
type Introspection struct {
	Active    bool   `json:"active"`
	TokenType string `json:"token_type,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Scope     string `json:"scope,omitempty"`
	Exp       int64  `json:"exp,omitempty"`
	Iat       int64  `json:"iat,omitempty"`
}

// GenerateTokenPair issues an access token together with a longer-lived
// refresh token that can mint further access tokens.
func (s *Service) GenerateTokenPair(ctx context.Context, clientID string, permissions []string, opts *PairOptions) (*TokenPair, error) {
	if clientID == "" {
		return nil, ErrClientIDRequired
	}
	if opts == nil {
		opts = &PairOptions{}
	}
	accessTTL := opts.AccessTTL
	if accessTTL <= 0 {
		accessTTL = s.config.AccessTokenTTL
	}
	refreshTTL := opts.RefreshTTL
	if refreshTTL <= 0 {
		refreshTTL = s.config.RefreshTokenTTL
	}

	refreshRaw, err := crypto.NewToken(s.config.RefreshPrefix, s.config.TokenLength)
	if err != nil {
		return nil, err
	}
	refreshHash := s.HashToken(refreshRaw)

	accessRaw, access, err := s.issueAccess(ctx, clientID, permissions, opts.Scope, s.config.Prefix, accessTTL, refreshHash)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	refresh := &store.BearerRefreshToken{
		TokenHash:          refreshHash,
		Type:               store.TokenTypeRefresh,
		ClientID:           clientID,
		Permissions:        permissions,
		Scope:              opts.Scope,
		CreatedAt:          now,
		ExpiresAt:          now.Add(refreshTTL),
		MintedAccessTokens: []string{access.TokenHash},
	}
	if err := store.PutJSON(ctx, s.store, store.TableBearerRefreshTokens, refreshHash, refresh); err != nil {
		_, _ = s.store.Delete(ctx, store.TableBearerTokens, access.TokenHash)
		return nil, fmt.Errorf("failed to save refresh token: %w", err)
	}

	s.logger.Debug("token pair issued", "client_id", clientID)

	return &TokenPair{
		AccessToken:      accessRaw,
		RefreshToken:     refreshRaw,
		TokenType:        "Bearer",
		ExpiresIn:        int64(accessTTL.Seconds()),
		RefreshExpiresIn: int64(refreshTTL.Seconds()),
		Scope:            opts.Scope,
	}, nil
}

// RefreshAccessToken mints a new access token from a refresh token. The
// refresh token itself stays valid until it expires or is revoked, and the
// new access token is recorded on it.
func (s *Service) RefreshAccessToken(ctx context.Context, refreshToken string) (*TokenPair, error) {
	refreshHash := s.HashToken(refreshToken)

	current, err := store.GetJSON[store.BearerRefreshToken](ctx, s.store, store.TableBearerRefreshTokens, refreshHash)
	if err != nil {
		return nil, err
	}
	if err := checkRefresh(current); err != nil {
		return nil, err
	}

	accessRaw, access, err := s.issueAccess(ctx, current.ClientID, current.Permissions, current.Scope, s.config.Prefix, s.config.AccessTokenTTL, refreshHash)
	if err != nil {
		return nil, err
	}

	var refresh *store.BearerRefreshToken
	err = store.UpdateJSON(ctx, s.store, store.TableBearerRefreshTokens, refreshHash, func(rec *store.BearerRefreshToken) (*store.BearerRefreshToken, error) {
		// Re-checked so a concurrent revoke or expiry wins.
		if err := checkRefresh(rec); err != nil {
			return nil, err
		}
		rec.MintedAccessTokens = append(rec.MintedAccessTokens, access.TokenHash)
		refresh = rec
		return rec, nil
	})
	if err != nil {
		_, _ = s.store.Delete(ctx, store.TableBearerTokens, access.TokenHash)
		return nil, err
	}

	s.logger.Debug("access token refreshed", "client_id", refresh.ClientID, "minted", len(refresh.MintedAccessTokens))

	return &TokenPair{
		AccessToken:      accessRaw,
		RefreshToken:     refreshToken,
		TokenType:        "Bearer",
		ExpiresIn:        int64(s.config.AccessTokenTTL.Seconds()),
		RefreshExpiresIn: int64(time.Until(refresh.ExpiresAt).Seconds()),
		Scope:            refresh.Scope,
	}, nil
}

func checkRefresh(rec *store.BearerRefreshToken) error {
	if rec == nil || rec.Type != store.TokenTypeRefresh {
		return ErrRefreshTokenInvalid
	}
	if rec.IsExpired() {
		return ErrRefreshTokenExpired
	}
	return nil
}

// RevokeRefreshToken removes a refresh token and every access token it
// minted. It returns the number of access tokens removed.
func (s *Service) RevokeRefreshToken(ctx context.Context, refreshToken string) (int, error) {
	var minted []string
	found := false
	err := store.UpdateJSON(ctx, s.store, store.TableBearerRefreshTokens, s.HashToken(refreshToken), func(rec *store.BearerRefreshToken) (*store.BearerRefreshToken, error) {
		if rec == nil {
			return nil, store.ErrSkipWrite
		}
		found = true
		minted = rec.MintedAccessTokens
		return nil, nil
	})
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, ErrRefreshTokenInvalid
	}

	var count int
	var errs []error
	for _, h := range minted {
		existed, err := s.store.Delete(ctx, store.TableBearerTokens, h)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if existed {
			count++
		}
	}
	return count, errors.Join(errs...)
}

// IntrospectToken describes a token of either kind. Unknown and expired
// tokens report only Active=false.
func (s *Service) IntrospectToken(ctx context.Context, token string) (*Introspection, error) {
	h := s.HashToken(token)

	access, err := store.GetJSON[store.BearerToken](ctx, s.store, store.TableBearerTokens, h)
	if err != nil {
		return nil, err
	}
	if access != nil {
		if access.IsExpired() {
			return &Introspection{Active: false}, nil
		}
		resp := &Introspection{
			Active:    true,
			TokenType: TokenTypeAccess,
			ClientID:  access.ClientID,
			Scope:     access.Scope,
			Iat:       access.CreatedAt.Unix(),
		}
		if access.ExpiresAt != nil {
			resp.Exp = access.ExpiresAt.Unix()
		}
		return resp, nil
	}

	refresh, err := store.GetJSON[store.BearerRefreshToken](ctx, s.store, store.TableBearerRefreshTokens, h)
	if err != nil {
		return nil, err
	}
	if checkRefresh(refresh) != nil {
		return &Introspection{Active: false}, nil
	}
	return &Introspection{
		Active:    true,
		TokenType: TokenTypeRefresh,
		ClientID:  refresh.ClientID,
		Scope:     refresh.Scope,
		Exp:       refresh.ExpiresAt.Unix(),
		Iat:       refresh.CreatedAt.Unix(),
	}, nil
}
