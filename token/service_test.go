package token

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/aloks98/agentauth/identity"
	"github.com/aloks98/agentauth/store"
	"github.com/aloks98/agentauth/store/memory"
)

const testSecret = "this-is-a-32-character-secret!!!"

func newTestService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	s := memory.New()
	svc, err := NewService(&Config{
		Secret:          testSecret,
		SigningMethod:   "HS256",
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 30 * 24 * time.Hour,
	}, s)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	return svc, s
}

func testUser() *identity.UserContext {
	return &identity.UserContext{
		UserID:      "user-123",
		Username:    "alice",
		Roles:       []string{"developer"},
		Permissions: []string{"agent:read"},
	}
}

// craft signs a token of the given type whose validity window is
// [issued, issued+ttl).
func craft(t *testing.T, svc *Service, typ, sub string, issued time.Time, ttl time.Duration) (string, *Claims) {
	t.Helper()
	claims, err := svc.newClaims(typ, sub, issued, ttl)
	if err != nil {
		t.Fatalf("newClaims() error = %v", err)
	}
	tok, err := svc.sign(claims)
	if err != nil {
		t.Fatalf("sign() error = %v", err)
	}
	return tok, claims
}

func TestNewService(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	tests := []struct {
		name    string
		cfg     *Config
		wantErr bool
	}{
		{"HS256", &Config{Secret: testSecret, SigningMethod: "HS256"}, false},
		{"HS384", &Config{Secret: testSecret, SigningMethod: "HS384"}, false},
		{"HS512", &Config{Secret: testSecret, SigningMethod: "HS512"}, false},
		{"RS256", &Config{PrivateKey: key, SigningMethod: "RS256"}, false},
		{"RS384", &Config{PrivateKey: key, SigningMethod: "RS384"}, false},
		{"RS512", &Config{PrivateKey: key, SigningMethod: "RS512"}, false},
		{"default", &Config{Secret: testSecret}, false},
		{"unknown method", &Config{Secret: testSecret, SigningMethod: "ES256"}, true},
		{"missing secret", &Config{SigningMethod: "HS256"}, true},
		{"missing private key", &Config{SigningMethod: "RS256"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, err := NewService(tt.cfg, memory.New())
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewService() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}

			pair, err := svc.CreateTokens(context.Background(), testUser(), nil)
			if err != nil {
				t.Fatalf("CreateTokens() error = %v", err)
			}
			if _, err := svc.ValidateToken(context.Background(), pair.AccessToken); err != nil {
				t.Errorf("ValidateToken() error = %v", err)
			}
		})
	}
}

func TestNewService_Defaults(t *testing.T) {
	svc, err := NewService(&Config{Secret: testSecret}, memory.New())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if svc.SigningMethod() != "HS256" {
		t.Errorf("expected HS256, got %s", svc.SigningMethod())
	}
	if svc.config.MaxRefreshAge != DefaultMaxRefreshAge {
		t.Errorf("expected max refresh age %v, got %v", DefaultMaxRefreshAge, svc.config.MaxRefreshAge)
	}
	if svc.config.Issuer != DefaultIssuer || svc.config.Audience != DefaultAudience {
		t.Errorf("expected default issuer and audience, got %q %q", svc.config.Issuer, svc.config.Audience)
	}
}

func TestCreateTokens(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()

	pair, err := svc.CreateTokens(ctx, testUser(), map[string]any{"tenant": "acme"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("expected both tokens")
	}
	if pair.TokenType != "Bearer" {
		t.Errorf("expected token type Bearer, got %s", pair.TokenType)
	}
	if pair.ExpiresIn != 900 {
		t.Errorf("expected expires_in 900, got %d", pair.ExpiresIn)
	}
	if pair.SessionID == "" {
		t.Error("expected a session id")
	}
	if !pair.RefreshExpiresAt.After(pair.ExpiresAt) {
		t.Error("refresh token should outlive the access token")
	}

	uc, err := svc.ValidateToken(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if uc.UserID != "user-123" || uc.Username != "alice" {
		t.Errorf("unexpected identity %q %q", uc.UserID, uc.Username)
	}
	if len(uc.Roles) != 1 || uc.Roles[0] != "developer" {
		t.Errorf("expected roles [developer], got %v", uc.Roles)
	}
	if uc.AuthMethod != identity.AuthMethodJWT {
		t.Errorf("expected jwt auth method, got %s", uc.AuthMethod)
	}
	if uc.SessionID != pair.SessionID {
		t.Errorf("expected session %s, got %s", pair.SessionID, uc.SessionID)
	}
	if uc.Attributes["tenant"] != "acme" {
		t.Errorf("expected custom claim in attributes, got %v", uc.Attributes)
	}
	if uc.Attributes["token_type"] != TypeAccess {
		t.Errorf("expected token_type access, got %v", uc.Attributes["token_type"])
	}

	sessions, _ := store.ListJSON[store.RefreshToken](ctx, s, store.TableJWTRefreshTokens)
	if len(sessions) != 1 {
		t.Fatalf("expected 1 tracked refresh token, got %d", len(sessions))
	}
	for _, rec := range sessions {
		if rec.UserID != "user-123" || rec.SessionID != pair.SessionID {
			t.Errorf("unexpected session record %+v", rec)
		}
	}
}

func TestCreateTokens_KeepsSessionID(t *testing.T) {
	svc, _ := newTestService(t)
	uc := testUser()
	uc.SessionID = "sess-1"

	pair, err := svc.CreateTokens(context.Background(), uc, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pair.SessionID != "sess-1" {
		t.Errorf("expected session sess-1, got %s", pair.SessionID)
	}
}

func TestCreateTokens_RequiresUser(t *testing.T) {
	svc, _ := newTestService(t)

	if _, err := svc.CreateTokens(context.Background(), nil, nil); !errors.Is(err, ErrUserIDRequired) {
		t.Errorf("expected ErrUserIDRequired, got %v", err)
	}
	if _, err := svc.CreateTokens(context.Background(), &identity.UserContext{}, nil); !errors.Is(err, ErrUserIDRequired) {
		t.Errorf("expected ErrUserIDRequired, got %v", err)
	}
}

func TestValidateToken_ExpiredOneSecondAgo(t *testing.T) {
	svc, _ := newTestService(t)

	tok, _ := craft(t, svc, TypeAccess, "user-123", time.Now().Add(-time.Hour), time.Hour-time.Second)

	_, err := svc.ValidateToken(context.Background(), tok)
	if !errors.Is(err, ErrTokenExpired) {
		t.Errorf("expected ErrTokenExpired, got %v", err)
	}
}

func TestValidateToken_RejectsRefresh(t *testing.T) {
	svc, _ := newTestService(t)
	pair, _ := svc.CreateTokens(context.Background(), testUser(), nil)

	_, err := svc.ValidateToken(context.Background(), pair.RefreshToken)
	if !errors.Is(err, ErrWrongTokenType) {
		t.Errorf("expected ErrWrongTokenType, got %v", err)
	}
}

func TestValidateToken_Invalid(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	otherIssuer, _ := NewService(&Config{Secret: testSecret, Issuer: "someone-else"}, memory.New())
	otherAudience, _ := NewService(&Config{Secret: testSecret, Audience: "other-api"}, memory.New())
	otherSecret, _ := NewService(&Config{Secret: "a-completely-different-secret!!!"}, memory.New())
	hs512, _ := NewService(&Config{Secret: testSecret, SigningMethod: "HS512"}, memory.New())

	mint := func(svc *Service) string {
		pair, err := svc.CreateTokens(ctx, testUser(), nil)
		if err != nil {
			t.Fatalf("CreateTokens() error = %v", err)
		}
		return pair.AccessToken
	}

	none := func() string {
		claims, _ := svc.newClaims(TypeAccess, "user-123", time.Now(), time.Hour)
		tok, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
		if err != nil {
			t.Fatalf("failed to sign none token: %v", err)
		}
		return tok
	}

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"wrong issuer", mint(otherIssuer), ErrTokenInvalid},
		{"wrong audience", mint(otherAudience), ErrTokenInvalid},
		{"wrong secret", mint(otherSecret), ErrTokenInvalid},
		{"wrong algorithm", mint(hs512), ErrTokenInvalid},
		{"alg none", none(), ErrTokenInvalid},
		{"garbage", "not-a-jwt", ErrTokenMalformed},
		{"empty", "", ErrTokenMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			uc, err := svc.ValidateToken(ctx, tt.token)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
			if uc != nil {
				t.Error("expected no user context")
			}
		})
	}
}

type failingStore struct {
	*memory.Store
}

func (f failingStore) Get(context.Context, string, string) ([]byte, error) {
	return nil, errors.New("store down")
}

func TestValidateToken_BlacklistFailsClosed(t *testing.T) {
	svc, s := newTestService(t)
	pair, _ := svc.CreateTokens(context.Background(), testUser(), nil)

	broken, _ := NewService(&Config{Secret: testSecret}, failingStore{s})
	uc, err := broken.ValidateToken(context.Background(), pair.AccessToken)
	if err == nil || uc != nil {
		t.Errorf("expected validation to fail when the blacklist is unreadable, got %v, %v", uc, err)
	}
}

func TestRefreshAccessToken(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	pair, _ := svc.CreateTokens(ctx, testUser(), map[string]any{"tenant": "acme"})

	next, err := svc.RefreshAccessToken(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.RefreshToken != pair.RefreshToken {
		t.Error("refresh token should be returned unchanged")
	}
	if next.SessionID != pair.SessionID {
		t.Errorf("expected session %s, got %s", pair.SessionID, next.SessionID)
	}

	uc, err := svc.ValidateToken(ctx, next.AccessToken)
	if err != nil {
		t.Fatalf("refreshed access token should validate: %v", err)
	}
	if uc.Username != "alice" || uc.Attributes["tenant"] != "acme" {
		t.Errorf("claims should carry over, got %+v", uc)
	}
}

func TestRefreshAccessToken_AccessTypeRejected(t *testing.T) {
	svc, _ := newTestService(t)
	pair, _ := svc.CreateTokens(context.Background(), testUser(), nil)

	_, err := svc.RefreshAccessToken(context.Background(), pair.AccessToken)
	if !errors.Is(err, ErrRefreshTokenInvalid) {
		t.Errorf("expected ErrRefreshTokenInvalid, got %v", err)
	}
	if !errors.Is(err, ErrWrongTokenType) {
		t.Errorf("expected ErrWrongTokenType, got %v", err)
	}
}

func TestRefreshAccessToken_MaxAge(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()

	// Issued 8 days ago, own expiry still 22 days out.
	issued := time.Now().Add(-8 * 24 * time.Hour)
	tok, claims := craft(t, svc, TypeRefresh, "user-123", issued, 30*24*time.Hour)
	_ = store.PutJSON(ctx, s, store.TableJWTRefreshTokens, claims.ID, &store.RefreshToken{
		ID:        claims.ID,
		UserID:    "user-123",
		IssuedAt:  issued,
		ExpiresAt: claims.ExpiresAt.Time,
	})

	if _, err := svc.RefreshAccessToken(ctx, tok); !errors.Is(err, ErrRefreshTokenExpired) {
		t.Errorf("expected ErrRefreshTokenExpired, got %v", err)
	}
}

func TestRefreshAccessToken_Expired(t *testing.T) {
	svc, _ := newTestService(t)

	tok, _ := craft(t, svc, TypeRefresh, "user-123", time.Now().Add(-time.Hour), time.Minute)
	if _, err := svc.RefreshAccessToken(context.Background(), tok); !errors.Is(err, ErrRefreshTokenExpired) {
		t.Errorf("expected ErrRefreshTokenExpired, got %v", err)
	}
}

func TestRefreshAccessToken_Untracked(t *testing.T) {
	svc, _ := newTestService(t)

	tok, _ := craft(t, svc, TypeRefresh, "user-123", time.Now(), time.Hour)
	if _, err := svc.RefreshAccessToken(context.Background(), tok); !errors.Is(err, ErrRefreshTokenInvalid) {
		t.Errorf("expected ErrRefreshTokenInvalid, got %v", err)
	}
}

func TestRevokeToken_Access(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()
	pair, _ := svc.CreateTokens(ctx, testUser(), nil)

	if err := svc.RevokeToken(ctx, pair.AccessToken); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := svc.ValidateToken(ctx, pair.AccessToken); !errors.Is(err, ErrTokenBlacklisted) {
		t.Errorf("expected ErrTokenBlacklisted, got %v", err)
	}

	// Entry is bounded by the token's own expiry.
	claims, _ := parseUnverified(pair.AccessToken)
	entry, _ := store.GetJSON[store.BlacklistEntry](ctx, s, store.TableJWTBlacklist, claims.ID)
	if entry == nil {
		t.Fatal("expected blacklist entry")
	}
	if entry.ExpiresAt != claims.ExpiresAt.Unix() {
		t.Errorf("expected entry expiry %d, got %d", claims.ExpiresAt.Unix(), entry.ExpiresAt)
	}

	blacklisted, err := svc.IsBlacklisted(ctx, claims.ID)
	if err != nil || !blacklisted {
		t.Errorf("IsBlacklisted() = %v, %v; want true, nil", blacklisted, err)
	}
}

func TestRevokeToken_Refresh(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()
	pair, _ := svc.CreateTokens(ctx, testUser(), nil)

	if err := svc.RevokeToken(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := svc.RefreshAccessToken(ctx, pair.RefreshToken); !errors.Is(err, ErrRefreshTokenInvalid) {
		t.Errorf("expected ErrRefreshTokenInvalid, got %v", err)
	}

	sessions, _ := store.ListJSON[store.RefreshToken](ctx, s, store.TableJWTRefreshTokens)
	if len(sessions) != 0 {
		t.Errorf("expected refresh session removed, got %d", len(sessions))
	}

	// The access token of the same pair is unaffected.
	if _, err := svc.ValidateToken(ctx, pair.AccessToken); err != nil {
		t.Errorf("access token should still validate: %v", err)
	}
}

func TestRevokeToken_Forged(t *testing.T) {
	svc, _ := newTestService(t)
	other, _ := NewService(&Config{Secret: "a-completely-different-secret!!!"}, memory.New())
	pair, _ := other.CreateTokens(context.Background(), testUser(), nil)

	if err := svc.RevokeToken(context.Background(), pair.AccessToken); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestRevokeAllTokens(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	first, _ := svc.CreateTokens(ctx, testUser(), nil)
	second, _ := svc.CreateTokens(ctx, testUser(), nil)
	bob := &identity.UserContext{UserID: "user-456", Username: "bob"}
	other, _ := svc.CreateTokens(ctx, bob, nil)

	sessions, _ := svc.ListSessions(ctx, "user-123")
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}

	count, err := svc.RevokeAllTokens(ctx, "user-123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 sessions revoked, got %d", count)
	}

	for _, tok := range []string{first.AccessToken, second.AccessToken} {
		if _, err := svc.ValidateToken(ctx, tok); !errors.Is(err, ErrTokenBlacklisted) {
			t.Errorf("expected ErrTokenBlacklisted, got %v", err)
		}
	}
	if _, err := svc.RefreshAccessToken(ctx, first.RefreshToken); !errors.Is(err, ErrRefreshTokenInvalid) {
		t.Errorf("expected ErrRefreshTokenInvalid, got %v", err)
	}

	if _, err := svc.ValidateToken(ctx, other.AccessToken); err != nil {
		t.Errorf("other user's token should still validate: %v", err)
	}
}

func TestRevokeAllTokens_ReissueInSameSecond(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	before, _ := svc.CreateTokens(ctx, testUser(), nil)
	if _, err := svc.RevokeAllTokens(ctx, "user-123"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Logging in again right away must work even though iat equals the
	// cutoff second.
	after, err := svc.CreateTokens(ctx, testUser(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := svc.ValidateToken(ctx, after.AccessToken); err != nil {
		t.Errorf("token issued after revoke-all should validate: %v", err)
	}
	if _, err := svc.RefreshAccessToken(ctx, after.RefreshToken); err != nil {
		t.Errorf("refresh issued after revoke-all should work: %v", err)
	}
	if _, err := svc.ValidateToken(ctx, before.AccessToken); !errors.Is(err, ErrTokenBlacklisted) {
		t.Errorf("expected ErrTokenBlacklisted for earlier token, got %v", err)
	}
}

func TestIssuedBeforeCutoff(t *testing.T) {
	sec := time.Unix(1_700_000_000, 0)
	cutoff := &store.BlacklistEntry{RevokedBefore: sec.Unix(), RevokedBeforeNano: sec.Add(300 * time.Millisecond).UnixNano()}

	tests := []struct {
		name   string
		claims *Claims
		want   bool
	}{
		{"earlier in same second", &Claims{IssuedAtNano: sec.Add(100 * time.Millisecond).UnixNano()}, true},
		{"later in same second", &Claims{IssuedAtNano: sec.Add(500 * time.Millisecond).UnixNano()}, false},
		{"exact tie", &Claims{IssuedAtNano: cutoff.RevokedBeforeNano}, true},
		{"seconds only, same second", &Claims{RegisteredClaims: jwt.RegisteredClaims{IssuedAt: jwt.NewNumericDate(sec)}}, true},
		{"seconds only, next second", &Claims{RegisteredClaims: jwt.RegisteredClaims{IssuedAt: jwt.NewNumericDate(sec.Add(time.Second))}}, false},
		{"no issue time", &Claims{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := issuedBeforeCutoff(tt.claims, cutoff); got != tt.want {
				t.Errorf("issuedBeforeCutoff() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCreateServiceToken(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	tok, err := svc.CreateServiceToken(ctx, "indexer", []string{"document:read"}, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	uc, err := svc.ValidateToken(ctx, tok)
	if err != nil {
		t.Fatalf("service token should validate: %v", err)
	}
	if uc.UserID != "indexer" || uc.Attributes["token_type"] != TypeService {
		t.Errorf("unexpected user context %+v", uc)
	}
	if len(uc.Permissions) != 1 || uc.Permissions[0] != "document:read" {
		t.Errorf("expected permissions [document:read], got %v", uc.Permissions)
	}
	if time.Until(uc.ExpiresAt) > DefaultServiceTokenTTL {
		t.Errorf("expected default service ttl, expires at %v", uc.ExpiresAt)
	}

	if _, err := svc.RefreshAccessToken(ctx, tok); !errors.Is(err, ErrWrongTokenType) {
		t.Errorf("service token must not refresh, got %v", err)
	}
	if _, err := svc.CreateServiceToken(ctx, "", nil, 0); !errors.Is(err, ErrUserIDRequired) {
		t.Errorf("expected ErrUserIDRequired, got %v", err)
	}
}

func TestCleanupExpired(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)

	_ = store.PutJSON(ctx, s, store.TableJWTBlacklist, "old", &store.BlacklistEntry{JTI: "old", ExpiresAt: past.Unix()})
	_ = store.PutJSON(ctx, s, store.TableJWTBlacklist, "live", &store.BlacklistEntry{JTI: "live", ExpiresAt: time.Now().Add(time.Hour).Unix()})
	_ = store.PutJSON(ctx, s, store.TableJWTRefreshTokens, "stale", &store.RefreshToken{ID: "stale", UserID: "u", ExpiresAt: past})
	pair, _ := svc.CreateTokens(ctx, testUser(), nil)

	n, err := svc.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 removed, got %d", n)
	}
	if ok, _ := svc.IsBlacklisted(ctx, "live"); !ok {
		t.Error("live entry should survive cleanup")
	}
	if _, err := svc.RefreshAccessToken(ctx, pair.RefreshToken); err != nil {
		t.Errorf("live session should survive cleanup: %v", err)
	}
}

func TestLooksLikeJWT(t *testing.T) {
	svc, _ := newTestService(t)
	pair, _ := svc.CreateTokens(context.Background(), testUser(), nil)

	tests := []struct {
		name  string
		input string
		want  bool
	}{
		{"jwt", pair.AccessToken, true},
		{"api key", "ak.dGhpcyBpcyBub3QgYSBqd3Q", false},
		{"bearer token", "bt_Zm9vYmFy", false},
		{"three dots no header", "a.b.c", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := LooksLikeJWT(tt.input); got != tt.want {
				t.Errorf("LooksLikeJWT(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
