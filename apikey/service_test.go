package apikey

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aloks98/agentauth/identity"
	"github.com/aloks98/agentauth/store"
	"github.com/aloks98/agentauth/store/memory"
)

var testSalt = []byte("0123456789abcdef0123456789abcdef")

func newTestService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	s := memory.New()
	cfg := &Config{
		Prefix:     "ak_test",
		KeyLength:  32,
		HintLength: 4,
		Salt:       testSalt,
	}
	svc, err := NewService(cfg, s)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	return svc, s
}

func TestNewService(t *testing.T) {
	s := memory.New()

	// Salt is mandatory
	if _, err := NewService(nil, s); !errors.Is(err, ErrSaltRequired) {
		t.Errorf("expected ErrSaltRequired, got %v", err)
	}
	if _, err := NewService(&Config{Salt: []byte("short")}, s); !errors.Is(err, ErrSaltRequired) {
		t.Errorf("expected ErrSaltRequired for short salt, got %v", err)
	}

	// Key length is raised to the minimum
	svc, err := NewService(&Config{Prefix: "api", KeyLength: 8, Salt: testSalt}, s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if svc.config.KeyLength != MinKeyLength {
		t.Errorf("expected key length %d, got %d", MinKeyLength, svc.config.KeyLength)
	}
	if svc.config.HintLength != 4 {
		t.Errorf("expected hint length 4, got %d", svc.config.HintLength)
	}
}

func TestCreateKey(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	result, err := svc.CreateKey(ctx, "svc1", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.ID == "" {
		t.Error("expected ID to be non-empty")
	}
	if !strings.HasPrefix(result.RawKey, "ak_test.") {
		t.Errorf("expected key to start with 'ak_test.', got %q", result.RawKey)
	}
	// 32 bytes base64url without padding is 43 characters
	if got := len(strings.TrimPrefix(result.RawKey, "ak_test.")); got != 43 {
		t.Errorf("expected 43 encoded characters, got %d", got)
	}
	if len(result.Hint) != 4 {
		t.Errorf("expected hint length 4, got %d", len(result.Hint))
	}
	if !strings.HasSuffix(result.RawKey, result.Hint) {
		t.Errorf("hint %q should be the key suffix", result.Hint)
	}
}

func TestCreateKey_Validation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.CreateKey(ctx, "", nil); !errors.Is(err, ErrClientIDRequired) {
		t.Errorf("expected ErrClientIDRequired, got %v", err)
	}
	_, err := svc.CreateKey(ctx, "svc1", &CreateKeyOptions{Permissions: []string{"nocolon"}})
	if err == nil {
		t.Error("expected error for malformed permission")
	}
}

func TestCreateKeyWithTTL(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	result, err := svc.CreateKey(ctx, "svc1", &CreateKeyOptions{TTL: time.Hour})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.ExpiresAt == nil {
		t.Fatal("expected ExpiresAt to be set from TTL")
	}
	diff := time.Until(*result.ExpiresAt)
	if diff < 59*time.Minute || diff > 61*time.Minute {
		t.Errorf("expected expiration ~1 hour from now, got %v", diff)
	}
}

func TestRawKeyNeverStored(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()

	result, err := svc.CreateKey(ctx, "svc1", &CreateKeyOptions{Permissions: []string{"tool:execute"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	raw, _ := s.List(ctx, store.TableAPIKeys)
	encoded := strings.TrimPrefix(result.RawKey, "ak_test.")
	for k, v := range raw {
		if strings.Contains(k, encoded) || strings.Contains(string(v), encoded) {
			t.Fatal("raw key found in store")
		}
	}
}

func TestAuthenticate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	created, err := svc.CreateKey(ctx, "svc1", &CreateKeyOptions{
		Name:        "Service One",
		Permissions: []string{"tool:execute"},
		Roles:       []string{"developer"},
	})
	if err != nil {
		t.Fatalf("unexpected error creating key: %v", err)
	}

	uc, err := svc.Authenticate(ctx, created.RawKey)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if uc == nil {
		t.Fatal("expected user context")
	}
	if uc.UserID != "svc1" {
		t.Errorf("expected user ID 'svc1', got %q", uc.UserID)
	}
	if uc.Username != "Service One" {
		t.Errorf("expected username 'Service One', got %q", uc.Username)
	}
	if uc.AuthMethod != identity.AuthMethodAPIKey {
		t.Errorf("expected auth method api_key, got %q", uc.AuthMethod)
	}
	if !uc.HasRole("developer") {
		t.Error("expected developer role")
	}

	k, _ := svc.GetKey(ctx, created.ID)
	if k.UsageCount != 1 {
		t.Errorf("expected usage count 1, got %d", k.UsageCount)
	}
	if k.LastUsedAt == nil {
		t.Error("expected LastUsedAt to be set")
	}
}

func TestAuthenticate_NotFound(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name string
		key  string
	}{
		{"empty", ""},
		{"no prefix", "invalidkey"},
		{"invalid base64", "ak_test.!!!invalid!!!"},
		{"nonexistent", "ak_test.YWJjZGVmZ2hpamtsbW5vcHFyc3R1dnd4eXo"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			uc, err := svc.Authenticate(ctx, tt.key)
			if err != nil {
				t.Errorf("expected nil error for unknown key, got %v", err)
			}
			if uc != nil {
				t.Error("expected nil user context")
			}
		})
	}
}

func TestAuthenticate_Expired(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	result, _ := svc.CreateKey(ctx, "svc1", &CreateKeyOptions{ExpiresAt: &past})

	_, err := svc.Authenticate(ctx, result.RawKey)
	if !errors.Is(err, ErrKeyExpired) {
		t.Errorf("expected ErrKeyExpired, got %v", err)
	}
}

func TestAuthenticateByHash(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	result, _ := svc.CreateKey(ctx, "svc1", nil)

	byRaw, err := svc.Authenticate(ctx, result.RawKey)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	byHash, err := svc.AuthenticateByHash(ctx, svc.HashKey(result.RawKey))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if byRaw.UserID != byHash.UserID || byRaw.Attributes["key_id"] != byHash.Attributes["key_id"] {
		t.Errorf("hash and raw lookups disagree: %+v vs %+v", byRaw, byHash)
	}
}

func TestRevoke(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	result, _ := svc.CreateKey(ctx, "svc1", nil)

	found, err := svc.Revoke(ctx, result.RawKey)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !found {
		t.Error("expected revoke to find the key")
	}

	_, err = svc.Authenticate(ctx, result.RawKey)
	if !errors.Is(err, ErrKeyInactive) {
		t.Errorf("expected ErrKeyInactive, got %v", err)
	}

	// Idempotent
	found, err = svc.Revoke(ctx, result.RawKey)
	if err != nil || !found {
		t.Errorf("second revoke = %v, %v; want true, nil", found, err)
	}

	found, err = svc.Revoke(ctx, "ak_test.unknown")
	if err != nil || found {
		t.Errorf("revoke of unknown key = %v, %v; want false, nil", found, err)
	}
}

func TestRevokeByID(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	result, _ := svc.CreateKey(ctx, "svc1", nil)

	if err := svc.RevokeByID(ctx, result.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	k, _ := svc.GetKey(ctx, result.ID)
	if k.IsActive || k.RevokedAt == nil {
		t.Error("expected key to be inactive with RevokedAt set")
	}

	if err := svc.RevokeByID(ctx, "missing"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestServiceScenario(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	result, err := svc.CreateKey(ctx, "svc1", &CreateKeyOptions{Permissions: []string{"tool:execute"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if uc, err := svc.Authenticate(ctx, result.RawKey); err != nil || uc == nil {
		t.Fatalf("authenticate = %v, %v; want success", uc, err)
	}

	ok, err := svc.CheckPermission(ctx, result.RawKey, "tool:execute")
	if err != nil || !ok {
		t.Errorf("CheckPermission(tool:execute) = %v, %v; want true", ok, err)
	}
	ok, err = svc.CheckPermission(ctx, result.RawKey, "tool:manage")
	if err != nil || ok {
		t.Errorf("CheckPermission(tool:manage) = %v, %v; want false", ok, err)
	}

	if _, err := svc.Revoke(ctx, result.RawKey); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if uc, err := svc.Authenticate(ctx, result.RawKey); err == nil || uc != nil {
		t.Errorf("authenticate after revoke = %v, %v; want failure", uc, err)
	}
	if ok, _ := svc.CheckPermission(ctx, result.RawKey, "tool:execute"); ok {
		t.Error("revoked key should not pass CheckPermission")
	}
}

func TestAuthenticate_ConcurrentUsage(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	result, _ := svc.CreateKey(ctx, "svc1", nil)

	const workers = 50
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Authenticate(ctx, result.RawKey); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	k, _ := svc.GetKey(ctx, result.ID)
	if k.UsageCount != workers {
		t.Errorf("expected usage count %d, got %d", workers, k.UsageCount)
	}
}

func TestAuthenticate_ConcurrentRevoke(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	result, _ := svc.CreateKey(ctx, "svc1", nil)

	var wg sync.WaitGroup
	var succeeded atomic.Int64

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if uc, err := svc.Authenticate(ctx, result.RawKey); err == nil && uc != nil {
				succeeded.Add(1)
			}
		}()
	}

	if _, err := svc.Revoke(ctx, result.RawKey); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Every call that starts after Revoke returns must fail.
	for i := 0; i < 10; i++ {
		if _, err := svc.Authenticate(ctx, result.RawKey); !errors.Is(err, ErrKeyInactive) {
			t.Errorf("expected ErrKeyInactive after revoke, got %v", err)
		}
	}
	wg.Wait()

	// Usage is only counted for calls that won against the revoke.
	k, _ := svc.GetKey(ctx, result.ID)
	if k.UsageCount != succeeded.Load() {
		t.Errorf("usage count %d does not match %d successful calls", k.UsageCount, succeeded.Load())
	}
}

func TestListKeys(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := svc.CreateKey(ctx, "svc1", nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	_, _ = svc.CreateKey(ctx, "svc2", nil)

	keys, err := svc.ListKeys(ctx, "svc1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(keys) != 3 {
		t.Errorf("expected 3 keys, got %d", len(keys))
	}

	all, _ := svc.ListKeys(ctx, "")
	if len(all) != 4 {
		t.Errorf("expected 4 keys in total, got %d", len(all))
	}
}

func TestCleanupExpired(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		_, _ = svc.CreateKey(ctx, "svc1", &CreateKeyOptions{ExpiresAt: &past})
	}
	_, _ = svc.CreateKey(ctx, "svc1", nil)

	deleted, err := svc.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deleted != 3 {
		t.Errorf("expected 3 deleted, got %d", deleted)
	}

	keys, _ := svc.ListKeys(ctx, "svc1")
	if len(keys) != 1 {
		t.Errorf("expected 1 key remaining, got %d", len(keys))
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Prefix != "ak" {
		t.Errorf("expected prefix 'ak', got %q", cfg.Prefix)
	}
	if cfg.KeyLength != 32 {
		t.Errorf("expected key length 32, got %d", cfg.KeyLength)
	}
	if cfg.HintLength != 4 {
		t.Errorf("expected hint length 4, got %d", cfg.HintLength)
	}
}

func TestKeyUniqueness(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	keys := make(map[string]bool)
	for i := 0; i < 100; i++ {
		result, err := svc.CreateKey(ctx, "svc1", nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if keys[result.RawKey] {
			t.Error("duplicate key generated")
		}
		keys[result.RawKey] = true
	}
}
