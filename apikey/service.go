// Package apikey provides API key generation and management.
//
// Keys are stored under a salted keyed hash of the raw value. The raw key is
// returned once at creation time and is never persisted.
package apikey

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/aloks98/agentauth/identity"
	"github.com/aloks98/agentauth/internal/crypto"
	"github.com/aloks98/agentauth/internal/hash"
	"github.com/aloks98/agentauth/permission"
	"github.com/aloks98/agentauth/store"
)

// Errors returned by the API key service.
var (
	// ErrKeyInactive indicates the API key matched a record that has been revoked.
	ErrKeyInactive = errors.New("api key is inactive")

	// ErrKeyExpired indicates the API key has expired.
	ErrKeyExpired = errors.New("api key has expired")

	// ErrKeyNotFound indicates no key with the given ID exists.
	ErrKeyNotFound = errors.New("api key not found")

	// ErrSaltRequired indicates the hashing salt is missing or too short.
	ErrSaltRequired = errors.New("api key salt must be at least 16 bytes")

	// ErrClientIDRequired indicates CreateKey was called without a client.
	ErrClientIDRequired = errors.New("client id is required")
)

const (
	// MinKeyLength is the minimum number of random bytes in a key (256 bits).
	MinKeyLength = 32

	minSaltLength = 16
)

// Config holds configuration for the API key service.
type Config struct {
	// Prefix is prepended to all generated keys (e.g., "ak_live").
	Prefix string

	// KeyLength is the length of the random part in bytes.
	// Default and minimum is 32, resulting in 43 base64 characters.
	KeyLength int

	// HintLength is how many characters of the key to show as a hint.
	// Default is 4.
	HintLength int

	// DefaultTTL is the default expiration time for new keys.
	// Zero means no expiration.
	DefaultTTL time.Duration

	// Salt keys the one-way hash under which keys are stored.
	Salt []byte

	// Logger receives debug output for rejected keys.
	Logger *slog.Logger
}

// DefaultConfig returns a default configuration for the API key service.
// The caller must still supply Salt.
func DefaultConfig() *Config {
	return &Config{
		Prefix:     "ak",
		KeyLength:  MinKeyLength,
		HintLength: 4,
		DefaultTTL: 0, // No expiration by default
	}
}

// Service handles API key generation and validation.
type Service struct {
	config *Config
	store  store.Store
	logger *slog.Logger
}

// NewService creates a new API key service.
func NewService(cfg *Config, s store.Store) (*Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if len(cfg.Salt) < minSaltLength {
		return nil, ErrSaltRequired
	}
	if cfg.KeyLength < MinKeyLength {
		cfg.KeyLength = MinKeyLength
	}
	if cfg.HintLength == 0 {
		cfg.HintLength = 4
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{
		config: cfg,
		store:  s,
		logger: logger,
	}, nil
}

// CreateKeyResult contains the result of creating an API key.
// The RawKey is only available at creation time and cannot be retrieved later.
type CreateKeyResult struct {
	// ID is the unique identifier for management.
	ID string

	// RawKey is the full API key (only shown once!).
	RawKey string

	Prefix   string
	Hint     string
	ClientID string
	Name     string

	// ExpiresAt is when the key expires (nil = never).
	ExpiresAt *time.Time
}

// CreateKeyOptions holds options for creating an API key.
type CreateKeyOptions struct {
	// Name is a human-readable identifier for the key.
	Name string

	// Permissions granted directly to the key ("resource:action").
	Permissions []string

	// Roles granted to the key.
	Roles []string

	// ExpiresAt sets a custom expiration (nil = use default TTL).
	ExpiresAt *time.Time

	// TTL sets the key to expire after this duration (overridden by ExpiresAt).
	TTL time.Duration
}

// CreateKey generates a new API key for a client.
// The raw key is only returned once and cannot be retrieved later.
func (s *Service) CreateKey(ctx context.Context, clientID string, opts *CreateKeyOptions) (*CreateKeyResult, error) {
	if clientID == "" {
		return nil, ErrClientIDRequired
	}
	if opts == nil {
		opts = &CreateKeyOptions{}
	}
	if _, err := permission.ParseAll(opts.Permissions); err != nil {
		return nil, err
	}

	id, err := crypto.NewID()
	if err != nil {
		return nil, err
	}

	randomBytes, err := crypto.RandomBytes(s.config.KeyLength)
	if err != nil {
		return nil, err
	}

	rawKey := formatKey(s.config.Prefix, randomBytes)
	keyHash := s.HashKey(rawKey)
	hint := getHint(encodeKey(randomBytes), s.config.HintLength)

	var expiresAt *time.Time
	if opts.ExpiresAt != nil {
		expiresAt = opts.ExpiresAt
	} else if opts.TTL > 0 {
		t := time.Now().Add(opts.TTL)
		expiresAt = &t
	} else if s.config.DefaultTTL > 0 {
		t := time.Now().Add(s.config.DefaultTTL)
		expiresAt = &t
	}

	apiKey := &store.APIKey{
		ID:          id,
		KeyHash:     keyHash,
		Prefix:      s.config.Prefix,
		Hint:        hint,
		ClientID:    clientID,
		ClientName:  opts.Name,
		Permissions: opts.Permissions,
		Roles:       opts.Roles,
		CreatedAt:   time.Now(),
		ExpiresAt:   expiresAt,
		IsActive:    true,
	}

	if err := store.PutJSON(ctx, s.store, store.TableAPIKeys, keyHash, apiKey); err != nil {
		return nil, fmt.Errorf("failed to save api key: %w", err)
	}

	s.logger.Debug("api key created", "key_id", id, "client_id", clientID)

	return &CreateKeyResult{
		ID:        id,
		RawKey:    rawKey,
		Prefix:    s.config.Prefix,
		Hint:      hint,
		ClientID:  clientID,
		Name:      opts.Name,
		ExpiresAt: expiresAt,
	}, nil
}

// HashKey returns the storage hash for a raw key.
func (s *Service) HashKey(rawKey string) string {
	return hash.Keyed(s.config.Salt, rawKey)
}

// Authenticate validates a raw key and records its use.
//
// It returns nil, nil when no key matches, ErrKeyInactive when the key was
// revoked and ErrKeyExpired when it has expired.
func (s *Service) Authenticate(ctx context.Context, rawKey string) (*identity.UserContext, error) {
	if !wellFormed(s.config.Prefix, rawKey) {
		return nil, nil
	}
	return s.AuthenticateByHash(ctx, s.HashKey(rawKey))
}

// AuthenticateByHash is Authenticate for a caller that already holds the
// storage hash of the key.
func (s *Service) AuthenticateByHash(ctx context.Context, keyHash string) (*identity.UserContext, error) {
	var matched *store.APIKey
	err := store.UpdateJSON(ctx, s.store, store.TableAPIKeys, keyHash, func(k *store.APIKey) (*store.APIKey, error) {
		if k == nil {
			return nil, store.ErrSkipWrite
		}
		// Re-checked inside the atomic section so a concurrent revoke wins.
		if !k.IsActive {
			return nil, ErrKeyInactive
		}
		if k.IsExpired() {
			return nil, ErrKeyExpired
		}
		now := time.Now()
		k.UsageCount++
		k.LastUsedAt = &now
		matched = k
		return k, nil
	})
	if errors.Is(err, ErrKeyInactive) || errors.Is(err, ErrKeyExpired) {
		s.logger.Debug("api key rejected", "reason", err.Error())
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	if matched == nil {
		return nil, nil
	}
	return userContext(matched), nil
}

// lookup returns a usable key record without touching usage metadata.
// Returns nil, nil if the key is unknown, inactive or expired.
func (s *Service) lookup(ctx context.Context, rawKey string) (*store.APIKey, error) {
	if !wellFormed(s.config.Prefix, rawKey) {
		return nil, nil
	}
	k, err := store.GetJSON[store.APIKey](ctx, s.store, store.TableAPIKeys, s.HashKey(rawKey))
	if err != nil || k == nil {
		return nil, err
	}
	if !k.IsValid() {
		return nil, nil
	}
	return k, nil
}

// CheckPermission reports whether rawKey is a valid key granted perm.
// Usage metadata is not updated.
func (s *Service) CheckPermission(ctx context.Context, rawKey, perm string) (bool, error) {
	k, err := s.lookup(ctx, rawKey)
	if err != nil || k == nil {
		return false, err
	}
	return permission.Match(k.Permissions, perm), nil
}

// Revoke marks a key inactive. It is idempotent and reports whether the
// key exists.
func (s *Service) Revoke(ctx context.Context, rawKey string) (bool, error) {
	return s.revokeByHash(ctx, s.HashKey(rawKey))
}

// RevokeByID revokes a key by its management ID.
func (s *Service) RevokeByID(ctx context.Context, id string) error {
	k, err := s.GetKey(ctx, id)
	if err != nil {
		return err
	}
	if k == nil {
		return ErrKeyNotFound
	}
	_, err = s.revokeByHash(ctx, k.KeyHash)
	return err
}

func (s *Service) revokeByHash(ctx context.Context, keyHash string) (bool, error) {
	var found bool
	err := store.UpdateJSON(ctx, s.store, store.TableAPIKeys, keyHash, func(k *store.APIKey) (*store.APIKey, error) {
		if k == nil {
			return nil, store.ErrSkipWrite
		}
		found = true
		if !k.IsActive {
			return nil, store.ErrSkipWrite
		}
		now := time.Now()
		k.IsActive = false
		k.RevokedAt = &now
		return k, nil
	})
	if err != nil {
		return false, err
	}
	if found {
		s.logger.Debug("api key revoked", "key_hash_prefix", keyHash[:8])
	}
	return found, nil
}

// GetKey returns a key record by its management ID, or nil if not found.
func (s *Service) GetKey(ctx context.Context, id string) (*store.APIKey, error) {
	all, err := store.ListJSON[store.APIKey](ctx, s.store, store.TableAPIKeys)
	if err != nil {
		return nil, err
	}
	for _, k := range all {
		if k.ID == id {
			return k, nil
		}
	}
	return nil, nil
}

// ListKeys returns all API keys for a client, oldest first.
// An empty clientID lists every key.
// Note: Keys are returned without the raw key (it's never stored).
func (s *Service) ListKeys(ctx context.Context, clientID string) ([]*store.APIKey, error) {
	all, err := store.ListJSON[store.APIKey](ctx, s.store, store.TableAPIKeys)
	if err != nil {
		return nil, err
	}
	var result []*store.APIKey
	for _, k := range all {
		if clientID == "" || k.ClientID == clientID {
			result = append(result, k)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// CleanupExpired removes expired API keys from storage.
func (s *Service) CleanupExpired(ctx context.Context) (int64, error) {
	all, err := store.ListJSON[store.APIKey](ctx, s.store, store.TableAPIKeys)
	if err != nil {
		return 0, err
	}
	var count int64
	var errs []error
	for keyHash, k := range all {
		if !k.IsExpired() {
			continue
		}
		deleted := false
		err := store.UpdateJSON(ctx, s.store, store.TableAPIKeys, keyHash, func(cur *store.APIKey) (*store.APIKey, error) {
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
	return count, errors.Join(errs...)
}

func userContext(k *store.APIKey) *identity.UserContext {
	name := k.ClientName
	if name == "" {
		name = k.ClientID
	}
	uc := &identity.UserContext{
		UserID:      k.ClientID,
		Username:    name,
		Roles:       k.Roles,
		Permissions: k.Permissions,
		AuthMethod:  identity.AuthMethodAPIKey,
		Attributes: map[string]any{
			"key_id":      k.ID,
			"usage_count": k.UsageCount,
		},
	}
	if k.ExpiresAt != nil {
		uc.ExpiresAt = *k.ExpiresAt
	}
	return uc
}
