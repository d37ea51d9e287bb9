// Package redis provides Redis storage for agentauth.
//
// Each record is stored under its own key, <prefix><table>:<key>, and every
// table keeps a set of its record keys at <prefix><table> for List. Atomic
// updates WATCH the single record key, so writers of different records never
// abort each other.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aloks98/agentauth/store"
)

// DefaultKeyPrefix is prepended to every table hash name.
const DefaultKeyPrefix = "agentauth:"

// DefaultMaxRetries bounds optimistic transaction retries in Update.
const DefaultMaxRetries = 16

// retryBackoff is the base delay between conflicting Update attempts.
const retryBackoff = time.Millisecond

// Store implements store.Store using Redis.
type Store struct {
	client     redis.UniversalClient
	keyPrefix  string
	maxRetries int
}

// Config holds Redis store configuration.
type Config struct {
	// Client is an existing Redis client.
	// If provided, Addr, Password, DB and PoolSize are ignored.
	Client redis.UniversalClient

	// Addr is the Redis server address (host:port).
	Addr string

	// Password is the Redis password.
	Password string

	// DB is the Redis database number.
	DB int

	// PoolSize is the maximum number of connections.
	PoolSize int

	// KeyPrefix namespaces record keys and table indexes. Defaults to DefaultKeyPrefix.
	KeyPrefix string

	// MaxRetries bounds WATCH/MULTI retries. Defaults to DefaultMaxRetries.
	MaxRetries int
}

// New creates a new Redis store.
func New(cfg *Config) (*Store, error) {
	if cfg == nil {
		return nil, errors.New("redis config is required")
	}

	var client redis.UniversalClient
	if cfg.Client != nil {
		client = cfg.Client
	} else {
		if cfg.Addr == "" {
			return nil, errors.New("redis address is required")
		}
		opts := &redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}
		if cfg.PoolSize > 0 {
			opts.PoolSize = cfg.PoolSize
		}
		client = redis.NewClient(opts)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = DefaultMaxRetries
	}

	return &Store{client: client, keyPrefix: prefix, maxRetries: retries}, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return mapError(s.client.Ping(ctx).Err())
}

// Get retrieves a record.
func (s *Store) Get(ctx context.Context, table, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.recordKey(table, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(err)
	}
	return data, nil
}

// Put creates or replaces a record.
func (s *Store) Put(ctx context.Context, table, key string, value []byte) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		s.write(ctx, pipe, table, key, value)
		return nil
	})
	return mapError(err)
}

// Delete removes a record.
func (s *Store) Delete(ctx context.Context, table, key string) (bool, error) {
	var del *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, s.recordKey(table, key))
		pipe.SRem(ctx, s.indexKey(table), key)
		return nil
	})
	if err != nil {
		return false, mapError(err)
	}
	return del.Val() > 0, nil
}

// Update performs an atomic read-modify-write. Only the record key is
// watched; a concurrent writer of the same record causes a retry.
func (s *Store) Update(ctx context.Context, table, key string, fn store.UpdateFunc) error {
	rk := s.recordKey(table, key)

	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, rk).Bytes()
		if errors.Is(err, redis.Nil) {
			current = nil
		} else if err != nil {
			return err
		}

		next, err := fn(current)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			s.write(ctx, pipe, table, key, next)
			return nil
		})
		return err
	}

	for i := range s.maxRetries {
		err := s.client.Watch(ctx, txf, rk)
		if errors.Is(err, redis.TxFailedErr) {
			if err := sleep(ctx, retryBackoff*time.Duration(i+1)); err != nil {
				return mapError(err)
			}
			continue
		}
		if errors.Is(err, store.ErrSkipWrite) {
			return nil
		}
		return mapError(err)
	}
	return fmt.Errorf("%w: %s/%s", store.ErrConflict, table, key)
}

// List returns every record in a table. Index entries whose record has
// gone are skipped.
func (s *Store) List(ctx context.Context, table string) (map[string][]byte, error) {
	keys, err := s.client.SMembers(ctx, s.indexKey(table)).Result()
	if err != nil {
		return nil, mapError(err)
	}
	out := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	recordKeys := make([]string, len(keys))
	for i, k := range keys {
		recordKeys[i] = s.recordKey(table, k)
	}
	values, err := s.client.MGet(ctx, recordKeys...).Result()
	if err != nil {
		return nil, mapError(err)
	}
	for i, v := range values {
		if str, ok := v.(string); ok {
			out[keys[i]] = []byte(str)
		}
	}
	return out, nil
}

// write queues the commands that store value, or delete the record when
// value is nil.
func (s *Store) write(ctx context.Context, pipe redis.Pipeliner, table, key string, value []byte) {
	if value == nil {
		pipe.Del(ctx, s.recordKey(table, key))
		pipe.SRem(ctx, s.indexKey(table), key)
		return
	}
	pipe.Set(ctx, s.recordKey(table, key), value, 0)
	pipe.SAdd(ctx, s.indexKey(table), key)
}

func (s *Store) indexKey(table string) string {
	return s.keyPrefix + table
}

func (s *Store) recordKey(table, key string) string {
	return s.keyPrefix + table + ":" + key
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func mapError(err error) error {
	if errors.Is(err, redis.ErrClosed) {
		return store.ErrClosed
	}
	return store.MapContextError(err)
}

// Verify Store implements store.Store interface
var _ store.Store = (*Store)(nil)
