// Package store defines the storage interface for agentauth.
//
// A Store is a table-oriented key-value store. Each authority owns one or
// more named tables and persists JSON-encoded records in them. The store
// itself carries no business logic.
package store

import (
	"context"
	"errors"
	"fmt"
)

// Table names used by the authorities.
const (
	TableAPIKeys             = "api_keys"
	TableBearerTokens        = "bearer_tokens"
	TableBearerRefreshTokens = "bearer_refresh_tokens"
	TableHMACClients         = "hmac_clients"
	TableJWTRefreshTokens    = "jwt_refresh_tokens"
	TableJWTBlacklist        = "jwt_blacklist"
	TableRoles               = "rbac_roles"
	TableRoleAssignments     = "rbac_assignments"
)

// Errors returned by store implementations.
var (
	// ErrClosed indicates the store has been closed.
	ErrClosed = errors.New("store is closed")

	// ErrTimeout indicates a store operation exceeded its deadline.
	ErrTimeout = errors.New("store operation timed out")

	// ErrConflict indicates an atomic update could not be applied because
	// the record kept changing underneath it.
	ErrConflict = errors.New("store update conflict")

	// ErrSkipWrite can be returned by an UpdateFunc to leave the record unchanged.
	ErrSkipWrite = errors.New("skip write")
)

// UpdateFunc receives the current value of a record (nil if missing) and
// returns the value to store. Returning a nil value deletes the record.
// Returning ErrSkipWrite leaves the record untouched and Update returns nil.
// Any other error aborts the update and is returned by Update.
type UpdateFunc func(current []byte) ([]byte, error)

// Store defines the interface for agentauth data persistence.
// All methods must be safe for concurrent use.
type Store interface {
	// Get retrieves a record. Returns nil, nil if the record does not exist.
	Get(ctx context.Context, table, key string) ([]byte, error)

	// Put creates or replaces a record.
	Put(ctx context.Context, table, key string, value []byte) error

	// Delete removes a record. Returns true if the record existed.
	Delete(ctx context.Context, table, key string) (bool, error)

	// Update performs an atomic read-modify-write on a single record.
	// The write is durable before Update returns.
	Update(ctx context.Context, table, key string, fn UpdateFunc) error

	// List returns every record in a table keyed by record key.
	List(ctx context.Context, table string) (map[string][]byte, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error
}

// MapContextError converts context deadline errors into ErrTimeout so callers
// can tell a slow backend apart from an invalid credential.
func MapContextError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}
