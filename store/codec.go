package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// GetJSON loads a record and decodes it into a new T.
// Returns nil, nil if the record does not exist.
func GetJSON[T any](ctx context.Context, s Store, table, key string) (*T, error) {
	data, err := s.Get(ctx, table, key)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", table, key, err)
	}
	return &v, nil
}

// PutJSON encodes v and stores it.
func PutJSON[T any](ctx context.Context, s Store, table, key string, v *T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", table, key, err)
	}
	return s.Put(ctx, table, key, data)
}

// UpdateJSON performs an atomic read-modify-write on a JSON record.
// fn receives nil when the record does not exist. Returning a nil record
// deletes it; returning ErrSkipWrite leaves it untouched.
func UpdateJSON[T any](ctx context.Context, s Store, table, key string, fn func(current *T) (*T, error)) error {
	return s.Update(ctx, table, key, func(data []byte) ([]byte, error) {
		var current *T
		if data != nil {
			current = new(T)
			if err := json.Unmarshal(data, current); err != nil {
				return nil, fmt.Errorf("decode %s/%s: %w", table, key, err)
			}
		}
		next, err := fn(current)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return nil, nil
		}
		return json.Marshal(next)
	})
}

// ListJSON decodes every record in a table. Records that fail to decode
// are skipped.
func ListJSON[T any](ctx context.Context, s Store, table string) (map[string]*T, error) {
	raw, err := s.List(ctx, table)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*T, len(raw))
	for k, data := range raw {
		v := new(T)
		if err := json.Unmarshal(data, v); err != nil {
			continue
		}
		out[k] = v
	}
	return out, nil
}
