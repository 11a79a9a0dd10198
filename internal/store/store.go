// Package store persists trustd documents in a key-value backend.
//
// Documents are opaque JSON blobs addressed by name (settings, profile,
// training, alerts). Backends are SQLite for a local install, Redis for
// shared deployments, and an in-memory map for tests; any of them can be
// wrapped in Sealed for encryption at rest.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Document names.
const (
	KeySettings = "settings"
	KeyProfile  = "profile"
	KeyTraining = "training"
	KeyAlerts   = "alerts"
)

// ErrNotFound is returned by Get when a key has no value.
var ErrNotFound = errors.New("store: not found")

// KV is a document store.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// GetJSON decodes the document at key into v. It reports false, with a
// nil error, when the key is absent.
func GetJSON(ctx context.Context, kv KV, key string, v any) (bool, error) {
	data, err := kv.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// SetJSON encodes v and stores it at key.
func SetJSON(ctx context.Context, kv KV, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return kv.Set(ctx, key, data)
}
