package store

import (
	"context"
	"fmt"
)

// Backend names.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Options selects and configures a backend.
type Options struct {
	Backend string
	Path    string
	Redis   RedisOptions
	Encrypt bool
	KeyPath string
}

// Open builds the configured backend, sealing it when Encrypt is set.
func Open(ctx context.Context, opts Options) (KV, error) {
	var (
		kv  KV
		err error
	)
	switch opts.Backend {
	case BackendSQLite, "":
		kv, err = OpenSQLite(opts.Path)
	case BackendRedis:
		kv, err = OpenRedis(ctx, opts.Redis)
	case BackendMemory:
		kv = NewMemory()
	default:
		return nil, fmt.Errorf("unknown storage backend %q", opts.Backend)
	}
	if err != nil {
		return nil, err
	}
	if !opts.Encrypt {
		return kv, nil
	}

	key, err := LoadOrCreateKey(opts.KeyPath)
	if err != nil {
		kv.Close()
		return nil, err
	}
	sealed, err := NewSealed(kv, key)
	if err != nil {
		kv.Close()
		return nil, err
	}
	return sealed, nil
}
