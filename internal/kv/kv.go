// Package kv provides the durable key-value storage a context keeps its chat
// snapshot in. Every backend stores opaque byte values under string keys and
// overwrites on Set:
//
//	Key:   <profile>.messages
//	Value: JSON snapshot of the profile's threads
package kv

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by Get when the key has never been written.
var ErrNotFound = errors.New("kv: key not found")

// Store is a durable key-value store.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Close() error
}

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendPebble = "pebble"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Config selects and configures a snapshot backend.
type Config struct {
	Backend   string // memory | pebble | sqlite | redis
	DataDir   string // root directory for embedded backends
	RedisAddr string // redis backend address
	Prefix    string // redis key prefix
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Backend:   BackendPebble,
		DataDir:   "./data",
		RedisAddr: "localhost:6379",
		Prefix:    "tabchat:",
	}
}

// Open creates the store described by cfg. Embedded backends keep their
// files under cfg.DataDir/<profile> so that contexts never share a slot.
func Open(cfg Config, profile string) (Store, error) {
	dir := filepath.Join(cfg.DataDir, profile)

	switch cfg.Backend {
	case BackendMemory:
		return NewMemory(), nil
	case BackendPebble:
		return OpenPebble(filepath.Join(dir, "pebble"))
	case BackendSQLite:
		return OpenSQLite(dir)
	case BackendRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("kv: redis connection failed: %w", err)
		}
		return NewRedis(client, cfg.Prefix), nil
	default:
		return nil, fmt.Errorf("kv: unknown backend %q", cfg.Backend)
	}
}
