// Package store defines the durable key-value persistence used for the
// session and provides SQLite, PostgreSQL, Redis and in-memory implementations.
package store

import (
	"context"
	"errors"
	"fmt"
)

// Keys persisted for the session.
const (
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"
	KeyUserSnapshot = "user_snapshot"   // JSON-encoded protocol.UserSnapshot
	KeyLastLoginAt  = "last_login_at"   // unix milliseconds
	KeyTokenExpire  = "token_expire_at" // unix milliseconds
)

// SessionKeys lists every key owned by the session, in write order.
var SessionKeys = []string{
	KeyAccessToken,
	KeyRefreshToken,
	KeyUserSnapshot,
	KeyLastLoginAt,
	KeyTokenExpire,
}

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store closed")

// Store is the durable key-value persistence interface. Values survive
// process restarts. Get reports ok=false for keys that were never written or
// have been deleted.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	GetMany(ctx context.Context, keys ...string) (map[string]string, error)
	Set(ctx context.Context, key, value string) error
	// SetMany writes all pairs atomically where the backend allows it.
	SetMany(ctx context.Context, kv map[string]string) error
	Delete(ctx context.Context, keys ...string) error
	Ping(ctx context.Context) error
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Driver    string // sqlite (default), postgres, redis, memory
	DSN       string
	KeyPrefix string // redis only
}

// Open creates the store named by cfg.Driver.
func Open(ctx context.Context, cfg Config) (Store, error) {
	var (
		s   Store
		err error
	)
	switch cfg.Driver {
	case "", "sqlite":
		s, err = NewSQLite(cfg.DSN)
	case "postgres":
		s, err = NewPostgres(cfg.DSN)
	case "redis":
		s, err = NewRedisFromURL(ctx, cfg.DSN, cfg.KeyPrefix)
	case "memory":
		s = NewMemory()
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}
