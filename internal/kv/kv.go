// Package kv provides the key/value stores behind the kv_put and kv_get
// tools. A store is selected by URL scheme: redis, postgres or sqlite.
//
// Keys are opaque strings. A zero TTL stores the value without expiry;
// expired entries are never returned by Get.
package kv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"
)

// ErrUnsupportedScheme is returned by Open for a URL it cannot map to a backend.
var ErrUnsupportedScheme = errors.New("kv: unsupported store scheme")

// MaxKeyLen bounds keys across every backend.
const MaxKeyLen = 512

// Store is a string key/value store with optional per-key expiry.
type Store interface {
	// Put stores value under key. ttl <= 0 means no expiry.
	Put(ctx context.Context, key, value string, ttl time.Duration) error
	// Get returns the value for key. ok is false when the key is absent or expired.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Ping(ctx context.Context) error
	Close() error
}

// Open connects to the store named by rawURL and prepares it for use.
//
//	redis://host:6379/0, rediss://...   go-redis
//	postgres://..., postgresql://...    pgx pool, migrations applied
//	sqlite:///var/lib/toolgate/kv.db    modernc sqlite, migrations applied
func Open(ctx context.Context, rawURL string, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("kv: parse store url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "redis", "rediss":
		return OpenRedis(ctx, rawURL, logger)
	case "postgres", "postgresql":
		return OpenPostgres(ctx, rawURL, logger)
	case "sqlite":
		return OpenSQLite(ctx, sqlitePath(rawURL), logger)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
}

// sqlitePath strips the scheme: sqlite:///abs/kv.db and sqlite://rel/kv.db
// map to /abs/kv.db and rel/kv.db.
func sqlitePath(rawURL string) string {
	p := rawURL[len("sqlite:"):]
	return strings.TrimPrefix(p, "//")
}

func checkKey(key string) error {
	if key == "" {
		return errors.New("kv: key is required")
	}
	if len(key) > MaxKeyLen {
		return fmt.Errorf("kv: key exceeds %d bytes", MaxKeyLen)
	}
	return nil
}
