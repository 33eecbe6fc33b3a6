package kv

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/toolgate/internal/testutil"
)

// exerciseStore runs the behaviour every backend shares.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(ctx, "greeting", "hello", 0))
	v, ok, err := s.Get(ctx, "greeting")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "hello", v)

	require.NoError(t, s.Put(ctx, "greeting", "bonjour", time.Hour))
	v, ok, err = s.Get(ctx, "greeting")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "bonjour", v)

	require.NoError(t, s.Put(ctx, "empty", "", 0))
	v, ok, err = s.Get(ctx, "empty")
	require.NoError(t, err)
	assert.True(t, ok, "an empty value is still present")
	assert.Empty(t, v)

	assert.Error(t, s.Put(ctx, "", "x", 0))
	assert.Error(t, s.Put(ctx, strings.Repeat("k", MaxKeyLen+1), "x", 0))
	require.NoError(t, s.Ping(ctx))
}

func openTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "kv", "kv.db"), testutil.TestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) {
	exerciseStore(t, openTestSQLite(t))
}

func TestSQLiteStoreExpiry(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	require.NoError(t, s.Put(ctx, "session", "abc", 10*time.Second))
	require.NoError(t, s.Put(ctx, "forever", "xyz", 0))

	now = now.Add(9 * time.Second)
	_, ok, err := s.Get(ctx, "session")
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(time.Second)
	_, ok, err = s.Get(ctx, "session")
	require.NoError(t, err)
	assert.False(t, ok, "entry is gone once its ttl elapses")

	// The next Put sweeps the expired row.
	require.NoError(t, s.Put(ctx, "other", "1", 0))
	var n int
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT count(*) FROM kv_entries WHERE key = 'session'`).Scan(&n))
	assert.Zero(t, n)

	_, ok, err = s.Get(ctx, "forever")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSQLiteMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.db")
	ctx := context.Background()

	s, err := OpenSQLite(ctx, path, testutil.TestLogger())
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "k", "v", 0))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(ctx, path, testutil.TestLogger())
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	v, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v)

	applied, err := s.appliedMigrations(ctx)
	require.NoError(t, err)
	assert.True(t, applied["001_kv.sql"])
}

func TestOpenDispatchesOnScheme(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "kv.db")

	s, err := Open(ctx, "sqlite://"+path, testutil.TestLogger())
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open(ctx, "memcached://localhost:11211", testutil.TestLogger())
	assert.ErrorIs(t, err, ErrUnsupportedScheme)
}

func TestSQLitePath(t *testing.T) {
	assert.Equal(t, "/var/lib/kv.db", sqlitePath("sqlite:///var/lib/kv.db"))
	assert.Equal(t, "data/kv.db", sqlitePath("sqlite://data/kv.db"))
	assert.Equal(t, "kv.db", sqlitePath("sqlite:kv.db"))
}

func TestPostgresStore(t *testing.T) {
	tc := testutil.StartPostgres(t)
	ctx := context.Background()

	s, err := OpenPostgres(ctx, tc.DSN, testutil.TestLogger())
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	exerciseStore(t, s)

	// Rows past their expiry are filtered even before a sweep.
	_, err = s.pool.Exec(ctx,
		`INSERT INTO kv_entries (key, value, expires_at) VALUES ('stale', 'x', now() - interval '1 minute')`)
	require.NoError(t, err)
	_, ok, err := s.Get(ctx, "stale")
	require.NoError(t, err)
	assert.False(t, ok)

	// Reopening reapplies nothing.
	again, err := OpenPostgres(ctx, tc.DSN, testutil.TestLogger())
	require.NoError(t, err)
	require.NoError(t, again.Close())
}

func TestRedisStore(t *testing.T) {
	tc := testutil.StartRedis(t)
	ctx := context.Background()

	s, err := Open(ctx, tc.DSN, testutil.TestLogger())
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	exerciseStore(t, s)

	rs := s.(*RedisStore)
	require.NoError(t, rs.Put(ctx, "short", "v", 50*time.Millisecond))
	ttl, err := rs.client.PTTL(ctx, RedisKeyPrefix+"short").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	assert.Eventually(t, func() bool {
		_, ok, err := rs.Get(ctx, "short")
		return err == nil && !ok
	}, 2*time.Second, 20*time.Millisecond)

	// Keys live under the namespace prefix.
	raw, err := rs.client.Get(ctx, RedisKeyPrefix+"greeting").Result()
	require.NoError(t, err)
	assert.Equal(t, "bonjour", raw)
}
