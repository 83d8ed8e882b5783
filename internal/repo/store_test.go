package repo

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Skotchmaster/sessionguard/internal/db"
	"github.com/Skotchmaster/sessionguard/internal/domain"
	"github.com/Skotchmaster/sessionguard/internal/models"
)

var baseTime = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func newSQLiteStore(t *testing.T, now func() time.Time) TokenStore {
	t.Helper()
	ctx := context.Background()
	gdb, err := db.Open(ctx, db.DriverSQLite, ":memory:")
	require.NoError(t, err)
	require.NoError(t, db.Migrate(ctx, gdb, db.DriverSQLite))
	t.Cleanup(func() { _ = db.Close(gdb) })
	return NewGormTokenStore(gdb, now)
}

func newRedisStore(t *testing.T, now func() time.Time) TokenStore {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisTokenStore(rdb, 24*time.Hour, now)
}

var storeFactories = map[string]func(*testing.T, func() time.Time) TokenStore{
	"sqlite": newSQLiteStore,
	"redis":  newRedisStore,
}

func record(id, owner string, expiresAt time.Time) *models.RefreshToken {
	return &models.RefreshToken{
		ID:        id,
		OwnerID:   owner,
		IssuedAt:  expiresAt.Add(-7 * 24 * time.Hour),
		ExpiresAt: expiresAt,
	}
}

func TestTokenStore_CreateAndFind(t *testing.T) {
	t.Parallel()
	for name, factory := range storeFactories {
		factory := factory
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			s := factory(t, func() time.Time { return baseTime })

			rec := record("t1", "u1", baseTime.Add(time.Hour))
			require.NoError(t, s.Create(ctx, rec))

			got, err := s.FindByID(ctx, "t1")
			require.NoError(t, err)
			assert.Equal(t, "t1", got.ID)
			assert.Equal(t, "u1", got.OwnerID)
			assert.True(t, rec.ExpiresAt.Equal(got.ExpiresAt))
			assert.True(t, rec.IssuedAt.Equal(got.IssuedAt))
			assert.Nil(t, got.RevokedAt)
			assert.Nil(t, got.ReplacedByID)

			err = s.Create(ctx, record("t1", "u2", baseTime.Add(time.Hour)))
			assert.ErrorIs(t, err, domain.ErrConflict)

			_, err = s.FindByID(ctx, "missing")
			assert.ErrorIs(t, err, domain.ErrNotFound)

			require.NoError(t, s.Ping(ctx))
		})
	}
}

func TestTokenStore_RevokeIsConditional(t *testing.T) {
	t.Parallel()
	for name, factory := range storeFactories {
		factory := factory
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			s := factory(t, func() time.Time { return baseTime })
			require.NoError(t, s.Create(ctx, record("t1", "u1", baseTime.Add(time.Hour))))

			ok, err := s.Revoke(ctx, "t1", "")
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = s.Revoke(ctx, "t1", "t2")
			require.NoError(t, err)
			assert.False(t, ok, "second revoke must not transition")

			got, err := s.FindByID(ctx, "t1")
			require.NoError(t, err)
			require.NotNil(t, got.RevokedAt)
			assert.True(t, baseTime.Equal(*got.RevokedAt))
			assert.Nil(t, got.ReplacedByID, "losing revoke must not write the link")

			ok, err = s.Revoke(ctx, "missing", "")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestTokenStore_RevokeWithSuccessor(t *testing.T) {
	t.Parallel()
	for name, factory := range storeFactories {
		factory := factory
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			s := factory(t, func() time.Time { return baseTime })
			require.NoError(t, s.Create(ctx, record("t1", "u1", baseTime.Add(time.Hour))))

			ok, err := s.Revoke(ctx, "t1", "t2")
			require.NoError(t, err)
			require.True(t, ok)

			got, err := s.FindByID(ctx, "t1")
			require.NoError(t, err)
			require.NotNil(t, got.ReplacedByID)
			assert.Equal(t, "t2", *got.ReplacedByID)
			assert.Equal(t, domain.StateRotated, domain.StateOf(got, baseTime))
		})
	}
}

func TestTokenStore_SetReplacedBy(t *testing.T) {
	t.Parallel()
	for name, factory := range storeFactories {
		factory := factory
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			s := factory(t, func() time.Time { return baseTime })
			require.NoError(t, s.Create(ctx, record("t1", "u1", baseTime.Add(time.Hour))))

			err := s.SetReplacedBy(ctx, "t1", "t2")
			assert.ErrorIs(t, err, domain.ErrConflict, "active record cannot be linked")

			_, err = s.Revoke(ctx, "t1", "")
			require.NoError(t, err)
			require.NoError(t, s.SetReplacedBy(ctx, "t1", "t2"))

			err = s.SetReplacedBy(ctx, "t1", "t3")
			assert.ErrorIs(t, err, domain.ErrConflict, "link is append-only")

			got, err := s.FindByID(ctx, "t1")
			require.NoError(t, err)
			require.NotNil(t, got.ReplacedByID)
			assert.Equal(t, "t2", *got.ReplacedByID)

			assert.ErrorIs(t, s.SetReplacedBy(ctx, "missing", "t2"), domain.ErrNotFound)
		})
	}
}

func TestTokenStore_RevokeAllForOwner(t *testing.T) {
	t.Parallel()
	for name, factory := range storeFactories {
		factory := factory
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			s := factory(t, func() time.Time { return baseTime })

			for _, id := range []string{"a1", "a2", "a3"} {
				require.NoError(t, s.Create(ctx, record(id, "u1", baseTime.Add(time.Hour))))
			}
			require.NoError(t, s.Create(ctx, record("b1", "u2", baseTime.Add(time.Hour))))
			_, err := s.Revoke(ctx, "a1", "")
			require.NoError(t, err)

			n, err := s.RevokeAllForOwner(ctx, "u1")
			require.NoError(t, err)
			assert.EqualValues(t, 2, n)

			n, err = s.RevokeAllForOwner(ctx, "u1")
			require.NoError(t, err)
			assert.EqualValues(t, 0, n, "idempotent")

			n, err = s.RevokeAllForOwner(ctx, "nobody")
			require.NoError(t, err)
			assert.EqualValues(t, 0, n)

			list, err := s.ListByOwner(ctx, "u1")
			require.NoError(t, err)
			require.Len(t, list, 3)
			for _, rt := range list {
				assert.NotNil(t, rt.RevokedAt, rt.ID)
			}

			other, err := s.FindByID(ctx, "b1")
			require.NoError(t, err)
			assert.Nil(t, other.RevokedAt, "other owners untouched")
		})
	}
}

func TestTokenStore_ListByOwnerNewestFirst(t *testing.T) {
	t.Parallel()
	for name, factory := range storeFactories {
		factory := factory
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			s := factory(t, func() time.Time { return baseTime })

			require.NoError(t, s.Create(ctx, record("old", "u1", baseTime.Add(time.Hour))))
			require.NoError(t, s.Create(ctx, record("new", "u1", baseTime.Add(2*time.Hour))))

			list, err := s.ListByOwner(ctx, "u1")
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, "new", list[0].ID)
			assert.Equal(t, "old", list[1].ID)

			empty, err := s.ListByOwner(ctx, "u2")
			require.NoError(t, err)
			assert.Empty(t, empty)
		})
	}
}

func TestTokenStore_PurgeExpired(t *testing.T) {
	t.Parallel()
	for name, factory := range storeFactories {
		factory := factory
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			s := factory(t, func() time.Time { return baseTime })

			require.NoError(t, s.Create(ctx, record("gone", "u1", baseTime.Add(-48*time.Hour))))
			require.NoError(t, s.Create(ctx, record("recent", "u1", baseTime.Add(-time.Hour))))
			require.NoError(t, s.Create(ctx, record("live", "u1", baseTime.Add(time.Hour))))

			n, err := s.PurgeExpired(ctx, baseTime.Add(-24*time.Hour))
			require.NoError(t, err)
			assert.EqualValues(t, 1, n)

			_, err = s.FindByID(ctx, "gone")
			assert.ErrorIs(t, err, domain.ErrNotFound)
			_, err = s.FindByID(ctx, "recent")
			assert.NoError(t, err)
			_, err = s.FindByID(ctx, "live")
			assert.NoError(t, err)
		})
	}
}

func TestTokenStore_ConcurrentRevokeSingleWinner(t *testing.T) {
	t.Parallel()
	for name, factory := range storeFactories {
		factory := factory
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			s := factory(t, nil)
			require.NoError(t, s.Create(ctx, record("t1", "u1", time.Now().Add(time.Hour))))

			var wins atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, err := s.Revoke(ctx, "t1", "")
					assert.NoError(t, err)
					if ok {
						wins.Add(1)
					}
				}()
			}
			wg.Wait()
			assert.EqualValues(t, 1, wins.Load())
		})
	}
}
