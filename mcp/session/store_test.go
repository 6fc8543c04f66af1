package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentuity/mcp-server/mcp/transport"
	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeFactory func(t *testing.T, opts ...StoreOption) Store

func storeFactories() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T, opts ...StoreOption) Store {
			s := NewMemoryStore(context.Background(), opts...)
			t.Cleanup(func() { s.Close() })
			return s
		},
		"redis": func(t *testing.T, opts ...StoreOption) Store {
			mr := miniredis.RunT(t)
			rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { rdb.Close() })
			return NewRedisStore(rdb, opts...)
		},
		"sqlite": func(t *testing.T, opts ...StoreOption) Store {
			s, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "sessions.db"), opts...)
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

func TestStoreContract(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)

			rec, err := s.Get(ctx, "missing")
			require.NoError(t, err)
			assert.Nil(t, rec)
			ok, err := s.Exists(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.Save(ctx, &Record{
				ID:        "s1",
				Kind:      transport.KindDuplex,
				Tools:     []string{"echo"},
				OwnerNode: "node-a",
			}))
			ok, err = s.Exists(ctx, "s1")
			require.NoError(t, err)
			assert.True(t, ok)

			rec, err = s.Get(ctx, "s1")
			require.NoError(t, err)
			require.NotNil(t, rec)
			assert.Equal(t, "s1", rec.ID)
			assert.Equal(t, transport.KindDuplex, rec.Kind)
			assert.Equal(t, []string{"echo"}, rec.Tools)
			assert.Equal(t, "node-a", rec.OwnerNode)
			assert.False(t, rec.CreatedAt.IsZero())

			rec.OwnerNode = "node-b"
			require.NoError(t, s.Save(ctx, rec))
			rec, err = s.Get(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, "node-b", rec.OwnerNode)

			require.NoError(t, s.Touch(ctx, "s1"))
			assert.ErrorIs(t, s.Touch(ctx, "missing"), ErrSessionNotFound)

			require.NoError(t, s.Delete(ctx, "s1"))
			require.NoError(t, s.Delete(ctx, "s1"))
			ok, err = s.Exists(ctx, "s1")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStoreRejectsInvalidRecords(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			assert.Error(t, s.Save(context.Background(), &Record{Kind: transport.KindStream}))
			assert.Error(t, s.Save(context.Background(), &Record{ID: "x", Kind: "carrier-pigeon"}))
			assert.Error(t, s.Save(context.Background(), nil))
		})
	}
}

func TestMemoryStoreTTL(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	s := NewMemoryStore(ctx, WithClock(clock), WithTTL(time.Minute), WithSweepInterval(time.Hour))
	defer s.Close()

	require.NoError(t, s.Save(ctx, &Record{ID: "s1", Kind: transport.KindStream}))
	require.NoError(t, s.Save(ctx, &Record{ID: "s2", Kind: transport.KindStream}))

	clock.Advance(40 * time.Second)
	require.NoError(t, s.Touch(ctx, "s2"))
	clock.Advance(40 * time.Second)

	ok, err := s.Exists(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = s.Exists(ctx, "s2")
	require.NoError(t, err)
	assert.True(t, ok)

	clock.Advance(time.Minute)
	assert.Equal(t, 1, s.Sweep())
}

func TestRedisStoreTTL(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	s := NewRedisStore(rdb, WithTTL(time.Minute), WithKeyPrefix("test:"))

	require.NoError(t, s.Save(ctx, &Record{ID: "s1", Kind: transport.KindStream}))
	assert.True(t, mr.Exists("test:s1"))
	assert.Equal(t, time.Minute, mr.TTL("test:s1"))

	mr.FastForward(2 * time.Minute)
	ok, err := s.Exists(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStoreUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()
	s := NewRedisStore(rdb, WithQueryTimeout(time.Second))
	mr.Close()

	_, err := s.Exists(context.Background(), "s1")
	assert.Error(t, err)
}

func TestSQLiteStoreTTL(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	s, err := NewSQLiteStore(ctx, ":memory:", WithClock(clock), WithTTL(time.Minute), WithSweepInterval(time.Hour))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Save(ctx, &Record{ID: "s1", Kind: transport.KindDuplex}))
	require.NoError(t, s.Save(ctx, &Record{ID: "s2", Kind: transport.KindDuplex}))
	clock.Advance(2 * time.Minute)

	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	ok, err := s.Exists(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLiteStoreSharedFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.db")
	a, err := NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	defer a.Close()
	b, err := NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.Save(ctx, &Record{ID: "s1", Kind: transport.KindStream, OwnerNode: "a"}))
	rec, err := b.Get(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "a", rec.OwnerNode)
}
