package server

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store := NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test:session:")
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func sampleSession(ttl time.Duration) Session {
	now := time.Now()
	return Session{
		ID:        NewID(),
		Artifact:  "artifact-" + NewID()[:8],
		Subject:   "user-1",
		Email:     "user@example.com",
		CreatedAt: now.UTC().Truncate(time.Second),
		ExpiresAt: now.Add(ttl).UTC().Truncate(time.Second),
	}
}

func TestStoresRoundTrip(t *testing.T) {
	redisStore, _ := newTestRedisStore(t)
	stores := map[string]SessionStore{
		"memory": NewMemoryStore(time.Minute),
		"redis":  redisStore,
	}

	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sess := sampleSession(time.Hour)

			_, ok, err := store.Get(ctx, sess.ID)
			require.NoError(t, err)
			require.False(t, ok)

			require.NoError(t, store.Save(ctx, sess))
			got, ok, err := store.Get(ctx, sess.ID)
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, sess.Artifact, got.Artifact)
			require.Equal(t, sess.Subject, got.Subject)
			require.True(t, sess.ExpiresAt.Equal(got.ExpiresAt))

			require.NoError(t, store.Delete(ctx, sess.ID))
			_, ok, err = store.Get(ctx, sess.ID)
			require.NoError(t, err)
			require.False(t, ok)

			require.NoError(t, store.Ping(ctx))
		})
	}
}

func TestStoresSkipExpiredSessions(t *testing.T) {
	ctx := context.Background()
	sess := sampleSession(-time.Minute)

	mem := NewMemoryStore(time.Minute)
	require.NoError(t, mem.Save(ctx, sess))
	_, ok, _ := mem.Get(ctx, sess.ID)
	require.False(t, ok)

	rs, _ := newTestRedisStore(t)
	require.NoError(t, rs.Save(ctx, sess))
	_, ok, err := rs.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisStoreUsesPrefixAndTTL(t *testing.T) {
	store, mr := newTestRedisStore(t)
	sess := sampleSession(time.Hour)
	require.NoError(t, store.Save(context.Background(), sess))

	require.True(t, mr.Exists("test:session:"+sess.ID))
	ttl := mr.TTL("test:session:" + sess.ID)
	require.Greater(t, ttl, 59*time.Minute)
	require.LessOrEqual(t, ttl, time.Hour)

	mr.FastForward(2 * time.Hour)
	_, ok, err := store.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisStoreReportsBackendFailure(t *testing.T) {
	store, mr := newTestRedisStore(t)
	mr.Close()

	_, ok, err := store.Get(context.Background(), "anything")
	require.Error(t, err)
	require.False(t, ok)
	require.ErrorContains(t, err, "redis get session")
	require.Error(t, store.Ping(context.Background()))
}

func TestRedisStoreRejectsCorruptPayload(t *testing.T) {
	store, mr := newTestRedisStore(t)
	require.NoError(t, mr.Set("test:session:bad", "{not json"))

	_, _, err := store.Get(context.Background(), "bad")
	require.ErrorContains(t, err, "decode session")
}

func TestNewSessionStore(t *testing.T) {
	s, err := NewSessionStore(SessionConfig{Store: StoreMemory})
	require.NoError(t, err)
	require.IsType(t, &MemoryStore{}, s)

	s, err = NewSessionStore(SessionConfig{Store: StoreRedis, Redis: RedisConfig{Addr: "127.0.0.1:1"}})
	require.NoError(t, err)
	require.IsType(t, &RedisStore{}, s)
	require.NoError(t, s.Close())

	_, err = NewSessionStore(SessionConfig{Store: "etcd"})
	require.Error(t, err)
}

func TestNewIDIsRandomHex(t *testing.T) {
	a, b := NewID(), NewID()
	require.Len(t, a, 64)
	require.NotEqual(t, a, b)
}
