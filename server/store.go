package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// Session store backends.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// SessionStore persists gateway sessions keyed by cookie value.
type SessionStore interface {
	Get(ctx context.Context, id string) (Session, bool, error)
	Save(ctx context.Context, sess Session) error
	Delete(ctx context.Context, id string) error
	Ping(ctx context.Context) error
	Close() error
}

// NewSessionStore picks the backend named in config.
func NewSessionStore(cfg SessionConfig) (SessionStore, error) {
	switch cfg.Store {
	case StoreMemory, "":
		return NewMemoryStore(time.Minute), nil
	case StoreRedis:
		return NewRedisStore(cfg.Redis), nil
	default:
		return nil, fmt.Errorf("unknown session store %q", cfg.Store)
	}
}

// NewID generates a random session identifier.
func NewID() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return hex.EncodeToString(buf)
}

// MemoryStore keeps sessions in process; expiry is enforced by go-cache.
type MemoryStore struct {
	c *gocache.Cache
}

// NewMemoryStore constructs the store with the given janitor interval.
func NewMemoryStore(cleanup time.Duration) *MemoryStore {
	return &MemoryStore{c: gocache.New(gocache.NoExpiration, cleanup)}
}

// Get retrieves a session by ID.
func (s *MemoryStore) Get(_ context.Context, id string) (Session, bool, error) {
	v, ok := s.c.Get(id)
	if !ok {
		return Session{}, false, nil
	}
	sess, ok := v.(Session)
	return sess, ok, nil
}

// Save stores or replaces a session until its expiry.
func (s *MemoryStore) Save(_ context.Context, sess Session) error {
	ttl := time.Until(sess.ExpiresAt)
	if ttl <= 0 {
		s.c.Delete(sess.ID)
		return nil
	}
	s.c.Set(sess.ID, sess, ttl)
	return nil
}

// Delete removes a session.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.c.Delete(id)
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error {
	s.c.Flush()
	return nil
}

// RedisStore shares sessions between gateway replicas.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects lazily; the first command dials.
func NewRedisStore(cfg RedisConfig) *RedisStore {
	return NewRedisStoreFromClient(redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}), cfg.Prefix)
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(id string) string {
	return s.prefix + id
}

// Get loads a session. A missing key is not an error.
func (s *RedisStore) Get(ctx context.Context, id string) (Session, bool, error) {
	b, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("redis get session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(b, &sess); err != nil {
		return Session{}, false, fmt.Errorf("decode session: %w", err)
	}
	return sess, true, nil
}

// Save writes the session with a TTL matching its expiry.
func (s *RedisStore) Save(ctx context.Context, sess Session) error {
	ttl := time.Until(sess.ExpiresAt)
	if ttl <= 0 {
		return s.Delete(ctx, sess.ID)
	}
	b, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := s.client.Set(ctx, s.key(sess.ID), b, ttl).Err(); err != nil {
		return fmt.Errorf("redis save session: %w", err)
	}
	return nil
}

// Delete removes a session.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("redis delete session: %w", err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
