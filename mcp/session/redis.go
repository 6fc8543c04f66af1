package session

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

// RedisStore keeps session records in Redis so every server process sees
// the same sessions. Record expiry uses the key TTL.
type RedisStore struct {
	rdb redis.UniversalClient
	cfg config
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore returns a Store backed by rdb. The client is owned by the
// caller and is not closed by Close.
func NewRedisStore(rdb redis.UniversalClient, opts ...StoreOption) *RedisStore {
	return &RedisStore{rdb: rdb, cfg: applyOptions(opts)}
}

func (s *RedisStore) key(sessionID string) string {
	return s.cfg.prefix + sessionID
}

func (s *RedisStore) Save(ctx context.Context, record *Record) error {
	if err := validate(record); err != nil {
		return err
	}
	now := s.cfg.clock.Now()
	rec := *record
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.LastSeen.IsZero() {
		rec.LastSeen = now
	}
	return s.write(ctx, &rec)
}

func (s *RedisStore) write(ctx context.Context, rec *Record) error {
	data, err := msgpack.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "failed to encode session record")
	}
	ctx, cancel := s.cfg.withTimeout(ctx)
	defer cancel()
	if err := s.rdb.Set(ctx, s.key(rec.ID), data, s.cfg.ttl).Err(); err != nil {
		return errors.Wrapf(err, "failed to save session %s", rec.ID)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, sessionID string) (*Record, error) {
	ctx, cancel := s.cfg.withTimeout(ctx)
	defer cancel()
	data, err := s.rdb.Get(ctx, s.key(sessionID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load session %s", sessionID)
	}
	var rec Record
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return nil, errors.Wrapf(err, "failed to decode session %s", sessionID)
	}
	return &rec, nil
}

func (s *RedisStore) Exists(ctx context.Context, sessionID string) (bool, error) {
	ctx, cancel := s.cfg.withTimeout(ctx)
	defer cancel()
	n, err := s.rdb.Exists(ctx, s.key(sessionID)).Result()
	if err != nil {
		return false, errors.Wrapf(err, "failed to check session %s", sessionID)
	}
	return n > 0, nil
}

func (s *RedisStore) Touch(ctx context.Context, sessionID string) error {
	rec, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if rec == nil {
		return ErrSessionNotFound
	}
	rec.LastSeen = s.cfg.clock.Now()
	return s.write(ctx, rec)
}

func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	ctx, cancel := s.cfg.withTimeout(ctx)
	defer cancel()
	if err := s.rdb.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return errors.Wrapf(err, "failed to delete session %s", sessionID)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return nil
}
