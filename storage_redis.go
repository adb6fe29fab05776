package roomsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStorage keeps values in Redis under a key prefix, for instances of
// the same user running on different hosts.
type RedisStorage struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStorage connects to addr. Keys are stored as prefix+key.
func NewRedisStorage(addr, prefix string) *RedisStorage {
	return &RedisStorage{
		rdb:    redis.NewClient(&redis.Options{Addr: addr}),
		prefix: prefix,
	}
}

// Ping checks the connection.
func (s *RedisStorage) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

func (s *RedisStorage) Close() error {
	return s.rdb.Close()
}

func (s *RedisStorage) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.rdb.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

func (s *RedisStorage) Put(ctx context.Context, key string, value []byte) error {
	if err := s.rdb.Set(ctx, s.prefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *RedisStorage) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}
