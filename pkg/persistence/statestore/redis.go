package statestore

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps blobs as plain string keys under a prefix.
// Durability follows the redis server's persistence settings (AOF recommended).
type RedisStore struct {
	client *redis.Client
	prefix string
	owned  bool
}

var _ Store = &RedisStore{}

// NewRedisStore dials addr and owns the resulting client.
func NewRedisStore(addr, prefix string) (*RedisStore, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, errors.New("redis state store: empty addr")
	}
	s := NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: addr}), prefix)
	s.owned = true
	return s, nil
}

// NewRedisStoreFromClient wraps an existing client; Close leaves the client open.
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "turnguard"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) redisKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("redis state store: key is empty")
	}
	return s.prefix + ":state:" + key, nil
}

func (s *RedisStore) Load(ctx context.Context, key string) ([]byte, bool, error) {
	if s == nil || s.client == nil {
		return nil, false, errors.New("redis state store: client is nil")
	}
	rk, err := s.redisKey(key)
	if err != nil {
		return nil, false, err
	}
	b, err := s.client.Get(ctx, rk).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, errors.Wrapf(err, "redis state store: load %s", key)
	}
	return b, true, nil
}

func (s *RedisStore) Save(ctx context.Context, key string, value []byte) error {
	if s == nil || s.client == nil {
		return errors.New("redis state store: client is nil")
	}
	rk, err := s.redisKey(key)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, rk, value, 0).Err(); err != nil {
		return errors.Wrapf(err, "redis state store: save %s", key)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if s == nil || s.client == nil {
		return errors.New("redis state store: client is nil")
	}
	rk, err := s.redisKey(key)
	if err != nil {
		return err
	}
	if err := s.client.Del(ctx, rk).Err(); err != nil {
		return errors.Wrapf(err, "redis state store: delete %s", key)
	}
	return nil
}

func (s *RedisStore) Close() error {
	if s == nil || s.client == nil || !s.owned {
		return nil
	}
	return s.client.Close()
}
