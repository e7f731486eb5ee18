// Package redisstate provides a redis-backed state.Store, the production
// state runtime backend. Watch subscriptions use redis pub/sub: every
// mutating operation publishes a change signal for its key.
package redisstate

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/durablemcp/durablemcp/state"
)

// Store is a durable state.Store backed by redis.
type Store struct {
	rdb    *redis.Client
	prefix string
}

var _ state.Store = (*Store)(nil)

// Option customises a Store.
type Option func(*Store)

// WithPrefix overrides the default key prefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// New creates a redis-backed store.
func New(rdb *redis.Client, opts ...Option) *Store {
	s := &Store{rdb: rdb, prefix: "dmcp:"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) key(key string) string     { return s.prefix + key }
func (s *Store) channel(key string) string { return s.prefix + "watch:" + key }

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, err := s.rdb.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		return nil, false, err
	}
	return raw, true, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if err := s.rdb.Set(ctx, s.key(key), value, 0).Err(); err != nil {
		return err
	}
	return s.publish(ctx, key)
}

func (s *Store) SetNX(ctx context.Context, key string, value []byte) (bool, error) {
	stored, err := s.rdb.SetNX(ctx, s.key(key), value, 0).Result()
	if err != nil {
		return false, err
	}
	if stored {
		if err := s.publish(ctx, key); err != nil {
			return stored, err
		}
	}
	return stored, nil
}

func (s *Store) Append(ctx context.Context, key string, value []byte) error {
	if err := s.rdb.RPush(ctx, s.key(key), value).Err(); err != nil {
		return err
	}
	return s.publish(ctx, key)
}

func (s *Store) Values(ctx context.Context, key string) ([][]byte, error) {
	values, err := s.rdb.LRange(ctx, s.key(key), 0, -1).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	result := make([][]byte, len(values))
	for i, value := range values {
		result[i] = []byte(value)
	}
	return result, nil
}

func (s *Store) HGet(ctx context.Context, key, field string) ([]byte, bool, error) {
	raw, err := s.rdb.HGet(ctx, s.key(key), field).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		return nil, false, err
	}
	return raw, true, nil
}

func (s *Store) HSet(ctx context.Context, key, field string, value []byte) error {
	if err := s.rdb.HSet(ctx, s.key(key), field, value).Err(); err != nil {
		return err
	}
	return s.publish(ctx, key)
}

func (s *Store) HSetNX(ctx context.Context, key, field string, value []byte) (bool, error) {
	stored, err := s.rdb.HSetNX(ctx, s.key(key), field, value).Result()
	if err != nil {
		return false, err
	}
	if stored {
		if err := s.publish(ctx, key); err != nil {
			return stored, err
		}
	}
	return stored, nil
}

func (s *Store) HDel(ctx context.Context, key, field string) error {
	if err := s.rdb.HDel(ctx, s.key(key), field).Err(); err != nil {
		return err
	}
	return s.publish(ctx, key)
}

func (s *Store) HGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	values, err := s.rdb.HGetAll(ctx, s.key(key)).Result()
	if err != nil {
		return nil, err
	}
	result := make(map[string][]byte, len(values))
	for field, value := range values {
		result[field] = []byte(value)
	}
	return result, nil
}

// Watch subscribes to the pub/sub channel for key. The subscription also
// polls at a coarse interval so a missed publish (e.g. a connection blip)
// only delays, never loses, a wakeup.
func (s *Store) Watch(ctx context.Context, key string) (<-chan struct{}, func(), error) {
	pubsub := s.rdb.Subscribe(ctx, s.channel(key))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, err
	}
	signal := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		messages := pubsub.Channel()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case _, ok := <-messages:
				if !ok {
					return
				}
			case <-ticker.C:
			}
			select {
			case signal <- struct{}{}:
			default: // already pending, coalesce
			}
		}
	}()
	cancel := func() {
		close(done)
		_ = pubsub.Close()
	}
	return signal, cancel, nil
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

func (s *Store) publish(ctx context.Context, key string) error {
	return s.rdb.Publish(ctx, s.channel(key), "1").Err()
}
