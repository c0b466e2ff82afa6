package adapter

import (
	"context"
	stdErrors "errors"
	"sort"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	wardenerrors "github.com/mirkobrombin/go-warden/v1/errors"
)

const defaultRedisOpTimeout = 5 * time.Second

// RedisStore implements Store on a pooled Redis client. Values are encoded
// with a Codec, JSON by default, under an optional key prefix.
type RedisStore[T any] struct {
	client  redis.UniversalClient
	timeout time.Duration
	prefix  string
	codec   Codec
}

// RedisOption configures a RedisStore.
type RedisOption func(*redisStoreOptions)

type redisStoreOptions struct {
	timeout time.Duration
	prefix  string
	codec   Codec
}

// WithTimeout sets the operation timeout for Redis calls.
func WithTimeout(d time.Duration) RedisOption {
	return func(o *redisStoreOptions) {
		o.timeout = d
	}
}

// WithPrefix namespaces every key written by the store.
func WithPrefix(p string) RedisOption {
	return func(o *redisStoreOptions) {
		o.prefix = p
	}
}

// WithCodec sets the value codec.
func WithCodec(c Codec) RedisOption {
	return func(o *redisStoreOptions) {
		o.codec = c
	}
}

// NewRedisStore returns a new RedisStore using the provided Redis client.
func NewRedisStore[T any](client redis.UniversalClient, opts ...RedisOption) *RedisStore[T] {
	o := redisStoreOptions{timeout: defaultRedisOpTimeout, codec: JSONCodec{}}
	for _, opt := range opts {
		opt(&o)
	}
	return &RedisStore[T]{client: client, timeout: o.timeout, prefix: o.prefix, codec: o.codec}
}

// mapRedisErr translates context and connection failures into the module's
// sentinel errors.
func mapRedisErr(err error) error {
	switch {
	case err == nil:
		return nil
	case stdErrors.Is(err, context.DeadlineExceeded):
		return wardenerrors.ErrTimeout
	case stdErrors.Is(err, redis.ErrClosed):
		return wardenerrors.ErrConnectionClosed
	default:
		return err
	}
}

// Get implements Store.Get.
func (s *RedisStore[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, false, mapRedisErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	data, err := s.client.Get(cctx, s.prefix+key).Bytes()
	if err == redis.Nil {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, mapRedisErr(err)
	}
	var v T
	if err := s.codec.Unmarshal(data, &v); err != nil {
		return zero, false, err
	}
	return v, true, nil
}

// Set implements Store.Set.
func (s *RedisStore[T]) Set(ctx context.Context, key string, value T) error {
	if err := ctx.Err(); err != nil {
		return mapRedisErr(err)
	}
	data, err := s.codec.Marshal(value)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return mapRedisErr(s.client.Set(cctx, s.prefix+key, data, 0).Err())
}

// Delete implements Store.Delete.
func (s *RedisStore[T]) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return mapRedisErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return mapRedisErr(s.client.Del(cctx, s.prefix+key).Err())
}

// Keys implements Store.Keys using SCAN over the store prefix. Keys are
// returned without the prefix, sorted.
func (s *RedisStore[T]) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, mapRedisErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var (
		cursor uint64
		keys   []string
	)
	for {
		batch, next, err := s.client.Scan(cctx, cursor, s.prefix+"*", 100).Result()
		if err != nil {
			return nil, mapRedisErr(err)
		}
		for _, k := range batch {
			keys = append(keys, strings.TrimPrefix(k, s.prefix))
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	sort.Strings(keys)
	return keys, nil
}
