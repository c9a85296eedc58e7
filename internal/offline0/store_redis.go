package offline0

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
)

// redisStorage keeps each cache in one hash (field = request key) and the
// set of cache names in a separate set, so a whole generation can be dropped
// with a single DEL.
type redisStorage struct {
	client    *redis.Client
	keyPrefix string
	closed    atomic.Bool
}

type RedisOptions struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

func OpenRedisStorage(ctx context.Context, o RedisOptions) (Storage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     o.Address,
		Password: o.Password,
		DB:       o.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return newRedisStorage(client, o.KeyPrefix), nil
}

func newRedisStorage(client *redis.Client, keyPrefix string) *redisStorage {
	return &redisStorage{client: client, keyPrefix: keyPrefix}
}

func (s *redisStorage) namesKey() string {
	return s.keyPrefix + "caches"
}

func (s *redisStorage) cacheKey(name string) string {
	return s.keyPrefix + "cache:" + name
}

func (s *redisStorage) Open(ctx context.Context, name string) (Cache, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if err := s.client.SAdd(ctx, s.namesKey(), name).Err(); err != nil {
		return nil, err
	}
	return &redisCache{s: s, name: name, key: s.cacheKey(name)}, nil
}

func (s *redisStorage) Names(ctx context.Context) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	names, err := s.client.SMembers(ctx, s.namesKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (s *redisStorage) Drop(ctx context.Context, name string) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}
	var removed *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.cacheKey(name))
		removed = pipe.SRem(ctx, s.namesKey(), name)
		return nil
	})
	if err != nil {
		return false, err
	}
	return removed.Val() > 0, nil
}

func (s *redisStorage) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.client.Close()
}

// putScript writes one entry only while the cache is still registered, so a
// Put racing a Drop cannot recreate the dropped hash.
var putScript = redis.NewScript(`
if redis.call("SISMEMBER", KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call("HSET", KEYS[2], ARGV[2], ARGV[3])
return 1
`)

type redisCache struct {
	s    *redisStorage
	name string
	key  string
}

func (c *redisCache) Match(ctx context.Context, key string) (*Response, bool, error) {
	b, err := c.s.client.HGet(ctx, c.key, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var resp Response
	if err := decodeGob(b, &resp); err != nil {
		return nil, false, err
	}
	return &resp, true, nil
}

func (c *redisCache) Put(ctx context.Context, key string, resp *Response) error {
	b, err := encodeGob(*resp)
	if err != nil {
		return err
	}
	stored, err := putScript.Run(ctx, c.s.client, []string{c.s.namesKey(), c.key}, c.name, key, b).Int()
	if err != nil {
		return err
	}
	if stored == 0 {
		return ErrCacheNotFound
	}
	return nil
}

func (c *redisCache) Delete(ctx context.Context, key string) (bool, error) {
	n, err := c.s.client.HDel(ctx, c.key, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *redisCache) Keys(ctx context.Context) ([]string, error) {
	keys, err := c.s.client.HKeys(ctx, c.key).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}
