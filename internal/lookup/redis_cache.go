package lookup

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"planarian/api/internal/cave"
)

// RedisCache is a read-through name cache in front of another Resolver.
// Redis failures degrade to the underlying resolver.
type RedisCache struct {
	client *redis.Client
	next   Resolver
	ttl    time.Duration
	prefix string
}

// NewRedisCache connects to redisURL and wraps next.
func NewRedisCache(redisURL string, next Resolver, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisCacheWithClient(client, next, ttl), nil
}

func NewRedisCacheWithClient(client *redis.Client, next Resolver, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisCache{
		client: client,
		next:   next,
		ttl:    ttl,
		prefix: "lookup:",
	}
}

func (c *RedisCache) key(kind cave.LookupKind, id string) string {
	return c.prefix + string(kind) + ":" + id
}

func (c *RedisCache) LookupNames(ctx context.Context, kind cave.LookupKind, ids []string) (map[string]string, error) {
	out := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = c.key(kind, id)
	}

	missing := ids
	cached, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		log.Printf("lookup: redis read failed for %s: %v", kind, err)
	} else {
		missing = missing[:0:0]
		for i, value := range cached {
			if name, ok := value.(string); ok {
				out[ids[i]] = name
				continue
			}
			missing = append(missing, ids[i])
		}
	}
	if len(missing) == 0 {
		return out, nil
	}

	resolved, err := c.next.LookupNames(ctx, kind, missing)
	if err != nil {
		return nil, err
	}
	if len(resolved) == 0 {
		return out, nil
	}

	pipe := c.client.Pipeline()
	for id, name := range resolved {
		out[id] = name
		pipe.Set(ctx, c.key(kind, id), name, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("lookup: redis write failed for %s: %v", kind, err)
	}
	return out, nil
}

// Close closes the Redis connection
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// Ping checks if Redis is reachable
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
