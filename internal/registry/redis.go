package registry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultTTL = 30 * time.Second

var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
	return 1
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("DEL", KEYS[1])
	redis.call("SREM", KEYS[2], ARGV[2])
	return 1
end
return 0
`)

type RedisRegistry struct {
	rdb    *redis.Client
	prefix string
}

// NewRedis connects using a redis:// URL and pings the server.
func NewRedis(ctx context.Context, redisURL string) (*RedisRegistry, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(redisURL))
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisFromClient(rdb), nil
}

func NewRedisFromClient(rdb *redis.Client) *RedisRegistry {
	return &RedisRegistry{rdb: rdb, prefix: "lichess:game:"}
}

func (r *RedisRegistry) keyGame(id string) string { return r.prefix + strings.TrimSpace(id) }
func (r *RedisRegistry) keyIndex() string         { return r.prefix + "active" }

func (r *RedisRegistry) Claim(ctx context.Context, gameID, owner string, ttl time.Duration) (bool, error) {
	if strings.TrimSpace(gameID) == "" {
		return false, nil
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	ok, err := r.rdb.SetNX(ctx, r.keyGame(gameID), owner, ttl).Result()
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	// The index has no TTL of its own; Active drops members whose claim expired.
	if err := r.rdb.SAdd(ctx, r.keyIndex(), gameID).Err(); err != nil {
		return true, err
	}
	return true, nil
}

func (r *RedisRegistry) Refresh(ctx context.Context, gameID, owner string, ttl time.Duration) (bool, error) {
	if strings.TrimSpace(gameID) == "" {
		return false, nil
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	n, err := refreshScript.Run(ctx, r.rdb, []string{r.keyGame(gameID)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Release deletes the claim and its index entry only while owner holds it, so
// a session whose claim lapsed cannot remove a newer owner's claim.
func (r *RedisRegistry) Release(ctx context.Context, gameID, owner string) error {
	if strings.TrimSpace(gameID) == "" {
		return nil
	}
	return releaseScript.Run(ctx, r.rdb, []string{r.keyGame(gameID), r.keyIndex()}, owner, gameID).Err()
}

// Active lists claimed games whose claim key has not expired, pruning the
// index of stale members.
func (r *RedisRegistry) Active(ctx context.Context) ([]string, error) {
	ids, err := r.rdb.SMembers(ctx, r.keyIndex()).Result()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		n, err := r.rdb.Exists(ctx, r.keyGame(id)).Result()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			_ = r.rdb.SRem(ctx, r.keyIndex(), id).Err()
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

func (r *RedisRegistry) Close() error {
	if r == nil || r.rdb == nil {
		return nil
	}
	return r.rdb.Close()
}
