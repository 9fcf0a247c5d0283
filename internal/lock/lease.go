package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lease is the cross-process mutual-exclusion token for one bin. Two
// orchestrator processes must never command the same physical bin at once.
type Lease interface {
	Acquire(ctx context.Context, binID, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, binID, owner string) error
}

// releaseScript deletes the lease only when still held by the owner.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLease implements Lease with SET NX + TTL.
type RedisLease struct {
	client *redis.Client
}

// NewRedisLease wraps a go-redis client.
func NewRedisLease(client *redis.Client) *RedisLease {
	return &RedisLease{client: client}
}

func (l *RedisLease) key(binID string) string {
	return fmt.Sprintf("cabinet:binlock:%s", binID)
}

// Acquire takes the lease when free. Returns false when another owner holds it.
func (l *RedisLease) Acquire(ctx context.Context, binID, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return l.client.SetNX(ctx, l.key(binID), owner, ttl).Result()
}

// Release frees the lease when still owned; a lease lost to TTL expiry is a no-op.
func (l *RedisLease) Release(ctx context.Context, binID, owner string) error {
	return releaseScript.Run(ctx, l.client, []string{l.key(binID)}, owner).Err()
}
