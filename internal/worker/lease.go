package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lease decides which process runs singleton background work.
type Lease interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// KEYS[1] = lease key, ARGV[1] = owner, ARGV[2] = ttl in milliseconds.
// Takes a free lease or extends one we already hold.
var acquireLeaseScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if not current then
    redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
    return 1
end
if current == ARGV[1] then
    redis.call("PEXPIRE", KEYS[1], ARGV[2])
    return 1
end
return 0
`)

var releaseLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLease is a TTL lease held in a single Redis key.
type RedisLease struct {
	client redis.Scripter
	key    string
	owner  string
	ttl    time.Duration
}

func NewRedisLease(client redis.Scripter, key, owner string, ttl time.Duration) *RedisLease {
	return &RedisLease{client: client, key: key, owner: owner, ttl: ttl}
}

func (l *RedisLease) Acquire(ctx context.Context) (bool, error) {
	res, err := acquireLeaseScript.Run(ctx, l.client, []string{l.key}, l.owner, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("redis lease error: %w", err)
	}
	return res == 1, nil
}

func (l *RedisLease) Release(ctx context.Context) error {
	if err := releaseLeaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Err(); err != nil {
		return fmt.Errorf("redis lease release error: %w", err)
	}
	return nil
}

// localLease is always held. It is used when no Redis is configured and the
// process is the only sweeper.
type localLease struct{}

func (localLease) Acquire(context.Context) (bool, error) { return true, nil }
func (localLease) Release(context.Context) error         { return nil }
