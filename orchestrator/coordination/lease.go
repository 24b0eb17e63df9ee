// Package coordination guards single-writer custody of the orchestrator's
// persistent state.
//
// GAIA runs one orchestrator, but a misconfigured deployment can start two.
// When Redis is available, the orchestrator holds a lease under
// gaia:lock:orchestrator and renews it at TTL/3; a second instance fails to
// acquire and exits instead of silently double-writing state.json.
package coordination

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const lockKey = "gaia:lock:orchestrator"

// renewScript extends the TTL only while we still own the lock.
const renewScript = `
	local val = redis.call("get", KEYS[1])
	if not val then
		return -1
	end
	if val == ARGV[1] then
		return redis.call("pexpire", KEYS[1], tonumber(ARGV[2]))
	end
	return -2
`

// releaseScript deletes the lock only if we own it.
const releaseScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	end
	return 0
`

// WriterLease is the held single-writer lease.
type WriterLease struct {
	client *redis.Client
	nodeID string
	ttl    time.Duration

	// OnLost is invoked when the lease cannot be renewed. Continuing to
	// serve after losing the lease would violate single-writer custody, so
	// the orchestrator sets it to exit the process. When nil, Run stops
	// renewing and returns.
	OnLost func()
}

// Acquire connects to Redis and takes the orchestrator lock. Returns an
// error if Redis is unreachable or another instance holds the lock.
func Acquire(addr, nodeID string, ttl time.Duration) (*WriterLease, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis unreachable at %s: %w", addr, err)
	}

	ok, err := client.SetNX(ctx, lockKey, nodeID, ttl).Result()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("acquire writer lease: %w", err)
	}
	if !ok {
		holder, _ := client.Get(ctx, lockKey).Result()
		client.Close()
		return nil, fmt.Errorf("writer lease held by %q; refusing to double-write state", holder)
	}

	log.Printf("Coordination: writer lease acquired by %s (ttl=%s)", nodeID, ttl)
	return &WriterLease{client: client, nodeID: nodeID, ttl: ttl}, nil
}

// Run renews the lease at TTL/3 until ctx is done, then releases it.
func (l *WriterLease) Run(ctx context.Context) {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	failures := 0
	const maxFailures = 3

	for {
		select {
		case <-ctx.Done():
			l.release()
			return
		case <-ticker.C:
			renewed, err := l.renew(ctx)
			if err != nil {
				failures++
				log.Printf("Coordination: lease renew error (%d/%d): %v", failures, maxFailures, err)
				if failures < maxFailures {
					continue
				}
			}
			failures = 0
			if err != nil || !renewed {
				log.Printf("Coordination: writer lease lost")
				if l.OnLost != nil {
					l.OnLost()
				}
				return
			}
		}
	}
}

func (l *WriterLease) renew(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	res, err := l.client.Eval(ctx, renewScript, []string{lockKey},
		l.nodeID, int64(l.ttl/time.Millisecond)).Result()
	if err != nil {
		return false, err
	}
	val, ok := res.(int64)
	return ok && val == 1, nil
}

func (l *WriterLease) release() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := l.client.Eval(ctx, releaseScript, []string{lockKey}, l.nodeID).Result(); err != nil {
		log.Printf("Coordination: lease release failed: %v", err)
	}
	l.client.Close()
}
