package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// dispatchLock enforces the (issueId, phase) serialization invariant of
// spec.md §5: a new Run for that pair is not created while a prior dispatch
// for the same pair is still in flight. TryLock returns ok=false if the pair
// is currently held; callers must not dispatch in that case.
type dispatchLock interface {
	TryLock(ctx context.Context, issueID, phase string) (unlock func(), ok bool, err error)
}

// redisDispatchLock implements dispatchLock with a Redis SETNX, so the
// invariant holds across multiple orchestrator processes sharing one Redis
// instance.
type redisDispatchLock struct {
	client *redis.Client
	ttl    time.Duration
}

// newRedisDispatchLock builds a dispatchLock backed by client. ttl bounds how
// long a lock survives an orchestrator crash between lock and unlock.
func newRedisDispatchLock(client *redis.Client, ttl time.Duration) *redisDispatchLock {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &redisDispatchLock{client: client, ttl: ttl}
}

func (l *redisDispatchLock) TryLock(ctx context.Context, issueID, phase string) (func(), bool, error) {
	key := lockKey(issueID, phase)
	ok, err := l.client.SetNX(ctx, key, "1", l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("dispatch lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	unlock := func() {
		// best-effort: a stale lock self-expires via ttl even if this Del
		// is lost to a crash or a cancelled context.
		l.client.Del(context.Background(), key)
	}
	return unlock, true, nil
}

// memDispatchLock implements dispatchLock in-process via sync.Map, used
// whenever Redis isn't configured. It only serializes dispatches within this
// one orchestrator process.
type memDispatchLock struct {
	held sync.Map
}

func newMemDispatchLock() *memDispatchLock {
	return &memDispatchLock{}
}

func (l *memDispatchLock) TryLock(_ context.Context, issueID, phase string) (func(), bool, error) {
	key := lockKey(issueID, phase)
	if _, loaded := l.held.LoadOrStore(key, struct{}{}); loaded {
		return nil, false, nil
	}
	unlock := func() { l.held.Delete(key) }
	return unlock, true, nil
}

func lockKey(issueID, phase string) string {
	return fmt.Sprintf("ashep:dispatch:%s:%s", issueID, phase)
}
