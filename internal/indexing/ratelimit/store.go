package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

type windowState struct {
	second     int64
	secondUsed int
	minute     int64
	minuteUsed int
}

// MemoryStore keeps counters in process. Limiters sharing a store and key share a budget.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*windowState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]*windowState)}
}

func (m *MemoryStore) Acquire(_ context.Context, key string, now time.Time, perSecond, perMinute int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := m.windows[key]
	if w == nil {
		w = &windowState{}
		m.windows[key] = w
	}
	if sec := secondWindow(now); sec != w.second {
		w.second, w.secondUsed = sec, 0
	}
	if minute := minuteWindow(now); minute != w.minute {
		w.minute, w.minuteUsed = minute, 0
	}
	if w.secondUsed >= perSecond || w.minuteUsed >= perMinute {
		return false, nil
	}
	w.secondUsed++
	w.minuteUsed++
	return true, nil
}

// acquireScript checks both windows and increments both only when each has room.
var acquireScript = goredis.NewScript(`
local s = tonumber(redis.call('GET', KEYS[1]) or '0')
local m = tonumber(redis.call('GET', KEYS[2]) or '0')
if s >= tonumber(ARGV[1]) or m >= tonumber(ARGV[2]) then
  return 0
end
redis.call('INCR', KEYS[1])
redis.call('EXPIRE', KEYS[1], 2)
redis.call('INCR', KEYS[2])
redis.call('EXPIRE', KEYS[2], 120)
return 1
`)

// RedisStore shares the windows across processes, so every worker dispatching to the same
// destination draws from one budget.
type RedisStore struct {
	rdb    goredis.Scripter
	prefix string
}

func NewRedisStore(rdb goredis.Scripter, prefix string) *RedisStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "catalog-indexer:ratelimit"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (r *RedisStore) Acquire(ctx context.Context, key string, now time.Time, perSecond, perMinute int) (bool, error) {
	keys := []string{
		fmt.Sprintf("%s:%s:s:%d", r.prefix, key, secondWindow(now)),
		fmt.Sprintf("%s:%s:m:%d", r.prefix, key, minuteWindow(now)),
	}
	n, err := acquireScript.Run(ctx, r.rdb, keys, perSecond, perMinute).Int()
	if err != nil {
		return false, fmt.Errorf("redis rate window: %w", err)
	}
	return n == 1, nil
}
