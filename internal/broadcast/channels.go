package broadcast

import (
	"context"
	"sync"
	"time"

	"voice-broadcast/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// ChannelTracker accounts for simultaneous provider channels. A slot is
// acquired per call creation and released when the call hangs up (or the
// creation fails). It is advisory: the provider's own limit is still the
// source of truth, this tracker just keeps us from slamming into it.
type ChannelTracker interface {
	// Acquire takes a channel slot; false means the local cap is reached.
	Acquire(ctx context.Context) (bool, error)

	// Release returns a slot. Safe to call for calls whose acquire was lost
	// (the count never goes negative).
	Release(ctx context.Context) error

	// Active reports the number of slots currently held.
	Active(ctx context.Context) (int, error)

	// Limit reports the configured cap.
	Limit() int
}

const channelKey = "broadcast:channels:active"

// channelSlotTTL bounds how long a leaked slot can linger after a crash.
const channelSlotTTL = 10 * time.Minute

// RedisChannelTracker shares channel accounting across processes through
// the atomic cap scripts in pkg/utils.
type RedisChannelTracker struct {
	rdb   *redis.Client
	limit int
}

func NewRedisChannelTracker(rdb *redis.Client, limit int) *RedisChannelTracker {
	return &RedisChannelTracker{rdb: rdb, limit: limit}
}

func (t *RedisChannelTracker) Acquire(ctx context.Context) (bool, error) {
	return utils.AcquireConcurrencyCap(ctx, t.rdb, channelKey, t.limit, channelSlotTTL)
}

func (t *RedisChannelTracker) Release(ctx context.Context) error {
	return utils.ReleaseConcurrencyCap(ctx, t.rdb, channelKey)
}

func (t *RedisChannelTracker) Active(ctx context.Context) (int, error) {
	return utils.CurrentConcurrency(ctx, t.rdb, channelKey)
}

func (t *RedisChannelTracker) Limit() int { return t.limit }

// MemoryChannelTracker is a single-process tracker for tests and local dev.
type MemoryChannelTracker struct {
	mu     sync.Mutex
	active int
	limit  int
}

func NewMemoryChannelTracker(limit int) *MemoryChannelTracker {
	return &MemoryChannelTracker{limit: limit}
}

func (t *MemoryChannelTracker) Acquire(ctx context.Context) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active >= t.limit {
		return false, nil
	}
	t.active++
	return true, nil
}

func (t *MemoryChannelTracker) Release(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active > 0 {
		t.active--
	}
	return nil
}

func (t *MemoryChannelTracker) Active(ctx context.Context) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active, nil
}

func (t *MemoryChannelTracker) Limit() int { return t.limit }
