// Package ratelimit paces JSON-RPC calls against the node provider's compute unit budget.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default budget configuration values
const (
	DefaultTotalBudget    = 500
	DefaultReservedBudget = 300
	DefaultWindowSize     = time.Second
	DefaultKeyTTL         = 2 * time.Second
)

// Priority selects the budget pool a call draws from
type Priority int

const (
	// PriorityHigh is for execution: broadcasts, receipts and nonces
	PriorityHigh Priority = iota
	// PriorityLow is for treasury and interest scans
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// consumeScript checks and increments the total and pool counters atomically
var consumeScript = redis.NewScript(`
local totalUsed = tonumber(redis.call('GET', KEYS[1]) or '0')
local poolUsed = tonumber(redis.call('GET', KEYS[2]) or '0')
local cu = tonumber(ARGV[1])
if totalUsed + cu > tonumber(ARGV[2]) or poolUsed + cu > tonumber(ARGV[3]) then
	return {0, totalUsed, poolUsed}
end
redis.call('INCRBY', KEYS[1], cu)
redis.call('EXPIRE', KEYS[1], ARGV[4])
redis.call('INCRBY', KEYS[2], cu)
redis.call('EXPIRE', KEYS[2], ARGV[4])
return {1, totalUsed + cu, poolUsed + cu}
`)

// CUBudgetTracker shares one compute unit budget between every process using the same
// node provider key. Each window has a reserved pool for execution and a shared pool for scans.
type CUBudgetTracker struct {
	redis          redis.Cmdable
	namespace      string
	totalBudget    int
	reservedBudget int
	sharedBudget   int
	windowSize     time.Duration
	keyTTL         time.Duration
	now            func() time.Time
}

// CUBudgetTrackerConfig holds configuration for the budget tracker
type CUBudgetTrackerConfig struct {
	Redis redis.Cmdable
	// Namespace separates budgets of different provider keys
	Namespace      string
	TotalBudget    int
	ReservedBudget int
	WindowSize     time.Duration
	KeyTTL         time.Duration
}

// CUUsageStats is the consumption of the current window
type CUUsageStats struct {
	TotalUsed    int
	ReservedUsed int
	SharedUsed   int
	WindowStart  time.Time
}

// NewCUBudgetTracker creates a tracker, zero values take the defaults
func NewCUBudgetTracker(cfg *CUBudgetTrackerConfig) (*CUBudgetTracker, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if cfg.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.TotalBudget < 0 || cfg.ReservedBudget < 0 {
		return nil, errors.New("budgets cannot be negative")
	}

	t := &CUBudgetTracker{
		redis:          cfg.Redis,
		namespace:      cfg.Namespace,
		totalBudget:    cfg.TotalBudget,
		reservedBudget: cfg.ReservedBudget,
		windowSize:     cfg.WindowSize,
		keyTTL:         cfg.KeyTTL,
		now:            time.Now,
	}
	if t.namespace == "" {
		t.namespace = "default"
	}
	if t.totalBudget == 0 {
		t.totalBudget = DefaultTotalBudget
	}
	if t.reservedBudget == 0 {
		t.reservedBudget = t.totalBudget * DefaultReservedBudget / DefaultTotalBudget
	}
	if t.reservedBudget > t.totalBudget {
		return nil, fmt.Errorf("reserved budget (%d) cannot exceed total budget (%d)", t.reservedBudget, t.totalBudget)
	}
	t.sharedBudget = t.totalBudget - t.reservedBudget
	if t.windowSize == 0 {
		t.windowSize = DefaultWindowSize
	}
	if t.keyTTL < t.windowSize {
		t.keyTTL = 2 * t.windowSize
	}
	return t, nil
}

func (t *CUBudgetTracker) windowStart() time.Time {
	return t.now().Truncate(t.windowSize)
}

func (t *CUBudgetTracker) keys(window time.Time) (total, reserved, shared string) {
	prefix := "cu:" + t.namespace + ":"
	ts := strconv.FormatInt(window.UnixMilli(), 10)
	return prefix + "total:" + ts, prefix + "reserved:" + ts, prefix + "shared:" + ts
}

// TryConsume takes cu from the pool of the priority. When the budget is used up it
// returns false and the time until the next window.
func (t *CUBudgetTracker) TryConsume(ctx context.Context, cu int, priority Priority) (bool, time.Duration) {
	if cu <= 0 {
		return true, 0
	}

	window := t.windowStart()
	totalKey, reservedKey, sharedKey := t.keys(window)
	poolKey, poolBudget := sharedKey, t.sharedBudget
	if priority == PriorityHigh {
		poolKey, poolBudget = reservedKey, t.reservedBudget
	}

	ttl := int(t.keyTTL.Seconds())
	if ttl < 1 {
		ttl = 1
	}

	result, err := consumeScript.Run(ctx, t.redis, []string{totalKey, poolKey}, cu, t.totalBudget, poolBudget, ttl).Int64Slice()
	if err != nil || len(result) == 0 || result[0] != 1 {
		// a Redis failure denies the call rather than overspending
		return false, t.untilNextWindow(window)
	}
	return true, 0
}

func (t *CUBudgetTracker) untilNextWindow(window time.Time) time.Duration {
	wait := window.Add(t.windowSize).Sub(t.now())
	if wait < 0 {
		wait = 0
	}
	return wait + time.Millisecond
}

// GetUsage returns consumption in the current window
func (t *CUBudgetTracker) GetUsage(ctx context.Context) (*CUUsageStats, error) {
	window := t.windowStart()
	totalKey, reservedKey, sharedKey := t.keys(window)

	values, err := t.redis.MGet(ctx, totalKey, reservedKey, sharedKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read compute unit usage: %w", err)
	}
	used := make([]int, len(values))
	for i, v := range values {
		if s, ok := v.(string); ok {
			used[i], _ = strconv.Atoi(s)
		}
	}
	return &CUUsageStats{
		TotalUsed:    used[0],
		ReservedUsed: used[1],
		SharedUsed:   used[2],
		WindowStart:  window,
	}, nil
}

// AvailableBudget returns what is left in the pool of the priority
func (t *CUBudgetTracker) AvailableBudget(ctx context.Context, priority Priority) (int, error) {
	stats, err := t.GetUsage(ctx)
	if err != nil {
		return 0, err
	}
	available := t.sharedBudget - stats.SharedUsed
	if priority == PriorityHigh {
		available = t.reservedBudget - stats.ReservedUsed
	}
	if available < 0 {
		available = 0
	}
	return available, nil
}
