package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	limiter "github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	limiterredis "github.com/ulule/limiter/v3/drivers/store/redis"
)

// Decision is the outcome of a single limit check.
type Decision struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	Reset     time.Time
}

// Limiter decides whether another event is allowed for key.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// FixedWindow is a Limiter backed by ulule/limiter.
type FixedWindow struct {
	lim *limiter.Limiter
}

// NewRedisLimiter stores counters in Redis so limits hold across replicas.
func NewRedisLimiter(client *redis.Client, prefix string, max int64, window time.Duration) (*FixedWindow, error) {
	store, err := limiterredis.NewStoreWithOptions(client, limiter.StoreOptions{Prefix: strings.TrimSuffix(prefix, ":")})
	if err != nil {
		return nil, fmt.Errorf("ratelimit: redis store: %w", err)
	}
	return newFixedWindow(store, max, window), nil
}

// NewMemoryLimiter keeps counters in process memory.
func NewMemoryLimiter(max int64, window time.Duration) *FixedWindow {
	return newFixedWindow(memory.NewStore(), max, window)
}

func newFixedWindow(store limiter.Store, max int64, window time.Duration) *FixedWindow {
	return &FixedWindow{lim: limiter.New(store, limiter.Rate{Period: window, Limit: max})}
}

// Allow counts one event against key.
func (f *FixedWindow) Allow(ctx context.Context, key string) (Decision, error) {
	res, err := f.lim.Get(ctx, key)
	if err != nil {
		return Decision{}, err
	}
	return Decision{
		Allowed:   !res.Reached,
		Limit:     res.Limit,
		Remaining: res.Remaining,
		Reset:     time.Unix(res.Reset, 0),
	}, nil
}
