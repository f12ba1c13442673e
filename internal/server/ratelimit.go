package server

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const verifyKeyPrefix = "videoshare:verify:"

// RateLimitConfig bounds overall request throughput and password attempts.
// Password attempts are counted per client in memory, or in Redis when
// RedisAddr is set so several instances share one budget.
type RateLimitConfig struct {
	GlobalRPS     float64
	GlobalBurst   int
	VerifyLimit   int
	VerifyWindow  time.Duration
	RedisAddr     string
	RedisPassword string
	RedisTimeout  time.Duration
}

// RateLimiter applies the limits described by RateLimitConfig.
type RateLimiter struct {
	global       *rate.Limiter
	verifyLimit  int
	verifyWindow time.Duration

	mu      sync.Mutex
	clients map[string]*clientLimiter
	store   *redisStore
	now     func() time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter builds a limiter. A Redis address that cannot be parsed is
// an error; an unreachable server only surfaces on use and in Ping.
func NewRateLimiter(cfg RateLimitConfig) (*RateLimiter, error) {
	rl := &RateLimiter{
		verifyLimit:  max(cfg.VerifyLimit, 0),
		verifyWindow: cfg.VerifyWindow,
		clients:      make(map[string]*clientLimiter),
		now:          time.Now,
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = max(int(cfg.GlobalRPS), 1)
		}
		rl.global = rate.NewLimiter(rate.Limit(cfg.GlobalRPS), burst)
	}
	if rl.verifyWindow <= 0 {
		rl.verifyWindow = time.Minute
	}
	if cfg.RedisAddr != "" && rl.verifyLimit > 0 {
		store, err := newRedisStore(redisStoreConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Timeout:  cfg.RedisTimeout,
		})
		if err != nil {
			return nil, err
		}
		rl.store = store
	}
	return rl, nil
}

// AllowRequest reports whether the global budget admits one more request.
func (r *RateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

// AllowVerify reports whether key may attempt the password once more. When
// refused the returned duration says when to retry.
func (r *RateLimiter) AllowVerify(ctx context.Context, key string) (bool, time.Duration, error) {
	if r == nil || r.verifyLimit <= 0 {
		return true, 0, nil
	}
	if key == "" {
		key = "unknown"
	}
	if r.store != nil {
		return r.store.Allow(ctx, verifyKeyPrefix+key, r.verifyLimit, r.verifyWindow)
	}

	now := r.now()
	r.mu.Lock()
	client, exists := r.clients[key]
	if !exists {
		every := rate.Every(r.verifyWindow / time.Duration(r.verifyLimit))
		client = &clientLimiter{limiter: rate.NewLimiter(every, r.verifyLimit)}
		r.clients[key] = client
	}
	client.lastSeen = now
	r.cleanupLocked(now)
	r.mu.Unlock()

	reservation := client.limiter.ReserveN(now, 1)
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return false, delay, nil
	}
	return true, 0, nil
}

func (r *RateLimiter) cleanupLocked(now time.Time) {
	cutoff := now.Add(-2 * r.verifyWindow)
	for key, client := range r.clients {
		if client.lastSeen.Before(cutoff) {
			delete(r.clients, key)
		}
	}
}

// Distributed reports whether attempts are counted in Redis.
func (r *RateLimiter) Distributed() bool {
	return r != nil && r.store != nil
}

// Ping checks the Redis backend when one is configured.
func (r *RateLimiter) Ping(ctx context.Context) error {
	if r == nil || r.store == nil {
		return nil
	}
	return r.store.Ping(ctx)
}

// Close releases the Redis client.
func (r *RateLimiter) Close() error {
	if r == nil || r.store == nil {
		return nil
	}
	return r.store.Close()
}
