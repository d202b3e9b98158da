package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter throttles telemetry posts per client key. The interface
// leaves room for a distributed implementation when the backend runs
// more than one instance.
type RateLimiter interface {
	// Allow reports whether one request from the key may proceed.
	Allow(ctx context.Context, key string) bool

	// AllowN reports whether n requests from the key may proceed.
	AllowN(ctx context.Context, key string, n int) bool
}

// client is one extension install's token bucket plus its last activity,
// used to expire buckets for machines that stopped reporting.
type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// InMemoryRateLimiter keeps a token bucket per client key. Suitable for
// a single-instance deployment.
type InMemoryRateLimiter struct {
	rate  rate.Limit
	burst int

	mu      sync.Mutex
	clients map[string]*client

	sweepInterval time.Duration
	maxIdle       time.Duration
	stop          chan struct{}
}

// NewInMemoryRateLimiter creates a limiter allowing rps sustained
// requests per second per key with bursts up to burst.
func NewInMemoryRateLimiter(rps float64, burst int) *InMemoryRateLimiter {
	l := &InMemoryRateLimiter{
		rate:          rate.Limit(rps),
		burst:         burst,
		clients:       make(map[string]*client),
		sweepInterval: 5 * time.Minute,
		maxIdle:       10 * time.Minute,
		stop:          make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

func (l *InMemoryRateLimiter) Allow(ctx context.Context, key string) bool {
	return l.AllowN(ctx, key, 1)
}

func (l *InMemoryRateLimiter) AllowN(ctx context.Context, key string, n int) bool {
	now := time.Now().UTC()

	l.mu.Lock()
	c, ok := l.clients[key]
	if !ok {
		c = &client{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.clients[key] = c
	}
	c.lastSeen = now
	l.mu.Unlock()

	return c.limiter.AllowN(now, n)
}

// sweepLoop expires buckets for clients that went quiet, so a long-lived
// process does not accumulate one bucket per address it has ever seen.
func (l *InMemoryRateLimiter) sweepLoop() {
	ticker := time.NewTicker(l.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stop:
			return
		}
	}
}

func (l *InMemoryRateLimiter) sweep() {
	cutoff := time.Now().UTC().Add(-l.maxIdle)

	l.mu.Lock()
	defer l.mu.Unlock()
	for key, c := range l.clients {
		if c.lastSeen.Before(cutoff) {
			delete(l.clients, key)
		}
	}
}

// Stop terminates the background sweep goroutine.
func (l *InMemoryRateLimiter) Stop() {
	close(l.stop)
}
