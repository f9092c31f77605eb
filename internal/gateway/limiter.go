// ABOUTME: Token-bucket limits on message submission
// ABOUTME: One limiter per WebSocket session, and an idle-evicting keyed pool for REST senders

package gateway

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/2389/coven-dm/internal/dedupe"
)

// REST limiter pool bounds.
const (
	limiterIdleTTL = 10 * time.Minute
	maxLimiterKeys = 10000
)

func newSubmitLimiter(rps float64, burst int) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// limiterPool hands out one limiter per key, created on first use. A key
// that stays idle past the TTL is dropped; the TTL is never shorter than a
// full bucket refill, so a recreated limiter grants nothing the old one
// would not have.
type limiterPool struct {
	mu       sync.Mutex
	limiters *dedupe.Cache[*rate.Limiter]
	rps      float64
	burst    int
}

func newLimiterPool(rps float64, burst int, idle time.Duration, maxKeys int) *limiterPool {
	if rps > 0 && burst > 0 {
		refill := time.Duration(float64(burst) / rps * float64(time.Second))
		idle = max(idle, refill)
	}
	return &limiterPool{
		limiters: dedupe.New[*rate.Limiter](idle, maxKeys),
		rps:      rps,
		burst:    burst,
	}
}

func (p *limiterPool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	l, ok := p.limiters.Get(key)
	if !ok {
		l = newSubmitLimiter(p.rps, p.burst)
	}
	// Put refreshes the idle clock.
	p.limiters.Put(key, l)
	return l
}

// Allow reports whether key may submit now.
func (p *limiterPool) Allow(key string) bool {
	return p.get(key).Allow()
}

// Len returns how many keys currently hold a limiter.
func (p *limiterPool) Len() int {
	return p.limiters.Len()
}

// Close stops the pool's background eviction.
func (p *limiterPool) Close() {
	p.limiters.Close()
}
