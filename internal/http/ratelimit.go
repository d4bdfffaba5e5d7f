package http

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/recond/internal/config"
	"github.com/fyrsmithlabs/recond/internal/tenant"
)

// tenantLimiter keeps one token bucket per tenant so a noisy tenant cannot
// starve the others.
type tenantLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[tenant.ID]*rate.Limiter
}

// newTenantLimiter returns nil when rate limiting is disabled.
func newTenantLimiter(cfg config.RateLimitConfig) *tenantLimiter {
	if cfg.RequestsPerSecond <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return &tenantLimiter{
		limit:    rate.Limit(cfg.RequestsPerSecond),
		burst:    burst,
		limiters: make(map[tenant.ID]*rate.Limiter),
	}
}

func (l *tenantLimiter) Allow(id tenant.ID) bool {
	l.mu.Lock()
	lim, ok := l.limiters[id]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[id] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
