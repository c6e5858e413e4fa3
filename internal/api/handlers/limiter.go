package handlers

import (
	"sync"

	"golang.org/x/time/rate"
)

const defaultMaxInstances = 1024

// InstanceLimiter throttles inbound events per provider instance. It keeps
// at most maxInstances limiters and starts over when that bound is hit.
type InstanceLimiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	limit        rate.Limit
	burst        int
	maxInstances int
}

// NewInstanceLimiter returns nil when perSecond is not positive; a nil
// limiter allows everything.
func NewInstanceLimiter(perSecond float64, burst, maxInstances int) *InstanceLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	if maxInstances <= 0 {
		maxInstances = defaultMaxInstances
	}
	return &InstanceLimiter{
		limiters:     make(map[string]*rate.Limiter),
		limit:        rate.Limit(perSecond),
		burst:        burst,
		maxInstances: maxInstances,
	}
}

func (l *InstanceLimiter) Allow(instance string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[instance]
	if !ok {
		if len(l.limiters) >= l.maxInstances {
			l.limiters = make(map[string]*rate.Limiter)
		}
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[instance] = lim
	}
	return lim.Allow()
}
