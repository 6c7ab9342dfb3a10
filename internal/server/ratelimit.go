package server

import (
	"math"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

const (
	// limiterIdle is how long an unused per-IP limiter is remembered.
	limiterIdle = 10 * time.Minute
	// limiterSweep is the cache cleanup interval.
	limiterSweep = time.Minute
)

// createLimiter applies a token bucket per client IP to tunnel creation.
type createLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters *cache.Cache
}

func newCreateLimiter(perSecond float64) *createLimiter {
	return &createLimiter{
		limit:    rate.Limit(perSecond),
		burst:    int(math.Ceil(perSecond * 2)),
		limiters: cache.New(limiterIdle, limiterSweep),
	}
}

// allow reports whether ip may create a tunnel now.
func (l *createLimiter) allow(ip string) bool {
	l.mu.Lock()
	var lim *rate.Limiter
	if v, ok := l.limiters.Get(ip); ok {
		lim = v.(*rate.Limiter)
	} else {
		lim = rate.NewLimiter(l.limit, l.burst)
	}
	// Re-setting refreshes the idle expiry.
	l.limiters.Set(ip, lim, cache.DefaultExpiration)
	l.mu.Unlock()

	return lim.Allow()
}

// size returns the number of tracked clients.
func (l *createLimiter) size() int {
	return l.limiters.ItemCount()
}

// clientIP returns the host part of the request's remote address.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
