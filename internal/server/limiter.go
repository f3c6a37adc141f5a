package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/time/rate"

	"github.com/michaelbrown/gradebox/internal/config"
	"github.com/michaelbrown/gradebox/internal/metrics"
)

// RateLimiter bounds grading traffic globally, per client IP and by the
// number of executions in flight.
type RateLimiter struct {
	globalLimiter *rate.Limiter
	perIPLimiters *xsync.MapOf[string, *ipLimiter]
	ipRate        rate.Limit
	ipBurst       int
	maxConcurrent int64
	currentConc   int64
	mu            sync.Mutex
	now           func() time.Time
}

type ipLimiter struct {
	limiter  *rate.Limiter
	mu       sync.Mutex
	lastSeen time.Time
}

// NewRateLimiter creates a limiter from the limits config. A zero rate
// disables that check.
func NewRateLimiter(cfg config.LimitsConfig) *RateLimiter {
	rl := &RateLimiter{
		perIPLimiters: xsync.NewMapOf[string, *ipLimiter](),
		ipRate:        rate.Limit(cfg.IPRPS),
		ipBurst:       cfg.IPBurst,
		maxConcurrent: int64(cfg.MaxConcurrent),
		now:           time.Now,
	}
	if cfg.GlobalRPS > 0 {
		rl.globalLimiter = rate.NewLimiter(rate.Limit(cfg.GlobalRPS), max(int(cfg.GlobalRPS)*2, 1))
	}
	if rl.ipRate > 0 && rl.ipBurst < 1 {
		rl.ipBurst = 1
	}
	return rl
}

func (rl *RateLimiter) getIPLimiter(ip string) *rate.Limiter {
	l, _ := rl.perIPLimiters.LoadOrCompute(ip, func() *ipLimiter {
		return &ipLimiter{limiter: rate.NewLimiter(rl.ipRate, rl.ipBurst)}
	})
	l.mu.Lock()
	l.lastSeen = rl.now()
	l.mu.Unlock()
	return l.limiter
}

// Allow reserves an execution slot for ip. Every true result must be
// paired with Done.
func (rl *RateLimiter) Allow(ip string) bool {
	if rl.globalLimiter != nil && !rl.globalLimiter.Allow() {
		metrics.RateLimitHits.Inc()
		return false
	}

	if rl.ipRate > 0 && !rl.getIPLimiter(ip).Allow() {
		metrics.RateLimitHits.Inc()
		return false
	}

	rl.mu.Lock()
	if rl.maxConcurrent > 0 && rl.currentConc >= rl.maxConcurrent {
		rl.mu.Unlock()
		metrics.RateLimitHits.Inc()
		return false
	}
	rl.currentConc++
	rl.mu.Unlock()

	return true
}

// Done releases a slot reserved by Allow.
func (rl *RateLimiter) Done() {
	rl.mu.Lock()
	if rl.currentConc > 0 {
		rl.currentConc--
	}
	rl.mu.Unlock()
}

// Middleware rejects requests over the limits with 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(clientIP(r)) {
			writeJSON(w, http.StatusTooManyRequests, response{Message: "Too many requests"})
			return
		}
		defer rl.Done()

		next.ServeHTTP(w, r)
	})
}

// Prune drops per-IP limiters not used since before cutoff and returns how
// many were removed.
func (rl *RateLimiter) Prune(cutoff time.Time) int {
	removed := 0
	rl.perIPLimiters.Range(func(ip string, l *ipLimiter) bool {
		l.mu.Lock()
		stale := l.lastSeen.Before(cutoff)
		l.mu.Unlock()
		if stale {
			rl.perIPLimiters.Delete(ip)
			removed++
		}
		return true
	})
	return removed
}

// StartCleanup prunes idle per-IP limiters every interval until ctx ends.
func (rl *RateLimiter) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.Prune(rl.now().Add(-interval))
			}
		}
	}()
}

// clientIP strips the port from RemoteAddr, which middleware.RealIP has
// already replaced with the forwarded address when present.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
