// Package ratelimit throttles signal traffic per authenticated identity.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"callrelay/internal/auth"
	"callrelay/internal/calls"
	"callrelay/pkg/logger"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const CodeRateLimited = "rate_limited"

type Config struct {
	Rate            rate.Limit
	Burst           int
	CleanupInterval time.Duration
}

// Observer is notified about rejected requests.
type Observer interface {
	RateLimited()
}

type entry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Limiter keeps one token bucket per identity. Idle buckets are dropped
// after two cleanup intervals.
type Limiter struct {
	cfg      Config
	observer Observer

	mu      sync.RWMutex
	buckets map[calls.Identity]*entry

	stopOnce sync.Once
	stopCh   chan struct{}
}

func New(cfg Config, observer Observer) *Limiter {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}
	l := &Limiter{
		cfg:      cfg,
		observer: observer,
		buckets:  make(map[calls.Identity]*entry),
		stopCh:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// Allow consumes one token from id's bucket.
func (l *Limiter) Allow(id calls.Identity) bool {
	return l.bucket(id).Allow()
}

func (l *Limiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}

// Middleware must run after auth.RequireAccessToken.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := auth.Identity(c.Request.Context())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "identity required"})
			return
		}
		if !l.Allow(id) {
			if l.observer != nil {
				l.observer.RateLimited()
			}
			logger.FromGin(c).Warn("rate limit exceeded", "identity", id.String())
			c.Header("Retry-After", strconv.Itoa(retryAfter(l.cfg.Rate)))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "too many requests",
				"code":  CodeRateLimited,
			})
			return
		}
		c.Next()
	}
}

func (l *Limiter) bucket(id calls.Identity) *rate.Limiter {
	now := time.Now()

	l.mu.RLock()
	e, ok := l.buckets[id]
	l.mu.RUnlock()
	if ok {
		l.mu.Lock()
		e.lastAccess = now
		l.mu.Unlock()
		return e.limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.buckets[id]; ok {
		e.lastAccess = now
		return e.limiter
	}
	e = &entry{limiter: rate.NewLimiter(l.cfg.Rate, l.cfg.Burst), lastAccess: now}
	l.buckets[id] = e
	return e.limiter
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.cleanup(time.Now())
		case <-l.stopCh:
			return
		}
	}
}

func (l *Limiter) cleanup(now time.Time) {
	ttl := 2 * l.cfg.CleanupInterval
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, e := range l.buckets {
		if now.Sub(e.lastAccess) > ttl {
			delete(l.buckets, id)
		}
	}
}

// retryAfter is the number of whole seconds until one token is refilled.
func retryAfter(r rate.Limit) int {
	if r <= 0 || r == rate.Inf {
		return 1
	}
	s := int(math.Ceil(1.0 / float64(r)))
	if s < 1 {
		s = 1
	}
	return s
}
