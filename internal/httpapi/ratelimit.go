package httpapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

type RateLimitConfig struct {
	IPPerMinute       int
	IPBurst           int
	OperatorPerMinute int
	OperatorBurst     int
}

// RateLimiter applies one token bucket per client IP and another per
// operator, so a single operator cannot starve a shared front desk IP.
type RateLimiter struct {
	ipLimiter       *tokenLimiter
	operatorLimiter *tokenLimiter
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		ipLimiter:       newTokenLimiter(cfg.IPPerMinute, cfg.IPBurst),
		operatorLimiter: newTokenLimiter(cfg.OperatorPerMinute, cfg.OperatorBurst),
	}
}

func (l *RateLimiter) Middleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if ip := c.RealIP(); ip != "" && !l.ipLimiter.allow(ip) {
			return writeError(c, http.StatusTooManyRequests, "rate_limited", "too many requests")
		}
		if operatorID := operatorIDFromRequest(c.Request()); operatorID != "" && !l.operatorLimiter.allow(operatorID) {
			return writeError(c, http.StatusTooManyRequests, "rate_limited", "too many requests")
		}
		return next(c)
	}
}

type tokenLimiter struct {
	mu     sync.Mutex
	rate   float64
	burst  float64
	bucket map[string]*bucket
	now    func() time.Time
}

type bucket struct {
	tokens float64
	last   time.Time
}

func newTokenLimiter(perMinute, burst int) *tokenLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	if burst <= 0 {
		burst = 20
	}
	return &tokenLimiter{
		rate:   float64(perMinute) / 60.0,
		burst:  float64(burst),
		bucket: make(map[string]*bucket),
		now:    time.Now,
	}
}

func (l *tokenLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.bucket[key]
	if !ok {
		l.bucket[key] = &bucket{tokens: l.burst - 1, last: now}
		return true
	}
	elapsed := now.Sub(b.last).Seconds()
	b.tokens = min(l.burst, b.tokens+elapsed*l.rate)
	b.last = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}
