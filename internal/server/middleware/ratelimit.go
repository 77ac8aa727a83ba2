package middleware

import (
	"fmt"
	"math"
	"net/http"
	"strconv"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/time/rate"

	apperrors "github.com/3leaps/runnerhub/internal/errors"
	"github.com/3leaps/runnerhub/pkg/api"
)

// DefaultLimiterCacheSize bounds the number of tracked keys.
const DefaultLimiterCacheSize = 4096

// RateLimiter keeps one token bucket per key. Buckets live in an LRU, so a
// key evicted under pressure starts again with a full bucket.
type RateLimiter struct {
	limit rate.Limit
	burst int
	cache *lru.Cache
}

// NewRateLimiter allows perSecond events per key with the given burst.
func NewRateLimiter(perSecond float64, burst, cacheSize int) (*RateLimiter, error) {
	if perSecond <= 0 {
		return nil, fmt.Errorf("rate must be positive, got %v", perSecond)
	}
	if burst < 1 {
		burst = 1
	}
	if cacheSize <= 0 {
		cacheSize = DefaultLimiterCacheSize
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create limiter cache: %w", err)
	}
	return &RateLimiter{limit: rate.Limit(perSecond), burst: burst, cache: cache}, nil
}

// Allow reports whether key may proceed now.
func (l *RateLimiter) Allow(key string) bool {
	if v, ok := l.cache.Get(key); ok {
		return v.(*rate.Limiter).Allow()
	}
	lim := rate.NewLimiter(l.limit, l.burst)
	// Another request may have raced us; keep whichever limiter landed first.
	if prev, ok, _ := l.cache.PeekOrAdd(key, lim); ok {
		return prev.(*rate.Limiter).Allow()
	}
	return lim.Allow()
}

// retryAfter is the whole-second wait for one token.
func (l *RateLimiter) retryAfter() int {
	return int(math.Max(1, math.Ceil(1/float64(l.limit))))
}

// RateLimitHook is called for every rejected request.
type RateLimitHook func(r *http.Request, key string)

// Limit rejects requests over the per-key rate with 429 RATE_LIMITED. key
// derives the bucket from the request; an empty key is never limited.
func (l *RateLimiter) Limit(key func(*http.Request) string, onLimited RateLimitHook) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k := key(r)
			if k != "" && !l.Allow(k) {
				if onLimited != nil {
					onLimited(r, k)
				}
				w.Header().Set("Retry-After", strconv.Itoa(l.retryAfter()))
				apperrors.RespondWithError(w, r, apperrors.New(http.StatusTooManyRequests, api.CodeRateLimited, "poll rate exceeded"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
