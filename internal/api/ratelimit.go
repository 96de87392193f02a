package api

import (
	"math"
	"net/http"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

const (
	maxTrackedPrincipals = 10000
	principalIdleTTL     = 10 * time.Minute
)

// RateLimit configures the per-principal token bucket applied to job
// submissions. A zero PerSecond disables limiting.
type RateLimit struct {
	PerSecond float64
	Burst     int
}

// newPrincipalLimiter returns middleware enforcing cfg per X-Principal.
// Idle principals expire from the tracking cache.
func newPrincipalLimiter(cfg RateLimit) func(http.Handler) http.Handler {
	if cfg.PerSecond <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}

	var mu sync.Mutex
	limiters := expirable.NewLRU[string, *rate.Limiter](maxTrackedPrincipals, nil, principalIdleTTL)

	limiterFor := func(principal string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		if l, ok := limiters.Get(principal); ok {
			// Re-adding refreshes the idle TTL.
			limiters.Add(principal, l)
			return l
		}
		l := rate.NewLimiter(rate.Limit(cfg.PerSecond), cfg.Burst)
		limiters.Add(principal, l)
		return l
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			limiter := limiterFor(principalOf(r))

			reservation := limiter.Reserve()
			if !reservation.OK() {
				submissionsThrottled.WithLabelValues(path.Base(r.URL.Path)).Inc()
				writeTooManyRequests(w, 0)
				return
			}
			if delay := reservation.Delay(); delay > 0 {
				reservation.Cancel()
				submissionsThrottled.WithLabelValues(path.Base(r.URL.Path)).Inc()
				writeTooManyRequests(w, int(math.Ceil(delay.Seconds())))
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(cfg.Burst))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(limiter.Tokens())))
			next.ServeHTTP(w, r)
		})
	}
}

func writeTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	if retryAfterSecs > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSecs))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}` + "\n"))
}
