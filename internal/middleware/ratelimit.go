package middleware

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// KeyFunc picks the bucket a request is charged to. An empty key skips limiting.
type KeyFunc func(r *http.Request) string

type limiterEntry struct {
	limiter *rate.Limiter
	seen    time.Time
}

// KeyedLimiter keeps one token bucket per key, so a single license key
// hammering the activation endpoint cannot starve the others. Buckets idle
// for longer than the idle window are dropped.
type KeyedLimiter struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
	rps     rate.Limit
	burst   int
	idle    time.Duration
	keyFunc KeyFunc
	now     func() time.Time
	logger  *slog.Logger
}

// NewKeyedLimiter creates a per-key limiter
func NewKeyedLimiter(rps float64, burst int, keyFunc KeyFunc, logger *slog.Logger) *KeyedLimiter {
	return &KeyedLimiter{
		entries: make(map[string]*limiterEntry),
		rps:     rate.Limit(rps),
		burst:   burst,
		idle:    10 * time.Minute,
		keyFunc: keyFunc,
		now:     time.Now,
		logger:  logger.With(slog.String("component", "keyed_limiter")),
	}
}

// Allow charges one event to key
func (kl *KeyedLimiter) Allow(key string) bool {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	now := kl.now()
	e, ok := kl.entries[key]
	if !ok {
		kl.prune(now)
		e = &limiterEntry{limiter: rate.NewLimiter(kl.rps, kl.burst)}
		kl.entries[key] = e
	}
	e.seen = now
	return e.limiter.AllowN(now, 1)
}

// prune drops idle buckets; callers hold mu
func (kl *KeyedLimiter) prune(now time.Time) {
	for k, e := range kl.entries {
		if now.Sub(e.seen) > kl.idle {
			delete(kl.entries, k)
		}
	}
}

// Len returns the number of live buckets
func (kl *KeyedLimiter) Len() int {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	return len(kl.entries)
}

// Handler implements per-key rate limiting middleware
func (kl *KeyedLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := kl.keyFunc(r)
		if key != "" && !kl.Allow(key) {
			kl.logger.WarnContext(r.Context(), "per-key rate limit exceeded",
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr))
			tooManyRequests(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// BasicAuthUser charges requests to the Basic auth user name (the license key)
func BasicAuthUser(r *http.Request) string {
	user, _, _ := r.BasicAuth()
	return user
}
