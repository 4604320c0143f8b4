package resolve

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/watzon/fngate/internal/apierror"
	"github.com/watzon/fngate/internal/definition"
)

// Rule allows Max requests per Window for one client.
type Rule struct {
	Max    int
	Window time.Duration
}

// RateLimiter implements token bucket algorithm for rate limiting.
type RateLimiter struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
	rule    Rule
	cleanup *time.Ticker
	wg      sync.WaitGroup
	stopCh  chan struct{}
	now     func() time.Time
}

type bucket struct {
	tokens     int
	lastRefill time.Time
	mu         sync.Mutex
}

// NewRateLimiter creates a rate limiter with the given rule.
func NewRateLimiter(rule Rule) *RateLimiter {
	rl := &RateLimiter{
		buckets: make(map[string]*bucket),
		rule:    rule,
		cleanup: time.NewTicker(rule.Window * 2),
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}

	rl.wg.Add(1)
	go func() {
		defer rl.wg.Done()
		rl.cleanupLoop()
	}()

	return rl
}

// Allow checks if a request from the given key is allowed. When it is not,
// it also returns how long until the bucket refills.
func (rl *RateLimiter) Allow(key string) (bool, time.Duration) {
	rl.mu.RLock()
	b, exists := rl.buckets[key]
	rl.mu.RUnlock()

	if !exists {
		rl.mu.Lock()
		// Double-check after acquiring write lock
		b, exists = rl.buckets[key]
		if !exists {
			b = &bucket{
				tokens:     rl.rule.Max,
				lastRefill: rl.now(),
			}
			rl.buckets[key] = b
		}
		rl.mu.Unlock()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := rl.now()
	elapsed := now.Sub(b.lastRefill)
	if elapsed >= rl.rule.Window {
		b.tokens = rl.rule.Max
		b.lastRefill = now
	}

	if b.tokens > 0 {
		b.tokens--
		return true, 0
	}

	return false, rl.rule.Window - elapsed
}

func (rl *RateLimiter) cleanupLoop() {
	for {
		select {
		case <-rl.cleanup.C:
			rl.mu.Lock()
			now := rl.now()
			for key, b := range rl.buckets {
				b.mu.Lock()
				if now.Sub(b.lastRefill) > rl.rule.Window*2 {
					delete(rl.buckets, key)
				}
				b.mu.Unlock()
			}
			rl.mu.Unlock()
		case <-rl.stopCh:
			return
		}
	}
}

// Stop stops the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	close(rl.stopCh)
	rl.cleanup.Stop()
	rl.wg.Wait()
}

// RateLimit limits invocations per client. Callers with a verified subject
// are keyed by subject and use the authenticated limiter; everyone else is
// keyed by client IP.
type RateLimit struct {
	Unauthenticated *RateLimiter
	Authenticated   *RateLimiter
	// Subject returns the verified caller, if any.
	Subject func(r *http.Request) (string, bool)
}

// Resolve implements gateway.Resolver.
func (l *RateLimit) Resolve(r *http.Request, def *definition.Definition) error {
	if l.Subject != nil && l.Authenticated != nil {
		if sub, ok := l.Subject(r); ok {
			if allowed, wait := l.Authenticated.Allow("sub:" + sub); !allowed {
				return limited(apierror.KindAuthRateLimit, wait)
			}
			return nil
		}
	}
	if l.Unauthenticated == nil {
		return nil
	}
	if allowed, wait := l.Unauthenticated.Allow("ip:" + ClientIP(r)); !allowed {
		return limited(apierror.KindUnauthRateLimit, wait)
	}
	return nil
}

// Stop stops both limiters.
func (l *RateLimit) Stop() {
	if l.Unauthenticated != nil {
		l.Unauthenticated.Stop()
	}
	if l.Authenticated != nil {
		l.Authenticated.Stop()
	}
}

func limited(kind apierror.Kind, wait time.Duration) *apierror.Error {
	return apierror.New(kind, "Too many requests. Please try again later.").
		WithDetails(map[string]any{"retry_after_ms": wait.Milliseconds()})
}

// ClientIP returns the client address, preferring proxy headers.
func ClientIP(r *http.Request) string {
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
