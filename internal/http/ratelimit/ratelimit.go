package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// KeyFunc derives the limiter bucket for a request. An empty key falls back
// to the client IP.
type KeyFunc func(r *http.Request) string

// RateLimiter manages token buckets per client key.
type RateLimiter struct {
	limiters       map[string]*limiterEntry
	mu             sync.RWMutex
	rate           rate.Limit
	burst          int
	cleanup        time.Duration
	maxEntries     int
	trustedProxies []*net.IPNet
	keyFunc        KeyFunc
	onLimited      func(w http.ResponseWriter, r *http.Request)
}

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Option configures a RateLimiter.
type Option func(*RateLimiter)

// WithKeyFunc buckets requests by a caller-defined key, e.g. an API key id.
func WithKeyFunc(fn KeyFunc) Option {
	return func(l *RateLimiter) { l.keyFunc = fn }
}

// WithLimitedHandler replaces the plain-text 429 response.
func WithLimitedHandler(fn func(w http.ResponseWriter, r *http.Request)) Option {
	return func(l *RateLimiter) { l.onLimited = fn }
}

// New creates a rate limiter.
// rate: requests per second (e.g., 5 = 5 requests per second)
// burst: maximum burst size (e.g., 10 = allow 10 requests at once)
// cleanup: how often to clean up stale entries
// trustedProxies: CIDR ranges or IPs of trusted reverse proxies (empty = trust all proxies)
func New(r rate.Limit, b int, cleanup time.Duration, trustedProxies []string, opts ...Option) *RateLimiter {
	limiter := &RateLimiter{
		limiters:   make(map[string]*limiterEntry),
		rate:       r,
		burst:      b,
		cleanup:    cleanup,
		maxEntries: 10000, // Prevent unbounded growth
	}

	for _, cidr := range trustedProxies {
		// Try parsing as CIDR first
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			// If not a CIDR, try as a single IP
			if ip := net.ParseIP(cidr); ip != nil {
				if ip.To4() != nil {
					_, ipnet, _ = net.ParseCIDR(cidr + "/32")
				} else {
					_, ipnet, _ = net.ParseCIDR(cidr + "/128")
				}
			}
		}
		if ipnet != nil {
			limiter.trustedProxies = append(limiter.trustedProxies, ipnet)
		}
	}

	for _, opt := range opts {
		opt(limiter)
	}

	// Start cleanup goroutine to prevent memory leaks
	if cleanup > 0 {
		go limiter.cleanupStale()
	}

	return limiter
}

func (l *RateLimiter) getLimiter(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, exists := l.limiters[key]
	if !exists {
		if len(l.limiters) >= l.maxEntries {
			l.evictOldest()
		}

		entry = &limiterEntry{
			limiter:    rate.NewLimiter(l.rate, l.burst),
			lastAccess: time.Now(),
		}
		l.limiters[key] = entry
	} else {
		entry.lastAccess = time.Now()
	}

	return entry.limiter
}

func (l *RateLimiter) evictOldest() {
	var oldestKey string
	var oldestTime time.Time

	for key, entry := range l.limiters {
		if oldestKey == "" || entry.lastAccess.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.lastAccess
		}
	}

	if oldestKey != "" {
		delete(l.limiters, oldestKey)
	}
}

func (l *RateLimiter) cleanupStale() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for range ticker.C {
		l.mu.Lock()
		cutoff := time.Now().Add(-l.cleanup * 2) // Remove entries idle for 2x cleanup interval
		for key, entry := range l.limiters {
			if entry.lastAccess.Before(cutoff) {
				delete(l.limiters, key)
			}
		}
		l.mu.Unlock()
	}
}

// Middleware creates HTTP middleware for rate limiting
func (l *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.getLimiter(l.requestKey(r)).Allow() {
				if l.onLimited != nil {
					l.onLimited(w, r)
				} else {
					http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				}
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func (l *RateLimiter) requestKey(r *http.Request) string {
	if l.keyFunc != nil {
		if key := l.keyFunc(r); key != "" {
			return "key:" + key
		}
	}
	return "ip:" + l.getClientIP(r)
}

func (l *RateLimiter) getClientIP(r *http.Request) string {
	remoteIP := parseIP(r.RemoteAddr)

	// If we have trusted proxies configured, check if request is from one
	if len(l.trustedProxies) > 0 {
		trusted := false
		for _, ipnet := range l.trustedProxies {
			if ipnet.Contains(remoteIP) {
				trusted = true
				break
			}
		}

		if !trusted {
			return remoteIP.String()
		}
	}

	// Leftmost X-Forwarded-For entry is the original client
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		clientIP := strings.TrimSpace(strings.Split(xff, ",")[0])
		if parsed := net.ParseIP(clientIP); parsed != nil {
			return parsed.String()
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if parsed := net.ParseIP(xri); parsed != nil {
			return parsed.String()
		}
	}

	return remoteIP.String()
}

func parseIP(addr string) net.IP {
	// Try parsing as IP:port first
	host, _, err := net.SplitHostPort(addr)
	if err == nil {
		return net.ParseIP(host)
	}
	return net.ParseIP(addr)
}
