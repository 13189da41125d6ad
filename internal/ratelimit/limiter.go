// SPDX-License-Identifier: MIT

// Package ratelimit guards the kiosk- and admin-facing HTTP API against
// runaway clients: a global ceiling, a per-client-IP ceiling, and a
// per-endpoint-class ceiling (heartbeat/poll traffic is expected to be
// chatty; locker-open traffic should not be).
package ratelimit

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

var (
	rateLimitExceeded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "locker_gateway",
			Name:      "ratelimit_exceeded_total",
			Help:      "Total rate limit rejections",
		},
		[]string{"limit_type", "endpoint_class"},
	)
)

// Config holds rate limiting configuration.
type Config struct {
	GlobalRate  rate.Limit
	GlobalBurst int

	PerIPRate  rate.Limit
	PerIPBurst int

	// EndpointClassRates bounds traffic per logical endpoint class, e.g.
	// "open" (locker open, should be rare), "heartbeat" (chatty by design),
	// "poll" (kiosk command polling).
	EndpointClassRates map[string]rate.Limit
	EndpointClassBurst map[string]int

	CleanupInterval time.Duration
}

// DefaultConfig returns sensible defaults for a single-facility deployment.
func DefaultConfig() Config {
	return Config{
		GlobalRate:  200,
		GlobalBurst: 400,

		PerIPRate:  20,
		PerIPBurst: 40,

		EndpointClassRates: map[string]rate.Limit{
			"open":      5,  // one kiosk rarely issues more than one open/second
			"heartbeat": 10, // ambient pings
			"poll":      5,  // long-poll-ish, but bounded
		},
		EndpointClassBurst: map[string]int{
			"open":      10,
			"heartbeat": 20,
			"poll":      10,
		},

		CleanupInterval: 5 * time.Minute,
	}
}

// Limiter enforces global, per-IP, and per-endpoint-class request budgets.
type Limiter struct {
	config Config

	global          *rate.Limiter
	perIP           map[string]*rate.Limiter
	perEndpointClass map[string]*rate.Limiter
	mu              sync.RWMutex

	lastCleanup time.Time
}

// New creates a new rate limiter with the given config.
func New(config Config) *Limiter {
	l := &Limiter{
		config:          config,
		global:          rate.NewLimiter(config.GlobalRate, config.GlobalBurst),
		perIP:           make(map[string]*rate.Limiter),
		perEndpointClass: make(map[string]*rate.Limiter),
		lastCleanup:     time.Now(),
	}

	for class, classRate := range config.EndpointClassRates {
		burst := config.EndpointClassBurst[class]
		l.perEndpointClass[class] = rate.NewLimiter(classRate, burst)
	}

	return l
}

// Allow checks whether a request from clientIP against endpointClass is
// permitted under all three budgets.
func (l *Limiter) Allow(clientIP, endpointClass string) bool {
	if !l.global.Allow() {
		rateLimitExceeded.WithLabelValues("global", endpointClass).Inc()
		return false
	}

	l.mu.RLock()
	classLimiter, exists := l.perEndpointClass[endpointClass]
	l.mu.RUnlock()

	if exists && !classLimiter.Allow() {
		rateLimitExceeded.WithLabelValues("endpoint_class", endpointClass).Inc()
		return false
	}

	l.maybeCleanup()

	ipLimiter := l.getIPLimiter(clientIP)
	if !ipLimiter.Allow() {
		rateLimitExceeded.WithLabelValues("per_ip", endpointClass).Inc()
		return false
	}

	return true
}

func (l *Limiter) getIPLimiter(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, exists := l.perIP[ip]
	if !exists {
		limiter = rate.NewLimiter(l.config.PerIPRate, l.config.PerIPBurst)
		l.perIP[ip] = limiter
	}

	return limiter
}

// maybeCleanup drops all per-IP limiters periodically rather than tracking
// last-access time per entry; simple and bounded for facility-scale traffic.
func (l *Limiter) maybeCleanup() {
	if time.Since(l.lastCleanup) < l.config.CleanupInterval {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.perIP = make(map[string]*rate.Limiter)
	l.lastCleanup = time.Now()
}

// GetClientIP extracts the real client IP from the request, honoring
// reverse-proxy headers ahead of RemoteAddr.
func GetClientIP(r *http.Request) string {
	xff := r.Header.Get("X-Forwarded-For")
	if xff != "" {
		if idx := findComma(xff); idx > 0 {
			xff = xff[:idx]
		}
		xff = trimSpace(xff)
		if xff != "" {
			return xff
		}
	}

	xri := r.Header.Get("X-Real-IP")
	if xri != "" {
		return xri
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func findComma(s string) int {
	for i, c := range s {
		if c == ',' {
			return i
		}
	}
	return -1
}

func trimSpace(s string) string {
	start := 0
	end := len(s)
	for start < end && s[start] == ' ' {
		start++
	}
	for end > start && s[end-1] == ' ' {
		end--
	}
	return s[start:end]
}
