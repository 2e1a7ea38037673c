package api

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ipLimiter throttles clients by source IP before any credential work
// happens, so credential stuffing cannot grind the verifier.
type ipLimiter struct {
	mu       sync.Mutex
	clients  map[string]*ipClient
	rate     rate.Limit
	burst    int
	lastSeen time.Duration
}

type ipClient struct {
	limiter *rate.Limiter
	seen    time.Time
}

func newIPLimiter(perSecond float64, burst int) *ipLimiter {
	l := &ipLimiter{
		clients:  make(map[string]*ipClient),
		rate:     rate.Limit(perSecond),
		burst:    burst,
		lastSeen: 10 * time.Minute,
	}
	go l.evictLoop()
	return l
}

func (l *ipLimiter) allow(addr string) bool {
	ip, _, err := net.SplitHostPort(addr)
	if err != nil {
		ip = addr
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.clients[ip]
	if !ok {
		c = &ipClient{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.clients[ip] = c
	}
	c.seen = time.Now()
	return c.limiter.Allow()
}

func (l *ipLimiter) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-l.lastSeen)
		l.mu.Lock()
		for ip, c := range l.clients {
			if c.seen.Before(cutoff) {
				delete(l.clients, ip)
			}
		}
		l.mu.Unlock()
	}
}

func (l *ipLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(r.RemoteAddr) {
			writeJSON(w, http.StatusTooManyRequests, errorResponse{
				Error: "too many requests",
				Code:  http.StatusTooManyRequests,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
