package network

import (
	"sync"
	"time"
)

// Hub tracks live mesh connections and caps how many may exist.
type Hub struct {
	max int

	mu       sync.RWMutex
	conns    map[string]*Conn
	reserved int
}

// NewHub creates a hub admitting at most max connections.
func NewHub(max int) *Hub {
	if max <= 0 {
		max = DefaultMaxConnections
	}
	return &Hub{max: max, conns: make(map[string]*Conn)}
}

// Reserve claims a connection slot. It reports false when the hub is full.
func (h *Hub) Reserve() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.reserved >= h.max {
		return false
	}
	h.reserved++
	return true
}

// Release returns a slot claimed by Reserve.
func (h *Hub) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.reserved > 0 {
		h.reserved--
	}
}

// Put makes c reachable by id. The caller must hold a reserved slot.
func (h *Hub) Put(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.ID()] = c
}

// Delete removes c.
func (h *Hub) Delete(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[c.ID()] == c {
		delete(h.conns, c.ID())
	}
}

// Get returns the live connection with id.
func (h *Hub) Get(id string) (*Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[id]
	return c, ok
}

// Len returns the number of reserved slots.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.reserved
}

// CloseAll closes every tracked connection.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

// RateLimiter tracks per-IP connection attempts using a token bucket.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    int
	window  time.Duration
	now     func() time.Time
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// NewRateLimiter allows rate attempts per window per IP. A non-positive rate
// disables limiting.
func NewRateLimiter(rate int, window time.Duration) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		buckets: make(map[string]*bucket),
		rate:    rate,
		window:  window,
		now:     time.Now,
	}
}

// SetClock overrides the time source.
func (rl *RateLimiter) SetClock(fn func() time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.now = fn
}

// Allow reports whether an attempt from ip may proceed. Tokens refill in
// proportion to elapsed time.
func (rl *RateLimiter) Allow(ip string) bool {
	if rl == nil || rl.rate <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[ip]
	if !ok {
		rl.buckets[ip] = &bucket{tokens: float64(rl.rate) - 1, lastFill: now}
		return true
	}

	elapsed := now.Sub(b.lastFill)
	b.tokens += float64(rl.rate) * (float64(elapsed) / float64(rl.window))
	if b.tokens > float64(rl.rate) {
		b.tokens = float64(rl.rate)
	}
	b.lastFill = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Cleanup drops buckets idle for two windows.
func (rl *RateLimiter) Cleanup() {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.now().Add(-2 * rl.window)
	for ip, b := range rl.buckets {
		if b.lastFill.Before(cutoff) {
			delete(rl.buckets, ip)
		}
	}
}

// Len returns the number of tracked addresses.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}
