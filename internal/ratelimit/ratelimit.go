// Package ratelimit throttles inbound connections per source IP and
// inbound control messages per session, replacing hand-rolled counters
// with token buckets.
package ratelimit

import (
	"net"
	"sync"

	"golang.org/x/time/rate"
)

// AcceptLimiter bounds how many new connections per second a single IP
// may open, plus a hard cap on total concurrent connections from that
// IP. A zero per-IP rate or a zero maxPerIP disables the respective
// check.
type AcceptLimiter struct {
	mu             sync.Mutex
	perIPRate      rate.Limit
	perIPBurst     int
	maxPerIP       int
	limiters       map[string]*rate.Limiter
	activeConnsIP  map[string]int
	maxTotal       int
	activeConnsAll int
}

// NewAcceptLimiter builds a limiter: connectionsPerSecondPerIP bounds the
// rate of new connections from one IP, maxPerIP bounds how many may be
// concurrently open from one IP, and maxTotal bounds the server-wide
// concurrent connection count. Any value of 0 disables that particular
// check.
func NewAcceptLimiter(connectionsPerSecondPerIP float64, maxPerIP, maxTotal int) *AcceptLimiter {
	return &AcceptLimiter{
		perIPRate:     rate.Limit(connectionsPerSecondPerIP),
		perIPBurst:    burstFor(connectionsPerSecondPerIP),
		maxPerIP:      maxPerIP,
		maxTotal:      maxTotal,
		limiters:      make(map[string]*rate.Limiter),
		activeConnsIP: make(map[string]int),
	}
}

func burstFor(r float64) int {
	if r <= 0 {
		return 1
	}
	if r < 1 {
		return 1
	}
	return int(r)
}

// Allow reports whether a new connection from ip may proceed. Call
// Release when that connection closes to free its slot.
func (l *AcceptLimiter) Allow(ip net.IP) bool {
	key := ip.String()

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.maxTotal > 0 && l.activeConnsAll >= l.maxTotal {
		return false
	}
	if l.maxPerIP > 0 && l.activeConnsIP[key] >= l.maxPerIP {
		return false
	}
	if l.perIPRate > 0 {
		lim, ok := l.limiters[key]
		if !ok {
			lim = rate.NewLimiter(l.perIPRate, l.perIPBurst)
			l.limiters[key] = lim
		}
		if !lim.Allow() {
			return false
		}
	}

	l.activeConnsAll++
	l.activeConnsIP[key]++
	return true
}

// Release gives back the slot Allow reserved for ip.
func (l *AcceptLimiter) Release(ip net.IP) {
	key := ip.String()

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.activeConnsAll > 0 {
		l.activeConnsAll--
	}
	if l.activeConnsIP[key] > 0 {
		l.activeConnsIP[key]--
		if l.activeConnsIP[key] == 0 {
			delete(l.activeConnsIP, key)
		}
	}
}

// ControlLimiter bounds how many control-plane messages per second a
// single session may send (spec §9 "resource safety").
type ControlLimiter struct {
	mu       sync.Mutex
	perSec   rate.Limit
	burst    int
	limiters map[uint32]*rate.Limiter
}

// NewControlLimiter builds a per-session control-message limiter. A
// messagesPerSecond of 0 disables the check (Allow always returns true).
func NewControlLimiter(messagesPerSecond float64) *ControlLimiter {
	return &ControlLimiter{
		perSec:   rate.Limit(messagesPerSecond),
		burst:    burstFor(messagesPerSecond),
		limiters: make(map[uint32]*rate.Limiter),
	}
}

// Allow reports whether sessionID may send another control message now.
func (l *ControlLimiter) Allow(sessionID uint32) bool {
	if l.perSec <= 0 {
		return true
	}

	l.mu.Lock()
	lim, ok := l.limiters[sessionID]
	if !ok {
		lim = rate.NewLimiter(l.perSec, l.burst)
		l.limiters[sessionID] = lim
	}
	l.mu.Unlock()

	return lim.Allow()
}

// Forget drops the limiter state for a closed session.
func (l *ControlLimiter) Forget(sessionID uint32) {
	l.mu.Lock()
	delete(l.limiters, sessionID)
	l.mu.Unlock()
}
