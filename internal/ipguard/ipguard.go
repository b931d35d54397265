// Package ipguard implements the in-memory IP ban/trust rule cache (spec
// §4.B): a hot-path accept/transfer gate backed by longest-prefix CIDR
// containment, with "trust overrides ban" semantics and write-through
// persistence left to the caller.
package ipguard

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/libp2p/go-cidranger"
)

// Rule is one ban or trust entry as stored in the persistent record; Cache
// mirrors these in RAM for lock-free-ish (RWMutex, read-mostly) lookups.
type Rule struct {
	Key       string // the original IP or CIDR string, as the caller supplied it
	Network   net.IPNet
	ExpiresAt time.Time // zero value means "never expires"
}

func (r Rule) expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && r.ExpiresAt.Before(now)
}

// ruleEntry adapts Rule to cidranger's RangerEntry interface.
type ruleEntry struct {
	Rule
}

func (e ruleEntry) Network() net.IPNet { return e.Rule.Network }

// Cache holds the four rangers named in spec §4.B: {v4, v6} x {ban, trust}.
// A single RWMutex guards all four, matching the spec's concurrency table
// ("IP rule cache: single rwlock; read on every accept, write on ban/trust
// mutation").
type Cache struct {
	mu sync.RWMutex

	banV4   cidranger.Ranger
	banV6   cidranger.Ranger
	trustV4 cidranger.Ranger
	trustV6 cidranger.Ranger
}

// New returns an empty cache. Callers rebuild it from the persistent store
// at startup by replaying AddBan/AddTrust for every stored rule.
func New() *Cache {
	return &Cache{
		banV4:   cidranger.NewPCTrieRanger(),
		banV6:   cidranger.NewPCTrieRanger(),
		trustV4: cidranger.NewPCTrieRanger(),
		trustV6: cidranger.NewPCTrieRanger(),
	}
}

func parseKey(key string) (net.IPNet, error) {
	if _, network, err := net.ParseCIDR(key); err == nil {
		return *network, nil
	}
	ip := net.ParseIP(key)
	if ip == nil {
		return net.IPNet{}, fmt.Errorf("ipguard: %q is not a valid IP or CIDR", key)
	}
	bits := 32
	if ip.To4() == nil {
		bits = 128
	}
	return net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
}

func rangerFor(n net.IPNet, v4, v6 cidranger.Ranger) cidranger.Ranger {
	if n.IP.To4() != nil {
		return v4
	}
	return v6
}

// AddBan inserts or refreshes a ban rule. key is a single IP or CIDR
// string; a zero expiresAt means the rule never expires.
func (c *Cache) AddBan(key string, expiresAt time.Time) error {
	return c.add(key, expiresAt, true)
}

// AddTrust inserts or refreshes a trust rule.
func (c *Cache) AddTrust(key string, expiresAt time.Time) error {
	return c.add(key, expiresAt, false)
}

func (c *Cache) add(key string, expiresAt time.Time, ban bool) error {
	network, err := parseKey(key)
	if err != nil {
		return err
	}
	entry := ruleEntry{Rule{Key: key, Network: network, ExpiresAt: expiresAt}}

	c.mu.Lock()
	defer c.mu.Unlock()

	v4, v6 := c.banV4, c.banV6
	if !ban {
		v4, v6 = c.trustV4, c.trustV6
	}
	r := rangerFor(network, v4, v6)
	// Insert refreshes in place: cidranger keys on the exact network, so a
	// repeat Insert with a new expiry replaces the prior entry outright.
	return r.Insert(entry)
}

// RemoveBan removes a ban rule; no error if absent.
func (c *Cache) RemoveBan(key string) error {
	return c.remove(key, true)
}

// RemoveTrust removes a trust rule; no error if absent.
func (c *Cache) RemoveTrust(key string) error {
	return c.remove(key, false)
}

func (c *Cache) remove(key string, ban bool) error {
	network, err := parseKey(key)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	v4, v6 := c.banV4, c.banV6
	if !ban {
		v4, v6 = c.trustV4, c.trustV6
	}
	r := rangerFor(network, v4, v6)
	_, err = r.Remove(network)
	return err
}

// IsTrusted reports whether any unexpired trust rule covers ip.
func (c *Cache) IsTrusted(ip net.IP) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.covered(ip, c.trustV4, c.trustV6)
}

// IsBanned reports whether any unexpired ban rule covers ip.
func (c *Cache) IsBanned(ip net.IP) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.covered(ip, c.banV4, c.banV6)
}

// ShouldAllow is is_trusted(ip) || !is_banned(ip), evaluated under one
// read lock so a concurrent mutation cannot be observed split across the
// two component checks (invariant I2, deterministic regardless of
// insertion order).
func (c *Cache) ShouldAllow(ip net.IP) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.covered(ip, c.trustV4, c.trustV6) {
		return true
	}
	return !c.covered(ip, c.banV4, c.banV6)
}

func (c *Cache) covered(ip net.IP, v4, v6 cidranger.Ranger) bool {
	r := v4
	if ip.To4() == nil {
		r = v6
	}
	networks, err := r.ContainingNetworks(ip)
	if err != nil || len(networks) == 0 {
		return false
	}
	now := time.Now()
	for _, n := range networks {
		entry, ok := n.(ruleEntry)
		if !ok {
			continue
		}
		if !entry.expired(now) {
			return true
		}
	}
	return false
}

// Sweep evicts expired entries from all four rangers. It is meant to be
// invoked periodically (spec §4.B: "a periodic sweep may compact them");
// lookups never depend on it for correctness since covered() already
// filters expired entries at read time.
func (c *Cache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for _, r := range []cidranger.Ranger{c.banV4, c.banV6, c.trustV4, c.trustV6} {
		sweepRanger(r, now)
	}
}

func sweepRanger(r cidranger.Ranger, now time.Time) {
	networks, err := r.CoveredNetworks(net.IPNet{IP: net.IPv4zero, Mask: net.CIDRMask(0, 32)})
	if err == nil {
		evictExpired(r, networks, now)
	}
	networks, err = r.CoveredNetworks(net.IPNet{IP: net.IPv6zero, Mask: net.CIDRMask(0, 128)})
	if err == nil {
		evictExpired(r, networks, now)
	}
}

func evictExpired(r cidranger.Ranger, networks []cidranger.RangerEntry, now time.Time) {
	for _, n := range networks {
		entry, ok := n.(ruleEntry)
		if !ok {
			continue
		}
		if entry.expired(now) {
			_, _ = r.Remove(entry.Network())
		}
	}
}

// RunSweeper blocks, calling Sweep every interval, until stop is closed.
// Grounded on the teacher's metrics ticker loop (RunMetrics): a plain
// time.Ticker driven goroutine with a stop channel, no extra scheduling
// library.
func (c *Cache) RunSweeper(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-stop:
			return
		}
	}
}
