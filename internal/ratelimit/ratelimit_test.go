package ratelimit

import (
	"net"
	"testing"
	"time"
)

func TestAcceptLimiterMaxPerIP(t *testing.T) {
	l := NewAcceptLimiter(0, 2, 0)
	ip := net.ParseIP("10.0.0.1")

	if !l.Allow(ip) || !l.Allow(ip) {
		t.Fatal("expected first two connections to be allowed")
	}
	if l.Allow(ip) {
		t.Fatal("expected third connection from same IP to be rejected")
	}

	l.Release(ip)
	if !l.Allow(ip) {
		t.Fatal("expected a connection to be allowed after Release frees a slot")
	}
}

func TestAcceptLimiterMaxTotal(t *testing.T) {
	l := NewAcceptLimiter(0, 0, 1)
	ip1 := net.ParseIP("10.0.0.1")
	ip2 := net.ParseIP("10.0.0.2")

	if !l.Allow(ip1) {
		t.Fatal("expected first connection to be allowed")
	}
	if l.Allow(ip2) {
		t.Fatal("expected second connection to be rejected once the total cap is hit")
	}
}

func TestAcceptLimiterRatePerIP(t *testing.T) {
	l := NewAcceptLimiter(1, 0, 0)
	ip := net.ParseIP("10.0.0.1")

	if !l.Allow(ip) {
		t.Fatal("expected first connection to be allowed")
	}
	l.Release(ip)
	if l.Allow(ip) {
		t.Fatal("expected immediate reconnection to be throttled by the per-second rate")
	}
}

func TestAcceptLimiterDisabledByZero(t *testing.T) {
	l := NewAcceptLimiter(0, 0, 0)
	ip := net.ParseIP("10.0.0.1")
	for i := 0; i < 100; i++ {
		if !l.Allow(ip) {
			t.Fatalf("expected unlimited acceptance with all checks disabled, failed at %d", i)
		}
	}
}

func TestControlLimiterAllowsWithinBurst(t *testing.T) {
	l := NewControlLimiter(5)
	for i := 0; i < 5; i++ {
		if !l.Allow(1) {
			t.Fatalf("expected message %d to be allowed within burst", i)
		}
	}
}

func TestControlLimiterRejectsOverBurst(t *testing.T) {
	l := NewControlLimiter(1)
	if !l.Allow(1) {
		t.Fatal("expected first message to be allowed")
	}
	if l.Allow(1) {
		t.Fatal("expected second immediate message to be throttled")
	}
}

func TestControlLimiterPerSessionIndependence(t *testing.T) {
	l := NewControlLimiter(1)
	if !l.Allow(1) || !l.Allow(2) {
		t.Fatal("expected independent sessions to each get their own burst")
	}
}

func TestControlLimiterDisabledByZero(t *testing.T) {
	l := NewControlLimiter(0)
	for i := 0; i < 50; i++ {
		if !l.Allow(1) {
			t.Fatalf("expected unlimited allowance when disabled, failed at %d", i)
		}
	}
}

func TestControlLimiterForgetDropsState(t *testing.T) {
	l := NewControlLimiter(1)
	l.Allow(1)
	l.Forget(1)

	l.mu.Lock()
	_, ok := l.limiters[1]
	l.mu.Unlock()
	if ok {
		t.Fatal("expected limiter state to be dropped after Forget")
	}
}

func TestControlLimiterRefillsOverTime(t *testing.T) {
	l := NewControlLimiter(1000) // high rate so refill happens within test timeout
	l.Allow(1)
	time.Sleep(5 * time.Millisecond)
	if !l.Allow(1) {
		t.Fatal("expected token bucket to refill after waiting")
	}
}
