package ratelimit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wudi/bankgate/internal/config"
)

// fakeClock lets tests step time deterministically.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(clock *fakeClock, zones map[string]config.ZoneConfig) *Registry {
	r := NewRegistry(config.RateLimitConfig{Zones: zones, IdleMultiplier: 10})
	for _, z := range r.zones {
		z.now = clock.Now
	}
	return r
}

func TestZoneBurstCeiling(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(clock, map[string]config.ZoneConfig{
		"login": {Capacity: 10, Burst: 20, Interval: "second"},
	})
	z, _ := r.Zone("login")

	admitted := 0
	for i := 0; i < 25; i++ {
		if ok, _ := z.Allow("ip:1.2.3.4", 1); ok {
			admitted++
		}
	}
	if admitted != 20 {
		t.Fatalf("expected 20 admitted from a full bucket, got %d", admitted)
	}

	ok, wait := z.Allow("ip:1.2.3.4", 1)
	if ok {
		t.Fatal("empty bucket should deny")
	}
	if wait != 100*time.Millisecond {
		t.Errorf("expected 100ms wait at 10 tokens/s, got %v", wait)
	}
}

func TestZoneCapacityCeilingWithoutBurst(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(clock, map[string]config.ZoneConfig{
		"ddos": {Capacity: 5, Interval: "second"},
	})
	z, _ := r.Zone("ddos")

	for i := 0; i < 5; i++ {
		if ok, _ := z.Allow("k", 1); !ok {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	if ok, _ := z.Allow("k", 1); ok {
		t.Fatal("6th request should be denied")
	}
}

func TestZoneRefillIsClamped(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(clock, map[string]config.ZoneConfig{
		"z": {Capacity: 10, Burst: 20, Interval: "second"},
	})
	z, _ := r.Zone("z")

	for i := 0; i < 20; i++ {
		z.Allow("k", 1)
	}
	clock.Advance(500 * time.Millisecond)
	if ok, _ := z.Allow("k", 1); !ok {
		t.Fatal("half a second should refill 5 tokens")
	}
	if tokens, _ := z.Tokens("k"); tokens < 3.99 || tokens > 4.01 {
		t.Errorf("expected 4 tokens left, got %v", tokens)
	}

	clock.Advance(time.Hour)
	z.Allow("k", 1)
	if tokens, _ := z.Tokens("k"); tokens > 19.01 {
		t.Errorf("bucket exceeded ceiling: %v", tokens)
	}
}

func TestZoneMinuteInterval(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(clock, map[string]config.ZoneConfig{
		"bots": {Capacity: 60, Interval: "minute"},
	})
	z, _ := r.Zone("bots")
	for i := 0; i < 60; i++ {
		z.Allow("k", 1)
	}
	_, wait := z.Allow("k", 1)
	if wait != time.Second {
		t.Errorf("expected 1s wait at 60/min, got %v", wait)
	}
}

func TestZoneMultipleKeys(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(clock, map[string]config.ZoneConfig{
		"z": {Capacity: 1, Interval: "second"},
	})
	z, _ := r.Zone("z")

	z.Allow("key1", 1)
	if ok, _ := z.Allow("key2", 1); !ok {
		t.Error("key2 should have its own bucket")
	}
}

func TestRegistryConjunctiveRefund(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(clock, map[string]config.ZoneConfig{
		"global": {Capacity: 100, Interval: "second"},
		"tight":  {Capacity: 1, Interval: "second"},
		"slow":   {Capacity: 1, Interval: "minute"},
	})
	keys := Keys{IP: "10.0.0.1"}

	if d := r.Allow([]string{"global", "tight", "slow"}, keys, 1); !d.Allowed {
		t.Fatalf("first request should pass, got %+v", d)
	}

	d := r.Allow([]string{"global", "tight", "slow"}, keys, 1)
	if d.Allowed {
		t.Fatal("second request should be denied")
	}
	if d.Zone != "slow" || d.RetryAfter != time.Minute {
		t.Errorf("expected longest wait from slow zone, got %s %v", d.Zone, d.RetryAfter)
	}

	global, _ := r.Zone("global")
	if tokens, _ := global.Tokens(keys.For(KeyIP)); tokens < 98.99 || tokens > 99.01 {
		t.Errorf("denied request should be refunded to global zone, tokens=%v", tokens)
	}
}

func TestRegistrySkipsDuplicateAndUnknownZones(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(clock, map[string]config.ZoneConfig{
		"z": {Capacity: 2, Interval: "second"},
	})

	if d := r.Allow([]string{"z", "z", "missing"}, Keys{IP: "1.1.1.1"}, 1); !d.Allowed {
		t.Fatal("expected allow")
	}
	z, _ := r.Zone("z")
	if tokens, _ := z.Tokens("ip:1.1.1.1"); tokens < 0.99 || tokens > 1.01 {
		t.Errorf("duplicate zone must be charged once, tokens=%v", tokens)
	}
}

func TestKeysFor(t *testing.T) {
	tests := []struct {
		kind string
		keys Keys
		want string
	}{
		{KeyIP, Keys{IP: "1.2.3.4", User: "u1"}, "ip:1.2.3.4"},
		{KeyUser, Keys{IP: "1.2.3.4", User: "u1"}, "user:u1"},
		{KeyUser, Keys{IP: "1.2.3.4"}, "ip:1.2.3.4"},
		{KeyIPUser, Keys{IP: "1.2.3.4", User: "u1"}, "ip:1.2.3.4|user:u1"},
	}
	for _, tt := range tests {
		if got := tt.keys.For(tt.kind); got != tt.want {
			t.Errorf("For(%s) = %q, want %q", tt.kind, got, tt.want)
		}
	}
}

func TestRegistryReap(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(clock, map[string]config.ZoneConfig{
		"z": {Capacity: 10, Interval: "second"},
	})
	r.Allow([]string{"z"}, Keys{IP: "a"}, 1)
	clock.Advance(5 * time.Second)
	r.Allow([]string{"z"}, Keys{IP: "b"}, 1)

	clock.Advance(6 * time.Second)
	if n := r.Reap(); n != 1 {
		t.Fatalf("expected only the bucket idle for 11s to be reaped, got %d", n)
	}
	if got := r.Stats()["z"]; got != 1 {
		t.Errorf("expected 1 live bucket, got %d", got)
	}
}

func TestZoneConcurrentNoOverAdmission(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(clock, map[string]config.ZoneConfig{
		"z": {Capacity: 10, Burst: 50, Interval: "second"},
	})

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d := r.Allow([]string{"z"}, Keys{IP: "same"}, 1); d.Allowed {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := admitted.Load(); got != 50 {
		t.Errorf("expected exactly 50 admitted with a frozen clock, got %d", got)
	}
}
