package ratelimit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/bankgate/internal/config"
	"github.com/wudi/bankgate/internal/logging"
)

// Key kinds a zone can partition its buckets by.
const (
	KeyIP     = "ip"
	KeyUser   = "user"
	KeyIPUser = "ip_user"
)

// Zone is one named token bucket policy with a bucket per client key.
type Zone struct {
	name     string
	keyKind  string
	rate     float64 // tokens per second
	ceiling  float64
	interval time.Duration
	buckets  *shardedMap[*bucket]
	now      func() time.Time
}

type bucket struct {
	tokens   float64
	lastTime time.Time
}

// NewZone creates a zone that refills capacity tokens per interval. The bucket
// holds at most burst tokens, or capacity when burst is zero.
func NewZone(name string, cfg config.ZoneConfig) *Zone {
	interval := cfg.IntervalDuration()
	ceiling := cfg.Burst
	if ceiling <= 0 {
		ceiling = cfg.Capacity
	}
	keyKind := cfg.Key
	if keyKind == "" {
		keyKind = KeyIP
	}
	return &Zone{
		name:     name,
		keyKind:  keyKind,
		rate:     float64(cfg.Capacity) / interval.Seconds(),
		ceiling:  float64(ceiling),
		interval: interval,
		buckets:  newShardedMap[*bucket](),
		now:      time.Now,
	}
}

// Name returns the zone name.
func (z *Zone) Name() string { return z.name }

// Allow takes cost tokens from the bucket for key. When the bucket is short it
// takes nothing and reports how long until cost tokens will be available.
func (z *Zone) Allow(key string, cost int) (bool, time.Duration) {
	now := z.now()
	need := float64(cost)

	s := z.buckets.getShard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	b, exists := s.items[key]
	if !exists {
		b = &bucket{tokens: z.ceiling, lastTime: now}
		s.items[key] = b
	}

	if elapsed := now.Sub(b.lastTime).Seconds(); elapsed > 0 {
		b.tokens += elapsed * z.rate
		if b.tokens > z.ceiling {
			b.tokens = z.ceiling
		}
		b.lastTime = now
	}

	if b.tokens >= need {
		b.tokens -= need
		return true, 0
	}

	wait := time.Duration((need - b.tokens) / z.rate * float64(time.Second))
	return false, wait
}

// refund returns tokens taken by an admitted call whose request was denied elsewhere.
func (z *Zone) refund(key string, cost int) {
	s := z.buckets.getShard(key)
	s.mu.Lock()
	if b, ok := s.items[key]; ok {
		b.tokens += float64(cost)
		if b.tokens > z.ceiling {
			b.tokens = z.ceiling
		}
	}
	s.mu.Unlock()
}

// Tokens reports the current token count for key, without refilling.
func (z *Zone) Tokens(key string) (float64, bool) {
	s := z.buckets.getShard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.items[key]
	if !ok {
		return 0, false
	}
	return b.tokens, true
}

func (z *Zone) reap(idle time.Duration) int {
	now := z.now()
	return z.buckets.deleteFunc(func(_ string, b *bucket) bool {
		return now.Sub(b.lastTime) > idle
	})
}

// Keys carries the client identities a zone may partition by.
type Keys struct {
	IP   string
	User string
}

// For returns the bucket key for a key kind. User-keyed zones fall back to
// the client IP for anonymous callers.
func (k Keys) For(kind string) string {
	switch kind {
	case KeyUser:
		if k.User != "" {
			return "user:" + k.User
		}
		return "ip:" + k.IP
	case KeyIPUser:
		return "ip:" + k.IP + "|user:" + k.User
	default:
		return "ip:" + k.IP
	}
}

// Decision is the conjunctive outcome of evaluating several zones.
type Decision struct {
	Allowed    bool
	Zone       string        // zone with the longest wait when denied
	RetryAfter time.Duration // longest wait among denying zones
}

// Registry holds every configured zone and reaps idle buckets.
type Registry struct {
	zones           map[string]*Zone
	idleMultiplier  int
	cleanupInterval time.Duration
}

// NewRegistry builds zones from configuration.
func NewRegistry(cfg config.RateLimitConfig) *Registry {
	r := &Registry{
		zones:           make(map[string]*Zone, len(cfg.Zones)),
		idleMultiplier:  cfg.IdleMultiplier,
		cleanupInterval: cfg.CleanupInterval,
	}
	if r.idleMultiplier <= 0 {
		r.idleMultiplier = 10
	}
	if r.cleanupInterval <= 0 {
		r.cleanupInterval = time.Minute
	}
	for name, zc := range cfg.Zones {
		r.zones[name] = NewZone(name, zc)
	}
	return r
}

// Zone returns a zone by name.
func (r *Registry) Zone(name string) (*Zone, bool) {
	z, ok := r.zones[name]
	return z, ok
}

type taken struct {
	zone *Zone
	key  string
}

// Allow evaluates every listed zone and admits only if all of them admit.
// Tokens taken by admitting zones are refunded when any zone denies, so a
// rejected request does not drain the other buckets. Unknown and repeated
// zone names are skipped.
func (r *Registry) Allow(zones []string, keys Keys, cost int) Decision {
	d := Decision{Allowed: true}
	var admitted []taken
	seen := make(map[string]struct{}, len(zones))

	for _, name := range zones {
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}

		z, ok := r.zones[name]
		if !ok {
			continue
		}
		key := keys.For(z.keyKind)
		ok, wait := z.Allow(key, cost)
		if ok {
			admitted = append(admitted, taken{zone: z, key: key})
			continue
		}
		if d.Allowed || wait > d.RetryAfter {
			d.Zone = name
			d.RetryAfter = wait
		}
		d.Allowed = false
	}

	if !d.Allowed {
		for _, t := range admitted {
			t.zone.refund(t.key, cost)
		}
	}
	return d
}

// Start runs the idle bucket reaper until ctx is done.
func (r *Registry) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Reap()
			}
		}
	}()
}

// Reap removes buckets that have been idle for idle_multiplier intervals.
func (r *Registry) Reap() int {
	total := 0
	for name, z := range r.zones {
		n := z.reap(time.Duration(r.idleMultiplier) * z.interval)
		if n > 0 {
			logging.Debug("reaped idle rate buckets", zap.String("zone", name), zap.Int("count", n))
		}
		total += n
	}
	return total
}

// Stats returns the live bucket count per zone.
func (r *Registry) Stats() map[string]int {
	out := make(map[string]int, len(r.zones))
	for name, z := range r.zones {
		out[name] = z.buckets.len()
	}
	return out
}
