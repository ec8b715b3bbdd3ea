// Package ratelimit implements the rate-limit controller of spec.md
// §4.12: translates configured rate/burst into the fixed-point scaled
// form the datapath's token buckets consume (pkg/maps.RateLimitBucket),
// and keeps an in-process mirror of recently active buckets for fast
// userspace-side inspection (e.g. the orchestrator's status API) without
// a map read on every call.
//
// Grounded on the teacher's use of github.com/hashicorp/golang-lru for
// bounded in-memory caches fed by high-churn keys.
package ratelimit

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"

	"github.com/cilium/xlb/pkg/events"
	"github.com/cilium/xlb/pkg/maps"
)

var log = logrus.WithField("subsys", "ratelimit")

// Rule is one configured rate-limit entry, per spec.md §4.12: a source
// rule keys on source IP/prefix, a backend rule keys on target identity.
type Rule struct {
	Key        string
	RatePerSec float64
	Burst      float64
	Source     bool // true: source rule, false: backend rule
}

// Controller owns the settings pushed to the datapath's rate-limit maps
// and mirrors recently touched buckets in an LRU for cheap status reads.
type Controller struct {
	bus *events.Bus

	mu    sync.Mutex
	rules map[string]Rule
	mirror *lru.Cache // key -> maps.RateLimitBucket
}

// NewController returns a Controller whose in-process mirror holds up to
// mirrorSize buckets, evicting least-recently-used entries beyond that.
func NewController(bus *events.Bus, mirrorSize int) (*Controller, error) {
	if mirrorSize <= 0 {
		mirrorSize = 4096
	}
	c, err := lru.New(mirrorSize)
	if err != nil {
		return nil, err
	}
	return &Controller{bus: bus, rules: make(map[string]Rule), mirror: c}, nil
}

// SetRule installs or replaces a rate-limit rule and returns the scaled
// bucket template the orchestrator should write to the backing eBPF map
// (pkg/maps.RateLimitMapSpec), per spec.md §4.12's Scale=1000 fixed-point
// convention.
func (c *Controller) SetRule(r Rule) maps.RateLimitBucket {
	c.mu.Lock()
	c.rules[r.Key] = r
	c.mu.Unlock()

	rateScaled := uint32(r.RatePerSec * maps.Scale)
	burstScaled := uint32(r.Burst * maps.Scale)
	bucket := maps.NewRateLimitBucket(rateScaled, burstScaled, 0)
	c.mirror.Add(r.Key, bucket)
	return bucket
}

// DisableRule removes a rate-limit rule, spec.md §6's "disable rate
// limits" operation.
func (c *Controller) DisableRule(key string) {
	c.mu.Lock()
	delete(c.rules, key)
	c.mu.Unlock()
	c.mirror.Remove(key)
}

// Rule returns the currently configured rule for key, if any.
func (c *Controller) Rule(key string) (Rule, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rules[key]
	return r, ok
}

// Observe records a datapath-reported refill outcome (fed from the
// ring-buffer stats consumer, spec.md §4.6) into the mirror, and if the
// bucket denied the packet, publishes a rate-limit-drop event per
// spec.md §9.
func (c *Controller) Observe(key string, bucket maps.RateLimitBucket, allowed bool, source bool) {
	c.mirror.Add(key, bucket)
	if allowed {
		return
	}
	src := "backend"
	if source {
		src = "source"
	}
	log.WithFields(logrus.Fields{"key": key, "source": src}).Debug("rate limit drop")
	if c.bus != nil {
		c.bus.Publish(events.Event{
			Kind: events.KindRateLimitDrop,
			Payload: events.RateLimitDropPayload{Key: key, Source: src},
		})
	}
}

// Mirrored returns the last-observed bucket state for key, if still
// resident in the LRU mirror.
func (c *Controller) Mirrored(key string) (maps.RateLimitBucket, bool) {
	v, ok := c.mirror.Get(key)
	if !ok {
		return maps.RateLimitBucket{}, false
	}
	return v.(maps.RateLimitBucket), true
}

// TokenStore holds the live, consumable token buckets the ingress pipeline
// checks on the packet hot path (spec.md §4.3 step 5/6's source and
// backend rate-limit checks). It is distinct from Controller, which only
// tracks configuration and a read-mostly mirror: TokenStore is where
// tokens are actually decremented per packet.
type TokenStore struct {
	mu      sync.Mutex
	buckets map[string]*maps.RateLimitBucket
}

// NewTokenStore returns an empty TokenStore.
func NewTokenStore() *TokenStore {
	return &TokenStore{buckets: make(map[string]*maps.RateLimitBucket)}
}

// Configure installs or replaces the rate/burst template for key; a fresh
// bucket starts full, per maps.NewRateLimitBucket.
func (s *TokenStore) Configure(key string, ratePerSec, burst float64, nowNs uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := maps.NewRateLimitBucket(uint32(ratePerSec*maps.Scale), uint32(burst*maps.Scale), nowNs)
	s.buckets[key] = &b
}

// Remove deletes key's bucket; subsequent Allow calls for it pass through.
func (s *TokenStore) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buckets, key)
}

// Allow refills and checks key's bucket, returning true when key has no
// configured bucket (rate limiting is opt-in per spec.md §4.3: "if
// configured") or the refilled bucket has a token to spend.
func (s *TokenStore) Allow(key string, nowNs uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[key]
	if !ok {
		return true
	}
	return b.Refill(nowNs)
}
