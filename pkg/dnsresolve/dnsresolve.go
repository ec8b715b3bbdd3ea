// Package dnsresolve implements the hostname-target resolver of spec.md
// §4.11: synchronous-and-fatal initial resolution, periodic jittered
// refresh, order-insensitive change detection, and equal-weight
// redistribution on change.
//
// Grounded on the teacher's DNS stack: it vendors github.com/miekg/dns via
// a replace directive to github.com/cilium/dns, which this package reuses
// directly for message construction and A-record extraction rather than
// shelling out to net.Resolver.
package dnsresolve

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"

	"github.com/cilium/xlb/pkg/events"
)

var log = logrus.WithField("subsys", "dnsresolve")

// ChangeFunc is invoked, serialized per hostname, whenever a refresh
// observes a different IP set than last time (spec.md §4.11: "the change
// callback for a given hostname never runs concurrently with itself").
type ChangeFunc func(hostname string, ips []string)

// Resolver performs scheduled A-record lookups against a configured
// nameserver, per spec.md §4.11.
type Resolver struct {
	Nameserver string // host:port, e.g. "127.0.0.1:53"
	Timeout    time.Duration

	bus *events.Bus
	rng *rand.Rand

	mu      sync.Mutex
	entries map[string]*hostEntry
}

type hostEntry struct {
	mu          sync.Mutex // serializes the change callback per hostname
	interval    time.Duration
	ips         []string
	failures    int
	onChange    ChangeFunc
}

// NewResolver returns a Resolver. When nameserver is "", the system
// resolver's configured servers are read from /etc/resolv.conf, matching
// the teacher's default client-config behavior.
func NewResolver(nameserver string, bus *events.Bus) *Resolver {
	if nameserver == "" {
		if cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf"); err == nil && len(cfg.Servers) > 0 {
			nameserver = cfg.Servers[0] + ":" + cfg.Port
		} else {
			nameserver = "127.0.0.1:53"
		}
	}
	return &Resolver{
		Nameserver: nameserver,
		Timeout:    2 * time.Second,
		bus:        bus,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		entries:    make(map[string]*hostEntry),
	}
}

// ResolveNow performs a synchronous lookup, spec.md §4.11: "initial
// resolution for every hostname target is synchronous and fatal to
// startup: if it fails, the target is not added."
func (r *Resolver) ResolveNow(ctx context.Context, hostname string) ([]string, error) {
	return r.lookup(ctx, hostname)
}

func (r *Resolver) lookup(ctx context.Context, hostname string) ([]string, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(hostname), dns.TypeA)
	m.RecursionDesired = true

	c := &dns.Client{Timeout: r.Timeout}
	in, _, err := c.ExchangeContext(ctx, m, r.Nameserver)
	if err != nil {
		return nil, fmt.Errorf("dnsresolve: query %s: %w", hostname, err)
	}
	if in.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("dnsresolve: %s: rcode %s", hostname, dns.RcodeToString[in.Rcode])
	}

	var ips []string
	for _, rr := range in.Answer {
		if a, ok := rr.(*dns.A); ok {
			ips = append(ips, a.A.String())
		}
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("dnsresolve: %s: no A records", hostname)
	}
	sort.Strings(ips)
	return ips, nil
}

// Watch registers hostname for periodic refresh at interval (jittered
// ±10%, spec.md §4.11) and installs onChange. The caller must have
// already performed the synchronous initial ResolveNow.
func (r *Resolver) Watch(hostname string, initialIPs []string, interval time.Duration, onChange ChangeFunc) {
	r.mu.Lock()
	r.entries[hostname] = &hostEntry{interval: interval, ips: append([]string(nil), initialIPs...), onChange: onChange}
	r.mu.Unlock()
}

// Unwatch stops refreshing hostname.
func (r *Resolver) Unwatch(hostname string) {
	r.mu.Lock()
	delete(r.entries, hostname)
	r.mu.Unlock()
}

// Run drives all registered hostnames' refresh loops until ctx is done.
func (r *Resolver) Run(ctx context.Context) {
	r.mu.Lock()
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, n := range names {
		wg.Add(1)
		go func(hostname string) {
			defer wg.Done()
			r.runHost(ctx, hostname)
		}(n)
	}
	wg.Wait()
}

func (r *Resolver) runHost(ctx context.Context, hostname string) {
	r.mu.Lock()
	he := r.entries[hostname]
	r.mu.Unlock()
	if he == nil {
		return
	}

	jitterRange := float64(he.interval) * 0.10
	jitter := time.Duration((r.rng.Float64()*2 - 1) * jitterRange)
	timer := time.NewTimer(he.interval + jitter)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			r.refresh(ctx, hostname, he)
			jitter = time.Duration((r.rng.Float64()*2 - 1) * jitterRange)
			timer.Reset(he.interval + jitter)
		}
	}
}

// ForceRefresh triggers an out-of-cycle refresh, spec.md §6's "force DNS
// resolve" runtime operation.
func (r *Resolver) ForceRefresh(ctx context.Context, hostname string) {
	r.mu.Lock()
	he := r.entries[hostname]
	r.mu.Unlock()
	if he != nil {
		r.refresh(ctx, hostname, he)
	}
}

func (r *Resolver) refresh(ctx context.Context, hostname string, he *hostEntry) {
	rctx, cancel := context.WithTimeout(ctx, he.interval)
	ips, err := r.lookup(rctx, hostname)
	cancel()

	he.mu.Lock()
	defer he.mu.Unlock()

	if err != nil {
		he.failures++
		log.WithFields(logrus.Fields{"hostname": hostname, "failures": he.failures, "err": err}).Warn("dns refresh failed")
		if r.bus != nil {
			r.bus.Publish(events.Event{
				Kind: events.KindDNSFailed,
				Payload: events.DNSFailedPayload{
					Hostname:     hostname,
					FailureCount: he.failures,
					Err:          err.Error(),
				},
			})
		}
		return
	}
	he.failures = 0

	if sameSet(he.ips, ips) {
		return
	}

	old := he.ips
	he.ips = ips
	log.WithFields(logrus.Fields{"hostname": hostname, "old": old, "new": ips}).Info("dns record changed")
	if r.bus != nil {
		r.bus.Publish(events.Event{
			Kind: events.KindDNSChange,
			Payload: events.DNSChangePayload{
				Hostname: hostname,
				OldIPs:   old,
				NewIPs:   ips,
			},
		})
	}
	if he.onChange != nil {
		he.onChange(hostname, ips)
	}
}

// sameSet reports whether a and b (both pre-sorted ascending by lookup)
// contain the same IPs, order-insensitively per spec.md §4.11.
func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// RedistributeEqual implements spec.md §4.11's "equal-weight
// redistribution with the remainder going to the first IPs in sorted
// order" used when a hostname target's A-record set changes.
func RedistributeEqual(ips []string) map[string]int {
	n := len(ips)
	out := make(map[string]int, n)
	if n == 0 {
		return out
	}
	base := 100 / n
	remainder := 100 - base*n
	sorted := append([]string(nil), ips...)
	sort.Strings(sorted)
	for i, ip := range sorted {
		w := base
		if i < remainder {
			w++
		}
		out[ip] = w
	}
	return out
}
