package orchestrator

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/cilium/xlb/pkg/events"
)

// collectHostnames walks every target in cfg and returns the distinct
// non-numeric hosts that need DNS resolution before startup can proceed.
func collectHostnames(cfg Config) []string {
	seen := make(map[string]bool)
	add := func(addr string) {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return
		}
		if net.ParseIP(host) != nil {
			return
		}
		seen[host] = true
	}
	for _, p := range cfg.Proxies {
		for _, t := range p.DefaultTarget {
			add(t.Addr)
		}
		for _, r := range p.SourceRoutes {
			for _, t := range r.Targets {
				add(t.Addr)
			}
		}
		for _, r := range p.SNIRoutes {
			for _, t := range r.Targets {
				add(t.Addr)
			}
		}
	}
	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	return out
}

// resolveHostnamesConcurrently performs spec.md §4.11's "initial
// resolution ... is synchronous and fatal to startup" for every distinct
// hostname target, bounded by the cooperative scheduler spec.md §5
// requires ("parallelism limited to the number of ... DNS hostnames"): one
// golang.org/x/sync/semaphore.Weighted slot per hostname, dispatched via
// golang.org/x/sync/errgroup so the first failure cancels the rest and is
// returned to the caller.
func (o *Orchestrator) resolveHostnamesConcurrently(ctx context.Context, hostnames []string) (map[string][]string, error) {
	if len(hostnames) == 0 {
		return nil, nil
	}
	sem := semaphore.NewWeighted(int64(len(hostnames)))
	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	out := make(map[string][]string, len(hostnames))
	for _, h := range hostnames {
		h := h
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			ips, err := o.dns.ResolveNow(gctx, h)
			if err != nil {
				return fmt.Errorf("resolve %s: %w", h, err)
			}
			mu.Lock()
			out[h] = ips
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// consumeEvents reacts to health/circuit/drain transitions by
// recomputing every group the affected target belongs to. Health's
// gradual-recovery steps (spec.md §4.7) don't themselves transition
// status, so they're covered by periodicRecompute instead of this
// event-driven path.
func (o *Orchestrator) consumeEvents() {
	for ev := range o.sub.Ch {
		switch p := ev.Payload.(type) {
		case events.HealthChangePayload:
			o.recomputeByTargetKey(p.Target)
		case events.CircuitChangePayload:
			o.recomputeByTargetKey(p.Target)
		case events.DrainCompletePayload:
			o.recomputeByTargetKey(p.Listener + "/" + p.Target)
		}
	}
}

func (o *Orchestrator) recomputeByTargetKey(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if tr, ok := o.targets[key]; ok {
		o.recomputeGroupsForTargetLocked(tr)
	}
}

// periodicRecompute re-derives every group's effective weights on the
// configured update interval, so gradual-recovery steps and
// least-connections counts (neither of which fire a discrete event) stay
// current (spec.md §6 "load-balancing {... update-interval-ms}").
func (o *Orchestrator) periodicRecompute(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			o.mu.Lock()
			for _, g := range o.groups {
				_ = o.recomputeGroupLocked(g)
			}
			o.mu.Unlock()
		}
	}
}
