package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/cilium/xlb/pkg/drain"
	"github.com/cilium/xlb/pkg/events"
	"github.com/cilium/xlb/pkg/iptypes"
	"github.com/cilium/xlb/pkg/ratelimit"
)

// AddProxy implements spec.md §6's "add ... proxy" runtime operation. It
// validates pc in isolation, then applies it under the registry lock; on
// any failure nothing is left behind (spec.md §7 "invalid-config: fatal;
// no partial apply").
func (o *Orchestrator) AddProxy(pc ProxyConfig) error {
	if err := (Config{Proxies: []ProxyConfig{pc}}).Validate(); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.groups[defaultGroupKey(pc.Name)]; exists {
		return fmt.Errorf("orchestrator: proxy %q already exists", pc.Name)
	}
	rb := &rollback{}
	if err := o.addProxyLocked(pc, rb); err != nil {
		rb.unwind()
		return err
	}
	rb.commit()
	return nil
}

// RemoveProxy implements spec.md §6's "remove ... proxy": it tears down
// every group and target the proxy owns. Its interfaces are left
// attached; DetachInterface removes them.
func (o *Orchestrator) RemoveProxy(name string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	gk := defaultGroupKey(name)
	if _, ok := o.groups[gk]; !ok {
		return fmt.Errorf("orchestrator: proxy %q not found", name)
	}
	for key := range o.groups {
		if belongsToProxy(key, name) {
			o.removeGroupLocked(key)
		}
	}
	delete(o.proxyListens, name)
	return nil
}

// belongsToProxy reports whether a group key (built by
// default/source/sniGroupKey) was created for proxy name.
func belongsToProxy(groupKey, name string) bool {
	return len(groupKey) > len(name) && groupKey[:len(name)] == name && groupKey[len(name)] == '/'
}

// removeGroupLocked deletes a group and, for any member target left with
// no remaining group membership, its runtime state entirely (unwatching
// DNS and unregistering the health check).
func (o *Orchestrator) removeGroupLocked(gk string) {
	g, ok := o.groups[gk]
	if !ok {
		return
	}
	delete(o.groups, gk)
	for _, mk := range g.members {
		tr, ok := o.targets[mk]
		if !ok {
			continue
		}
		tr.groups = removeString(tr.groups, gk)
		if len(tr.groups) == 0 {
			if tr.hostname != "" {
				o.dns.Unwatch(tr.hostname)
			}
			o.health.RemoveTarget(tr.key())
			delete(o.targets, mk)
		}
	}
}

func removeString(ss []string, s string) []string {
	out := ss[:0]
	for _, v := range ss {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

// AddSourceRoute implements spec.md §6's "add ... source route".
func (o *Orchestrator) AddSourceRoute(proxy string, r SourceRoute) error {
	if err := validateTargets(r.Targets); err != nil {
		return fmt.Errorf("orchestrator: source route %q: %w", r.CIDR, err)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.groups[defaultGroupKey(proxy)]; !ok {
		return fmt.Errorf("orchestrator: proxy %q not found", proxy)
	}
	return o.addSourceRouteLocked(proxy, r)
}

// RemoveSourceRoute implements spec.md §6's "remove ... source route".
func (o *Orchestrator) RemoveSourceRoute(proxy, cidr string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	gk := sourceGroupKey(proxy, cidr)
	if _, ok := o.groups[gk]; !ok {
		return fmt.Errorf("orchestrator: source route %q not found", cidr)
	}
	if prefix, err := iptypes.ParsePrefix(cidr); err == nil {
		o.routes.Delete(prefix)
	}
	o.removeGroupLocked(gk)
	return nil
}

// AddSNIRoute implements spec.md §6's "add ... SNI route".
func (o *Orchestrator) AddSNIRoute(proxy string, r SNIRoute) error {
	if err := validateTargets(r.Targets); err != nil {
		return fmt.Errorf("orchestrator: sni route %q: %w", r.Hostname, err)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.groups[defaultGroupKey(proxy)]; !ok {
		return fmt.Errorf("orchestrator: proxy %q not found", proxy)
	}
	return o.addSNIRouteLocked(proxy, r)
}

// RemoveSNIRoute implements spec.md §6's "remove ... SNI route".
func (o *Orchestrator) RemoveSNIRoute(proxy, hostname string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	gk := sniGroupKey(proxy, hostname)
	if _, ok := o.groups[gk]; !ok {
		return fmt.Errorf("orchestrator: sni route %q not found", hostname)
	}
	o.removeGroupLocked(gk)
	return nil
}

// ListSNIRoutes implements spec.md §6's "list SNI routes".
func (o *Orchestrator) ListSNIRoutes(proxy string) []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	prefix := proxy + "/sni/"
	var out []string
	for gk := range o.groups {
		if len(gk) > len(prefix) && gk[:len(prefix)] == prefix {
			out = append(out, gk[len(prefix):])
		}
	}
	return out
}

// AttachInterface implements spec.md §6's "attach ... interface": it is
// idempotent, matching attachInterfaceLocked's reference-counting-free
// "already attached" short circuit.
func (o *Orchestrator) AttachInterface(ifname string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	rb := &rollback{}
	if err := o.attachInterfaceLocked(ifname, rb); err != nil {
		rb.unwind()
		return err
	}
	rb.commit()
	return nil
}

// DetachInterface implements spec.md §6's "detach ... interface": it
// removes the TC filter, clsact qdisc, and XDP attach this orchestrator
// installed.
func (o *Orchestrator) DetachInterface(ifname string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	detach, ok := o.attached[ifname]
	if !ok {
		return fmt.Errorf("orchestrator: interface %q not attached", ifname)
	}
	delete(o.attached, ifname)
	return detach()
}

// EnableStats and DisableStats implement spec.md §6's "enable/disable
// stats".
func (o *Orchestrator) EnableStats()  { o.setStats(true) }
func (o *Orchestrator) DisableStats() { o.setStats(false) }

func (o *Orchestrator) setStats(enabled bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.settings.StatsEnabled = enabled
}

// Subscribe implements spec.md §6's "subscribe to stats": every event
// kind flows through the same bus, so this is a thin pass-through to
// pkg/events.
func (o *Orchestrator) Subscribe() *events.Subscriber {
	return o.bus.Subscribe()
}

// Drain implements spec.md §6's "drain": it zeroes the target's weight
// and waits (via pkg/drain) for its conntrack entries to empty out or the
// timeout to elapse, per spec.md §4.10 and testable-property "drain
// termination".
func (o *Orchestrator) Drain(proxy, target string, timeout time.Duration, onComplete func(drain.Outcome)) error {
	o.mu.Lock()
	key := proxy + "/" + target
	tr, ok := o.targets[key]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator: target %q not found", key)
	}
	o.mu.Unlock()

	zeroWeight := func() error {
		tr.mu.Lock()
		tr.draining = true
		tr.mu.Unlock()
		o.mu.Lock()
		o.recomputeGroupsForTargetLocked(tr)
		o.mu.Unlock()
		return nil
	}
	// spec.md §7 "drain-timeout: non-fatal ... weight remains 0 until
	// undrained": tr.draining is left set regardless of outcome here;
	// only Undrain clears it.
	wrapped := func(outcome drain.Outcome) {
		if onComplete != nil {
			onComplete(outcome)
		}
	}
	return tr.drainCoord.Drain(o.runCtx, timeout, zeroWeight, o.targetConnectionCount(tr), wrapped)
}

// Undrain implements spec.md §6's "undrain": it cancels any in-progress
// drain and restores the target's weight to its normal, signal-derived
// value.
func (o *Orchestrator) Undrain(proxy, target string) error {
	o.mu.Lock()
	key := proxy + "/" + target
	tr, ok := o.targets[key]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator: target %q not found", key)
	}
	o.mu.Unlock()

	tr.drainCoord.Cancel()
	tr.mu.Lock()
	tr.draining = false
	tr.mu.Unlock()

	o.mu.Lock()
	defer o.mu.Unlock()
	o.recomputeGroupsForTargetLocked(tr)
	return nil
}

// WaitForDrain implements spec.md §6's "wait for drain": it blocks until
// the target's live connection count reaches zero or ctx is done.
func (o *Orchestrator) WaitForDrain(ctx context.Context, proxy, target string) error {
	o.mu.RLock()
	tr, ok := o.targets[proxy+"/"+target]
	o.mu.RUnlock()
	if !ok {
		return fmt.Errorf("orchestrator: target %q not found", proxy+"/"+target)
	}
	count := o.targetConnectionCount(tr)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	if count() == 0 {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if count() == 0 {
				return nil
			}
		}
	}
}

// circuitTarget resolves proxy/target to its Breaker, under the read
// lock.
func (o *Orchestrator) circuitTarget(proxy, target string) (*targetRuntimeRef, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	tr, ok := o.targets[proxy+"/"+target]
	if !ok {
		return nil, fmt.Errorf("orchestrator: target %q not found", proxy+"/"+target)
	}
	return &targetRuntimeRef{o: o, tr: tr}, nil
}

// targetRuntimeRef bundles a resolved target with its owning orchestrator
// so circuit operations can trigger a weight recompute afterward.
type targetRuntimeRef struct {
	o  *Orchestrator
	tr *targetRuntime
}

func (r *targetRuntimeRef) refresh() {
	r.o.mu.Lock()
	defer r.o.mu.Unlock()
	r.o.recomputeGroupsForTargetLocked(r.tr)
}

// ForceOpenCircuit, ForceCloseCircuit, and ResetCircuit implement spec.md
// §6's "force/open/close/reset circuit" (force-open and force-close are
// the same manual primitive spec.md §4.9 describes; "force" alone is not
// a distinct third state).
func (o *Orchestrator) ForceOpenCircuit(proxy, target string) error {
	ref, err := o.circuitTarget(proxy, target)
	if err != nil {
		return err
	}
	ref.tr.breaker.ForceOpen()
	ref.refresh()
	return nil
}

func (o *Orchestrator) ForceCloseCircuit(proxy, target string) error {
	ref, err := o.circuitTarget(proxy, target)
	if err != nil {
		return err
	}
	ref.tr.breaker.ForceClose()
	ref.refresh()
	return nil
}

func (o *Orchestrator) ResetCircuit(proxy, target string) error {
	ref, err := o.circuitTarget(proxy, target)
	if err != nil {
		return err
	}
	ref.tr.breaker.Reset()
	ref.refresh()
	return nil
}

// SetSourceRateLimit and SetBackendRateLimit implement spec.md §6's "set
// ... source and backend rate limits", translating to the fixed-point
// token-bucket form pkg/ratelimit and the datapath's maps.RateLimitBucket
// share.
func (o *Orchestrator) SetSourceRateLimit(key string, ratePerSec, burst float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rateCtl.SetRule(ratelimit.Rule{Key: key, RatePerSec: ratePerSec, Burst: burst, Source: true})
	o.sourceLimiter.Configure(key, ratePerSec, burst, uint64(time.Now().UnixNano()))
}

// DisableSourceRateLimit implements spec.md §6's "disable ... source
// rate limit".
func (o *Orchestrator) DisableSourceRateLimit(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rateCtl.DisableRule(key)
	o.sourceLimiter.Remove(key)
}

// SetBackendRateLimit implements spec.md §6's "set ... backend rate
// limit".
func (o *Orchestrator) SetBackendRateLimit(key string, ratePerSec, burst float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rateCtl.SetRule(ratelimit.Rule{Key: key, RatePerSec: ratePerSec, Burst: burst, Source: false})
	o.backendLimiter.Configure(key, ratePerSec, burst, uint64(time.Now().UnixNano()))
}

// DisableBackendRateLimit implements spec.md §6's "disable ... backend
// rate limit".
func (o *Orchestrator) DisableBackendRateLimit(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rateCtl.DisableRule(key)
	o.backendLimiter.Remove(key)
}

// ForceDNSResolve implements spec.md §6's "force DNS resolve".
func (o *Orchestrator) ForceDNSResolve(ctx context.Context, hostname string) {
	o.dns.ForceRefresh(ctx, hostname)
}
