package orchestrator

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/cilium/xlb/pkg/checksum"
	"github.com/cilium/xlb/pkg/circuit"
	"github.com/cilium/xlb/pkg/drain"
	"github.com/cilium/xlb/pkg/dnsresolve"
	"github.com/cilium/xlb/pkg/healthcheck"
	"github.com/cilium/xlb/pkg/iptypes"
	"github.com/cilium/xlb/pkg/maps"
	"github.com/cilium/xlb/pkg/weight"
)

// targetEntry is the (address, port, weight) tuple maps.BuildTargetGroup
// consumes; named here only to give expandEntries' return type a label
// (BuildTargetGroup itself still takes the anonymous struct literal form).
type targetEntry = struct {
	Addr   iptypes.Addr
	Port   uint16
	Weight uint16
}

// addProxyLocked attaches the proxy's interfaces (if not already attached
// by an earlier proxy sharing one), then installs its default target,
// source routes, and SNI routes. Every step that acquires something
// pushes its undo onto rb so a later failure unwinds cleanly (spec.md §7
// "attach-failed ... rollback").
func (o *Orchestrator) addProxyLocked(pc ProxyConfig, rb *rollback) error {
	o.proxyListens[pc.Name] = pc.Listen
	ifindexes := make([]uint32, 0, len(pc.Listen.Interfaces))
	for _, ifname := range pc.Listen.Interfaces {
		if err := o.attachInterfaceLocked(ifname, rb); err != nil {
			return err
		}
		ifindex, err := resolveIfindex(ifname)
		if err != nil {
			return err
		}
		ifindexes = append(ifindexes, ifindex)
	}

	listenKeys := make([]maps.ListenKey, 0, len(ifindexes)*2)
	for _, ifx := range ifindexes {
		listenKeys = append(listenKeys,
			maps.ListenKey{Ifindex: ifx, Port: pc.Listen.Port, AF: iptypes.V4},
			maps.ListenKey{Ifindex: ifx, Port: pc.Listen.Port, AF: iptypes.V6},
		)
	}

	persistence := maps.PersistenceNone
	if pc.SessionPersistence {
		persistence = maps.PersistenceSourceIP
	}
	sniCapable := len(pc.SNIRoutes) > 0

	install := func(g maps.TargetGroup) error {
		for _, lk := range listenKeys {
			o.listen.Set(lk, g)
		}
		return nil
	}
	if err := o.installGroupLocked(defaultGroupKey(pc.Name), groupDefault, persistence, sniCapable, pc.Name, pc.DefaultTarget, install); err != nil {
		return err
	}

	for _, r := range pc.SourceRoutes {
		if err := o.addSourceRouteLocked(pc.Name, r); err != nil {
			return err
		}
	}
	for _, r := range pc.SNIRoutes {
		if err := o.addSNIRouteLocked(pc.Name, r); err != nil {
			return err
		}
	}
	return nil
}

// attachInterfaceLocked acquires the clsact+XDP attachment for ifname the
// first time any proxy names it; later proxies sharing the interface are
// a no-op here. Nothing is reference-counted: an interface stays attached
// until DetachInterface or Shutdown, matching spec.md §6's
// "attach/detach interface" being a distinct runtime operation from proxy
// config.
func (o *Orchestrator) attachInterfaceLocked(ifname string, rb *rollback) error {
	if _, ok := o.attached[ifname]; ok {
		return nil
	}
	detachClsact, err := o.attacher.AttachClsact(ifname, nil)
	if err != nil {
		return fmt.Errorf("attach clsact %s: %w", ifname, err)
	}
	rb.push(detachClsact)

	detachXDP, err := o.attacher.AttachXDP(ifname, nil)
	if err != nil {
		return fmt.Errorf("attach xdp %s: %w", ifname, err)
	}
	rb.push(detachXDP)

	o.attached[ifname] = func() error {
		errXDP := detachXDP()
		errClsact := detachClsact()
		if errXDP != nil {
			return errXDP
		}
		return errClsact
	}
	return nil
}

func defaultGroupKey(proxy string) string { return proxy + "/default" }
func sourceGroupKey(proxy, cidr string) string { return proxy + "/source/" + cidr }
func sniGroupKey(proxy, hostname string) string { return proxy + "/sni/" + hostname }

func (o *Orchestrator) addSourceRouteLocked(proxy string, r SourceRoute) error {
	prefix, err := iptypes.ParsePrefix(r.CIDR)
	if err != nil {
		return fmt.Errorf("source route %q: %w", r.CIDR, err)
	}
	pers := maps.PersistenceNone
	if r.SessionPersistence {
		pers = maps.PersistenceSourceIP
	}
	install := func(g maps.TargetGroup) error { return o.routes.Insert(prefix, g) }
	return o.installGroupLocked(sourceGroupKey(proxy, r.CIDR), groupSource, pers, false, proxy, r.Targets, install)
}

func (o *Orchestrator) addSNIRouteLocked(proxy string, r SNIRoute) error {
	hash := checksum.FNV1a64Lower(r.Hostname)
	install := func(g maps.TargetGroup) error { o.sni.Set(hash, g); return nil }
	return o.installGroupLocked(sniGroupKey(proxy, r.Hostname), groupSNI, maps.PersistenceNone, false, proxy, r.Targets, install)
}

// installGroupLocked resolves every member target (creating its runtime
// state on first reference), records the group, and performs the first
// weight computation + install.
func (o *Orchestrator) installGroupLocked(gk string, kind groupKind, persistence maps.Persistence, sni bool, proxy string, wts []WeightedTarget, install func(maps.TargetGroup) error) error {
	members := make([]string, 0, len(wts))
	for _, wt := range wts {
		tr, err := o.ensureTargetLocked(proxy, wt)
		if err != nil {
			return fmt.Errorf("target %q: %w", wt.Name, err)
		}
		tr.groups = append(tr.groups, gk)
		members = append(members, tr.key())
	}
	g := &groupRuntime{key: gk, kind: kind, persistence: persistence, sni: sni, members: members, install: install}
	o.groups[gk] = g
	return o.recomputeGroupLocked(g)
}

// ensureTargetLocked returns the targetRuntime for proxy/wt.Name,
// constructing it (health check registration, circuit breaker, drain
// coordinator, and — per spec.md §4.11 — synchronous initial DNS
// resolution for hostname targets) on first reference.
func (o *Orchestrator) ensureTargetLocked(proxy string, wt WeightedTarget) (*targetRuntime, error) {
	key := proxy + "/" + wt.Name
	if tr, ok := o.targets[key]; ok {
		tr.originalWeight = wt.Weight
		return tr, nil
	}

	host, portStr, err := net.SplitHostPort(wt.Addr)
	if err != nil {
		return nil, fmt.Errorf("address %q: %w", wt.Addr, err)
	}
	portNum, err := strconv.Atoi(portStr)
	if err != nil || portNum < 0 || portNum > 65535 {
		return nil, fmt.Errorf("address %q: invalid port", wt.Addr)
	}

	tr := &targetRuntime{
		proxy:          proxy,
		name:           wt.Name,
		port:           uint16(portNum),
		originalWeight: wt.Weight,
		proxyProto:     wt.ProxyProtocol.Enabled,
		breaker:        circuit.New(key, o.cbConfig, o.bus),
		drainCoord:     drain.New(proxy, wt.Name, o.bus),
	}

	if addr, perr := iptypes.Parse(host); perr == nil {
		tr.addr = addr
		tr.ips = []iptypes.Addr{addr}
	} else {
		tr.hostname = host
		ips, ok := o.preresolved[host]
		if !ok {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			ips, err = o.dns.ResolveNow(ctx, host)
			cancel()
			if err != nil {
				// spec.md §4.11: "initial resolution ... is synchronous
				// and fatal to startup: if it fails, the target is not
				// added."
				return nil, fmt.Errorf("resolve %s: %w", host, err)
			}
		}
		parsed, perr2 := parseAddrs(ips)
		if perr2 != nil {
			return nil, perr2
		}
		tr.addr = parsed[0]
		tr.ips = parsed
		o.dns.Watch(host, ips, 30*time.Second, o.onDNSChange(key))
	}

	if wt.HealthCheck != nil {
		hc := healthcheck.DefaultTargetConfig(healthcheck.TargetConfig{
			Name:               key,
			Addr:               tr.addr.String() + ":" + strconv.Itoa(int(tr.port)),
			Kind:               wt.HealthCheck.Kind,
			Interval:           wt.HealthCheck.Interval,
			Timeout:            wt.HealthCheck.Timeout,
			Path:               wt.HealthCheck.Path,
			HealthyThreshold:   wt.HealthCheck.HealthyThreshold,
			UnhealthyThreshold: wt.HealthCheck.UnhealthyThreshold,
		})
		o.health.AddTarget(hc)
	}

	o.targets[key] = tr
	return tr, nil
}

// onDNSChange implements spec.md §4.11's equal-weight-redistribution-on-
// change path for a hostname target: the resolver hands back the new
// address set, this updates the target's live address(es), and a
// recompute re-expands the target's weight across them (expandEntries,
// called from recomputeGroupLocked) for every group the target belongs
// to.
func (o *Orchestrator) onDNSChange(key string) dnsresolve.ChangeFunc {
	return func(hostname string, ips []string) {
		parsed, err := parseAddrs(ips)
		if err != nil || len(parsed) == 0 {
			return
		}
		o.mu.Lock()
		defer o.mu.Unlock()
		tr, ok := o.targets[key]
		if !ok {
			return
		}
		tr.addr = parsed[0]
		tr.ips = parsed
		o.recomputeGroupsForTargetLocked(tr)
	}
}

// parseAddrs parses every resolved A/AAAA record, per spec.md §4.11; it
// fails the whole set if any entry isn't a valid address rather than
// silently dropping one (the resolver is the only source of these
// strings and is expected to hand back well-formed literals).
func parseAddrs(ips []string) ([]iptypes.Addr, error) {
	out := make([]iptypes.Addr, 0, len(ips))
	for _, ip := range ips {
		addr, err := iptypes.Parse(ip)
		if err != nil {
			return nil, fmt.Errorf("address %q: %w", ip, err)
		}
		out = append(out, addr)
	}
	return out, nil
}

// recomputeGroupLocked folds every member's health/drain/circuit/recovery
// signal through pkg/weight (spec.md §4.8), expands each member across
// its resolved IPs (spec.md §4.11), and re-installs the resulting
// TargetGroup.
func (o *Orchestrator) recomputeGroupLocked(g *groupRuntime) error {
	statuses := make([]weight.Status, len(g.members))
	members := make([]*targetRuntime, len(g.members))

	for i, mk := range g.members {
		tr, ok := o.targets[mk]
		if !ok {
			continue
		}
		members[i] = tr
		status, recoveryPct := o.health.Status(tr.key())
		tr.mu.Lock()
		draining := tr.draining
		tr.mu.Unlock()

		statuses[i] = weight.Status{
			Name:             tr.key(),
			OriginalWeight:   tr.originalWeight,
			Unhealthy:        status == healthcheck.StatusUnhealthy,
			Draining:         draining,
			CircuitOpen:      tr.breaker.State() == circuit.Open,
			CircuitHalfOpen:  tr.breaker.State() == circuit.HalfOpen,
			RecoveryFraction: recoveryPct,
			Connections:      o.connectionCountLocked(tr),
		}
	}

	var effective []weight.Effective
	if o.settings.LBAlgorithm == maps.AlgoLeastConnections {
		effective = weight.ComputeLeastConnections(statuses)
	} else {
		effective = weight.Compute(statuses)
	}

	var entries []targetEntry
	for i, tr := range members {
		if tr == nil {
			continue
		}
		tr.mu.Lock()
		tr.effectiveWeight = effective[i].Weight
		tr.mu.Unlock()
		entries = append(entries, expandEntries(tr, effective[i].Weight)...)
	}

	tg, err := maps.BuildTargetGroup(entries, g.persistence, g.sni)
	if err != nil {
		return fmt.Errorf("group %s: %w", g.key, err)
	}
	return g.install(tg)
}

// expandEntries splits weight across tr's resolved IPs, spec.md §4.11:
// "the hostname's weight is redistributed equally across resolved IPs
// (with remainder going to the first IPs)". A literal address or a
// single-A hostname is the degenerate N=1 case and passes weight through
// unchanged; draining/unhealthy/circuit-open targets reach here with
// weight already zeroed by pkg/weight, so every expanded entry is zero
// too.
func expandEntries(tr *targetRuntime, weight uint16) []targetEntry {
	if len(tr.ips) <= 1 {
		addr := tr.addr
		if len(tr.ips) == 1 {
			addr = tr.ips[0]
		}
		return []targetEntry{{Addr: addr, Port: tr.port, Weight: weight}}
	}

	ipStrs := make([]string, len(tr.ips))
	byStr := make(map[string]iptypes.Addr, len(tr.ips))
	for i, a := range tr.ips {
		s := a.String()
		ipStrs[i] = s
		byStr[s] = a
	}
	pct := dnsresolve.RedistributeEqual(ipStrs)

	sorted := append([]string(nil), ipStrs...)
	sort.Strings(sorted)

	out := make([]targetEntry, len(sorted))
	var assigned uint16
	for i, s := range sorted {
		w := uint16(uint32(weight) * uint32(pct[s]) / 100)
		assigned += w
		out[i] = targetEntry{Addr: byStr[s], Port: tr.port, Weight: w}
	}
	for i := 0; i < int(weight-assigned) && i < len(out); i++ {
		out[i].Weight++ // remainder to the first (sorted) IPs
	}
	return out
}

// connectionCountLocked scans the conntrack table for entries whose NAT
// destination matches any of tr's resolved IPs. Every group recompute,
// the drain coordinator and GetAllStatuses call it; the weight computer
// only uses the count under AlgoLeastConnections. It counts across every
// IP a multi-A hostname expanded into (spec.md §4.11).
func (o *Orchestrator) connectionCountLocked(tr *targetRuntime) int {
	ips := tr.ips
	if len(ips) == 0 {
		ips = []iptypes.Addr{tr.addr}
	}
	addrs := make(map[[16]byte]struct{}, len(ips))
	for _, a := range ips {
		addrs[a.To16()] = struct{}{}
	}
	n := 0
	o.ct.ForEach(func(_ maps.ConntrackKey, v maps.ConntrackValue) bool {
		if _, ok := addrs[v.NatDstIP]; ok && v.NatDstPort == tr.port {
			n++
		}
		return true
	})
	return n
}

func (o *Orchestrator) recomputeGroupsForTargetLocked(tr *targetRuntime) {
	for _, gk := range tr.groups {
		if g, ok := o.groups[gk]; ok {
			_ = o.recomputeGroupLocked(g)
		}
	}
}

// targetConnectionCount is the drain.CountFunc for tr: the live conntrack
// entry count the drain coordinator polls until it reaches zero.
func (o *Orchestrator) targetConnectionCount(tr *targetRuntime) drain.CountFunc {
	return func() int {
		o.mu.RLock()
		defer o.mu.RUnlock()
		return o.connectionCountLocked(tr)
	}
}
