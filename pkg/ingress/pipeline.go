package ingress

import (
	"encoding/binary"
	"math/rand"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cilium/xlb/pkg/checksum"
	"github.com/cilium/xlb/pkg/conntrack"
	"github.com/cilium/xlb/pkg/events"
	"github.com/cilium/xlb/pkg/iptypes"
	"github.com/cilium/xlb/pkg/lpm"
	"github.com/cilium/xlb/pkg/maps"
	"github.com/cilium/xlb/pkg/proxyproto"
	"github.com/cilium/xlb/pkg/ratelimit"
)

var log = logrus.WithField("subsys", "ingress")

// Verdict is the packet program's return value, spec.md §4.3: "Returns one
// of {PASS, DROP, TX, REDIRECT}."
type Verdict int

const (
	Pass Verdict = iota
	Drop
	TX
	Redirect
)

func (v Verdict) String() string {
	switch v {
	case Pass:
		return "PASS"
	case Drop:
		return "DROP"
	case TX:
		return "TX"
	case Redirect:
		return "REDIRECT"
	default:
		return "unknown"
	}
}

// Dependencies are the shared tables and collaborators the ingress
// pipeline reads and writes, all owned by the orchestrator (C13).
type Dependencies struct {
	Listen     ListenTable
	Routes     *lpm.Table // source-CIDR LPM, spec.md §4.3 step 6(a)
	SNI        SNITable
	Conntrack  conntrack.Table
	Bus        *events.Bus
	Algorithm  maps.Algorithm

	// ProxyProto runs the PROXY-protocol v2 state machine/injector
	// (spec.md §4.5) on proxy-enabled TCP connections after DNAT. Nil
	// disables the feature entirely (no listener can have it enabled).
	ProxyProto *proxyproto.Pipeline

	StatsEnabled   func() bool
	ProxyEnabled   func(maps.ListenKey) bool
	SourceLimiter  *ratelimit.TokenStore // keyed by source address string, optional
	BackendLimiter *ratelimit.TokenStore // keyed by "target-ip:port", optional

	Now  func() time.Time
	Rand *rand.Rand
}

// Pipeline is the software reference form of the ingress packet program,
// spec.md §4.3.
type Pipeline struct {
	deps Dependencies
}

// NewPipeline constructs a Pipeline, filling in Now/Rand defaults.
func NewPipeline(deps Dependencies) *Pipeline {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Rand == nil {
		deps.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Pipeline{deps: deps}
}

// Process runs one frame through the pipeline and returns the verdict and
// the final frame bytes. On PASS/DROP this is raw, untouched. On TX it is
// raw mutated in place by DNAT (spec.md §4.3 step 8), and, when the
// connection has PROXY-protocol injection enabled (spec.md §4.5), a grown
// buffer carrying the spliced header.
func (p *Pipeline) Process(ifindex uint32, raw []byte) (Verdict, []byte) {
	// Steps 1-2: bounds-checked Ethernet + L3/L4 parse.
	f, ok := ParseFrame(raw)
	if !ok {
		return Pass, raw
	}

	// Step 3: listen-table lookup.
	lk := maps.ListenKey{Ifindex: ifindex, Port: f.DstPort(), AF: f.Family}
	listenGroup, hit := p.deps.Listen.Lookup(lk)
	if !hit {
		return Pass, raw
	}

	now := p.deps.Now()
	nowNs := uint64(now.UnixNano())
	srcAddr := f.SrcAddr()
	dstAddr := f.DstAddr()
	srcPort := f.SrcPort()
	dstPort := f.DstPort()

	fwdKey := maps.NewConntrackKey(srcAddr, dstAddr, srcPort, dstPort, f.Protocol)

	// Step 4: conntrack lookup; on hit, reuse the cached NAT target and
	// skip rate-limiting/selection/insertion.
	if v, found := p.deps.Conntrack.Lookup(fwdKey); found {
		natAddr := iptypes.From16(v.NatDstIP, f.Family)
		p.rewrite(f, natAddr, v.NatDstPort)

		out := f.Raw
		p.deps.Conntrack.Update(fwdKey, func(cv *maps.ConntrackValue) {
			cv.LastSeenNs = nowNs
			cv.PacketsFwd++
			cv.BytesFwd += uint64(len(raw))
			out = p.runProxyProto(f, cv)
		})
		return TX, out
	}

	// Step 5: source rate-limit check.
	if p.deps.SourceLimiter != nil {
		if !p.deps.SourceLimiter.Allow(srcAddr.String(), nowNs) {
			return Drop, raw
		}
	}

	// Step 6: target selection.
	target, ok := p.selectTarget(f, listenGroup, srcAddr)
	if !ok {
		return Drop, raw
	}

	// Backend-side rate-limit check: "If the chosen target's backend-side
	// rate-limit bucket is empty, DROP."
	if p.deps.BackendLimiter != nil {
		key := backendLimiterKey(iptypes.From16(target.IP, f.Family), networkToHostPort(target.Port))
		if !p.deps.BackendLimiter.Allow(key, nowNs) {
			return Drop, raw
		}
	}

	// Step 7: install conntrack entry.
	proxyEnabled := p.deps.ProxyEnabled != nil && p.deps.ProxyEnabled(lk)
	var proxyFlags uint8
	if proxyEnabled {
		proxyFlags = maps.ProxyFlagEnabled
	}
	newVal := maps.ConntrackValue{
		OrigDstIP:      dstAddr.To16(),
		OrigDstPort:    dstPort,
		NatDstIP:       target.IP,
		NatDstPort:     networkToHostPort(target.Port),
		LastSeenNs:     nowNs,
		CreatedNs:      nowNs,
		ConnState:      maps.StateNew,
		ProxyFlags:     proxyFlags,
		OrigClientIP:   srcAddr.To16(),
		OrigClientPort: srcPort,
	}
	stored, inserted := p.deps.Conntrack.InsertIfAbsent(fwdKey, newVal)

	// Step 8: DNAT rewrite + checksum repair, using whichever value won
	// the race (spec.md §4.3 step 7: "prefer the existing entry").
	natAddr := iptypes.From16(stored.NatDstIP, f.Family)
	p.rewrite(f, natAddr, stored.NatDstPort)

	// Step 9: emit new-conn stats iff this call created the entry.
	if inserted && p.deps.StatsEnabled != nil && p.deps.StatsEnabled() && p.deps.Bus != nil {
		p.deps.Bus.Publish(events.Event{
			Kind: events.KindNewConn,
			Payload: maps.StatsEvent{
				Type:        maps.EventNewConn,
				TimestampNs: nowNs,
				Key:         fwdKey,
				BackendIP:   stored.NatDstIP,
				BackendPort: stored.NatDstPort,
			},
		})
	}

	out := f.Raw
	p.deps.Conntrack.Update(fwdKey, func(cv *maps.ConntrackValue) {
		out = p.runProxyProto(f, cv)
	})
	return TX, out
}

// runProxyProto advances the PROXY-protocol state machine and, where
// spec.md §4.5 calls for it, splices in the v2 header. Returns f.Raw
// unchanged when proxying isn't configured or the frame isn't TCP.
func (p *Pipeline) runProxyProto(f *Frame, cv *maps.ConntrackValue) []byte {
	if p.deps.ProxyProto == nil || f.Protocol != maps.ProtoTCP {
		return f.Raw
	}
	out, _ := p.deps.ProxyProto.Process(f.Raw, cv)
	return out
}

// selectTarget implements spec.md §4.3 step 6's evaluation order: (a) LPM
// by source address, (b) SNI when requested and parseable, (c) the
// listen entry's default group.
func (p *Pipeline) selectTarget(f *Frame, listenGroup maps.TargetGroup, srcAddr iptypes.Addr) (maps.Target, bool) {
	group := listenGroup
	matched := false

	if p.deps.Routes != nil {
		if g, ok := p.deps.Routes.Lookup(srcAddr); ok {
			group = g
			matched = true
		}
	}

	if !matched && listenGroup.Flags&maps.GroupFlagSNI != 0 && f.Protocol == maps.ProtoTCP && p.deps.SNI != nil {
		if host, ok := extractSNI(f.Payload()); ok {
			hash := checksum.FNV1a64Lower(host)
			if g, ok := p.deps.SNI.Lookup(hash); ok {
				group = g
			}
		}
	}

	return p.selectFromGroup(group, srcAddr)
}

func (p *Pipeline) selectFromGroup(g maps.TargetGroup, srcAddr iptypes.Addr) (maps.Target, bool) {
	if g.TargetCount == 0 {
		return maps.Target{}, false
	}
	if g.AllUnhealthy() {
		// spec.md §4.3 step 6: graceful degradation is normally already
		// baked into the group by the weight computer (pkg/weight)
		// before it reaches the datapath; this is a defensive fallback
		// for the rare case a fully-zeroed group still reaches here.
		idx := p.deps.Rand.Intn(int(g.TargetCount))
		return g.Targets[idx], true
	}

	selector := p.selector(g, srcAddr)
	return g.Select(selector)
}

// selector computes the 0..99 value spec.md §4.3 step 6 selects against,
// per the configured load-balancing algorithm. Least-connections reuses
// the weighted-random path: its cumulative weights are already rewritten
// out of band by the weight computer.
func (p *Pipeline) selector(g maps.TargetGroup, srcAddr iptypes.Addr) uint8 {
	if g.Persistence == maps.PersistenceSourceIP || p.deps.Algorithm == maps.AlgoSessionSticky {
		return sessionStickySelector(srcAddr)
	}
	return uint8(p.deps.Rand.Intn(100))
}

// sessionStickySelector implements spec.md §4.3 step 6: "selector =
// (src_ip_low32 * 2654435761) mod 100".
func sessionStickySelector(addr iptypes.Addr) uint8 {
	b := addr.To16()
	low32 := binary.BigEndian.Uint32(b[12:16])
	return uint8((uint64(low32) * 2654435761) % 100)
}

// rewrite implements spec.md §4.3 step 8: DNAT the destination address
// and port in place, then incrementally repair the L3 (IPv4 only) and L4
// checksums.
func (p *Pipeline) rewrite(f *Frame, newAddr iptypes.Addr, newPortHost uint16) {
	oldPortHost := f.DstPort()
	binary.BigEndian.PutUint16(f.l4Contents[2:4], newPortHost)

	if f.Family == iptypes.V4 {
		oldIP4 := [4]byte{f.Raw[14+16], f.Raw[14+17], f.Raw[14+18], f.Raw[14+19]}
		newIP4 := newAddr.To16()
		var newV4 [4]byte
		copy(newV4[:], newIP4[12:16])
		copy(f.Raw[14+16:14+20], newV4[:])

		l3csum := binary.BigEndian.Uint16(f.Raw[f.l3ChecksumOffset() : f.l3ChecksumOffset()+2])
		l3csum = checksum.ReplaceU32(l3csum, be32(oldIP4), be32(newV4))
		binary.BigEndian.PutUint16(f.Raw[f.l3ChecksumOffset():f.l3ChecksumOffset()+2], l3csum)

		l4off := f.l4ChecksumOffset()
		if f.Protocol == maps.ProtoUDP {
			existing := binary.BigEndian.Uint16(f.l4Contents[l4off : l4off+2])
			if existing == 0 {
				// spec.md §4.3 step 8: UDP-over-IPv4 with a zero
				// transmitted checksum is left unrecomputed.
				return
			}
		}
		l4csum := binary.BigEndian.Uint16(f.l4Contents[l4off : l4off+2])
		l4csum = checksum.ReplaceU32(l4csum, be32(oldIP4), be32(newV4))
		l4csum = checksum.ReplaceU16(l4csum, oldPortHost, newPortHost)
		binary.BigEndian.PutUint16(f.l4Contents[l4off:l4off+2], l4csum)
		return
	}

	// IPv6: omit the L3 update (no header checksum field to repair),
	// per spec.md §4.3 step 8.
	var oldIP6 [16]byte
	copy(oldIP6[:], f.Raw[14+24:14+40])
	newIP6 := newAddr.To16()
	copy(f.Raw[14+24:14+40], newIP6[:])

	l4off := f.l4ChecksumOffset()
	l4csum := binary.BigEndian.Uint16(f.l4Contents[l4off : l4off+2])
	l4csum = checksum.Replace128(l4csum, oldIP6, newIP6)
	l4csum = checksum.ReplaceU16(l4csum, oldPortHost, newPortHost)
	binary.BigEndian.PutUint16(f.l4Contents[l4off:l4off+2], l4csum)
}

func be32(b [4]byte) uint32 { return binary.BigEndian.Uint32(b[:]) }

// networkToHostPort and backendLimiterKey are small helpers kept local to
// this package since maps.Target.Port's wire byte order is an
// implementation detail of pkg/maps, not something other packages should
// reach into directly. The byte swap is its own inverse, so this is the
// same operation maps.Htons performs on the way in.
func networkToHostPort(p uint16) uint16 { return p<<8 | p>>8 }

func backendLimiterKey(addr iptypes.Addr, port uint16) string {
	return addr.String() + ":" + strconv.Itoa(int(port))
}
