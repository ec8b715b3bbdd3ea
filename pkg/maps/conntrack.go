// Package maps defines the byte-exact kernel map key and value layouts
// from spec.md §3, and the ebpf.MapSpec values used to create them via
// github.com/cilium/ebpf. Ports in ConntrackKey and Target are network byte
// order; ConntrackValue.NatDstPort, counters and timestamps are host order,
// and RateLimitBucket and the stats event encoding store their counters and
// timestamps little-endian. The struct tags mirror the teacher's
// pkg/alignchecker convention of using an `align:"field"` tag to
// cross-check Go field layout against a C struct (see layout_test.go).
package maps

import (
	"fmt"
	"time"

	"github.com/cilium/ebpf"

	"github.com/cilium/xlb/pkg/iptypes"
)

// Protocol numbers the conntrack key/value and listen key store as a single
// byte, per spec.md §3.
type Protocol uint8

const (
	ProtoTCP Protocol = 6
	ProtoUDP Protocol = 17
)

func (p Protocol) String() string {
	switch p {
	case ProtoTCP:
		return "tcp"
	case ProtoUDP:
		return "udp"
	default:
		return fmt.Sprintf("proto(%d)", uint8(p))
	}
}

// ConnState is the TCP state tracked by the PROXY-protocol injector's state
// machine (spec.md §4.5) and used to gate injection.
type ConnState uint8

const (
	StateNew ConnState = iota
	StateSynSent
	StateSynRecv
	StateEstablished
)

// ConntrackKey is the 40-byte conntrack key from spec.md §3. Field order
// and sizes must not change: this is the wire layout a BPF_MAP_TYPE_HASH
// (or per-CPU hash, see spec.md §5) conntrack map is keyed by.
type ConntrackKey struct {
	SrcIP    [16]byte `align:"src_ip"`
	DstIP    [16]byte `align:"dst_ip"`
	SrcPort  uint16   `align:"src_port"` // network byte order
	DstPort  uint16   `align:"dst_port"` // network byte order
	Protocol Protocol `align:"protocol"`
	_        [3]byte  // pad
}

const ConntrackKeySize = 40

// NewConntrackKey builds the forward-direction key for a flow.
func NewConntrackKey(src, dst iptypes.Addr, srcPort, dstPort uint16, proto Protocol) ConntrackKey {
	return ConntrackKey{
		SrcIP:    src.To16(),
		DstIP:    dst.To16(),
		SrcPort:  Htons(srcPort),
		DstPort:  Htons(dstPort),
		Protocol: proto,
	}
}

// Reverse returns the reverse-tuple key used by the egress pipeline
// (spec.md §4.4 step 1: "swap source and destination, swap ports").
func (k ConntrackKey) Reverse() ConntrackKey {
	return ConntrackKey{
		SrcIP:    k.DstIP,
		DstIP:    k.SrcIP,
		SrcPort:  k.DstPort,
		DstPort:  k.SrcPort,
		Protocol: k.Protocol,
	}
}

// Htons swaps a host-order uint16 into network (big-endian) byte order.
// The swap is its own inverse, so the same function also serves as ntohs;
// exported since other packages (pkg/conntrack's NAT index) need to build
// keys in the same wire convention as ConntrackKey/Target.
func Htons(v uint16) uint16 {
	return v<<8 | v>>8
}

// ProxyFlags bits, spec.md §3.
const (
	ProxyFlagEnabled         uint8 = 1 << 0
	ProxyFlagHeaderInjected  uint8 = 1 << 1
)

// ConntrackValue is the 128-byte conntrack value from spec.md §3.
// Per-CPU counters (packets/bytes fwd/rev) are summed across CPUs at read
// time per spec.md §5; this struct represents one CPU's (or the
// already-summed) view.
type ConntrackValue struct {
	OrigDstIP      [16]byte `align:"orig_dst_ip"`
	OrigDstPort    uint16   `align:"orig_dst_port"`
	_pad1          uint16
	NatDstIP       [16]byte `align:"nat_dst_ip"`
	NatDstPort     uint16   `align:"nat_dst_port"`
	_pad2          uint16
	LastSeenNs     uint64 `align:"last_seen_ns"`
	CreatedNs      uint64 `align:"created_ns"`
	PacketsRev     uint64 `align:"packets_rev"`
	PacketsFwd     uint64 `align:"packets_fwd"`
	BytesRev       uint64 `align:"bytes_rev"`
	BytesFwd       uint64 `align:"bytes_fwd"`
	_reserved      uint64
	ConnState      ConnState `align:"conn_state"`
	ProxyFlags     uint8     `align:"proxy_flags"`
	_pad3          uint16
	SeqOffset      uint32   `align:"seq_offset"`
	OrigClientIP   [16]byte `align:"orig_client_ip"`
	OrigClientPort uint16   `align:"orig_client_port"`
	_pad4          [6]byte
}

const ConntrackValueSize = 128

// ProxyEnabled reports bit0 of proxy_flags.
func (v *ConntrackValue) ProxyEnabled() bool { return v.ProxyFlags&ProxyFlagEnabled != 0 }

// HeaderInjected reports bit1 of proxy_flags.
func (v *ConntrackValue) HeaderInjected() bool { return v.ProxyFlags&ProxyFlagHeaderInjected != 0 }

// ValidProxyState asserts the spec.md §3 invariant: either seq_offset=0 and
// header_injected=0, or seq_offset is 28/52 and header_injected=1.
func (v *ConntrackValue) ValidProxyState() bool {
	if !v.HeaderInjected() {
		return v.SeqOffset == 0
	}
	return v.SeqOffset == 28 || v.SeqOffset == 52
}

// IdleDuration returns now - last_seen, used by the reaper (spec.md §4.6).
func (v *ConntrackValue) IdleDuration(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, int64(v.LastSeenNs)))
}

// ConntrackMapSpec returns the ebpf.MapSpec for the conntrack table.
// Per-CPU hash is used (spec.md §5) to avoid inter-CPU contention; readers
// sum packets/bytes fwd/rev across CPUs.
func ConntrackMapSpec(maxEntries uint32) *ebpf.MapSpec {
	return &ebpf.MapSpec{
		Name:       "xlb_conntrack",
		Type:       ebpf.LRUCPUHash,
		KeySize:    ConntrackKeySize,
		ValueSize:  ConntrackValueSize,
		MaxEntries: maxEntries,
	}
}
