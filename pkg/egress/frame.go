// Package egress implements the software reference form of the egress
// packet program, spec.md §4.4: reverses the ingress DNAT on the reply
// path (SNAT) and unwinds the PROXY-protocol injector's sequence-number
// offset for the client's benefit.
//
// Grounded on the same google/gopacket DecodingLayerParser idiom as
// pkg/ingress; each packet program here is its own self-contained unit
// (mirroring the fact that, compiled, these are independent BPF programs
// with no shared state beyond the maps), so the frame-decode helpers are
// duplicated rather than imported from pkg/ingress.
package egress

import (
	"encoding/binary"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/cilium/xlb/pkg/iptypes"
	"github.com/cilium/xlb/pkg/maps"
)

const maxIPv6ExtHeaders = 8

// Frame is a decoded IPv4/IPv6 + TCP/UDP frame with direct access to the
// header byte ranges backing each field, for in-place rewrites.
type Frame struct {
	Raw []byte

	Family   iptypes.Family
	Protocol maps.Protocol

	eth layers.Ethernet
	ip4 layers.IPv4
	ip6 layers.IPv6
	tcp layers.TCP
	udp layers.UDP

	l4Contents []byte
	l4Payload  []byte
}

// ParseFrame implements spec.md §4.4 step 1's "parse as in §4.3".
func ParseFrame(raw []byte) (*Frame, bool) {
	if len(raw) < 14 {
		return nil, false
	}
	f := &Frame{Raw: raw}

	parser := gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet,
		&f.eth, &f.ip4, &f.ip6, &f.tcp, &f.udp,
		&layers.IPv6HopByHop{}, &layers.IPv6Routing{}, &layers.IPv6Fragment{}, &layers.IPv6Destination{},
	)
	parser.IgnoreUnsupported = true

	var decoded []gopacket.LayerType
	if err := parser.DecodeLayers(raw, &decoded); err != nil {
		return nil, false
	}
	if len(decoded) > maxIPv6ExtHeaders+3 {
		return nil, false
	}

	var sawL3, sawL4 bool
	for _, lt := range decoded {
		switch lt {
		case layers.LayerTypeIPv4:
			if f.ip4.IHL != 5 {
				return nil, false
			}
			f.Family = iptypes.V4
			sawL3 = true
		case layers.LayerTypeIPv6:
			f.Family = iptypes.V6
			sawL3 = true
		case layers.LayerTypeTCP:
			f.Protocol = maps.ProtoTCP
			f.l4Contents = f.tcp.Contents
			f.l4Payload = f.tcp.Payload
			sawL4 = true
		case layers.LayerTypeUDP:
			f.Protocol = maps.ProtoUDP
			f.l4Contents = f.udp.Contents
			f.l4Payload = f.udp.Payload
			sawL4 = true
		}
	}
	if !sawL3 || !sawL4 {
		return nil, false
	}
	return f, true
}

func (f *Frame) SrcAddr() iptypes.Addr {
	if f.Family == iptypes.V4 {
		a, _ := iptypes.FromNetip(netipFrom4(f.ip4.SrcIP))
		return a
	}
	a, _ := iptypes.FromNetip(netipFrom16(f.ip6.SrcIP))
	return a
}

func (f *Frame) DstAddr() iptypes.Addr {
	if f.Family == iptypes.V4 {
		a, _ := iptypes.FromNetip(netipFrom4(f.ip4.DstIP))
		return a
	}
	a, _ := iptypes.FromNetip(netipFrom16(f.ip6.DstIP))
	return a
}

func netipFrom4(ip []byte) netip.Addr {
	return netip.AddrFrom4([4]byte{ip[0], ip[1], ip[2], ip[3]})
}

func netipFrom16(ip []byte) netip.Addr {
	var b [16]byte
	copy(b[:], ip)
	return netip.AddrFrom16(b)
}

func (f *Frame) SrcPort() uint16 { return binary.BigEndian.Uint16(f.l4Contents[0:2]) }
func (f *Frame) DstPort() uint16 { return binary.BigEndian.Uint16(f.l4Contents[2:4]) }

func (f *Frame) Payload() []byte { return f.l4Payload }

func (f *Frame) TCP() *layers.TCP { return &f.tcp }

func (f *Frame) l3ChecksumOffset() int { return 14 + 10 }

func (f *Frame) l4ChecksumOffset() int {
	if f.Protocol == maps.ProtoTCP {
		return 16
	}
	return 6
}

// tcpAckOffset is the TCP acknowledgment number's fixed offset within the
// TCP header, used by spec.md §4.4 step 5's seq_offset unwind.
const tcpAckOffset = 8
