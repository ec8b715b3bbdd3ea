// Package proxyproto implements the PROXY-protocol injector program,
// spec.md §4.5: a per-connection TCP state machine driven on the ingress
// forward path (after DNAT) that, on the first ESTABLISHED-state payload
// packet, splices a PROXY protocol v2 header in front of the payload so
// the backend can recover the original client address.
//
// Grounded on the same google/gopacket DecodingLayerParser idiom as
// pkg/ingress and pkg/egress for the read side; the injection itself
// necessarily grows the frame, which gopacket's zero-copy Contents/Payload
// aliasing cannot express, so that step builds a fresh output buffer by
// hand instead of re-serializing layers.
package proxyproto

import (
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/cilium/xlb/pkg/iptypes"
)

const maxIPv6ExtHeaders = 8

// Frame is a decoded IPv4/IPv6 + TCP frame. Only TCP is in scope: PROXY
// protocol injection is a TCP-only concern, spec.md §4.5.
type Frame struct {
	Raw []byte

	Family iptypes.Family

	eth layers.Ethernet
	ip4 layers.IPv4
	ip6 layers.IPv6
	tcp layers.TCP
}

// ParseFrame decodes raw as Ethernet + IPv4/IPv6 + TCP, rejecting anything
// else (UDP has no PROXY-protocol injection path).
func ParseFrame(raw []byte) (*Frame, bool) {
	if len(raw) < 14 {
		return nil, false
	}
	f := &Frame{Raw: raw}

	parser := gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet,
		&f.eth, &f.ip4, &f.ip6, &f.tcp,
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

	var sawL3, sawTCP bool
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
			sawTCP = true
		}
	}
	if !sawL3 || !sawTCP {
		return nil, false
	}
	return f, true
}

func (f *Frame) TCP() *layers.TCP { return &f.tcp }

// tcpStart is the absolute offset of the TCP header within Raw.
func (f *Frame) tcpStart() int { return len(f.Raw) - len(f.tcp.Contents) - len(f.tcp.Payload) }

// payloadStart is the absolute offset of the TCP payload within Raw.
func (f *Frame) payloadStart() int { return len(f.Raw) - len(f.tcp.Payload) }

func (f *Frame) Payload() []byte { return f.tcp.Payload }

func (f *Frame) l3ChecksumOffset() int { return 14 + 10 }

func (f *Frame) ipv4TotalLenOffset() int { return 14 + 2 }

func (f *Frame) ipv6PayloadLenOffset() int { return 14 + 4 }

// l4ChecksumOffset is the TCP checksum field's absolute offset within Raw:
// fixed offset 16 within the TCP header.
func (f *Frame) l4ChecksumOffset() int { return f.tcpStart() + 16 }

func netipFrom4(ip []byte) netip.Addr {
	return netip.AddrFrom4([4]byte{ip[0], ip[1], ip[2], ip[3]})
}

func netipFrom16(ip []byte) netip.Addr {
	var b [16]byte
	copy(b[:], ip)
	return netip.AddrFrom16(b)
}

func (f *Frame) SrcAddr() iptypes.Addr {
	if f.Family == iptypes.V4 {
		a, _ := iptypes.FromNetip(netipFrom4(f.ip4.SrcIP))
		return a
	}
	a, _ := iptypes.FromNetip(netipFrom16(f.ip6.SrcIP))
	return a
}
