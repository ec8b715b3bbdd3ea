// Package ingress implements the software reference form of the ingress
// packet program, spec.md §4.3: an XDP-attached classifier/DNAT that
// cannot be expressed as compiled BPF C here, so its exact per-packet
// contract is reproduced as an ordinary Go pipeline over raw Ethernet
// frames.
//
// Grounded on google/gopacket's DecodingLayerParser idiom: reusable layer
// structs decode a frame without per-packet allocation, and their
// BaseLayer.Contents slices alias the input buffer directly, which lets
// the rewrite step (§4.3 step 8) mutate address/port fields in place and
// repair checksums incrementally exactly as the kernel helpers would,
// rather than re-serializing the whole frame.
package ingress

import (
	"encoding/binary"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/cilium/xlb/pkg/iptypes"
	"github.com/cilium/xlb/pkg/maps"
)

// maxIPv6ExtHeaders bounds the extension-header walk of spec.md §4.3 step
// 2 ("up to a fixed bound"); exceeding it is treated as PASS.
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

	l4Contents []byte // TCP or UDP header bytes, aliasing Raw
	l4Payload  []byte // bytes after the L4 header, aliasing Raw
}

// ParseFrame implements spec.md §4.3 steps 1-2: bounds-checked Ethernet
// and L3 parse, rejecting everything but plain (no-options IPv4 /
// bounded-extension-header IPv6) TCP or UDP. ok is false whenever the
// pipeline's sanctioned response is PASS.
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
		return nil, false // extension-header bound exceeded
	}

	var sawL3, sawL4 bool
	for _, lt := range decoded {
		switch lt {
		case layers.LayerTypeIPv4:
			if f.ip4.IHL != 5 {
				return nil, false // options present, spec.md §4.3 step 2 rejects these
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

// SrcAddr and DstAddr return the packet's (pre-rewrite) typed addresses.
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

// SrcPort and DstPort read directly from the L4 header's fixed first four
// bytes, identical layout for TCP and UDP.
func (f *Frame) SrcPort() uint16 { return binary.BigEndian.Uint16(f.l4Contents[0:2]) }
func (f *Frame) DstPort() uint16 { return binary.BigEndian.Uint16(f.l4Contents[2:4]) }

// Payload returns the bytes following the L4 header.
func (f *Frame) Payload() []byte { return f.l4Payload }

// TCP exposes the decoded TCP layer (SYN/ACK flags, sequence numbers) when
// Protocol is ProtoTCP; callers must check Protocol first.
func (f *Frame) TCP() *layers.TCP { return &f.tcp }

// l4Checksum / l3Checksum give direct access to the checksum field bytes
// for incremental repair (pkg/checksum.ReplaceU16/32/128).
func (f *Frame) l3ChecksumOffset() int { return 14 + 10 } // IPv4 header checksum, byte 10-11
func (f *Frame) l4ChecksumOffset() int {
	if f.Protocol == maps.ProtoTCP {
		return 16 // TCP checksum is at fixed offset 16 within its header
	}
	return 6 // UDP checksum is at fixed offset 6 within its header
}
