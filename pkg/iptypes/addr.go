// Package iptypes provides a typed IPv4/IPv6 address and CIDR prefix used
// throughout xlb in place of string-based address manipulation.
//
// Grounded on the spec.md §9 design note ("re-model via a typed IpAddr with
// explicit V4/V6 variants") and on the teacher's own preference for
// net/netip over net.IP in newer code (pkg/endpoint/bpf.go imports
// "net/netip"). No corpus library offers a typed v4/v6 discriminated union
// beyond the standard library's own netip.Addr, so netip is the grounded
// backing type rather than a hand-rolled union.
package iptypes

import (
	"fmt"
	"net/netip"
)

// Family distinguishes the two address families the datapath supports.
// There is no mixed/mapped family: spec.md §9 resolves IPv4-mapped-IPv6
// literals by rejecting them outright (see DESIGN.md open question 3).
type Family uint8

const (
	V4 Family = iota
	V6
)

func (f Family) String() string {
	if f == V4 {
		return "ipv4"
	}
	return "ipv6"
}

// Addr is a typed, family-tagged IP address. The zero value is invalid.
type Addr struct {
	a netip.Addr
}

// ErrMappedAddress is returned when a caller supplies an IPv4-mapped IPv6
// literal (e.g. "::ffff:10.0.0.1"); spec.md §9 requires these be rejected
// rather than silently unified with native IPv4.
var ErrMappedAddress = fmt.Errorf("iptypes: IPv4-mapped IPv6 addresses are not supported, use separate IPv4/IPv6 targets")

// Parse parses a textual IPv4 or IPv6 address, rejecting 4-in-6 mapped
// literals per DESIGN.md open question 3.
func Parse(s string) (Addr, error) {
	a, err := netip.ParseAddr(s)
	if err != nil {
		return Addr{}, fmt.Errorf("iptypes: %w", err)
	}
	return FromNetip(a)
}

// FromNetip wraps an already-parsed netip.Addr, rejecting mapped literals.
func FromNetip(a netip.Addr) (Addr, error) {
	if a.Is4In6() {
		return Addr{}, ErrMappedAddress
	}
	return Addr{a: a.Unmap()}, nil
}

// From16 builds an Addr from the 16-byte address field described in
// spec.md §3: IPv6 stored literally, IPv4 zero-extended in the high 12
// bytes with the dotted quad in the low 4 bytes.
func From16(b [16]byte, fam Family) Addr {
	if fam == V4 {
		var v4 [4]byte
		copy(v4[:], b[12:16])
		return Addr{a: netip.AddrFrom4(v4)}
	}
	return Addr{a: netip.AddrFrom16(b)}
}

// Family reports which wire family this address belongs to.
func (a Addr) Family() Family {
	if a.a.Is4() {
		return V4
	}
	return V6
}

// Is4 reports whether this is a (non-mapped) IPv4 address.
func (a Addr) Is4() bool { return a.a.Is4() }

// IsValid reports whether the address was ever successfully constructed.
func (a Addr) IsValid() bool { return a.a.IsValid() }

// To16 returns the 16-byte network-order wire form spec.md §3 specifies.
func (a Addr) To16() [16]byte {
	if a.a.Is4() {
		var out [16]byte
		v4 := a.a.As4()
		copy(out[12:], v4[:])
		return out
	}
	return a.a.As16()
}

// Netip exposes the underlying netip.Addr for interop with gopacket/bart.
func (a Addr) Netip() netip.Addr { return a.a }

func (a Addr) String() string { return a.a.String() }

// Less provides a total order, used for deterministic tie-breaking (e.g.
// weight-normalization residual distribution by index, not address).
func (a Addr) Less(b Addr) bool { return a.a.Less(b.a) }

func (a Addr) Equal(b Addr) bool { return a.a == b.a }

// Prefix is a typed CIDR: an address plus a prefix length, replacing
// string-based CIDR parsing (spec.md §9).
type Prefix struct {
	Addr Addr
	Len  int // 0..32 for V4, 0..128 for V6
}

// ParsePrefix parses "addr/len" textual CIDR notation.
func ParsePrefix(s string) (Prefix, error) {
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return Prefix{}, fmt.Errorf("iptypes: %w", err)
	}
	a, err := FromNetip(p.Addr())
	if err != nil {
		return Prefix{}, err
	}
	return Prefix{Addr: a, Len: p.Bits()}, nil
}

// Netip returns the equivalent netip.Prefix, masked, for use with bart.Table.
func (p Prefix) Netip() netip.Prefix {
	return netip.PrefixFrom(p.Addr.a, p.Len).Masked()
}

func (p Prefix) String() string {
	return fmt.Sprintf("%s/%d", p.Addr, p.Len)
}

// Contains reports whether addr falls within this prefix.
func (p Prefix) Contains(addr Addr) bool {
	return p.Netip().Contains(addr.a)
}
