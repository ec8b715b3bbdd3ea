package egress

import (
	"encoding/binary"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cilium/xlb/pkg/checksum"
	"github.com/cilium/xlb/pkg/conntrack"
	"github.com/cilium/xlb/pkg/iptypes"
	"github.com/cilium/xlb/pkg/maps"
)

var log = logrus.WithField("subsys", "egress")

// Verdict is the egress packet program's return value, spec.md §4.4:
// "TC_ACT_OK" on a packet this pipeline does not own, or after a
// successful rewrite.
type Verdict int

const (
	OK Verdict = iota
	Pass
)

func (v Verdict) String() string {
	if v == OK {
		return "OK"
	}
	return "PASS"
}

// Dependencies are the shared collaborators the egress pipeline needs,
// all owned by the orchestrator (C13).
type Dependencies struct {
	Conntrack conntrack.Table
	Now       func() time.Time
}

// Pipeline is the software reference form of the egress packet program,
// spec.md §4.4.
type Pipeline struct {
	deps Dependencies
}

func NewPipeline(deps Dependencies) *Pipeline {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Pipeline{deps: deps}
}

// Process runs one reply-path frame through the pipeline, mutating raw in
// place on SNAT (spec.md §4.4 step 4).
func (p *Pipeline) Process(raw []byte) Verdict {
	f, ok := ParseFrame(raw)
	if !ok {
		return Pass
	}

	// Step 1: reverse-direction 5-tuple, in the NAT-facing form a reply
	// from the selected backend back to the client actually carries.
	revKey := maps.NewConntrackKey(f.SrcAddr(), f.DstAddr(), f.SrcPort(), f.DstPort(), f.Protocol)
	natKey := revKey.Reverse()

	// Step 2: conntrack lookup. This resolves back to the primary entry,
	// which is keyed by the pre-NAT listen tuple (see
	// conntrack.Table.LookupReverse), since that is the only tuple the
	// client's own forward packets ever carry.
	fwdKey, _, found := p.deps.Conntrack.LookupReverse(natKey)
	if !found {
		return OK
	}

	now := p.deps.Now()
	nowNs := uint64(now.UnixNano())
	frameLen := uint64(len(raw))

	// Step 3 + the paired PROXY-state-machine advance (spec.md §4.5:
	// "SYN_SENT -> (egress SYN-ACK advances this on the reply path) ->
	// SYN_RECV") happen together under one Update so the rewrite below
	// sees the latest seq_offset/conn_state.
	var current maps.ConntrackValue
	p.deps.Conntrack.Update(fwdKey, func(cv *maps.ConntrackValue) {
		cv.LastSeenNs = nowNs
		cv.PacketsRev++
		cv.BytesRev += frameLen
		if f.Protocol == maps.ProtoTCP {
			tcp := f.TCP()
			advanceProxyState(cv, tcp.SYN && tcp.ACK)
		}
		current = *cv
	})

	// Step 4: SNAT rewrite + checksum repair.
	origAddr := iptypes.From16(current.OrigDstIP, f.Family)
	p.rewrite(f, origAddr, current.OrigDstPort)

	// Step 5: unwind the PROXY-protocol injector's sequence offset so the
	// client's ACK accounting stays consistent with what it actually sent.
	if f.Protocol == maps.ProtoTCP && current.SeqOffset != 0 {
		p.adjustAck(f, current.SeqOffset)
	}

	return OK
}

// advanceProxyState implements the one egress-observable transition of
// spec.md §4.5's table: a SYN-ACK reply on a SYN_SENT connection moves it
// to SYN_RECV. All other transitions are ingress-side (driven by the
// PROXY-protocol injector on the forward path, pkg/proxyproto).
func advanceProxyState(cv *maps.ConntrackValue, isSynAck bool) {
	if cv.ConnState == maps.StateSynSent && isSynAck {
		cv.ConnState = maps.StateSynRecv
	}
}

func (p *Pipeline) rewrite(f *Frame, origAddr iptypes.Addr, origPortHost uint16) {
	oldPortHost := f.SrcPort()
	binary.BigEndian.PutUint16(f.l4Contents[0:2], origPortHost)

	if f.Family == iptypes.V4 {
		var oldIP4 [4]byte
		copy(oldIP4[:], f.Raw[14+12:14+16])
		newIP4 := origAddr.To16()
		var newV4 [4]byte
		copy(newV4[:], newIP4[12:16])
		copy(f.Raw[14+12:14+16], newV4[:])

		l3off := f.l3ChecksumOffset()
		l3csum := binary.BigEndian.Uint16(f.Raw[l3off : l3off+2])
		l3csum = checksum.ReplaceU32(l3csum, be32(oldIP4), be32(newV4))
		binary.BigEndian.PutUint16(f.Raw[l3off:l3off+2], l3csum)

		l4off := f.l4ChecksumOffset()
		if f.Protocol == maps.ProtoUDP {
			existing := binary.BigEndian.Uint16(f.l4Contents[l4off : l4off+2])
			if existing == 0 {
				return
			}
		}
		l4csum := binary.BigEndian.Uint16(f.l4Contents[l4off : l4off+2])
		l4csum = checksum.ReplaceU32(l4csum, be32(oldIP4), be32(newV4))
		l4csum = checksum.ReplaceU16(l4csum, oldPortHost, origPortHost)
		binary.BigEndian.PutUint16(f.l4Contents[l4off:l4off+2], l4csum)
		return
	}

	var oldIP6 [16]byte
	copy(oldIP6[:], f.Raw[14+8:14+24])
	newIP6 := origAddr.To16()
	copy(f.Raw[14+8:14+24], newIP6[:])

	l4off := f.l4ChecksumOffset()
	l4csum := binary.BigEndian.Uint16(f.l4Contents[l4off : l4off+2])
	l4csum = checksum.Replace128(l4csum, oldIP6, newIP6)
	l4csum = checksum.ReplaceU16(l4csum, oldPortHost, origPortHost)
	binary.BigEndian.PutUint16(f.l4Contents[l4off:l4off+2], l4csum)
}

// adjustAck implements spec.md §4.4 step 5: subtract seqOffset from the
// acknowledgment number (host-order arithmetic) and repair the checksum.
func (p *Pipeline) adjustAck(f *Frame, seqOffset uint32) {
	off := tcpAckOffset
	oldAck := binary.BigEndian.Uint32(f.l4Contents[off : off+4])
	newAck := oldAck - seqOffset
	binary.BigEndian.PutUint32(f.l4Contents[off:off+4], newAck)

	l4off := f.l4ChecksumOffset()
	l4csum := binary.BigEndian.Uint16(f.l4Contents[l4off : l4off+2])
	l4csum = checksum.ReplaceU32(l4csum, oldAck, newAck)
	binary.BigEndian.PutUint16(f.l4Contents[l4off:l4off+2], l4csum)
}

func be32(b [4]byte) uint32 { return binary.BigEndian.Uint32(b[:]) }
