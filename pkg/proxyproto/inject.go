package proxyproto

import (
	"encoding/binary"

	"github.com/sirupsen/logrus"

	"github.com/cilium/xlb/pkg/checksum"
	"github.com/cilium/xlb/pkg/events"
	"github.com/cilium/xlb/pkg/iptypes"
	"github.com/cilium/xlb/pkg/maps"
)

var log = logrus.WithField("subsys", "proxyproto")

const (
	chunkSize = 64
	maxChunks = 24
	// MaxInjectablePayload is spec.md §4.5 step 3's "fixed number of
	// fixed-size chunks (... 24x64 bytes = 1536)" bound.
	MaxInjectablePayload = chunkSize * maxChunks
)

var proxySignature = [12]byte{0x0D, 0x0A, 0x0D, 0x0A, 0x00, 0x0D, 0x0A, 0x51, 0x55, 0x49, 0x54, 0x0A}

// HeaderLen returns the PROXY protocol v2 header length spec.md §4.5 step 1
// specifies for the client's address family.
func HeaderLen(fam iptypes.Family) int {
	if fam == iptypes.V4 {
		return 28
	}
	return 52
}

// BuildV2Header encodes the fixed PROXY protocol v2 header spec.md §4.5
// step 4 describes.
func BuildV2Header(fam iptypes.Family, srcAddr, dstAddr iptypes.Addr, srcPort, dstPort uint16) []byte {
	var addrLen int
	var famProto byte
	if fam == iptypes.V4 {
		addrLen, famProto = 12, 0x11
	} else {
		addrLen, famProto = 36, 0x21
	}
	out := make([]byte, 16+addrLen)
	copy(out[0:12], proxySignature[:])
	out[12] = 0x21
	out[13] = famProto
	binary.BigEndian.PutUint16(out[14:16], uint16(addrLen))

	off := 16
	src := srcAddr.To16()
	dst := dstAddr.To16()
	if fam == iptypes.V4 {
		copy(out[off:off+4], src[12:16])
		copy(out[off+4:off+8], dst[12:16])
		off += 8
	} else {
		copy(out[off:off+16], src[:])
		copy(out[off+16:off+32], dst[:])
		off += 32
	}
	binary.BigEndian.PutUint16(out[off:off+2], srcPort)
	binary.BigEndian.PutUint16(out[off+2:off+4], dstPort)
	return out
}

// Verdict is the outcome of one Process call.
type Verdict int

const (
	Unchanged Verdict = iota
	Injected
	SkippedTooLarge
)

// Pipeline drives the per-connection PROXY-protocol state machine and
// performs the header splice, spec.md §4.5.
type Pipeline struct {
	Bus          *events.Bus
	StatsEnabled func() bool
}

// Process advances cv's state per the observed frame and, when this is the
// first ESTABLISHED-state payload packet on a proxy-enabled connection,
// splices the PROXY protocol v2 header in front of the payload. raw is the
// already-DNAT-rewritten frame handed off by the ingress pipeline.
// Returns the (possibly grown) frame bytes and what happened.
func (p *Pipeline) Process(raw []byte, cv *maps.ConntrackValue) ([]byte, Verdict) {
	f, ok := ParseFrame(raw)
	if !ok {
		return raw, Unchanged
	}
	tcp := f.TCP()
	synOnly := tcp.SYN && !tcp.ACK
	ackOnly := tcp.ACK && !tcp.SYN
	AdvanceState(cv, synOnly, ackOnly)

	if cv.ConnState != maps.StateEstablished || !cv.ProxyEnabled() {
		return raw, Unchanged
	}

	if cv.HeaderInjected() {
		if cv.SeqOffset != 0 {
			adjustForwardSeq(f, cv.SeqOffset)
		}
		return f.Raw, Unchanged
	}

	payload := f.Payload()
	if len(payload) == 0 {
		return raw, Unchanged
	}
	if len(payload) > MaxInjectablePayload {
		log.WithField("payload_bytes", len(payload)).Warn("payload exceeds injection bound, passing without PROXY header")
		if p.StatsEnabled != nil && p.StatsEnabled() && p.Bus != nil {
			p.Bus.Publish(events.Event{
				Kind:    events.KindProxySkipped,
				Payload: events.ProxySkippedPayload{PayloadSz: len(payload)},
			})
		}
		return raw, SkippedTooLarge
	}

	out := inject(f, cv)
	return out, Injected
}

// inject implements spec.md §4.5's injection procedure, steps 1-6.
func inject(f *Frame, cv *maps.ConntrackValue) []byte {
	headerLen := HeaderLen(f.Family)
	payloadStart := f.payloadStart()
	payloadLen := len(f.Payload())

	buf := make([]byte, len(f.Raw)+headerLen)
	copy(buf, f.Raw)
	shiftPayloadChunks(buf, payloadStart, payloadLen, headerLen)

	clientAddr := iptypes.From16(cv.OrigClientIP, f.Family)
	vipAddr := iptypes.From16(cv.OrigDstIP, f.Family)
	hdr := BuildV2Header(f.Family, clientAddr, vipAddr, cv.OrigClientPort, cv.OrigDstPort)
	copy(buf[payloadStart:payloadStart+headerLen], hdr)

	updateLength(buf, f.Family, headerLen)
	recomputeTCPChecksum(buf, f.Family, f.tcpStart())

	cv.ProxyFlags |= maps.ProxyFlagHeaderInjected
	cv.SeqOffset = uint32(headerLen)
	return buf
}

// shiftPayloadChunks copies the payloadLen bytes at [payloadStart:) down by
// shift bytes, in fixed 64-byte chunks walked from the tail of the payload
// toward its front (spec.md §4.5 step 3: "last-chunk-first ... to prevent
// overwriting live bytes"), bounded to maxChunks iterations by the
// MaxInjectablePayload check in Process.
func shiftPayloadChunks(buf []byte, payloadStart, payloadLen, shift int) {
	remaining := payloadLen
	for remaining > 0 {
		n := remaining
		if n > chunkSize {
			n = chunkSize
		}
		srcOff := payloadStart + remaining - n
		dstOff := srcOff + shift
		copy(buf[dstOff:dstOff+n], buf[srcOff:srcOff+n])
		remaining -= n
	}
}

// updateLength implements spec.md §4.5 step 5.
func updateLength(buf []byte, fam iptypes.Family, delta int) {
	if fam == iptypes.V4 {
		off := 14 + 2
		old := binary.BigEndian.Uint16(buf[off : off+2])
		newLen := old + uint16(delta)
		binary.BigEndian.PutUint16(buf[off:off+2], newLen)

		csumOff := 14 + 10
		csum := binary.BigEndian.Uint16(buf[csumOff : csumOff+2])
		csum = checksum.ReplaceU16(csum, old, newLen)
		binary.BigEndian.PutUint16(buf[csumOff:csumOff+2], csum)
		return
	}
	off := 14 + 4
	old := binary.BigEndian.Uint16(buf[off : off+2])
	newLen := old + uint16(delta)
	binary.BigEndian.PutUint16(buf[off:off+2], newLen)
}

// recomputeTCPChecksum fully recomputes the TCP checksum over the
// pseudo-header and the (now longer, header-bearing) TCP segment. The
// injection inserts a whole new header rather than replacing a fixed
// field, so this is a full recompute rather than an incremental
// ReplaceU16/32 call, unlike every other checksum repair in this module.
func recomputeTCPChecksum(buf []byte, fam iptypes.Family, tcpStart int) {
	tcpSeg := buf[tcpStart:]
	binary.BigEndian.PutUint16(tcpSeg[16:18], 0)

	var pseudo []byte
	if fam == iptypes.V4 {
		pseudo = make([]byte, 12)
		copy(pseudo[0:4], buf[14+12:14+16])
		copy(pseudo[4:8], buf[14+16:14+20])
		pseudo[9] = byte(maps.ProtoTCP)
		binary.BigEndian.PutUint16(pseudo[10:12], uint16(len(tcpSeg)))
	} else {
		pseudo = make([]byte, 40)
		copy(pseudo[0:16], buf[14+8:14+24])
		copy(pseudo[16:32], buf[14+24:14+40])
		binary.BigEndian.PutUint32(pseudo[32:36], uint32(len(tcpSeg)))
		pseudo[39] = byte(maps.ProtoTCP)
	}
	full := append(pseudo, tcpSeg...)
	csum := checksum.Compute1071(full)
	binary.BigEndian.PutUint16(tcpSeg[16:18], csum)
}

// adjustForwardSeq implements spec.md §4.5's last row: once a header has
// been injected, every later forward packet on the connection has its
// sequence number bumped by seq_offset so it lines up with the bytes the
// backend actually received.
func adjustForwardSeq(f *Frame, seqOffset uint32) {
	off := f.tcpStart() + 4
	old := binary.BigEndian.Uint32(f.Raw[off : off+4])
	newSeq := old + seqOffset
	binary.BigEndian.PutUint32(f.Raw[off:off+4], newSeq)

	csumOff := f.l4ChecksumOffset()
	csum := binary.BigEndian.Uint16(f.Raw[csumOff : csumOff+2])
	csum = checksum.ReplaceU32(csum, old, newSeq)
	binary.BigEndian.PutUint16(f.Raw[csumOff:csumOff+2], csum)
}
