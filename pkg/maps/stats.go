package maps

import (
	"encoding/binary"
	"fmt"

	"github.com/cilium/ebpf"
)

// StatsEventType tags each ring-buffer record, spec.md §3 "Statistics
// event (ring buffer): tagged record with type ∈ {new-conn, conn-closed,
// periodic-stats}".
type StatsEventType uint8

const (
	EventNewConn StatsEventType = iota
	EventConnClosed
	EventPeriodicStats
)

func (t StatsEventType) String() string {
	switch t {
	case EventNewConn:
		return "new-conn"
	case EventConnClosed:
		return "conn-closed"
	case EventPeriodicStats:
		return "periodic-stats"
	default:
		return "unknown"
	}
}

// StatsEventSize is the fixed wire size of one ring-buffer record:
// type(1) + pad(7) + timestamp_ns(8) + 5-tuple (src_ip 16, dst_ip 16,
// src_port 2, dst_port 2, protocol 1, pad 3) + backend (ip 16, port 2, pad
// 6) + packets(8) + bytes(8).
const StatsEventSize = 8 + 8 + 40 + 24 + 8 + 8

// StatsEvent is the decoded form of one ring-buffer record.
type StatsEvent struct {
	Type       StatsEventType
	TimestampNs uint64
	Key        ConntrackKey
	BackendIP  [16]byte
	BackendPort uint16
	Packets    uint64
	Bytes      uint64
}

// Encode serializes e into the fixed StatsEventSize wire layout.
func (e StatsEvent) Encode() []byte {
	buf := make([]byte, StatsEventSize)
	buf[0] = byte(e.Type)
	binary.LittleEndian.PutUint64(buf[8:16], e.TimestampNs)
	off := 16
	copy(buf[off:off+16], e.Key.SrcIP[:])
	copy(buf[off+16:off+32], e.Key.DstIP[:])
	binary.BigEndian.PutUint16(buf[off+32:off+34], e.Key.SrcPort)
	binary.BigEndian.PutUint16(buf[off+34:off+36], e.Key.DstPort)
	buf[off+36] = byte(e.Key.Protocol)
	off += 40
	copy(buf[off:off+16], e.BackendIP[:])
	binary.BigEndian.PutUint16(buf[off+16:off+18], e.BackendPort)
	off += 24
	binary.LittleEndian.PutUint64(buf[off:off+8], e.Packets)
	binary.LittleEndian.PutUint64(buf[off+8:off+16], e.Bytes)
	return buf
}

// DecodeStatsEvent parses a ring-buffer record produced by Encode.
func DecodeStatsEvent(buf []byte) (StatsEvent, error) {
	if len(buf) < StatsEventSize {
		return StatsEvent{}, errShortRecord
	}
	var e StatsEvent
	e.Type = StatsEventType(buf[0])
	e.TimestampNs = binary.LittleEndian.Uint64(buf[8:16])
	off := 16
	copy(e.Key.SrcIP[:], buf[off:off+16])
	copy(e.Key.DstIP[:], buf[off+16:off+32])
	e.Key.SrcPort = binary.BigEndian.Uint16(buf[off+32 : off+34])
	e.Key.DstPort = binary.BigEndian.Uint16(buf[off+34 : off+36])
	e.Key.Protocol = Protocol(buf[off+36])
	off += 40
	copy(e.BackendIP[:], buf[off:off+16])
	e.BackendPort = binary.BigEndian.Uint16(buf[off+16 : off+18])
	off += 24
	e.Packets = binary.LittleEndian.Uint64(buf[off : off+8])
	e.Bytes = binary.LittleEndian.Uint64(buf[off+8 : off+16])
	return e, nil
}

var errShortRecord = fmt.Errorf("maps: ring buffer record shorter than %d bytes", StatsEventSize)

func RingBufMapSpec(maxEntries uint32) *ebpf.MapSpec {
	return &ebpf.MapSpec{
		Name:       "xlb_stats_events",
		Type:       ebpf.RingBuf,
		MaxEntries: maxEntries, // must be a power of two, in bytes
	}
}
