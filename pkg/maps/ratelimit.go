package maps

import (
	"encoding/binary"

	"github.com/cilium/ebpf"
)

// Scale is the fixed-point scaling factor for token-bucket arithmetic
// (spec.md §3: "1000× tokens, enabling sub-token resolution").
const Scale = 1000

// RateLimitBucketSize is the 20-byte wire size from spec.md §3:
// tokens_scaled[4] | last_refill_ns[8] | rate_scaled[4] | burst_scaled[4].
// A plain Go struct with this field order would be padded by the compiler
// (last_refill_ns needs 8-byte alignment, pushing it to offset 8 rather
// than 4), so the value is kept as a flat byte array with explicit
// accessors instead — the same "no assumed host alignment" discipline the
// kernel verifier itself requires of byte-addressed map values.
type RateLimitBucket [20]byte

func (b *RateLimitBucket) TokensScaled() uint32   { return binary.LittleEndian.Uint32(b[0:4]) }
func (b *RateLimitBucket) LastRefillNs() uint64   { return binary.LittleEndian.Uint64(b[4:12]) }
func (b *RateLimitBucket) RateScaled() uint32     { return binary.LittleEndian.Uint32(b[12:16]) }
func (b *RateLimitBucket) BurstScaled() uint32    { return binary.LittleEndian.Uint32(b[16:20]) }

func (b *RateLimitBucket) SetTokensScaled(v uint32) { binary.LittleEndian.PutUint32(b[0:4], v) }
func (b *RateLimitBucket) SetLastRefillNs(v uint64) { binary.LittleEndian.PutUint64(b[4:12], v) }
func (b *RateLimitBucket) SetRateScaled(v uint32)   { binary.LittleEndian.PutUint32(b[12:16], v) }
func (b *RateLimitBucket) SetBurstScaled(v uint32)  { binary.LittleEndian.PutUint32(b[16:20], v) }

// NewRateLimitBucket builds a fresh bucket starting full at the given rate.
func NewRateLimitBucket(rateScaled, burstScaled uint32, nowNs uint64) RateLimitBucket {
	var b RateLimitBucket
	b.SetTokensScaled(burstScaled)
	b.SetRateScaled(rateScaled)
	b.SetBurstScaled(burstScaled)
	b.SetLastRefillNs(nowNs)
	return b
}

// Refill applies spec.md §4.12's refill rule: tokens are topped up by
// (now - last_refill) * rate / 1e9, capped at burst, then one scaled unit
// (1000) is subtracted per packet. ok is false when the bucket is empty
// (spec.md §4.3 step 5/6: DROP on deficit).
func (b *RateLimitBucket) Refill(nowNs uint64) (ok bool) {
	last := b.LastRefillNs()
	tokens := uint64(b.TokensScaled())
	if nowNs > last {
		elapsed := nowNs - last
		added := elapsed * uint64(b.RateScaled()) / 1_000_000_000
		tokens += added
		if burst := uint64(b.BurstScaled()); tokens > burst {
			tokens = burst
		}
		b.SetLastRefillNs(nowNs)
	}
	if tokens < Scale {
		b.SetTokensScaled(uint32(tokens))
		return false
	}
	b.SetTokensScaled(uint32(tokens - Scale))
	return true
}

const RateLimitBucketSize = 20

func RateLimitMapSpec(name string, maxEntries uint32) *ebpf.MapSpec {
	return &ebpf.MapSpec{
		Name:       name,
		Type:       ebpf.LRUHash,
		KeySize:    16, // source IP, or backend IP:port encoded by caller
		ValueSize:  RateLimitBucketSize,
		MaxEntries: maxEntries,
	}
}
