package checksum

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// buildIPv4Header returns a minimal 20-byte IPv4 header with src/dst set,
// checksum computed fresh, for use as the "full recomputation" oracle in
// the checksum law test (spec.md §8).
func buildIPv4Header(src, dst [4]byte) []byte {
	hdr := make([]byte, 20)
	hdr[0] = 0x45 // version 4, IHL 5
	binary.BigEndian.PutUint16(hdr[2:], 20)
	hdr[8] = 64   // TTL
	hdr[9] = 6    // TCP
	copy(hdr[12:16], src[:])
	copy(hdr[16:20], dst[:])
	binary.BigEndian.PutUint16(hdr[10:12], 0)
	sum := Compute1071(hdr)
	binary.BigEndian.PutUint16(hdr[10:12], sum)
	return hdr
}

func TestReplaceU32MatchesFullRecompute(t *testing.T) {
	src := [4]byte{10, 0, 0, 1}
	oldDst := [4]byte{10, 0, 0, 100}
	newDst := [4]byte{10, 0, 0, 55}

	orig := buildIPv4Header(src, oldDst)
	origCsum := binary.BigEndian.Uint16(orig[10:12])

	rewritten := append([]byte(nil), orig...)
	copy(rewritten[16:20], newDst[:])

	incremental := ReplaceU32(origCsum,
		binary.BigEndian.Uint32(oldDst[:]),
		binary.BigEndian.Uint32(newDst[:]))

	binary.BigEndian.PutUint16(rewritten[10:12], 0)
	fullRecompute := Compute1071(rewritten)

	require.Equal(t, fullRecompute, incremental, "incremental checksum must equal full recomputation")
}

func TestReplace128RoundTrip(t *testing.T) {
	old := [16]byte{0x20, 0x01, 0xdb, 0x8}
	newAddr := [16]byte{0x20, 0x01, 0xdb, 0x8, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1}

	var csum uint16 = 0xbeef
	updated := Replace128(csum, old, newAddr)
	reverted := Replace128(updated, newAddr, old)
	require.Equal(t, csum, reverted, "applying the inverse replacement must restore the original checksum")
}

func TestFNV1a64LowerCaseFolds(t *testing.T) {
	require.Equal(t, FNV1a64Lower("Example.COM"), FNV1a64Lower("example.com"))
	require.NotEqual(t, FNV1a64Lower("a.example.com"), FNV1a64Lower("b.example.com"))
}
