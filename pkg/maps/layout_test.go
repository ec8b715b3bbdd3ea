package maps

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

// These assert the literal byte sizes/offsets from spec.md §3 against Go's
// own struct layout, standing in for the teacher's pkg/alignchecker (which
// cross-checks against a compiled BPF object's BTF info) since this module
// never emits one.
func TestConntrackKeySize(t *testing.T) {
	require.EqualValues(t, ConntrackKeySize, unsafe.Sizeof(ConntrackKey{}))
}

func TestConntrackValueLayout(t *testing.T) {
	require.EqualValues(t, ConntrackValueSize, unsafe.Sizeof(ConntrackValue{}))

	var v ConntrackValue
	require.EqualValues(t, 0, unsafe.Offsetof(v.OrigDstIP))
	require.EqualValues(t, 16, unsafe.Offsetof(v.OrigDstPort))
	require.EqualValues(t, 20, unsafe.Offsetof(v.NatDstIP))
	require.EqualValues(t, 36, unsafe.Offsetof(v.NatDstPort))
	require.EqualValues(t, 40, unsafe.Offsetof(v.LastSeenNs))
	require.EqualValues(t, 48, unsafe.Offsetof(v.CreatedNs))
	require.EqualValues(t, 56, unsafe.Offsetof(v.PacketsRev))
	require.EqualValues(t, 64, unsafe.Offsetof(v.PacketsFwd))
	require.EqualValues(t, 72, unsafe.Offsetof(v.BytesRev))
	require.EqualValues(t, 80, unsafe.Offsetof(v.BytesFwd))
	require.EqualValues(t, 96, unsafe.Offsetof(v.ConnState))
	require.EqualValues(t, 97, unsafe.Offsetof(v.ProxyFlags))
	require.EqualValues(t, 100, unsafe.Offsetof(v.SeqOffset))
	require.EqualValues(t, 104, unsafe.Offsetof(v.OrigClientIP))
	require.EqualValues(t, 120, unsafe.Offsetof(v.OrigClientPort))
}

func TestTargetGroupLayout(t *testing.T) {
	require.EqualValues(t, TargetGroupSize, unsafe.Sizeof(TargetGroup{}))
	var g TargetGroup
	require.EqualValues(t, 8, unsafe.Offsetof(g.Targets))
	require.EqualValues(t, targetSize, unsafe.Sizeof(g.Targets[0]))
}

func TestLPMKeySize(t *testing.T) {
	require.EqualValues(t, LPMKeySize, unsafe.Sizeof(LPMKey{}))
}

func TestListenKeySize(t *testing.T) {
	require.EqualValues(t, ListenKeySize, unsafe.Sizeof(ListenKey{}))
}

func TestRateLimitBucketSize(t *testing.T) {
	require.EqualValues(t, RateLimitBucketSize, unsafe.Sizeof(RateLimitBucket{}))
}

func TestValidateTargetGroupWeights(t *testing.T) {
	g := TargetGroup{TargetCount: 2}
	g.Targets[0] = Target{CumulativeWeight: 70}
	g.Targets[1] = Target{CumulativeWeight: 100}
	require.NoError(t, g.Validate())

	bad := TargetGroup{TargetCount: 2}
	bad.Targets[0] = Target{CumulativeWeight: 70}
	bad.Targets[1] = Target{CumulativeWeight: 60}
	require.Error(t, bad.Validate())
}

func TestAllUnhealthyGracefulDegradation(t *testing.T) {
	g := TargetGroup{TargetCount: 2}
	require.True(t, g.AllUnhealthy())
	g.Targets[0] = Target{CumulativeWeight: 50}
	g.Targets[1] = Target{CumulativeWeight: 100}
	require.False(t, g.AllUnhealthy())
}
