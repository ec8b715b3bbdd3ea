package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cilium/xlb/pkg/circuit"
	"github.com/cilium/xlb/pkg/drain"
	"github.com/cilium/xlb/pkg/iptypes"
	"github.com/cilium/xlb/pkg/maps"
)

func mustAddr(t *testing.T, s string) iptypes.Addr {
	t.Helper()
	a, err := iptypes.Parse(s)
	require.NoError(t, err)
	return a
}

// TestExpandEntriesSingleAddrPassesWeightThrough covers the degenerate
// case: a literal IP or a single-A hostname is one entry, untouched.
func TestExpandEntriesSingleAddrPassesWeightThrough(t *testing.T) {
	tr := &targetRuntime{addr: mustAddr(t, "10.0.0.1"), port: 9000}
	out := expandEntries(tr, 100)
	require.Equal(t, []targetEntry{{Addr: mustAddr(t, "10.0.0.1"), Port: 9000, Weight: 100}}, out)
}

// TestExpandEntriesSplitsWeightAcrossResolvedIPs drives spec.md §4.11's
// "redistributed equally across resolved IPs (with remainder going to the
// first IPs)" for a three-address hostname target.
func TestExpandEntriesSplitsWeightAcrossResolvedIPs(t *testing.T) {
	tr := &targetRuntime{
		port: 9000,
		ips: []iptypes.Addr{
			mustAddr(t, "10.0.0.3"),
			mustAddr(t, "10.0.0.1"),
			mustAddr(t, "10.0.0.2"),
		},
	}
	out := expandEntries(tr, 100)
	require.Len(t, out, 3)

	byAddr := make(map[string]uint16, 3)
	var total uint16
	for _, e := range out {
		byAddr[e.Addr.String()] = e.Weight
		total += e.Weight
	}
	require.Equal(t, uint16(100), total)
	// 100/3 = 33 rem 1; the remainder goes to the lowest sorted address.
	require.Equal(t, uint16(34), byAddr["10.0.0.1"])
	require.Equal(t, uint16(33), byAddr["10.0.0.2"])
	require.Equal(t, uint16(33), byAddr["10.0.0.3"])
}

// TestExpandEntriesZeroWeightStaysZero covers a drained/unhealthy/
// circuit-open multi-IP target: every expanded entry is zero, not just
// the representative address.
func TestExpandEntriesZeroWeightStaysZero(t *testing.T) {
	tr := &targetRuntime{
		port: 9000,
		ips:  []iptypes.Addr{mustAddr(t, "10.0.0.1"), mustAddr(t, "10.0.0.2")},
	}
	out := expandEntries(tr, 0)
	require.Len(t, out, 2)
	for _, e := range out {
		require.Equal(t, uint16(0), e.Weight)
	}
}

// TestRecomputeGroupLockedExpandsMultiIPTarget builds a group around a
// single configured target that resolves to three addresses and checks
// that the installed TargetGroup carries three kernel-visible entries
// whose cumulative weights sum to 100 — the C11 "distribution across IPs"
// responsibility, exercised at the group-install level rather than just
// expandEntries in isolation.
func TestRecomputeGroupLockedExpandsMultiIPTarget(t *testing.T) {
	o, err := NewOrchestrator(basicConfig(t))
	require.NoError(t, err)
	defer o.Shutdown()

	const key = "web/multi"
	tr := &targetRuntime{
		proxy:          "web",
		name:           "multi",
		port:           9000,
		originalWeight: 100,
		addr:           mustAddr(t, "10.0.0.1"),
		ips: []iptypes.Addr{
			mustAddr(t, "10.0.0.1"),
			mustAddr(t, "10.0.0.2"),
			mustAddr(t, "10.0.0.3"),
		},
		breaker:    circuit.New(key, o.cbConfig, o.bus),
		drainCoord: drain.New("web", "multi", o.bus),
	}

	var installed maps.TargetGroup
	g := &groupRuntime{
		key:     "web/multi-group",
		kind:    groupSource,
		members: []string{key},
		install: func(tg maps.TargetGroup) error { installed = tg; return nil },
	}

	o.mu.Lock()
	o.targets[key] = tr
	o.groups[g.key] = g
	err = o.recomputeGroupLocked(g)
	o.mu.Unlock()
	require.NoError(t, err)

	require.Equal(t, uint8(3), installed.TargetCount)
	require.Equal(t, uint16(100), installed.Targets[2].CumulativeWeight)
	require.NoError(t, installed.Validate())
}
