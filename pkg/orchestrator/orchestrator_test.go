package orchestrator

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"

	"github.com/cilium/xlb/pkg/circuit"
	"github.com/cilium/xlb/pkg/drain"
	"github.com/cilium/xlb/pkg/healthcheck"
	"github.com/cilium/xlb/pkg/ingress"
	"github.com/cilium/xlb/pkg/iptypes"
	"github.com/cilium/xlb/pkg/maps"
)

var (
	testSrcMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	testDstMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
)

// buildSYNv4 serializes a minimal Ethernet+IPv4+TCP SYN frame, the same
// shape pkg/ingress's own tests build, addressed at dstIP:dstPort.
func buildSYNv4(t *testing.T, srcIP string, srcPort uint16, dstIP string, dstPort uint16) []byte {
	t.Helper()
	eth := &layers.Ethernet{SrcMAC: testSrcMAC, DstMAC: testDstMAC, EthernetType: layers.EthernetTypeIPv4}
	ip4 := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.ParseIP(srcIP).To4(),
		DstIP:    net.ParseIP(dstIP).To4(),
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(srcPort),
		DstPort: layers.TCPPort(dstPort),
		Seq:     1000,
		SYN:     true,
		Window:  65535,
	}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip4))
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip4, tcp))
	out := make([]byte, len(buf.Bytes()))
	copy(out, buf.Bytes())
	return out
}

// loIfindex resolves the loopback interface's kernel index, the one
// interface guaranteed present wherever this test runs.
func loIfindex(t *testing.T) uint32 {
	t.Helper()
	ifc, err := net.InterfaceByName("lo")
	require.NoError(t, err)
	return uint32(ifc.Index)
}

func basicConfig(t *testing.T) Config {
	return Config{
		Proxies: []ProxyConfig{{
			Name:   "web",
			Listen: ListenConfig{Interfaces: []string{"lo"}, Port: 8080},
			DefaultTarget: []WeightedTarget{
				{Name: "a", Addr: "127.0.0.1:9000", Weight: 100},
			},
		}},
		Settings: Settings{
			LoadBalancing: LoadBalancingSettings{UpdateIntervalMs: 50},
		},
	}
}

// twoTargetConfig is basicConfig with a second default target, so that
// zeroing "a" leaves a survivor and the weight computer's all-zero
// graceful degradation does not restore a's original weight.
func twoTargetConfig(t *testing.T) Config {
	cfg := basicConfig(t)
	cfg.Proxies[0].DefaultTarget = []WeightedTarget{
		{Name: "a", Addr: "127.0.0.1:9000", Weight: 50},
		{Name: "b", Addr: "127.0.0.1:9001", Weight: 50},
	}
	return cfg
}

// targetStatus returns the named target's entry from ps.
func targetStatus(t *testing.T, ps ProxyStatus, name string) TargetStatus {
	t.Helper()
	for _, ts := range ps.Targets {
		if ts.Name == name {
			return ts
		}
	}
	t.Fatalf("target %q not in status", name)
	return TargetStatus{}
}

// TestNewOrchestratorWiresIngressPipeline proves AddProxy's install path
// reaches the same ingress.MapListenTable the pipeline reads: a SYN to the
// configured listener DNATs to the configured target.
func TestNewOrchestratorWiresIngressPipeline(t *testing.T) {
	o, err := NewOrchestrator(basicConfig(t))
	require.NoError(t, err)
	defer o.Shutdown()

	raw := buildSYNv4(t, "203.0.113.5", 54321, "198.51.100.1", 8080)
	verdict, out := o.ingressPipeline.Process(loIfindex(t), raw)
	require.Equal(t, ingress.TX, verdict)

	pkt := gopacket.NewPacket(out, layers.LayerTypeEthernet, gopacket.Default)
	ip4, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	require.True(t, ok)
	require.Equal(t, "127.0.0.1", ip4.DstIP.String())
	tcp, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
	require.True(t, ok)
	require.Equal(t, layers.TCPPort(9000), tcp.DstPort)
}

// TestAddProxyRejectsDuplicateName covers spec.md §7's "invalid-config:
// fatal; no partial apply" for the runtime AddProxy path.
func TestAddProxyRejectsDuplicateName(t *testing.T) {
	o, err := NewOrchestrator(basicConfig(t))
	require.NoError(t, err)
	defer o.Shutdown()

	err = o.AddProxy(basicConfig(t).Proxies[0])
	require.Error(t, err)
}

// TestDrainEndToEnd drives spec.md §8 scenario 5: draining a target zeroes
// its weight immediately, and WaitForDrain unblocks once the target's live
// conntrack entries are gone.
func TestDrainEndToEnd(t *testing.T) {
	o, err := NewOrchestrator(twoTargetConfig(t))
	require.NoError(t, err)
	defer o.Shutdown()

	o.mu.RLock()
	tr := o.targets["web/a"]
	o.mu.RUnlock()
	require.NotNil(t, tr)

	addr, err := iptypes.Parse("127.0.0.1")
	require.NoError(t, err)
	key := maps.NewConntrackKey(addr, addr, 12345, 9000, maps.ProtoTCP)
	_, inserted := o.ct.InsertIfAbsent(key, maps.ConntrackValue{
		NatDstIP:   addr.To16(),
		NatDstPort: 9000,
	})
	require.True(t, inserted)

	done := make(chan drain.Outcome, 1)
	require.NoError(t, o.Drain("web", "a", 2*time.Second, func(out drain.Outcome) { done <- out }))

	tr.mu.Lock()
	weight := tr.effectiveWeight
	tr.mu.Unlock()
	require.Equal(t, uint16(0), weight)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.Error(t, o.WaitForDrain(ctx, "web", "a"))

	o.ct.Delete(key)

	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	require.NoError(t, o.WaitForDrain(ctx2, "web", "a"))

	select {
	case out := <-done:
		require.Equal(t, drain.Completed, out)
	case <-time.After(2 * time.Second):
		t.Fatal("drain did not complete")
	}

	require.NoError(t, o.Undrain("web", "a"))
	tr.mu.Lock()
	weight = tr.effectiveWeight
	tr.mu.Unlock()
	require.Equal(t, uint16(50), weight)
}

// TestCircuitForceOpenClosesTarget drives spec.md §8 scenario 6's manual
// primitives: force-open zeroes the target's effective weight and is
// reflected by GetAllStatuses; reset restores it.
func TestCircuitForceOpenClosesTarget(t *testing.T) {
	o, err := NewOrchestrator(twoTargetConfig(t))
	require.NoError(t, err)
	defer o.Shutdown()

	require.NoError(t, o.ForceOpenCircuit("web", "a"))

	statuses := o.GetAllStatuses()
	require.Len(t, statuses, 1)
	require.Equal(t, "web", statuses[0].Name)
	require.Equal(t, ListenConfig{Interfaces: []string{"lo"}, Port: 8080}, statuses[0].Listen)
	require.Len(t, statuses[0].Targets, 2)
	ts := targetStatus(t, statuses[0], "a")
	require.Equal(t, circuit.Open, ts.Circuit)
	require.Equal(t, uint16(0), ts.EffectiveWeight)

	require.NoError(t, o.ResetCircuit("web", "a"))
	statuses = o.GetAllStatuses()
	require.Equal(t, circuit.Closed, targetStatus(t, statuses[0], "a").Circuit)
	require.Equal(t, uint16(50), targetStatus(t, statuses[0], "a").EffectiveWeight)
}

// TestHealthUnhealthyDrivesWeightToZero exercises the event-driven
// recompute path: a health-check failure publishes events.KindHealthChange
// and the group is reinstalled with the target's weight zeroed.
func TestHealthUnhealthyDrivesWeightToZero(t *testing.T) {
	cfg := twoTargetConfig(t)
	cfg.Proxies[0].DefaultTarget[0].HealthCheck = &HealthCheckConfig{
		Kind:               healthcheck.KindTCP,
		Interval:           10 * time.Millisecond,
		Timeout:            5 * time.Millisecond,
		HealthyThreshold:   1,
		UnhealthyThreshold: 1,
	}
	o, err := NewOrchestrator(cfg)
	require.NoError(t, err)
	defer o.Shutdown()

	o.mu.RLock()
	tr := o.targets["web/a"]
	o.mu.RUnlock()

	o.health.ForceProbe(context.Background(), tr.key())

	require.Eventually(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return tr.effectiveWeight == 0
	}, 2*time.Second, 20*time.Millisecond)
}
