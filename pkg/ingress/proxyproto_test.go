package ingress

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"

	"github.com/cilium/xlb/pkg/conntrack"
	"github.com/cilium/xlb/pkg/iptypes"
	"github.com/cilium/xlb/pkg/maps"
	"github.com/cilium/xlb/pkg/proxyproto"
)

func buildACKv4(t *testing.T, srcIP string, srcPort uint16, dstIP string, dstPort uint16, seq uint32, payload []byte) []byte {
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
		Seq:     seq,
		Ack:     1,
		ACK:     true,
		PSH:     len(payload) > 0,
		Window:  65535,
	}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip4))
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip4, tcp, gopacket.Payload(payload)))
	out := make([]byte, len(buf.Bytes()))
	copy(out, buf.Bytes())
	return out
}

// TestScenario4EndToEnd drives spec.md §8 scenario 4 through the full
// ingress pipeline: SYN opens the connection with PROXY-protocol enabled,
// a bare ACK completes the handshake, then a 100-byte payload packet gets
// the v2 header spliced in by pkg/proxyproto, wired in via
// Dependencies.ProxyProto.
func TestScenario4EndToEnd(t *testing.T) {
	listen := NewMapListenTable()
	group := singleTargetGroup(t, "10.0.0.1", 8080)
	lk := maps.ListenKey{Ifindex: 1, Port: 80, AF: iptypes.V4}
	listen.Set(lk, group)

	ct := conntrack.NewMemTable()
	p := NewPipeline(Dependencies{
		Listen:     listen,
		Conntrack:  ct,
		Algorithm:  maps.AlgoWeightedRandom,
		ProxyProto: &proxyproto.Pipeline{},
		ProxyEnabled: func(maps.ListenKey) bool {
			return true
		},
	})

	synRaw := buildSYNv4(t, "192.168.1.10", 54321, "10.0.0.100", 80)
	verdict, _ := p.Process(1, synRaw)
	require.Equal(t, TX, verdict)

	client, _ := iptypes.Parse("192.168.1.10")
	listenAddr, _ := iptypes.Parse("10.0.0.100")
	fwdKey := maps.NewConntrackKey(client, listenAddr, 54321, 80, maps.ProtoTCP)
	v, ok := ct.Lookup(fwdKey)
	require.True(t, ok)
	require.Equal(t, maps.StateSynSent, v.ConnState)

	// The egress-side SYN-ACK advance (pkg/egress) isn't exercised by this
	// pipeline; fast-forward the state directly, as that transition is
	// covered by pkg/egress's own tests.
	ct.Update(fwdKey, func(cv *maps.ConntrackValue) { cv.ConnState = maps.StateSynRecv })

	ackRaw := buildACKv4(t, "192.168.1.10", 54321, "10.0.0.100", 80, 1001, nil)
	verdict, _ = p.Process(1, ackRaw)
	require.Equal(t, TX, verdict)

	v, ok = ct.Lookup(fwdKey)
	require.True(t, ok)
	require.Equal(t, maps.StateEstablished, v.ConnState)

	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}
	dataRaw := buildACKv4(t, "192.168.1.10", 54321, "10.0.0.100", 80, 1001, payload)
	origLen := len(dataRaw)

	verdict, out := p.Process(1, dataRaw)
	require.Equal(t, TX, verdict)
	require.Len(t, out, origLen+28)

	v, ok = ct.Lookup(fwdKey)
	require.True(t, ok)
	require.True(t, v.HeaderInjected())
	require.EqualValues(t, 28, v.SeqOffset)

	totalLen := binary.BigEndian.Uint16(out[14+2 : 14+4])
	require.EqualValues(t, origLen-14+28, totalLen)

	f, ok := ParseFrame(out)
	require.True(t, ok)
	require.Equal(t, "10.0.0.1", f.DstAddr().String())
	require.EqualValues(t, 8080, f.DstPort())
}
