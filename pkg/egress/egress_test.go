package egress

import (
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"

	"github.com/cilium/xlb/pkg/conntrack"
	"github.com/cilium/xlb/pkg/iptypes"
	"github.com/cilium/xlb/pkg/maps"
)

var (
	testSrcMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x03}
	testDstMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x04}
)

func buildReplyV4(t *testing.T, srcIP string, srcPort uint16, dstIP string, dstPort uint16, syn, ack bool, ackNum uint32) []byte {
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
		Seq:     5000,
		Ack:     ackNum,
		SYN:     syn,
		ACK:     ack,
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

// TestScenario1Egress implements the egress half of spec.md §8 scenario 1:
// "egress of reply 10.0.0.1:8080 -> 192.168.1.10:54321 yields source
// 10.0.0.100:80".
func TestScenario1Egress(t *testing.T) {
	ct := conntrack.NewMemTable()
	client, _ := iptypes.Parse("192.168.1.10")
	listen, _ := iptypes.Parse("10.0.0.100")
	backend, _ := iptypes.Parse("10.0.0.1")

	fwdKey := maps.NewConntrackKey(client, listen, 54321, 80, maps.ProtoTCP)
	ct.InsertIfAbsent(fwdKey, maps.ConntrackValue{
		OrigDstIP:    listen.To16(),
		OrigDstPort:  80,
		NatDstIP:     backend.To16(),
		NatDstPort:   8080,
		ConnState:    maps.StateEstablished,
		OrigClientIP: client.To16(),
	})

	p := NewPipeline(Dependencies{Conntrack: ct})
	raw := buildReplyV4(t, "10.0.0.1", 8080, "192.168.1.10", 54321, false, true, 1001)

	verdict := p.Process(raw)
	require.Equal(t, OK, verdict)

	f, ok := ParseFrame(raw)
	require.True(t, ok)
	require.Equal(t, "10.0.0.100", f.SrcAddr().String())
	require.EqualValues(t, 80, f.SrcPort())
}

func TestSynAckAdvancesProxyState(t *testing.T) {
	ct := conntrack.NewMemTable()
	client, _ := iptypes.Parse("192.168.1.10")
	listen, _ := iptypes.Parse("10.0.0.100")
	backend, _ := iptypes.Parse("10.0.0.1")

	fwdKey := maps.NewConntrackKey(client, listen, 54321, 80, maps.ProtoTCP)
	ct.InsertIfAbsent(fwdKey, maps.ConntrackValue{
		OrigDstIP:   listen.To16(),
		OrigDstPort: 80,
		NatDstIP:    backend.To16(),
		NatDstPort:  8080,
		ConnState:   maps.StateSynSent,
	})

	p := NewPipeline(Dependencies{Conntrack: ct})
	raw := buildReplyV4(t, "10.0.0.1", 8080, "192.168.1.10", 54321, true, true, 1)

	require.Equal(t, OK, p.Process(raw))

	v, ok := ct.Lookup(fwdKey)
	require.True(t, ok)
	require.Equal(t, maps.StateSynRecv, v.ConnState)
}

func TestSeqOffsetUnwindsAckAndChecksum(t *testing.T) {
	ct := conntrack.NewMemTable()
	client, _ := iptypes.Parse("192.168.1.10")
	listen, _ := iptypes.Parse("10.0.0.100")
	backend, _ := iptypes.Parse("10.0.0.1")

	fwdKey := maps.NewConntrackKey(client, listen, 54321, 80, maps.ProtoTCP)
	ct.InsertIfAbsent(fwdKey, maps.ConntrackValue{
		OrigDstIP:   listen.To16(),
		OrigDstPort: 80,
		NatDstIP:    backend.To16(),
		NatDstPort:  8080,
		ConnState:   maps.StateEstablished,
		SeqOffset:   28,
	})

	p := NewPipeline(Dependencies{Conntrack: ct})
	const ackNum = uint32(10028)
	raw := buildReplyV4(t, "10.0.0.1", 8080, "192.168.1.10", 54321, false, true, ackNum)

	require.Equal(t, OK, p.Process(raw))

	f, ok := ParseFrame(raw)
	require.True(t, ok)
	require.EqualValues(t, ackNum-28, f.TCP().Ack)
}
