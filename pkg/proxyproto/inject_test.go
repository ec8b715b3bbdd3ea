package proxyproto

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"

	"github.com/cilium/xlb/pkg/checksum"
	"github.com/cilium/xlb/pkg/iptypes"
	"github.com/cilium/xlb/pkg/maps"
)

var (
	testSrcMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x05}
	testDstMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x06}
)

func buildDataV4(t *testing.T, srcIP string, srcPort uint16, dstIP string, dstPort uint16, seq, ack uint32, payload []byte) []byte {
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
		Ack:     ack,
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

// verifyIPv4Checksum exploits the one's-complement involution: summing a
// correctly-checksummed header (checksum field included) folds to zero.
func verifyIPv4Checksum(t *testing.T, raw []byte) {
	t.Helper()
	ihl := int(raw[14]&0x0F) * 4
	require.EqualValues(t, 0, checksum.Compute1071(raw[14:14+ihl]))
}

func verifyTCPChecksum(t *testing.T, raw []byte, fam iptypes.Family, tcpStart int) {
	t.Helper()
	seg := raw[tcpStart:]
	var pseudo []byte
	if fam == iptypes.V4 {
		pseudo = make([]byte, 12)
		copy(pseudo[0:4], raw[14+12:14+16])
		copy(pseudo[4:8], raw[14+16:14+20])
		pseudo[9] = byte(maps.ProtoTCP)
		binary.BigEndian.PutUint16(pseudo[10:12], uint16(len(seg)))
	} else {
		pseudo = make([]byte, 40)
		copy(pseudo[0:16], raw[14+8:14+24])
		copy(pseudo[16:32], raw[14+24:14+40])
		binary.BigEndian.PutUint32(pseudo[32:36], uint32(len(seg)))
		pseudo[39] = byte(maps.ProtoTCP)
	}
	full := append(pseudo, seg...)
	require.EqualValues(t, 0, checksum.Compute1071(full))
}

// TestScenario4ProxyInjection implements spec.md §8 scenario 4: a 100-byte
// payload on the first ESTABLISHED-state packet gets a 28-byte PROXY
// protocol v2 header spliced in front of it, the IPv4 total length grows by
// 28, and all checksums stay valid.
func TestScenario4ProxyInjection(t *testing.T) {
	client, _ := iptypes.Parse("192.168.1.10")
	vip, _ := iptypes.Parse("10.0.0.100")
	backend, _ := iptypes.Parse("10.0.0.1")

	cv := &maps.ConntrackValue{
		ConnState:      maps.StateEstablished,
		ProxyFlags:     maps.ProxyFlagEnabled,
		OrigClientIP:   client.To16(),
		OrigClientPort: 54321,
		OrigDstIP:      vip.To16(),
		OrigDstPort:    80,
	}

	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}
	raw := buildDataV4(t, client.String(), 54321, backend.String(), 8080, 5000, 1001, payload)

	origLen := len(raw)
	p := &Pipeline{}
	out, verdict := p.Process(raw, cv)

	require.Equal(t, Injected, verdict)
	require.Len(t, out, origLen+28)
	require.True(t, cv.HeaderInjected())
	require.EqualValues(t, 28, cv.SeqOffset)

	totalLen := binary.BigEndian.Uint16(out[14+2 : 14+4])
	require.EqualValues(t, origLen-14+28, totalLen)
	verifyIPv4Checksum(t, out)

	f, ok := ParseFrame(out)
	require.True(t, ok)
	verifyTCPChecksum(t, out, iptypes.V4, f.tcpStart())

	hdr := f.Payload()[:28]
	require.Equal(t, proxySignature[:], hdr[0:12])
	require.EqualValues(t, 0x21, hdr[12])
	require.EqualValues(t, 0x11, hdr[13])
	require.EqualValues(t, 12, binary.BigEndian.Uint16(hdr[14:16]))
	clientBytes := client.To16()
	vipBytes := vip.To16()
	require.Equal(t, clientBytes[12:16], hdr[16:20])
	require.Equal(t, vipBytes[12:16], hdr[20:24])
	require.EqualValues(t, 54321, binary.BigEndian.Uint16(hdr[24:26]))
	require.EqualValues(t, 80, binary.BigEndian.Uint16(hdr[26:28]))

	require.Equal(t, payload, f.Payload()[28:])
}

// TestProxySkipLargePayload implements spec.md §4.5 step 3's bound: a
// payload over MaxInjectablePayload bytes passes through without injection.
func TestProxySkipLargePayload(t *testing.T) {
	client, _ := iptypes.Parse("192.168.1.10")
	vip, _ := iptypes.Parse("10.0.0.100")

	cv := &maps.ConntrackValue{
		ConnState:    maps.StateEstablished,
		ProxyFlags:   maps.ProxyFlagEnabled,
		OrigClientIP: client.To16(),
		OrigDstIP:    vip.To16(),
		OrigDstPort:  80,
	}
	payload := make([]byte, MaxInjectablePayload+1)
	raw := buildDataV4(t, "192.168.1.10", 54321, "10.0.0.1", 8080, 5000, 1001, payload)

	p := &Pipeline{}
	out, verdict := p.Process(raw, cv)

	require.Equal(t, SkippedTooLarge, verdict)
	require.Len(t, out, len(raw))
	require.False(t, cv.HeaderInjected())
}

// TestProxyForwardSeqAdjust implements spec.md §4.5's last state-table row:
// once a header has been injected, later forward packets get their
// sequence number bumped by seq_offset.
func TestProxyForwardSeqAdjust(t *testing.T) {
	client, _ := iptypes.Parse("192.168.1.10")
	vip, _ := iptypes.Parse("10.0.0.100")

	cv := &maps.ConntrackValue{
		ConnState:    maps.StateEstablished,
		ProxyFlags:   maps.ProxyFlagEnabled | maps.ProxyFlagHeaderInjected,
		OrigClientIP: client.To16(),
		OrigDstIP:    vip.To16(),
		OrigDstPort:  80,
		SeqOffset:    28,
	}
	payload := []byte("more data")
	const seq = uint32(5100)
	raw := buildDataV4(t, "192.168.1.10", 54321, "10.0.0.1", 8080, seq, 1001, payload)

	p := &Pipeline{}
	out, verdict := p.Process(raw, cv)

	require.Equal(t, Unchanged, verdict)
	f, ok := ParseFrame(out)
	require.True(t, ok)
	require.EqualValues(t, seq+28, f.TCP().Seq)
	verifyTCPChecksum(t, out, iptypes.V4, f.tcpStart())
}
