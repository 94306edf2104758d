package capture

import (
	"net"
	"net/netip"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"github.com/irctrakz/guestcap/pkg/core"
)

const (
	ipv4HeaderLen = 20
	tcpHeaderLen  = 20
	udpHeaderLen  = 8
	maxIPv4Total  = 65535

	// Largest payload a single synthesized frame carries.
	maxTCPSegment = maxIPv4Total - ipv4HeaderLen - tcpHeaderLen
	maxUDPPayload = maxIPv4Total - ipv4HeaderLen - udpHeaderLen
)

type direction int

const (
	dirRead direction = iota
	dirWrite
)

func (d direction) String() string {
	if d == dirRead {
		return "read"
	}
	return "write"
}

// endpoints is the addressing of one synthesized frame. Invalid AddrPorts are
// rendered as 0.0.0.0:0.
type endpoints struct {
	src, dst netip.AddrPort
	kind     core.SocketKind
}

// frameSynthesizer fabricates Ethernet/IPv4/TCP (or UDP) frames around logged
// payloads. Only IPv4 is synthesized. Callers serialize access.
type frameSynthesizer struct {
	guestMAC net.HardwareAddr
	ipID     uint16
}

var zeroMAC = net.HardwareAddr{0, 0, 0, 0, 0, 0}

var serializeOpts = gopacket.SerializeOptions{
	FixLengths:       true,
	ComputeChecksums: true,
}

// maxSegment returns the payload capacity of one frame for kind.
func maxSegment(kind core.SocketKind) int {
	if kind == core.KindDatagram {
		return maxUDPPayload
	}
	return maxTCPSegment
}

// serialize writes one frame into buf. seq and ack are ignored for datagram
// sockets, which get a UDP header.
func (s *frameSynthesizer) serialize(buf gopacket.SerializeBuffer, dir direction, ep endpoints, seq, ack uint32, payload []byte) error {
	eth := &layers.Ethernet{
		SrcMAC:       zeroMAC,
		DstMAC:       zeroMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	if len(s.guestMAC) == 6 {
		if dir == dirRead {
			eth.DstMAC = s.guestMAC
		} else {
			eth.SrcMAC = s.guestMAC
		}
	}

	s.ipID++
	ip := &layers.IPv4{
		Version: 4,
		IHL:     5,
		Id:      s.ipID,
		Flags:   layers.IPv4DontFragment,
		TTL:     64,
		SrcIP:   ipv4Of(ep.src),
		DstIP:   ipv4Of(ep.dst),
	}

	if ep.kind == core.KindDatagram {
		ip.Protocol = layers.IPProtocolUDP
		udp := &layers.UDP{
			SrcPort: layers.UDPPort(ep.src.Port()),
			DstPort: layers.UDPPort(ep.dst.Port()),
		}
		if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
			return err
		}
		return gopacket.SerializeLayers(buf, serializeOpts, eth, ip, udp, gopacket.Payload(payload))
	}

	ip.Protocol = layers.IPProtocolTCP
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(ep.src.Port()),
		DstPort: layers.TCPPort(ep.dst.Port()),
		Seq:     seq,
		Ack:     ack,
		ACK:     true,
		PSH:     len(payload) > 0,
		Window:  0xffff,
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		return err
	}
	return gopacket.SerializeLayers(buf, serializeOpts, eth, ip, tcp, gopacket.Payload(payload))
}

// ipv4Of returns the 4-byte form of ap, or 0.0.0.0 when ap is unset or not IPv4.
func ipv4Of(ap netip.AddrPort) net.IP {
	if !ap.IsValid() || !ap.Addr().Is4() {
		return net.IPv4zero.To4()
	}
	a := ap.Addr().As4()
	return net.IP(a[:])
}

// ipv4Only keeps ap when it is an IPv4 (or IPv4-mapped) endpoint and returns
// the zero AddrPort otherwise.
func ipv4Only(ap netip.AddrPort) netip.AddrPort {
	if !ap.IsValid() {
		return netip.AddrPort{}
	}
	a := ap.Addr().Unmap()
	if !a.Is4() {
		return netip.AddrPort{}
	}
	return netip.AddrPortFrom(a, ap.Port())
}
