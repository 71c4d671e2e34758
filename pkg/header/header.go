// Package header builds and parses the fixed-size IPv4+TCP headers
// this stack emits and consumes: 20-byte IPv4 (IHL 5, no options),
// 20-byte TCP (data offset 5, no options). It is a narrow typed
// wrapper around github.com/google/gopacket/layers so the rest of the
// repository never imports gopacket directly.
package header

import (
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// IPHeaderLen and TCPHeaderLen are the fixed, options-less header
// sizes this stack ever produces or accepts.
const (
	IPHeaderLen  = 20
	TCPHeaderLen = 20
	MaxFrameLen  = 1500
)

// Flags carried by a single TCP segment.
type Flags struct {
	SYN, ACK, FIN, RST, PSH bool
}

// Segment is the decoded or to-be-encoded form of one IPv4+TCP frame.
// Addresses are 4-byte IPv4 values; ports and sequence fields are in
// host byte order (wire byte order is an encoding detail handled
// entirely inside Encode/Decode).
type Segment struct {
	SrcIP, DstIP     net.IP
	SrcPort, DstPort uint16
	Seq, Ack         uint32
	Window           uint16
	Flags            Flags
	Payload          []byte
}

// ident is the constant, nonzero IPv4 identification field value this
// design uses for every outgoing datagram (spec: "a nonzero constant").
const ident = 0x1

// Encode serializes seg as a 20-byte IPv4 header, a 20-byte TCP
// header, and the payload, recomputing both the IPv4 header checksum
// and the TCP pseudo-header checksum. The returned slice is owned by
// the caller.
func Encode(seg *Segment) ([]byte, error) {
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Id:       ident,
		Flags:    layers.IPv4DontFragment,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    seg.SrcIP.To4(),
		DstIP:    seg.DstIP.To4(),
	}
	tcp := &layers.TCP{
		SrcPort:    layers.TCPPort(seg.SrcPort),
		DstPort:    layers.TCPPort(seg.DstPort),
		Seq:        seg.Seq,
		Ack:        seg.Ack,
		DataOffset: 5,
		SYN:        seg.Flags.SYN,
		ACK:        seg.Flags.ACK,
		FIN:        seg.Flags.FIN,
		RST:        seg.Flags.RST,
		PSH:        seg.Flags.PSH,
		Window:     seg.Window,
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, fmt.Errorf("header: set network layer for checksum: %w", err)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, tcp, gopacket.Payload(seg.Payload)); err != nil {
		return nil, fmt.Errorf("header: serialize: %w", err)
	}
	out := make([]byte, len(buf.Bytes()))
	copy(out, buf.Bytes())
	return out, nil
}

// Decode parses frame as an IPv4 datagram carrying a TCP segment. It
// returns an error for anything that is not IPv4/TCP, is shorter than
// the fixed header sizes, or carries IP/TCP options (this design
// accepts none).
func Decode(frame []byte) (*Segment, error) {
	ip := &layers.IPv4{}
	if err := ip.DecodeFromBytes(frame, gopacket.NilDecodeFeedback); err != nil {
		return nil, fmt.Errorf("header: decode ipv4: %w", err)
	}
	if ip.Version != 4 {
		return nil, fmt.Errorf("header: not ipv4 (version %d)", ip.Version)
	}
	if ip.Protocol != layers.IPProtocolTCP {
		return nil, fmt.Errorf("header: not tcp (protocol %d)", ip.Protocol)
	}
	if ip.IHL != 5 {
		return nil, fmt.Errorf("header: unsupported ip options (ihl %d)", ip.IHL)
	}

	tcp := &layers.TCP{}
	if err := tcp.DecodeFromBytes(ip.Payload, gopacket.NilDecodeFeedback); err != nil {
		return nil, fmt.Errorf("header: decode tcp: %w", err)
	}
	if tcp.DataOffset != 5 {
		return nil, fmt.Errorf("header: unsupported tcp options (data offset %d)", tcp.DataOffset)
	}

	return &Segment{
		SrcIP:   ip.SrcIP,
		DstIP:   ip.DstIP,
		SrcPort: uint16(tcp.SrcPort),
		DstPort: uint16(tcp.DstPort),
		Seq:     tcp.Seq,
		Ack:     tcp.Ack,
		Window:  tcp.Window,
		Flags: Flags{
			SYN: tcp.SYN,
			ACK: tcp.ACK,
			FIN: tcp.FIN,
			RST: tcp.RST,
			PSH: tcp.PSH,
		},
		Payload: tcp.Payload,
	}, nil
}

// VerifyChecksum independently recomputes the one's-complement sum
// over the pseudo-header, TCP header, and payload of an already
// encoded frame and reports whether it folds to zero. gopacket's
// SerializeTo path writes a checksum but exposes no standalone
// verifier over raw bytes, so this is hand-rolled per the algorithm
// in spec.md §4.B.
func VerifyChecksum(frame []byte) (bool, error) {
	if len(frame) < IPHeaderLen+TCPHeaderLen {
		return false, fmt.Errorf("header: frame too short (%d bytes)", len(frame))
	}
	ihl := int(frame[0]&0x0f) * 4
	if len(frame) < ihl+TCPHeaderLen {
		return false, fmt.Errorf("header: frame shorter than ip+tcp headers")
	}
	totalLen := int(frame[2])<<8 | int(frame[3])
	if totalLen > len(frame) {
		return false, fmt.Errorf("header: total length %d exceeds frame %d", totalLen, len(frame))
	}
	tcpLen := totalLen - ihl

	srcIP := frame[12:16]
	dstIP := frame[16:20]
	tcpSeg := frame[ihl : ihl+tcpLen]

	sum := uint32(0)
	sum += uint32(srcIP[0])<<8 | uint32(srcIP[1])
	sum += uint32(srcIP[2])<<8 | uint32(srcIP[3])
	sum += uint32(dstIP[0])<<8 | uint32(dstIP[1])
	sum += uint32(dstIP[2])<<8 | uint32(dstIP[3])
	sum += uint32(6) // protocol TCP
	sum += uint32(tcpLen)

	data := tcpSeg
	if len(data)%2 != 0 {
		data = append(append([]byte{}, data...), 0)
	}
	for i := 0; i < len(data); i += 2 {
		sum += uint32(data[i])<<8 | uint32(data[i+1])
	}
	for sum>>16 != 0 {
		sum = sum&0xffff + sum>>16
	}
	return sum&0xffff == 0xffff, nil
}
