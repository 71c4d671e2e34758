package tcp

import "fmt"

// Quad is the ordered four-tuple identifying a TCP flow. Ports are
// host byte order. Equality and hashing (via Go's native map key
// comparison) are structural over all four fields.
type Quad struct {
	SrcIP   [4]byte
	SrcPort uint16
	DstIP   [4]byte
	DstPort uint16
}

func (q Quad) String() string {
	return fmt.Sprintf("%d.%d.%d.%d:%d -> %d.%d.%d.%d:%d",
		q.SrcIP[0], q.SrcIP[1], q.SrcIP[2], q.SrcIP[3], q.SrcPort,
		q.DstIP[0], q.DstIP[1], q.DstIP[2], q.DstIP[3], q.DstPort)
}

func ipv4To4(ip []byte) (out [4]byte) {
	copy(out[:], ip)
	return out
}
