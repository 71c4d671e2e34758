package header

import (
	"net"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func sampleSegment() *Segment {
	return &Segment{
		SrcIP:   net.IPv4(10, 0, 0, 1).To4(),
		DstIP:   net.IPv4(10, 0, 0, 2).To4(),
		SrcPort: 1234,
		DstPort: 443,
		Seq:     1000,
		Ack:     2000,
		Window:  1024,
		Flags:   Flags{ACK: true, PSH: true},
		Payload: []byte("hello"),
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	seg := sampleSegment()
	frame, err := Encode(seg)
	require.NoError(t, err)

	got, err := Decode(frame)
	require.NoError(t, err)
	got.SrcIP = got.SrcIP.To4()
	got.DstIP = got.DstIP.To4()

	if diff := cmp.Diff(seg, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}

	reencoded, err := Encode(got)
	require.NoError(t, err)
	require.Equal(t, frame, reencoded, "re-encoding a decoded segment must be byte-identical")
}

func TestChecksumFoldsToZero(t *testing.T) {
	frame, err := Encode(sampleSegment())
	require.NoError(t, err)

	ok, err := VerifyChecksum(frame)
	require.NoError(t, err)
	require.True(t, ok, "checksum must fold to zero with the checksum field intact")

	frame[len(frame)-1] ^= 0xff // corrupt the last payload byte
	ok, err = VerifyChecksum(frame)
	require.NoError(t, err)
	require.False(t, ok, "corrupted payload must not fold to zero")
}

func TestDecodeRejectsNonTCP(t *testing.T) {
	seg := sampleSegment()
	frame, err := Encode(seg)
	require.NoError(t, err)
	frame[9] = 17 // UDP
	_, err = Decode(frame)
	require.Error(t, err)
}
