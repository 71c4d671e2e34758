//go:build secureiss

package tcp

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/vnetio/usertcp/pkg/seqnum"
)

// DefaultISSSource draws each initial sequence number from
// crypto/rand. original_source/projects/tcpp/tcp.hpp gates this same
// choice behind a compile-time flag; this build tag mirrors that.
func DefaultISSSource() func() seqnum.Value {
	return func() seqnum.Value {
		var b [4]byte
		if _, err := rand.Read(b[:]); err != nil {
			return 0
		}
		return seqnum.Value(binary.BigEndian.Uint32(b[:]))
	}
}
