//go:build !secureiss

package tcp

import "github.com/vnetio/usertcp/pkg/seqnum"

// DefaultISSSource returns the insecure, deterministic iss=0 generator
// spec.md keeps as an explicit, documented default — SYN-cookie-grade
// ISS generation is a non-goal. Build with -tags secureiss to draw
// from crypto/rand instead.
func DefaultISSSource() func() seqnum.Value {
	return func() seqnum.Value { return 0 }
}
