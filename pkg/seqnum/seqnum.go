// Package seqnum implements the wrap-around sequence-number arithmetic
// used throughout the TCP state machine, per RFC 793 §3.3.
package seqnum

// Value is a 32-bit TCP sequence number. All comparisons between two
// Values must go through LessThan or InWindow; a plain "<" is never
// correct on a ring.
type Value uint32

// Size is a count of sequence-space octets (payload length, plus one
// per SYN or FIN consumed).
type Size uint32

// Add returns v+delta, wrapping modulo 2^32.
func (v Value) Add(delta Size) Value {
	return v + Value(delta)
}

// Sub returns the number of octets between v and w, i.e. v-w, wrapping
// modulo 2^32.
func (v Value) Sub(w Value) Size {
	return Size(v - w)
}

// LessThan reports whether v lies strictly before w on the shorter arc
// of the sequence ring: (v-w) mod 2^32 > 2^31.
func (v Value) LessThan(w Value) bool {
	return uint32(v-w) > 1<<31
}

// InWindow reports whether v lies in the open interval (lo, hi) on the
// ring, i.e. is_between_wrapped(lo, v, hi).
func (v Value) InWindow(lo, hi Value) bool {
	return lo.LessThan(v) && v.LessThan(hi)
}
