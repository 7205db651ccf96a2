package ch341

import "math/bits"

// ReverseBits returns b with its bit order reversed (bit 0 becomes bit 7).
func ReverseBits(b byte) byte {
	return bits.Reverse8(b)
}

// ReverseInto writes the bit-reversed bytes of src into dst and returns the
// number of bytes written, which is the shorter of both lengths.
func ReverseInto(dst, src []byte) int {
	n := min(len(dst), len(src))
	for i := 0; i < n; i++ {
		dst[i] = bits.Reverse8(src[i])
	}
	return n
}
