package blobcodec

import "math/bits"

// padmeLen rounds L up to the next Padmé bucket boundary: a padding
// scheme of relative bucket width 1/log2(L), leaking only O(log log L)
// bits of the true length (spec.md §4.C).
func padmeLen(l uint64) uint64 {
	if l <= 1 {
		return l
	}
	e := bits.Len64(l) - 1
	s := bits.Len64(uint64(e))
	lastBits := e - s
	mask := (uint64(1) << uint(lastBits)) - 1
	return (l + mask) &^ mask
}
