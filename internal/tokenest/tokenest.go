// Package tokenest implements the kernel's single, bit-exact token
// estimator. Every component that needs a token count for a string uses
// this function — never a local reimplementation — because the counts it
// produces are load-bearing for preemption and eviction decisions.
package tokenest

// Estimate returns the estimated token cost of s.
//
// cjk is the count of Unicode code points in [0x4E00, 0x9FFF] (the CJK
// Unified Ideographs block); other is the UTF-8 byte length of s minus
// cjk. The result is cjk/2 + other/4 + 1 using integer division. This
// formula must not be changed or reimplemented elsewhere: callers that
// need a token count call Estimate.
func Estimate(s string) uint32 {
	cjk := 0
	for _, r := range s {
		if r >= 0x4E00 && r <= 0x9FFF {
			cjk++
		}
	}
	other := len(s) - cjk
	if other < 0 {
		other = 0
	}
	return uint32(cjk/2 + other/4 + 1)
}
