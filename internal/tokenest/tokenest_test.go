package tokenest

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimateASCII(t *testing.T) {
	// "Hello world!" = 12 bytes, 0 CJK -> 0/2 + 12/4 + 1 = 4
	assert.Equal(t, uint32(4), Estimate("Hello world!"))
}

func TestEstimateEmpty(t *testing.T) {
	assert.Equal(t, uint32(1), Estimate(""))
}

func TestEstimateCJK(t *testing.T) {
	// three CJK ideographs, 9 bytes (3 bytes each in UTF-8), no non-CJK characters.
	s := "你好吗"
	assert.Equal(t, uint32(3), uint32(len([]rune(s))))
	got := Estimate(s)
	// cjk=3, other = 9-3=6 -> 3/2 + 6/4 + 1 = 1+1+1 = 3
	assert.Equal(t, uint32(3), got)
}

func TestEstimateMixed(t *testing.T) {
	s := "hi你好"
	// bytes: "hi"=2, "你好"=6 -> total 8 bytes, cjk=2
	// other = 8-2=6 -> cjk/2=1, other/4=1, +1 => 3
	assert.Equal(t, uint32(3), Estimate(s))
}

func TestEstimateIsPureFunctionOfInput(t *testing.T) {
	s := "deterministic input for the tokenizer stability law"
	first := Estimate(s)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, Estimate(s))
	}
}

func TestEstimateBoundaryCodePoints(t *testing.T) {
	// 0x4E00 and 0x9FFF are inclusive CJK boundaries.
	below := string(rune(0x4DFF))
	at := string(rune(0x4E00))
	top := string(rune(0x9FFF))
	above := string(rune(0xA000))

	assert.Equal(t, uint32(1+len(below)/4), Estimate(below))
	assert.Equal(t, uint32(1), Estimate(at))   // 1 cjk code point -> 1/2=0, other=3-1=2 -> 2/4=0 -> 1
	assert.Equal(t, uint32(1), Estimate(top))
	assert.Equal(t, uint32(1+len(above)/4), Estimate(above))
}
