package bitfield

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBits(t *testing.T) {
	assert.Equal(t, uint32(0b11), Bits(0b1101_1000, 3, 4))
	assert.Equal(t, uint32(0b1101), Bits(0b1101_1000, 4, 7))
	assert.Equal(t, uint32(0b1), Bits(0b1101_1000, 3, 3))
}

func TestBit(t *testing.T) {
	assert.True(t, Bit(0b1101_1000, 3))
	assert.True(t, Bit(0b1101_1000, 4))
	assert.False(t, Bit(0b1101_1000, 0))
}

func TestSignExtendPositive(t *testing.T) {
	assert.Equal(t, int32(15), SignExtend(0b0_1111, 5))
}

func TestSignExtendNegative(t *testing.T) {
	// a 5-bit field of all-ones is -1 in two's complement
	assert.Equal(t, int32(-1), SignExtend(0b1_1111, 5))
	// 12-bit immediate -32 (0xFE0 masked to 12 bits)
	assert.Equal(t, int32(-32), SignExtend(0xFE0, 12))
}

func TestAssemble(t *testing.T) {
	got := Assemble(Field{Value: 0b101, Width: 3}, Field{Value: 0b01, Width: 2})
	assert.Equal(t, uint32(0b101_01), got)
}

func TestPanicsOnInvalidRange(t *testing.T) {
	assert.Panics(t, func() { Bits(0, 5, 2) })
	assert.Panics(t, func() { SignExtend(0, 0) })
}
