package probe

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"rvtrace/codemem"
	"rvtrace/probeerr"
)

func fakeAllocator(mem *codemem.Fake, next *uint64) func(addr uint64, length int) (uint64, error) {
	return func(addr uint64, length int) (uint64, error) {
		a := *next
		*next += uint64(length) + 0x10
		return a, nil
	}
}

func TestPrepareAndArmInstructionProbe(t *testing.T) {
	mem := codemem.NewFake(0x20000)
	// canonical nop: addi x0, x0, 0
	assert.NoError(t, mem.WriteAt(0x10400, []byte{0x13, 0x00, 0x00, 0x00}))

	next := uint64(0x18000)
	r := New(KindInstruction, 0x10400, nil, nil)
	err := r.Prepare(mem, fakeAllocator(mem, &next))
	assert.NoError(t, err)
	assert.True(t, r.Armed())
	assert.Equal(t, 4, r.Length)
	assert.Equal(t, []byte{0x13, 0x00, 0x00, 0x00}, r.OriginalBytes)
	assert.Equal(t, r.SlotAddr+uint64(r.Length), r.PostBreakAddr)

	// armed: addr now holds the breakpoint, not the original bytes
	live := make([]byte, 4)
	_ = mem.ReadAt(0x10400, live)
	assert.NotEqual(t, r.OriginalBytes, live)

	// slot holds original bytes followed by a matching-length breakpoint
	slot := make([]byte, 6)
	_ = mem.ReadAt(r.SlotAddr, slot)
	assert.Equal(t, r.OriginalBytes, slot[:4])
	assert.Equal(t, []byte{0x02, 0x90}, slot[4:6])
}

func TestArmDisarmRoundTrip(t *testing.T) {
	mem := codemem.NewFake(0x20000)
	assert.NoError(t, mem.WriteAt(0x10400, []byte{0x13, 0x00, 0x00, 0x00}))
	next := uint64(0x18000)

	r := New(KindInstruction, 0x10400, nil, nil)
	assert.NoError(t, r.Prepare(mem, fakeAllocator(mem, &next)))
	assert.NoError(t, r.Disarm(mem))

	live := make([]byte, 4)
	_ = mem.ReadAt(0x10400, live)
	assert.Equal(t, []byte{0x13, 0x00, 0x00, 0x00}, live)
}

func TestPrepareIsIdempotent(t *testing.T) {
	mem := codemem.NewFake(0x20000)
	assert.NoError(t, mem.WriteAt(0x10400, []byte{0x13, 0x00, 0x00, 0x00}))
	next := uint64(0x18000)

	r := New(KindInstruction, 0x10400, nil, nil)
	calls := 0
	alloc := func(addr uint64, length int) (uint64, error) {
		calls++
		a := next
		next += uint64(length) + 0x10
		return a, nil
	}

	assert.NoError(t, r.Prepare(mem, alloc))
	firstSlot := r.SlotAddr
	assert.NoError(t, r.Prepare(mem, alloc)) // must not re-read from (now armed) memory
	assert.Equal(t, 1, calls)
	assert.Equal(t, firstSlot, r.SlotAddr)
	assert.Equal(t, []byte{0x13, 0x00, 0x00, 0x00}, r.OriginalBytes)
}

func TestPrepareRejectsIllegalInstruction(t *testing.T) {
	mem := codemem.NewFake(0x20000)
	// auipc x4, 0
	assert.NoError(t, mem.WriteAt(0x12000, []byte{0x17, 0x02, 0x00, 0x00}))
	next := uint64(0x18000)

	r := New(KindInstruction, 0x12000, nil, nil)
	err := r.Prepare(mem, fakeAllocator(mem, &next))
	assert.ErrorIs(t, err, probeerr.ErrInstructionNotRelocatable)
	assert.False(t, r.Prepared())

	live := make([]byte, 4)
	_ = mem.ReadAt(0x12000, live)
	assert.Equal(t, []byte{0x17, 0x02, 0x00, 0x00}, live) // unchanged
}

func TestPrepareFunctionProbe(t *testing.T) {
	mem := codemem.NewFake(0x20000)
	// addi sp, sp, -32 -> imm12 = 0xFE0
	word := uint32(0xFE0)<<20 | 2<<15 | 2<<7 | 0x13
	assert.NoError(t, mem.WriteAt(0x11000, []byte{byte(word), byte(word >> 8), byte(word >> 16), byte(word >> 24)}))
	next := uint64(0x18000)

	r := New(KindSyncFunction, 0x11000, nil, nil)
	err := r.Prepare(mem, fakeAllocator(mem, &next))
	assert.NoError(t, err)
	assert.Equal(t, int32(-32), r.SPDelta)
	assert.NotZero(t, r.FuncBreakAddr)
	assert.True(t, r.Armed())
}

func TestPrepareRejectsNonPrologue(t *testing.T) {
	mem := codemem.NewFake(0x20000)
	assert.NoError(t, mem.WriteAt(0x11000, []byte{0x13, 0x00, 0x00, 0x00})) // addi x0,x0,0
	next := uint64(0x18000)

	r := New(KindSyncFunction, 0x11000, nil, nil)
	err := r.Prepare(mem, fakeAllocator(mem, &next))
	assert.ErrorIs(t, err, probeerr.ErrNotFunctionPrologue)
}

func TestPrepareRejectsAsyncFunction(t *testing.T) {
	mem := codemem.NewFake(0x20000)
	next := uint64(0x18000)
	r := New(KindAsyncFunction, 0x11000, nil, nil)
	err := r.Prepare(mem, fakeAllocator(mem, &next))
	assert.ErrorIs(t, err, probeerr.ErrNotImplemented)
}

func TestReturnStackLIFO(t *testing.T) {
	r := New(KindSyncFunction, 0x11000, nil, nil)
	r.PushReturn(0x100)
	r.PushReturn(0x200)
	r.PushReturn(0x300)
	assert.Equal(t, 3, r.ReturnDepth())

	a, ok := r.PopReturn()
	assert.True(t, ok)
	assert.Equal(t, uint64(0x300), a)

	a, ok = r.PopReturn()
	assert.True(t, ok)
	assert.Equal(t, uint64(0x200), a)

	a, ok = r.PopReturn()
	assert.True(t, ok)
	assert.Equal(t, uint64(0x100), a)

	assert.Equal(t, 0, r.ReturnDepth())
	_, ok = r.PopReturn()
	assert.False(t, ok)
}
