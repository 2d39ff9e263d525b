package kprobe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rvtrace/codemem"
	"rvtrace/handler"
	"rvtrace/probe"
	"rvtrace/probeerr"
)

func newTestTable(mem *codemem.Fake) *Table {
	next := uint64(0x50000)
	alloc := func(addr uint64, length int) (uint64, error) {
		a := next
		next += uint64(length) + 0x10
		return a, nil
	}
	return NewTable(mem, alloc, nil)
}

func TestRegisterArmsImmediately(t *testing.T) {
	mem := codemem.NewFake(0x80000)
	require.NoError(t, mem.WriteAt(0x1000, []byte{0x13, 0x00, 0x00, 0x00}))

	table := newTestTable(mem)
	require.NoError(t, table.Register(0x1000, nil, nil, probe.KindInstruction))

	live := make([]byte, 4)
	require.NoError(t, mem.ReadAt(0x1000, live))
	assert.NotEqual(t, []byte{0x13, 0x00, 0x00, 0x00}, live)
}

func TestRegisterRejectsIllegalLeavesNoTrace(t *testing.T) {
	mem := codemem.NewFake(0x80000)
	require.NoError(t, mem.WriteAt(0x2000, []byte{0x17, 0x02, 0x00, 0x00})) // auipc

	table := newTestTable(mem)
	err := table.Register(0x2000, nil, nil, probe.KindInstruction)
	assert.Error(t, err)

	live := make([]byte, 4)
	require.NoError(t, mem.ReadAt(0x2000, live))
	assert.Equal(t, []byte{0x17, 0x02, 0x00, 0x00}, live)

	_, stillThere := table.probes[0x2000]
	assert.False(t, stillThere)
}

func TestOnTrapInstructionRoundTrip(t *testing.T) {
	mem := codemem.NewFake(0x80000)
	require.NoError(t, mem.WriteAt(0x3000, []byte{0x13, 0x00, 0x00, 0x00}))

	var hit bool
	pre := handler.New(func(*handler.Context) { hit = true })
	table := newTestTable(mem)
	require.NoError(t, table.Register(0x3000, pre, nil, probe.KindInstruction))

	cx := &handler.Context{PC: 0x3000}
	require.True(t, table.OnTrap(cx))
	assert.True(t, hit)
	slotPC := cx.PC

	cx2 := &handler.Context{PC: slotPC + 4}
	require.True(t, table.OnTrap(cx2))
	assert.Equal(t, uint64(0x3004), cx2.PC)
}

func TestUnregisterBusyWhileActive(t *testing.T) {
	mem := codemem.NewFake(0x80000)
	word := uint32(0xFF0)<<20 | 2<<15 | 2<<7 | 0x13 // addi sp,sp,-16
	require.NoError(t, mem.WriteAt(0x4000, []byte{byte(word), byte(word >> 8), byte(word >> 16), byte(word >> 24)}))

	table := newTestTable(mem)
	post := handler.New(func(*handler.Context) {})
	require.NoError(t, table.Register(0x4000, nil, post, probe.KindSyncFunction))

	cx := &handler.Context{PC: 0x4000, SP: 0x9000, RA: 0x1234}
	require.True(t, table.OnTrap(cx))

	err := table.Unregister(0x4000)
	assert.ErrorIs(t, err, probeerr.ErrBusy)
}

func TestUnregisterUnknownFails(t *testing.T) {
	mem := codemem.NewFake(0x80000)
	table := newTestTable(mem)
	err := table.Unregister(0x9999)
	assert.Error(t, err)
}
