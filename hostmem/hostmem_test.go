package hostmem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegionReadWriteRoundTrip(t *testing.T) {
	r, err := Map(pageSize)
	require.NoError(t, err)
	defer r.Close()

	want := []byte{0x13, 0x00, 0x00, 0x00}
	require.NoError(t, r.WriteAt(r.base, want))

	got := make([]byte, 4)
	require.NoError(t, r.ReadAt(r.base, got))
	assert.Equal(t, want, got)
}

func TestRegionRejectsOutOfRange(t *testing.T) {
	r, err := Map(pageSize)
	require.NoError(t, err)
	defer r.Close()

	err = r.ReadAt(r.base+uint64(len(r.data)), make([]byte, 1))
	assert.Error(t, err)
}

func TestAllocatorHandsOutDistinctSlots(t *testing.T) {
	a := NewAllocator()
	defer a.Close()

	first, err := a.Allocate(0, 16)
	require.NoError(t, err)
	second, err := a.Allocate(0, 16)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.Equal(t, first+16, second)
}

func TestAllocatorGrowsAcrossPages(t *testing.T) {
	a := NewAllocator()
	defer a.Close()

	_, err := a.Allocate(0, pageSize)
	require.NoError(t, err)
	before := len(a.regions)

	_, err = a.Allocate(0, pageSize)
	require.NoError(t, err)
	assert.Greater(t, len(a.regions), before)
}
