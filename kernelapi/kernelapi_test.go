package kernelapi

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"rvtrace/probeerr"
)

func TestMissingInterfacesFail(t *testing.T) {
	r := New()
	_, err := r.CurrentExecPath()
	assert.ErrorIs(t, err, probeerr.ErrKernelInterfaceMissing)

	_, err = r.AllocatePage(0x1000, 8)
	assert.ErrorIs(t, err, probeerr.ErrKernelInterfaceMissing)
}

func TestInitializeInstallsCallbacks(t *testing.T) {
	r := New()
	r.Initialize(
		func() string { return "/bin/t" },
		func(addr uint64, length int) (uint64, error) { return addr + 0x1000, nil },
	)

	path, err := r.CurrentExecPath()
	assert.NoError(t, err)
	assert.Equal(t, "/bin/t", path)

	newAddr, err := r.AllocatePage(0x400, 6)
	assert.NoError(t, err)
	assert.Equal(t, uint64(0x1400), newAddr)
}

func TestInitializeIsLastWriteWins(t *testing.T) {
	r := New()
	r.Initialize(func() string { return "first" }, nil)
	r.Initialize(func() string { return "second" }, nil)

	path, err := r.CurrentExecPath()
	assert.NoError(t, err)
	assert.Equal(t, "second", path)
}

func TestAllocationFailurePropagates(t *testing.T) {
	r := New()
	r.Initialize(
		func() string { return "/bin/t" },
		func(addr uint64, length int) (uint64, error) { return 0, errors.New("out of pages") },
	)
	_, err := r.AllocatePage(0x400, 6)
	assert.ErrorIs(t, err, probeerr.ErrAllocationFailed)
}
