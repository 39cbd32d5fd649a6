package memutils_test

import (
	"testing"

	"github.com/mortyos/memcore/memutils"
	"github.com/stretchr/testify/require"
)

func TestAlign(t *testing.T) {
	require.Equal(t, uint32(0x2000), memutils.AlignUp(uint32(0x15DE), 0x1000))
	require.Equal(t, uint32(0x1000), memutils.AlignUp(uint32(0x1000), 0x1000))
	require.Equal(t, uint32(0x1000), memutils.AlignDown(uint32(0x1FFF), 0x1000))
	require.True(t, memutils.IsAligned(uint32(0xC0000000), 0x1000))
	require.False(t, memutils.IsAligned(uint32(0xC0000010), 0x1000))
}

func TestCheckPow2(t *testing.T) {
	require.NoError(t, memutils.CheckPow2(4096, "pageSize"))
	err := memutils.CheckPow2(3000, "pageSize")
	require.ErrorIs(t, err, memutils.PowerOfTwoError)
	require.ErrorIs(t, memutils.CheckPow2(0, "pageSize"), memutils.PowerOfTwoError)
}

func TestCheckAligned(t *testing.T) {
	require.NoError(t, memutils.CheckAligned(uint32(0xE0000000), 0x1000, "heapStart"))
	require.ErrorIs(t, memutils.CheckAligned(uint32(0xE0000004), 0x1000, "heapStart"), memutils.MisalignedError)
}
