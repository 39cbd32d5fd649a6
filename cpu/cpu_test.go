package cpu_test

import (
	"testing"

	"github.com/mortyos/memcore/cpu"
	"github.com/mortyos/memcore/paging"
	"github.com/mortyos/memcore/physmem"
	"github.com/stretchr/testify/require"
)

const (
	testDirectory uint32 = 0x10000
	testTable     uint32 = 0x11000
)

func setupCPU(t *testing.T) (*cpu.CPU, *physmem.Memory) {
	t.Helper()

	mem := physmem.NewMemory(4 << 20)
	c := cpu.New(nil, mem)

	directoryRow := paging.NewEntry(testTable, paging.FlagPresent|paging.FlagWritable|paging.FlagUser)
	require.NoError(t, mem.WriteWord(testDirectory+paging.DirectoryIndex(0x400000)*4, uint32(directoryRow)))

	c.SetRoot(testDirectory)
	c.EnablePaging()
	return c, mem
}

func mapPage(t *testing.T, mem *physmem.Memory, virt, phys uint32, flags paging.Flags) {
	t.Helper()
	require.NoError(t, mem.WriteWord(testTable+paging.TableIndex(virt)*4, uint32(paging.NewEntry(phys, flags))))
}

func TestTranslateIdentityBeforePaging(t *testing.T) {
	c := cpu.New(nil, physmem.NewMemory(1<<20))
	require.False(t, c.PagingEnabled())

	phys, err := c.Translate(0xC0001234, cpu.AccessWrite)
	require.NoError(t, err)
	require.Equal(t, uint32(0xC0001234), phys)
}

func TestTranslateWalk(t *testing.T) {
	c, mem := setupCPU(t)
	mapPage(t, mem, 0x401000, 0x200000, paging.FlagPresent|paging.FlagWritable)

	phys, err := c.Translate(0x401ABC, cpu.AccessWrite)
	require.NoError(t, err)
	require.Equal(t, uint32(0x200ABC), phys)
	require.Equal(t, 1, c.CachedTranslations())

	require.NoError(t, c.Write32(0x401010, 42, cpu.AccessRead))
	value, err := mem.ReadWord(0x200010)
	require.NoError(t, err)
	require.Equal(t, uint32(42), value)

	value, err = c.Read32(0x401010, cpu.AccessRead)
	require.NoError(t, err)
	require.Equal(t, uint32(42), value)
}

func TestTLBHoldsStaleTranslationUntilInvalidated(t *testing.T) {
	c, mem := setupCPU(t)
	mapPage(t, mem, 0x401000, 0x200000, paging.FlagPresent|paging.FlagWritable)

	phys, err := c.Translate(0x401000, cpu.AccessRead)
	require.NoError(t, err)
	require.Equal(t, uint32(0x200000), phys)

	mapPage(t, mem, 0x401000, 0x300000, paging.FlagPresent|paging.FlagWritable)
	phys, err = c.Translate(0x401000, cpu.AccessRead)
	require.NoError(t, err)
	require.Equal(t, uint32(0x200000), phys)

	c.InvalidatePage(0x401000)
	phys, err = c.Translate(0x401000, cpu.AccessRead)
	require.NoError(t, err)
	require.Equal(t, uint32(0x300000), phys)

	c.SetRoot(testDirectory)
	require.Zero(t, c.CachedTranslations())
}

func TestFaultErrorCodes(t *testing.T) {
	c, mem := setupCPU(t)
	mapPage(t, mem, 0x402000, 0x200000, paging.FlagPresent)

	var codes []uint32
	c.Interrupts().Register(cpu.VectorPageFault, func(regs *cpu.Registers) {
		require.Equal(t, cpu.VectorPageFault, regs.Vector)
		require.Equal(t, uint32(0xC0100000), regs.EIP)
		codes = append(codes, regs.ErrorCode)
	})
	c.SetIP(0xC0100000)

	_, err := c.Translate(0x403000, cpu.AccessRead)
	require.ErrorIs(t, err, cpu.ErrPageFault)
	require.Equal(t, uint32(0x403000), c.FaultAddress())

	_, err = c.Translate(0x403000, cpu.AccessWrite|cpu.AccessUser)
	require.ErrorIs(t, err, cpu.ErrPageFault)

	_, err = c.Translate(0x402000, cpu.AccessWrite)
	require.ErrorIs(t, err, cpu.ErrPageFault)

	_, err = c.Translate(0x402000, cpu.AccessUser)
	require.ErrorIs(t, err, cpu.ErrPageFault)

	require.Equal(t, []uint32{
		0,
		cpu.FaultWrite | cpu.FaultUser,
		cpu.FaultProtection | cpu.FaultWrite,
		cpu.FaultProtection | cpu.FaultUser,
	}, codes)
	require.False(t, c.Halted())
}

func TestFaultHandlerResolvesAndRetries(t *testing.T) {
	c, mem := setupCPU(t)

	calls := 0
	c.Interrupts().Register(cpu.VectorPageFault, func(regs *cpu.Registers) {
		calls++
		mapPage(t, mem, c.FaultAddress(), 0x250000, paging.FlagPresent|paging.FlagWritable)
	})

	phys, err := c.Translate(0x404008, cpu.AccessWrite)
	require.NoError(t, err)
	require.Equal(t, uint32(0x250008), phys)
	require.Equal(t, 1, calls)
}

func TestUnhandledFaultHalts(t *testing.T) {
	c, _ := setupCPU(t)

	_, err := c.Translate(0x405000, cpu.AccessRead)
	require.ErrorIs(t, err, cpu.ErrPageFault)
	require.True(t, c.Halted())

	_, err = c.Translate(0x405000, cpu.AccessRead)
	require.ErrorIs(t, err, cpu.ErrHalted)
}

func TestHandlerHaltStopsRetry(t *testing.T) {
	c, _ := setupCPU(t)
	c.Interrupts().Register(cpu.VectorPageFault, func(regs *cpu.Registers) {
		c.Halt()
	})

	_, err := c.Translate(0x406000, cpu.AccessRead)
	require.ErrorIs(t, err, cpu.ErrHalted)
}

func TestInterruptTable(t *testing.T) {
	var table cpu.InterruptTable
	require.False(t, table.Registered(32))
	require.ErrorIs(t, table.Dispatch(&cpu.Registers{Vector: 32}), cpu.ErrUnhandledInterrupt)

	fired := false
	table.Register(32, func(regs *cpu.Registers) { fired = true })
	require.True(t, table.Registered(32))
	require.NoError(t, table.Dispatch(&cpu.Registers{Vector: 32}))
	require.True(t, fired)
}
